package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClassifier() *Classifier {
	return NewClassifier(WithClock(func() time.Time { return now }))
}

func rec(amount float64, age time.Duration) Record {
	return Record{ID: "r1", Amount: amount, Type: TypeExpense, Category: "餐饮", CreatedAt: now.Add(-age)}
}

func TestClassifyDeletion(t *testing.T) {
	c := fixedClassifier()
	tests := []struct {
		name      string
		records   []Record
		utterance string
		want      Level
		blocked   bool
	}{
		{name: "small recent", records: []Record{rec(50, time.Hour)}, utterance: "删掉刚才那笔", want: LevelLight},
		{name: "large recent", records: []Record{rec(150, time.Hour)}, utterance: "删掉刚才那笔", want: LevelStandard},
		{name: "small old", records: []Record{rec(10, 48*time.Hour)}, utterance: "删掉那笔", want: LevelStandard},
		{name: "three records", records: []Record{rec(1, time.Hour), rec(2, time.Hour), rec(3, time.Hour)}, utterance: "删掉它们", want: LevelStrict},
		{name: "batch phrase single", records: []Record{rec(5, time.Hour)}, utterance: "把这些都删了", want: LevelStrict},
		{name: "empty trash", records: nil, utterance: "帮我清空回收站", want: LevelVoiceProhibited, blocked: true},
		{name: "english reset", records: []Record{rec(5, time.Hour)}, utterance: "please reset my data", want: LevelVoiceProhibited, blocked: true},
		{name: "no records", records: nil, utterance: "删掉那笔", want: LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ClassifyDeletion(tt.records, tt.utterance)
			assert.Equal(t, tt.want, got.Level)
			assert.Equal(t, tt.blocked, got.IsBlocked)
			assert.Equal(t, tt.want.AllowsVoice(), got.AllowVoiceConfirm)
		})
	}
}

func TestClassifyDeletionBlockedRedirect(t *testing.T) {
	got := fixedClassifier().ClassifyDeletion(nil, "清空回收站")
	require.True(t, got.IsBlocked)
	assert.Equal(t, "/settings/trash", got.RedirectRoute)
	assert.NotEmpty(t, got.BlockReason)
	assert.False(t, got.NeedsConfirmation())
}

func TestClassifyDeletionBatchPhraseBeforeNoRecords(t *testing.T) {
	c := fixedClassifier()
	got := c.ClassifyDeletion(nil, "把这些都删了")
	assert.Equal(t, LevelStrict, got.Level)
	assert.False(t, got.IsBlocked)

	assert.Equal(t, LevelNone, c.ClassifyDeletion(nil, "删掉那笔").Level)
}

func TestClassifyDeletionStrictPromptListsTotal(t *testing.T) {
	got := fixedClassifier().ClassifyDeletion([]Record{rec(10, time.Hour), rec(20.5, time.Hour)}, "删掉")
	assert.Equal(t, LevelStrict, got.Level)
	assert.True(t, got.RequireScreenConfirm)
	assert.Contains(t, got.Prompt, "2条")
	assert.Contains(t, got.Prompt, "30.50")
}

func TestClassifyModification(t *testing.T) {
	c := fixedClassifier()
	tests := []struct {
		name    string
		record  Record
		changes map[string]any
		want    Level
	}{
		{name: "note only recent", record: rec(100, 2*time.Hour), changes: map[string]any{"note": "午饭"}, want: LevelNone},
		{name: "amount crosses absolute", record: rec(100, time.Hour), changes: map[string]any{"amount": 700.0}, want: LevelStandard},
		{name: "type change", record: rec(1, time.Hour), changes: map[string]any{"transactionType": TypeIncome}, want: LevelStrict},
		{name: "large delta", record: rec(300, time.Hour), changes: map[string]any{"amount": 100}, want: LevelStandard},
		{name: "relative delta", record: rec(80, time.Hour), changes: map[string]any{"amount": 140.0}, want: LevelStandard},
		{name: "small relative delta", record: rec(80, time.Hour), changes: map[string]any{"amount": 90.0}, want: LevelNone},
		{name: "aged small delta", record: rec(80, 30*time.Hour), changes: map[string]any{"amount": 105.0}, want: LevelStandard},
		{name: "aged tiny delta", record: rec(80, 30*time.Hour), changes: map[string]any{"amount": 85.0}, want: LevelLight},
		{name: "multiple fields", record: rec(80, time.Hour), changes: map[string]any{"note": "x", "category": "交通"}, want: LevelStandard},
		{name: "aged single field", record: rec(80, 30*time.Hour), changes: map[string]any{"note": "x"}, want: LevelLight},
		{name: "unchanged values", record: rec(80, 30*time.Hour), changes: map[string]any{"amount": 80.0, "category": "餐饮"}, want: LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ClassifyModification(tt.record, tt.changes).Level)
		})
	}
}

func TestThresholdsOverride(t *testing.T) {
	th := DefaultThresholds()
	th.DeleteAmount = 20
	c := NewClassifier(WithThresholds(th), WithClock(func() time.Time { return now }))
	assert.Equal(t, LevelStandard, c.ClassifyDeletion([]Record{rec(50, time.Hour)}, "删掉").Level)
}

func TestLevelString(t *testing.T) {
	for l := LevelNone; l <= LevelVoiceProhibited; l++ {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}
