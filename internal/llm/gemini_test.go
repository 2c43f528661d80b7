package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/model"
)

type fakeGenerator struct {
	mu      sync.Mutex
	out     string
	err     error
	calls   int
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.out, f.err
}

func TestClassify(t *testing.T) {
	gen := &fakeGenerator{out: "```json\n" + `{"route_type":"action","confidence":0.92,"category":"transaction","action":"add","entities":{"amount":35,"category":"餐饮"},"emotion":"neutral"}` + "\n```"}
	g := NewGemini(gen, WithActionCatalog(func() []string { return []string{"transaction.add", "budget.set"} }))

	res, err := g.Classify(context.Background(), "午饭35", "用户: 你好")
	require.NoError(t, err)
	assert.Equal(t, model.RouteAction, res.RouteType)
	assert.Equal(t, "transaction.add", res.IntentID())
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, 35.0, res.Entities["amount"])
	assert.Equal(t, model.SourceLLM, res.Source)
	assert.Equal(t, "午饭35", res.RawInput)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "transaction.add, budget.set")
	assert.Contains(t, gen.prompts[0], "用户: 你好")
}

func TestClassifyMalformed(t *testing.T) {
	tests := map[string]string{
		"no json":       "I think it is an expense",
		"bad route":     `{"route_type":"command","confidence":1}`,
		"missing act":   `{"route_type":"action","confidence":0.9}`,
		"broken object": `{"route_type": }`,
	}
	for name, out := range tests {
		t.Run(name, func(t *testing.T) {
			g := NewGemini(&fakeGenerator{out: out})
			_, err := g.Classify(context.Background(), "x", "")
			assert.ErrorIs(t, err, ErrMalformedOutput)
		})
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	g := NewGemini(&fakeGenerator{out: `{"route_type":"chat","confidence":1.7,"chat_response":"hi"}`})
	res, err := g.Classify(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestClassifyDecomposed(t *testing.T) {
	out := `{"chat":{"route_type":"chat","confidence":0.8,"chat_response":"辛苦啦","emotion":"sad"},
	"actions":[
	  {"route_type":"action","confidence":0.9,"category":"transaction","action":"add","entities":{"amount":30}},
	  {"route_type":"chat","confidence":0.5},
	  {"route_type":"action","confidence":0.85,"category":"transaction","action":"add","entities":{"amount":20}}
	]}`
	g := NewGemini(&fakeGenerator{out: out})
	d, err := g.ClassifyDecomposed(context.Background(), "好累，午饭30，打车20", "")
	require.NoError(t, err)
	require.NotNil(t, d.Chat)
	assert.Equal(t, "辛苦啦", d.Chat.ChatResponse)
	require.Len(t, d.Actions, 2)
	assert.Equal(t, 30.0, d.Actions[0].Entities["amount"])
	assert.Equal(t, 20.0, d.Actions[1].Entities["amount"])
	assert.True(t, d.IsHybrid())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("boom")}
	g := NewGemini(gen, WithBreaker(2, time.Hour))

	for i := 0; i < 2; i++ {
		_, err := g.Classify(context.Background(), "x", "")
		require.Error(t, err)
	}
	_, err := g.Classify(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, gen.calls)
	assert.False(t, g.CheckAvailability(context.Background()))
	assert.Equal(t, "open", g.BreakerState())
}

func TestAvailabilityAndLatency(t *testing.T) {
	gen := &fakeGenerator{out: `{"ok":true}`}
	g := NewGemini(gen)
	assert.True(t, g.CheckAvailability(context.Background()))
	d, err := g.MeasureLatency(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	require.NoError(t, g.Warmup(context.Background()))
	assert.Equal(t, 3, gen.calls)
}

func TestDisabled(t *testing.T) {
	var c Classifier = Disabled{}
	_, err := c.Classify(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, c.CheckAvailability(context.Background()))
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	t.Setenv("TALLY_TEST_EMPTY_KEY", "")
	_, err := NewGenerator(context.Background(), Config{APIKeyEnv: "TALLY_TEST_EMPTY_KEY"}, nil)
	assert.Error(t, err)
}
