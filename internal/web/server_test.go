package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/assistant"
	"github.com/metalagman/tally/internal/db"
	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/network"
	"github.com/metalagman/tally/internal/queue"
)

type fakeConv struct {
	turns     []string
	confirmed int
}

func (f *fakeConv) HandleTurn(_ context.Context, u string) assistant.Reply {
	f.turns = append(f.turns, u)
	return assistant.Reply{Text: "已记录支出35元（餐饮）", Kind: assistant.KindAction}
}

func (f *fakeConv) ConfirmOnScreen(context.Context) assistant.Reply {
	f.confirmed++
	return assistant.Reply{Text: "已删除3条记录", Kind: assistant.KindAction}
}

func (f *fakeConv) Cancel() assistant.Reply {
	return assistant.Reply{Text: "好的，已取消。", Kind: assistant.KindAction}
}

func (f *fakeConv) Pending() (executor.State, bool) {
	return executor.StateWaitingForConfirmation, true
}

type fakeTasks struct {
	pending []queue.Task
}

func (f *fakeTasks) Snapshot() []queue.Task { return f.pending }
func (f *fakeTasks) History() []queue.Task  { return nil }
func (f *fakeTasks) Stats() (int, int)      { return len(f.pending), 1 }

func (f *fakeTasks) Cancel(id string) (queue.Task, error) {
	switch id {
	case "t1":
		return queue.Task{ID: "t1", Status: queue.StatusCancelled}, nil
	case "running":
		return queue.Task{}, queue.ErrNotPending
	}
	return queue.Task{}, queue.ErrNotFound
}

type fakeJournal struct {
	status string
	limit  int
}

func (f *fakeJournal) ListTasks(_ context.Context, status string, limit int) ([]db.JournalEntry, error) {
	f.status, f.limit = status, limit
	return []db.JournalEntry{{TaskID: "t9", Status: "completed"}}, nil
}

type fakeStatus struct{}

func (fakeStatus) Status() network.Status { return network.Status{Mode: network.ModeRuleOnly} }

type fixture struct {
	conv    *fakeConv
	journal *fakeJournal
	h       http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{conv: &fakeConv{}, journal: &fakeJournal{}}
	tasks := &fakeTasks{pending: []queue.Task{{
		ID:     "t1",
		Status: queue.StatusPending,
		Intent: model.ActionIntent{Category: "transaction", Action: "add", OriginalText: "午饭30"},
	}}}
	srv, err := NewServer(f.conv, tasks, f.journal, fakeStatus{})
	require.NoError(t, err)
	f.h = srv.Routes()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func TestTurn(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/turns", `{"text":"午饭花了35"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply assistant.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "已记录支出35元（餐饮）", reply.Text)
	assert.Equal(t, []string{"午饭花了35"}, f.conv.turns)
}

func TestTurnRejectsBadBodies(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/turns", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/turns", `{"text":"  "}`).Code)
	assert.Empty(t, f.conv.turns)
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.conv.confirmed)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/v1/tasks/t1", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/v1/tasks/running", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/tasks/nope", "").Code)
}

func TestTasksAndStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks tasksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks.Pending, 1)
	assert.Equal(t, 1, tasks.Running)

	rec = f.do(http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, network.ModeRuleOnly, st.Network.Mode)
	assert.True(t, st.Pending)
	assert.Equal(t, executor.StateWaitingForConfirmation, st.State)
}

func TestJournal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/tasks/journal?status=failed&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", f.journal.status)
	assert.Equal(t, 5, f.journal.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/tasks/journal?limit=x", "").Code)
}

func TestIndexAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "午饭30")
	assert.Contains(t, rec.Body.String(), "rule_only")

	rec = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
