// Package web exposes the assistant over HTTP.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/tally/internal/assistant"
	"github.com/metalagman/tally/internal/db"
	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/metrics"
	"github.com/metalagman/tally/internal/network"
	"github.com/metalagman/tally/internal/queue"
)

// Conversation is the assistant surface the server drives.
type Conversation interface {
	HandleTurn(ctx context.Context, utterance string) assistant.Reply
	ConfirmOnScreen(ctx context.Context) assistant.Reply
	Cancel() assistant.Reply
	Pending() (executor.State, bool)
}

// Tasks is the background queue surface.
type Tasks interface {
	Snapshot() []queue.Task
	History() []queue.Task
	Cancel(id string) (queue.Task, error)
	Stats() (pending, running int)
}

// Journal lists persisted task outcomes.
type Journal interface {
	ListTasks(ctx context.Context, status string, limit int) ([]db.JournalEntry, error)
}

// StatusSource reports the routing mode.
type StatusSource interface {
	Status() network.Status
}

// Server provides the HTTP handlers.
type Server struct {
	conv    Conversation
	tasks   Tasks
	journal Journal
	net     StatusSource
	index   *template.Template
}

//go:embed templates/*.html
var templatesFS embed.FS

// NewServer parses the page templates.
func NewServer(conv Conversation, tasks Tasks, journal Journal, net StatusSource) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	return &Server{conv: conv, tasks: tasks, journal: journal, net: net, index: tmpl}, nil
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /v1/tasks/journal", s.handleJournal)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type turnRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Network network.Status `json:"network"`
	State   executor.State `json:"state"`
	Pending bool           `json:"pending"`
	Queued  int            `json:"queued"`
	Running int            `json:"running"`
}

type tasksResponse struct {
	Pending []queue.Task `json:"pending"`
	History []queue.Task `json:"history"`
	Running int          `json:"running"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := struct {
		Status statusResponse
		Tasks  tasksResponse
	}{s.status(), s.taskList()}
	if err := s.index.Execute(w, page); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.HandleTurn(r.Context(), req.Text))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.ConfirmOnScreen(r.Context()))
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.Cancel())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.taskList())
}

func (s *Server) taskList() tasksResponse {
	_, running := s.tasks.Stats()
	return tasksResponse{Pending: s.tasks.Snapshot(), History: s.tasks.History(), Running: running}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.journal.ListTasks(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		log.Error().Err(err).Msg("list task journal")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() statusResponse {
	state, pending := s.conv.Pending()
	queued, running := s.tasks.Stats()
	return statusResponse{
		Network: s.net.Status(),
		State:   state,
		Pending: pending,
		Queued:  queued,
		Running: running,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
