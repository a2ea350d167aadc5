package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// pipelineStatus is one pipeline's entry in the /status payload.
type pipelineStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// statusServer exposes the run's progress over HTTP. All methods are safe on
// a nil receiver so the rest of the app never guards for a disabled server.
type statusServer struct {
	logger *slog.Logger
	srv    *http.Server

	mu        sync.Mutex
	runID     string
	job       string
	tasksDone int
	order     []string
	pipelines map[string]*pipelineStatus
}

// newStatusServer builds the server with every pipeline pending.
func newStatusServer(logger *slog.Logger, runID, job string, ids []string) *statusServer {
	s := &statusServer{
		logger:    logger,
		runID:     runID,
		job:       job,
		order:     ids,
		pipelines: make(map[string]*pipelineStatus, len(ids)),
	}
	for _, id := range ids {
		s.pipelines[id] = &pipelineStatus{ID: id, State: "pending"}
	}
	return s
}

// start serves /health and /status on the given port without blocking.
func (s *statusServer) start(port int) {
	if s == nil {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)

	addr := fmt.Sprintf(":%d", port)
	s.srv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		s.logger.Info("🩺 Status server starting", "address", fmt.Sprintf("http://localhost%s/status", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed unexpectedly", "error", err)
		}
	}()
}

// close shuts the server down gracefully.
func (s *statusServer) close() {
	if s == nil || s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("Status server shutdown failed", "error", err)
	}
}

func (s *statusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *statusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	payload := struct {
		RunID     string           `json:"run_id"`
		Job       string           `json:"job"`
		TasksDone int              `json:"tasks_done"`
		Pipelines []pipelineStatus `json:"pipelines"`
	}{
		RunID:     s.runID,
		Job:       s.job,
		TasksDone: s.tasksDone,
	}
	for _, id := range s.order {
		payload.Pipelines = append(payload.Pipelines, *s.pipelines[id])
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Status encoding failed", "error", err)
	}
}

// setState moves one pipeline to the given state.
func (s *statusServer) setState(id, state string, err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.pipelines[id]; ok {
		ps.State = state
		if err != nil {
			ps.Error = err.Error()
		}
	}
}

// taskDone bumps the completed task counter.
func (s *statusServer) taskDone() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.tasksDone++
	s.mu.Unlock()
}
