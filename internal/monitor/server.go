// Package monitor exposes a read-only HTTP surface over a running Kit:
// health, task listing/lookup, and worker pool membership. It carries
// no mutating endpoint: all state changes flow through Kit/Backend,
// never HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/task"
)

// Version is set at build time or defaults to "dev".
var Version = "dev"

// PoolStatsProvider supplies the worker ids backing the /workers
// endpoint. internal/pool.Pool implements this.
type PoolStatsProvider interface {
	WorkerIDs() []string
}

// Server is the monitor's HTTP server.
type Server struct {
	be     backend.Backend
	pools  map[string]PoolStatsProvider
	addr   string
	srv    *http.Server
	logger *logrus.Logger
}

// New creates a Server serving be's state over addr. pools maps group
// name to the pool.Pool running it, used for /workers.
func New(be backend.Backend, pools map[string]PoolStatsProvider, addr string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{be: be, pools: pools, addr: addr, logger: logger}
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/workers", s.handleWorkers)

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("starting monitor server")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// healthResponse is the /health endpoint's response shape.
type healthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}

	insp, ok := s.be.(backend.Inspector)
	if ok {
		if err := insp.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("health check: backend ping failed")
			resp.OK = false
			resp.DB = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	insp, ok := s.be.(backend.Inspector)
	if !ok {
		writeJSON(w, http.StatusOK, []task.Task{})
		return
	}
	status := r.URL.Query().Get("status")
	tasks, err := insp.ListTasks(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	insp, ok := s.be.(backend.Inspector)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	t, err := insp.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// workersResponse reports each group's live worker ids.
type workersResponse struct {
	Groups map[string][]string `json:"groups"`
	Total  int                 `json:"total"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := workersResponse{Groups: make(map[string][]string)}
	for group, p := range s.pools {
		ids := p.WorkerIDs()
		resp.Groups[group] = ids
		resp.Total += len(ids)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
