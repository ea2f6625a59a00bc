// Package apiserver implements a REST control surface: pause/resume/
// stop a running crawl and inspect its statistics over HTTP.
// crawlkit's runner.Runner owns a fixed set of engines decided at
// construction time, so EngineController exposes a multi-spider
// Stats/State/Pause/Resume/Stop surface rather than per-engine
// start/seed operations (see DESIGN.md).
package apiserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/crawlkit/crawlkit/internal/runner"
)

// EngineController is the subset of *runner.Runner the API drives.
// Declared locally rather than satisfied directly by *runner.Runner,
// since Runner.State returns the concrete engine.State rather than
// fmt.Stringer — RunnerController below adapts the one to the other.
type EngineController interface {
	Pause()
	Resume()
	Stop()
	Stats() map[string]map[string]any
	State(name string) (state fmt.Stringer, ok bool)
}

// RunnerController adapts *runner.Runner to EngineController.
type RunnerController struct {
	Runner *runner.Runner
}

func (r RunnerController) Pause()                                  { r.Runner.Pause() }
func (r RunnerController) Resume()                                 { r.Runner.Resume() }
func (r RunnerController) Stop()                                   { r.Runner.Stop() }
func (r RunnerController) Stats() map[string]map[string]any        { return r.Runner.Stats() }
func (r RunnerController) State(name string) (fmt.Stringer, bool) {
	st, ok := r.Runner.State(name)
	return st, ok
}

// Server exposes EngineController over HTTP via a plain ServeMux and
// a shared jsonResponse convention for every handler.
type Server struct {
	mux    *http.ServeMux
	port   int
	logger *slog.Logger
	ctrl   EngineController
	srv    *http.Server
}

// NewServer builds a Server bound to ctrl, listening on port once
// Start is called.
func NewServer(port int, ctrl EngineController, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger.With("component", "apiserver"),
		ctrl:   ctrl,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/stats/{spider}", s.handleSpiderStats)
}

// Start runs the server in a background goroutine — it does not
// block, and logs (rather than propagates) a listener failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	s.logger.Info("api server starting", "addr", addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.ctrl.Stats()
	states := make(map[string]string, len(stats))
	for name := range stats {
		if st, ok := s.ctrl.State(name); ok {
			states[name] = st.String()
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume()
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleSpiderStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("spider")
	stats, ok := s.ctrl.Stats()[name]
	if !ok {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "no such spider"})
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
