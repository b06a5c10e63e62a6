// Package server exposes run status and control over HTTP, serves the
// Prometheus metrics and accepts async bridge callbacks from the native host.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/step"
)

// maxCallbackBytes bounds a callback envelope (screenshots are base64).
const maxCallbackBytes = 32 << 20

// RunFunc reserves a run of the named entry, superseding any earlier run,
// and returns the function that executes it. Reserving must not block; the
// returned function blocks until the run ends.
type RunFunc func(entry string) func(ctx context.Context) error

// Deps are the components the server reports on and controls.
type Deps struct {
	Engine   *step.Engine
	Store    *step.MemoryStore
	Client   *bridge.Client
	Gatherer prometheus.Gatherer
	Run      RunFunc // optional; enables POST /run/{entry}
	Stop     func()  // optional; replaces Engine.Stop for POST /stop
}

// Server holds the chi router and the components behind it.
type Server struct {
	router chi.Router
	addr   string
	deps   Deps
}

// New creates a Server with all routes configured.
func New(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/stop", s.handleStop)
	r.Post("/callback", s.handleCallback)
	if s.deps.Run != nil {
		r.Post("/run/{entry}", s.handleRun)
	}
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("server: %s %s -> %d [%v] %s", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	step.State
	CurrentID        string `json:"currentId,omitempty"`
	PendingCallbacks int    `json:"pendingCallbacks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{}
	if s.deps.Store != nil {
		resp.State = s.deps.Store.Snapshot()
	}
	if s.deps.Engine != nil {
		resp.CurrentID = string(s.deps.Engine.CurrentID())
	}
	if s.deps.Client != nil {
		resp.PendingCallbacks = s.deps.Client.Pending().Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		http.Error(w, "no engine", http.StatusServiceUnavailable)
		return
	}
	stopped := string(s.deps.Engine.CurrentID())
	if s.deps.Stop != nil {
		s.deps.Stop()
	} else {
		s.deps.Engine.Stop()
	}
	logger.Info("server: stop requested (run %s)", stopped)
	writeJSON(w, http.StatusOK, map[string]string{"stopped": stopped})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Client == nil {
		http.Error(w, "no bridge client", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty callback", http.StatusBadRequest)
		return
	}
	if !s.deps.Client.Dispatch(string(body)) {
		http.Error(w, "no pending call for callback", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRun supersedes any active or pending run and starts entry in the
// background.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	entry := chi.URLParam(r, "entry")
	run := s.deps.Run(entry)
	go func() {
		if err := run(context.Background()); err != nil {
			logger.Error("server: run %s failed: %v", entry, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"entry": entry})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("server: encode response: %v", err)
	}
}
