package agent

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/taskr/internal/taskfile"
	"github.com/3cpo-dev/taskr/internal/telemetry"
	"github.com/3cpo-dev/taskr/pkg/api"
)

// RunLister is the slice of the history store the server reads.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]api.RunRecord, error)
}

// Server exposes the task table and run history over HTTP. It never runs tasks.
type Server struct {
	Version string
	Table   *taskfile.Table
	Runs    RunLister
	// Token, when set, must be presented as a bearer token or X-Auth-Token.
	Token string

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", s.instrument("heartbeat", func(w http.ResponseWriter, r *http.Request) {
		src := ""
		if s.Table != nil {
			src = s.Table.Source()
		}
		writeJSON(w, HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version, Taskfile: src})
	}))
	mux.HandleFunc("/v0/tasks", s.instrument("tasks", func(w http.ResponseWriter, r *http.Request) {
		if s.Table == nil {
			http.Error(w, "no task table loaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, TasksResponse{Source: s.Table.Source(), Tasks: s.Table.Specs()})
	}))
	mux.HandleFunc("/v0/runs", s.instrument("runs", func(w http.ResponseWriter, r *http.Request) {
		if s.Runs == nil {
			http.Error(w, "run history disabled", http.StatusServiceUnavailable)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := s.Runs.ListRuns(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("list runs")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, RunsResponse{Runs: runs})
	}))
	mux.HandleFunc("/v0/metrics", s.instrument("metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, MetricsResponse{Totals: telemetry.GetGlobal().Totals()})
	}))
}

// instrument applies GET-only routing, optional token auth and request metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.Token != "" {
			if !tokenMatches(r, s.Token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		h(w, r)
		labels := map[string]string{"component": "agent", "endpoint": endpoint}
		telemetry.CounterGlobal("taskr_agent_requests", 1, labels)
		telemetry.TimerGlobal("taskr_agent_request_duration", time.Since(start), labels)
	}
}

func tokenMatches(r *http.Request, token string) bool {
	got := r.Header.Get("X-Auth-Token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		got = bearer
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// Listen binds addr. The server is ready to be shut down once Listen returns,
// even before Serve is called.
func (s *Server) Listen(addr string) error {
	return s.listen(addr, s.Handler(), nil)
}

func (s *Server) listen(addr string, h http.Handler, tlsConfig *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already listening")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Addr: addr, Handler: h, TLSConfig: tlsConfig, ReadHeaderTimeout: 10 * time.Second}
	s.ln = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on the listener opened by Listen or ListenTLS.
// It returns http.ErrServerClosed after Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server not listening")
	}
	if srv.TLSConfig != nil {
		return srv.ServeTLS(ln, "", "")
	}
	return srv.Serve(ln)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}
