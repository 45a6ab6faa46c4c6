// Package server exposes sessions and actions over HTTP.
//
// Routes:
//
//	GET    /healthz
//	GET    /metrics                           Prometheus metrics
//	GET    /actions                           action declarations
//	GET    /sessions                          live session ids
//	GET    /sessions/{id}                     WebSocket session transport
//	DELETE /sessions/{id}                     close a session and cancel its runs
//	GET    /sessions/{id}/channels            channel states
//	GET    /sessions/{id}/channels/{channel}  chunks written so far
//	GET    /sessions/{id}/records             archived records
//	POST   /sessions/{id}/runs                start a pipeline (YAML or JSON)
//	GET    /sessions/{id}/runs                runs and their state
//	DELETE /sessions/{id}/runs/{run}          cancel a run
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/action/loader"
	"github.com/haivivi/chunkflow/pkg/idgen"
	"github.com/haivivi/chunkflow/pkg/kv"
	"github.com/haivivi/chunkflow/pkg/session"
	"github.com/haivivi/chunkflow/pkg/session/wire"
)

// Config configures a Server.
type Config struct {
	// Mux holds the runnable actions. Defaults to action.DefaultMux.
	Mux *action.Mux

	Logger *slog.Logger

	// Registry receives the session metrics and Gatherer serves them. Both
	// nil disables metrics.
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer

	// Archive, when set, records every session.
	Archive kv.Store

	// RunIDs generates ids of steps that do not name one.
	RunIDs idgen.Generator

	// MaxConcurrent bounds the actions executing at once per session.
	MaxConcurrent int

	// Token, when set, is required as a bearer token on every route but
	// /healthz.
	Token string
}

// Server is an http.Handler serving sessions and actions.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	sessions *session.Registry
	metrics  *session.Metrics
	handler  http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string][]*trackedRun
	runners map[string]*action.Runner
	wg      sync.WaitGroup
}

// New returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Mux == nil {
		cfg.Mux = action.DefaultMux
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		runs:    make(map[string][]*trackedRun),
		runners: make(map[string]*action.Runner),
	}
	if cfg.Registry != nil {
		m, err := session.NewMetrics(cfg.Registry)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sessions = session.NewRegistry(s.wrap)
	s.handler = s.routes()
	return s, nil
}

// wrap layers the configured middleware over a new session.
func (s *Server) wrap(sess *session.Session) session.Store {
	logger := s.logger.With("session", sess.ID())
	mws := []session.Middleware{session.Logging(logger)}
	if s.metrics != nil {
		mws = append(mws, s.metrics.Middleware())
	}
	if s.cfg.Archive != nil {
		mws = append(mws, session.Recording(s.cfg.Archive, sess.ID(), logger))
	}
	return session.Chain(sess, mws...)
}

// Sessions returns the server's session registry.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /actions", s.handleActions)
	mux.HandleFunc("GET /sessions", s.handleSessions)

	ws := wire.Handler(func(r *http.Request) (session.Store, error) {
		return s.sessions.Get(r.PathValue("id")), nil
	})
	ws.Logger = s.logger
	mux.Handle("GET /sessions/{id}", ws)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/channels", s.handleChannels)
	mux.HandleFunc("GET /sessions/{id}/channels/{channel...}", s.handleChannel)
	mux.HandleFunc("GET /sessions/{id}/records", s.handleRecords)
	mux.HandleFunc("POST /sessions/{id}/runs", s.handleStartRuns)
	mux.HandleFunc("GET /sessions/{id}/runs", s.handleListRuns)
	mux.HandleFunc("DELETE /sessions/{id}/runs/{run}", s.handleCancelRun)
	if s.cfg.Token == "" {
		return mux
	}
	return s.authorize(mux)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	want := "Bearer " + s.cfg.Token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runner returns the runner of session id, creating the session.
func (s *Server) runner(id string) *action.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[id]; ok {
		return r
	}
	r := action.NewRunner(s.sessions.Get(id),
		action.WithMux(s.cfg.Mux),
		action.WithIDGenerator(s.cfg.RunIDs),
		action.WithLogger(s.logger.With("session", id)),
		action.WithMaxConcurrent(s.cfg.MaxConcurrent),
	)
	s.runners[id] = r
	return r
}

// RemoveSession cancels the runs of session id, waits for them and closes
// the session.
func (s *Server) RemoveSession(id string) error {
	s.mu.Lock()
	runs := s.runs[id]
	delete(s.runs, id)
	delete(s.runners, id)
	s.mu.Unlock()
	for _, tr := range runs {
		tr.run.Cancel()
	}
	for _, tr := range runs {
		<-tr.run.Done()
	}
	return s.sessions.Remove(id)
}

// Close cancels every run, waits for them and closes every session.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.sessions.Close()
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session "+id+" not found"))
		return nil, false
	}
	return sess, true
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Mux.Declarations())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.IDs()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookupSession(w, r); !ok {
		return
	}
	if err := s.RemoveSession(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess.ID(), "channels": sess.Info()})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	chunks, err := sess.Snapshot(r.PathValue("channel"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": r.PathValue("channel"), "chunks": chunks})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Archive == nil {
		writeError(w, http.StatusNotFound, errors.New("recording is disabled"))
		return
	}
	records := []session.Record{}
	for rec, err := range session.Records(r.Context(), s.cfg.Archive, r.PathValue("id")) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, action.ErrNotFound), errors.Is(err, session.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, action.ErrWiring),
		errors.Is(err, action.ErrInvalidConfig),
		errors.Is(err, loader.ErrInvalidPipeline):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
