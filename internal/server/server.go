package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specialistvlad/stepgate/internal/approval"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/engine"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
)

// Resolver records gate decisions.
type Resolver interface {
	Resolve(ctx context.Context, id model.InstanceID, gate string, approve bool, decider string) error
}

// Aborter aborts running instances.
type Aborter interface {
	Abort(id model.InstanceID) error
}

// Decision is the body of a gate decision request.
type Decision struct {
	Decision string `json:"decision"`
	Decider  string `json:"decider,omitempty"`
}

// Decision values.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

type errorBody struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to the store, the approval coordinator and
// the engine.
type Server struct {
	store    store.Store
	resolver Resolver
	aborter  Aborter
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New returns a server. resolver and aborter may be nil, in which case
// the matching endpoints answer 503.
func New(st store.Store, resolver Resolver, aborter Aborter, opts ...Option) *Server {
	s := &Server{
		store:    st,
		resolver: resolver,
		aborter:  aborter,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/summary", s.getSummary).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/gates/{gate}", s.decide).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/abort", s.abort).Methods(http.MethodPost)
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	logger := ctxlog.FromContext(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.withLogger(ctx, s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🩺 HTTP server starting", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logger.Info("🩺 Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	return nil
}

// withLogger gives every request the logger carried by base.
func (s *Server) withLogger(base context.Context, next http.Handler) http.Handler {
	logger := ctxlog.FromContext(base)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.With("method", r.Method, "path", r.URL.Path)
		l.Debug("HTTP request.", "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctxlog.WithLogger(r.Context(), l)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.InstanceSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*model.Instance, bool) {
	inst, err := s.store.Load(r.Context(), instanceID(r))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return inst, true
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	if inst, ok := s.load(w, r); ok {
		writeJSON(w, http.StatusOK, inst)
	}
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, inst.Summary())
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"gate decisions are not accepted by this server"})
		return
	}
	var d Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"malformed decision: " + err.Error()})
		return
	}
	var approve bool
	switch d.Decision {
	case DecisionApprove:
		approve = true
	case DecisionDeny:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{fmt.Sprintf("decision must be %q or %q", DecisionApprove, DecisionDeny)})
		return
	}

	gate := mux.Vars(r)["gate"]
	if err := s.resolver.Resolve(r.Context(), instanceID(r), gate, approve, d.Decider); err != nil {
		s.fail(w, r, err)
		return
	}
	ctxlog.FromContext(r.Context()).Info("Gate decision accepted.", "gate", gate, "decision", d.Decision, "decider", d.Decider)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	if s.aborter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"abort is not accepted by this server"})
		return
	}
	if err := s.aborter.Abort(instanceID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func instanceID(r *http.Request) model.InstanceID {
	return model.InstanceID(mux.Vars(r)["id"])
}

// fail maps err to a status code and writes it as JSON.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, approval.ErrNoPendingApproval):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrGateAlreadyResolved), errors.Is(err, engine.ErrNotActive),
		errors.Is(err, store.ErrInstanceTerminal):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		ctxlog.FromContext(r.Context()).Error("Request failed.", "error", err)
	}
	writeJSON(w, code, errorBody{err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
