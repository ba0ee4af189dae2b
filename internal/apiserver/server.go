// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver serves the case query API, event submission, health
// and metrics over HTTP.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/juju/consolidator/domain/consolidation"
	"github.com/juju/consolidator/internal/pipeline"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// server is killed.
const shutdownTimeout = 10 * time.Second

// CaseService answers case queries.
type CaseService interface {
	GetCase(ctx context.Context, caseID string) (consolidation.Case, error)
	CaseForMember(ctx context.Context, id string) (consolidation.Case, error)
	AllCases(ctx context.Context) ([]consolidation.Case, error)
	Ping(ctx context.Context) error
}

// Pipeline consolidates submitted events.
type Pipeline interface {
	Ingest(ctx context.Context, ev consolidation.BusinessEvent) (pipeline.Result, error)
}

// Logger represents the logging methods called.
type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config holds the dependencies of a Server.
type Config struct {
	Service  CaseService
	Pipeline Pipeline
	Logger   Logger
	Listener net.Listener

	// Gatherer is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Service == nil {
		return errors.NotValidf("nil Service")
	}
	if c.Pipeline == nil {
		return errors.NotValidf("nil Pipeline")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	return nil
}

// Server is a worker serving the API on the configured listener.
type Server struct {
	tomb   tomb.Tomb
	config Config
	router *mux.Router
}

// NewServer starts serving the API.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{config: config}
	s.router = s.routes()
	s.tomb.Go(s.run)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.config.Listener.Addr()
}

func (s *Server) routes() *mux.Router {
	h := handlers{
		service:  s.config.Service,
		pipeline: s.config.Pipeline,
		logger:   s.config.Logger,
	}
	// Routes live on the root router: a subrouter reports a method
	// mismatch as not found.
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(h.methodNotAllowed)
	router.HandleFunc("/v1/events", h.submitEvent).Methods(http.MethodPost)
	router.HandleFunc("/v1/cases", h.listCases).Methods(http.MethodGet)
	router.HandleFunc("/v1/cases/{id}", h.getCase).Methods(http.MethodGet)
	router.HandleFunc("/v1/members/{id}", h.caseForMember).Methods(http.MethodGet)
	router.HandleFunc("/v1/clusters", h.cluster).Methods(http.MethodPost)
	router.HandleFunc("/v1/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return router
}

func (s *Server) run() error {
	srv := http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.tomb.Context(context.Background())
		},
	}
	s.tomb.Go(func() error {
		err := srv.Serve(s.config.Listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Annotate(err, "serving api")
	})
	s.config.Logger.Infof("serving api on %s", s.config.Listener.Addr())

	<-s.tomb.Dying()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.config.Logger.Warningf("shutting down api: %v", err)
	}
	return tomb.ErrDying
}
