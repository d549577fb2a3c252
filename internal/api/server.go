// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the REST and UI WebSocket surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LingshijunRenzy/ICS-guard/internal/ctlplane"
	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/inference"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/policy"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

// Controller is the slice of the control-plane client the REST surface
// proxies. *ctlplane.Client satisfies it.
type Controller interface {
	GetTopology(ctx context.Context) (map[string]any, error)
	GetNodeStats(ctx context.Context) (any, error)
	GetLinkStats(ctx context.Context) (any, error)
	ListPolicies(ctx context.Context, typeFilter, statusFilter string) ([]any, error)
	GetPolicy(ctx context.Context, id string) (map[string]any, error)
	CreatePolicy(ctx context.Context, p policy.Policy) (string, error)
	UpdatePolicy(ctx context.Context, id string, p policy.Policy) (map[string]any, error)
	DeletePolicy(ctx context.Context, id string) error
	ApplyPolicy(ctx context.Context, id string, targets ctlplane.ApplyTargets) error
	RevokePolicy(ctx context.Context, id string, targets ctlplane.ApplyTargets) error
	GetAlerts(ctx context.Context) ([]any, error)
	GetHoneypotLogs(ctx context.Context) ([]any, error)
}

// Options carries the server dependencies. Controller, Inference,
// Cache, and Hub may be nil; the matching endpoints then report
// unavailable.
type Options struct {
	Store      *store.Store
	Controller Controller
	Inference  *inference.Service
	Cache      *events.Cache
	Hub        http.Handler
	Logger     *logging.Logger
	Registry   *prometheus.Registry
}

// Server handles REST requests for the security overlay.
type Server struct {
	store      *store.Store
	controller Controller
	inference  *inference.Service
	cache      *events.Cache
	hub        http.Handler
	logger     *logging.Logger
	registry   *prometheus.Registry
	sessions   *sessionManager

	handler http.Handler
	httpSrv *http.Server
}

// NewServer wires routes and returns a ready-to-serve server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		store:      opts.Store,
		controller: opts.Controller,
		inference:  opts.Inference,
		cache:      opts.Cache,
		hub:        opts.Hub,
		logger:     logger.WithComponent("api"),
		registry:   opts.Registry,
		sessions:   newSessionManager(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		root.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		root.Handle("/ui-events", s.hub)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	// Public auth endpoints.
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	// Everything else requires a session.
	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireSession)

	authed.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	authed.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	authed.HandleFunc("/topology/stats", s.handleTopologyStats).Methods(http.MethodGet)

	authed.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	authed.HandleFunc("/policies", s.handleCreatePolicy).Methods(http.MethodPost)
	authed.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)
	authed.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods(http.MethodPut)
	authed.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)
	authed.HandleFunc("/policies/{id}/apply", s.handleApplyPolicy).Methods(http.MethodPost)
	authed.HandleFunc("/policies/{id}/revoke", s.handleRevokePolicy).Methods(http.MethodPost)

	authed.HandleFunc("/detect/flow", s.handleDetectFlow).Methods(http.MethodPost)
	authed.HandleFunc("/detect/batch", s.handleDetectBatch).Methods(http.MethodPost)
	authed.HandleFunc("/model/meta", s.handleModelMeta).Methods(http.MethodGet)

	authed.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	authed.HandleFunc("/flows/{flow_id}", s.handleGetFlow).Methods(http.MethodGet)

	authed.HandleFunc("/events", s.handleRecentEvents).Methods(http.MethodGet)
	authed.HandleFunc("/events/logs", s.handleEventLogs).Methods(http.MethodGet)

	authed.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	authed.HandleFunc("/honeypot/logs", s.handleHoneypotLogs).Methods(http.MethodGet)

	authed.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	authed.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodGet)
	authed.HandleFunc("/preferences/{key}", s.handleGetPreference).Methods(http.MethodGet)
	authed.HandleFunc("/preferences/{key}", s.handleSetPreference).Methods(http.MethodPut)

	root.Handle("/api/", accessLog(r))
	return root
}

// accessLog writes one line per API request through the shared api
// component logger.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.APILog(logging.LevelDebug, "%s %s %d %s",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": s.inference != nil && s.inference.IsLoaded(),
	})
}
