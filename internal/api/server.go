// Copyright 2026 The Orchestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the admin HTTP API (spec section 6): a thin
// adapter over the core that is the only place orcherr taxonomy values are
// translated into HTTP status codes (spec section 9).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestry/orchestry/internal/autoscaler"
	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
	"github.com/orchestry/orchestry/internal/proxy"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request-scoped correlation ID set by
// Server's request-id middleware, or "" if none is present (e.g. in tests
// that call handlers directly).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Store is the subset of internal/store.Store the API needs.
type Store interface {
	CreateApp(ctx context.Context, app orchestry.App) error
	SaveApp(ctx context.Context, app orchestry.App) error
	GetApp(ctx context.Context, name string) (orchestry.App, error)
	ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error)
	DeleteApp(ctx context.Context, name string) error
	UpdateAppStatus(ctx context.Context, name string, status orchestry.AppStatus) error
	UpdateAppReplicas(ctx context.Context, name string, replicas int) error
	GetInstances(ctx context.Context, appName, stateFilter string) ([]orchestry.Instance, error)
	GetEvents(ctx context.Context, appName, kind string, since time.Time, limit int) ([]orchestry.Event, error)
	GetScalingHistory(ctx context.Context, appName string, limit int) ([]orchestry.ScalingHistoryEntry, error)
}

// ReplicaManager is the subset of internal/replica.Manager the API needs.
type ReplicaManager interface {
	Reconcile(ctx context.Context, app orchestry.App, desired int) error
	Adopt(ctx context.Context, appName string) error
}

// Leadership exposes the Cluster Coordinator's current state to gate
// leader-required endpoints, mirroring Lease.Range()'s cheap owned read.
type Leadership interface {
	IsLeader() bool
	CurrentLeaderURL(ctx context.Context) (string, error)
	Peers(ctx context.Context) ([]orchestry.ClusterNode, error)
}

// ProxyStatusSource is the subset of internal/proxy.StatsSource the API
// needs to surface getProxyStatus() on the global metrics endpoint.
type ProxyStatusSource interface {
	Status(ctx context.Context) (proxy.Status, error)
}

// ProxyConfigRemover is the subset of internal/proxy.Adapter the API needs
// to tear down an app's upstream config when it is stopped (spec section
// 4.5's stop(app): "remove the app's proxy config").
type ProxyConfigRemover interface {
	RemoveAppConfig(ctx context.Context, appName string) error
}

// Server wires the admin API's handlers.
type Server struct {
	logger      log.Logger
	store       Store
	replicas    ReplicaManager
	autoscaler  *autoscaler.Autoscaler
	leadership  Leadership
	proxyStatus ProxyStatusSource
	proxyRemove ProxyConfigRemover
	gatherer    prometheus.Gatherer
	router      *mux.Router
}

// New builds a Server with every route registered.
func New(logger log.Logger, store Store, replicas ReplicaManager, as *autoscaler.Autoscaler, leadership Leadership, proxyStatus ProxyStatusSource) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{logger: logger, store: store, replicas: replicas, autoscaler: as, leadership: leadership, proxyStatus: proxyStatus}
	s.router = s.newRouter()
	return s
}

// WithProxyConfigRemover attaches the Proxy Adapter's config-teardown path,
// returning the Server for chaining at construction time in cmd/orchestryd.
func (s *Server) WithProxyConfigRemover(r ProxyConfigRemover) *Server {
	s.proxyRemove = r
	return s
}

// WithGatherer attaches the daemon's self-instrumentation registry so its
// metrics are exposed at /debug/metrics, returning the Server for chaining
// at construction time in cmd/orchestryd.
func (s *Server) WithGatherer(g prometheus.Gatherer) *Server {
	s.gatherer = g
	if g != nil {
		s.router.Handle("/debug/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// withRequestID stamps every request with a correlation ID (the caller's
// X-Request-Id, or a new UUID) so log lines across a single request can be
// tied together, and echoes it in the X-Request-Id response header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(withRequestID)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleGlobalMetrics).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/cluster/status", s.handleClusterStatus).Methods(http.MethodGet)
	r.HandleFunc("/cluster/leader", s.handleClusterLeader).Methods(http.MethodGet)
	r.HandleFunc("/cluster/health", s.handleClusterHealth).Methods(http.MethodGet)

	r.HandleFunc("/apps", s.handleListApps).Methods(http.MethodGet)
	r.Handle("/apps/register", s.requireLeader(s.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/apps/{name}/status", s.handleAppStatus).Methods(http.MethodGet)
	r.HandleFunc("/apps/{name}/raw", s.handleAppRaw).Methods(http.MethodGet)
	r.HandleFunc("/apps/{name}/metrics", s.handleAppMetrics).Methods(http.MethodGet)
	r.Handle("/apps/{name}/up", s.requireLeader(s.handleAppUp)).Methods(http.MethodPost)
	r.Handle("/apps/{name}/down", s.requireLeader(s.handleAppDown)).Methods(http.MethodPost)
	r.Handle("/apps/{name}/scale", s.requireLeader(s.handleAppScale)).Methods(http.MethodPost)
	r.Handle("/apps/{name}/policy", s.requireLeader(s.handleAppPolicy)).Methods(http.MethodPost)
	r.Handle("/apps/{name}/simulateMetrics", s.requireLeader(s.handleSimulateMetrics)).Methods(http.MethodPost)
	return r
}

// requireLeader rejects mutating calls on a follower with 503 and
// X-Current-Leader, per spec section 9's NotLeader propagation policy —
// never by redirection.
func (s *Server) requireLeader(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.leadership.IsLeader() {
			h(w, r)
			return
		}
		leaderURL, err := s.leadership.CurrentLeaderURL(r.Context())
		if err == nil && leaderURL != "" {
			w.Header().Set("X-Current-Leader", leaderURL)
		}
		writeError(w, s.logger, orcherr.Wrap(orcherr.KindNotLeader, "this node is not the cluster leader", nil))
	})
}

// writeError is the one place orcherr Kinds become HTTP status codes.
func writeError(w http.ResponseWriter, logger log.Logger, err error) {
	writeErrorCtx(context.Background(), w, logger, err)
}

func writeErrorCtx(ctx context.Context, w http.ResponseWriter, logger log.Logger, err error) {
	status := http.StatusInternalServerError
	switch orcherr.KindOf(err) {
	case orcherr.KindValidation:
		status = http.StatusBadRequest
	case orcherr.KindNotFound:
		status = http.StatusNotFound
	case orcherr.KindConflict:
		status = http.StatusConflict
	case orcherr.KindNotLeader:
		status = http.StatusServiceUnavailable
	case orcherr.KindStoreUnavailable, orcherr.KindRuntime, orcherr.KindProxy, orcherr.KindTransient:
		status = http.StatusInternalServerError
	}
	level.Warn(logger).Log("msg", "request failed", "status", status, "request_id", RequestIDFromContext(ctx), "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "decoding request body", err)
	}
	return nil
}

func decodeJSONBytes(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "decoding request body", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
