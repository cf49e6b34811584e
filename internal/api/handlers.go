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

package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
)

func appName(r *http.Request) string {
	return mux.Vars(r)["name"]
}

// handleRegister implements POST /apps/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, orcherr.Wrap(orcherr.KindValidation, "reading request body", err))
		return
	}
	r.Body.Close()

	var app orchestry.App
	if err := decodeJSONBytes(body, &app); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	app.RawSpec = body
	if err := validateAppName(app.Name); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := app.Scaling.Validate(); err != nil && app.Scaling != (orchestry.ScalingPolicy{}) {
		writeErrorCtx(r.Context(), w, s.logger, orcherr.Wrap(orcherr.KindValidation, "invalid scaling policy", err))
		return
	}
	app.Status = orchestry.AppRegistered
	if app.Mode == "" {
		app.Mode = orchestry.ModeAuto
	}
	if err := s.store.CreateApp(r.Context(), app); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "registered", "app": app})
}

func validateAppName(name string) error {
	if name == "" {
		return orcherr.Wrap(orcherr.KindValidation, "app name must not be empty", nil)
	}
	if len(name) > 63 {
		return orcherr.Wrap(orcherr.KindValidation, "app name must be 1-63 characters", nil)
	}
	for i, c := range name {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if isAlnum {
			continue
		}
		if c == '-' && i != 0 && i != len(name)-1 {
			continue
		}
		return orcherr.Wrap(orcherr.KindValidation, "app name must match ^[a-zA-Z0-9]([a-zA-Z0-9-])*[a-zA-Z0-9]$", nil)
	}
	return nil
}

// handleListApps implements GET /apps.
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// handleAppUp implements POST /apps/{name}/up. Idempotent: already-running
// apps succeed without side effects.
func (s *Server) handleAppUp(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if app.Status == orchestry.AppRunning {
		writeJSON(w, http.StatusOK, app)
		return
	}
	if err := s.replicas.Adopt(r.Context(), name); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	desired := app.Replicas
	if desired < app.Scaling.MinReplicas {
		desired = app.Scaling.MinReplicas
	}
	if desired == 0 {
		desired = 1
	}
	if err := s.replicas.Reconcile(r.Context(), app, desired); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := s.store.UpdateAppReplicas(r.Context(), name, desired); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := s.store.UpdateAppStatus(r.Context(), name, orchestry.AppRunning); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	app.Status = orchestry.AppRunning
	app.Replicas = desired
	writeJSON(w, http.StatusOK, app)
}

// handleAppDown implements POST /apps/{name}/down. Idempotent.
func (s *Server) handleAppDown(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if app.Status == orchestry.AppStopped {
		writeJSON(w, http.StatusOK, app)
		return
	}
	if err := s.replicas.Reconcile(r.Context(), app, 0); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := s.store.UpdateAppStatus(r.Context(), name, orchestry.AppStopped); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if s.proxyRemove != nil {
		// A ProxyError here is logged as a warning but does not undo the
		// replica teardown already committed above (spec section 7's
		// propagation policy). The removal is not retried: the control
		// loop's resync only writes configs for running apps.
		if err := s.proxyRemove.RemoveAppConfig(r.Context(), name); err != nil {
			level.Warn(s.logger).Log("msg", "removing proxy config on app stop failed", "app", name, "err", err)
		}
	}
	app.Status = orchestry.AppStopped
	writeJSON(w, http.StatusOK, app)
}

// handleAppStatus implements GET /apps/{name}/status.
func (s *Server) handleAppStatus(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	instances, err := s.store.GetInstances(r.Context(), name, "")
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	ready := 0
	for _, inst := range instances {
		if inst.State == orchestry.InstanceReady {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      app.Name,
		"status":    app.Status,
		"mode":      app.Mode,
		"replicas":  app.Replicas,
		"ready":     ready,
		"instances": instances,
	})
}

// handleAppScale implements POST /apps/{name}/scale.
func (s *Server) handleAppScale(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	var body struct {
		Replicas int `json:"replicas"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if body.Replicas < 0 || body.Replicas > 100 {
		writeErrorCtx(r.Context(), w, s.logger, orcherr.Wrap(orcherr.KindValidation, "replicas must be 0..100", nil))
		return
	}
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := s.replicas.Reconcile(r.Context(), app, body.Replicas); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := s.store.UpdateAppReplicas(r.Context(), name, body.Replicas); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "replicas": body.Replicas})
}

// handleAppPolicy implements POST /apps/{name}/policy.
func (s *Server) handleAppPolicy(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	var body struct {
		Policy orchestry.ScalingPolicy `json:"policy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	if err := body.Policy.Validate(); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, orcherr.Wrap(orcherr.KindValidation, "invalid scaling policy", err))
		return
	}
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	app.Scaling = body.Policy
	if err := s.store.SaveApp(r.Context(), app); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleAppRaw implements GET /apps/{name}/raw.
func (s *Server) handleAppRaw(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApp(r.Context(), appName(r))
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"raw": app.RawSpec, "parsed": app})
}

// handleAppMetrics implements GET /apps/{name}/metrics.
func (s *Server) handleAppMetrics(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	history, err := s.store.GetScalingHistory(r.Context(), name, 20)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": name, "recentScalingHistory": history})
}

// handleSimulateMetrics implements POST /apps/{name}/simulateMetrics,
// injecting synthetic metrics and optionally forcing an evaluation.
func (s *Server) handleSimulateMetrics(w http.ResponseWriter, r *http.Request) {
	name := appName(r)
	var body struct {
		Metrics  orchestry.ScalingMetrics `json:"metrics"`
		Evaluate bool                     `json:"evaluate"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	app, err := s.store.GetApp(r.Context(), name)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	now := time.Now()
	s.autoscaler.AddMetrics(name, body.Metrics, app.Scaling.WindowSeconds, now)
	if !body.Evaluate {
		writeJSON(w, http.StatusOK, map[string]any{"status": "injected"})
		return
	}
	decision := s.autoscaler.Evaluate(name, &app.Scaling, app.Mode, app.Replicas, now)
	writeJSON(w, http.StatusOK, decision)
}

// handleGlobalMetrics implements GET /metrics, including getProxyStatus()'s
// full stub_status snapshot when a proxy status source is wired in.
func (s *Server) handleGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps(r.Context(), "")
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	totalReplicas := 0
	for _, a := range apps {
		totalReplicas += a.Replicas
	}
	resp := map[string]any{
		"appCount":      len(apps),
		"totalReplicas": totalReplicas,
		"isLeader":      s.leadership.IsLeader(),
	}
	if s.proxyStatus != nil {
		if status, err := s.proxyStatus.Status(r.Context()); err == nil {
			resp["proxy"] = status
		} else {
			level.Warn(s.logger).Log("msg", "fetching proxy status failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents implements GET /events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	events, err := s.store.GetEvents(r.Context(), q.Get("app"), q.Get("kind"), since, limit)
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleClusterStatus implements GET /cluster/status.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	peers, err := s.leadership.Peers(r.Context())
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isLeader": s.leadership.IsLeader(), "peers": peers})
}

// handleClusterLeader implements GET /cluster/leader.
func (s *Server) handleClusterLeader(w http.ResponseWriter, r *http.Request) {
	leaderURL, err := s.leadership.CurrentLeaderURL(r.Context())
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"leader": leaderURL})
}

// handleClusterHealth implements GET /cluster/health.
func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	peers, err := s.leadership.Peers(r.Context())
	if err != nil {
		writeErrorCtx(r.Context(), w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": len(peers), "isLeader": s.leadership.IsLeader()})
}
