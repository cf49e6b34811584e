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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orchestry/orchestry/internal/autoscaler"
	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
)

type fakeStore struct {
	apps      map[string]orchestry.App
	instances map[string][]orchestry.Instance
	events    []orchestry.Event
	history   []orchestry.ScalingHistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{apps: make(map[string]orchestry.App), instances: make(map[string][]orchestry.Instance)}
}

func (f *fakeStore) CreateApp(ctx context.Context, app orchestry.App) error {
	if _, exists := f.apps[app.Name]; exists {
		return orcherr.Wrap(orcherr.KindConflict, "app already registered", nil)
	}
	f.apps[app.Name] = app
	return nil
}

func (f *fakeStore) SaveApp(ctx context.Context, app orchestry.App) error {
	f.apps[app.Name] = app
	return nil
}

func (f *fakeStore) GetApp(ctx context.Context, name string) (orchestry.App, error) {
	app, ok := f.apps[name]
	if !ok {
		return orchestry.App{}, orcherr.NotFoundf("app %q not found", name)
	}
	return app, nil
}

func (f *fakeStore) ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error) {
	var out []orchestry.App
	for _, a := range f.apps {
		if statusFilter == "" || string(a.Status) == statusFilter {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteApp(ctx context.Context, name string) error {
	delete(f.apps, name)
	return nil
}

func (f *fakeStore) UpdateAppStatus(ctx context.Context, name string, status orchestry.AppStatus) error {
	a := f.apps[name]
	a.Status = status
	f.apps[name] = a
	return nil
}

func (f *fakeStore) UpdateAppReplicas(ctx context.Context, name string, replicas int) error {
	a := f.apps[name]
	a.Replicas = replicas
	f.apps[name] = a
	return nil
}

func (f *fakeStore) GetInstances(ctx context.Context, appName, stateFilter string) ([]orchestry.Instance, error) {
	return f.instances[appName], nil
}

func (f *fakeStore) GetEvents(ctx context.Context, appName, kind string, since time.Time, limit int) ([]orchestry.Event, error) {
	return f.events, nil
}

func (f *fakeStore) GetScalingHistory(ctx context.Context, appName string, limit int) ([]orchestry.ScalingHistoryEntry, error) {
	return f.history, nil
}

type fakeReplicaManager struct {
	reconcileCalls int
	lastDesired    int
	adoptCalls     int
}

func (f *fakeReplicaManager) Reconcile(ctx context.Context, app orchestry.App, desired int) error {
	f.reconcileCalls++
	f.lastDesired = desired
	return nil
}

func (f *fakeReplicaManager) Adopt(ctx context.Context, appName string) error {
	f.adoptCalls++
	return nil
}

type fakeLeadership struct {
	leader    bool
	leaderURL string
}

func (f *fakeLeadership) IsLeader() bool { return f.leader }
func (f *fakeLeadership) CurrentLeaderURL(ctx context.Context) (string, error) {
	return f.leaderURL, nil
}
func (f *fakeLeadership) Peers(ctx context.Context) ([]orchestry.ClusterNode, error) {
	return nil, nil
}

func newTestServer() (*Server, *fakeStore, *fakeReplicaManager, *fakeLeadership) {
	store := newFakeStore()
	replicas := &fakeReplicaManager{}
	leadership := &fakeLeadership{leader: true, leaderURL: "http://leader:8080"}
	s := New(nil, store, replicas, autoscaler.New(), leadership, nil)
	return s, store, replicas, leadership
}

// TestRegisterRoundTripsRawSpec verifies testable property #8: the raw spec
// submitted to /apps/register is returned byte-identical from /apps/{name}/raw
// alongside the parsed view, never re-marshaled through the Go struct first.
func TestRegisterRoundTripsRawSpec(t *testing.T) {
	s, _, _, _ := newTestServer()

	raw := []byte(`{"name":"web","image":"nginx:1.25","ports":[{"containerPort":80}],"resources":{"cpu":"0.5","memory":"256Mi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/apps/register", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/apps/web/raw", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("raw status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	var body struct {
		Raw    json.RawMessage `json:"raw"`
		Parsed orchestry.App   `json:"parsed"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding raw response: %v", err)
	}
	if body.Parsed.Name != "web" {
		t.Fatalf("parsed.name = %q, want web", body.Parsed.Name)
	}
	if !bytes.Equal(body.Raw, raw) {
		t.Fatalf("raw = %s, want %s", body.Raw, raw)
	}
}

// TestRegisterRejectsDuplicateName verifies spec section 4.2's register(spec)
// contract: a second registration for an existing app name is rejected
// with Conflict (HTTP 409), not silently accepted as an overwrite.
func TestRegisterRejectsDuplicateName(t *testing.T) {
	s, store, _, _ := newTestServer()
	store.apps["web"] = orchestry.App{Name: "web", Image: "nginx:1.24", Status: orchestry.AppRegistered}

	raw := []byte(`{"name":"web","image":"nginx:1.25","ports":[{"containerPort":80}],"resources":{"cpu":"0.5","memory":"256Mi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/apps/register", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
	if got := store.apps["web"].Image; got != "nginx:1.24" {
		t.Errorf("existing app was overwritten: image = %q, want nginx:1.24", got)
	}
}

// TestMutatingRoutesRejectedWhenNotLeader verifies every leader-required
// route returns 503 with X-Current-Leader set when this node is a follower.
func TestMutatingRoutesRejectedWhenNotLeader(t *testing.T) {
	s, store, _, leadership := newTestServer()
	leadership.leader = false
	store.apps["web"] = orchestry.App{Name: "web", Status: orchestry.AppRegistered}

	cases := []struct {
		method, path string
		body         string
	}{
		{http.MethodPost, "/apps/register", `{"name":"other"}`},
		{http.MethodPost, "/apps/web/up", ``},
		{http.MethodPost, "/apps/web/down", ``},
		{http.MethodPost, "/apps/web/scale", `{"replicas":2}`},
		{http.MethodPost, "/apps/web/policy", `{"policy":{}}`},
		{http.MethodPost, "/apps/web/simulateMetrics", `{}`},
	}
	for _, c := range cases {
		var body *bytes.Reader
		if c.body != "" {
			body = bytes.NewReader([]byte(c.body))
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(c.method, c.path, body)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want 503", c.method, c.path, rec.Code)
		}
		if got := rec.Header().Get("X-Current-Leader"); got != "http://leader:8080" {
			t.Errorf("%s %s: X-Current-Leader = %q", c.method, c.path, got)
		}
	}
}

// TestAppUpIsIdempotent confirms a second /up call on an already-running app
// succeeds without re-reconciling.
func TestAppUpIsIdempotent(t *testing.T) {
	s, store, replicas, _ := newTestServer()
	store.apps["web"] = orchestry.App{Name: "web", Status: orchestry.AppRunning, Replicas: 2}

	req := httptest.NewRequest(http.MethodPost, "/apps/web/up", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if replicas.reconcileCalls != 0 {
		t.Errorf("expected no Reconcile call for an already-running app, got %d", replicas.reconcileCalls)
	}
}

// TestAppScaleRejectsOutOfRangeReplicas confirms the 0..100 bound from
// spec section 6 is enforced before any reconcile is attempted.
func TestAppScaleRejectsOutOfRangeReplicas(t *testing.T) {
	s, store, replicas, _ := newTestServer()
	store.apps["web"] = orchestry.App{Name: "web", Status: orchestry.AppRunning}

	body := bytes.NewReader([]byte(`{"replicas":101}`))
	req := httptest.NewRequest(http.MethodPost, "/apps/web/scale", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if replicas.reconcileCalls != 0 {
		t.Errorf("expected no Reconcile call for an invalid replica count")
	}
}
