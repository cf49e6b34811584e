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

package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/orchestry/orchestry/internal/orchestry"
)

// fakeStore records every health/status update so tests can assert on the
// ready/unready transitions the prober derives from probe outcomes.
type fakeStore struct {
	mu          sync.Mutex
	states      map[string]orchestry.InstanceState
	readyEvents int
	downEvents  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]orchestry.InstanceState)}
}

func (f *fakeStore) UpdateInstanceHealth(ctx context.Context, containerID string, failureCount int, checkedAt time.Time) error {
	return nil
}

func (f *fakeStore) UpdateInstanceStatus(ctx context.Context, containerID string, state orchestry.InstanceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[containerID] = state
	return nil
}

func (f *fakeStore) AddEvent(ctx context.Context, appName, kind, message string, details any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch kind {
	case "replica_ready":
		f.readyEvents++
	case "replica_unready":
		f.downEvents++
	}
	return nil
}

func (f *fakeStore) stateOf(containerID string) orchestry.InstanceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[containerID]
}

func targetFor(t *testing.T, srv *httptest.Server, successThreshold, failureThreshold int) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting test server address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	return Target{
		ContainerID:      "c1",
		AppName:          "app",
		IP:               host,
		Port:             port,
		Path:             "/healthz",
		Period:           10 * time.Millisecond,
		Timeout:          time.Second,
		SuccessThreshold: successThreshold,
		FailureThreshold: failureThreshold,
	}
}

// TestProberMarksReadyAfterConsecutiveSuccesses exercises scenario S6: a
// replica only becomes ready once it has passed successThreshold consecutive
// probes, not on the first 200.
func TestProberMarksReadyAfterConsecutiveSuccesses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	p := New(nil, store, 4)
	target := targetFor(t, srv, 3, 3)
	p.SetTargets([]Target{target})

	for i := 0; i < 3; i++ {
		p.probeOne(context.Background(), target)
	}

	if got := store.stateOf("c1"); got != orchestry.InstanceReady {
		t.Fatalf("state after 3 successes = %v, want ready", got)
	}
	if store.readyEvents != 1 {
		t.Errorf("readyEvents = %d, want exactly 1 (no duplicate ready transitions)", store.readyEvents)
	}
}

// TestProberMarksUnreadyAfterConsecutiveFailures flips a healthy target to a
// failing one and confirms the down transition fires only after
// failureThreshold consecutive failures, matching scenario S6.
func TestProberMarksUnreadyAfterConsecutiveFailures(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	p := New(nil, store, 4)
	target := targetFor(t, srv, 1, 2)
	p.SetTargets([]Target{target})

	p.probeOne(context.Background(), target)
	if got := store.stateOf("c1"); got != orchestry.InstanceReady {
		t.Fatalf("state after first success = %v, want ready", got)
	}

	mu.Lock()
	fail = true
	mu.Unlock()

	p.probeOne(context.Background(), target)
	if got := store.stateOf("c1"); got != orchestry.InstanceReady {
		t.Fatalf("single failure must not flip ready, got %v", got)
	}
	p.probeOne(context.Background(), target)
	if got := store.stateOf("c1"); got != orchestry.InstanceDown {
		t.Fatalf("state after 2 consecutive failures = %v, want down", got)
	}
	if store.downEvents != 1 {
		t.Errorf("downEvents = %d, want exactly 1", store.downEvents)
	}
}

// TestSetTargetsPreservesCountersForExistingContainers ensures a target
// refresh (the daemon's periodic SetTargets call) doesn't reset an
// in-flight streak for a container that's still being probed.
func TestSetTargetsPreservesCountersForExistingContainers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	p := New(nil, store, 4)
	target := targetFor(t, srv, 2, 2)
	p.SetTargets([]Target{target})
	p.probeOne(context.Background(), target)

	p.SetTargets([]Target{target})

	p.mu.Lock()
	c := p.state["c1"]
	p.mu.Unlock()
	if c.consecutiveSuccess != 1 {
		t.Fatalf("consecutiveSuccess after refresh = %d, want 1 (preserved)", c.consecutiveSuccess)
	}
}
