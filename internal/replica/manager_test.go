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

package replica

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/container"

	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
)

// fakeStore is a minimal in-memory Store; the Docker-touching paths of
// Manager are exercised against a live daemon in integration tests, not
// here, so these unit tests stick to the logic reachable without one.
type fakeStore struct {
	apps          map[string]orchestry.App
	instances     map[string][]orchestry.Instance
	statusUpdates map[string]orchestry.InstanceState
	statsUpdates  map[string][2]float64
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

func (f *fakeStore) SaveInstance(ctx context.Context, inst orchestry.Instance) error {
	return nil
}

func (f *fakeStore) GetInstances(ctx context.Context, appName, stateFilter string) ([]orchestry.Instance, error) {
	return f.instances[appName], nil
}

func (f *fakeStore) DeleteInstance(ctx context.Context, containerID string) error {
	return nil
}

func (f *fakeStore) UpdateInstanceStatus(ctx context.Context, containerID string, state orchestry.InstanceState) error {
	if f.statusUpdates == nil {
		f.statusUpdates = make(map[string]orchestry.InstanceState)
	}
	f.statusUpdates[containerID] = state
	return nil
}

func (f *fakeStore) UpdateInstanceStats(ctx context.Context, containerID string, cpuPercent, memoryPercent float64) error {
	if f.statsUpdates == nil {
		f.statsUpdates = make(map[string][2]float64)
	}
	f.statsUpdates[containerID] = [2]float64{cpuPercent, memoryPercent}
	return nil
}

func (f *fakeStore) AddEvent(ctx context.Context, appName, kind, message string, details any) error {
	return nil
}

// TestReconcileRejectsInvalidResourcesBeforeTouchingDocker confirms the
// config-level validation guard in Reconcile returns before any Docker or
// store call is attempted, so a bad resource spec never leaves a half
// created replica set. A nil *dockerclient.Client would panic if Reconcile
// reached past this guard, which is exactly what this test relies on.
func TestReconcileRejectsInvalidResourcesBeforeTouchingDocker(t *testing.T) {
	m := New(nil, nil, &fakeStore{})
	app := orchestry.App{
		Name: "web",
		Resources: orchestry.Resources{
			CPU:    "not-a-cpu-value",
			Memory: "256Mi",
		},
	}

	err := m.Reconcile(context.Background(), app, 3)
	if err == nil {
		t.Fatal("expected an error for an invalid cpu resource spec")
	}
	if orcherr.KindOf(err) != orcherr.KindValidation {
		t.Fatalf("kind = %v, want KindValidation", orcherr.KindOf(err))
	}
}

// TestRecordStatsComputesPercentAndPersists confirms recordStats derives
// the (cpuDelta/systemDelta)*numCPUs*100 formula correctly, caches it for
// Stats, and persists it to the store so status(app) and the Autoscaler can
// both read it.
func TestRecordStatsComputesPercentAndPersists(t *testing.T) {
	store := &fakeStore{}
	m := New(nil, nil, store)

	v := container.StatsResponse{}
	v.CPUStats.CPUUsage.TotalUsage = 200
	v.PreCPUStats.CPUUsage.TotalUsage = 100
	v.CPUStats.SystemUsage = 1000
	v.PreCPUStats.SystemUsage = 500
	v.CPUStats.OnlineCPUs = 2
	v.MemoryStats.Usage = 50
	v.MemoryStats.Limit = 200

	m.recordStats(context.Background(), "c1", v)

	cpu, mem := m.Stats("c1")
	wantCPU := (100.0 / 500.0) * 2 * 100
	if cpu != wantCPU {
		t.Errorf("cpuPercent = %v, want %v", cpu, wantCPU)
	}
	if mem != 25 {
		t.Errorf("memoryPercent = %v, want 25", mem)
	}

	got := store.statsUpdates["c1"]
	if got[0] != wantCPU || got[1] != 25 {
		t.Errorf("persisted stats = %v, want [%v 25]", got, wantCPU)
	}
}

// TestMarkDownClearsCacheAndStoresDownState confirms markDown (spec line
// 179's "mark the replica down and zero its stats") both drops the
// in-memory sample and transitions the store's instance state, not just one
// or the other.
func TestMarkDownClearsCacheAndStoresDownState(t *testing.T) {
	store := &fakeStore{}
	m := New(nil, nil, store)
	m.recordStats(context.Background(), "c1", container.StatsResponse{})

	m.markDown(context.Background(), "c1")

	if cpu, mem := m.Stats("c1"); cpu != 0 || mem != 0 {
		t.Errorf("expected cleared stats, got cpu=%v mem=%v", cpu, mem)
	}
	if store.statusUpdates["c1"] != orchestry.InstanceDown {
		t.Errorf("store status = %v, want InstanceDown", store.statusUpdates["c1"])
	}
}

// TestAppStatsAveragesOverLiveReplicas confirms AppStats averages CPU/memory
// across every non-down instance and ignores down ones, so a single stale
// sample from a replica that has since been marked down doesn't skew it.
func TestAppStatsAveragesOverLiveReplicas(t *testing.T) {
	store := &fakeStore{
		instances: map[string][]orchestry.Instance{
			"web": {
				{ContainerID: "c1", State: orchestry.InstanceReady},
				{ContainerID: "c2", State: orchestry.InstanceReady},
				{ContainerID: "c3", State: orchestry.InstanceDown},
			},
		},
	}
	m := New(nil, nil, store)
	m.statsMu.Lock()
	m.stats["c1"] = &runtimeStats{cpuPercent: 40, memoryPercent: 20}
	m.stats["c2"] = &runtimeStats{cpuPercent: 60, memoryPercent: 40}
	m.stats["c3"] = &runtimeStats{cpuPercent: 100, memoryPercent: 100}
	m.statsMu.Unlock()

	cpu, mem := m.AppStats(context.Background(), "web")
	if cpu != 50 {
		t.Errorf("cpuPercent = %v, want 50", cpu)
	}
	if mem != 30 {
		t.Errorf("memoryPercent = %v, want 30", mem)
	}
}

// TestReplicaIndexFromNameParsesTrailingOrdinal confirms the adoption path's
// fallback index parser reads the "-N" suffix orchestry names containers
// with when a label is missing (e.g. pre-upgrade containers).
func TestReplicaIndexFromNameParsesTrailingOrdinal(t *testing.T) {
	cases := []struct {
		names []string
		want  int
	}{
		{[]string{"/orchestry-web-0"}, 0},
		{[]string{"/orchestry-web-7"}, 7},
		{[]string{"/orchestry-web-api-2"}, 2},
		{[]string{"/unrelated"}, 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := replicaIndexFromName(c.names); got != c.want {
			t.Errorf("replicaIndexFromName(%v) = %d, want %d", c.names, got, c.want)
		}
	}
}
