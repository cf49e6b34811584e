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

// Package replica implements the Replica Manager (spec component C5): it
// translates an App's desired replica count into concrete container
// lifecycle operations against the local Docker engine, adopts
// pre-existing labelled containers left over from a previous run, and
// sweeps periodically to reconcile drift and clean up orphans.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
)

const (
	labelManagedBy    = "orchestry.managed-by"
	labelManagedValue = "orchestry"
	labelApp          = "orchestry.app"
	labelReplicaIndex = "orchestry.replica-index"
	labelType         = "orchestry.type"

	// NetworkName is the single user-defined bridge network every replica
	// joins. Cross-host placement is out of scope, so one shared network is
	// enough for the proxy to reach every backend.
	NetworkName = "orchestry"

	maxRestartAttemptsPerSweep = 3
)

// Store is the subset of internal/store.Store the manager needs.
type Store interface {
	GetApp(ctx context.Context, name string) (orchestry.App, error)
	ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error)
	SaveInstance(ctx context.Context, inst orchestry.Instance) error
	GetInstances(ctx context.Context, appName, stateFilter string) ([]orchestry.Instance, error)
	DeleteInstance(ctx context.Context, containerID string) error
	UpdateInstanceStatus(ctx context.Context, containerID string, state orchestry.InstanceState) error
	UpdateInstanceStats(ctx context.Context, containerID string, cpuPercent, memoryPercent float64) error
	AddEvent(ctx context.Context, appName, kind, message string, details any) error
}

// runtimeStats is the in-memory CPU/memory sample for one replica, refreshed
// on every Monitor sweep. recordStats also writes the percentages to the
// state store, but Stats and AppStats read only this in-memory view.
type runtimeStats struct {
	cpuPercent    float64
	memoryPercent float64
	prevCPU       uint64
	prevSystem    uint64
	sampledAt     time.Time
}

// Manager owns every replica container for every app on this node. All
// mutations to the tracked set are serialized by a single mutex, not
// per-app, for simplicity; restartMu is the dedicated lock the background
// monitor holds so reconciliation and crash-recovery never race each other.
type Manager struct {
	logger log.Logger
	docker *dockerclient.Client
	store  Store

	mu        sync.Mutex
	restartMu sync.Mutex

	statsMu sync.Mutex
	stats   map[string]*runtimeStats
}

// New constructs a Manager.
func New(logger log.Logger, docker *dockerclient.Client, store Store) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{logger: logger, docker: docker, store: store, stats: make(map[string]*runtimeStats)}
}

// EnsureNetwork creates the shared orchestry bridge network if it does not
// already exist. Call once at startup, before any replica is created.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	networks, err := m.docker.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "listing networks", err)
	}
	for _, n := range networks {
		if n.Name == NetworkName {
			return nil
		}
	}
	_, err = m.docker.NetworkCreate(ctx, NetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "creating orchestry network", err)
	}
	level.Info(m.logger).Log("msg", "created orchestry bridge network")
	return nil
}

// Adopt finds containers left over from a prior process (identified by the
// orchestry.managed-by label) and registers them as instances instead of
// starting duplicates, so a daemon restart recovers already-running
// replicas rather than orphaning them.
func (m *Manager) Adopt(ctx context.Context, appName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, labelManagedValue))
	args.Add("label", fmt.Sprintf("%s=%s", labelApp, appName))
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "listing containers for adoption", err)
	}

	existing, err := m.store.GetInstances(ctx, appName, "")
	if err != nil {
		return err
	}
	tracked := make(map[string]bool, len(existing))
	for _, inst := range existing {
		tracked[inst.ContainerID] = true
	}

	for _, c := range containers {
		if tracked[c.ID] {
			continue
		}
		if c.State == "running" {
			inst := orchestry.Instance{
				ContainerID: c.ID,
				AppName:     appName,
				State:       orchestry.InstanceReady,
			}
			if idx, ok := c.Labels[labelReplicaIndex]; ok {
				fmt.Sscanf(idx, "%d", &inst.ReplicaIndex)
			} else {
				inst.ReplicaIndex = replicaIndexFromName(c.Names)
			}
			if err := m.store.SaveInstance(ctx, inst); err != nil {
				level.Warn(m.logger).Log("msg", "adopting container failed", "container", c.ID, "err", err)
				continue
			}
			level.Info(m.logger).Log("msg", "adopted existing running container", "container", c.ID, "app", appName)
			continue
		}
		// Not running: bring it back up rather than leaving it stranded.
		if err := m.docker.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
			level.Warn(m.logger).Log("msg", "starting adopted container failed", "container", c.ID, "err", err)
			continue
		}
		inst := orchestry.Instance{ContainerID: c.ID, AppName: appName, State: orchestry.InstanceStarting}
		if idx, ok := c.Labels[labelReplicaIndex]; ok {
			fmt.Sscanf(idx, "%d", &inst.ReplicaIndex)
		}
		if err := m.store.SaveInstance(ctx, inst); err != nil {
			level.Warn(m.logger).Log("msg", "adopting restarted container failed", "container", c.ID, "err", err)
			continue
		}
		level.Info(m.logger).Log("msg", "restarted and adopted stopped container", "container", c.ID, "app", appName)
	}
	return nil
}

func replicaIndexFromName(names []string) int {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		i := strings.LastIndex(n, "-")
		if i < 0 {
			continue
		}
		if idx, err := strconv.Atoi(n[i+1:]); err == nil {
			return idx
		}
	}
	return 0
}

// ReconcileAll runs Adopt over every registered app and returns how many
// containers were adopted per app.
func (m *Manager) ReconcileAll(ctx context.Context) (map[string]int, error) {
	apps, err := m.store.ListApps(ctx, "")
	if err != nil {
		return nil, err
	}
	adopted := make(map[string]int, len(apps))
	for _, app := range apps {
		before, _ := m.store.GetInstances(ctx, app.Name, "")
		if err := m.Adopt(ctx, app.Name); err != nil {
			level.Warn(m.logger).Log("msg", "reconcile adopt failed", "app", app.Name, "err", err)
			continue
		}
		after, _ := m.store.GetInstances(ctx, app.Name, "")
		adopted[app.Name] = len(after) - len(before)
	}
	return adopted, nil
}

// CleanupOrphans stops and removes every orchestry-labelled container whose
// App record no longer exists. It never touches a container whose App is
// still registered, and the daemon always runs ReconcileAll before this so
// a container adopted moments ago is never mistaken for an orphan.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	apps, err := m.store.ListApps(ctx, "")
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(apps))
	for _, a := range apps {
		known[a.Name] = true
	}

	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, labelManagedValue))
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "listing containers for orphan sweep", err)
	}

	for _, c := range containers {
		appName := c.Labels[labelApp]
		if known[appName] {
			continue
		}
		level.Info(m.logger).Log("msg", "removing orphaned container", "container", c.ID, "app", appName)
		if err := m.stopAndRemove(ctx, c.ID); err != nil {
			level.Warn(m.logger).Log("msg", "removing orphan failed", "container", c.ID, "err", err)
			continue
		}
		_ = m.store.DeleteInstance(ctx, c.ID)
	}
	return nil
}

// Reconcile brings the running replica count for app to desired, creating
// or removing containers as needed. It assigns the lowest unused replica
// index to every container it creates. An unparseable CPU or memory
// resource value aborts before any container is touched; a runtime failure
// while starting replicas returns at once, leaving the replicas already
// started in place.
func (m *Manager) Reconcile(ctx context.Context, app orchestry.App, desired int) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := orchestry.ParseCPU(app.Resources.CPU); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "parsing cpu resources", err)
	}
	if _, err := orchestry.ParseMemory(app.Resources.Memory); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "parsing memory resources", err)
	}

	current, err := m.store.GetInstances(ctx, app.Name, "")
	if err != nil {
		return err
	}
	live := make([]orchestry.Instance, 0, len(current))
	for _, inst := range current {
		if inst.State != orchestry.InstanceDown {
			live = append(live, inst)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ReplicaIndex < live[j].ReplicaIndex })

	switch {
	case len(live) < desired:
		used := make(map[int]bool, len(live))
		for _, inst := range live {
			used[inst.ReplicaIndex] = true
		}
		for idx := 0; len(live) < desired; idx++ {
			if used[idx] {
				continue
			}
			if err := m.startReplica(ctx, app, idx); err != nil {
				return err
			}
			live = append(live, orchestry.Instance{ReplicaIndex: idx})
		}
	case len(live) > desired:
		toRemove := live[desired:]
		for _, inst := range toRemove {
			if err := m.stopReplicaLocked(ctx, inst.ContainerID); err != nil {
				level.Warn(m.logger).Log("msg", "stopping excess replica failed", "container", inst.ContainerID, "err", err)
			}
		}
	}
	return nil
}

func (m *Manager) startReplica(ctx context.Context, app orchestry.App, index int) error {
	nanoCPUs, _ := orchestry.ParseCPU(app.Resources.CPU)
	memBytes, _ := orchestry.ParseMemory(app.Resources.Memory)

	env := make([]string, 0, len(app.Env))
	for _, e := range app.Env {
		val := e.Value
		if e.ValueFrom != nil && e.ValueFrom.Value != "" {
			val = e.ValueFrom.Value
		}
		env = append(env, fmt.Sprintf("%s=%s", e.Name, val))
	}

	exposed := nat.PortSet{}
	for _, p := range app.Ports {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))] = struct{}{}
	}

	containerName := fmt.Sprintf("orchestry-%s-%d", app.Name, index)
	resp, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        app.Image,
			Cmd:          app.Command,
			Env:          env,
			ExposedPorts: exposed,
			Labels: map[string]string{
				labelManagedBy:    labelManagedValue,
				labelApp:          app.Name,
				labelReplicaIndex: fmt.Sprintf("%d", index),
				labelType:         "replica",
			},
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: nanoCPUs,
				Memory:   memBytes,
			},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				NetworkName: {},
			},
		},
		nil, containerName)
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, fmt.Sprintf("creating container for %s replica %d", app.Name, index), err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "starting container", err)
	}

	ip, port := m.inspectEndpoint(ctx, resp.ID, app)

	inst := orchestry.Instance{
		ContainerID:  resp.ID,
		AppName:      app.Name,
		ReplicaIndex: index,
		IP:           ip,
		Port:         port,
		State:        orchestry.InstanceStarting,
	}
	if err := m.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	_ = m.store.AddEvent(ctx, app.Name, "replica_started", "replica container started", map[string]any{"containerId": resp.ID, "replicaIndex": index})
	level.Info(m.logger).Log("msg", "started replica", "app", app.Name, "container", resp.ID, "index", index)
	return nil
}

// inspectEndpoint reads back the replica's address on the orchestry bridge
// network so the Proxy Adapter has a routable ip:port. Errors are logged,
// not fatal: the replica still starts, but is recorded with an empty
// address, and no later step re-inspects it to fill one in.
func (m *Manager) inspectEndpoint(ctx context.Context, containerID string, app orchestry.App) (string, int) {
	info, err := m.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		level.Warn(m.logger).Log("msg", "inspecting replica for endpoint failed", "container", containerID, "err", err)
		return "", 0
	}
	var ip string
	if info.NetworkSettings != nil {
		if net, ok := info.NetworkSettings.Networks[NetworkName]; ok {
			ip = net.IPAddress
		}
	}
	port := 0
	if len(app.Ports) > 0 {
		port = app.Ports[0].ContainerPort
	}
	return ip, port
}

// StopReplica drains, stops, and removes one replica, with stopAndRemove's
// fixed 30s grace before the hard stop; the app's
// terminationGracePeriodSeconds is not consulted.
func (m *Manager) StopReplica(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopReplicaLocked(ctx, containerID)
}

func (m *Manager) stopReplicaLocked(ctx context.Context, containerID string) error {
	_ = m.store.UpdateInstanceStatus(ctx, containerID, orchestry.InstanceDraining)
	if err := m.stopAndRemove(ctx, containerID); err != nil {
		return err
	}
	if err := m.store.DeleteInstance(ctx, containerID); err != nil && orcherr.KindOf(err) != orcherr.KindNotFound {
		return err
	}
	m.statsMu.Lock()
	delete(m.stats, containerID)
	m.statsMu.Unlock()
	return nil
}

// stopAndRemove issues the runtime stop (30s grace) followed by a forced
// remove so a container that ignores SIGTERM never blocks the operation
// indefinitely.
func (m *Manager) stopAndRemove(ctx context.Context, containerID string) error {
	timeout := 30
	if err := m.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		level.Warn(m.logger).Log("msg", "stopping container failed, forcing removal", "container", containerID, "err", err)
	}
	if err := m.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "removing container", err)
	}
	return nil
}

// Monitor periodically inspects every managed container, restarts those
// that exited unexpectedly (bounded by maxRestartAttemptsPerSweep per
// sweep so a crash-looping image can't starve the rest of the fleet), tops
// every running app back up to its desired replica count (never below its
// minReplicas floor), and samples
// CPU/memory for every tracked replica.
func (m *Manager) Monitor(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(ctx)
			m.ensureMinReplicas(ctx)
			m.sampleStats(ctx)
		}
	}
}

// InstanceCount returns how many non-down instances an app currently has,
// used by the Control Loop to attribute traffic share.
func (m *Manager) InstanceCount(ctx context.Context, appName string) (int, error) {
	instances, err := m.store.GetInstances(ctx, appName, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range instances {
		if inst.State != orchestry.InstanceDown {
			n++
		}
	}
	return n, nil
}

// ReadyEndpoints returns the (ip, port) of every ready replica for app, the
// input the Proxy Adapter needs to build its upstream list.
func (m *Manager) ReadyEndpoints(ctx context.Context, appName string) ([]orchestry.Instance, error) {
	instances, err := m.store.GetInstances(ctx, appName, string(orchestry.InstanceReady))
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Stats returns the last-sampled CPU%/memory% for a replica, or zero
// values if it has never been sampled yet.
func (m *Manager) Stats(containerID string) (cpuPercent, memoryPercent float64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s, ok := m.stats[containerID]
	if !ok {
		return 0, 0
	}
	return s.cpuPercent, s.memoryPercent
}

// AppStats returns the average CPU%/memory% across appName's live replicas,
// the feed the Control Loop folds into the Autoscaler's per-tick metrics for
// CPU/memory-driven scaling (spec section 4.6 steps 6-7). Zero values mean
// no replica has been sampled yet, not that usage is actually zero.
func (m *Manager) AppStats(ctx context.Context, appName string) (cpuPercent, memoryPercent float64) {
	instances, err := m.store.GetInstances(ctx, appName, "")
	if err != nil {
		return 0, 0
	}
	var cpuSum, memSum float64
	var n int
	for _, inst := range instances {
		if inst.State == orchestry.InstanceDown {
			continue
		}
		cpu, mem := m.Stats(inst.ContainerID)
		cpuSum += cpu
		memSum += mem
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return cpuSum / float64(n), memSum / float64(n)
}

// sweepOnce restarts crashed containers. restartMu keeps this from
// overlapping a concurrent Reconcile/recreate pass.
func (m *Manager) sweepOnce(ctx context.Context) {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, labelManagedValue))
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		level.Warn(m.logger).Log("msg", "monitor sweep list failed", "err", err)
		return
	}

	restarts := 0
	for _, c := range containers {
		if c.State == "exited" || c.State == "dead" {
			if restarts >= maxRestartAttemptsPerSweep {
				continue
			}
			appName := c.Labels[labelApp]
			if err := m.docker.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
				level.Warn(m.logger).Log("msg", "restarting crashed container failed, dropping from index and recreating", "container", c.ID, "err", err)
				_ = m.store.DeleteInstance(ctx, c.ID)
				m.statsMu.Lock()
				delete(m.stats, c.ID)
				m.statsMu.Unlock()
				if rmErr := m.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); rmErr != nil {
					level.Warn(m.logger).Log("msg", "removing dead container before recreate failed", "container", c.ID, "err", rmErr)
				}
				if recreateErr := m.recreateReplica(ctx, appName); recreateErr != nil {
					level.Warn(m.logger).Log("msg", "recreating replica after failed restart failed", "app", appName, "err", recreateErr)
					_ = m.store.AddEvent(ctx, appName, "replica_recreate_failed", "replica failed to restart and could not be recreated", map[string]any{"containerId": c.ID, "err": recreateErr.Error()})
				}
				continue
			}
			restarts++
			_ = m.store.UpdateInstanceStatus(ctx, c.ID, orchestry.InstanceStarting)
			_ = m.store.AddEvent(ctx, appName, "replica_restarted", "replica restarted after unexpected exit", map[string]any{"containerId": c.ID})
			level.Info(m.logger).Log("msg", "restarted crashed replica", "container", c.ID, "app", appName)
		}
	}
}

// recreateReplica implements the sweep's "enqueue a recreate action" step: it
// picks the lowest free replica index for appName, adopts a same-named
// container if one has already reappeared and is running, and otherwise
// starts a brand new one at that index.
func (m *Manager) recreateReplica(ctx context.Context, appName string) error {
	app, err := m.store.GetApp(ctx, appName)
	if err != nil {
		return err
	}

	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, labelManagedValue))
	args.Add("label", fmt.Sprintf("%s=%s", labelApp, appName))
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return orcherr.Wrap(orcherr.KindRuntime, "listing containers before recreate", err)
	}

	used := make(map[int]bool, len(containers))
	byIndex := make(map[int]container.Summary, len(containers))
	for _, c := range containers {
		idx := 0
		if raw, ok := c.Labels[labelReplicaIndex]; ok {
			fmt.Sscanf(raw, "%d", &idx)
		}
		used[idx] = true
		byIndex[idx] = c
	}

	index := 0
	for used[index] {
		index++
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := byIndex[index]; ok && c.State == "running" {
		inst := orchestry.Instance{ContainerID: c.ID, AppName: appName, ReplicaIndex: index, State: orchestry.InstanceReady}
		if err := m.store.SaveInstance(ctx, inst); err != nil {
			return err
		}
		level.Info(m.logger).Log("msg", "adopted same-named running container instead of recreating", "container", c.ID, "app", appName, "index", index)
		return nil
	}

	return m.startReplica(ctx, app, index)
}

// ensureMinReplicas tops up every running app whose live instance count has
// fallen below the larger of app.Replicas and its scaling policy's
// minReplicas (at least 1), independent of the control
// loop's cooldown/hysteresis-gated Evaluate path (spec line 177: the
// background monitor re-ensures the floor every cycle).
func (m *Manager) ensureMinReplicas(ctx context.Context) {
	apps, err := m.store.ListApps(ctx, string(orchestry.AppRunning))
	if err != nil {
		level.Warn(m.logger).Log("msg", "ensureMinReplicas listing apps failed", "err", err)
		return
	}
	for _, app := range apps {
		min := app.Scaling.MinReplicas
		if min < 1 {
			min = 1
		}
		n, err := m.InstanceCount(ctx, app.Name)
		if err != nil {
			level.Warn(m.logger).Log("msg", "ensureMinReplicas reading instance count failed", "app", app.Name, "err", err)
			continue
		}
		desired := app.Replicas
		if desired < min {
			desired = min
		}
		if n >= desired {
			continue
		}
		level.Warn(m.logger).Log("msg", "replica count below floor, topping up", "app", app.Name, "current", n, "desired", desired)
		if err := m.Reconcile(ctx, app, desired); err != nil {
			level.Warn(m.logger).Log("msg", "ensureMinReplicas reconcile failed", "app", app.Name, "err", err)
		}
	}
}

// sampleStats refreshes the in-memory CPU%/memory% for every tracked
// replica, using a one-shot stats read and the standard
// (cpuDelta/systemDelta)*numCPUs*100 formula.
func (m *Manager) sampleStats(ctx context.Context) {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, labelManagedValue))
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		level.Warn(m.logger).Log("msg", "stats sweep list failed", "err", err)
		return
	}

	for _, c := range containers {
		resp, err := m.docker.ContainerStatsOneShot(ctx, c.ID)
		if err != nil {
			m.markDown(ctx, c.ID)
			continue
		}
		var v container.StatsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&v)
		resp.Body.Close()
		if decodeErr != nil {
			continue
		}
		m.recordStats(ctx, c.ID, v)
	}
}

// markDown implements spec line 179's "if runtime reports container not
// running, mark the replica down and zero its stats": it drops the
// in-memory sample and transitions the store's state so callers reading
// instance state see it too, not just the cached stats view.
func (m *Manager) markDown(ctx context.Context, containerID string) {
	m.statsMu.Lock()
	delete(m.stats, containerID)
	m.statsMu.Unlock()
	if err := m.store.UpdateInstanceStatus(ctx, containerID, orchestry.InstanceDown); err != nil && orcherr.KindOf(err) != orcherr.KindNotFound {
		level.Warn(m.logger).Log("msg", "marking instance down failed", "container", containerID, "err", err)
	}
}

func (m *Manager) recordStats(ctx context.Context, containerID string, v container.StatsResponse) {
	cpuDelta := v.CPUStats.CPUUsage.TotalUsage - v.PreCPUStats.CPUUsage.TotalUsage
	systemDelta := v.CPUStats.SystemUsage - v.PreCPUStats.SystemUsage
	numCPUs := float64(v.CPUStats.OnlineCPUs)
	if numCPUs == 0 {
		numCPUs = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
	}
	if numCPUs == 0 {
		numCPUs = 1
	}

	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (float64(cpuDelta) / float64(systemDelta)) * numCPUs * 100
	}

	var memPercent float64
	if v.MemoryStats.Limit > 0 {
		memPercent = (float64(v.MemoryStats.Usage) / float64(v.MemoryStats.Limit)) * 100
	}

	m.statsMu.Lock()
	m.stats[containerID] = &runtimeStats{
		cpuPercent:    cpuPercent,
		memoryPercent: memPercent,
		prevCPU:       v.CPUStats.CPUUsage.TotalUsage,
		prevSystem:    v.CPUStats.SystemUsage,
		sampledAt:     time.Now(),
	}
	m.statsMu.Unlock()

	if err := m.store.UpdateInstanceStats(ctx, containerID, cpuPercent, memPercent); err != nil && orcherr.KindOf(err) != orcherr.KindNotFound {
		level.Warn(m.logger).Log("msg", "persisting replica stats failed", "container", containerID, "err", err)
	}
}
