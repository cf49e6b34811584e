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

// Package controlloop implements the Control Loop (spec component C7): a
// single 10-second periodic tick, running only on the leader, that
// attributes proxy traffic to apps, feeds the Autoscaler, and applies its
// decisions through the Replica Manager. Registered as one worker in
// cmd/orchestryd's run.Group; it has no Stop method, and the group's
// interrupt stops it by canceling the context passed to Run.
package controlloop

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/orchestry/orchestry/internal/autoscaler"
	"github.com/orchestry/orchestry/internal/orchestry"
	"github.com/orchestry/orchestry/internal/proxy"
)

// ProxySource reads the current proxy counters, e.g. by scraping nginx's
// stub_status module.
type ProxySource interface {
	Snapshot(ctx context.Context) (proxy.Counters, error)
}

// ReplicaManager is the subset of internal/replica.Manager the loop needs.
type ReplicaManager interface {
	Reconcile(ctx context.Context, app orchestry.App, desired int) error
	InstanceCount(ctx context.Context, appName string) (int, error)
	ReadyEndpoints(ctx context.Context, appName string) ([]orchestry.Instance, error)
	AppStats(ctx context.Context, appName string) (cpuPercent, memoryPercent float64)
}

// ProxyApplier pushes the current set of ready backends to the Proxy
// Adapter, matching internal/proxy.Adapter.Apply.
type ProxyApplier interface {
	Apply(ctx context.Context, upstreams []proxy.Upstream) error
}

// Store is the subset of internal/store.Store the loop needs.
type Store interface {
	ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error)
	UpdateAppReplicas(ctx context.Context, name string, replicas int) error
	AddScalingEvent(ctx context.Context, entry orchestry.ScalingHistoryEntry) error
	AddEvent(ctx context.Context, appName, kind, message string, details any) error
}

// Leadership reports whether this node currently owns the lease, mirroring
// Lease.Range()'s "owned" read: a cheap, lock-protected boolean check, not
// a fresh store round trip.
type Leadership interface {
	IsLeader() bool
}

// Metrics is the optional self-instrumentation sink (internal/metrics.Registry
// satisfies it). A nil Metrics is valid: every call site guards on it.
type Metrics interface {
	RecordScalingDecision(reason string)
	RecordTickError()
	SetManagedTotals(apps, replicas int)
}

// Loop drives the periodic control tick.
type Loop struct {
	logger     log.Logger
	store      Store
	proxy      ProxySource
	replicas   ReplicaManager
	applier    ProxyApplier
	autoscaler *autoscaler.Autoscaler
	leadership Leadership
	metrics    Metrics
	period     time.Duration

	lastTick     time.Time
	lastRequests int64
}

// New constructs a Loop with the given tick period (spec default 10s).
func New(logger log.Logger, store Store, proxySource ProxySource, replicas ReplicaManager, applier ProxyApplier, as *autoscaler.Autoscaler, leadership Leadership, period time.Duration) *Loop {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if period == 0 {
		period = 10 * time.Second
	}
	return &Loop{
		logger:     logger,
		store:      store,
		proxy:      proxySource,
		replicas:   replicas,
		applier:    applier,
		autoscaler: as,
		leadership: leadership,
		period:     period,
	}
}

// WithMetrics attaches a self-instrumentation sink, returning the Loop for
// chaining at construction time in cmd/orchestryd.
func (l *Loop) WithMetrics(m Metrics) *Loop {
	l.metrics = m
	return l
}

// Run ticks until ctx is canceled. On a tick error it logs and backs off
// 30s before trying again, per spec section 4.7.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !l.leadership.IsLeader() {
				continue
			}
			if err := l.tick(ctx); err != nil {
				level.Error(l.logger).Log("msg", "control loop tick failed, backing off", "err", err)
				if l.metrics != nil {
					l.metrics.RecordTickError()
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(30 * time.Second):
				}
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	now := time.Now()
	counters, err := l.proxy.Snapshot(ctx)
	if err != nil {
		return err
	}

	globalRPS := 0.0
	if !l.lastTick.IsZero() {
		deltaRequests := counters.CumulativeRequests - l.lastRequests
		deltaSeconds := now.Sub(l.lastTick).Seconds()
		if deltaRequests < 0 {
			deltaRequests = 0
		}
		if deltaSeconds > 0 {
			globalRPS = float64(deltaRequests) / deltaSeconds
		}
	}
	l.lastTick = now
	l.lastRequests = counters.CumulativeRequests

	apps, err := l.store.ListApps(ctx, string(orchestry.AppRunning))
	if err != nil {
		return err
	}

	totalReplicas := 0
	counts := make(map[string]int, len(apps))
	for _, app := range apps {
		n, err := l.replicas.InstanceCount(ctx, app.Name)
		if err != nil {
			level.Warn(l.logger).Log("msg", "reading instance count failed", "app", app.Name, "err", err)
			continue
		}
		counts[app.Name] = n
		totalReplicas += n
	}
	if l.metrics != nil {
		l.metrics.SetManagedTotals(len(apps), totalReplicas)
	}

	for _, app := range apps {
		n := counts[app.Name]
		share := 0.0
		if totalReplicas > 0 {
			share = float64(n) / float64(totalReplicas)
		}
		rpsApp := globalRPS * share
		connApp := float64(int(float64(counters.CurrentConnections) * share))
		cpuPercent, memPercent := l.replicas.AppStats(ctx, app.Name)

		l.autoscaler.AddMetrics(app.Name, orchestry.ScalingMetrics{
			Timestamp:       now.Unix(),
			RPS:             rpsApp,
			Connections:     connApp,
			HealthyReplicas: float64(n),
			CPUPercent:      cpuPercent,
			MemoryPercent:   memPercent,
		}, app.Scaling.WindowSeconds, now)

		decision := l.autoscaler.Evaluate(app.Name, &app.Scaling, app.Mode, n, now)
		if !decision.ShouldScale {
			continue
		}

		if err := l.replicas.Reconcile(ctx, app, decision.TargetReplicas); err != nil {
			level.Warn(l.logger).Log("msg", "applying scaling decision failed", "app", app.Name, "err", err)
			continue
		}
		l.autoscaler.RecordScalingAction(app.Name, now)
		if l.metrics != nil {
			l.metrics.RecordScalingDecision(decision.Reason)
		}
		if err := l.store.UpdateAppReplicas(ctx, app.Name, decision.TargetReplicas); err != nil {
			level.Warn(l.logger).Log("msg", "persisting replica count failed", "app", app.Name, "err", err)
		}
		_ = l.store.AddScalingEvent(ctx, orchestry.ScalingHistoryEntry{
			AppName:         app.Name,
			FromReplicas:    decision.CurrentReplicas,
			ToReplicas:      decision.TargetReplicas,
			TriggerReason:   decision.Reason,
			MetricsSnapshot: decision.MetricsSnapshot,
		})
		_ = l.store.AddEvent(ctx, app.Name, "scaled", "autoscaler changed replica count", map[string]any{
			"from": decision.CurrentReplicas, "to": decision.TargetReplicas, "reason": decision.Reason,
		})
		level.Info(l.logger).Log("msg", "scaled app", "app", app.Name, "from", decision.CurrentReplicas, "to", decision.TargetReplicas, "reason", decision.Reason)
	}

	return l.syncProxy(ctx, apps)
}

// syncProxy rebuilds the upstream list for every running app from its
// currently ready replicas and pushes it through the Proxy Adapter. It runs
// every tick regardless of whether anything was scaled this round, since
// ready/unready transitions driven by the Health Prober happen
// independently of scaling decisions.
func (l *Loop) syncProxy(ctx context.Context, apps []orchestry.App) error {
	if l.applier == nil {
		return nil
	}
	upstreams := make([]proxy.Upstream, 0, len(apps))
	for _, app := range apps {
		ready, err := l.replicas.ReadyEndpoints(ctx, app.Name)
		if err != nil {
			level.Warn(l.logger).Log("msg", "reading ready endpoints failed", "app", app.Name, "err", err)
			continue
		}
		backends := make([]proxy.Backend, 0, len(ready))
		for _, inst := range ready {
			if inst.IP == "" || inst.Port == 0 {
				continue
			}
			backends = append(backends, proxy.Backend{IP: inst.IP, Port: inst.Port})
		}
		if len(backends) == 0 {
			continue
		}
		upstreams = append(upstreams, proxy.Upstream{AppName: app.Name, Backends: backends})
	}
	if err := l.applier.Apply(ctx, upstreams); err != nil {
		level.Warn(l.logger).Log("msg", "applying proxy config failed", "err", err)
		return err
	}
	return nil
}
