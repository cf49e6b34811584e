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

// Package health implements the Health Prober (spec component C3): it polls
// every ready-or-starting replica's HTTP health endpoint on its own
// schedule and drives ready/unready state transitions off consecutive
// success/failure counts.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/semaphore"

	"github.com/orchestry/orchestry/internal/orchestry"
)

// Target is one replica to probe, carrying its app's HealthCheckConfig so
// different apps can run different schedules and thresholds concurrently.
type Target struct {
	ContainerID      string
	AppName          string
	IP               string
	Port             int
	Path             string
	Period           time.Duration
	Timeout          time.Duration
	InitialDelay     time.Duration
	SuccessThreshold int
	FailureThreshold int
}

// Result is one probe outcome.
type Result struct {
	Target  Target
	Healthy bool
	Err     error
}

// Store is the subset of internal/store.Store the prober needs.
type Store interface {
	UpdateInstanceHealth(ctx context.Context, containerID string, failureCount int, checkedAt time.Time) error
	UpdateInstanceStatus(ctx context.Context, containerID string, state orchestry.InstanceState) error
	AddEvent(ctx context.Context, appName, kind, message string, details any) error
}

// Metrics is the optional probe-outcome sink (internal/metrics.Registry
// satisfies it). A nil Metrics is valid: every call site guards on it.
type Metrics interface {
	RecordHealthProbe(result string)
}

// counters tracks the consecutive success/failure counters spec section
// 4.5 requires per replica, independent of the failure_count persisted
// through Store.
type counters struct {
	consecutiveSuccess int
	consecutiveFailure int
	lastProbedAt       time.Time
}

// Prober runs bounded-concurrency HTTP probes against every registered
// target, respecting each target's own periodSeconds (spec section 4.3:
// "do not over-probe faster than periodSeconds"). The sweep loop's own
// granularity is fixed at tickGranularity.
type Prober struct {
	logger  log.Logger
	store   Store
	client  *http.Client
	sem     *semaphore.Weighted
	metrics Metrics

	mu      sync.Mutex
	state   map[string]*counters // containerID -> counters
	targets map[string]Target
}

const tickGranularity = time.Second

// New constructs a Prober. maxConcurrent bounds in-flight probes so a large
// fleet of slow/unreachable replicas cannot stall the whole sweep.
func New(logger log.Logger, store Store, maxConcurrent int64) *Prober {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Prober{
		logger:  logger,
		store:   store,
		client:  cleanhttp.DefaultPooledClient(),
		sem:     semaphore.NewWeighted(maxConcurrent),
		state:   make(map[string]*counters),
		targets: make(map[string]Target),
	}
}

// WithMetrics attaches a self-instrumentation sink, returning the Prober for
// chaining at construction time in cmd/orchestryd.
func (p *Prober) WithMetrics(m Metrics) *Prober {
	p.metrics = m
	return p
}

// SetTargets replaces the set of replicas to probe, called periodically by
// cmd/orchestryd's refreshHealthTargets. Counters survive across calls
// for containers that remain targets, so a SetTargets refresh never resets
// consecutive success/failure streaks.
func (p *Prober) SetTargets(targets []Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = make(map[string]Target, len(targets))
	for _, t := range targets {
		p.targets[t.ContainerID] = t
		if _, ok := p.state[t.ContainerID]; !ok {
			period := t.Period
			if period <= 0 {
				period = 10 * time.Second
			}
			// Back-date lastProbedAt so the first real probe fires only
			// after InitialDelay, not immediately on the next tick.
			p.state[t.ContainerID] = &counters{lastProbedAt: time.Now().Add(t.InitialDelay - period)}
		}
	}
	for id := range p.state {
		if _, ok := p.targets[id]; !ok {
			delete(p.state, id)
		}
	}
}

// Run wakes every tickGranularity and probes whichever targets are due
// given their own Period, until ctx is canceled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	due := make([]Target, 0, len(p.targets))
	for id, t := range p.targets {
		period := t.Period
		if period <= 0 {
			period = 10 * time.Second
		}
		c := p.state[id]
		if c == nil || now.Sub(c.lastProbedAt) >= period {
			due = append(due, t)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range due {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.probeOne(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, t Target) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", t.IP, t.Port, t.Path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	healthy := false
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 400
		} else {
			err = doErr
		}
	}
	p.record(ctx, t, healthy, err)
}

func (p *Prober) record(ctx context.Context, t Target, healthy bool, probeErr error) {
	successThreshold := t.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 1
	}
	failureThreshold := t.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 1
	}

	p.mu.Lock()
	c, ok := p.state[t.ContainerID]
	if !ok {
		c = &counters{}
		p.state[t.ContainerID] = c
	}
	c.lastProbedAt = time.Now()
	if healthy {
		c.consecutiveSuccess++
		c.consecutiveFailure = 0
	} else {
		c.consecutiveFailure++
		c.consecutiveSuccess = 0
	}
	becameReady := healthy && c.consecutiveSuccess == successThreshold
	becameUnready := !healthy && c.consecutiveFailure == failureThreshold
	failureCount := c.consecutiveFailure
	p.mu.Unlock()

	if p.metrics != nil {
		result := "failure"
		if healthy {
			result = "success"
		}
		p.metrics.RecordHealthProbe(result)
	}

	if err := p.store.UpdateInstanceHealth(ctx, t.ContainerID, failureCount, time.Now()); err != nil {
		level.Warn(p.logger).Log("msg", "recording health check failed", "container", t.ContainerID, "err", err)
	}

	switch {
	case becameReady:
		level.Info(p.logger).Log("msg", "replica became ready", "container", t.ContainerID, "app", t.AppName)
		if err := p.store.UpdateInstanceStatus(ctx, t.ContainerID, orchestry.InstanceReady); err != nil {
			level.Warn(p.logger).Log("msg", "marking replica ready failed", "container", t.ContainerID, "err", err)
		}
		_ = p.store.AddEvent(ctx, t.AppName, "replica_ready", "replica passed health checks", map[string]any{"containerId": t.ContainerID})
	case becameUnready:
		level.Warn(p.logger).Log("msg", "replica became unready", "container", t.ContainerID, "app", t.AppName, "err", probeErr)
		if err := p.store.UpdateInstanceStatus(ctx, t.ContainerID, orchestry.InstanceDown); err != nil {
			level.Warn(p.logger).Log("msg", "marking replica down failed", "container", t.ContainerID, "err", err)
		}
		_ = p.store.AddEvent(ctx, t.AppName, "replica_unready", "replica failed health checks", map[string]any{"containerId": t.ContainerID, "error": fmt.Sprint(probeErr)})
	}
}
