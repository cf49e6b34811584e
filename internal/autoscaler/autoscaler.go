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

// Package autoscaler implements the Autoscaler (spec component C6): rolling
// per-app metric windows feeding a pure decision function, the same shape
// as pkg/operator/scaling.go's "current spec + observed metrics -> new
// target" pattern, adapted from VerticalPodAutoscaler targets to replica
// counts.
package autoscaler

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/orchestry/orchestry/internal/orchestry"
)

// minScaleInStablePeriods is how many consecutive scale-in-eligible ticks
// must pass before an actual scale-in happens.
const minScaleInStablePeriods = 3

// sample is one point appended by addMetrics.
type sample struct {
	at time.Time
	m  orchestry.ScalingMetrics
}

// appState is the per-app rolling window and hysteresis bookkeeping.
type appState struct {
	window        []sample
	lastScaleTime time.Time
	stablePeriods int
}

// Autoscaler evaluates scaling decisions from rolling metric windows. All
// public methods are guarded by a single lock: the deques and counters are
// only ever touched while held.
type Autoscaler struct {
	mu    sync.Mutex
	state map[string]*appState
}

// New constructs an empty Autoscaler.
func New() *Autoscaler {
	return &Autoscaler{state: make(map[string]*appState)}
}

func (a *Autoscaler) stateFor(app string) *appState {
	s, ok := a.state[app]
	if !ok {
		s = &appState{}
		a.state[app] = s
	}
	return s
}

// AddMetrics appends one observation at now, then evicts points older than
// 2*windowSeconds.
func (a *Autoscaler) AddMetrics(app string, m orchestry.ScalingMetrics, windowSeconds int, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stateFor(app)
	s.window = append(s.window, sample{at: now, m: m})

	cutoff := now.Add(-2 * time.Duration(windowSeconds) * time.Second)
	i := 0
	for ; i < len(s.window); i++ {
		if !s.window[i].at.Before(cutoff) {
			break
		}
	}
	s.window = s.window[i:]
}

// RecordScalingAction must be called by the caller after a successful
// ReplicaManager.Scale: it resets the cooldown clock and the scale-in
// stability counter.
func (a *Autoscaler) RecordScalingAction(app string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stateFor(app)
	s.lastScaleTime = now
	s.stablePeriods = 0
}

// Evaluate runs the decision algorithm (spec section 4.6, steps 1-12).
func (a *Autoscaler) Evaluate(app string, policy *orchestry.ScalingPolicy, mode orchestry.ScalingMode, currentReplicas int, now time.Time) orchestry.ScalingDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mode == orchestry.ModeManual {
		return orchestry.NoScale(currentReplicas, "manual mode")
	}
	if policy == nil {
		return orchestry.NoScale(currentReplicas, "no policy")
	}
	if currentReplicas < policy.MinReplicas {
		return orchestry.Scale(currentReplicas, policy.MinReplicas, "below-minimum", nil, nil)
	}

	s := a.stateFor(app)
	if !s.lastScaleTime.IsZero() && now.Sub(s.lastScaleTime) < time.Duration(policy.CooldownSeconds)*time.Second {
		return orchestry.NoScale(currentReplicas, "cooldown")
	}

	agg, ok := aggregate(s.window, policy.WindowSeconds, now)
	if !ok {
		return orchestry.NoScale(currentReplicas, "no metrics")
	}

	factors, triggered := scaleFactors(agg, *policy)
	snapshot, _ := json.Marshal(agg)

	factor := 0.0
	for _, f := range factors {
		if f > factor {
			factor = f
		}
	}

	target := currentReplicas
	reason := "stable"
	shouldScale := false

	scaleOutThreshold := policy.ScaleOutThresholdPct / 100
	scaleInThreshold := policy.ScaleInThresholdPct / 100

	switch {
	case factor > scaleOutThreshold && currentReplicas < policy.MaxReplicas:
		desired := int(math.Ceil(float64(currentReplicas) * factor))
		if desired < currentReplicas+1 {
			desired = currentReplicas + 1
		}
		target = desired
		if target > policy.MaxReplicas {
			target = policy.MaxReplicas
		}
		reason = "scale-out"
		shouldScale = true
		s.stablePeriods = 0
	case factor < scaleInThreshold && currentReplicas > policy.MinReplicas:
		s.stablePeriods++
		if s.stablePeriods >= minScaleInStablePeriods {
			target = currentReplicas - 1
			reason = "scale-in"
			shouldScale = true
			s.stablePeriods = 0
		} else {
			return orchestry.NoScale(currentReplicas, "scale-in-pending")
		}
	default:
		s.stablePeriods = 0
	}

	clamped := clamp(target, policy.MinReplicas, policy.MaxReplicas)
	if clamped != target {
		target = clamped
		reason = "enforcing minimum/maximum"
		shouldScale = target != currentReplicas
	}

	if !shouldScale {
		return orchestry.NoScale(currentReplicas, reason)
	}
	return orchestry.Scale(currentReplicas, target, reason, triggered, snapshot)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// aggregatedMetrics is the window's summary used to compute scale factors.
type aggregatedMetrics struct {
	RPS             float64 `json:"rps"`
	Connections     float64 `json:"connections"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryPercent   float64 `json:"memoryPercent"`
	HealthyReplicas float64 `json:"healthyReplicas"`
}

// aggregate computes the window's mean/p95 summary over points within
// windowSeconds of now. ok is false if the window has no in-range points.
func aggregate(window []sample, windowSeconds int, now time.Time) (aggregatedMetrics, bool) {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	var in []orchestry.ScalingMetrics
	for _, s := range window {
		if !s.at.Before(cutoff) {
			in = append(in, s.m)
		}
	}
	if len(in) == 0 {
		return aggregatedMetrics{}, false
	}

	var agg aggregatedMetrics
	latencies := make([]float64, 0, len(in))
	for _, m := range in {
		agg.RPS += m.RPS
		agg.Connections += m.Connections
		agg.CPUPercent += m.CPUPercent
		agg.MemoryPercent += m.MemoryPercent
		agg.HealthyReplicas += m.HealthyReplicas
		latencies = append(latencies, m.P95LatencyMs)
	}
	n := float64(len(in))
	agg.RPS /= n
	agg.Connections /= n
	agg.CPUPercent /= n
	agg.MemoryPercent /= n
	agg.HealthyReplicas /= n
	agg.P95LatencyMs = percentile95(latencies)
	return agg, true
}

// percentile95 uses an equal-bucket quantile; with fewer than 2 samples it
// falls back to the max, per spec section 4.6 step 6.
func percentile95(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	if len(vals) < 2 {
		return vals[0]
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// scaleFactors computes the per-metric scale factors of spec section 4.6
// step 7 and returns the overloaded subset for step 8's "triggered" set.
func scaleFactors(agg aggregatedMetrics, policy orchestry.ScalingPolicy) (map[string]float64, []string) {
	if agg.HealthyReplicas == 0 {
		return map[string]float64{"no_healthy": 10.0}, []string{"no_healthy"}
	}

	factors := make(map[string]float64)
	if policy.TargetRPSPerReplica > 0 {
		factors["rps"] = (agg.RPS / agg.HealthyReplicas) / policy.TargetRPSPerReplica
	}
	if policy.MaxConnPerReplica > 0 {
		factors["connections"] = (agg.Connections / agg.HealthyReplicas) / policy.MaxConnPerReplica
	}
	if policy.MaxP95LatencyMs > 0 && agg.P95LatencyMs > 0 {
		factors["latency"] = agg.P95LatencyMs / policy.MaxP95LatencyMs
	}
	if policy.MaxCPUPercent > 0 && agg.CPUPercent > 0 {
		factors["cpu"] = agg.CPUPercent / policy.MaxCPUPercent
	}
	if policy.MaxMemoryPercent > 0 && agg.MemoryPercent > 0 {
		factors["memory"] = agg.MemoryPercent / policy.MaxMemoryPercent
	}

	threshold := policy.ScaleOutThresholdPct / 100
	var triggered []string
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if factors[name] > threshold {
			triggered = append(triggered, name)
		}
	}
	return factors, triggered
}
