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

package orchestry

import "encoding/json"

// ScalingMetrics is one aggregated observation fed to the Autoscaler for an
// app at a point in time.
type ScalingMetrics struct {
	Timestamp       int64   `json:"timestamp"` // unix seconds; caller-supplied, never time.Now() internally
	RPS             float64 `json:"rps"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	Connections     float64 `json:"connections"`
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryPercent   float64 `json:"memoryPercent"`
	HealthyReplicas float64 `json:"healthyReplicas"`
}

// ScalingDecision is a tagged variant: either NoScale(reason) or
// Scale(target, reason, triggeredBy, metricsSnapshot). ShouldScale is the
// tag; callers must check it before trusting TargetReplicas, matching the
// "cannot forget to check should_scale" discipline from spec section 9.
type ScalingDecision struct {
	ShouldScale      bool            `json:"shouldScale"`
	CurrentReplicas  int             `json:"currentReplicas"`
	TargetReplicas   int             `json:"targetReplicas,omitempty"`
	Reason           string          `json:"reason"`
	TriggeredBy      []string        `json:"triggeredBy,omitempty"`
	MetricsSnapshot  json.RawMessage `json:"metricsSnapshot,omitempty"`
}

// NoScale builds a ScalingDecision that takes no action.
func NoScale(current int, reason string) ScalingDecision {
	return ScalingDecision{ShouldScale: false, CurrentReplicas: current, Reason: reason}
}

// Scale builds a ScalingDecision that changes the replica count.
func Scale(current, target int, reason string, triggeredBy []string, snapshot json.RawMessage) ScalingDecision {
	return ScalingDecision{
		ShouldScale:     true,
		CurrentReplicas: current,
		TargetReplicas:  target,
		Reason:          reason,
		TriggeredBy:     triggeredBy,
		MetricsSnapshot: snapshot,
	}
}
