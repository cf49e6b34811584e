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

// Package metrics registers orchestryd's own process instrumentation — the
// daemon's self-observability, distinct from the time-series/Prometheus
// exporter that spec section 1 scopes out as an external collaborator over
// the apps orchestry itself manages. Modeled on cmd/rule-evaluator/main.go's
// registry setup: Go/process collectors, a build-info gauge, and a handful
// of counters/gauges specific to this daemon's own control loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioninfo "github.com/prometheus/client_golang/prometheus/collectors/version"
)

// Registry bundles the counters and gauges orchestryd exposes about its own
// operation at /debug/metrics.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	IsLeader          prometheus.Gauge
	ClusterTerm       prometheus.Gauge
	ManagedApps       prometheus.Gauge
	ManagedReplicas   prometheus.Gauge
	ScalingDecisions  *prometheus.CounterVec
	ControlLoopErrors prometheus.Counter
	HealthProbes      *prometheus.CounterVec
}

// New builds a fresh registry with every orchestryd-specific metric
// registered alongside the standard Go/process collectors, matching the
// teacher's reg.MustRegister(...) block in cmd/rule-evaluator/main.go.
func New(component string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestry_is_leader",
			Help: "1 if this node currently holds the cluster leader lease, 0 otherwise.",
		}),
		ClusterTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestry_cluster_term",
			Help: "The current election term this node has observed.",
		}),
		ManagedApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestry_managed_apps",
			Help: "Number of apps currently in the running state.",
		}),
		ManagedReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestry_managed_replicas",
			Help: "Total tracked replica containers across every running app.",
		}),
		ScalingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestry_scaling_decisions_total",
			Help: "Autoscaler decisions actuated by the control loop, by reason.",
		}, []string{"reason"}),
		ControlLoopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestry_control_loop_errors_total",
			Help: "Control loop ticks that failed and backed off.",
		}),
		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestry_health_probes_total",
			Help: "Health probe outcomes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioninfo.NewCollector(component),
		r.IsLeader,
		r.ClusterTerm,
		r.ManagedApps,
		r.ManagedReplicas,
		r.ScalingDecisions,
		r.ControlLoopErrors,
		r.HealthProbes,
	)
	return r
}

// RecordScalingDecision satisfies internal/controlloop.Metrics.
func (r *Registry) RecordScalingDecision(reason string) {
	r.ScalingDecisions.WithLabelValues(reason).Inc()
}

// RecordTickError satisfies internal/controlloop.Metrics.
func (r *Registry) RecordTickError() {
	r.ControlLoopErrors.Inc()
}

// SetLeader updates the leader gauge and term; cmd/orchestryd calls it from
// a Coordinator OnChange hook.
func (r *Registry) SetLeader(isLeader bool, term int64) {
	if isLeader {
		r.IsLeader.Set(1)
	} else {
		r.IsLeader.Set(0)
	}
	r.ClusterTerm.Set(float64(term))
}

// RecordHealthProbe satisfies internal/health's optional outcome sink.
func (r *Registry) RecordHealthProbe(result string) {
	r.HealthProbes.WithLabelValues(result).Inc()
}

// SetManagedTotals updates the fleet-size gauges, called once per control
// loop tick from internal/controlloop.
func (r *Registry) SetManagedTotals(apps, replicas int) {
	r.ManagedApps.Set(float64(apps))
	r.ManagedReplicas.Set(float64(replicas))
}
