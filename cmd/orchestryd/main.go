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

// Command orchestryd is the control plane daemon: every node in the cluster
// runs one copy. It wires the State Store, Cluster Coordinator, Health
// Prober, Proxy Adapter, Replica Manager, Autoscaler, Control Loop, and
// admin API together and runs them as one oklog/run.Group, the same
// termination-handling shape as cmd/rule-evaluator/main.go.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	dockerclient "github.com/docker/docker/client"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/orchestry/orchestry/internal/api"
	"github.com/orchestry/orchestry/internal/autoscaler"
	"github.com/orchestry/orchestry/internal/cluster"
	"github.com/orchestry/orchestry/internal/config"
	"github.com/orchestry/orchestry/internal/controlloop"
	"github.com/orchestry/orchestry/internal/health"
	"github.com/orchestry/orchestry/internal/metrics"
	"github.com/orchestry/orchestry/internal/orchestry"
	"github.com/orchestry/orchestry/internal/proxy"
	"github.com/orchestry/orchestry/internal/replica"
	"github.com/orchestry/orchestry/internal/store"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("orchestryd", "The Orchestry control plane daemon")
	logLevel := a.Flag("log.level",
		"The level of logging. Can be one of 'debug', 'info', 'warn', 'error'").Default(
		"info").Enum("debug", "info", "warn", "error")
	configFile := a.Flag("config.file", "Optional YAML file of non-secret bootstrap defaults").Default("").String()
	a.HelpFlag.Short('h')

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "error parsing commandline arguments", "err", err)
		os.Exit(1)
	}

	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := config.FromEnvironment(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "resolving configuration failed", "err", err)
		os.Exit(1)
	}
	hostname := cfg.ClusterHostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	apiURL := fmt.Sprintf("http://%s:%d", hostname, cfg.Port)

	ctx := context.Background()

	st, err := store.Open(ctx, logger,
		cfg.PostgresPrimary.DSN(cfg.PostgresDB, cfg.PostgresUser, cfg.PostgresPassword),
		cfg.PostgresReplica.DSN(cfg.PostgresDB, cfg.PostgresUser, cfg.PostgresPassword))
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening state store failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		_ = level.Error(logger).Log("msg", "connecting to docker engine failed", "err", err)
		os.Exit(1)
	}
	defer docker.Close()

	reg := metrics.New("orchestryd")

	coordinator := cluster.New(log.With(logger, "component", "cluster"), st, cluster.Options{
		NodeID:         cfg.ClusterNodeID,
		Hostname:       hostname,
		APIURL:         apiURL,
		LeaseTTL:       time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		HeartbeatEvery: time.Duration(cfg.HeartbeatPeriodSeconds) * time.Second,
		ElectionEvery:  time.Duration(cfg.ElectionCheckPeriodSeconds) * time.Second,
		StaleNodeAfter: time.Duration(cfg.StaleNodePruneSeconds) * time.Second,
	})
	coordinator.OnChange(func(state orchestry.ClusterNodeState, term int64) {
		reg.SetLeader(state == orchestry.NodeLeader, term)
	})

	replicaMgr := replica.New(log.With(logger, "component", "replica"), docker, st)
	if err := replicaMgr.EnsureNetwork(ctx); err != nil {
		_ = level.Error(logger).Log("msg", "ensuring orchestry network failed", "err", err)
		os.Exit(1)
	}
	if _, err := replicaMgr.ReconcileAll(ctx); err != nil {
		_ = level.Warn(logger).Log("msg", "initial reconcile failed", "err", err)
	}

	prober := health.New(log.With(logger, "component", "health"), st, 16).WithMetrics(reg)

	proxyAdapter := proxy.New(log.With(logger, "component", "proxy"), docker, cfg.NginxContainer, cfg.NginxConfDir)
	statsSource := proxy.NewStatsSource(cfg.NginxStatusURL)

	as := autoscaler.New()

	loop := controlloop.New(log.With(logger, "component", "controlloop"), st, statsSource, replicaMgr, proxyAdapter, as, coordinator,
		time.Duration(cfg.ControlLoopPeriodSeconds)*time.Second).WithMetrics(reg)

	var monitorMu sync.Mutex
	var monitorCancel context.CancelFunc
	coordinator.OnChange(func(state orchestry.ClusterNodeState, term int64) {
		monitorMu.Lock()
		defer monitorMu.Unlock()
		if state == orchestry.NodeLeader {
			if monitorCancel != nil {
				return
			}
			var monitorCtx context.Context
			monitorCtx, monitorCancel = context.WithCancel(ctx)
			if _, err := replicaMgr.ReconcileAll(monitorCtx); err != nil {
				level.Warn(logger).Log("msg", "leader reconcile failed", "err", err)
			}
			if err := replicaMgr.CleanupOrphans(monitorCtx); err != nil {
				level.Warn(logger).Log("msg", "leader orphan cleanup failed", "err", err)
			}
			go func() {
				if err := replicaMgr.Monitor(monitorCtx, time.Duration(cfg.ContainerMonitorPeriod)*time.Second); err != nil && monitorCtx.Err() == nil {
					level.Warn(logger).Log("msg", "replica monitor stopped unexpectedly", "err", err)
				}
			}()
			level.Info(logger).Log("msg", "became cluster leader, starting container monitor", "term", term)
		} else if monitorCancel != nil {
			monitorCancel()
			monitorCancel = nil
			level.Info(logger).Log("msg", "lost cluster leadership, stopping container monitor", "term", term)
		}
	})

	apiServer := api.New(log.With(logger, "component", "api"), st, replicaMgr, as, coordinator, statsSource).
		WithGatherer(reg.Gatherer).
		WithProxyConfigRemover(proxyAdapter)
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: apiServer}

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received termination signal, exiting gracefully")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Cluster coordinator: leader election and membership heartbeat.
		runCtx, runCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return coordinator.Run(runCtx)
		}, func(error) {
			runCancel()
		})
	}
	{
		// Health prober.
		runCtx, runCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return prober.Run(runCtx)
		}, func(error) {
			runCancel()
		})
	}
	{
		// Control loop.
		runCtx, runCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return loop.Run(runCtx)
		}, func(error) {
			runCancel()
		})
	}
	{
		// Health target refresh: keeps the prober's target set in sync with
		// whichever replicas the Replica Manager currently tracks.
		runCtx, runCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return refreshHealthTargets(runCtx, st, prober)
		}, func(error) {
			runCancel()
		})
	}
	{
		// Admin HTTP API.
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting admin api", "listen", httpServer.Addr)
			ln, err := net.Listen("tcp", httpServer.Addr)
			if err != nil {
				return err
			}
			return httpServer.Serve(ln)
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				level.Error(logger).Log("msg", "admin api failed to shut down gracefully", "err", err)
			}
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "orchestryd exiting", "err", err)
	}
}

// healthTargetStore is the subset of internal/store.Store refreshHealthTargets
// needs to rebuild the prober's target set.
type healthTargetStore interface {
	ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error)
	GetInstances(ctx context.Context, appName, stateFilter string) ([]orchestry.Instance, error)
}

// refreshHealthTargets rebuilds the Health Prober's target set from every
// starting or ready replica every refreshPeriod, so newly created or removed
// replicas are probed (or stop being probed) without a direct call from the
// Replica Manager into the prober.
func refreshHealthTargets(ctx context.Context, st healthTargetStore, prober *health.Prober) error {
	const refreshPeriod = 5 * time.Second
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			apps, err := st.ListApps(ctx, "")
			if err != nil {
				continue
			}
			var targets []health.Target
			for _, app := range apps {
				if app.HealthCheck.Path == "" || len(app.Ports) == 0 {
					continue
				}
				instances, err := st.GetInstances(ctx, app.Name, "")
				if err != nil {
					continue
				}
				for _, inst := range instances {
					if inst.State == orchestry.InstanceDown || inst.State == orchestry.InstanceDraining {
						continue
					}
					if inst.IP == "" {
						continue
					}
					targets = append(targets, health.Target{
						ContainerID:      inst.ContainerID,
						AppName:          app.Name,
						IP:               inst.IP,
						Port:             inst.Port,
						Path:             app.HealthCheck.Path,
						Period:           time.Duration(app.HealthCheck.PeriodSeconds) * time.Second,
						Timeout:          time.Duration(app.HealthCheck.TimeoutSeconds) * time.Second,
						InitialDelay:     time.Duration(app.HealthCheck.InitialDelaySeconds) * time.Second,
						SuccessThreshold: app.HealthCheck.SuccessThreshold,
						FailureThreshold: app.HealthCheck.FailureThreshold,
					})
				}
			}
			prober.SetTargets(targets)
		}
	}
}
