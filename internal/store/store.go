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

// Package store implements the durable, concurrency-safe state store over
// Postgres. It is the only component with cross-process visibility and
// therefore the medium through which the Cluster Coordinator synchronizes.
//
// Every pgxpool acquisition here is scoped to a single call, and Close
// releases both the primary and replica pools on shutdown so every
// execute/interrupt pair in the daemon's run.Group releases what it
// acquired on every exit path.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestry/orchestry/internal/orcherr"
	"github.com/orchestry/orchestry/internal/orchestry"
)

//go:embed schema.sql
var schemaSQL string

const maxSerializationRetries = 3

// Store is the State Store. Reads prefer the replica pool; writes always go
// to primary. A write failure marks primary suspected so callers surface
// StoreUnavailable promptly instead of hanging on a dead connection.
type Store struct {
	logger  log.Logger
	primary *pgxpool.Pool
	replica *pgxpool.Pool

	mu               sync.Mutex
	primarySuspected bool
}

// Open connects both pools and applies the schema against primary.
func Open(ctx context.Context, logger log.Logger, primaryDSN, replicaDSN string) (*Store, error) {
	primary, err := pgxpool.New(ctx, primaryDSN)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindStoreUnavailable, "connecting to primary", err)
	}
	replica, err := pgxpool.New(ctx, replicaDSN)
	if err != nil {
		primary.Close()
		return nil, orcherr.Wrap(orcherr.KindStoreUnavailable, "connecting to replica", err)
	}
	s := &Store{logger: logger, primary: primary, replica: replica}

	if _, err := primary.Exec(ctx, schemaSQL); err != nil {
		s.Close()
		return nil, orcherr.Wrap(orcherr.KindStoreUnavailable, "applying schema", err)
	}
	return s, nil
}

// Close releases both pools. Safe to call once during shutdown.
func (s *Store) Close() {
	s.primary.Close()
	s.replica.Close()
}

func (s *Store) markPrimarySuspected(suspected bool) {
	s.mu.Lock()
	s.primarySuspected = suspected
	s.mu.Unlock()
}

// PrimarySuspected reports whether the last write attempt failed. Exposed
// for the admin health endpoint (spec section 6).
func (s *Store) PrimarySuspected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primarySuspected
}

// withRead runs fn against the replica first, falling back to primary on
// any non-ErrNoRows error, per spec section 4.1's read-routing policy.
func (s *Store) withRead(ctx context.Context, fn func(pool *pgxpool.Pool) error) error {
	err := fn(s.replica)
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	level.Warn(s.logger).Log("msg", "replica read failed, retrying against primary", "err", err)
	if err := fn(s.primary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return orcherr.Wrap(orcherr.KindStoreUnavailable, "read failed on primary and replica", err)
	}
	return nil
}

// withWrite runs fn against primary, retrying serialization/deadlock
// failures up to maxSerializationRetries times. An orcherr.Error returned by
// fn itself (such as NotFound for a missing row) is returned unchanged and
// does not mark primary suspected.
func (s *Store) withWrite(ctx context.Context, fn func(pool *pgxpool.Pool) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err := fn(s.primary)
		if err == nil {
			s.markPrimarySuspected(false)
			return nil
		}
		var taxErr *orcherr.Error
		if errors.As(err, &taxErr) {
			return err
		}
		lastErr = err
		if errors.Is(err, pgx.ErrNoRows) || !isSerializationFailure(err) {
			break
		}
		level.Debug(s.logger).Log("msg", "retrying write after serialization failure", "attempt", attempt)
	}
	if errors.Is(lastErr, pgx.ErrNoRows) {
		return lastErr
	}
	s.markPrimarySuspected(true)
	return orcherr.Wrap(orcherr.KindStoreUnavailable, "write failed", lastErr)
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling: %w", err)
	}
	return b, nil
}

// --- apps -------------------------------------------------------------

// CreateApp inserts a new App, returning a Conflict orcherr.Error if an App
// with this name is already registered (spec section 4.2's register(spec):
// a duplicate name must be rejected, not silently overwritten).
func (s *Store) CreateApp(ctx context.Context, app orchestry.App) error {
	spec, err := marshalJSON(app)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "marshaling app spec", err)
	}
	raw := app.RawSpec
	if raw == nil {
		raw = spec
	}
	var inserted bool
	err = s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `
			INSERT INTO apps (name, spec, raw_spec, status, mode, replicas, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT (name) DO NOTHING
			RETURNING true`,
			app.Name, spec, raw, string(app.Status), string(app.Mode), app.Replicas)
		scanErr := row.Scan(&inserted)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		return scanErr
	})
	if err != nil {
		return err
	}
	if !inserted {
		return orcherr.Wrap(orcherr.KindConflict, fmt.Sprintf("app %q is already registered", app.Name), nil)
	}
	return nil
}

// SaveApp replaces an already-registered App's row by name (policy updates,
// status/replica transitions). It is not used for initial registration:
// CreateApp owns the duplicate-name rejection that register(spec) requires.
func (s *Store) SaveApp(ctx context.Context, app orchestry.App) error {
	spec, err := marshalJSON(app)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "marshaling app spec", err)
	}
	raw := app.RawSpec
	if raw == nil {
		raw = spec
	}
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO apps (name, spec, raw_spec, status, mode, replicas, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT (name) DO UPDATE SET
				spec = EXCLUDED.spec, raw_spec = EXCLUDED.raw_spec,
				status = EXCLUDED.status, mode = EXCLUDED.mode,
				replicas = EXCLUDED.replicas, updated_at = now()`,
			app.Name, spec, raw, string(app.Status), string(app.Mode), app.Replicas)
		return err
	})
}

// GetApp fetches one App by name. Returns a NotFound orcherr.Error if absent.
func (s *Store) GetApp(ctx context.Context, name string) (orchestry.App, error) {
	var app orchestry.App
	var specBytes []byte
	var status, mode string
	err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `
			SELECT spec, raw_spec, status, mode, replicas, created_at, updated_at, last_scaled_at
			FROM apps WHERE name = $1`, name)
		var rawBytes []byte
		var lastScaled *time.Time
		if err := row.Scan(&specBytes, &rawBytes, &status, &mode, &app.Replicas, &app.CreatedAt, &app.UpdatedAt, &lastScaled); err != nil {
			return err
		}
		if lastScaled != nil {
			app.LastScaledAt = *lastScaled
		}
		app.RawSpec = rawBytes
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return app, orcherr.NotFoundf("app %q not found", name)
	}
	if err != nil {
		return app, err
	}
	cols := app
	if err := json.Unmarshal(specBytes, &app); err != nil {
		return app, orcherr.Wrap(orcherr.KindStoreUnavailable, "unmarshaling app spec", err)
	}
	app.Name = name
	app.Replicas, app.LastScaledAt = cols.Replicas, cols.LastScaledAt
	app.CreatedAt, app.UpdatedAt = cols.CreatedAt, cols.UpdatedAt
	app.Status = orchestry.AppStatus(status)
	app.Mode = orchestry.ScalingMode(mode)
	return app, nil
}

// ListApps returns every App, optionally filtered by status. Each row is
// re-fetched through GetApp so status/mode/raw_spec handling stays in one
// place; app counts are small enough that this is not a hot path.
func (s *Store) ListApps(ctx context.Context, statusFilter string) ([]orchestry.App, error) {
	var names []string
	if err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		names = nil
		var rows pgx.Rows
		var err error
		if statusFilter == "" {
			rows, err = pool.Query(ctx, `SELECT name FROM apps ORDER BY name`)
		} else {
			rows, err = pool.Query(ctx, `SELECT name FROM apps WHERE status = $1 ORDER BY name`, statusFilter)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}
	var apps []orchestry.App
	for _, name := range names {
		app, err := s.GetApp(ctx, name)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// DeleteApp removes an App and cascades to its instances.
func (s *Store) DeleteApp(ctx context.Context, name string) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `DELETE FROM apps WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("app %q not found", name)
		}
		return nil
	})
}

// UpdateAppStatus sets an App's lifecycle status.
func (s *Store) UpdateAppStatus(ctx context.Context, name string, status orchestry.AppStatus) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `UPDATE apps SET status = $2, updated_at = now() WHERE name = $1`, name, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("app %q not found", name)
		}
		return nil
	})
}

// UpdateAppReplicas records a new desired replica count and stamps
// last_scaled_at, used by the Autoscaler and manual scale requests alike.
func (s *Store) UpdateAppReplicas(ctx context.Context, name string, replicas int) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `
			UPDATE apps SET replicas = $2, last_scaled_at = now(), updated_at = now() WHERE name = $1`,
			name, replicas)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("app %q not found", name)
		}
		return nil
	})
}

// --- instances ----------------------------------------------------------

// SaveInstance inserts or replaces an Instance by container ID.
func (s *Store) SaveInstance(ctx context.Context, inst orchestry.Instance) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO instances (container_id, app_name, replica_index, ip, port, status, cpu_percent, memory_percent, failure_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
			ON CONFLICT (container_id) DO UPDATE SET
				ip = EXCLUDED.ip, port = EXCLUDED.port, status = EXCLUDED.status,
				failure_count = EXCLUDED.failure_count, updated_at = now()`,
			inst.ContainerID, inst.AppName, inst.ReplicaIndex, inst.IP, inst.Port,
			string(inst.State), inst.CPUPercent, inst.MemoryPercent, inst.FailureCount)
		return err
	})
}

// GetInstances lists an App's replicas, optionally filtered by state.
func (s *Store) GetInstances(ctx context.Context, appName string, stateFilter string) ([]orchestry.Instance, error) {
	var out []orchestry.Instance
	err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		out = nil
		var rows pgx.Rows
		var err error
		if stateFilter == "" {
			rows, err = pool.Query(ctx, `
				SELECT container_id, app_name, replica_index, ip, port, status, cpu_percent, memory_percent, failure_count, last_health_check, created_at, updated_at
				FROM instances WHERE app_name = $1 ORDER BY replica_index`, appName)
		} else {
			rows, err = pool.Query(ctx, `
				SELECT container_id, app_name, replica_index, ip, port, status, cpu_percent, memory_percent, failure_count, last_health_check, created_at, updated_at
				FROM instances WHERE app_name = $1 AND status = $2 ORDER BY replica_index`, appName, stateFilter)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var inst orchestry.Instance
			var status string
			var lastHealth *time.Time
			if err := rows.Scan(&inst.ContainerID, &inst.AppName, &inst.ReplicaIndex, &inst.IP, &inst.Port,
				&status, &inst.CPUPercent, &inst.MemoryPercent, &inst.FailureCount, &lastHealth, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
				return err
			}
			inst.State = orchestry.InstanceState(status)
			if lastHealth != nil {
				inst.LastSeen = *lastHealth
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteInstance removes a replica's row once its container is gone.
func (s *Store) DeleteInstance(ctx context.Context, containerID string) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `DELETE FROM instances WHERE container_id = $1`, containerID)
		return err
	})
}

// UpdateInstanceStatus transitions a replica's state.
func (s *Store) UpdateInstanceStatus(ctx context.Context, containerID string, state orchestry.InstanceState) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `UPDATE instances SET status = $2, updated_at = now() WHERE container_id = $1`,
			containerID, string(state))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("instance %q not found", containerID)
		}
		return nil
	})
}

// UpdateInstanceHealth records the Health Prober's latest verdict for one
// replica: failure_count and last_health_check are the fields the prober
// owns; state transitions are applied by the caller via UpdateInstanceStatus.
func (s *Store) UpdateInstanceHealth(ctx context.Context, containerID string, failureCount int, checkedAt time.Time) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `
			UPDATE instances SET failure_count = $2, last_health_check = $3, updated_at = now()
			WHERE container_id = $1`, containerID, failureCount, checkedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("instance %q not found", containerID)
		}
		return nil
	})
}

// UpdateInstanceStats records the Replica Manager's latest CPU%/memory%
// sample for one replica, the field status(app) reports and the Autoscaler
// reads for CPU/memory-driven scaling decisions.
func (s *Store) UpdateInstanceStats(ctx context.Context, containerID string, cpuPercent, memoryPercent float64) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `
			UPDATE instances SET cpu_percent = $2, memory_percent = $3, updated_at = now()
			WHERE container_id = $1`, containerID, cpuPercent, memoryPercent)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherr.NotFoundf("instance %q not found", containerID)
		}
		return nil
	})
}

// --- events & scaling history --------------------------------------------

// AddEvent appends an audit log row. appName may be empty for cluster-wide events.
func (s *Store) AddEvent(ctx context.Context, appName, kind, message string, details any) error {
	detailBytes, err := marshalJSON(details)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "marshaling event details", err)
	}
	var appNamePtr *string
	if appName != "" {
		appNamePtr = &appName
	}
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO events (app_name, event_type, message, timestamp, details)
			VALUES ($1, $2, $3, now(), $4)`, appNamePtr, kind, message, detailBytes)
		return err
	})
}

// GetEvents returns recent events, optionally filtered by app and/or kind
// and bounded by since/limit.
func (s *Store) GetEvents(ctx context.Context, appName, kind string, since time.Time, limit int) ([]orchestry.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []orchestry.Event
	err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		out = nil
		rows, err := pool.Query(ctx, `
			SELECT id, app_name, event_type, message, timestamp, details FROM events
			WHERE ($1 = '' OR app_name = $1)
			  AND ($2 = '' OR event_type = $2)
			  AND timestamp >= $3
			ORDER BY timestamp DESC LIMIT $4`, appName, kind, since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ev orchestry.Event
			var appNamePtr *string
			if err := rows.Scan(&ev.ID, &appNamePtr, &ev.Kind, &ev.Message, &ev.Timestamp, &ev.Details); err != nil {
				return err
			}
			if appNamePtr != nil {
				ev.AppName = *appNamePtr
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

// AddScalingEvent records one Autoscaler decision.
func (s *Store) AddScalingEvent(ctx context.Context, entry orchestry.ScalingHistoryEntry) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO scaling_history (app_name, from_replicas, to_replicas, trigger_reason, metrics_snapshot, timestamp)
			VALUES ($1, $2, $3, $4, $5, now())`,
			entry.AppName, entry.FromReplicas, entry.ToReplicas, entry.TriggerReason, entry.MetricsSnapshot)
		return err
	})
}

// GetScalingHistory returns the most recent scaling decisions for an app.
func (s *Store) GetScalingHistory(ctx context.Context, appName string, limit int) ([]orchestry.ScalingHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []orchestry.ScalingHistoryEntry
	err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		out = nil
		rows, err := pool.Query(ctx, `
			SELECT id, app_name, from_replicas, to_replicas, trigger_reason, metrics_snapshot, timestamp
			FROM scaling_history WHERE app_name = $1 ORDER BY timestamp DESC LIMIT $2`, appName, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e orchestry.ScalingHistoryEntry
			if err := rows.Scan(&e.ID, &e.AppName, &e.FromReplicas, &e.ToReplicas, &e.TriggerReason, &e.MetricsSnapshot, &e.Timestamp); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// --- leader lease ---------------------------------------------------------

// AcquireOrRenewLease performs the fenced compare-and-swap spec section 4.2
// requires: a candidate may take the lease if no row exists, the row is
// expired, or it already holds it; the term always advances on a new
// acquisition and holds steady on renewal.
func (s *Store) AcquireOrRenewLease(ctx context.Context, nodeID, hostname, apiURL string, ttl time.Duration) (orchestry.LeaderLease, bool, error) {
	var lease orchestry.LeaderLease
	var acquired bool
	err := s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		now := time.Now()
		var cur orchestry.LeaderLease
		row := tx.QueryRow(ctx, `SELECT leader_id, term, acquired_at, expires_at, renewed_at, hostname, api_url FROM leader_lease WHERE id = 1 FOR UPDATE`)
		err = row.Scan(&cur.LeaderID, &cur.Term, &cur.AcquiredAt, &cur.ExpiresAt, &cur.RenewedAt, &cur.Hostname, &cur.APIURL)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			lease = orchestry.LeaderLease{LeaderID: nodeID, Term: 1, AcquiredAt: now, ExpiresAt: now.Add(ttl), RenewedAt: now, Hostname: hostname, APIURL: apiURL}
			acquired = true
			if _, err := tx.Exec(ctx, `
				INSERT INTO leader_lease (id, leader_id, term, acquired_at, expires_at, renewed_at, hostname, api_url)
				VALUES (1, $1, $2, $3, $4, $5, $6, $7)`,
				lease.LeaderID, lease.Term, lease.AcquiredAt, lease.ExpiresAt, lease.RenewedAt, lease.Hostname, lease.APIURL); err != nil {
				return err
			}
		case err != nil:
			return err
		case cur.LeaderID == nodeID:
			lease = cur
			lease.RenewedAt = now
			lease.ExpiresAt = now.Add(ttl)
			acquired = true
			if _, err := tx.Exec(ctx, `UPDATE leader_lease SET renewed_at = $2, expires_at = $3 WHERE id = 1 AND leader_id = $1`, nodeID, lease.RenewedAt, lease.ExpiresAt); err != nil {
				return err
			}
		case !cur.Valid(now):
			lease = orchestry.LeaderLease{LeaderID: nodeID, Term: cur.Term + 1, AcquiredAt: now, ExpiresAt: now.Add(ttl), RenewedAt: now, Hostname: hostname, APIURL: apiURL}
			acquired = true
			if _, err := tx.Exec(ctx, `
				UPDATE leader_lease SET leader_id = $1, term = $2, acquired_at = $3, expires_at = $4, renewed_at = $5, hostname = $6, api_url = $7
				WHERE id = 1`, lease.LeaderID, lease.Term, lease.AcquiredAt, lease.ExpiresAt, lease.RenewedAt, lease.Hostname, lease.APIURL); err != nil {
				return err
			}
		default:
			lease = cur
			acquired = false
		}
		return tx.Commit(ctx)
	})
	return lease, acquired, err
}

// ReleaseLease clears the lease if currently held by nodeID, letting a
// gracefully-stopping leader yield immediately instead of waiting out the TTL.
func (s *Store) ReleaseLease(ctx context.Context, nodeID string) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE leader_lease SET expires_at = now() - interval '1 second'
			WHERE id = 1 AND leader_id = $1`, nodeID)
		return err
	})
}

// GetLease returns the current lease row. ok is false if no lease has ever
// been acquired.
func (s *Store) GetLease(ctx context.Context) (lease orchestry.LeaderLease, ok bool, err error) {
	err = s.withRead(ctx, func(pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `SELECT leader_id, term, acquired_at, expires_at, renewed_at, hostname, api_url FROM leader_lease WHERE id = 1`)
		return row.Scan(&lease.LeaderID, &lease.Term, &lease.AcquiredAt, &lease.ExpiresAt, &lease.RenewedAt, &lease.Hostname, &lease.APIURL)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestry.LeaderLease{}, false, nil
	}
	if err != nil {
		return lease, false, err
	}
	return lease, true, nil
}

// --- cluster membership ----------------------------------------------------

// UpsertClusterNode records a peer's heartbeat and current coordinator state.
func (s *Store) UpsertClusterNode(ctx context.Context, node orchestry.ClusterNode) error {
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO cluster_nodes (node_id, hostname, port, api_url, state, term, last_heartbeat, is_healthy)
			VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
			ON CONFLICT (node_id) DO UPDATE SET
				hostname = EXCLUDED.hostname, port = EXCLUDED.port, api_url = EXCLUDED.api_url,
				state = EXCLUDED.state, term = EXCLUDED.term, last_heartbeat = now(), is_healthy = EXCLUDED.is_healthy`,
			node.NodeID, node.Hostname, node.Port, node.APIURL, string(node.State), node.Term, node.IsHealthy)
		return err
	})
}

// ListFreshClusterNodes returns peers whose heartbeat is within maxAge.
func (s *Store) ListFreshClusterNodes(ctx context.Context, maxAge time.Duration) ([]orchestry.ClusterNode, error) {
	var out []orchestry.ClusterNode
	err := s.withRead(ctx, func(pool *pgxpool.Pool) error {
		out = nil
		rows, err := pool.Query(ctx, `
			SELECT node_id, hostname, port, api_url, state, term, last_heartbeat, is_healthy
			FROM cluster_nodes WHERE last_heartbeat >= now() - $1::interval ORDER BY node_id`,
			fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n orchestry.ClusterNode
			var state string
			if err := rows.Scan(&n.NodeID, &n.Hostname, &n.Port, &n.APIURL, &state, &n.Term, &n.LastHeartbeat, &n.IsHealthy); err != nil {
				return err
			}
			n.State = orchestry.ClusterNodeState(state)
			out = append(out, n)
		}
		return rows.Err()
	})
	return out, err
}

// PurgeStaleNodes deletes peers whose heartbeat is older than maxAge,
// returning how many rows were removed.
func (s *Store) PurgeStaleNodes(ctx context.Context, maxAge time.Duration) (int64, error) {
	var n int64
	err := s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `
			DELETE FROM cluster_nodes WHERE last_heartbeat < now() - $1::interval`,
			fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// AppendClusterEvent logs a coordinator state transition for diagnostics.
func (s *Store) AppendClusterEvent(ctx context.Context, nodeID, eventType string, data any, term int64) error {
	dataBytes, err := marshalJSON(data)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "marshaling cluster event data", err)
	}
	return s.withWrite(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO cluster_events (node_id, event_type, event_data, term, timestamp)
			VALUES ($1, $2, $3, $4, now())`, nodeID, eventType, dataBytes, term)
		return err
	})
}
