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

// Package cluster implements the Cluster Coordinator (spec component C2):
// fenced leader election over the State Store's leader_lease row, plus
// heartbeat and membership bookkeeping in cluster_nodes.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/orchestry/orchestry/internal/orchestry"
)

// Store is the subset of internal/store.Store the Coordinator needs.
type Store interface {
	AcquireOrRenewLease(ctx context.Context, nodeID, hostname, apiURL string, ttl time.Duration) (orchestry.LeaderLease, bool, error)
	ReleaseLease(ctx context.Context, nodeID string) error
	GetLease(ctx context.Context) (orchestry.LeaderLease, bool, error)
	UpsertClusterNode(ctx context.Context, node orchestry.ClusterNode) error
	ListFreshClusterNodes(ctx context.Context, maxAge time.Duration) ([]orchestry.ClusterNode, error)
	PurgeStaleNodes(ctx context.Context, maxAge time.Duration) (int64, error)
	AppendClusterEvent(ctx context.Context, nodeID, eventType string, data any, term int64) error
}

// Options tunes the Coordinator's timing.
type Options struct {
	NodeID         string
	Hostname       string
	APIURL         string
	LeaseTTL       time.Duration
	HeartbeatEvery time.Duration
	ElectionEvery  time.Duration
	StaleNodeAfter time.Duration
}

func (o *Options) setDefaults() {
	if o.LeaseTTL == 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.HeartbeatEvery == 0 {
		o.HeartbeatEvery = 10 * time.Second
	}
	if o.ElectionEvery == 0 {
		o.ElectionEvery = 5 * time.Second
	}
	if o.StaleNodeAfter == 0 {
		o.StaleNodeAfter = 300 * time.Second
	}
}

// Coordinator runs the node's membership heartbeat and lease election loop.
// Its state machine follows pkg/lease's stateFn shape: each state function
// performs one step and returns the next state (or nil to stop), rather than
// looping internally. A cancellation seen between steps by Run's top-level
// select, or mid-wait by waitThen (which ends the chain with nil), makes Run
// release the lease and mark the node stopped before returning ctx.Err().
type Coordinator struct {
	logger log.Logger
	store  Store
	opts   Options

	mu          sync.Mutex
	state       orchestry.ClusterNodeState
	term        int64
	changeHooks []func(state orchestry.ClusterNodeState, term int64)
}

// New constructs a Coordinator. logger defaults to a no-op logger if nil.
func New(logger log.Logger, store Store, opts Options) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.setDefaults()
	return &Coordinator{
		logger: logger,
		store:  store,
		opts:   opts,
		state:  orchestry.NodeFollower,
	}
}

// OnChange registers a hook invoked after every state update, including
// each successful lease renewal that leaves the state unchanged, so hooks
// must tolerate repeated calls with the same state. Hooks must not block.
func (c *Coordinator) OnChange(h func(state orchestry.ClusterNodeState, term int64)) {
	c.mu.Lock()
	c.changeHooks = append(c.changeHooks, h)
	c.mu.Unlock()
}

// State returns the Coordinator's current state and term.
func (c *Coordinator) State() (orchestry.ClusterNodeState, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.term
}

// IsLeader reports whether this node currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	s, _ := c.State()
	return s == orchestry.NodeLeader
}

func (c *Coordinator) setState(state orchestry.ClusterNodeState, term int64) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.term = term
	hooks := append([]func(orchestry.ClusterNodeState, int64){}, c.changeHooks...)
	c.mu.Unlock()

	if changed {
		level.Info(c.logger).Log("msg", "cluster node state changed", "state", state, "term", term)
		_ = c.store.AppendClusterEvent(context.Background(), c.opts.NodeID, "state_change", map[string]any{"state": state}, term)
	}
	for _, h := range hooks {
		h(state, term)
	}
}

type stateFn func(context.Context) stateFn

// Run drives the election state machine and the heartbeat loop until ctx is
// canceled. Call it from a single goroutine, typically inside an
// oklog/run.Group actor.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.heartbeatLoop(ctx)
	go c.staleNodeSweepLoop(ctx)

	for state := c.stateFollow(); state != nil; state = state(ctx) {
		select {
		case <-ctx.Done():
			c.stop()
			return ctx.Err()
		default:
		}
	}
	if ctx.Err() != nil {
		c.stop()
		return ctx.Err()
	}
	return nil
}

func (c *Coordinator) stop() {
	_ = c.store.ReleaseLease(context.Background(), c.opts.NodeID)
	c.setState(orchestry.NodeStopped, c.term)
}

func (c *Coordinator) stateFollow() stateFn {
	return func(ctx context.Context) stateFn {
		c.setState(orchestry.NodeFollower, c.term)

		lease, acquired, err := c.store.AcquireOrRenewLease(ctx, c.opts.NodeID, c.opts.Hostname, c.opts.APIURL, c.opts.LeaseTTL)
		if err != nil {
			level.Warn(c.logger).Log("msg", "lease check failed, retrying", "err", err)
			return c.waitThen(c.opts.ElectionEvery, c.stateFollow())
		}
		if acquired {
			return c.stateLead(lease.Term)
		}
		return c.waitThen(c.opts.ElectionEvery, c.stateFollow())
	}
}

func (c *Coordinator) stateLead(term int64) stateFn {
	return func(ctx context.Context) stateFn {
		lease, acquired, err := c.store.AcquireOrRenewLease(ctx, c.opts.NodeID, c.opts.Hostname, c.opts.APIURL, c.opts.LeaseTTL)
		if err != nil {
			level.Warn(c.logger).Log("msg", "lease renewal failed, assuming lost", "err", err)
			return c.waitThen(c.opts.ElectionEvery, c.stateFollow())
		}
		if !acquired || lease.LeaderID != c.opts.NodeID {
			return c.waitThen(c.opts.ElectionEvery, c.stateFollow())
		}
		c.setState(orchestry.NodeLeader, lease.Term)
		return c.waitThen(c.opts.HeartbeatEvery/2, c.stateLead(lease.Term))
	}
}

func (c *Coordinator) waitThen(d time.Duration, next stateFn) stateFn {
	return func(ctx context.Context) stateFn {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
			return next(ctx)
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, term := c.State()
			node := orchestry.ClusterNode{
				NodeID:    c.opts.NodeID,
				Hostname:  c.opts.Hostname,
				APIURL:    c.opts.APIURL,
				State:     state,
				Term:      term,
				IsHealthy: true,
			}
			if err := c.store.UpsertClusterNode(ctx, node); err != nil {
				level.Warn(c.logger).Log("msg", "heartbeat upsert failed", "err", err)
			}
		}
	}
}

func (c *Coordinator) staleNodeSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StaleNodeAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsLeader() {
				continue
			}
			n, err := c.store.PurgeStaleNodes(ctx, c.opts.StaleNodeAfter)
			if err != nil {
				level.Warn(c.logger).Log("msg", "stale node purge failed", "err", err)
				continue
			}
			if n > 0 {
				level.Info(c.logger).Log("msg", "purged stale cluster nodes", "count", n)
			}
		}
	}
}

// Peers returns the currently fresh cluster membership, used by the admin
// API's cluster status endpoint.
func (c *Coordinator) Peers(ctx context.Context) ([]orchestry.ClusterNode, error) {
	return c.store.ListFreshClusterNodes(ctx, c.opts.StaleNodeAfter)
}

// CurrentLeaderURL returns the API URL of whichever node currently holds a
// live lease, for the X-Current-Leader header the admin API sets on a 503
// from a follower. Returns "" if no lease is currently held.
func (c *Coordinator) CurrentLeaderURL(ctx context.Context) (string, error) {
	lease, ok, err := c.store.GetLease(ctx)
	if err != nil {
		return "", err
	}
	if !ok || !lease.Valid(time.Now()) {
		return "", nil
	}
	return lease.APIURL, nil
}
