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

package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orchestry/orchestry/internal/orchestry"
)

// fakeStore is an in-memory Store that fences lease acquisition exactly like
// the real AcquireOrRenewLease transaction: only one node may hold a live
// lease at a time, and a stale lease (expired, or empty) is up for grabs.
type fakeStore struct {
	mu    sync.Mutex
	lease orchestry.LeaderLease
	now   time.Time
}

func (f *fakeStore) AcquireOrRenewLease(ctx context.Context, nodeID, hostname, apiURL string, ttl time.Duration) (orchestry.LeaderLease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	if f.lease.Valid(now) && f.lease.LeaderID != nodeID {
		return f.lease, false, nil
	}

	term := f.lease.Term
	if f.lease.LeaderID != nodeID {
		term++
	}
	f.lease = orchestry.LeaderLease{
		LeaderID:   nodeID,
		Term:       term,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		RenewedAt:  now,
		Hostname:   hostname,
		APIURL:     apiURL,
	}
	return f.lease, true, nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease.LeaderID == nodeID {
		f.lease = orchestry.LeaderLease{}
	}
	return nil
}

func (f *fakeStore) GetLease(ctx context.Context) (orchestry.LeaderLease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lease, f.lease.LeaderID != "", nil
}

func (f *fakeStore) UpsertClusterNode(ctx context.Context, node orchestry.ClusterNode) error {
	return nil
}

func (f *fakeStore) ListFreshClusterNodes(ctx context.Context, maxAge time.Duration) ([]orchestry.ClusterNode, error) {
	return nil, nil
}

func (f *fakeStore) PurgeStaleNodes(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) AppendClusterEvent(ctx context.Context, nodeID, eventType string, data any, term int64) error {
	return nil
}

// expireLease forces the current lease to look expired to the next caller,
// simulating the incumbent leader crashing without releasing it.
func (f *fakeStore) expireLease() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lease.ExpiresAt = f.clock().Add(-time.Second)
}

func (f *fakeStore) clock() time.Time {
	if f.now.IsZero() {
		return time.Now()
	}
	return f.now
}

// TestAcquireOrRenewLeaseFencesConcurrentNodes verifies property 1: at most
// one node can ever hold a live lease at once, and a second node's attempt
// while it is held is rejected rather than silently overwriting it.
func TestAcquireOrRenewLeaseFencesConcurrentNodes(t *testing.T) {
	store := &fakeStore{}
	ttl := 30 * time.Second

	leaseA, acquiredA, err := store.AcquireOrRenewLease(context.Background(), "node-a", "host-a", "http://a", ttl)
	if err != nil || !acquiredA {
		t.Fatalf("node-a expected to acquire the lease, got acquired=%v err=%v", acquiredA, err)
	}

	_, acquiredB, err := store.AcquireOrRenewLease(context.Background(), "node-b", "host-b", "http://b", ttl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquiredB {
		t.Fatalf("node-b must not acquire a lease still held by node-a")
	}

	leaseA2, acquiredA2, err := store.AcquireOrRenewLease(context.Background(), "node-a", "host-a", "http://a", ttl)
	if err != nil || !acquiredA2 {
		t.Fatalf("node-a expected to renew its own lease, got acquired=%v err=%v", acquiredA2, err)
	}
	if leaseA2.Term != leaseA.Term {
		t.Errorf("renewal must not bump the term: got %d, want %d", leaseA2.Term, leaseA.Term)
	}
}

// TestAcquireOrRenewLeaseTakeoverAfterExpiry verifies scenario S4: when the
// incumbent leader disappears without releasing the lease, a follower that
// observes it expired takes over with a strictly greater term.
func TestAcquireOrRenewLeaseTakeoverAfterExpiry(t *testing.T) {
	store := &fakeStore{}
	ttl := 30 * time.Second

	leaseA, acquired, err := store.AcquireOrRenewLease(context.Background(), "node-a", "host-a", "http://a", ttl)
	if err != nil || !acquired {
		t.Fatalf("node-a expected to acquire the lease")
	}
	store.expireLease()

	leaseB, acquired, err := store.AcquireOrRenewLease(context.Background(), "node-b", "host-b", "http://b", ttl)
	if err != nil || !acquired {
		t.Fatalf("node-b expected to take over the expired lease, got acquired=%v err=%v", acquired, err)
	}
	if leaseB.LeaderID != "node-b" {
		t.Errorf("leader id = %q, want node-b", leaseB.LeaderID)
	}
	if leaseB.Term <= leaseA.Term {
		t.Errorf("takeover term %d must exceed prior term %d", leaseB.Term, leaseA.Term)
	}
}

// TestCoordinatorRunBecomesLeaderAndReportsIt drives a single Coordinator
// through Run and confirms it reaches NodeLeader and IsLeader() reflects it,
// without a second node in the picture to contend with.
func TestCoordinatorRunBecomesLeaderAndReportsIt(t *testing.T) {
	store := &fakeStore{}
	c := New(nil, store, Options{
		NodeID:         "node-a",
		Hostname:       "host-a",
		APIURL:         "http://a",
		LeaseTTL:       200 * time.Millisecond,
		HeartbeatEvery: 20 * time.Millisecond,
		ElectionEvery:  10 * time.Millisecond,
		StaleNodeAfter: time.Second,
	})

	var becameLeader sync.WaitGroup
	becameLeader.Add(1)
	var once sync.Once
	c.OnChange(func(state orchestry.ClusterNodeState, term int64) {
		if state == orchestry.NodeLeader {
			once.Do(becameLeader.Done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	waitOrTimeout(t, &becameLeader, time.Second)
	if !c.IsLeader() {
		t.Fatalf("expected IsLeader() to be true after becoming leader")
	}

	cancel()
	<-done
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for condition")
	}
}
