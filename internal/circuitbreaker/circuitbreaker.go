// Package circuitbreaker implements the per-peer 3-state failure
// tracker from spec §4.3, persisted through the storage.Store
// interface. No circuit-breaker library ships in any full example repo
// in the pack (only a doc-only httpclient fragment describes one — see
// DESIGN.md), so the state machine itself is hand-built on the standard
// library, grounded on the teacher's own exponential-backoff retry
// idiom in internal/cluster/replicator.go (sendReplicateRequest) for
// the surrounding failure-accounting style.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/metrics"
	"github.com/mesh-actingweb/actorcore/internal/storage"
)

// State is one of the three breaker states from spec §4.3.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Record is the persisted shape of one peer's breaker (spec §3).
type Record struct {
	PeerID          string    `json:"peer_id"`
	StateValue      State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`

	// Threshold/cooldown are NOT trusted from the persisted record on
	// load — spec §9 "Persistence-through-config coupling": the owning
	// manager's current config always overrides whatever was stored, so
	// operators can retune policy without migrating state.
	threshold int
	cooldown  time.Duration
}

// Breaker is one peer's in-memory, storage-backed circuit breaker.
// Mutations are serialized by mu; persistence happens synchronously
// after every state-changing event per spec §4.3, but a persistence
// failure is logged and swallowed — it must never fail the delivery
// attempt that triggered it (spec §7).
type Breaker struct {
	mu      sync.Mutex
	rec     Record
	actorID string
	store   storage.Store
}

// newBreaker builds a fresh closed breaker for peerID, using the
// manager's current threshold/cooldown.
func newBreaker(actorID, peerID string, threshold int, cooldown time.Duration, store storage.Store) *Breaker {
	return &Breaker{
		actorID: actorID,
		store:   store,
		rec: Record{
			PeerID:     peerID,
			StateValue: Closed,
			threshold:  threshold,
			cooldown:   cooldown,
		},
	}
}

// Allow reports whether a delivery attempt to this peer may proceed
// right now, per the state table in spec §4.3. Calling Allow when the
// breaker is open and the cooldown has elapsed transitions it to
// half_open, persists that state, and returns true. While the breaker
// is half_open every call returns true: the number of concurrent probes
// is not limited to one.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.rec.StateValue {
	case Closed, HalfOpen:
		return true
	case Open:
		if now.Sub(b.rec.LastFailureTime) >= b.rec.cooldown {
			b.rec.StateValue = HalfOpen
			b.persist(context.Background(), b.rec)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess applies the "any state -> closed, count=0" rule (spec
// §4.3's deliberate reset-on-success), persists, and logs persistence
// failures without propagating them.
func (b *Breaker) RecordSuccess(ctx context.Context, now time.Time) {
	b.mu.Lock()
	b.rec.StateValue = Closed
	b.rec.FailureCount = 0
	b.rec.LastSuccessTime = now
	snapshot := b.rec
	b.mu.Unlock()

	b.persist(ctx, snapshot)
}

// RecordFailure applies the failure-path transitions from spec §4.3's
// state table.
func (b *Breaker) RecordFailure(ctx context.Context, now time.Time) {
	b.mu.Lock()
	switch b.rec.StateValue {
	case HalfOpen:
		b.rec.StateValue = Open
		b.rec.LastFailureTime = now
	case Closed:
		b.rec.FailureCount++
		if b.rec.FailureCount >= b.rec.threshold {
			b.rec.StateValue = Open
			b.rec.LastFailureTime = now
		}
	case Open:
		b.rec.LastFailureTime = now
	}
	snapshot := b.rec
	b.mu.Unlock()

	b.persist(ctx, snapshot)
}

// Snapshot returns a copy of the breaker's current record.
func (b *Breaker) Snapshot() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

func (b *Breaker) persist(ctx context.Context, rec Record) {
	metrics.ObserveBreakerState(b.actorID, rec.PeerID, string(rec.StateValue))

	data, err := json.Marshal(toWire(rec))
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("circuit breaker: encode failed")
		return
	}
	if err := b.store.SetAttr(ctx, b.actorID, storage.BucketCircuitBreaker, "cb:"+rec.PeerID, data); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("circuit breaker: persist failed")
	}
}

// wireRecord is Record's JSON-serializable shape (threshold/cooldown
// excluded — spec §9 says they're never trusted from disk).
type wireRecord struct {
	PeerID          string    `json:"peer_id"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		PeerID:          r.PeerID,
		State:           r.StateValue,
		FailureCount:    r.FailureCount,
		LastFailureTime: r.LastFailureTime,
		LastSuccessTime: r.LastSuccessTime,
	}
}

// Manager owns every breaker for one actor (spec §4.3/§5: "the fan-out
// manager owns it; external callers observe via get_status()/reset()
// only").
type Manager struct {
	mu        sync.Mutex
	actorID   string
	store     storage.Store
	threshold int
	cooldown  time.Duration
	breakers  map[string]*Breaker
	persist   bool
}

// NewManager bulk-loads every persisted breaker record for actorID from
// store (spec §4.3 "on construction, the fan-out manager bulk-loads all
// existing records for its actor ... and indexes them in memory").
func NewManager(ctx context.Context, actorID string, store storage.Store, threshold int, cooldown time.Duration, persist bool) (*Manager, error) {
	m := &Manager{
		actorID:   actorID,
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
		persist:   persist,
	}

	if !persist {
		return m, nil
	}

	bucket, err := store.GetBucket(ctx, actorID, storage.BucketCircuitBreaker)
	if err != nil {
		return nil, fmt.Errorf("bulk load circuit breakers: %w", err)
	}
	for name, attr := range bucket {
		peerID, ok := peerIDFromKey(name)
		if !ok {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(attr.Data, &wr); err != nil {
			continue
		}
		b := newBreaker(actorID, peerID, threshold, cooldown, store)
		b.rec.StateValue = wr.State
		b.rec.FailureCount = wr.FailureCount
		b.rec.LastFailureTime = wr.LastFailureTime
		b.rec.LastSuccessTime = wr.LastSuccessTime
		m.breakers[peerID] = b
	}
	return m, nil
}

func peerIDFromKey(key string) (string, bool) {
	const prefix = "cb:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

// Get returns the breaker for peerID, creating (and, on a persisting
// manager, attempting a single-record load for) one on first use (spec
// §4.3).
func (m *Manager) Get(ctx context.Context, peerID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[peerID]; ok {
		return b
	}

	b := newBreaker(m.actorID, peerID, m.threshold, m.cooldown, m.store)
	if m.persist {
		if attr, ok, err := m.store.GetAttr(ctx, m.actorID, storage.BucketCircuitBreaker, "cb:"+peerID); err == nil && ok {
			var wr wireRecord
			if err := json.Unmarshal(attr.Data, &wr); err == nil {
				b.rec.StateValue = wr.State
				b.rec.FailureCount = wr.FailureCount
				b.rec.LastFailureTime = wr.LastFailureTime
				b.rec.LastSuccessTime = wr.LastSuccessTime
			}
		}
	}
	m.breakers[peerID] = b
	return b
}

// Reset discards history for peerID and persists a fresh closed
// breaker (spec §4.3 "manual reset").
func (m *Manager) Reset(ctx context.Context, peerID string) *Breaker {
	m.mu.Lock()
	b := newBreaker(m.actorID, peerID, m.threshold, m.cooldown, m.store)
	m.breakers[peerID] = b
	m.mu.Unlock()

	if m.persist {
		b.persist(ctx, b.Snapshot())
	}
	return b
}

// Status returns a snapshot of every breaker this manager has seen.
func (m *Manager) Status() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.breakers))
	for peerID, b := range m.breakers {
		out[peerID] = b.Snapshot()
	}
	return out
}
