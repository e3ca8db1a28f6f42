// Package actor models the top-level lifecycle object that owns
// properties, trust relationships, subscriptions, and circuit-breaker
// state (spec §3 "Actor"). It wires the cascade-delete callback that
// trust.Store.Dissolve needs without trust importing subscription
// directly, and exposes the property-store mutation hook that every
// subscription publish flows through. Mirrors the teacher's top-level
// store.Store as the thing cmd/meshnode constructs once per process and
// hands to internal/httpapi.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/circuitbreaker"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/subscription"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

// PropertyChange describes one mutation to an actor's property store
// (spec §3: "a local change in the publisher's property store triggers
// C6"). The hook surface itself — how properties are actually stored —
// is an external collaborator out of scope (spec §1); Actor only
// forwards the notification into the subscription engine.
type PropertyChange struct {
	Target    string
	Subtarget string
	Value     any
}

// Actor is one mesh participant: an ID plus the collaborators scoped to
// it. Created once per (actorID, storage backend) pair; Destroy cascades
// to every piece of state the actor owns.
type Actor struct {
	ID            string
	PublicBaseURL string
	Trust         *trust.Store
	Subs          *subscription.Engine
	Breaker       *circuitbreaker.Manager
	store         storage.Store
}

// Config bundles the already-constructed collaborators an Actor needs.
// Callers (cmd/meshnode) build these once per actor and pass them in;
// Actor itself does no wiring of peerproxy/capabilities/fanout — that
// happens one level up, where the shared HTTP client and capability
// cache are process-wide.
type Config struct {
	ID            string
	PublicBaseURL string
	Store         storage.Store
	Trust         *trust.Store
	Subs          *subscription.Engine
	Breaker       *circuitbreaker.Manager
}

// New builds an Actor from a Config.
func New(cfg Config) *Actor {
	return &Actor{
		ID: cfg.ID, PublicBaseURL: cfg.PublicBaseURL,
		Trust: cfg.Trust, Subs: cfg.Subs, Breaker: cfg.Breaker, store: cfg.Store,
	}
}

// Publish forwards a property-store mutation into the subscription
// engine (spec §2 "Data flows").
func (a *Actor) Publish(ctx context.Context, change PropertyChange) error {
	_, err := a.Subs.Publish(ctx, change.Target, change.Subtarget, change.Value)
	return err
}

// DissolveTrust removes the bilateral trust toward peerID, cascading to
// every subscription and diff between this actor and that peer (spec
// §4.6 "Trust deletion cascades"). This is the call site that supplies
// trust.Store.Dissolve's cascade callback.
func (a *Actor) DissolveTrust(ctx context.Context, peerID string) error {
	return a.Trust.Dissolve(ctx, a.ID, peerID, a.Subs.CascadeDissolve)
}

// Destroy tears down every piece of state this actor owns (spec §3
// "Lifecycle: created once; destroyed cascades to all owned state"):
// every trust relationship (which itself cascades subscriptions/diffs),
// and the circuit-breaker bucket that the owning fan-out manager keeps.
func (a *Actor) Destroy(ctx context.Context) error {
	rels, err := a.Trust.List(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list trust relationships: %w", err)
	}
	for _, rel := range rels {
		if err := a.DissolveTrust(ctx, rel.PeerID); err != nil {
			return fmt.Errorf("dissolve trust with %s: %w", rel.PeerID, err)
		}
	}
	if err := a.store.DeleteBucket(ctx, a.ID, storage.BucketCircuitBreaker); err != nil {
		return fmt.Errorf("delete circuit breaker state: %w", err)
	}
	if err := a.store.DeleteBucket(ctx, a.ID, storage.BucketSubSequencing); err != nil {
		return fmt.Errorf("delete subscriber sequencing state: %w", err)
	}
	return nil
}

// TouchTrust sets the trust record's LastAccessed timestamp to now,
// best-effort, mirroring the Python source's bookkeeping field that the
// distilled spec carries but doesn't expand on. Nothing in this module
// calls it on peer calls; the timestamp changes only when it is called.
func (a *Actor) TouchTrust(ctx context.Context, peerID string) {
	rel, ok, err := a.Trust.Get(ctx, a.ID, peerID)
	if err != nil || !ok {
		return
	}
	rel.LastAccessed = time.Now().UTC()
	_ = a.Trust.Put(ctx, rel)
}
