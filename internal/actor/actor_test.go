package actor

import (
	"context"
	"testing"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/circuitbreaker"
	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/fanout"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/subscription"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	store := storage.NewMemoryStore()
	ts := trust.NewStore(store)
	client := peerproxy.New(peerproxy.DefaultTimeouts())
	caps := capabilities.New(client, ts, store)
	cb, err := circuitbreaker.NewManager(context.Background(), "actor1", store, 5, time.Minute, true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := fanout.DefaultConfig()
	cfg.PublicBaseURL = "https://actor1.example.com"
	fm := fanout.NewManager(cfg, client, caps, cb)
	subs := subscription.NewEngine("actor1", cfg.PublicBaseURL, store, ts, caps, fm)
	return New(Config{ID: "actor1", PublicBaseURL: cfg.PublicBaseURL, Store: store, Trust: ts, Subs: subs, Breaker: cb})
}

func TestDissolveTrustCascadesSubscriptions(t *testing.T) {
	ctx := context.Background()
	a := newTestActor(t)

	if err := a.Trust.Put(ctx, &trust.Relationship{ActorID: "actor1", PeerID: "peer1", BaseURI: "http://x", Secret: "s"}); err != nil {
		t.Fatalf("Put trust: %v", err)
	}
	rec, err := a.Subs.Subscribe(ctx, "peer1", "properties", "", "http://x/cb", envelope.GranularityHigh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := a.DissolveTrust(ctx, "peer1"); err != nil {
		t.Fatalf("DissolveTrust: %v", err)
	}

	_, ok, _ := a.Trust.Get(ctx, "actor1", "peer1")
	if ok {
		t.Fatal("expected trust removed")
	}
	_, ok, _ = a.Subs.Get(ctx, "peer1", rec.SubscriptionID)
	if ok {
		t.Fatal("expected subscription cascaded away")
	}
}

func TestDestroyRemovesAllOwnedState(t *testing.T) {
	ctx := context.Background()
	a := newTestActor(t)

	a.Trust.Put(ctx, &trust.Relationship{ActorID: "actor1", PeerID: "peer1", BaseURI: "http://x", Secret: "s"})
	a.Subs.Subscribe(ctx, "peer1", "properties", "", "http://x/cb", envelope.GranularityHigh)
	a.Breaker.Get(ctx, "peer1").RecordFailure(ctx, time.Now())

	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	rels, err := a.Trust.List(ctx, "actor1")
	if err != nil || len(rels) != 0 {
		t.Fatalf("expected no trust relationships left, got %v err=%v", rels, err)
	}
}

func TestTouchTrustUpdatesLastAccessed(t *testing.T) {
	ctx := context.Background()
	a := newTestActor(t)
	a.Trust.Put(ctx, &trust.Relationship{ActorID: "actor1", PeerID: "peer1", BaseURI: "http://x", Secret: "s"})

	a.TouchTrust(ctx, "peer1")

	rel, ok, err := a.Trust.Get(ctx, "actor1", "peer1")
	if err != nil || !ok {
		t.Fatalf("Get: err=%v ok=%v", err, ok)
	}
	if rel.LastAccessed.IsZero() {
		t.Fatal("expected LastAccessed to be set")
	}
}
