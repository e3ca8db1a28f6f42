package trust

import (
	"context"
	"testing"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/storage"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	ctx := context.Background()

	r := &Relationship{ActorID: "a1", PeerID: "p1", BaseURI: "https://peer", Secret: "s3cr3t"}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "a1", "p1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.BaseURI != r.BaseURI || got.Secret != r.Secret {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Usable() {
		t.Fatal("expected usable trust")
	}
}

func TestUsableRequiresBaseURIAndSecret(t *testing.T) {
	cases := []struct {
		r    *Relationship
		want bool
	}{
		{&Relationship{BaseURI: "x", Secret: "y"}, true},
		{&Relationship{BaseURI: "x"}, false},
		{&Relationship{Secret: "y"}, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := c.r.Usable(); got != c.want {
			t.Fatalf("Usable(%+v) = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestApprove(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	ctx := context.Background()
	_ = s.Put(ctx, &Relationship{ActorID: "a1", PeerID: "p1", BaseURI: "x", Secret: "y"})

	got, err := s.Approve(ctx, "a1", "p1", true)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !got.Approved {
		t.Fatal("expected approved=true")
	}
}

func TestDissolveCascades(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	ctx := context.Background()
	_ = s.Put(ctx, &Relationship{ActorID: "a1", PeerID: "p1", BaseURI: "x", Secret: "y"})

	cascaded := false
	err := s.Dissolve(ctx, "a1", "p1", func(ctx context.Context, actorID, peerID string) error {
		cascaded = true
		return nil
	})
	if err != nil {
		t.Fatalf("Dissolve: %v", err)
	}
	if !cascaded {
		t.Fatal("expected cascade callback invoked")
	}

	if _, ok, _ := s.Get(ctx, "a1", "p1"); ok {
		t.Fatal("expected trust record removed")
	}
}

func TestUpdateCapabilities(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	ctx := context.Background()
	_ = s.Put(ctx, &Relationship{ActorID: "a1", PeerID: "p1", BaseURI: "x", Secret: "y"})

	now := time.Now().UTC()
	if err := s.UpdateCapabilities(ctx, "a1", "p1", "subscriptionresync,subscriptionbatch", "2.1", now); err != nil {
		t.Fatalf("UpdateCapabilities: %v", err)
	}

	got, _, _ := s.Get(ctx, "a1", "p1")
	if got.AWSupported != "subscriptionresync,subscriptionbatch" || got.AWVersion != "2.1" {
		t.Fatalf("capabilities not persisted: %+v", got)
	}
}
