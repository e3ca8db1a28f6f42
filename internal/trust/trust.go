// Package trust models the bilateral trust relationship (spec §3) that
// every peer call, subscription, and capability fetch is scoped to. It
// is the Go analogue of ppriyankuu-godkv's cluster.Membership —
// (actor_id, peer_id) replaces (nodeID, address) as the addressing key,
// and a trust record carries a shared secret instead of a bare network
// address.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/storage"
)

// Relationship is a Trust's (spec §3) persisted shape.
type Relationship struct {
	ActorID             string    `json:"actor_id"`
	PeerID              string    `json:"peer_id"`
	BaseURI             string    `json:"baseuri"`
	Secret              string    `json:"secret"`
	RelationshipTag     string    `json:"relationship"`
	Approved            bool      `json:"approved"`
	AWSupported         string    `json:"aw_supported"`
	AWVersion           string    `json:"aw_version"`
	CapabilitiesFetched time.Time `json:"capabilities_fetched_at"`
	EstablishedVia      string    `json:"established_via"`
	LastAccessed        time.Time `json:"last_accessed"`
}

// Usable reports whether a peer call may be placed using r — both a
// base URL and a secret must be present (spec §3 invariant). Approval
// is not part of this check, and no subscription operation checks
// Approved either.
func (r *Relationship) Usable() bool {
	return r != nil && r.BaseURI != "" && r.Secret != ""
}

// Store persists Relationships through the generic attribute bucket
// interface, keyed by peer ID within the owning actor's BucketTrust
// bucket.
type Store struct {
	backend storage.Store
}

// NewStore wraps backend as a trust Store.
func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Get loads the trust relationship (actorID, peerID), or (nil, false)
// if none exists.
func (s *Store) Get(ctx context.Context, actorID, peerID string) (*Relationship, bool, error) {
	a, ok, err := s.backend.GetAttr(ctx, actorID, storage.BucketTrust, peerID)
	if err != nil || !ok {
		return nil, ok, err
	}
	var r Relationship
	if err := json.Unmarshal(a.Data, &r); err != nil {
		return nil, false, fmt.Errorf("decode trust record: %w", err)
	}
	return &r, true, nil
}

// Put persists r, keyed by r.PeerID within r.ActorID's bucket.
func (s *Store) Put(ctx context.Context, r *Relationship) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode trust record: %w", err)
	}
	return s.backend.SetAttr(ctx, r.ActorID, storage.BucketTrust, r.PeerID, data)
}

// Approve flips the approved flag and persists the record.
func (s *Store) Approve(ctx context.Context, actorID, peerID string, approved bool) (*Relationship, error) {
	r, ok, err := s.Get(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no trust relationship for peer %s", peerID)
	}
	r.Approved = approved
	if err := s.Put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateCapabilities persists a fresh capability fetch (spec §4.4) onto
// the existing trust record.
func (s *Store) UpdateCapabilities(ctx context.Context, actorID, peerID, supported, version string, fetchedAt time.Time) error {
	r, ok, err := s.Get(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no trust relationship for peer %s", peerID)
	}
	r.AWSupported = supported
	r.AWVersion = version
	r.CapabilitiesFetched = fetchedAt
	return s.Put(ctx, r)
}

// Dissolve removes the trust record for (actorID, peerID) and cascades
// to all subscriptions and diffs belonging to that pair (spec §4.6
// "Trust deletion cascades"). cascade is supplied by the caller to avoid
// an import cycle back into subscription; the trust package only knows
// how to remove itself and invoke the supplied cleanup.
func (s *Store) Dissolve(ctx context.Context, actorID, peerID string, cascade func(ctx context.Context, actorID, peerID string) error) error {
	if cascade != nil {
		if err := cascade(ctx, actorID, peerID); err != nil {
			return fmt.Errorf("cascade cleanup: %w", err)
		}
	}
	return s.backend.DeleteAttr(ctx, actorID, storage.BucketTrust, peerID)
}

// List returns every trust relationship owned by actorID.
func (s *Store) List(ctx context.Context, actorID string) ([]*Relationship, error) {
	bucket, err := s.backend.GetBucket(ctx, actorID, storage.BucketTrust)
	if err != nil {
		return nil, err
	}
	out := make([]*Relationship, 0, len(bucket))
	for _, a := range bucket {
		var r Relationship
		if err := json.Unmarshal(a.Data, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}
