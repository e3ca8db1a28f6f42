// Package subscription implements the publisher-side sequencing engine
// from spec §4.6: per-subscription monotonic sequence counters, a diff
// log, suspend/resume, and the low-granularity acknowledgement
// protocol. Persistence shape follows godkv's bucketed record style
// (internal/store), generalized from the storage package's generic
// attribute interface rather than reimplemented here.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/fanout"
	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

// Record is one subscription's persisted state (spec §3/§6.2).
type Record struct {
	SubscriptionID string               `json:"subscription_id"`
	PeerID         string               `json:"peer_id"`
	Target         string               `json:"target"`
	Subtarget      string               `json:"subtarget,omitempty"`
	Granularity    envelope.Granularity `json:"granularity"`
	Sequence       uint64               `json:"sequence"`
	CallbackURL    string               `json:"callback_url"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Diff is one retained mutation payload awaiting acknowledgement (spec
// §4.6 "Diff retention"), also what spec §6.2's GET
// /subscriptions/<peer_id>/<sub_id> surfaces as "pending diffs".
type Diff struct {
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sent_at"`
}

// suspension models an active outgoing-callback suspension scoped to
// (target, subtarget) (spec §4.6 "Suspension").
type suspension struct {
	Target    string `json:"target"`
	Subtarget string `json:"subtarget,omitempty"`
}

func newSubscriptionID() string { return uuid.NewString() }

func subKey(rec *Record) string { return rec.PeerID + "/" + rec.SubscriptionID }
func diffKey(sub string, seq uint64) string {
	return fmt.Sprintf("%s/%020d", sub, seq)
}

// Engine is the publisher-side subscription manager for one actor.
type Engine struct {
	actorID       string
	publicBaseURL string
	store         storage.Store
	trust         *trust.Store
	caps          *capabilities.Cache
	fanout        *fanout.Manager

	mu          sync.Mutex
	suspensions []suspension
}

// NewEngine builds a subscription engine for actorID. publicBaseURL is
// this actor's own proto+fqdn, used to build the resource URL a
// low-granularity resume callback carries (spec §4.6 "On resume").
func NewEngine(actorID, publicBaseURL string, store storage.Store, trustStore *trust.Store, caps *capabilities.Cache, fanoutMgr *fanout.Manager) *Engine {
	return &Engine{actorID: actorID, publicBaseURL: publicBaseURL, store: store, trust: trustStore, caps: caps, fanout: fanoutMgr}
}

// Subscribe creates a new subscription record (spec §6.2 POST /subscriptions).
func (e *Engine) Subscribe(ctx context.Context, peerID, target, subtarget, callbackURL string, granularity envelope.Granularity) (*Record, error) {
	rec := &Record{
		SubscriptionID: newSubscriptionID(),
		PeerID:         peerID,
		Target:         target,
		Subtarget:      subtarget,
		Granularity:    granularity,
		CallbackURL:    callbackURL,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return e.store.SetAttr(ctx, e.actorID, storage.BucketSubscriptions, subKey(rec), data)
}

// Get loads one subscription by (peerID, subID).
func (e *Engine) Get(ctx context.Context, peerID, subID string) (*Record, bool, error) {
	attr, ok, err := e.store.GetAttr(ctx, e.actorID, storage.BucketSubscriptions, peerID+"/"+subID)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec Record
	if err := json.Unmarshal(attr.Data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode subscription: %w", err)
	}
	return &rec, true, nil
}

// ListByPeer returns every subscription that peerID holds against this actor.
func (e *Engine) ListByPeer(ctx context.Context, peerID string) ([]*Record, error) {
	bucket, err := e.store.GetBucket(ctx, e.actorID, storage.BucketSubscriptions)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0)
	for _, a := range bucket {
		var rec Record
		if err := json.Unmarshal(a.Data, &rec); err != nil {
			continue
		}
		if rec.PeerID == peerID {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// matching returns every subscription whose (target, subtarget) matches
// the mutation being published (spec §4.6 step 1). An empty subtarget
// on the subscription matches any mutation subtarget for that target.
func (e *Engine) matching(ctx context.Context, target, subtarget string) ([]*Record, error) {
	bucket, err := e.store.GetBucket(ctx, e.actorID, storage.BucketSubscriptions)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0)
	for _, a := range bucket {
		var rec Record
		if err := json.Unmarshal(a.Data, &rec); err != nil {
			continue
		}
		if rec.Target != target {
			continue
		}
		if rec.Subtarget != "" && rec.Subtarget != subtarget {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Publish is the entry point for every actor mutation (spec §4.6). It
// enumerates matching subscriptions, advances each one's sequence,
// appends a diff record, and dispatches through the fan-out manager
// unless the (target, subtarget) pair is currently suspended. Dispatch
// always blocks until fan-out completes; a caller that wants it in the
// background runs Publish in its own goroutine. This engine has no
// separate blocking/non-blocking code path (spec §9 "collapse redundant
// sync/async implementations").
func (e *Engine) Publish(ctx context.Context, target, subtarget string, payload any) (*fanout.Result, error) {
	matches, err := e.matching(ctx, target, subtarget)
	if err != nil {
		return nil, fmt.Errorf("enumerate subscriptions: %w", err)
	}
	if len(matches) == 0 {
		return &fanout.Result{}, nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var subscribers []fanout.Subscriber
	bySub := make(map[string]*Record, len(matches))

	for _, rec := range matches {
		rec.Sequence++
		if err := e.put(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist advanced sequence: %w", err)
		}
		if err := e.appendDiff(ctx, rec, payloadBytes); err != nil {
			return nil, fmt.Errorf("append diff: %w", err)
		}
		bySub[rec.SubscriptionID] = rec

		if e.suspended(target, subtarget) {
			continue
		}

		rel, ok, _ := e.trust.Get(ctx, e.actorID, rec.PeerID)
		sub := fanout.Subscriber{
			PeerID:         rec.PeerID,
			SubscriptionID: rec.SubscriptionID,
			CallbackURL:    rec.CallbackURL,
			Granularity:    rec.Granularity,
		}
		if ok && rel.Usable() {
			sub.Trust.ActorID = e.actorID
			sub.Trust.PeerID = rec.PeerID
			sub.Trust.BaseURI = rel.BaseURI
			sub.Trust.Secret = rel.Secret
		}
		subscribers = append(subscribers, sub)
	}

	if len(subscribers) == 0 {
		logging.FromContext(ctx).WithField("target", target).Debug("publish: all matching subscriptions suspended")
		return &fanout.Result{}, nil
	}

	// Deliver stamps every envelope with the one sequence it is given, so
	// subscribers are grouped by their own subscription's sequence.
	groups := make(map[uint64][]fanout.Subscriber)
	for _, sub := range subscribers {
		seq := bySub[sub.SubscriptionID].Sequence
		groups[seq] = append(groups[seq], sub)
	}
	agg := &fanout.Result{}
	for seq, group := range groups {
		r := e.fanout.Deliver(ctx, e.actorID, target, seq, payload, group)
		agg.Total, agg.Successful, agg.Failed, agg.CircuitOpen = agg.Total+r.Total, agg.Successful+r.Successful, agg.Failed+r.Failed, agg.CircuitOpen+r.CircuitOpen
		agg.Results = append(agg.Results, r.Results...)
	}
	return agg, nil
}

func (e *Engine) appendDiff(ctx context.Context, rec *Record, payload json.RawMessage) error {
	d := Diff{Sequence: rec.Sequence, Payload: payload, SentAt: time.Now().UTC()}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return e.store.SetAttr(ctx, e.actorID, storage.BucketDiffs, diffKey(subKey(rec), rec.Sequence), data)
}

// Suspend stops outgoing callbacks scoped to (target, subtarget) while
// diff recording continues (spec §4.6 "Suspension").
func (e *Engine) Suspend(target, subtarget string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspensions = append(e.suspensions, suspension{Target: target, Subtarget: subtarget})
}

func (e *Engine) suspended(target, subtarget string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.suspensions {
		if s.Target == target && (s.Subtarget == "" || s.Subtarget == subtarget) {
			return true
		}
	}
	return false
}

// Resume clears a suspension and re-delivers the current baseline to
// every affected subscription (spec §4.6 "On resume"). Subscriptions
// whose peer advertises subscriptionresync receive a type:"resync"
// envelope carrying the current payload; others receive a
// low-granularity URL-only envelope the receiver must fetch.
func (e *Engine) Resume(ctx context.Context, target, subtarget string, baseline any) error {
	e.mu.Lock()
	kept := e.suspensions[:0]
	for _, s := range e.suspensions {
		if s.Target == target && (s.Subtarget == "" || s.Subtarget == subtarget) {
			continue
		}
		kept = append(kept, s)
	}
	e.suspensions = kept
	e.mu.Unlock()

	matches, err := e.matching(ctx, target, subtarget)
	if err != nil {
		return fmt.Errorf("enumerate subscriptions on resume: %w", err)
	}

	for _, rec := range matches {
		caps := e.caps.Get(ctx, e.actorID, rec.PeerID)
		env := envelope.Envelope{
			ID:             e.actorID,
			Target:         target,
			Sequence:       rec.Sequence,
			Timestamp:      time.Now().UTC(),
			SubscriptionID: rec.SubscriptionID,
		}
		if caps.SupportsResync() {
			env.Type = "resync"
			env.Granularity = envelope.GranularityHigh
			body, err := json.Marshal(baseline)
			if err != nil {
				return fmt.Errorf("encode resync baseline: %w", err)
			}
			env.Data = body
		} else {
			env.Granularity = envelope.GranularityLow
			env.URL = envelope.ResourceURL(e.publicBaseURL, e.actorID, target)
		}

		rel, ok, _ := e.trust.Get(ctx, e.actorID, rec.PeerID)
		sub := fanout.Subscriber{
			PeerID:         rec.PeerID,
			SubscriptionID: rec.SubscriptionID,
			CallbackURL:    rec.CallbackURL,
			Granularity:    env.Granularity,
		}
		if ok && rel.Usable() {
			sub.Trust.ActorID = e.actorID
			sub.Trust.PeerID = rec.PeerID
			sub.Trust.BaseURI = rel.BaseURI
			sub.Trust.Secret = rel.Secret
		}
		e.fanout.DeliverEnvelope(ctx, e.actorID, sub, env)
	}
	return nil
}

// ListDiffs returns every unacknowledged diff retained for (peerID,
// subID), ordered by sequence (spec §6.2 GET
// /subscriptions/<peer_id>/<sub_id>: "current sequence and pending diffs").
func (e *Engine) ListDiffs(ctx context.Context, peerID, subID string) ([]Diff, error) {
	prefix := peerID + "/" + subID
	bucket, err := e.store.GetBucket(ctx, e.actorID, storage.BucketDiffs)
	if err != nil {
		return nil, fmt.Errorf("load diffs: %w", err)
	}
	out := make([]Diff, 0, len(bucket))
	for name, a := range bucket {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		var d Diff
		if err := json.Unmarshal(a.Data, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Acknowledge clears diffs ≤ seq for (peerID, subID) (spec §4.6
// "Low-granularity acknowledgement").
func (e *Engine) Acknowledge(ctx context.Context, peerID, subID string, seq uint64) error {
	prefix := peerID + "/" + subID
	bucket, err := e.store.GetBucket(ctx, e.actorID, storage.BucketDiffs)
	if err != nil {
		return fmt.Errorf("load diffs: %w", err)
	}
	for name, a := range bucket {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		var d Diff
		if err := json.Unmarshal(a.Data, &d); err != nil {
			continue
		}
		if d.Sequence <= seq {
			if err := e.store.DeleteAttr(ctx, e.actorID, storage.BucketDiffs, name); err != nil {
				return fmt.Errorf("delete acked diff: %w", err)
			}
		}
	}
	return nil
}

// Unsubscribe removes one subscription record and its diffs.
func (e *Engine) Unsubscribe(ctx context.Context, peerID, subID string) error {
	if err := e.store.DeleteAttr(ctx, e.actorID, storage.BucketSubscriptions, peerID+"/"+subID); err != nil {
		return err
	}
	return e.deleteDiffsForSub(ctx, peerID+"/"+subID)
}

func (e *Engine) deleteDiffsForSub(ctx context.Context, prefix string) error {
	bucket, err := e.store.GetBucket(ctx, e.actorID, storage.BucketDiffs)
	if err != nil {
		return err
	}
	for name := range bucket {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			if err := e.store.DeleteAttr(ctx, e.actorID, storage.BucketDiffs, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// CascadeDissolve removes every subscription peerID holds on this
// publisher, and their diffs, wired as the cascade callback
// trust.Store.Dissolve invokes (spec §4.6 "Trust deletion cascades").
// Subscriber-side sequencing state for subscriptions this actor holds
// on peerID is not touched.
func (e *Engine) CascadeDissolve(ctx context.Context, actorID, peerID string) error {
	recs, err := e.ListByPeer(ctx, peerID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := e.Unsubscribe(ctx, peerID, rec.SubscriptionID); err != nil {
			return err
		}
	}
	return nil
}
