// Package callback implements the subscriber-side sequencing state
// machine from spec §4.7: gap detection with a bounded pending queue,
// resync handling, low-granularity fetch-then-ack, and list-mutation
// pass-through. The gap-buffer shape (ordered pending map, drain loop
// on contiguous arrival) is grounded on the same out-of-order delivery
// problem godkv's cluster.Replicator solves for write acknowledgements,
// adapted from node versions to subscription sequence numbers.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/errcode"
	"github.com/mesh-actingweb/actorcore/internal/metrics"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

// DefaultPendingQueueSize is the suggested bound from spec §4.7.
const DefaultPendingQueueSize = 100

// Handlers are the application-supplied callbacks invoked for each
// processed envelope (spec §4.7 "Processing one envelope").
type Handlers struct {
	// OnResync is invoked for envelopes carrying type:"resync". data is
	// either the embedded payload or whatever C2 fetched from env.URL.
	OnResync func(ctx context.Context, publisherID, subID string, data json.RawMessage) error

	// OnDiff is invoked for ordinary (non-resync) envelopes, after any
	// list-mutation has already been parsed out for the caller's
	// convenience (mutation is nil when the payload is not a list op).
	OnDiff func(ctx context.Context, publisherID, subID string, data json.RawMessage, mutation *envelope.ListMutation) error
}

// sequencingState is the persisted per-(publisher, sub) cursor (spec §4.7).
type sequencingState struct {
	LastProcessedSequence uint64                     `json:"last_processed_sequence"`
	Pending               map[uint64]json.RawMessage `json:"pending"`
}

func stateKey(publisherID, subID string) string { return publisherID + "/" + subID }

// Processor is the subscriber-side callback endpoint implementation for
// one local actor.
type Processor struct {
	actorID          string
	store            storage.Store
	client           *peerproxy.Client
	trust            *trust.Store
	handlers         Handlers
	pendingQueueSize int

	mu sync.Mutex
}

// NewProcessor builds a callback processor for actorID.
func NewProcessor(actorID string, store storage.Store, client *peerproxy.Client, trustStore *trust.Store, handlers Handlers, pendingQueueSize int) *Processor {
	if pendingQueueSize <= 0 {
		pendingQueueSize = DefaultPendingQueueSize
	}
	return &Processor{actorID: actorID, store: store, client: client, trust: trustStore, handlers: handlers, pendingQueueSize: pendingQueueSize}
}

// Outcome is the processor's structured result, mapping directly to the
// HTTP status the endpoint should return (spec §4.7).
type Outcome struct {
	Status int
	Err    *errcode.Error
}

func (p *Processor) loadState(ctx context.Context, publisherID, subID string) (*sequencingState, error) {
	attr, ok, err := p.store.GetAttr(ctx, p.actorID, storage.BucketSubSequencing, stateKey(publisherID, subID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &sequencingState{Pending: make(map[uint64]json.RawMessage)}, nil
	}
	var st sequencingState
	if err := json.Unmarshal(attr.Data, &st); err != nil {
		return nil, fmt.Errorf("decode sequencing state: %w", err)
	}
	if st.Pending == nil {
		st.Pending = make(map[uint64]json.RawMessage)
	}
	return &st, nil
}

func (p *Processor) saveState(ctx context.Context, publisherID, subID string, st *sequencingState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode sequencing state: %w", err)
	}
	return p.store.SetAttr(ctx, p.actorID, storage.BucketSubSequencing, stateKey(publisherID, subID), data)
}

// HandleCallback processes one inbound envelope for
// /callbacks/subscriptions/<publisherID>/<subID>. Bearer-token
// authentication and trust lookup are the HTTP layer's responsibility;
// this method assumes the caller is already authenticated as publisherID.
//
// Serialization note: per-key serialization is delegated to the
// storage layer's per-attribute atomicity guarantee (spec §5 "Shared
// resource policy"); this method additionally holds an in-process mutex
// so two concurrent callbacks for the same (publisherID, subID) on one
// process don't race the read-modify-write of the pending queue.
func (p *Processor) HandleCallback(ctx context.Context, publisherID, subID string, raw []byte) *Outcome {
	env, err := envelope.Parse(raw)
	if err != nil {
		if ce, ok := err.(*errcode.Error); ok {
			return &Outcome{Status: ce.Status, Err: ce}
		}
		return &Outcome{Status: 400, Err: errcode.New(errcode.MalformedEnvelope, "%v", err).WithStatus(400)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if env.IsResync() {
		return p.processResync(ctx, publisherID, subID, env)
	}

	st, err := p.loadState(ctx, publisherID, subID)
	if err != nil {
		return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "%v", err).WithStatus(500)}
	}

	switch {
	case env.Sequence <= st.LastProcessedSequence:
		return &Outcome{Status: 204}
	case env.Sequence == st.LastProcessedSequence+1:
		return p.processAndDrain(ctx, publisherID, subID, st, env)
	default:
		if len(st.Pending) >= p.pendingQueueSize {
			return &Outcome{Status: 429, Err: errcode.New(errcode.BackPressure, "pending queue full").WithStatus(429)}
		}
		st.Pending[env.Sequence] = raw
		if err := p.saveState(ctx, publisherID, subID, st); err != nil {
			return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "%v", err).WithStatus(500)}
		}
		metrics.ObservePendingQueueDepth(publisherID, subID, len(st.Pending))
		return &Outcome{Status: 204}
	}
}

func (p *Processor) processResync(ctx context.Context, publisherID, subID string, env *envelope.Envelope) *Outcome {
	data, err := p.resolveData(ctx, publisherID, env)
	if err != nil {
		return &Outcome{Status: 502, Err: errcode.New(errcode.RequestError, "resync fetch failed: %v", err).WithStatus(502)}
	}

	if p.handlers.OnResync != nil {
		if err := p.handlers.OnResync(ctx, publisherID, subID, data); err != nil {
			return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "resync handler failed: %v", err).WithStatus(500)}
		}
	}

	st := &sequencingState{LastProcessedSequence: env.Sequence, Pending: make(map[uint64]json.RawMessage)}
	if err := p.saveState(ctx, publisherID, subID, st); err != nil {
		return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "%v", err).WithStatus(500)}
	}
	metrics.ObservePendingQueueDepth(publisherID, subID, 0)
	return &Outcome{Status: 204}
}

// processAndDrain handles env (already known to be exactly L+1), then
// drains any contiguous pending entries (spec §4.7 sequencing table).
func (p *Processor) processAndDrain(ctx context.Context, publisherID, subID string, st *sequencingState, env *envelope.Envelope) *Outcome {
	if outcome := p.processOne(ctx, publisherID, subID, env); outcome.Err != nil {
		return outcome
	}
	st.LastProcessedSequence = env.Sequence

	for {
		nextRaw, ok := st.Pending[st.LastProcessedSequence+1]
		if !ok {
			break
		}
		nextEnv, err := envelope.Parse(nextRaw)
		if err != nil {
			delete(st.Pending, st.LastProcessedSequence+1)
			continue
		}
		if outcome := p.processOne(ctx, publisherID, subID, nextEnv); outcome.Err != nil {
			return outcome
		}
		delete(st.Pending, st.LastProcessedSequence+1)
		st.LastProcessedSequence++
	}

	if err := p.saveState(ctx, publisherID, subID, st); err != nil {
		return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "%v", err).WithStatus(500)}
	}
	metrics.ObservePendingQueueDepth(publisherID, subID, len(st.Pending))
	return &Outcome{Status: 204}
}

// processOne implements spec §4.7 "Processing one envelope" steps 1-3
// for a single non-resync envelope.
func (p *Processor) processOne(ctx context.Context, publisherID, subID string, env *envelope.Envelope) *Outcome {
	data, err := p.resolveData(ctx, publisherID, env)
	if err != nil {
		return &Outcome{Status: 502, Err: errcode.New(errcode.RequestError, "fetch failed: %v", err).WithStatus(502)}
	}

	mutation, _, err := envelope.ParseListMutation(data)
	if err != nil {
		return &Outcome{Status: 400, Err: errcode.New(errcode.MalformedEnvelope, "%v", err).WithStatus(400)}
	}

	if p.handlers.OnDiff != nil {
		if err := p.handlers.OnDiff(ctx, publisherID, subID, data, mutation); err != nil {
			return &Outcome{Status: 500, Err: errcode.New(errcode.StorageError, "diff handler failed: %v", err).WithStatus(500)}
		}
	}

	if env.Granularity == envelope.GranularityLow {
		p.sendAckBestEffort(ctx, publisherID, subID, env.Sequence)
	}
	return &Outcome{Status: 204}
}

// resolveData returns env's payload, fetching env.URL through C2 when
// the envelope didn't embed data inline (spec §4.7 step 1).
func (p *Processor) resolveData(ctx context.Context, publisherID string, env *envelope.Envelope) (json.RawMessage, error) {
	if !env.NeedsFetch() {
		return env.Data, nil
	}
	target := peerproxy.Target{ActorID: p.actorID, PeerID: publisherID}
	if rel, ok, err := p.trust.Get(ctx, p.actorID, publisherID); err == nil && ok {
		target.Secret = rel.Secret
	}
	res := p.client.FetchURL(ctx, target, env.URL)
	if !res.Ok() {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, fmt.Errorf("fetch %s: status %d", env.URL, res.StatusCode)
	}
	return res.Body, nil
}

// sendAckBestEffort PUTs {sequence: n} back to the publisher (spec
// §4.7 step 3). Failure is logged by the peer proxy layer and otherwise
// ignored — ack delivery is fire-and-forget.
func (p *Processor) sendAckBestEffort(ctx context.Context, publisherID, subID string, seq uint64) {
	go func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		target := peerproxy.Target{ActorID: p.actorID, PeerID: publisherID}
		if rel, ok, err := p.trust.Get(ackCtx, p.actorID, publisherID); err == nil && ok {
			target.BaseURI = rel.BaseURI
			target.Secret = rel.Secret
		}
		path := fmt.Sprintf("/subscriptions/%s/%s", p.actorID, subID)
		p.client.ChangeResource(ackCtx, target, path, map[string]uint64{"sequence": seq})
	}()
}
