package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

func newTestProcessor(t *testing.T, handlers Handlers, queueSize int) *Processor {
	t.Helper()
	store := storage.NewMemoryStore()
	ts := trust.NewStore(store)
	client := peerproxy.New(peerproxy.DefaultTimeouts())
	return NewProcessor("sub1", store, client, ts, handlers, queueSize)
}

func envelopeJSON(seq uint64, data string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":             "pub1",
		"target":         "properties",
		"sequence":       seq,
		"timestamp":      "2026-01-01T00:00:00Z",
		"granularity":    "high",
		"subscriptionid": "sub1",
		"data":           json.RawMessage(data),
	})
	return raw
}

func TestHandleCallbackInOrderProcessesImmediately(t *testing.T) {
	var got []string
	p := newTestProcessor(t, Handlers{
		OnDiff: func(ctx context.Context, publisherID, subID string, data json.RawMessage, mutation *envelope.ListMutation) error {
			got = append(got, string(data))
			return nil
		},
	}, 0)

	out := p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(1, `{"a":1}`))
	if out.Status != 204 {
		t.Fatalf("expected 204, got %+v", out)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 diff processed, got %d", len(got))
	}
}

func TestHandleCallbackDuplicateReturns204WithoutReprocessing(t *testing.T) {
	calls := 0
	p := newTestProcessor(t, Handlers{
		OnDiff: func(ctx context.Context, publisherID, subID string, data json.RawMessage, mutation *envelope.ListMutation) error {
			calls++
			return nil
		},
	}, 0)

	p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(1, `{"a":1}`))
	out := p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(1, `{"a":1}`))

	if out.Status != 204 {
		t.Fatalf("expected 204 for duplicate, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 processing call, got %d", calls)
	}
}

func TestHandleCallbackGapBuffersThenDrains(t *testing.T) {
	var order []uint64
	p := newTestProcessor(t, Handlers{
		OnDiff: func(ctx context.Context, publisherID, subID string, data json.RawMessage, mutation *envelope.ListMutation) error {
			var m map[string]uint64
			json.Unmarshal(data, &m)
			order = append(order, m["seq"])
			return nil
		},
	}, 0)

	seq2 := envelopeJSON(2, `{"seq":2}`)
	out := p.HandleCallback(context.Background(), "pub1", "sub1", seq2)
	if out.Status != 204 {
		t.Fatalf("expected 204 for buffered gap, got %+v", out)
	}
	if len(order) != 0 {
		t.Fatalf("expected no processing before gap fill, got %v", order)
	}

	seq1 := envelopeJSON(1, `{"seq":1}`)
	out = p.HandleCallback(context.Background(), "pub1", "sub1", seq1)
	if out.Status != 204 {
		t.Fatalf("expected 204 after gap fill, got %+v", out)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected drained in order [1,2], got %v", order)
	}
}

func TestHandleCallbackFullPendingQueueReturns429(t *testing.T) {
	p := newTestProcessor(t, Handlers{}, 1)

	// seq 2 fills the one pending slot.
	out := p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(2, `{}`))
	if out.Status != 204 {
		t.Fatalf("expected first gap buffered with 204, got %+v", out)
	}

	out = p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(3, `{}`))
	if out.Status != 429 {
		t.Fatalf("expected 429 when pending queue full, got %+v", out)
	}
}

func TestHandleCallbackResyncResetsSequence(t *testing.T) {
	var resyncData string
	p := newTestProcessor(t, Handlers{
		OnResync: func(ctx context.Context, publisherID, subID string, data json.RawMessage) error {
			resyncData = string(data)
			return nil
		},
	}, 0)

	raw, _ := json.Marshal(map[string]any{
		"id": "pub1", "target": "properties", "sequence": 50,
		"timestamp": "2026-01-01T00:00:00Z", "granularity": "high",
		"subscriptionid": "sub1", "type": "resync", "data": json.RawMessage(`{"full":"state"}`),
	})
	out := p.HandleCallback(context.Background(), "pub1", "sub1", raw)
	if out.Status != 204 {
		t.Fatalf("expected 204, got %+v", out)
	}
	if resyncData != `{"full":"state"}` {
		t.Fatalf("unexpected resync data: %s", resyncData)
	}

	// sequence 51 should now be treated as in-order (L==50).
	out = p.HandleCallback(context.Background(), "pub1", "sub1", envelopeJSON(51, `{"after":"resync"}`))
	if out.Status != 204 {
		t.Fatalf("expected 204 after resync baseline, got %+v", out)
	}
}

func TestHandleCallbackMalformedEnvelopeReturns400(t *testing.T) {
	p := newTestProcessor(t, Handlers{}, 0)
	out := p.HandleCallback(context.Background(), "pub1", "sub1", []byte(`not json`))
	if out.Status != 400 {
		t.Fatalf("expected 400, got %+v", out)
	}
}

func TestHandleCallbackFetchesLowGranularityURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fetched":true}`))
	}))
	defer srv.Close()

	var gotData string
	p := newTestProcessor(t, Handlers{
		OnDiff: func(ctx context.Context, publisherID, subID string, data json.RawMessage, mutation *envelope.ListMutation) error {
			gotData = string(data)
			return nil
		},
	}, 0)

	raw, _ := json.Marshal(map[string]any{
		"id": "pub1", "target": "properties", "sequence": 1,
		"timestamp": "2026-01-01T00:00:00Z", "granularity": "low",
		"subscriptionid": "sub1", "url": srv.URL + "/resource",
	})
	out := p.HandleCallback(context.Background(), "pub1", "sub1", raw)
	if out.Status != 204 {
		t.Fatalf("expected 204, got %+v", out)
	}
	if gotData != `{"fetched":true}` {
		t.Fatalf("expected fetched body passed to handler, got %s", gotData)
	}
}
