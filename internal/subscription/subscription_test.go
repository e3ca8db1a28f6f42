package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/circuitbreaker"
	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/fanout"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

func newTestEngine(t *testing.T, store storage.Store) (*Engine, *trust.Store) {
	t.Helper()
	ts := trust.NewStore(store)
	client := peerproxy.New(peerproxy.DefaultTimeouts())
	caps := capabilities.New(client, ts, store)
	cb, err := circuitbreaker.NewManager(context.Background(), "pub1", store, 5, 0, true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := fanout.DefaultConfig()
	cfg.PublicBaseURL = "https://pub1.example.com"
	fm := fanout.NewManager(cfg, client, caps, cb)
	return NewEngine("pub1", cfg.PublicBaseURL, store, ts, caps, fm), ts
}

func TestSubscribeAndPublishDeliversCallback(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	rec, err := e.Subscribe(context.Background(), "peer1", "properties", "", srv.URL+"/cb", envelope.GranularityHigh)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rec.Sequence != 0 {
		t.Fatalf("expected initial sequence 0, got %d", rec.Sequence)
	}

	res, err := e.Publish(context.Background(), "properties", "", map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("expected 1 successful delivery, got %+v", res)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected callback received once, got %d", received)
	}

	updated, ok, err := e.Get(context.Background(), "peer1", rec.SubscriptionID)
	if err != nil || !ok {
		t.Fatalf("Get: err=%v ok=%v", err, ok)
	}
	if updated.Sequence != 1 {
		t.Fatalf("expected sequence advanced to 1, got %d", updated.Sequence)
	}
}

func TestPublishIgnoresNonMatchingSubtarget(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	rec, _ := e.Subscribe(context.Background(), "peer1", "properties", "color", "http://unused", envelope.GranularityHigh)

	res, err := e.Publish(context.Background(), "properties", "size", map[string]string{"x": "1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Total != 0 {
		t.Fatalf("expected no matching subscriptions, got %+v", res)
	}

	unchanged, _, _ := e.Get(context.Background(), "peer1", rec.SubscriptionID)
	if unchanged.Sequence != 0 {
		t.Fatalf("expected sequence unchanged, got %d", unchanged.Sequence)
	}
}

func TestSuspendStopsDeliveryButSequenceAdvances(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	rec, _ := e.Subscribe(context.Background(), "peer1", "properties", "", srv.URL+"/cb", envelope.GranularityHigh)

	e.Suspend("properties", "")
	res, err := e.Publish(context.Background(), "properties", "", map[string]string{"x": "1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Total != 0 {
		t.Fatalf("expected suspended publish to skip delivery, got %+v", res)
	}
	if atomic.LoadInt32(&received) != 0 {
		t.Fatal("expected no callback while suspended")
	}

	updated, _, _ := e.Get(context.Background(), "peer1", rec.SubscriptionID)
	if updated.Sequence != 1 {
		t.Fatalf("expected sequence to advance despite suspension, got %d", updated.Sequence)
	}
}

func TestResumeSendsLowGranularityWhenNoResyncSupport(t *testing.T) {
	var gotType string
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		if len(body) > 0 {
			gotType = string(body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	e.Subscribe(context.Background(), "peer1", "properties", "", srv.URL+"/cb", envelope.GranularityHigh)

	e.Suspend("properties", "")
	if err := e.Resume(context.Background(), "properties", "", map[string]string{"snapshot": "v1"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if gotType == "" {
		t.Fatal("expected a resume callback body")
	}
	if !strings.Contains(gotType, `"granularity":"low"`) || strings.Contains(gotType, `"type":"resync"`) {
		t.Fatalf("expected a low-granularity, non-resync resume envelope, got %s", gotType)
	}
	_ = gotURL
}

func TestAcknowledgeRemovesDiffsUpToSequence(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	rec, _ := e.Subscribe(context.Background(), "peer1", "properties", "", "http://unreachable.invalid/cb", envelope.GranularityLow)

	for i := 0; i < 3; i++ {
		e.Publish(context.Background(), "properties", "", map[string]int{"n": i})
	}

	if err := e.Acknowledge(context.Background(), "peer1", rec.SubscriptionID, 2); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	bucket, err := store.GetBucket(context.Background(), "pub1", storage.BucketDiffs)
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if len(bucket) != 1 {
		t.Fatalf("expected 1 remaining diff after ack through seq 2, got %d", len(bucket))
	}
}

func TestUnsubscribeRemovesRecordAndDiffs(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	rec, _ := e.Subscribe(context.Background(), "peer1", "properties", "", "http://unreachable.invalid/cb", envelope.GranularityLow)
	e.Publish(context.Background(), "properties", "", map[string]string{"x": "1"})

	if err := e.Unsubscribe(context.Background(), "peer1", rec.SubscriptionID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	_, ok, _ := e.Get(context.Background(), "peer1", rec.SubscriptionID)
	if ok {
		t.Fatal("expected subscription removed")
	}
	bucket, _ := store.GetBucket(context.Background(), "pub1", storage.BucketDiffs)
	if len(bucket) != 0 {
		t.Fatalf("expected diffs removed, got %d remaining", len(bucket))
	}
}

func TestCascadeDissolveRemovesAllSubscriptionsForPeer(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newTestEngine(t, store)
	e.Subscribe(context.Background(), "peer1", "properties", "", "http://unreachable.invalid/cb", envelope.GranularityLow)
	e.Subscribe(context.Background(), "peer1", "notes", "", "http://unreachable.invalid/cb", envelope.GranularityLow)
	e.Subscribe(context.Background(), "peer2", "properties", "", "http://unreachable.invalid/cb", envelope.GranularityLow)

	if err := e.CascadeDissolve(context.Background(), "pub1", "peer1"); err != nil {
		t.Fatalf("CascadeDissolve: %v", err)
	}

	remaining, err := e.ListByPeer(context.Background(), "peer1")
	if err != nil {
		t.Fatalf("ListByPeer: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected peer1 subscriptions fully removed, got %d", len(remaining))
	}
	otherPeer, _ := e.ListByPeer(context.Background(), "peer2")
	if len(otherPeer) != 1 {
		t.Fatalf("expected peer2 subscription untouched, got %d", len(otherPeer))
	}
}
