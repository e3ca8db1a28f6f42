// Package fanout implements the bounded-concurrency delivery manager
// from spec §4.5. It serializes a payload once, downgrades granularity
// above a size threshold, gates every delivery through the per-peer
// circuit breaker, and optionally gzip-compresses the callback body
// when the peer advertises support for it. The concurrency shape
// (buffered-channel semaphore + per-item goroutine + WaitGroup) is
// grounded on godkv's internal/cluster/replicator.go, which fans a
// single write out to every replica the same way.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/circuitbreaker"
	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/errcode"
	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/metrics"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
)

// Config mirrors the table in spec §4.5.
type Config struct {
	MaxConcurrent                int
	MaxPayloadForHighGranularity int
	CircuitBreakerThreshold      int
	CircuitBreakerCooldown       time.Duration
	RequestTimeout               time.Duration
	EnableCompression            bool
	PersistCircuitBreakers       bool

	// PublicBaseURL is the publishing actor's own proto+fqdn, used to
	// build the fetchable resource URL a downgraded envelope carries
	// (spec §4.5 "Granularity downgrade rule").
	PublicBaseURL string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:                10,
		MaxPayloadForHighGranularity: 65536,
		CircuitBreakerThreshold:      5,
		CircuitBreakerCooldown:       60 * time.Second,
		RequestTimeout:               30 * time.Second,
		EnableCompression:            true,
		PersistCircuitBreakers:       true,
	}
}

// Subscriber is one delivery target (spec §4.5).
type Subscriber struct {
	PeerID         string
	SubscriptionID string
	CallbackURL    string
	Granularity    envelope.Granularity
	Trust          peerproxy.Target // zero value => no Authorization header
}

// DeliveryResult is one subscriber's outcome (spec §4.5 "Aggregation").
type DeliveryResult struct {
	PeerID         string
	SubscriptionID string
	Success        bool
	Error          string
	RetryAfter     int
	CircuitOpen    bool
}

// Result aggregates every delivery attempt for one fan-out call.
type Result struct {
	Total       int
	Successful  int
	Failed      int
	CircuitOpen int
	Results     []DeliveryResult
}

// Manager fans a publisher-side payload out to every subscriber of one
// (target, sequence), gating each delivery through its peer's circuit
// breaker and the peer's advertised compression capability.
type Manager struct {
	cfg    Config
	client *peerproxy.Client
	caps   *capabilities.Cache
	cb     *circuitbreaker.Manager
}

// NewManager builds a fan-out manager for one actor. cb must already be
// constructed for actorID (see circuitbreaker.NewManager) since its
// persistence setting and bulk-load happen once at actor startup, not
// per fan-out call.
func NewManager(cfg Config, client *peerproxy.Client, caps *capabilities.Cache, cb *circuitbreaker.Manager) *Manager {
	return &Manager{cfg: cfg, client: client, caps: caps, cb: cb}
}

// Deliver fans payload out to every subscriber concurrently, bounded by
// cfg.MaxConcurrent, and blocks until every delivery (or circuit-open
// short-circuit) has completed.
func (m *Manager) Deliver(ctx context.Context, actorID, target string, sequence uint64, payload any, subscribers []Subscriber) *Result {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("fanout: payload marshal failed")
		body = []byte("null")
	}
	needsDowngrade := len(body) > m.cfg.MaxPayloadForHighGranularity

	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	results := make([]DeliveryResult, len(subscribers))

	for i, sub := range subscribers {
		breaker := m.cb.Get(ctx, sub.PeerID)
		if !breaker.Allow(time.Now()) {
			results[i] = DeliveryResult{
				PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID,
				Success: false, Error: string(errcode.CircuitOpen), CircuitOpen: true,
			}
			metrics.ObserveDelivery("circuit_open")
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sub Subscriber, breaker *circuitbreaker.Breaker) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i] = DeliveryResult{
						PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID,
						Success: false, Error: fmt.Sprintf("request_error: panic: %v", r),
					}
					breaker.RecordFailure(ctx, time.Now())
					metrics.ObserveDelivery("failure")
				}
			}()
			results[i] = m.deliverOne(ctx, actorID, target, sequence, body, needsDowngrade, sub, breaker)
		}(i, sub, breaker)
	}
	wg.Wait()

	agg := &Result{Total: len(subscribers), Results: results}
	for _, r := range results {
		switch {
		case r.CircuitOpen:
			agg.CircuitOpen++
		case r.Success:
			agg.Successful++
		default:
			agg.Failed++
		}
	}
	return agg
}

func (m *Manager) deliverOne(ctx context.Context, actorID, target string, sequence uint64, body []byte, needsDowngrade bool, sub Subscriber, breaker *circuitbreaker.Breaker) DeliveryResult {
	effective := sub.Granularity
	if needsDowngrade {
		effective = envelope.GranularityLow
	}

	env := envelope.Envelope{
		ID:             actorID,
		Target:         target,
		Sequence:       sequence,
		Timestamp:      time.Now().UTC(),
		Granularity:    effective,
		SubscriptionID: sub.SubscriptionID,
	}
	if effective == envelope.GranularityHigh {
		env.Data = json.RawMessage(body)
	} else {
		env.URL = envelope.ResourceURL(m.cfg.PublicBaseURL, actorID, target)
	}

	envBody, err := json.Marshal(env)
	if err != nil {
		breaker.RecordFailure(ctx, time.Now())
		return DeliveryResult{PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID, Success: false, Error: "request_error: " + err.Error()}
	}

	caps := m.caps.Get(ctx, actorID, sub.PeerID)
	gzipped := false
	if m.cfg.EnableCompression && caps.SupportsCompression() && len(envBody) > 1024 {
		if compressed, ok := gzipBody(envBody); ok {
			envBody = compressed
			gzipped = true
		}
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if needsDowngrade {
		headers.Set("X-ActingWeb-Granularity-Downgraded", "true")
	}
	if gzipped {
		headers.Set("Content-Encoding", "gzip")
	}

	res := m.client.PostCallback(ctx, sub.Trust, sub.CallbackURL, envBody, headers)
	now := time.Now()

	result := DeliveryResult{PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID}
	switch {
	case res.StatusCode == 200 || res.StatusCode == 204:
		result.Success = true
		breaker.RecordSuccess(ctx, now)
	case res.StatusCode == 429:
		result.Error = string(errcode.RateLimited)
		result.RetryAfter = res.RetryAfterSeconds
		breaker.RecordFailure(ctx, now)
	case res.StatusCode == 503:
		result.Error = string(errcode.ServiceUnavailable)
		breaker.RecordFailure(ctx, now)
	case res.Err != nil && res.Err.Code == errcode.Timeout:
		result.Error = "timeout"
		breaker.RecordFailure(ctx, now)
	case res.Err != nil && res.Err.Code == errcode.RequestError:
		// Transport failure (connect/DNS/other), not a real HTTP response
		// from the peer (spec §4.5/§7 "Transport other error"). Checked
		// ahead of the generic status branch below because
		// peerproxy.ConnectFailureResult also sets a synthetic
		// StatusCode (502/500) to align with spec §4.2's 408/502/500 split.
		result.Error = "request_error: " + res.Err.Message
		breaker.RecordFailure(ctx, now)
	case res.StatusCode >= 400:
		result.Error = fmt.Sprintf("http_error_%d", res.StatusCode)
		breaker.RecordFailure(ctx, now)
	case res.Err != nil:
		result.Error = "request_error: " + res.Err.Message
		breaker.RecordFailure(ctx, now)
	default:
		result.Success = true
		breaker.RecordSuccess(ctx, now)
	}
	observeOutcome(result)
	return result
}

// DeliverEnvelope sends a fully-formed envelope verbatim to one
// subscriber, bypassing the granularity-downgrade logic Deliver applies
// to ordinary diff payloads. Used for the resync and low-granularity
// resume callbacks in spec §4.6, whose envelope shape (type:"resync" or
// a bare url) the engine has already decided.
func (m *Manager) DeliverEnvelope(ctx context.Context, actorID string, sub Subscriber, env envelope.Envelope) DeliveryResult {
	breaker := m.cb.Get(ctx, sub.PeerID)
	if !breaker.Allow(time.Now()) {
		metrics.ObserveDelivery("circuit_open")
		return DeliveryResult{PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID, Success: false, Error: string(errcode.CircuitOpen), CircuitOpen: true}
	}

	envBody, err := json.Marshal(env)
	if err != nil {
		breaker.RecordFailure(ctx, time.Now())
		metrics.ObserveDelivery("failure")
		return DeliveryResult{PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID, Success: false, Error: "request_error: " + err.Error()}
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	res := m.client.PostCallback(ctx, sub.Trust, sub.CallbackURL, envBody, headers)
	now := time.Now()

	result := DeliveryResult{PeerID: sub.PeerID, SubscriptionID: sub.SubscriptionID}
	switch {
	case res.StatusCode == 200 || res.StatusCode == 204:
		result.Success = true
		breaker.RecordSuccess(ctx, now)
	case res.StatusCode == 429:
		result.Error = string(errcode.RateLimited)
		result.RetryAfter = res.RetryAfterSeconds
		breaker.RecordFailure(ctx, now)
	case res.StatusCode == 503:
		result.Error = string(errcode.ServiceUnavailable)
		breaker.RecordFailure(ctx, now)
	case res.Err != nil && res.Err.Code == errcode.Timeout:
		result.Error = "timeout"
		breaker.RecordFailure(ctx, now)
	case res.Err != nil && res.Err.Code == errcode.RequestError:
		// Transport failure (connect/DNS/other), not a real HTTP response
		// from the peer (spec §4.5/§7 "Transport other error"). Checked
		// ahead of the generic status branch below because
		// peerproxy.ConnectFailureResult also sets a synthetic
		// StatusCode (502/500) to align with spec §4.2's 408/502/500 split.
		result.Error = "request_error: " + res.Err.Message
		breaker.RecordFailure(ctx, now)
	case res.StatusCode >= 400:
		result.Error = fmt.Sprintf("http_error_%d", res.StatusCode)
		breaker.RecordFailure(ctx, now)
	case res.Err != nil:
		result.Error = "request_error: " + res.Err.Message
		breaker.RecordFailure(ctx, now)
	default:
		result.Success = true
		breaker.RecordSuccess(ctx, now)
	}
	observeOutcome(result)
	return result
}

// observeOutcome records one delivery's terminal outcome for
// metrics.FanOutDeliveries, sharing the same three labels Deliver's
// circuit-open short-circuit already uses.
func observeOutcome(result DeliveryResult) {
	switch {
	case result.CircuitOpen:
		metrics.ObserveDelivery("circuit_open")
	case result.Success:
		metrics.ObserveDelivery("success")
	default:
		metrics.ObserveDelivery("failure")
	}
}

func gzipBody(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return nil, false
	}
	if err := gw.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
