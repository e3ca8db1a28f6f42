// Package meshclient is a thin Go SDK for talking to one meshnode's HTTP
// API: trust, subscriptions, and capability queries, wrapped so callers
// don't build requests by hand. Adapted from ppriyankuu-godkv's
// internal/client/client.go (same Client{baseURL, httpClient} shape,
// same checkStatus→APIError conversion, same GetRaw escape hatch for
// endpoints that don't fit the typed API) retargeted from /kv and
// /cluster onto /trust and /subscriptions.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a single meshnode. It does not know about any other
// actor in the mesh beyond what that node reports.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// TrustResponse is returned after creating or approving a trust relationship.
type TrustResponse struct {
	PeerID       string `json:"peer_id"`
	Relationship string `json:"relationship,omitempty"`
	Approved     bool   `json:"approved,omitempty"`
}

// SubscriptionResponse mirrors subscription.Record's JSON shape closely
// enough for display purposes without importing the subscription package.
type SubscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	PeerID         string `json:"peer_id"`
	Target         string `json:"target"`
	Subtarget      string `json:"subtarget"`
	CallbackURL    string `json:"callback_url"`
	Granularity    string `json:"granularity"`
	Sequence       uint64 `json:"sequence"`
	Suspended      bool   `json:"suspended"`
}

// CreateTrust establishes a trust relationship toward peerID.
func (c *Client) CreateTrust(ctx context.Context, peerID, baseURI, secret, relationship string) (*TrustResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"peer_id": peerID, "baseuri": baseURI, "secret": secret, "relationship": relationship,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trust", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /trust failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out TrustResponse
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// ApproveTrust approves or rejects a pending relationship.
func (c *Client) ApproveTrust(ctx context.Context, relationship, peerID string, approved bool) (*TrustResponse, error) {
	body, _ := json.Marshal(map[string]bool{"approved": approved})
	path := fmt.Sprintf("%s/trust/%s/%s", c.baseURL, relationship, peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PUT %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out TrustResponse
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// DissolveTrust removes a trust relationship, cascading server-side to
// every subscription and diff between the two actors.
func (c *Client) DissolveTrust(ctx context.Context, relationship, peerID string) error {
	path := fmt.Sprintf("%s/trust/%s/%s", c.baseURL, relationship, peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// CreateSubscription registers a new subscription against the node.
func (c *Client) CreateSubscription(ctx context.Context, peerID, target, subtarget, callbackURL, granularity string) (*SubscriptionResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"peer_id": peerID, "target": target, "subtarget": subtarget,
		"callback_url": callbackURL, "granularity": granularity,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /subscriptions failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out SubscriptionResponse
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// ListSubscriptions lists every subscription peerID holds against this node.
func (c *Client) ListSubscriptions(ctx context.Context, peerID string) ([]SubscriptionResponse, error) {
	path := fmt.Sprintf("%s/subscriptions/%s", c.baseURL, peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Subscriptions []SubscriptionResponse `json:"subscriptions"`
	}
	return out.Subscriptions, json.NewDecoder(resp.Body).Decode(&out)
}

// DeleteSubscription unsubscribes subID from peerID's view of this node.
func (c *Client) DeleteSubscription(ctx context.Context, peerID, subID string) error {
	path := fmt.Sprintf("%s/subscriptions/%s/%s", c.baseURL, peerID, subID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// BreakerRecord mirrors circuitbreaker.Record's JSON shape.
type BreakerRecord struct {
	PeerID          string    `json:"peer_id"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
}

// ListBreakers returns every peer breaker the node has observed.
func (c *Client) ListBreakers(ctx context.Context) (map[string]BreakerRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/breakers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /breakers failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Breakers map[string]BreakerRecord `json:"breakers"`
	}
	return out.Breakers, json.NewDecoder(resp.Body).Decode(&out)
}

// ResetBreaker manually resets a peer's breaker to closed.
func (c *Client) ResetBreaker(ctx context.Context, peerID string) (*BreakerRecord, error) {
	path := fmt.Sprintf("%s/breakers/%s/reset", c.baseURL, peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out BreakerRecord
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// GetRaw performs a raw GET and returns the response body as a string —
// useful for /meta/actingweb/supported and other untyped endpoints.
func (c *Client) GetRaw(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// APIError carries the HTTP status and message a meshnode returned.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ErrNotFound is a sentinel callers can compare against with errors.Is
// when checkStatus maps a 404 to an APIError of this message.
var ErrNotFound = &APIError{Status: http.StatusNotFound, Message: "not found"}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
