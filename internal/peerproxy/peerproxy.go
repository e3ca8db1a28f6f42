// Package peerproxy issues authenticated HTTP requests to peer actors
// (spec §4.2). It is the Go-idiomatic unification of the Python
// source's separate sync/async client implementations — one
// context.Context-aware method set that any goroutine can call, mirroring
// the client shape in ppriyankuu-godkv/internal/client/client.go (typed
// verbs wrapping net/http, a checkStatus-style response interpreter)
// extended with correlation headers and the Bearer→Basic retry the spec
// requires.
package peerproxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-actingweb/actorcore/internal/errcode"
	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/reqcontext"
)

// Target describes the peer to call: a pre-loaded trust record's
// relevant fields, or enough to fetch one. Passphrase is optional and
// only used for the Bearer→Basic fallback (spec §4.2).
type Target struct {
	ActorID    string
	PeerID     string
	BaseURI    string
	Secret     string
	Passphrase string
}

// Result is the structured outcome of one peer call (spec §4.2/§7):
// never a raw transport error, always a tagged success/failure value.
// Body holds the response body; a 2xx body that is not JSON (such as a
// plain-text token list) is kept as sent.
type Result struct {
	StatusCode        int
	Body              json.RawMessage
	Location          string // captured from the Location header on POST
	RetryAfterSeconds int    // parsed from Retry-After on 429 responses
	Err               *errcode.Error
}

// Ok reports whether the call completed with a 2xx status.
func (r *Result) Ok() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Timeouts configures the shared client's dial/response timeouts (spec
// §4.2: connect default 5s, read default 20s).
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

var (
	sharedOnce   sync.Once
	sharedClient *http.Client
)

// sharedHTTPClient returns the process-wide pooled client (spec §4.5
// rationale: one long-lived client for connection reuse, guarded by a
// mutex/once on first construction, never explicitly closed except at
// process shutdown).
func sharedHTTPClient(t Timeouts) *http.Client {
	sharedOnce.Do(func() {
		transport := &http.Transport{
			DialContext:           (&net.Dialer{Timeout: t.Connect}).DialContext,
			ResponseHeaderTimeout: t.Read,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       30 * time.Second,
		}
		sharedClient = &http.Client{
			Transport: transport,
			Timeout:   t.Connect + t.Read,
		}
	})
	return sharedClient
}

// Client issues authenticated calls to peer actors.
type Client struct {
	http *http.Client
}

// New builds a Client using the shared pooled http.Client.
func New(t Timeouts) *Client {
	return &Client{http: sharedHTTPClient(t)}
}

func defaultTimeouts() Timeouts {
	return Timeouts{Connect: 5 * time.Second, Read: 20 * time.Second}
}

// GetResource issues an authenticated GET.
func (c *Client) GetResource(ctx context.Context, target Target, path string, params url.Values) *Result {
	return c.do(ctx, target, http.MethodGet, path, params, nil)
}

// FetchURL issues a Bearer-authenticated GET against a full, already-
// resolved URL (such as a low-granularity envelope's url field) rather
// than joining target.BaseURI with a path. Used by the callback
// processor's fetch-then-process step (spec §4.7 step 1).
func (c *Client) FetchURL(ctx context.Context, target Target, fullURL string) *Result {
	requestID := uuid.NewString()
	auth := ""
	if target.Secret != "" {
		auth = "Bearer " + target.Secret
	}
	resp, err := c.send(ctx, http.MethodGet, fullURL, nil, requestID, reqcontext.RequestID(ctx), auth)
	return interpretResponse(resp, err)
}

// CreateResource issues an authenticated POST.
func (c *Client) CreateResource(ctx context.Context, target Target, path string, body any) *Result {
	return c.do(ctx, target, http.MethodPost, path, nil, body)
}

// ChangeResource issues an authenticated PUT.
func (c *Client) ChangeResource(ctx context.Context, target Target, path string, body any) *Result {
	return c.do(ctx, target, http.MethodPut, path, nil, body)
}

// DeleteResource issues an authenticated DELETE.
func (c *Client) DeleteResource(ctx context.Context, target Target, path string) *Result {
	return c.do(ctx, target, http.MethodDelete, path, nil, nil)
}

// PostCallback delivers a pre-built, possibly gzip-compressed callback
// envelope body verbatim to callbackURL (spec §4.5). Unlike the
// do()-based verbs above, it never attempts the Bearer→Basic fallback —
// that retry only applies to direct peer-API access, not fan-out
// deliveries — and it lets the caller supply arbitrary headers (e.g.
// Content-Encoding: gzip).
func (c *Client) PostCallback(ctx context.Context, target Target, callbackURL string, body []byte, headers http.Header) *Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &Result{Err: errcode.New(errcode.RequestError, "build request: %v", err)}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if target.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+target.Secret)
	}

	resp, err := c.http.Do(req)
	return interpretResponse(resp, err)
}

func (c *Client) do(ctx context.Context, target Target, method, path string, params url.Values, body any) *Result {
	reqURL, err := buildURL(target.BaseURI, path, params)
	if err != nil {
		return &Result{Err: errcode.New(errcode.RequestError, "build url: %v", err)}
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &Result{Err: errcode.New(errcode.RequestError, "marshal body: %v", err)}
		}
	}

	// The same X-Request-ID/X-Parent-Request-ID pair is reused across the
	// Bearer and Basic attempts so both correlate as one logical call
	// (spec §4.2).
	requestID := uuid.NewString()
	parentID := reqcontext.RequestID(ctx)

	resp, sendErr := c.send(ctx, method, reqURL, bodyBytes, requestID, parentID, "Bearer "+target.Secret)
	result := interpretResponse(resp, sendErr)

	if result.StatusCode == 302 || result.StatusCode == 401 || result.StatusCode == 403 {
		if target.Passphrase != "" {
			basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("trustee:"+target.Passphrase))
			resp2, sendErr2 := c.send(ctx, method, reqURL, bodyBytes, requestID, parentID, basic)
			result = interpretResponse(resp2, sendErr2)
		}
	}

	logging.FromContext(ctx).WithFields(map[string]any{
		"peer_id":    target.PeerID,
		"method":     method,
		"path":       path,
		"status":     result.StatusCode,
		"request_id": requestID,
	}).Debug("peer proxy call")

	return result
}

func (c *Client) send(ctx context.Context, method, reqURL string, body []byte, requestID, parentID, authHeader string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", requestID)
	if parentID != "" {
		req.Header.Set("X-Parent-Request-ID", parentID)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	return c.http.Do(req)
}

func interpretResponse(resp *http.Response, sendErr error) *Result {
	if sendErr != nil {
		return ConnectFailureResult(sendErr)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	result := &Result{StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			result.RetryAfterSeconds = secs
		}
	}

	if len(bodyBytes) > 0 {
		var raw json.RawMessage
		if err := json.Unmarshal(bodyBytes, &raw); err == nil {
			result.Body = raw
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			result.Err = errcode.New(errcode.HTTPError(resp.StatusCode), "HTTP %d with non-JSON response", resp.StatusCode).WithStatus(resp.StatusCode)
		} else {
			result.Body = json.RawMessage(bodyBytes)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = errcode.New(errcode.HTTPError(resp.StatusCode), "HTTP %d with empty response", resp.StatusCode).WithStatus(resp.StatusCode)
	}
	return result
}

// buildURL joins baseURI and path, trimming surrounding slashes and
// appending an encoded query string, per spec §4.2's "Request
// construction" rule.
func buildURL(baseURI, path string, params url.Values) (string, error) {
	base := strings.TrimRight(baseURI, "/")
	trimmedPath := strings.Trim(path, "/")
	full := base + "/" + trimmedPath

	u, err := url.Parse(full)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// FromTrust builds a Target from a loaded trust record. Declared here
// (rather than in package trust) to avoid an import cycle — trust
// doesn't need to know about peerproxy.
func FromTrust(actorID, peerID, baseURI, secret, passphrase string) Target {
	return Target{ActorID: actorID, PeerID: peerID, BaseURI: baseURI, Secret: secret, Passphrase: passphrase}
}

// ConnectFailureResult classifies a transport-level error from
// http.Client.Do into the 408/502/500 split spec §4.2/§7 requires:
// timeout, connect/network failure, or anything else. Every send path
// in this package funnels its sendErr through here via interpretResponse.
func ConnectFailureResult(netErr error) *Result {
	msg := netErr.Error()
	switch {
	case strings.Contains(msg, "timeout"):
		return &Result{StatusCode: 408, Err: errcode.New(errcode.Timeout, "%v", netErr).WithStatus(408)}
	case strings.Contains(msg, "connect") || strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused"):
		return &Result{StatusCode: 502, Err: errcode.New(errcode.RequestError, "%v", netErr).WithStatus(502)}
	default:
		return &Result{StatusCode: 500, Err: errcode.New(errcode.RequestError, "%v", netErr).WithStatus(500)}
	}
}

// DefaultTimeouts exposes defaultTimeouts for callers building a Client
// without a custom Timeouts value.
func DefaultTimeouts() Timeouts { return defaultTimeouts() }
