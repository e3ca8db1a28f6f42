package peerproxy

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetResourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
		if r.Header.Get("Authorization") != "Bearer sek" {
			t.Errorf("unexpected Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(DefaultTimeouts())
	target := FromTrust("a1", "p1", srv.URL, "sek", "")
	res := c.GetResource(context.Background(), target, "/meta/actingweb/supported", nil)

	if !res.Ok() {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestBearerToBasicFallback(t *testing.T) {
	var attempts []string
	var requestIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts = append(attempts, r.Header.Get("Authorization"))
		requestIDs = append(requestIDs, r.Header.Get("X-Request-ID"))
		if len(attempts) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(DefaultTimeouts())
	target := FromTrust("a1", "p1", srv.URL, "sek", "pass123")
	res := c.GetResource(context.Background(), target, "/x", nil)

	if !res.Ok() {
		t.Fatalf("expected success after fallback, got %+v", res)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d: %v", len(attempts), attempts)
	}
	wantBasic := "Basic " + base64.StdEncoding.EncodeToString([]byte("trustee:pass123"))
	if attempts[1] != wantBasic {
		t.Fatalf("second attempt auth = %q, want %q", attempts[1], wantBasic)
	}
	if requestIDs[0] != requestIDs[1] {
		t.Fatalf("expected correlated X-Request-ID across attempts, got %v", requestIDs)
	}
}

func TestNoFallbackWithoutPassphrase(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(DefaultTimeouts())
	target := FromTrust("a1", "p1", srv.URL, "sek", "")
	res := c.GetResource(context.Background(), target, "/x", nil)

	if res.Ok() {
		t.Fatal("expected failure without passphrase fallback")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestNonJSONNon2xxSynthesizesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("plain text failure"))
	}))
	defer srv.Close()

	c := New(DefaultTimeouts())
	target := FromTrust("a1", "p1", srv.URL, "sek", "")
	res := c.GetResource(context.Background(), target, "/x", nil)

	if res.Ok() {
		t.Fatal("expected failure")
	}
	if res.Err == nil {
		t.Fatal("expected structured error")
	}
}

func TestCreateResourceCapturesLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/subscriptions/sub1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sub1"}`))
	}))
	defer srv.Close()

	c := New(DefaultTimeouts())
	target := FromTrust("a1", "p1", srv.URL, "sek", "")
	res := c.CreateResource(context.Background(), target, "/subscriptions", map[string]string{"target": "properties"})

	if res.Location != "/subscriptions/sub1" {
		t.Fatalf("Location = %q, want /subscriptions/sub1", res.Location)
	}
}
