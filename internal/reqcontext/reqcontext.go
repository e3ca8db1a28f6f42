// Package reqcontext threads request/actor/peer identifiers through the
// call graph the way the rest of this codebase threads context.Context:
// explicitly, as a value carried on the context rather than ambient
// goroutine-local state. Every suspension point in peerproxy,
// capabilities, fanout and callback accepts a context.Context and reads
// its scope from here.
package reqcontext

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type scopeKey struct{}

// scope is immutable once attached to a context. Deriving a new value
// (WithRequestID, WithActorID, WithPeerID) copies the struct and wraps a
// fresh context — it never mutates a scope another goroutine might be
// reading, which is what makes this safe to share across goroutines
// spawned from the same request.
type scope struct {
	requestID string
	actorID   string
	peerID    string
}

func fromContext(ctx context.Context) (scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(scope)
	return s, ok
}

// WithContext attaches request_id/actor_id/peer_id to ctx. Empty strings
// leave the corresponding slot as inherited from ctx. When requestID is empty and
// generateID is true, a fresh UUID is minted. Returns the derived
// context and the request ID that ended up set (generated or supplied).
func WithContext(ctx context.Context, requestID, actorID, peerID string, generateID bool) (context.Context, string) {
	prev, _ := fromContext(ctx)
	s := prev

	if requestID != "" {
		s.requestID = requestID
	} else if generateID {
		s.requestID = uuid.NewString()
	}
	if actorID != "" {
		s.actorID = actorID
	}
	if peerID != "" {
		s.peerID = peerID
	}
	return context.WithValue(ctx, scopeKey{}, s), s.requestID
}

// WithRequestID is a narrow helper for the common case of only setting
// the request ID, generating one if none is supplied.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	return WithContext(ctx, requestID, "", "", true)
}

// WithActorID attaches only the actor ID, preserving any existing scope.
func WithActorID(ctx context.Context, actorID string) context.Context {
	ctx, _ = WithContext(ctx, "", actorID, "", false)
	return ctx
}

// WithPeerID attaches only the peer ID, preserving any existing scope.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	ctx, _ = WithContext(ctx, "", "", peerID, false)
	return ctx
}

// Clear returns a child of ctx whose request scope is empty. context.Context
// values are immutable once derived, so "clearing" means deriving a
// context whose scopeKey{} holds a zero scope, which shadows whatever
// ctx carried; ctx's deadline and cancellation still apply. Callers that
// hold a reference to the pre-clear context are unaffected, matching the
// invariant that clearing never leaks between logically distinct
// requests.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{})
}

// RequestID returns the request ID in scope, or "" if none is set.
func RequestID(ctx context.Context) string {
	s, _ := fromContext(ctx)
	return s.requestID
}

// ActorID returns the actor ID in scope, or "" if none is set.
func ActorID(ctx context.Context) string {
	s, _ := fromContext(ctx)
	return s.actorID
}

// PeerID returns the peer ID in scope, or "" if none is set.
func PeerID(ctx context.Context) string {
	s, _ := fromContext(ctx)
	return s.peerID
}

// AsMap renders the scope as a plain map, omitting unset slots.
func AsMap(ctx context.Context) map[string]string {
	s, ok := fromContext(ctx)
	out := make(map[string]string, 3)
	if !ok {
		return out
	}
	if s.requestID != "" {
		out["request_id"] = s.requestID
	}
	if s.actorID != "" {
		out["actor_id"] = s.actorID
	}
	if s.peerID != "" {
		out["peer_id"] = s.peerID
	}
	return out
}

// FormatCompact renders "[<last8>:<actor>:<lastSegment>]", substituting
// "-" for any missing slot. A peer ID containing colons is shortened to
// its final colon-delimited segment (peer IDs are frequently
// "relationship:uuid"-shaped; only the uuid tail is useful in a log
// line).
func FormatCompact(ctx context.Context) string {
	s, _ := fromContext(ctx)

	reqPart := "-"
	if s.requestID != "" {
		reqPart = shortRequestID(s.requestID)
	}

	actorPart := "-"
	if s.actorID != "" {
		actorPart = s.actorID
	}

	peerPart := "-"
	if s.peerID != "" {
		peerPart = shortPeerID(s.peerID)
	}

	return "[" + reqPart + ":" + actorPart + ":" + peerPart + "]"
}

// shortRequestID returns the last 8 characters of id with hyphens
// stripped first, so a standard UUID yields 8 hex characters regardless
// of where its hyphens fall.
func shortRequestID(id string) string {
	stripped := strings.ReplaceAll(id, "-", "")
	if len(stripped) <= 8 {
		return stripped
	}
	return stripped[len(stripped)-8:]
}

// shortPeerID returns the substring after the last ':' in id, or id
// itself if it contains no colon.
func shortPeerID(id string) string {
	if idx := strings.LastIndex(id, ":"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}
