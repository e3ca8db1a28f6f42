// Package capabilities implements the lazy, TTL-bounded peer-capability
// cache from spec §4.4. Expiry is delegated to patrickmn/go-cache (the
// same TTL cache the linkerd2 control plane pulls in for its
// destination-credential cache), rather than a hand-rolled timestamp
// comparison, per SPEC_FULL.md's domain-stack wiring.
package capabilities

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

// Known capability tokens (spec §4.4).
const (
	TagSubscriptionBatch  = "subscriptionbatch"
	TagCallbackCompress   = "callbackcompression"
	TagSubscriptionHealth = "subscriptionhealth"
	TagSubscriptionResync = "subscriptionresync"
	TagSubscriptionStats  = "subscriptionstats"
)

const refreshTTL = 24 * time.Hour

// Set is the queryable result of a capability fetch for one peer.
type Set struct {
	Supported map[string]struct{}
	Version   string
	FetchedAt time.Time
}

// Supports reports whether tag is present in the set.
func (s *Set) Supports(tag string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Supported[tag]
	return ok
}

func (s *Set) SupportsBatch() bool       { return s.Supports(TagSubscriptionBatch) }
func (s *Set) SupportsCompression() bool { return s.Supports(TagCallbackCompress) }
func (s *Set) SupportsHealth() bool      { return s.Supports(TagSubscriptionHealth) }
func (s *Set) SupportsResync() bool      { return s.Supports(TagSubscriptionResync) }
func (s *Set) SupportsStats() bool       { return s.Supports(TagSubscriptionStats) }

// AllTags lists every capability token this implementation advertises
// at its own /meta/actingweb/supported endpoint — the httpapi layer's
// self-description, as opposed to Set, which describes what a peer
// advertised.
func AllTags() []string {
	return []string{
		TagSubscriptionBatch,
		TagCallbackCompress,
		TagSubscriptionHealth,
		TagSubscriptionResync,
		TagSubscriptionStats,
	}
}

// GetVersion returns the peer's advertised actingweb version, or "" if
// unknown.
func (s *Set) GetVersion() string {
	if s == nil {
		return ""
	}
	return s.Version
}

// GetAllSupported returns every token the peer advertised.
func (s *Set) GetAllSupported() map[string]struct{} {
	if s == nil {
		return map[string]struct{}{}
	}
	return s.Supported
}

var emptySet = &Set{Supported: map[string]struct{}{}}

// Profile is a peer's advertised display metadata (supplemented from
// original_source/actingweb's peer_profile.py, not part of the
// distilled spec's capability set but refreshed on the same cadence).
type Profile struct {
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Cache is a per-process, per-(actor,peer) capability cache. A process
// serving many actors shares one Cache instance; keys are namespaced by
// actor ID so unrelated actors never collide.
type Cache struct {
	inner  *gocache.Cache
	client *peerproxy.Client
	trust  *trust.Store
	store  storage.Store
}

// New builds a Cache with the standard 24h expiry and 1h janitor sweep.
func New(client *peerproxy.Client, trustStore *trust.Store, store storage.Store) *Cache {
	return &Cache{
		inner:  gocache.New(refreshTTL, time.Hour),
		client: client,
		trust:  trustStore,
		store:  store,
	}
}

func cacheKey(actorID, peerID string) string { return actorID + "\x00" + peerID }

// Get returns the capability set for (actorID, peerID), refreshing it
// from the peer if the cached entry is absent or the persisted
// capabilities_fetched_at predates the TTL (spec §4.4). A refresh
// failure of any kind yields an empty set — every predicate then
// returns false until the next Get call attempts another refresh; it
// never returns an error to the caller.
func (c *Cache) Get(ctx context.Context, actorID, peerID string) *Set {
	if cached, ok := c.inner.Get(cacheKey(actorID, peerID)); ok {
		return cached.(*Set)
	}

	rel, ok, err := c.trust.Get(ctx, actorID, peerID)
	if err != nil || !ok || !rel.Usable() {
		return emptySet
	}

	if !rel.CapabilitiesFetched.IsZero() && time.Since(rel.CapabilitiesFetched.UTC()) < refreshTTL {
		set := setFromTokens(rel.AWSupported, rel.AWVersion, rel.CapabilitiesFetched)
		c.inner.Set(cacheKey(actorID, peerID), set, refreshTTL)
		return set
	}

	return c.refresh(ctx, actorID, peerID, rel)
}

// refresh performs the GET(s) described in spec §4.4 and persists the
// result back onto the trust record. The version fetch is best-effort:
// its failure does not invalidate a successful supported-tokens fetch.
func (c *Cache) refresh(ctx context.Context, actorID, peerID string, rel *trust.Relationship) *Set {
	log := logging.FromContext(ctx).WithField("peer_id", peerID)
	target := peerproxy.FromTrust(actorID, peerID, rel.BaseURI, rel.Secret, "")

	res := c.client.GetResource(ctx, target, "/meta/actingweb/supported", url.Values{})
	if !res.Ok() {
		log.WithField("status", res.StatusCode).Debug("capability refresh failed")
		return emptySet
	}
	supportedRaw := decodeTokenBody(res.Body)

	version := ""
	if vres := c.client.GetResource(ctx, target, "/meta/actingweb/version", url.Values{}); vres.Ok() {
		version = decodeTokenBody(vres.Body)
	}

	now := time.Now().UTC()
	set := setFromTokens(supportedRaw, version, now)
	c.inner.Set(cacheKey(actorID, peerID), set, refreshTTL)

	if err := c.trust.UpdateCapabilities(ctx, actorID, peerID, supportedRaw, version, now); err != nil {
		log.WithError(err).Warn("failed to persist refreshed capabilities")
	}
	c.refreshProfile(ctx, log, actorID, peerID, target, now)
	return set
}

// refreshProfile best-effort fetches the peer's display profile on the
// same refresh cycle as the capability set. Its failure never affects
// the capability refresh that triggered it.
func (c *Cache) refreshProfile(ctx context.Context, log *logrus.Entry, actorID, peerID string, target peerproxy.Target, now time.Time) {
	if c.store == nil {
		return
	}
	res := c.client.GetResource(ctx, target, "/meta/actingweb/info", url.Values{})
	if !res.Ok() {
		return
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		log.WithError(err).Debug("failed to decode peer profile response")
		return
	}
	profile := Profile{DisplayName: body.DisplayName, LastSeenAt: now}
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := c.store.SetAttr(ctx, actorID, storage.BucketPeerProfiles, peerID, data); err != nil {
		log.WithError(err).Debug("failed to persist peer profile")
	}
}

// GetProfile returns the last-refreshed display profile for (actorID,
// peerID), or (nil, false) if none has been fetched yet.
func (c *Cache) GetProfile(ctx context.Context, actorID, peerID string) (*Profile, bool) {
	if c.store == nil {
		return nil, false
	}
	attr, ok, err := c.store.GetAttr(ctx, actorID, storage.BucketPeerProfiles, peerID)
	if err != nil || !ok {
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(attr.Data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func decodeTokenBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.Trim(s, `"`)
	return s
}

// setFromTokens builds a Set from a comma-separated token list, treating
// any timezone-naive fetchedAt as UTC (spec §4.4).
func setFromTokens(tokens, version string, fetchedAt time.Time) *Set {
	supported := make(map[string]struct{})
	for _, tok := range strings.Split(tokens, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			supported[tok] = struct{}{}
		}
	}
	if fetchedAt.Location() == time.Local {
		fetchedAt = fetchedAt.UTC()
	}
	return &Set{Supported: supported, Version: version, FetchedAt: fetchedAt}
}

// Invalidate drops any cached entry for (actorID, peerID), forcing the
// next Get to refresh regardless of TTL. The persisted fetch timestamp
// on the trust record is cleared too, so that copy is not reused.
func (c *Cache) Invalidate(actorID, peerID string) {
	c.inner.Delete(cacheKey(actorID, peerID))
	ctx := context.Background()
	if rel, ok, err := c.trust.Get(ctx, actorID, peerID); err == nil && ok && !rel.CapabilitiesFetched.IsZero() {
		_ = c.trust.UpdateCapabilities(ctx, actorID, peerID, rel.AWSupported, rel.AWVersion, time.Time{})
	}
}
