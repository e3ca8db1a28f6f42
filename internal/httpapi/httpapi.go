// Package httpapi wires the gin HTTP surface for one actor: the
// meta/trust/subscription/callback endpoints from spec §6.2. Mirrors
// ppriyankuu-godkv's internal/api/handlers.go — a Handler struct holding
// injected dependencies, a Register(r *gin.Engine) method mounting route
// groups, and c.ShouldBindJSON/c.JSON request handling — retargeted from
// /kv and /cluster to /meta, /trust, /subscriptions, /callbacks.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mesh-actingweb/actorcore/internal/actor"
	"github.com/mesh-actingweb/actorcore/internal/callback"
	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/envelope"
	"github.com/mesh-actingweb/actorcore/internal/reqcontext"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

// ProtocolVersion is this implementation's own advertised version,
// returned from GET /meta/actingweb/version.
const ProtocolVersion = "1.0"

// Handler holds all dependencies injected from cmd/meshnode.
type Handler struct {
	actor     *actor.Actor
	callbacks *callback.Processor
}

// NewHandler creates a Handler for one actor and its callback processor.
func NewHandler(a *actor.Actor, cb *callback.Processor) *Handler {
	return &Handler{actor: a, callbacks: cb}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Meta — this actor's own self-description, queried by peers during
	// the capability-cache refresh (§4.4).
	meta := r.Group("/meta/actingweb")
	meta.GET("/supported", h.GetSupported)
	meta.GET("/version", h.GetVersion)

	// Trust management.
	trustGroup := r.Group("/trust")
	trustGroup.POST("", h.CreateTrust)
	trustGroup.PUT("/:relationship/:peer_id", h.UpdateTrust)
	trustGroup.DELETE("/:relationship/:peer_id", h.DeleteTrust)

	// Subscription management — mounted on the publisher side; peerID in
	// the path identifies the subscribing peer, not this actor.
	subs := r.Group("/subscriptions")
	subs.POST("", h.CreateSubscription)
	subs.GET("/:peer_id", h.ListSubscriptions)
	subs.GET("/:peer_id/:sub_id", h.GetSubscription)
	subs.PUT("/:peer_id/:sub_id", h.AcknowledgeSubscription)
	subs.DELETE("/:peer_id/:sub_id", h.DeleteSubscription)
	subs.POST("/suspend", h.SuspendSubscriptions)
	subs.POST("/resume", h.ResumeSubscriptions)

	// Callbacks — mounted on the subscriber side; publisherID in the
	// path identifies who is delivering this envelope.
	callbacks := r.Group("/callbacks")
	callbacks.POST("/subscriptions/:publisher_id/:sub_id", h.HandleSubscriptionCallback)

	// Breakers — read-only status plus manual reset (spec §4.3).
	breakers := r.Group("/breakers")
	breakers.GET("", h.ListBreakers)
	breakers.POST("/:peer_id/reset", h.ResetBreaker)
}

// ─── Meta handlers ──────────────────────────────────────────────────────────

// GetSupported handles GET /meta/actingweb/supported.
func (h *Handler) GetSupported(c *gin.Context) {
	c.String(http.StatusOK, joinTags(capabilities.AllTags()))
}

// GetVersion handles GET /meta/actingweb/version.
func (h *Handler) GetVersion(c *gin.Context) {
	c.String(http.StatusOK, ProtocolVersion)
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// ─── Trust handlers ─────────────────────────────────────────────────────────

// CreateTrust handles POST /trust.
// Body: {"peer_id","baseuri","secret","relationship","established_via"}
func (h *Handler) CreateTrust(c *gin.Context) {
	var body struct {
		PeerID         string `json:"peer_id" binding:"required"`
		BaseURI        string `json:"baseuri" binding:"required"`
		Secret         string `json:"secret" binding:"required"`
		Relationship   string `json:"relationship"`
		EstablishedVia string `json:"established_via"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rel := &trust.Relationship{
		ActorID:         h.actor.ID,
		PeerID:          body.PeerID,
		BaseURI:         body.BaseURI,
		Secret:          body.Secret,
		RelationshipTag: body.Relationship,
		EstablishedVia:  body.EstablishedVia,
	}
	if err := h.actor.Trust.Put(c.Request.Context(), rel); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"peer_id": rel.PeerID, "relationship": rel.RelationshipTag})
}

// UpdateTrust handles PUT /trust/:relationship/:peer_id.
// Body: {"approved": bool}
func (h *Handler) UpdateTrust(c *gin.Context) {
	peerID := c.Param("peer_id")

	var body struct {
		Approved bool `json:"approved"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rel, err := h.actor.Trust.Approve(c.Request.Context(), h.actor.ID, peerID, body.Approved)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer_id": rel.PeerID, "approved": rel.Approved})
}

// DeleteTrust handles DELETE /trust/:relationship/:peer_id. Dissolving
// cascades to every subscription and diff between this actor and the
// peer (spec §4.6).
func (h *Handler) DeleteTrust(c *gin.Context) {
	peerID := c.Param("peer_id")

	if err := h.actor.DissolveTrust(c.Request.Context(), peerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Subscription handlers ──────────────────────────────────────────────────

// CreateSubscription handles POST /subscriptions.
// Body: {"peer_id","target","subtarget","callback_url","granularity"}
func (h *Handler) CreateSubscription(c *gin.Context) {
	var body struct {
		PeerID      string `json:"peer_id" binding:"required"`
		Target      string `json:"target" binding:"required"`
		Subtarget   string `json:"subtarget"`
		CallbackURL string `json:"callback_url" binding:"required"`
		Granularity string `json:"granularity"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	granularity := envelope.Granularity(body.Granularity)
	if granularity != envelope.GranularityLow {
		granularity = envelope.GranularityHigh
	}

	rec, err := h.actor.Subs.Subscribe(c.Request.Context(), body.PeerID, body.Target, body.Subtarget, body.CallbackURL, granularity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListSubscriptions handles GET /subscriptions/:peer_id.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	peerID := c.Param("peer_id")

	recs, err := h.actor.Subs.ListByPeer(c.Request.Context(), peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": recs})
}

// GetSubscription handles GET /subscriptions/:peer_id/:sub_id, returning
// the subscription's current sequence plus its unacknowledged diffs
// (spec §6.2).
func (h *Handler) GetSubscription(c *gin.Context) {
	peerID, subID := c.Param("peer_id"), c.Param("sub_id")

	rec, ok, err := h.actor.Subs.Get(c.Request.Context(), peerID, subID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	diffs, err := h.actor.Subs.ListDiffs(c.Request.Context(), peerID, subID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription_id": rec.SubscriptionID,
		"peer_id":         rec.PeerID,
		"target":          rec.Target,
		"subtarget":       rec.Subtarget,
		"granularity":     rec.Granularity,
		"sequence":        rec.Sequence,
		"callback_url":    rec.CallbackURL,
		"created_at":      rec.CreatedAt,
		"pending_diffs":   diffs,
	})
}

// AcknowledgeSubscription handles PUT /subscriptions/:peer_id/:sub_id,
// the low-granularity acknowledgement protocol's target (spec §4.6).
// Body: {"sequence": n}
func (h *Handler) AcknowledgeSubscription(c *gin.Context) {
	peerID, subID := c.Param("peer_id"), c.Param("sub_id")

	var body struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.actor.Subs.Acknowledge(c.Request.Context(), peerID, subID, body.Sequence); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteSubscription handles DELETE /subscriptions/:peer_id/:sub_id.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	peerID, subID := c.Param("peer_id"), c.Param("sub_id")

	if err := h.actor.Subs.Unsubscribe(c.Request.Context(), peerID, subID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// SuspendSubscriptions handles POST /subscriptions/suspend.
// Body: {"target","subtarget"}
func (h *Handler) SuspendSubscriptions(c *gin.Context) {
	var body struct {
		Target    string `json:"target" binding:"required"`
		Subtarget string `json:"subtarget"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.actor.Subs.Suspend(body.Target, body.Subtarget)
	c.Status(http.StatusNoContent)
}

// ResumeSubscriptions handles POST /subscriptions/resume.
// Body: {"target","subtarget","baseline"}
func (h *Handler) ResumeSubscriptions(c *gin.Context) {
	var body struct {
		Target    string `json:"target" binding:"required"`
		Subtarget string `json:"subtarget"`
		Baseline  any    `json:"baseline"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.actor.Subs.Resume(c.Request.Context(), body.Target, body.Subtarget, body.Baseline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Breaker handlers ───────────────────────────────────────────────────────

// ListBreakers handles GET /breakers, returning every peer breaker this
// actor has observed (spec §4.3 "external callers observe via
// get_status() only").
func (h *Handler) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.actor.Breaker.Status()})
}

// ResetBreaker handles POST /breakers/:peer_id/reset.
func (h *Handler) ResetBreaker(c *gin.Context) {
	peerID := c.Param("peer_id")
	rec := h.actor.Breaker.Reset(c.Request.Context(), peerID).Snapshot()
	c.JSON(http.StatusOK, rec)
}

// ─── Callback handler ───────────────────────────────────────────────────────

// HandleSubscriptionCallback handles POST
// /callbacks/subscriptions/:publisher_id/:sub_id (spec §4.7). The
// caller is assumed already authenticated as publisherID — Bearer
// verification against trust is the responsibility of whatever
// middleware sits in front of this route in a full deployment; this
// core only implements the sequencing/resync/list-mutation logic.
func (h *Handler) HandleSubscriptionCallback(c *gin.Context) {
	publisherID, subID := c.Param("publisher_id"), c.Param("sub_id")

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := reqcontext.WithActorID(c.Request.Context(), h.actor.ID)
	ctx = reqcontext.WithPeerID(ctx, publisherID)

	outcome := h.callbacks.HandleCallback(ctx, publisherID, subID, raw)
	if outcome.Err != nil {
		c.JSON(outcome.Status, gin.H{"error": outcome.Err.Error(), "code": outcome.Err.Code})
		return
	}
	c.Status(outcome.Status)
}
