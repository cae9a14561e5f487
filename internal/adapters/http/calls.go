package http

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/mute"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type CreateCallRequest struct {
	Description       string   `json:"description"`
	AllowedIdentities []string `json:"allowedIdentities"`
}

type CreateCallResponse struct {
	Session *domain.CallSession `json:"session"`
	Quota   domain.Quota        `json:"quota"`
}

type QuotaResponse struct {
	Quota      domain.Quota `json:"quota"`
	DailyLimit int          `json:"dailyLimit"`
}

type StatsResponse struct {
	Pending    int          `json:"pendingEnvelopes"`
	Active     int          `json:"active"`
	Waiting    int          `json:"waiting"`
	Quota      domain.Quota `json:"quota"`
	DailyLimit int          `json:"dailyLimit"`
}

type ParticipantRequest struct {
	DisplayName string    `json:"displayName"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type WaitingRequest struct {
	DisplayName string `json:"displayName"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type AdmitRequest struct {
	DisplayName string `json:"displayName"`
}

type callHandlers struct {
	ctx     context.Context
	store   core.Store
	calls   *calls.Service
	clock   clock.Clock
	limiter *signal.RateLimiter
	streams *signal.StreamController
}

// load fetches the call named in the path and checks the caller may see it.
func (h *callHandlers) load(c *gin.Context) (*domain.CallSession, domain.Identity, bool) {
	who := identity(c)
	sess, err := h.store.Session(c.Request.Context(), domain.CallID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return nil, who, false
	}
	if !sess.IsAllowed(who) {
		abortWithError(c, domain.ErrAccessDenied)
		return nil, who, false
	}
	return sess, who, true
}

func (h *callHandlers) createCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	sess, quota, err := h.calls.StartCall(c.Request.Context(), calls.StartRequest{
		Owner:       identity(c),
		Description: req.Description,
		Allowed:     req.AllowedIdentities,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateCallResponse{Session: sess, Quota: quota})
}

func (h *callHandlers) quota(c *gin.Context) {
	who := identity(c)
	q, err := h.store.Quota(c.Request.Context(), who.ID, domain.QuotaDay(h.clock.Now()))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, QuotaResponse{Quota: q, DailyLimit: h.calls.DailyLimit()})
}

func (h *callHandlers) getCall(c *gin.Context) {
	sess, _, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *callHandlers) stats(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	if !sess.IsOwner(who.ID) {
		abortWithError(c, domain.ErrNotOwner)
		return
	}
	ctx := c.Request.Context()
	pending, err := h.store.PendingEnvelopes(ctx, sess.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	q, err := h.store.Quota(ctx, sess.OwnerID, domain.QuotaDay(h.clock.Now()))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		Pending:    pending,
		Active:     len(sess.Active),
		Waiting:    len(sess.Waiting),
		Quota:      q,
		DailyLimit: h.calls.DailyLimit(),
	})
}

// setParticipant covers join and heartbeat. Entering the call goes through
// Admit, so only the owner or someone already active may write here.
func (h *callHandlers) setParticipant(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if pid != who.ID || !(sess.IsOwner(pid) || sess.IsActive(pid)) {
		abortWithError(c, domain.ErrAccessDenied)
		return
	}
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := domain.ValidateDisplayName(req.DisplayName); err != nil {
		abortWithError(c, err)
		return
	}
	seen := req.LastSeenAt
	if seen.IsZero() {
		seen = h.clock.Now()
	}
	if err := h.store.SetParticipant(c.Request.Context(), sess.ID, pid, domain.NewParticipant(req.DisplayName, seen)); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) deleteParticipant(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if pid != who.ID && !sess.IsOwner(who.ID) {
		abortWithError(c, domain.ErrAccessDenied)
		return
	}
	if err := h.store.DeleteParticipant(c.Request.Context(), sess.ID, pid); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) setWaiting(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if pid != who.ID {
		abortWithError(c, domain.ErrAccessDenied)
		return
	}
	var req WaitingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := domain.ValidateDisplayName(req.DisplayName); err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.store.SetWaiting(c.Request.Context(), sess.ID, pid, domain.WaitingEntry{DisplayName: req.DisplayName}); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) deleteWaiting(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if pid != who.ID && !sess.IsOwner(who.ID) {
		abortWithError(c, domain.ErrAccessDenied)
		return
	}
	if err := h.store.DeleteWaiting(c.Request.Context(), sess.ID, pid); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) setMute(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if err := mute.Authorize(sess, who.ID, pid, req.Muted); err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.store.SetMute(c.Request.Context(), sess.ID, pid, req.Muted); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) admit(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	var req AdmitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body")
			return
		}
	}
	pid := domain.ParticipantID(c.Param("pid"))
	if err := admission.Admit(c.Request.Context(), h.store, sess, who.ID, pid, req.DisplayName, h.clock.Now()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// appendEnvelope stamps the caller as sender; clients cannot forge one.
func (h *callHandlers) appendEnvelope(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	if !sess.IsActive(who.ID) && !sess.IsOwner(who.ID) {
		abortWithError(c, domain.ErrAccessDenied)
		return
	}
	if !h.limiter.Allow(who.ID) {
		log.Warn().Str("module", "adapters.http").Str("call", sess.ID.String()).Str("sender", who.ID.String()).Msg("envelope rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many envelopes", Code: "rate_limited"})
		return
	}
	var env domain.Envelope
	if err := c.ShouldBindJSON(&env); err != nil || env.Recipient == "" {
		badRequest(c, "invalid envelope")
		return
	}
	if env.ID == "" {
		env = domain.NewEnvelope(sess.ID, who.ID, env.Recipient, env.Payload, h.clock.Now())
	} else {
		env.CallID = sess.ID
		env.Sender = who.ID
		if env.CreatedAt.IsZero() {
			env.CreatedAt = h.clock.Now().UTC()
		}
	}
	if err := h.store.AppendEnvelope(c.Request.Context(), env); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// deleteEnvelope acks an envelope. Only its recipient may remove it.
func (h *callHandlers) deleteEnvelope(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.store.DeleteEnvelope(c.Request.Context(), sess.ID, who.ID, domain.EnvelopeID(c.Param("eid"))); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// stream upgrades to a websocket carrying either the session snapshots or
// the caller's envelopes. Nobody may read another participant's envelopes.
func (h *callHandlers) stream(c *gin.Context) {
	sess, who, ok := h.load(c)
	if !ok {
		return
	}
	var err error
	switch signal.Topic(c.DefaultQuery("topic", string(signal.TopicSession))) {
	case signal.TopicSession:
		err = h.streams.ServeSession(h.ctx, c.Writer, c.Request, sess.ID)
	case signal.TopicEnvelopes:
		recipient := domain.ParticipantID(c.DefaultQuery("recipient", who.ID.String()))
		if recipient != who.ID {
			abortWithError(c, domain.ErrAccessDenied)
			return
		}
		err = h.streams.ServeEnvelopes(h.ctx, c.Writer, c.Request, sess.ID, recipient)
	default:
		badRequest(c, "unknown topic")
		return
	}
	if err != nil && !signal.IsUpgradeError(err) {
		abortWithError(c, err)
	}
}
