package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/relay/delivery"
	"github.com/uam-network/uam-relay/internal/relay/federation"
	"github.com/uam-network/uam-relay/internal/relay/ingress"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

const agentContextKey = "uam.agent"

// Handler serves the relay's core agent-facing REST surface: register,
// send, inbox, public-key lookup, and webhook management.
type Handler struct {
	storage    store.Storage
	pipeline   *ingress.Pipeline
	deps       *ingress.Deps
	dispatcher *delivery.Dispatcher
	outbound   *federation.Outbound
	reputation *spam.ReputationManager
	selfDomain string
	log        *zap.Logger
}

// New constructs a Handler. deps holds the blocklist/allowlist/rate-limiter
// state the ingress pipeline runs against for POST /api/v1/send; the /ws
// endpoint does not run the pipeline.
func New(storage store.Storage, pipeline *ingress.Pipeline, deps *ingress.Deps, dispatcher *delivery.Dispatcher, outbound *federation.Outbound, reputation *spam.ReputationManager, selfDomain string, log *zap.Logger) *Handler {
	return &Handler{
		storage:    storage,
		pipeline:   pipeline,
		deps:       deps,
		dispatcher: dispatcher,
		outbound:   outbound,
		reputation: reputation,
		selfDomain: selfDomain,
		log:        log,
	}
}

// Register wires every route this handler serves onto rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/register", h.handleRegister)
	rg.POST("/send", h.handleSend)
	rg.GET("/inbox/:address", h.requireAgentAuth(), h.handleInbox)
	rg.GET("/agents/:address/public-key", h.handlePublicKey)
	rg.PUT("/agents/:address/webhook", h.requireAgentAuth(), h.handlePutWebhook)
	rg.GET("/agents/:address/webhook", h.requireAgentAuth(), h.handleGetWebhook)
	rg.DELETE("/agents/:address/webhook", h.requireAgentAuth(), h.handleDeleteWebhook)
	rg.POST("/verify-domain", h.requireAgentAuth(), h.handleVerifyDomain)
}

// requireAgentAuth resolves the bearer token into a ServerAgent and checks
// it matches the `:address` path parameter, if one is present.
func (h *Handler) requireAgentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			writeError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			c.Abort()
			return
		}
		agent, err := h.storage.GetAgentByToken(c.Request.Context(), token)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "unauthorized", "unknown or invalid token")
			c.Abort()
			return
		}
		if pathAddr := c.Param("address"); pathAddr != "" && pathAddr != agent.Address {
			writeError(c, http.StatusForbidden, "forbidden", "token does not authorize this address")
			c.Abort()
			return
		}
		c.Set(agentContextKey, agent)
		c.Next()
	}
}

func agentFromCtx(c *gin.Context) *model.ServerAgent {
	v, ok := c.Get(agentContextKey)
	if !ok {
		return nil
	}
	a, _ := v.(*model.ServerAgent)
	return a
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// handleRegister handles POST /register — registers a new agent and
// issues it a bearer token.
func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	addr, err := address.Parse(req.AgentName + "::" + h.selfDomain)
	if err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid agent_name")
		return
	}
	if _, err := uamcrypto.DecodeVerifyKey(req.PublicKey); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid public_key")
		return
	}

	token, err := randomToken()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "service_unavailable", "token generation failed")
		return
	}

	agent := &model.ServerAgent{
		Address:    addr.String(),
		PublicKey:  req.PublicKey,
		Token:      token,
		WebhookURL: req.WebhookURL,
		LastSeen:   time.Now(),
		CreatedAt:  time.Now(),
	}
	if err := h.storage.RegisterAgent(c.Request.Context(), agent); err != nil {
		if err == store.ErrDuplicate {
			writeError(c, http.StatusConflict, "conflict", "address already registered")
			return
		}
		if h.log != nil {
			h.log.Error("register agent", zap.Error(err))
		}
		writeError(c, http.StatusInternalServerError, "service_unavailable", "registration failed")
		return
	}

	c.JSON(http.StatusOK, registerResponse{Address: agent.Address, Token: token})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// handleSend handles POST /send — runs the full ingress pipeline against
// the posted envelope and dispatches it on acceptance.
func (h *Handler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_envelope", err.Error())
		return
	}

	ic := &ingress.Context{
		GoCtx:   c.Request.Context(),
		Now:     time.Now(),
		Token:   bearerToken(c),
		RawWire: req.Envelope,
	}
	outcome, rejErr := h.pipeline.Run(h.deps, ic)
	if outcome == ingress.Reject {
		telemetry.RecordIngressDecision("reject", rejErr.Code)
		status := ingressStatus(rejErr.Code)
		if status != 429 && h.reputation != nil && ic.Sender != nil {
			_ = h.reputation.RecordRejected(c.Request.Context(), ic.Sender.Address)
		}
		writeError(c, status, rejErr.Code, rejErr.Detail)
		return
	}
	telemetry.RecordIngressDecision("accept", "")

	messageID, _ := ic.RawWire["message_id"].(string)
	if ic.Duplicate {
		c.JSON(http.StatusOK, sendResponse{MessageID: messageID, Delivered: true})
		return
	}

	recipientDomain := ic.RecipientAddr.Domain
	var dispatchErr error
	if recipientDomain == h.selfDomain {
		dispatchErr = h.dispatcher.Dispatch(c.Request.Context(), ic.RecipientAddr.String(), req.Envelope)
	} else if h.outbound != nil {
		dispatchErr = h.outbound.Forward(c.Request.Context(), req.Envelope, nil, 0)
	} else {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "federation not configured")
		return
	}
	if dispatchErr != nil {
		if h.log != nil {
			h.log.Warn("send: dispatch failed", zap.Error(dispatchErr))
		}
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "dispatch failed")
		return
	}

	if h.reputation != nil {
		_ = h.reputation.RecordSuccess(c.Request.Context(), ic.Sender.Address)
	}
	_ = h.storage.TouchAgentLastSeen(c.Request.Context(), ic.Sender.Address)

	c.JSON(http.StatusOK, sendResponse{MessageID: messageID, Delivered: true})
}

// handleInbox handles GET /inbox/{address} — drains and returns the stored
// messages awaiting pickup for address, at most ?limit= of them; messages
// beyond the limit are stored again for a later call.
func (h *Handler) handleInbox(c *gin.Context) {
	addr := c.Param("address")
	msgs, err := h.storage.DrainStoredMessages(c.Request.Context(), addr)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "inbox lookup failed")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 0 && len(msgs) > limit {
		for _, m := range msgs[limit:] {
			m.Delivered = false
			_ = h.storage.InsertStoredMessage(c.Request.Context(), m)
		}
		msgs = msgs[:limit]
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		var wire map[string]any
		if err := json.Unmarshal([]byte(m.WireJSON), &wire); err != nil {
			continue
		}
		out = append(out, wire)
	}
	c.JSON(http.StatusOK, inboxResponse{Messages: out, Count: len(out)})
}

// handlePublicKey handles GET /agents/{address}/public-key.
func (h *Handler) handlePublicKey(c *gin.Context) {
	addr := c.Param("address")
	agent, err := h.storage.GetAgent(c.Request.Context(), addr)
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	tier := model.TierFull
	if h.reputation != nil {
		if t, err := h.reputation.Tier(c.Request.Context(), addr); err == nil {
			tier = t
		}
	}
	resp := publicKeyResponse{Address: agent.Address, PublicKey: agent.PublicKey, Tier: string(tier)}
	if v, err := h.storage.GetDomainVerification(c.Request.Context(), addr); err == nil && v.Status == "active" {
		resp.VerifiedDomain = &v.Domain
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handlePutWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	agent := agentFromCtx(c)
	secret, err := randomToken()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "service_unavailable", "secret generation failed")
		return
	}
	if err := h.storage.UpdateAgentWebhook(c.Request.Context(), agent.Address, req.WebhookURL, secret); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "webhook update failed")
		return
	}
	c.JSON(http.StatusOK, webhookResponse{WebhookURL: req.WebhookURL})
}

func (h *Handler) handleGetWebhook(c *gin.Context) {
	agent := agentFromCtx(c)
	c.JSON(http.StatusOK, webhookResponse{WebhookURL: agent.WebhookURL})
}

func (h *Handler) handleDeleteWebhook(c *gin.Context) {
	agent := agentFromCtx(c)
	if err := h.storage.UpdateAgentWebhook(c.Request.Context(), agent.Address, "", ""); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "webhook removal failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleVerifyDomain handles POST /verify-domain — records a pending
// domain-verification claim for the authenticated agent. The actual
// DNS/HTTPS check is performed asynchronously by an external oracle; this
// endpoint only records the claim and returns the TXT record the caller
// must publish.
func (h *Handler) handleVerifyDomain(c *gin.Context) {
	var req verifyDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	agent := agentFromCtx(c)

	v := &model.DomainVerification{
		Address:     agent.Address,
		Domain:      req.Domain,
		PublicKey:   agent.PublicKey,
		Method:      "dns",
		VerifiedAt:  time.Time{},
		LastChecked: time.Now(),
		TTLHours:    24,
		Status:      "pending",
	}
	if err := h.storage.UpsertDomainVerification(c.Request.Context(), v); err != nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "could not record verification claim")
		return
	}

	c.JSON(http.StatusAccepted, verifyDomainResponse{
		Domain: req.Domain,
		Status: "pending",
		TXT:    BuildDomainTXT(agent.PublicKey, "https://"+h.selfDomain),
	})
}
