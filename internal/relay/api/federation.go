package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uam-network/uam-relay/internal/relay/federation"
)

// FederationHandler serves the peer-relay-facing federation endpoint and
// the well-known discovery document.
type FederationHandler struct {
	inbound    *federation.Inbound
	selfDomain string
	selfPubKey string
	fedURL     string
}

// NewFederationHandler constructs a FederationHandler. fedURL is this
// relay's own federation endpoint, advertised at the well-known document.
func NewFederationHandler(inbound *federation.Inbound, selfDomain, selfPubKey, fedURL string) *FederationHandler {
	return &FederationHandler{inbound: inbound, selfDomain: selfDomain, selfPubKey: selfPubKey, fedURL: fedURL}
}

// Register wires /federation/deliver under rg and the well-known document
// at the router's root.
func (h *FederationHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/federation/deliver", h.handleDeliver)
}

// RegisterWellKnown wires the discovery document at the router root,
// called separately since it is not under /api/v1.
func (h *FederationHandler) RegisterWellKnown(r gin.IRouter) {
	r.GET("/.well-known/uam-relay.json", h.handleWellKnown)
}

func (h *FederationHandler) handleDeliver(c *gin.Context) {
	var req federationDeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	signature := c.GetHeader("X-UAM-Relay-Signature")
	relayDomain := c.GetHeader("X-UAM-Relay-Domain")
	if signature == "" || relayDomain == "" {
		writeError(c, http.StatusUnauthorized, "unauthorized", "missing relay signature headers")
		return
	}

	body := &federation.Body{
		Envelope:  req.Envelope,
		Via:       req.Via,
		HopCount:  req.HopCount,
		Timestamp: req.Timestamp,
		FromRelay: req.FromRelay,
	}
	status, rejErr := h.inbound.Handle(c.Request.Context(), body, relayDomain, signature)
	if rejErr != nil {
		writeError(c, rejErr.Status, federationErrorCode(rejErr.Status), rejErr.Reason)
		return
	}
	c.JSON(http.StatusOK, federationDeliverResponse{Status: status})
}

func federationErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "bad_request"
	}
}

func (h *FederationHandler) handleWellKnown(c *gin.Context) {
	c.JSON(http.StatusOK, wellKnownResponse{
		FederationEndpoint: h.fedURL,
		PublicKey:          h.selfPubKey,
	})
}
