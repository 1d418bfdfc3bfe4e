// Package ingress implements the relay's ordered ingress pipeline:
// thirteen stages applied in DoS-cost-ascending order to the HTTP `send`
// endpoint. Frames a client writes on the /ws socket are read and
// discarded by the live-socket manager; they do not pass through this
// pipeline.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

// Outcome classifies a stage's verdict.
type Outcome int

const (
	// Continue advances to the next stage.
	Continue Outcome = iota
	// Accept short-circuits the pipeline as a success (e.g. a dedup hit,
	// which is idempotently accepted rather than reprocessed).
	Accept
	// Reject short-circuits the pipeline as a failure.
	Reject
)

// RejectError carries the structured error envelope returned to the
// caller, matching the API's `{"error": "<code>", "detail": "<message>"}` shape.
type RejectError struct {
	Code   string
	Detail string
}

func (e *RejectError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Detail) }

func reject(code, detail string) (Outcome, *RejectError) {
	return Reject, &RejectError{Code: code, Detail: detail}
}

// Context carries per-request state threaded through every stage.
type Context struct {
	GoCtx context.Context
	Now   time.Time

	Token         string
	RawWire       map[string]any
	Sender        *model.ServerAgent
	SenderAddr    address.Address
	Envelope      *envelope.Envelope
	RecipientAddr address.Address

	SkipReputation bool
	Duplicate      bool
}

// Deps bundles the collaborators stages need.
type Deps struct {
	Storage             store.Storage
	Blocklist           *spam.PatternSet
	Allowlist           *spam.PatternSet
	Reputation          *spam.ReputationManager
	SenderLimiter       *spam.SlidingWindowLimiter
	DomainLimiter       *spam.SlidingWindowLimiter
	RecipientLimiter    *spam.SlidingWindowLimiter
	OwnDomain           string
	DomainRatePerMin    int
	RecipientRatePerMin int
	ExpiryGraceSeconds  int
}

// Stage is one step of the ingress pipeline.
type Stage func(d *Deps, c *Context) (Outcome, *RejectError)

// Pipeline is the ordered sequence of ingress stages.
type Pipeline struct {
	stages []Stage
}

// New builds stages 1-12 of the 13-step ingress sequence in
// DoS-cost-ascending order; step 13 (dispatch) is left to the caller.
func New() *Pipeline {
	return &Pipeline{stages: []Stage{
		stageAuthenticate,
		stageBlocklist,
		stageAllowlist,
		stageSenderRateLimit,
		stageParseEnvelope,
		stageSenderIdentityMatch,
		stageDedup,
		stageExpiry,
		stageDomainRateLimit,
		stageRecipientRateLimit,
		stageReputationFloor,
		stageSignature,
	}}
}

// Run executes every stage in order, stopping at the first Accept or
// Reject outcome. Run does not perform stage 13 (dispatch) — that is the
// caller's responsibility once ingress accepts the envelope, since
// dispatch belongs to the delivery/federation layer, not ingress itself.
func (p *Pipeline) Run(d *Deps, c *Context) (Outcome, *RejectError) {
	for _, stage := range p.stages {
		outcome, rejErr := stage(d, c)
		if outcome != Continue {
			return outcome, rejErr
		}
	}
	return Accept, nil
}

// 1. Authenticate the caller by bearer token.
func stageAuthenticate(d *Deps, c *Context) (Outcome, *RejectError) {
	if c.Token == "" {
		return reject("unauthorized", "missing bearer token")
	}
	agent, err := d.Storage.GetAgentByToken(c.GoCtx, c.Token)
	if err != nil {
		return reject("unauthorized", "unknown or invalid token")
	}
	c.Sender = agent
	addr, err := address.Parse(agent.Address)
	if err != nil {
		return reject("unauthorized", "agent has malformed address")
	}
	c.SenderAddr = addr
	return Continue, nil
}

// 2. Blocklist (O(1) exact or *::domain).
func stageBlocklist(d *Deps, c *Context) (Outcome, *RejectError) {
	if d.Blocklist != nil && d.Blocklist.Matches(c.Sender.Address) {
		return reject("blocked", "sender is blocklisted")
	}
	return Continue, nil
}

// 3. Allowlist check — sets SkipReputation for subsequent steps.
func stageAllowlist(d *Deps, c *Context) (Outcome, *RejectError) {
	if d.Allowlist != nil && d.Allowlist.Matches(c.Sender.Address) {
		c.SkipReputation = true
	}
	return Continue, nil
}

// 4. Adaptive sender rate limit — receipts exempt, highest tier if
// SkipReputation.
func stageSenderRateLimit(d *Deps, c *Context) (Outcome, *RejectError) {
	// The envelope is not parsed until stage 5, so receipts are
	// recognised here by the raw wire dict's "type" field.
	if t, ok := c.RawWire["type"].(string); ok && envelope.IsReceiptLike(envelope.MessageType(t)) {
		return Continue, nil
	}
	tier := model.TierFull
	if !c.SkipReputation {
		t, err := d.Reputation.Tier(c.GoCtx, c.Sender.Address)
		if err != nil {
			return reject("service_unavailable", "reputation lookup failed")
		}
		tier = t
	}
	senderCap := spam.PerMinuteCap(tier)
	if d.SenderLimiter != nil && !d.SenderLimiter.AllowAt(c.Sender.Address, senderCap, c.Now) {
		return reject("rate_limited", "sender rate limit exceeded")
	}
	return Continue, nil
}

// 5. Parse the wire dict into an envelope.
func stageParseEnvelope(d *Deps, c *Context) (Outcome, *RejectError) {
	env, err := envelope.FromWireDict(c.RawWire)
	if err != nil {
		return reject("invalid_envelope", err.Error())
	}
	c.Envelope = env
	recipient, err := address.Parse(env.ToAddress)
	if err != nil {
		return reject("invalid_envelope", "malformed recipient address")
	}
	c.RecipientAddr = recipient
	return Continue, nil
}

// 6. Sender identity match.
func stageSenderIdentityMatch(d *Deps, c *Context) (Outcome, *RejectError) {
	if c.Envelope.FromAddress != c.Sender.Address {
		return reject("sender_mismatch", "envelope from does not match authenticated sender")
	}
	return Continue, nil
}

// 7. Dedup — atomic insert-if-absent; a hit is a silent success.
func stageDedup(d *Deps, c *Context) (Outcome, *RejectError) {
	err := d.Storage.InsertSeenMessage(c.GoCtx, &model.SeenMessageId{
		MessageID: c.Envelope.MessageID,
		FromAddr:  c.Envelope.FromAddress,
		SeenAt:    c.Now,
	})
	if err == store.ErrDuplicate {
		c.Duplicate = true
		return Accept, nil
	}
	if err != nil {
		return reject("service_unavailable", "dedup check failed")
	}
	return Continue, nil
}

// 8. Expiry — malformed expires is treated as absent.
func stageExpiry(d *Deps, c *Context) (Outcome, *RejectError) {
	if c.Envelope.Expires == nil {
		return Continue, nil
	}
	exp, err := envelope.ParseTimestamp(*c.Envelope.Expires)
	if err != nil {
		return Continue, nil
	}
	grace := time.Duration(d.ExpiryGraceSeconds) * time.Second
	if exp.Before(c.Now.Add(-grace)) {
		return reject("expired", "message has expired")
	}
	return Continue, nil
}

// 9. Domain rate limit — receipts exempt, own domain exempt.
func stageDomainRateLimit(d *Deps, c *Context) (Outcome, *RejectError) {
	if envelope.IsReceiptLike(c.Envelope.Type) {
		return Continue, nil
	}
	if c.RecipientAddr.Domain == d.OwnDomain {
		return Continue, nil
	}
	if d.DomainLimiter != nil && !d.DomainLimiter.AllowAt(c.RecipientAddr.Domain, d.DomainRatePerMin, c.Now) {
		return reject("rate_limited", "domain rate limit exceeded")
	}
	return Continue, nil
}

// 10. Recipient rate limit — 100/min default.
func stageRecipientRateLimit(d *Deps, c *Context) (Outcome, *RejectError) {
	if d.RecipientLimiter != nil && !d.RecipientLimiter.AllowAt(c.Envelope.ToAddress, d.RecipientRatePerMin, c.Now) {
		return reject("rate_limited", "recipient rate limit exceeded")
	}
	return Continue, nil
}

// 11. Reputation score floor — receipts exempt, SkipReputation exempt.
func stageReputationFloor(d *Deps, c *Context) (Outcome, *RejectError) {
	if envelope.IsReceiptLike(c.Envelope.Type) || c.SkipReputation {
		return Continue, nil
	}
	r, err := d.Reputation.GetOrCreate(c.GoCtx, c.Sender.Address)
	if err != nil {
		return reject("service_unavailable", "reputation lookup failed")
	}
	if r.Score < 20 {
		return reject("reputation_blocked", "sender reputation below floor")
	}
	return Continue, nil
}

// 12. Signature verification — expensive, last cheap-to-expensive gate.
func stageSignature(d *Deps, c *Context) (Outcome, *RejectError) {
	vk, err := uamcrypto.DecodeVerifyKey(c.Sender.PublicKey)
	if err != nil {
		return reject("invalid_signature", "sender public key is malformed")
	}
	if err := envelope.VerifyEnvelope(c.Envelope, vk); err != nil {
		return reject("invalid_signature", "signature verification failed")
	}
	return Continue, nil
}
