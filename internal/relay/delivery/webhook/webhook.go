// Package webhook implements the relay's Tier-2 delivery path: webhook
// push with HMAC-SHA256 signing, a fixed retry schedule, and a per-agent
// circuit breaker. Grounded on internal/webhooks/service.go's deliver/
// doDelivery/signPayload shape, generalized from its fixed 3-attempt
// schedule to a [0s, 5s, 5m, 30m, 2h] schedule plus a breaker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

// RetrySchedule is the delay before each successive attempt.
// Index 0 is the delay before the first attempt (none).
var RetrySchedule = []time.Duration{
	0,
	5 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Service delivers envelopes to agent webhook endpoints.
type Service struct {
	storage    store.Storage
	httpClient *http.Client
	breaker    *circuitBreaker
	log        *zap.Logger
}

// NewService constructs a webhook delivery Service.
func NewService(storage store.Storage, log *zap.Logger) *Service {
	return &Service{
		storage:    storage,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    newCircuitBreaker(),
		log:        log,
	}
}

// Enqueue records a pending delivery and starts its retry sequence in the
// background. wire is the envelope's canonical wire dict.
func (s *Service) Enqueue(ctx context.Context, toAddress string, wire map[string]any) error {
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	messageID, _ := wire["message_id"].(string)
	d := &model.WebhookDelivery{
		MessageID: messageID,
		ToAddress: toAddress,
		Envelope:  string(body),
		Status:    model.WebhookPending,
	}
	if err := s.storage.CreateWebhookDelivery(ctx, d); err != nil {
		return fmt.Errorf("create webhook delivery: %w", err)
	}
	go s.run(context.Background(), d)
	return nil
}

// run executes the retry schedule for a single delivery, stopping early
// on success, breaker-open, or exhaustion of the schedule.
func (s *Service) run(ctx context.Context, d *model.WebhookDelivery) {
	for attempt, delay := range RetrySchedule {
		if delay > 0 {
			time.Sleep(delay)
		}

		if !s.breaker.Allow(d.ToAddress, time.Now()) {
			d.Status = model.WebhookFailed
			d.LastError = "circuit breaker open"
			s.save(ctx, d)
			telemetry.RecordWebhookDelivery("breaker_open")
			return
		}

		agent, err := s.storage.GetAgent(ctx, d.ToAddress)
		if err != nil || agent.WebhookURL == "" {
			d.Status = model.WebhookFailed
			d.LastError = "recipient has no webhook configured"
			s.save(ctx, d)
			telemetry.RecordWebhookDelivery("exhausted")
			return
		}
		if err := validateWebhookURL(agent.WebhookURL); err != nil {
			d.Status = model.WebhookFailed
			d.LastError = fmt.Sprintf("webhook url rejected: %v", err)
			s.save(ctx, d)
			telemetry.RecordWebhookDelivery("exhausted")
			return
		}

		d.AttemptCount = attempt + 1
		d.Status = model.WebhookInProgress
		s.save(ctx, d)

		success, statusCode, errMsg := s.post(ctx, agent.WebhookURL, agent.WebhookSecret, []byte(d.Envelope))
		d.LastStatus = statusCode
		d.LastError = errMsg

		if success {
			d.Status = model.WebhookSucceeded
			s.breaker.RecordSuccess(d.ToAddress)
			s.save(ctx, d)
			telemetry.RecordWebhookDelivery("delivered")
			return
		}

		s.breaker.RecordFailure(d.ToAddress, time.Now())
		telemetry.RecordWebhookDelivery("retrying")
		if s.log != nil {
			s.log.Warn("webhook: delivery attempt failed",
				zap.String("to", d.ToAddress),
				zap.Int("attempt", d.AttemptCount),
				zap.String("error", errMsg))
		}
	}
	d.Status = model.WebhookFailed
	s.save(ctx, d)
	telemetry.RecordWebhookDelivery("exhausted")
}

func (s *Service) save(ctx context.Context, d *model.WebhookDelivery) {
	if err := s.storage.UpdateWebhookDelivery(ctx, d); err != nil && s.log != nil {
		s.log.Warn("webhook: persist delivery state", zap.Error(err))
	}
}

// post performs a single signed HTTP POST delivery.
func (s *Service) post(ctx context.Context, webhookURL, secret string, body []byte) (success bool, statusCode int, errMsg string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-UAM-Signature", signPayload(body, secret))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, resp.StatusCode, ""
	}
	return false, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GenerateSecret creates a random 32-byte hex-encoded webhook secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// validateWebhookURL re-validates the endpoint immediately before each
// delivery attempt (TOCTOU guard): the URL must be https and must not
// resolve to a private/loopback host name at the syntax level checked
// here (full DNS-rebinding defense is out of scope; this rejects the
// obvious local-network targets an agent could swap in between enqueue
// and a retry hours later).
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook url must use https")
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return fmt.Errorf("webhook url must not target a loopback host")
	}
	return nil
}
