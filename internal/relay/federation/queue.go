package federation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	"github.com/uam-network/uam-relay/internal/relay/model"
)

// RetrySchedule is the delay before each successive outbound federation
// retry attempt. Index 0 is the delay applied after the first
// failed attempt.
var RetrySchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// QueueWorker periodically drains due FederationQueueEntry rows and
// retries delivery, pacing outbound attempts with a token bucket so a
// large backlog cannot burst every peer relay at once.
type QueueWorker struct {
	outbound *Outbound
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewQueueWorker constructs a QueueWorker paced at ratePerSecond.
func NewQueueWorker(outbound *Outbound, ratePerSecond float64, log *zap.Logger) *QueueWorker {
	return &QueueWorker{
		outbound: outbound,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		log:      log,
	}
}

// Run drains and retries due entries until ctx is cancelled, sleeping
// interval between polls.
func (w *QueueWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *QueueWorker) drainOnce(ctx context.Context) {
	entries, err := w.outbound.storage.DueFederationEntries(ctx, time.Now())
	if err != nil {
		if w.log != nil {
			w.log.Warn("federation queue: list due entries", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.retry(ctx, e)
	}
}

func (w *QueueWorker) retry(ctx context.Context, e *model.FederationQueueEntry) {
	var envelope map[string]any
	if err := json.Unmarshal([]byte(e.Envelope), &envelope); err != nil {
		e.Status = "failed"
		w.outbound.storage.UpdateFederationEntry(ctx, e)
		return
	}

	b := &Body{
		Envelope:  envelope,
		Via:       e.Via,
		HopCount:  e.HopCount,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		FromRelay: e.FromRelay,
	}
	toAddr, _ := envelope["to"].(string)
	recipient, parseErr := address.Parse(toAddr)
	if parseErr != nil {
		e.Status = "failed"
		w.outbound.storage.UpdateFederationEntry(ctx, e)
		return
	}

	err := w.outbound.deliver(ctx, recipient.Domain, b)
	e.AttemptCount++
	if err == nil {
		e.Status = "delivered"
		w.outbound.storage.UpdateFederationEntry(ctx, e)
		return
	}

	if e.AttemptCount >= len(RetrySchedule) {
		e.Status = "failed"
	} else {
		e.NextRetry = time.Now().Add(RetrySchedule[e.AttemptCount])
	}
	if err := w.outbound.storage.UpdateFederationEntry(ctx, e); err != nil && w.log != nil {
		w.log.Warn("federation queue: persist retry state", zap.Error(err))
	}
}

// SweepAged removes completed/failed entries older than maxAge.
func (w *QueueWorker) SweepAged(ctx context.Context, maxAge time.Duration) (int, error) {
	return w.outbound.storage.SweepAgedFederationEntries(ctx, time.Now().Add(-maxAge))
}
