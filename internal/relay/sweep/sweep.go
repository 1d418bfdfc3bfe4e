// Package sweep runs the relay's periodic background maintenance tasks:
// sender rate-limiter bucket pruning, expired demo-session cleanup,
// expired-dedup cleanup, expired stored-message cleanup, and scheduled
// domain re-verification. Each task is its own ticker-driven goroutine,
// cancellation-aware via context.Context, mirroring cmd/registry/main.go's
// DNS-challenge-cleanup ticker loop.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

const (
	senderLimiterPruneInterval   = 5 * time.Minute
	demoSessionExpiryInterval    = 1 * time.Minute
	seenMessageSweepInterval     = 1 * time.Hour
	storedMessageSweepInterval   = 5 * time.Minute
	domainVerificationInterval   = 15 * time.Minute
	domainVerificationRecheckAge = 24 * time.Hour
)

// DomainChecker re-validates a previously verified domain's proof is still
// present; callers outside this package supply the DNS/HTTPS oracle.
type DomainChecker func(ctx context.Context, v *model.DomainVerification) (stillValid bool)

// Runner owns the full set of sweeper goroutines and their shutdown.
type Runner struct {
	storage    store.Storage
	senderRL   *spam.SlidingWindowLimiter
	reputation *spam.ReputationManager
	checker    DomainChecker
	log        *zap.Logger
}

// New constructs a Runner. checker may be nil, in which case domain
// re-verification is skipped (no oracle configured).
func New(storage store.Storage, senderRL *spam.SlidingWindowLimiter, reputation *spam.ReputationManager, checker DomainChecker, log *zap.Logger) *Runner {
	return &Runner{storage: storage, senderRL: senderRL, reputation: reputation, checker: checker, log: log}
}

// Run starts all sweepers and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var stops []func()
	stops = append(stops, r.start(ctx, senderLimiterPruneInterval, r.pruneSenderLimiter))
	stops = append(stops, r.start(ctx, demoSessionExpiryInterval, r.sweepDemoSessions))
	stops = append(stops, r.start(ctx, seenMessageSweepInterval, r.sweepSeenMessages))
	stops = append(stops, r.start(ctx, storedMessageSweepInterval, r.sweepStoredMessages))
	if r.checker != nil {
		stops = append(stops, r.start(ctx, domainVerificationInterval, r.reverifyDomains))
	}
	<-ctx.Done()
	for _, stop := range stops {
		stop()
	}
}

func (r *Runner) start(ctx context.Context, interval time.Duration, task func(ctx context.Context)) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				taskCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				task(taskCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { <-done }
}

func (r *Runner) pruneSenderLimiter(_ context.Context) {
	n := r.senderRL.Prune(time.Now())
	if n > 0 && r.log != nil {
		r.log.Debug("sweep: pruned sender limiter buckets", zap.Int("count", n))
	}
}

func (r *Runner) sweepDemoSessions(ctx context.Context) {
	n, err := r.storage.SweepExpiredDemoSessions(ctx, time.Now())
	if err != nil {
		if r.log != nil {
			r.log.Warn("sweep: expired demo sessions", zap.Error(err))
		}
		return
	}
	telemetry.RecordDemoSessionsExpired(n)
	if n > 0 && r.log != nil {
		r.log.Debug("sweep: removed expired demo sessions", zap.Int("count", n))
	}
}

func (r *Runner) sweepSeenMessages(ctx context.Context) {
	n, err := r.storage.SweepExpiredSeenMessages(ctx, time.Now().Add(-seenMessageSweepInterval))
	if err != nil {
		if r.log != nil {
			r.log.Warn("sweep: expired seen messages", zap.Error(err))
		}
		return
	}
	if n > 0 && r.log != nil {
		r.log.Debug("sweep: removed expired dedup records", zap.Int("count", n))
	}
}

func (r *Runner) sweepStoredMessages(ctx context.Context) {
	n, err := r.storage.SweepExpiredStoredMessages(ctx, time.Now())
	if err != nil {
		if r.log != nil {
			r.log.Warn("sweep: expired stored messages", zap.Error(err))
		}
		return
	}
	if n > 0 && r.log != nil {
		r.log.Debug("sweep: removed expired stored messages", zap.Int("count", n))
	}
}

func (r *Runner) reverifyDomains(ctx context.Context) {
	due, err := r.storage.ListDueDomainVerifications(ctx, time.Now().Add(-domainVerificationRecheckAge))
	if err != nil {
		if r.log != nil {
			r.log.Warn("sweep: list due domain verifications", zap.Error(err))
		}
		return
	}
	for _, v := range due {
		v.LastChecked = time.Now()
		if r.checker(ctx, v) {
			if err := r.storage.UpsertDomainVerification(ctx, v); err != nil && r.log != nil {
				r.log.Warn("sweep: persist domain verification", zap.Error(err))
			}
			continue
		}
		v.Status = "failed"
		if err := r.storage.UpsertDomainVerification(ctx, v); err != nil && r.log != nil {
			r.log.Warn("sweep: persist domain verification", zap.Error(err))
		}
		if err := r.reputation.DowngradeOnVerificationFailure(ctx, v.Address); err != nil && r.log != nil {
			r.log.Warn("sweep: downgrade reputation after verification failure", zap.Error(err))
		}
	}
}
