package spam

import (
	"context"
	"fmt"

	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

// Default reputation scores.
const (
	DefaultNewAgentScore      = 30
	DefaultDNSVerifiedScore   = 60
	successDelta              = 1
	rejectedDelta             = -5
	minScore                  = 0
	maxScore                  = 100
)

// tierFor classifies score into a ReputationTier, mirroring
// threat.severityLabel's banding switch.
func tierFor(score int) model.ReputationTier {
	switch {
	case score >= 80:
		return model.TierFull
	case score >= 50:
		return model.TierReduced
	case score >= 20:
		return model.TierThrottled
	default:
		return model.TierBlocked
	}
}

// PerMinuteCap returns the adaptive send cap for tier.
func PerMinuteCap(tier model.ReputationTier) int {
	switch tier {
	case model.TierFull:
		return 60
	case model.TierReduced:
		return 30
	case model.TierThrottled:
		return 10
	default:
		return 0
	}
}

// ReputationManager owns per-agent adaptive reputation scoring.
type ReputationManager struct {
	storage store.Storage
}

// NewReputationManager constructs a ReputationManager backed by storage.
func NewReputationManager(storage store.Storage) *ReputationManager {
	return &ReputationManager{storage: storage}
}

func clamp(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// GetOrCreate returns an agent's reputation record, creating one with the
// default new-agent score if none exists.
func (m *ReputationManager) GetOrCreate(ctx context.Context, address string) (*model.Reputation, error) {
	r, err := m.storage.GetReputation(ctx, address)
	if err == nil {
		return r, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	r = &model.Reputation{Address: address, Score: DefaultNewAgentScore}
	if err := m.storage.UpsertReputation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reputation: %w", err)
	}
	return r, nil
}

// Tier returns the reputation tier for address.
func (m *ReputationManager) Tier(ctx context.Context, address string) (model.ReputationTier, error) {
	r, err := m.GetOrCreate(ctx, address)
	if err != nil {
		return "", err
	}
	tier := tierFor(r.Score)
	telemetry.RecordReputationTier(string(tier))
	return tier, nil
}

// RecordSuccess increments an agent's score and sent counter, clamped to
// [0, 100].
func (m *ReputationManager) RecordSuccess(ctx context.Context, address string) error {
	r, err := m.GetOrCreate(ctx, address)
	if err != nil {
		return err
	}
	r.Score = clamp(r.Score + successDelta)
	r.MessagesSent++
	return m.storage.UpsertReputation(ctx, r)
}

// RecordRejected decrements an agent's score and rejected counter, clamped
// to [0, 100].
func (m *ReputationManager) RecordRejected(ctx context.Context, address string) error {
	r, err := m.GetOrCreate(ctx, address)
	if err != nil {
		return err
	}
	r.Score = clamp(r.Score + rejectedDelta)
	r.MessagesRejected++
	return m.storage.UpsertReputation(ctx, r)
}

// SetScore is the admin override: sets an absolute score, clamped on write.
func (m *ReputationManager) SetScore(ctx context.Context, address string, score int) error {
	r, err := m.GetOrCreate(ctx, address)
	if err != nil {
		return err
	}
	r.Score = clamp(score)
	return m.storage.UpsertReputation(ctx, r)
}

// MarkDNSVerified sets an agent's score to the DNS-verified default. Used
// by domain verification on success.
func (m *ReputationManager) MarkDNSVerified(ctx context.Context, address string) error {
	return m.SetScore(ctx, address, DefaultDNSVerifiedScore)
}

// DowngradeOnVerificationFailure resets a previously-verified agent's score
// to the throttled default, used by the sweep's domain re-verification task.
func (m *ReputationManager) DowngradeOnVerificationFailure(ctx context.Context, address string) error {
	return m.SetScore(ctx, address, DefaultNewAgentScore)
}
