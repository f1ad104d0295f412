package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tabular-platform/internal/models"
)

// TierCustom marks accounts whose quota is a stored per-user override
// rather than a named tier default.
const TierCustom = "custom"

// ErrUnknownTier is a configuration error: the user references a tier name
// that has never been seeded.
var ErrUnknownTier = errors.New("unknown quota tier")

// ErrMissingOverride is a configuration error: a custom-tier user has no
// stored override to resolve against.
var ErrMissingOverride = errors.New("custom tier without stored quota override")

// TierDefaults returns the built-in tier table. The store seeds these
// idempotently at startup; re-applying an unchanged table is a no-op.
func TierDefaults() map[string]models.QuotaProfile {
	return map[string]models.QuotaProfile{
		"free":      {Concurrency: 1, MaxCPUs: 8, MaxGPUs: 0, MaxRuntimeSeconds: 60 * 10},
		"supporter": {Concurrency: 1, MaxCPUs: 8, MaxGPUs: 0, MaxRuntimeSeconds: 60 * 30},
		"lab":       {Concurrency: 2, MaxCPUs: 16, MaxGPUs: 0, MaxRuntimeSeconds: 60 * 60},
		"startup":   {Concurrency: 4, MaxCPUs: 32, MaxGPUs: 0, MaxRuntimeSeconds: 60 * 60 * 8},
	}
}

// TierSource resolves named tier defaults, typically backed by the
// api_tiers table.
type TierSource interface {
	GetTier(ctx context.Context, name string) (models.QuotaProfile, bool, error)
}

// Ledger answers admission queries: which quota profile governs a user.
type Ledger struct {
	tiers TierSource
	log   *slog.Logger
}

// NewLedger builds a ledger over the given tier source.
func NewLedger(tiers TierSource, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{tiers: tiers, log: log}
}

// Resolve returns the profile governing the user. A stored per-user
// override fully replaces the tier default; there is no field-level merge.
func (l *Ledger) Resolve(ctx context.Context, user models.User) (models.QuotaProfile, error) {
	if user.Tier == TierCustom {
		if user.Override == nil {
			return models.QuotaProfile{}, fmt.Errorf("user %s: %w", user.ID, ErrMissingOverride)
		}
		l.log.Info("skipping tier defaults for custom quota", "user_id", user.ID)
		return *user.Override, nil
	}
	if user.Override != nil {
		return *user.Override, nil
	}
	profile, found, err := l.tiers.GetTier(ctx, user.Tier)
	if err != nil {
		return models.QuotaProfile{}, fmt.Errorf("resolve tier %q: %w", user.Tier, err)
	}
	if !found {
		return models.QuotaProfile{}, fmt.Errorf("tier %q: %w", user.Tier, ErrUnknownTier)
	}
	return profile, nil
}
