package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tabular-platform/internal/models"
	"tabular-platform/internal/quota"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SeedTiers upserts the built-in tier table. Re-applying an unchanged table
// is a no-op; changed values are updated in place. The tier_name primary
// key guarantees no duplicate rows.
func (s *Store) SeedTiers(ctx context.Context) error {
	for name, p := range quota.TierDefaults() {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO api_tiers (tier_name, concurrency, max_cpus, max_gpus, max_runtime_seconds, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (tier_name) DO UPDATE
			SET concurrency = EXCLUDED.concurrency,
			    max_cpus = EXCLUDED.max_cpus,
			    max_gpus = EXCLUDED.max_gpus,
			    max_runtime_seconds = EXCLUDED.max_runtime_seconds,
			    updated_at = NOW()
			WHERE (api_tiers.concurrency, api_tiers.max_cpus, api_tiers.max_gpus, api_tiers.max_runtime_seconds)
			      IS DISTINCT FROM
			      (EXCLUDED.concurrency, EXCLUDED.max_cpus, EXCLUDED.max_gpus, EXCLUDED.max_runtime_seconds)
		`, name, p.Concurrency, p.MaxCPUs, p.MaxGPUs, p.MaxRuntimeSeconds)
		if err != nil {
			return fmt.Errorf("seed tier %s: %w", name, err)
		}
	}
	return nil
}

// GetTier fetches a named tier default.
func (s *Store) GetTier(ctx context.Context, name string) (models.QuotaProfile, bool, error) {
	var p models.QuotaProfile
	err := s.pool.QueryRow(ctx, `
		SELECT concurrency, max_cpus, max_gpus, max_runtime_seconds
		FROM api_tiers WHERE tier_name = $1
	`, name).Scan(&p.Concurrency, &p.MaxCPUs, &p.MaxGPUs, &p.MaxRuntimeSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaProfile{}, false, nil
	}
	if err != nil {
		return models.QuotaProfile{}, false, fmt.Errorf("query tier: %w", err)
	}
	return p, true, nil
}

// EnsureUser creates the user row on first contact, defaulting to the free
// tier. Existing rows are left untouched.
func (s *Store) EnsureUser(ctx context.Context, id string) (models.User, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, tier, created_at, updated_at)
		VALUES ($1, 'free', NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return models.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser fetches a user together with any stored quota override.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var oc, ocpu, ogpu, ort *int
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.tier, u.created_at, u.updated_at,
		       q.concurrency, q.max_cpus, q.max_gpus, q.max_runtime_seconds
		FROM users u
		LEFT JOIN user_quotas q ON q.user_id = u.id
		WHERE u.id = $1
	`, id).Scan(&u.ID, &u.Tier, &u.CreatedAt, &u.UpdatedAt, &oc, &ocpu, &ogpu, &ort)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	if oc != nil && ocpu != nil && ogpu != nil && ort != nil {
		u.Override = &models.QuotaProfile{
			Concurrency:       *oc,
			MaxCPUs:           *ocpu,
			MaxGPUs:           *ogpu,
			MaxRuntimeSeconds: *ort,
		}
	}
	return u, nil
}

// SetUserQuota stores a per-user override that fully replaces the tier
// default when resolving the user's profile.
func (s *Store) SetUserQuota(ctx context.Context, userID string, p models.QuotaProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_quotas (user_id, concurrency, max_cpus, max_gpus, max_runtime_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET concurrency = EXCLUDED.concurrency,
		    max_cpus = EXCLUDED.max_cpus,
		    max_gpus = EXCLUDED.max_gpus,
		    max_runtime_seconds = EXCLUDED.max_runtime_seconds,
		    updated_at = NOW()
	`, userID, p.Concurrency, p.MaxCPUs, p.MaxGPUs, p.MaxRuntimeSeconds)
	if err != nil {
		return fmt.Errorf("set user quota: %w", err)
	}
	return nil
}

// SetUserTier updates the user's tier name.
func (s *Store) SetUserTier(ctx context.Context, userID, tier string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET tier = $2, updated_at = NOW() WHERE id = $1
	`, userID, tier)
	if err != nil {
		return fmt.Errorf("set user tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
