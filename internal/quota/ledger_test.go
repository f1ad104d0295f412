package quota

import (
	"context"
	"errors"
	"testing"

	"tabular-platform/internal/models"
)

type memTiers struct {
	tiers map[string]models.QuotaProfile
}

func (m *memTiers) GetTier(_ context.Context, name string) (models.QuotaProfile, bool, error) {
	p, ok := m.tiers[name]
	return p, ok, nil
}

func seededTiers() *memTiers {
	return &memTiers{tiers: TierDefaults()}
}

func TestTierDefaultsTable(t *testing.T) {
	defaults := TierDefaults()
	cases := []struct {
		tier                       string
		concurrency, cpus, gpus, runtime int
	}{
		{"free", 1, 8, 0, 600},
		{"supporter", 1, 8, 0, 1800},
		{"lab", 2, 16, 0, 3600},
		{"startup", 4, 32, 0, 28800},
	}
	for _, tc := range cases {
		p, ok := defaults[tc.tier]
		if !ok {
			t.Fatalf("missing tier %s", tc.tier)
		}
		if p.Concurrency != tc.concurrency || p.MaxCPUs != tc.cpus || p.MaxGPUs != tc.gpus || p.MaxRuntimeSeconds != tc.runtime {
			t.Errorf("tier %s: got %+v", tc.tier, p)
		}
	}
}

func TestResolveNamedTier(t *testing.T) {
	ledger := NewLedger(seededTiers(), nil)
	p, err := ledger.Resolve(context.Background(), models.User{ID: "u1", Tier: "lab"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Concurrency != 2 || p.MaxCPUs != 16 {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestResolveCustomUsesOverrideVerbatim(t *testing.T) {
	ledger := NewLedger(seededTiers(), nil)
	override := models.QuotaProfile{Concurrency: 9, MaxCPUs: 64, MaxGPUs: 2, MaxRuntimeSeconds: 99999}
	p, err := ledger.Resolve(context.Background(), models.User{ID: "u1", Tier: TierCustom, Override: &override})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != override {
		t.Fatalf("expected override verbatim, got %+v", p)
	}
}

func TestResolveCustomWithoutOverrideFails(t *testing.T) {
	ledger := NewLedger(seededTiers(), nil)
	_, err := ledger.Resolve(context.Background(), models.User{ID: "u1", Tier: TierCustom})
	if !errors.Is(err, ErrMissingOverride) {
		t.Fatalf("expected ErrMissingOverride, got %v", err)
	}
}

func TestResolveUnknownTierFails(t *testing.T) {
	ledger := NewLedger(seededTiers(), nil)
	_, err := ledger.Resolve(context.Background(), models.User{ID: "u1", Tier: "platinum"})
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestResolveOverrideReplacesTierDefault(t *testing.T) {
	// A stored override on a named tier fully replaces the default; no
	// field-level merge.
	ledger := NewLedger(seededTiers(), nil)
	override := models.QuotaProfile{Concurrency: 3, MaxCPUs: 4, MaxGPUs: 0, MaxRuntimeSeconds: 120}
	p, err := ledger.Resolve(context.Background(), models.User{ID: "u1", Tier: "free", Override: &override})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != override {
		t.Fatalf("expected override to replace default, got %+v", p)
	}
}
