package quota

import (
	"context"
	"errors"
	"testing"

	"tabular-platform/internal/models"
)

type memUsage struct {
	active map[string]int
}

func (m *memUsage) CountActiveByOwner(_ context.Context, owner string) (int, error) {
	return m.active[owner], nil
}

func newController(active int) *Controller {
	ledger := NewLedger(seededTiers(), nil)
	return NewController(ledger, &memUsage{active: map[string]int{"u1": active}})
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	return qe.Reason
}

func TestAdmitAccepts(t *testing.T) {
	c := newController(0)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 4, GPUs: 0, RuntimeSeconds: 300})
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestAdmitRejectsConcurrency(t *testing.T) {
	// free tier: concurrency 1, one job already active.
	c := newController(1)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 4, GPUs: 0, RuntimeSeconds: 300})
	if got := rejectionReason(t, err); got != ReasonConcurrency {
		t.Fatalf("expected concurrency, got %s", got)
	}
}

func TestAdmitRejectsCPU(t *testing.T) {
	c := newController(0)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 16, GPUs: 0, RuntimeSeconds: 300})
	if got := rejectionReason(t, err); got != ReasonCPU {
		t.Fatalf("expected cpu, got %s", got)
	}
}

func TestAdmitRejectsGPU(t *testing.T) {
	c := newController(0)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 4, GPUs: 1, RuntimeSeconds: 300})
	if got := rejectionReason(t, err); got != ReasonGPU {
		t.Fatalf("expected gpu, got %s", got)
	}
}

func TestAdmitRejectsRuntimeWithoutClamping(t *testing.T) {
	c := newController(0)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 4, GPUs: 0, RuntimeSeconds: 601})
	if got := rejectionReason(t, err); got != ReasonRuntime {
		t.Fatalf("expected runtime, got %s", got)
	}
}

func TestAdmitAcceptsAtExactLimits(t *testing.T) {
	c := newController(0)
	err := c.Admit(context.Background(), models.User{ID: "u1", Tier: "free"},
		models.ResourceRequest{CPUs: 8, GPUs: 0, RuntimeSeconds: 600})
	if err != nil {
		t.Fatalf("expected accept at exact limits, got %v", err)
	}
}

func TestCheckCountsWholeBatch(t *testing.T) {
	// startup tier: concurrency 4. Two active plus a flight of three
	// does not fit; a flight of two does.
	profile := TierDefaults()["startup"]
	req := models.ResourceRequest{CPUs: 8, GPUs: 0, RuntimeSeconds: 600}

	if err := Check(profile, 2, 3, req); err == nil {
		t.Fatalf("expected concurrency rejection for batch of 3")
	} else if got := rejectionReason(t, err); got != ReasonConcurrency {
		t.Fatalf("expected concurrency, got %s", got)
	}

	if err := Check(profile, 2, 2, req); err != nil {
		t.Fatalf("expected batch of 2 to fit, got %v", err)
	}
}
