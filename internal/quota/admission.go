package quota

import (
	"context"
	"fmt"

	"tabular-platform/internal/models"
)

// Rejection reasons carried by QuotaExceededError.
const (
	ReasonConcurrency = "concurrency"
	ReasonCPU         = "cpu"
	ReasonGPU         = "gpu"
	ReasonRuntime     = "runtime"
)

// QuotaExceededError is a normal admission rejection, not a system fault.
type QuotaExceededError struct {
	Reason string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

// UsageSource counts a user's currently non-terminal jobs.
type UsageSource interface {
	CountActiveByOwner(ctx context.Context, owner string) (int, error)
}

// Controller gates new submissions against the owner's quota profile and
// current active-job count. It holds no lock across the check-then-create
// gap; the store's admission transaction closes that race.
type Controller struct {
	ledger *Ledger
	usage  UsageSource
}

// NewController builds an admission controller.
func NewController(ledger *Ledger, usage UsageSource) *Controller {
	return &Controller{ledger: ledger, usage: usage}
}

// Admit accepts the submission or returns a QuotaExceededError naming the
// first limit hit. Runtime is never clamped on the caller's behalf: a
// request over the ceiling is rejected outright.
//
// Admit alone is a check-then-act snapshot; submission paths re-run Check
// under the store's owner lock to close the race.
func (c *Controller) Admit(ctx context.Context, user models.User, req models.ResourceRequest) error {
	profile, err := c.ledger.Resolve(ctx, user)
	if err != nil {
		return err
	}

	active, err := c.usage.CountActiveByOwner(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	return Check(profile, active, 1, req)
}

// Check applies the quota arithmetic for admitting n new jobs given the
// observed active count.
func Check(profile models.QuotaProfile, active, n int, req models.ResourceRequest) error {
	if active+n > profile.Concurrency {
		return &QuotaExceededError{Reason: ReasonConcurrency}
	}
	if req.CPUs > profile.MaxCPUs {
		return &QuotaExceededError{Reason: ReasonCPU}
	}
	if req.GPUs > profile.MaxGPUs {
		return &QuotaExceededError{Reason: ReasonGPU}
	}
	if req.RuntimeSeconds > profile.MaxRuntimeSeconds {
		return &QuotaExceededError{Reason: ReasonRuntime}
	}
	return nil
}
