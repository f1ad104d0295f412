package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"tabular-platform/internal/models"
	"tabular-platform/internal/telemetry"
)

// transitions is the canonical edge table. A job only ever moves forward:
// created -> starting -> running -> stopping -> stopped on the clean
// shutdown path, running -> success|fail as terminal outcomes, and the two
// early-failure exits created -> fail and starting -> fail.
var transitions = map[models.Status][]models.Status{
	models.StatusCreated:  {models.StatusStarting, models.StatusFail},
	models.StatusStarting: {models.StatusRunning, models.StatusFail},
	models.StatusRunning:  {models.StatusStopping, models.StatusSuccess, models.StatusFail},
	models.StatusStopping: {models.StatusStopped},
}

// ActiveStatuses are the states that consume concurrency quota.
var ActiveStatuses = []models.Status{
	models.StatusCreated,
	models.StatusStarting,
	models.StatusRunning,
	models.StatusStopping,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the status consumes concurrency quota.
func IsActive(s models.Status) bool {
	switch s {
	case models.StatusCreated, models.StatusStarting, models.StatusRunning, models.StatusStopping:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusStopped, models.StatusSuccess, models.StatusFail:
		return true
	}
	return false
}

// IllegalTransitionError is returned for any edge not in the table, and for
// a compare-and-swap loss where the row moved on since the caller's read.
type IllegalTransitionError struct {
	JobID string
	From  models.Status
	To    models.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// JobUpdater is the slice of the store the machine needs: a conditional
// status update that only commits if the row still holds the expected
// "from" status at write time.
type JobUpdater interface {
	TransitionJob(ctx context.Context, id string, from, to models.Status, info string) (bool, error)
}

// Machine applies transitions to persisted jobs. Concurrent transitions on
// one job are serialized by the store's status-predicate update; the loser
// of a race gets an IllegalTransitionError, not a silent overwrite.
type Machine struct {
	store JobUpdater
	log   *slog.Logger
}

// NewMachine builds a machine over the given store.
func NewMachine(store JobUpdater, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, log: log}
}

// Transition moves job to the requested status, updating the in-memory copy
// on success. Illegal edges are logged and rejected, never absorbed.
func (m *Machine) Transition(ctx context.Context, job *models.Job, to models.Status, info string) error {
	if !CanTransition(job.Status, to) {
		m.log.Warn("rejected illegal transition",
			"job_id", job.ID, "from", string(job.Status), "to", string(to))
		telemetry.IllegalTransitions.Inc()
		return &IllegalTransitionError{JobID: job.ID, From: job.Status, To: to}
	}

	ok, err := m.store.TransitionJob(ctx, job.ID, job.Status, to, info)
	if err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	if !ok {
		// The row no longer holds the expected status: a concurrent
		// transition won. Surface it the same as an illegal edge.
		m.log.Warn("lost transition race",
			"job_id", job.ID, "expected", string(job.Status), "to", string(to))
		telemetry.IllegalTransitions.Inc()
		return &IllegalTransitionError{JobID: job.ID, From: job.Status, To: to}
	}

	telemetry.TransitionsTotal.Inc()
	job.Status = to
	if info != "" {
		job.Info = info
	}
	return nil
}
