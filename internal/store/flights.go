package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tabular-platform/internal/models"
)

// CreateFlightParams collects inputs for an atomic flight submission.
type CreateFlightParams struct {
	Owner             string
	FrameworkNames    []string
	TrainIDs          []string
	TestIDs           []string
	Target            string
	CPUs              int
	GPUs              int
	MaxRuntimeSeconds int
}

// CreateFlightGuarded inserts the flight and one member job per framework
// name in a single transaction, under the same owner lock and admission
// callback discipline as CreateJobGuarded. Either every member is created
// or none are.
func (s *Store) CreateFlightGuarded(ctx context.Context, p CreateFlightParams, admit func(activeCount int) error) (models.Flight, []models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.Owner != "" {
		var locked string
		err = tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, p.Owner).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Flight{}, nil, fmt.Errorf("owner %s: %w", p.Owner, ErrNotFound)
		}
		if err != nil {
			return models.Flight{}, nil, fmt.Errorf("lock owner: %w", err)
		}
	}

	if admit != nil {
		var active int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status = ANY($2)
		`, p.Owner, activeStatuses).Scan(&active)
		if err != nil {
			return models.Flight{}, nil, fmt.Errorf("count active jobs: %w", err)
		}
		if err := admit(active); err != nil {
			return models.Flight{}, nil, err
		}
	}

	namesJSON, err := json.Marshal(p.FrameworkNames)
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("marshal framework names: %w", err)
	}
	trainJSON, err := json.Marshal(p.TrainIDs)
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("marshal train ids: %w", err)
	}
	testJSON, err := json.Marshal(p.TestIDs)
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("marshal test ids: %w", err)
	}

	flightID := uuid.New().String()
	now := nowUTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO flights (id, owner_id, framework_names, train_ids, test_ids, target, max_runtime_seconds, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $8)
	`, flightID, p.Owner, namesJSON, trainJSON, testJSON, p.Target, p.MaxRuntimeSeconds, now)
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("insert flight: %w", err)
	}

	jobs := make([]models.Job, 0, len(p.FrameworkNames))
	for i, name := range p.FrameworkNames {
		job, err := insertJob(ctx, tx, CreateJobParams{
			Kind:              models.KindFramework,
			Owner:             p.Owner,
			FlightID:          flightID,
			FlightOrdinal:     i,
			FrameworkName:     name,
			TrainIDs:          p.TrainIDs,
			TestIDs:           p.TestIDs,
			Target:            p.Target,
			CPUs:              p.CPUs,
			GPUs:              p.GPUs,
			MaxRuntimeSeconds: p.MaxRuntimeSeconds,
		})
		if err != nil {
			return models.Flight{}, nil, err
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Flight{}, nil, fmt.Errorf("commit: %w", err)
	}

	flight := models.Flight{
		ID:                flightID,
		Owner:             p.Owner,
		FrameworkNames:    p.FrameworkNames,
		TrainIDs:          p.TrainIDs,
		TestIDs:           p.TestIDs,
		Target:            p.Target,
		MaxRuntimeSeconds: p.MaxRuntimeSeconds,
		Timestamps:        models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	for _, j := range jobs {
		flight.JobIDs = append(flight.JobIDs, j.ID)
	}
	return flight, jobs, nil
}

// GetFlight fetches a flight and its member jobs in submission order.
func (s *Store) GetFlight(ctx context.Context, id string) (models.Flight, []models.Job, error) {
	var f models.Flight
	var owner, target pgtype.Text
	var namesJSON, trainJSON, testJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, framework_names, train_ids, test_ids, target, max_runtime_seconds, created_at, updated_at
		FROM flights WHERE id = $1
	`, id).Scan(&f.ID, &owner, &namesJSON, &trainJSON, &testJSON, &target, &f.MaxRuntimeSeconds, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Flight{}, nil, fmt.Errorf("flight %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("query flight: %w", err)
	}

	f.Owner = textOrEmpty(owner)
	f.Target = textOrEmpty(target)
	if err := json.Unmarshal(namesJSON, &f.FrameworkNames); err != nil {
		return models.Flight{}, nil, fmt.Errorf("unmarshal framework names: %w", err)
	}
	if err := json.Unmarshal(trainJSON, &f.TrainIDs); err != nil {
		return models.Flight{}, nil, fmt.Errorf("unmarshal train ids: %w", err)
	}
	if err := json.Unmarshal(testJSON, &f.TestIDs); err != nil {
		return models.Flight{}, nil, fmt.Errorf("unmarshal test ids: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE flight_id = $1 ORDER BY flight_ordinal
	`, id)
	if err != nil {
		return models.Flight{}, nil, fmt.Errorf("query flight members: %w", err)
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	if err != nil {
		return models.Flight{}, nil, err
	}
	for _, j := range jobs {
		f.JobIDs = append(f.JobIDs, j.ID)
	}
	return f, jobs, nil
}

// DeleteFlight removes the flight row. Member jobs are deleted (and reaped)
// individually by the caller beforehand.
func (s *Store) DeleteFlight(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM flights WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete flight: %w", err)
	}
	return nil
}
