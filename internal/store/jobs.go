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

// activeStatuses mirrors lifecycle.ActiveStatuses as SQL values. Kept here
// so the store compiles without importing the lifecycle package.
var activeStatuses = []string{
	string(models.StatusCreated),
	string(models.StatusStarting),
	string(models.StatusRunning),
	string(models.StatusStopping),
}

const jobColumns = `id, kind, owner_id, parent_id, flight_id, flight_ordinal, framework_name,
	train_ids, test_ids, target, cpus, gpus, max_runtime_seconds,
	status, info, output_key, model_keys, metrics, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind              models.JobKind
	Owner             string
	ParentID          string
	FlightID          string
	FlightOrdinal     int
	FrameworkName     string
	TrainIDs          []string
	TestIDs           []string
	Target            string
	CPUs              int
	GPUs              int
	MaxRuntimeSeconds int
}

// CreateJobGuarded runs admission and the job insert in one transaction.
// The owner row is locked for update so two concurrent submissions cannot
// both read a stale active count; admit is called with the count observed
// under the lock and aborts the insert by returning an error.
func (s *Store) CreateJobGuarded(ctx context.Context, p CreateJobParams, admit func(activeCount int) error) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.Owner != "" {
		var locked string
		err = tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, p.Owner).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("owner %s: %w", p.Owner, ErrNotFound)
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("lock owner: %w", err)
		}
	}

	if admit != nil {
		var active int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status = ANY($2)
		`, p.Owner, activeStatuses).Scan(&active)
		if err != nil {
			return models.Job{}, fmt.Errorf("count active jobs: %w", err)
		}
		if err := admit(active); err != nil {
			return models.Job{}, err
		}
	}

	job, err := insertJob(ctx, tx, p)
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, p CreateJobParams) (models.Job, error) {
	if p.Kind == "" {
		p.Kind = models.KindFramework
	}

	trainJSON, err := json.Marshal(p.TrainIDs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal train ids: %w", err)
	}
	testJSON, err := json.Marshal(p.TestIDs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal test ids: %w", err)
	}

	id := uuid.New().String()
	now := nowUTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, owner_id, parent_id, flight_id, flight_ordinal, framework_name,
			train_ids, test_ids, target, cpus, gpus, max_runtime_seconds,
			status, info, model_keys, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, '', '[]', $15, $15)
	`, id, string(p.Kind), p.Owner, p.ParentID, p.FlightID, p.FlightOrdinal, p.FrameworkName,
		trainJSON, testJSON, p.Target, p.CPUs, p.GPUs, p.MaxRuntimeSeconds,
		string(models.StatusCreated), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:                id,
		Kind:              p.Kind,
		Owner:             p.Owner,
		ParentID:          p.ParentID,
		FlightID:          p.FlightID,
		FlightOrdinal:     p.FlightOrdinal,
		FrameworkName:     p.FrameworkName,
		TrainIDs:          p.TrainIDs,
		TestIDs:           p.TestIDs,
		Target:            p.Target,
		CPUs:              p.CPUs,
		GPUs:              p.GPUs,
		MaxRuntimeSeconds: p.MaxRuntimeSeconds,
		Status:            models.StatusCreated,
		ModelKeys:         []string{},
		Timestamps:        models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// ActiveJobsByOwner returns the owner's jobs in active (non-terminal)
// states.
func (s *Store) ActiveJobsByOwner(ctx context.Context, owner string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1 AND status = ANY($2)
		ORDER BY created_at
	`, owner, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountActiveByOwner returns how many non-terminal jobs the owner holds.
// This is the lock-free usage snapshot; CreateJobGuarded recounts under
// the owner lock before inserting.
func (s *Store) CountActiveByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status = ANY($2)
	`, owner, activeStatuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// JobsByParent returns a job's dependents, e.g. predictions spawned from a
// trained framework.
func (s *Store) JobsByParent(ctx context.Context, parentID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE parent_id = $1 ORDER BY created_at
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query dependent jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TransitionJob conditionally moves a job between statuses. The update only
// commits if the row still holds the expected "from" status, serializing
// concurrent transitions on one job. Returns false when the predicate did
// not match.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to models.Status, info string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, info = COALESCE(NULLIF($4, ''), info), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), info)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateInfo replaces the human-readable status detail. Allowed in any
// state: terminal jobs stay open for trailing diagnostic text.
func (s *Store) UpdateInfo(ctx context.Context, id, info string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET info = $2, updated_at = NOW() WHERE id = $1
	`, id, info)
	if err != nil {
		return fmt.Errorf("update info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetOutputKey records the primary output bundle key.
func (s *Store) SetOutputKey(ctx context.Context, id, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET output_key = $2, updated_at = NOW() WHERE id = $1
	`, id, key)
	if err != nil {
		return fmt.Errorf("set output key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendModelKey appends one model-file key. The key set is append-only
// until the job is deleted; like info, it stays writable after success so
// uploads that finish late can still be recorded.
func (s *Store) AppendModelKey(ctx context.Context, id, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET model_keys = model_keys || to_jsonb($2::text), updated_at = NOW()
		WHERE id = $1
	`, id, key)
	if err != nil {
		return fmt.Errorf("append model key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMetrics stores the run's result metrics.
func (s *Store) SetMetrics(ctx context.Context, id string, m models.Metrics) error {
	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET metrics = $2, updated_at = NOW() WHERE id = $1
	`, id, metricsJSON)
	if err != nil {
		return fmt.Errorf("set metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteJob removes the job row. Callers reap remote artifacts first; the
// purge itself is unconditional.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var kind, status string
	var owner, parent, flight, target, output, info pgtype.Text
	var trainJSON, testJSON, modelJSON, metricsJSON []byte

	err := row.Scan(&job.ID, &kind, &owner, &parent, &flight, &job.FlightOrdinal, &job.FrameworkName,
		&trainJSON, &testJSON, &target, &job.CPUs, &job.GPUs, &job.MaxRuntimeSeconds,
		&status, &info, &output, &modelJSON, &metricsJSON, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.Status(status)
	job.Owner = textOrEmpty(owner)
	job.ParentID = textOrEmpty(parent)
	job.FlightID = textOrEmpty(flight)
	job.Target = textOrEmpty(target)
	job.OutputKey = textOrEmpty(output)
	job.Info = textOrEmpty(info)

	if len(trainJSON) > 0 {
		if err := json.Unmarshal(trainJSON, &job.TrainIDs); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal train ids: %w", err)
		}
	}
	if len(testJSON) > 0 {
		if err := json.Unmarshal(testJSON, &job.TestIDs); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal test ids: %w", err)
		}
	}
	if len(modelJSON) > 0 {
		if err := json.Unmarshal(modelJSON, &job.ModelKeys); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal model keys: %w", err)
		}
	}
	if len(metricsJSON) > 0 {
		var m models.Metrics
		if err := json.Unmarshal(metricsJSON, &m); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metrics: %w", err)
		}
		job.Metrics = &m
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
