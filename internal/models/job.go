package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
// The lifecycle package owns which moves between them are legal.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusSuccess  Status = "success"
	StatusFail     Status = "fail"
)

// JobKind distinguishes training runs from prediction runs.
type JobKind string

const (
	KindFramework  JobKind = "framework"
	KindPrediction JobKind = "prediction"
)

// Timestamps is the shared created/updated pair embedded in every entity.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceRequest is what a submission asks for, checked against the
// owner's quota profile at admission time.
type ResourceRequest struct {
	CPUs           int `json:"cpus"`
	GPUs           int `json:"gpus"`
	RuntimeSeconds int `json:"runtime_seconds"`
}

// Job represents one training ("framework") or prediction run.
type Job struct {
	ID            string  `json:"id"`
	Kind          JobKind `json:"kind"`
	Owner         string  `json:"owner,omitempty"` // empty for anonymous
	ParentID      string  `json:"parent_id,omitempty"`
	FlightID      string  `json:"flight_id,omitempty"`
	FlightOrdinal int     `json:"flight_ordinal,omitempty"` // position within the flight
	FrameworkName string  `json:"framework_name"`

	TrainIDs          []string `json:"train_ids,omitempty"`
	TestIDs           []string `json:"test_ids,omitempty"`
	Target            string   `json:"target,omitempty"`
	CPUs              int      `json:"cpus"`
	GPUs              int      `json:"gpus"`
	MaxRuntimeSeconds int      `json:"max_runtime_seconds"`

	Status Status `json:"status"`
	Info   string `json:"info,omitempty"`

	// OutputKey is the primary output bundle in the object store;
	// ModelKeys are trained model files added after success.
	OutputKey string   `json:"output_key,omitempty"`
	ModelKeys []string `json:"model_keys,omitempty"`

	Metrics *Metrics `json:"metrics,omitempty"`

	Timestamps
}

// ArtifactKeys returns every object-store key the job owns. The manifest
// key is derived from the job ID, not stored; see the reaper.
func (j Job) ArtifactKeys() []string {
	keys := make([]string, 0, len(j.ModelKeys)+1)
	if j.OutputKey != "" {
		keys = append(keys, j.OutputKey)
	}
	keys = append(keys, j.ModelKeys...)
	return keys
}

// Metrics is the known shape of a completed run's results.
type Metrics struct {
	MetricName      string             `json:"metric_name,omitempty"`
	MetricValue     float64            `json:"metric_value,omitempty"`
	ProblemType     string             `json:"problem_type,omitempty"`
	Duration        float64            `json:"duration,omitempty"`
	TrainingSeconds float64            `json:"training_duration,omitempty"`
	PredictSeconds  float64            `json:"predict_duration,omitempty"`
	ModelsCount     int                `json:"models_count,omitempty"`
	NFolds          int                `json:"n_folds,omitempty"`
	FoldResults     []FoldResult       `json:"fold_results,omitempty"`
	Leaderboard     []LeaderboardEntry `json:"leaderboard,omitempty"`
}

// FoldResult holds one cross-validation fold's score.
type FoldResult struct {
	Fold        int     `json:"fold"`
	MetricValue float64 `json:"metric_value"`
	Duration    float64 `json:"duration,omitempty"`
}

// LeaderboardEntry is one model's row in a run's leaderboard.
type LeaderboardEntry struct {
	Model    string  `json:"model"`
	Score    float64 `json:"score"`
	FitTime  float64 `json:"fit_time,omitempty"`
	PredTime float64 `json:"pred_time,omitempty"`
}

// Flight is a batch of framework jobs submitted together against the
// same train/test datasets and runtime ceiling.
type Flight struct {
	ID             string   `json:"id"`
	Owner          string   `json:"owner,omitempty"`
	FrameworkNames []string `json:"framework_names"`
	JobIDs         []string `json:"job_ids"` // ordered by submission

	TrainIDs          []string `json:"train_ids"`
	TestIDs           []string `json:"test_ids"`
	Target            string   `json:"target"`
	MaxRuntimeSeconds int      `json:"max_runtime_seconds"`

	Timestamps
}

// QuotaProfile is either a named tier default or a per-user override.
type QuotaProfile struct {
	Concurrency       int `json:"concurrency"`
	MaxCPUs           int `json:"max_cpus"`
	MaxGPUs           int `json:"max_gpus"`
	MaxRuntimeSeconds int `json:"max_runtime_seconds"`
}

// User is the slice of the account record this service reads: identity,
// tier name, and the optional custom override.
type User struct {
	ID       string        `json:"id"`
	Tier     string        `json:"tier"`
	Override *QuotaProfile `json:"override,omitempty"`

	Timestamps
}
