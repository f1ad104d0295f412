// Package manifest renders the job.yaml document stored alongside each
// run's artifacts.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"tabular-platform/internal/models"
)

// prefix anchors every job's remote directory. The layout must stay
// bit-for-bit compatible with existing storage.
const prefix = "tabular-frameworks"

// Key returns the object-store key of a job's manifest.
func Key(jobID string) string {
	return fmt.Sprintf("%s/%s/job.yaml", prefix, jobID)
}

// OutputKey returns the conventional key for a job's output bundle.
func OutputKey(jobID string) string {
	return fmt.Sprintf("%s/%s/output.zip", prefix, jobID)
}

// ModelKey returns the conventional key for one of a job's model files.
func ModelKey(jobID, filename string) string {
	return fmt.Sprintf("%s/%s/models/%s", prefix, jobID, filename)
}

// Manifest is the document the executor uploads before starting a run.
type Manifest struct {
	JobID             string   `yaml:"job_id"`
	Kind              string   `yaml:"kind"`
	Owner             string   `yaml:"owner,omitempty"`
	FrameworkName     string   `yaml:"framework_name"`
	TrainIDs          []string `yaml:"train_ids,omitempty"`
	TestIDs           []string `yaml:"test_ids,omitempty"`
	Target            string   `yaml:"target,omitempty"`
	CPUs              int      `yaml:"cpus"`
	GPUs              int      `yaml:"gpus"`
	MaxRuntimeSeconds int      `yaml:"max_runtime_seconds"`
}

// Render serializes the job's manifest.
func Render(job models.Job) ([]byte, error) {
	m := Manifest{
		JobID:             job.ID,
		Kind:              string(job.Kind),
		Owner:             job.Owner,
		FrameworkName:     job.FrameworkName,
		TrainIDs:          job.TrainIDs,
		TestIDs:           job.TestIDs,
		Target:            job.Target,
		CPUs:              job.CPUs,
		GPUs:              job.GPUs,
		MaxRuntimeSeconds: job.MaxRuntimeSeconds,
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return out, nil
}
