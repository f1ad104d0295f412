package manifest

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"tabular-platform/internal/models"
)

func TestKeyLayout(t *testing.T) {
	if got := Key("abc-123"); got != "tabular-frameworks/abc-123/job.yaml" {
		t.Fatalf("manifest key: %s", got)
	}
	if got := OutputKey("abc-123"); got != "tabular-frameworks/abc-123/output.zip" {
		t.Fatalf("output key: %s", got)
	}
	if got := ModelKey("abc-123", "model.bin"); got != "tabular-frameworks/abc-123/models/model.bin" {
		t.Fatalf("model key: %s", got)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	job := models.Job{
		ID:                "j1",
		Kind:              models.KindFramework,
		Owner:             "u1",
		FrameworkName:     "AutoGluon",
		TrainIDs:          []string{"d1", "d2"},
		TestIDs:           []string{"d3"},
		Target:            "price",
		CPUs:              8,
		GPUs:              1,
		MaxRuntimeSeconds: 3600,
	}

	out, err := Render(job)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.JobID != "j1" || m.Kind != "framework" || m.FrameworkName != "AutoGluon" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if len(m.TrainIDs) != 2 || m.TestIDs[0] != "d3" || m.Target != "price" {
		t.Fatalf("dataset fields lost: %+v", m)
	}
	if m.CPUs != 8 || m.GPUs != 1 || m.MaxRuntimeSeconds != 3600 {
		t.Fatalf("resource fields lost: %+v", m)
	}
}

func TestRenderOmitsEmptyOptionalFields(t *testing.T) {
	out, err := Render(models.Job{ID: "j1", Kind: models.KindPrediction, FrameworkName: "AutoGluon"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	doc := string(out)
	for _, field := range []string{"owner:", "train_ids:", "test_ids:", "target:"} {
		if strings.Contains(doc, field) {
			t.Errorf("expected %s omitted from:\n%s", field, doc)
		}
	}
}
