package forecast

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactSchemaVersion guards the gob layout itself. A loader refuses
// artifacts written under a different schema.
const ArtifactSchemaVersion = 1

// Model is one horizon's fitted ridge regressor plus everything needed to
// reproduce its feature scaling at serving time.
type Model struct {
	SchemaVersion   int
	PipelineVersion int
	Horizon         int
	Columns         []string
	Mean            []float64
	Std             []float64
	Weights         []float64
	Intercept       float64
	Alpha           float64
	TrainedAt       time.Time
}

// Predict scores one feature row, which must match Columns in length and
// order.
func (m *Model) Predict(row []float64) (float64, error) {
	if len(row) != len(m.Weights) {
		return 0, fmt.Errorf("forecast: row has %d features, model expects %d", len(row), len(m.Weights))
	}
	pred := m.Intercept
	for j, v := range row {
		pred += m.Weights[j] * (v - m.Mean[j]) / m.Std[j]
	}
	return pred, nil
}

// ArtifactName returns the canonical artifact file name for a horizon.
func ArtifactName(horizon int) string {
	return fmt.Sprintf("temp_forecast_h%d.bin", horizon)
}

// Save writes the artifact atomically: a temp file in the same directory is
// renamed over the target so readers never see a partial write.
func (m *Model) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("forecast: create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("forecast: create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if err := gob.NewEncoder(tmp).Encode(m); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("forecast: encode artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("forecast: close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("forecast: publish artifact: %w", err)
	}
	return nil
}

// Load reads an artifact and verifies its schema and pipeline versions
// against what the caller was built with.
func Load(path string, pipelineVersion int) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("forecast: open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck
	var m Model
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("forecast: decode artifact %s: %w", path, err)
	}
	if m.SchemaVersion != ArtifactSchemaVersion {
		return nil, fmt.Errorf("forecast: artifact %s has schema version %d, want %d", path, m.SchemaVersion, ArtifactSchemaVersion)
	}
	if m.PipelineVersion != pipelineVersion {
		return nil, fmt.Errorf("forecast: artifact %s built by feature pipeline %d, this process runs %d", path, m.PipelineVersion, pipelineVersion)
	}
	return &m, nil
}
