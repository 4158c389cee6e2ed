// Package trainer implements the offline model trainer: a
// polling loop that turns the cloud API's historical export into a
// per-profile z-score model, written atomically for gateways to pick up
// via /ml/model. The atomic tmp-then-rename write follows
// internal/cloudapi.Server.Export's pattern; the statistics mirror the
// edge detector's scoring math in internal/detector.
package trainer

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/telemetry"
)

// Training tunables.
const (
	PollInterval       = 20 * time.Second
	MinObservations    = 20
	TrainingWindowSize = 50
	MinStddev          = 1e-4
	DefaultNSigma      = 3.0
	ModelType          = "zscore_anomaly_detector"
)

// Trainer periodically reads the historical export and, for every
// profile with enough observations, recomputes its mean/stddev and
// writes a fresh model artifact.
type Trainer struct {
	logger  *zap.Logger
	dataDir string
}

// New creates a Trainer reading/writing under dataDir.
func New(logger *zap.Logger, dataDir string) *Trainer {
	return &Trainer{logger: logger, dataDir: dataDir}
}

// Run polls every PollInterval until stop is closed. Each tick is
// independent so a read or write failure never aborts the loop.
func (t *Trainer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Trainer) tick() {
	historicalPath := filepath.Join(t.dataDir, "historical_data.json")
	info, err := os.Stat(historicalPath)
	if err != nil || info.Size() == 0 {
		return
	}

	data, err := os.ReadFile(historicalPath)
	if err != nil {
		t.logger.Warn("failed to read historical data", zap.Error(err))
		return
	}

	var readings []*telemetry.Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		t.logger.Warn("failed to parse historical data", zap.Error(err))
		return
	}

	model := t.train(readings)
	if len(model.Features) == 0 {
		return
	}

	if err := t.writeModel(model); err != nil {
		t.logger.Warn("failed to write model artifact", zap.Error(err))
		return
	}
	t.logger.Info("trained model", zap.Int("profiles", len(model.Features)))
}

// train groups readings by profile key and computes a ProfileFeature
// for every key with at least MinObservations samples.
func (t *Trainer) train(readings []*telemetry.Reading) *telemetry.ModelArtifact {
	byProfile := make(map[string][]float64)
	for _, r := range readings {
		key := r.ProfileKey
		if key == "" {
			key = telemetry.ProfileKey(r.DeviceID, r.SensorType)
		}
		byProfile[key] = append(byProfile[key], r.Value)
	}

	features := make(map[string]telemetry.ProfileFeature)
	for key, values := range byProfile {
		if len(values) < MinObservations {
			continue
		}
		mean, stddev := meanStddev(values)
		if stddev < MinStddev {
			stddev = MinStddev
		}
		features[key] = telemetry.ProfileFeature{
			Mean: mean,
			Stddev: stddev,
			NSigma: DefaultNSigma,
			Samples: len(values),
		}
	}

	return &telemetry.ModelArtifact{
		ModelType: ModelType,
		GeneratedAt: time.Now().Unix(),
		TrainingWindow: TrainingWindowSize,
		Features: features,
	}
}

// meanStddev returns the population mean and standard deviation of
// values.
func meanStddev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / n)
	return mean, stddev
}

func (t *Trainer) writeModel(model *telemetry.ModelArtifact) error {
	data, err := json.Marshal(model)
	if err != nil {
		return err
	}

	path := filepath.Join(t.dataDir, "anomaly_model.json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
