package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-gateway/internal/telemetry"
)

func readingsFor(profileKey string, n int, value float64) []*telemetry.Reading {
	out := make([]*telemetry.Reading, n)
	for i := range out {
		out[i] = &telemetry.Reading{ProfileKey: profileKey, Value: value}
	}
	return out
}

func TestTrain_GatesBelowMinObservations(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())

	var readings []*telemetry.Reading
	readings = append(readings, readingsFor("d::temp", MinObservations-1, 10)...)

	model := tr.train(readings)
	assert.Empty(t, model.Features, "fewer than MinObservations samples must not produce a profile")
}

func TestTrain_ProducesFeatureAtThreshold(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())

	var readings []*telemetry.Reading
	readings = append(readings, readingsFor("d::temp", MinObservations, 10)...)

	model := tr.train(readings)
	require.Contains(t, model.Features, "d::temp")
	f := model.Features["d::temp"]
	assert.InDelta(t, 10, f.Mean, 0.001)
	assert.Equal(t, MinStddev, f.Stddev, "constant values floor stddev rather than producing zero")
	assert.Equal(t, DefaultNSigma, f.NSigma)
	assert.Equal(t, MinObservations, f.Samples)
}

func TestTrain_MeanAndStddevCorrectness(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())

	values := []float64{}
	for i := 0; i < MinObservations; i++ {
		values = append(values, float64(i%2)*10) // alternating 0/10
	}
	var readings []*telemetry.Reading
	for _, v := range values {
		readings = append(readings, &telemetry.Reading{ProfileKey: "d::temp", Value: v})
	}

	model := tr.train(readings)
	f := model.Features["d::temp"]
	assert.InDelta(t, 5.0, f.Mean, 0.01)
	assert.InDelta(t, 5.0, f.Stddev, 0.01)
}

func TestTrain_FallsBackToComputedProfileKey(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())

	var readings []*telemetry.Reading
	for i := 0; i < MinObservations; i++ {
		readings = append(readings, &telemetry.Reading{DeviceID: "d1", SensorType: "temperature", Value: 1})
	}

	model := tr.train(readings)
	assert.Contains(t, model.Features, telemetry.ProfileKey("d1", "temperature"))
}

func TestTrain_ArtifactShape(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())
	model := tr.train(readingsFor("d::temp", MinObservations, 1))

	assert.Equal(t, "zscore_anomaly_detector", model.ModelType)
	assert.Equal(t, 50, model.TrainingWindow)
}

func TestTick_WritesModelArtifactAtomically(t *testing.T) {
	dir := t.TempDir()
	var readings []*telemetry.Reading
	for i := 0; i < MinObservations; i++ {
		readings = append(readings, &telemetry.Reading{DeviceID: "d1", SensorType: "temperature", Value: float64(i % 3)})
	}
	data, err := json.Marshal(readings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "historical_data.json"), data, 0o644))

	tr := New(zap.NewNop(), dir)
	tr.tick()

	out, err := os.ReadFile(filepath.Join(dir, "anomaly_model.json"))
	require.NoError(t, err)

	var model telemetry.ModelArtifact
	require.NoError(t, json.Unmarshal(out, &model))
	assert.Contains(t, model.Features, telemetry.ProfileKey("d1", "temperature"))

	_, err = os.Stat(filepath.Join(dir, "anomaly_model.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestTick_NoHistoricalDataIsNoop(t *testing.T) {
	tr := New(zap.NewNop(), t.TempDir())
	require.NotPanics(t, func() { tr.tick() })
}
