package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/telemetry"
)

func TestScore_NoProfile(t *testing.T) {
	d := New()
	s := d.Score("dev::temp", 42.0)
	assert.False(t, s.HasProfile)
	assert.False(t, s.IsAnomaly)
	assert.Zero(t, s.AnomalyScore)
}

func TestScore_ValueAtMean(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		GeneratedAt: 100,
		Features: map[string]telemetry.ProfileFeature{
			"dev::temp": {Mean: 20.0, Stddev: 2.0, NSigma: 3.0},
		},
	})

	s := d.Score("dev::temp", 20.0)
	require.True(t, s.HasProfile)
	assert.False(t, s.IsAnomaly)
	assert.Zero(t, s.AnomalyScore)
	assert.Equal(t, int64(100), s.ModelTimestamp)
}

func TestScore_BeyondNSigmaIsAnomaly(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{
			"dev::temp": {Mean: 20.0, Stddev: 2.0, NSigma: 3.0},
		},
	})

	s := d.Score("dev::temp", 27.0) // z = 3.5
	assert.True(t, s.IsAnomaly)
	assert.InDelta(t, 3.5, s.AnomalyScore, 0.001)
}

func TestScore_StddevFloor(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{
			"dev::temp": {Mean: 20.0, Stddev: 0, NSigma: 3.0},
		},
	})

	// A zero stddev must be floored rather than producing +Inf or a
	// divide-by-zero panic: z = 0.0001 / 1e-4 = 1, which is not above
	// NSigma 3.
	s := d.Score("dev::temp", 20.0001)
	require.True(t, s.HasProfile)
	assert.False(t, s.IsAnomaly)
	assert.InDelta(t, 1.0, s.AnomalyScore, 1e-6)
	assert.Less(t, s.AnomalyScore, 1e6)
}

func TestScore_DefaultNSigma(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{
			"dev::temp": {Mean: 0, Stddev: 1.0, NSigma: 0},
		},
	})

	assert.False(t, d.Score("dev::temp", 2.9).IsAnomaly)
	assert.True(t, d.Score("dev::temp", 3.1).IsAnomaly)
}

func TestUpdateModel_NilIsNoop(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{"a": {Mean: 1, Stddev: 1, NSigma: 1}},
	})
	d.UpdateModel(nil)
	assert.True(t, d.Score("a", 1).HasProfile, "nil update must not clear the existing model")
}

func TestUpdateModel_EmptyFeaturesClearsCoverage(t *testing.T) {
	d := New()
	d.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{"a": {Mean: 1, Stddev: 1, NSigma: 1}},
	})
	d.UpdateModel(&telemetry.ModelArtifact{Features: nil})
	assert.False(t, d.Score("a", 1).HasProfile)
}
