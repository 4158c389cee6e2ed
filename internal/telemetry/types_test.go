package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileKey(t *testing.T) {
	assert.Equal(t, "dev-1::temperature", ProfileKey("dev-1", "temperature"))
	assert.Equal(t, "unknown-device::temperature", ProfileKey("", "temperature"))
	assert.Equal(t, "dev-1::unknown-sensor", ProfileKey("dev-1", ""))
}

func TestReading_UnknownFieldsRoundTrip(t *testing.T) {
	raw := []byte(`{
		"deviceId": "dev-1",
		"sensorType": "temperature",
		"timestamp": "2026-01-01T00:00:00Z",
		"value": 21.5,
		"unit": "C",
		"signature": "abc123",
		"firmwareVersion": "1.2.3"
	}`)

	var r Reading
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "dev-1", r.DeviceID)
	require.Contains(t, r.Extra, "signature")
	require.Contains(t, r.Extra, "firmwareVersion")

	out, err := json.Marshal(r)
	require.NoError(t, err)

	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Contains(t, roundTripped, "signature")
	assert.Contains(t, roundTripped, "firmwareVersion")
	assert.Contains(t, roundTripped, "deviceId")
}

func TestReading_MarshalWithoutExtra(t *testing.T) {
	r := Reading{DeviceID: "dev-1", SensorType: "temperature", Value: 1.0}
	out, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "deviceId")
	assert.NotContains(t, decoded, "_origin")
}

func TestStripReplicationFields(t *testing.T) {
	r := Reading{Origin: "gw-1", ReplTS: 123.45, ReplicatedFrom: "gw-2"}
	r.StripReplicationFields()
	assert.Empty(t, r.Origin)
	assert.Zero(t, r.ReplTS)
	assert.Equal(t, "gw-2", r.ReplicatedFrom, "only origin/replTS are cleared, not replicated-from")
}

func TestNewMessageID_Unique(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
