package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-gateway/internal/authn"
	"telemetry-gateway/internal/detector"
	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/telemetry"
)

type fakeSink struct {
	accepted []*telemetry.Reading
}

func (f *fakeSink) Accept(r *telemetry.Reading) {
	f.accepted = append(f.accepted, r)
}

func newTestIngestor(t *testing.T, auth *authn.Authenticator, det *detector.Detector, sink Sink, onAccept func()) *Ingestor {
	t.Helper()
	ing := New(zap.NewNop(), Config{Broker: "tcp://127.0.0.1:1", ClientID: "test"}, auth, det, sink, onAccept, obsmetrics.NewGatewayMetrics())
	t.Cleanup(ing.Stop)
	return ing
}

func TestProcess_InvalidJSONDropped(t *testing.T) {
	sink := &fakeSink{}
	ing := newTestIngestor(t, authn.New(zap.NewNop(), nil), detector.New(), sink, nil)

	ing.process(rawDelivery{topic: "sensors/temperature", payload: []byte("not json")})
	assert.Empty(t, sink.accepted)
}

func TestProcess_FailedAuthDropped(t *testing.T) {
	sink := &fakeSink{}
	ing := newTestIngestor(t, authn.New(zap.NewNop(), nil), detector.New(), sink, nil)

	payload, _ := json.Marshal(rawMessage{DeviceID: "d1", Signature: "wrong-secret", SensorType: "temperature", Value: 1})
	ing.process(rawDelivery{topic: "sensors/temperature", payload: payload})
	assert.Empty(t, sink.accepted)
}

func TestProcess_AcceptedReadingGetsMessageIDAndProfileKey(t *testing.T) {
	sink := &fakeSink{}
	var accepted int
	auth := authn.New(zap.NewNop(), map[string]string{"d1": "s3cret"})
	ing := newTestIngestor(t, auth, detector.New(), sink, func() { accepted++ })

	payload, _ := json.Marshal(rawMessage{DeviceID: "d1", Signature: "s3cret", SensorType: "temperature", Value: 21.5, Unit: "C"})
	ing.process(rawDelivery{topic: "sensors/temperature", payload: payload})

	require.Len(t, sink.accepted, 1)
	r := sink.accepted[0]
	assert.NotEmpty(t, r.MessageID)
	assert.Equal(t, telemetry.ProfileKey("d1", "temperature"), r.ProfileKey)
	assert.Equal(t, "sensors/temperature", r.Topic)
	require.NotNil(t, r.IsAnomaly)
	assert.False(t, *r.IsAnomaly)
	assert.Equal(t, 1, accepted)
}

func TestProcess_AnomalousReadingFlagged(t *testing.T) {
	sink := &fakeSink{}
	auth := authn.New(zap.NewNop(), map[string]string{"d1": "s3cret"})
	det := detector.New()
	det.UpdateModel(&telemetry.ModelArtifact{
		Features: map[string]telemetry.ProfileFeature{
			telemetry.ProfileKey("d1", "temperature"): {Mean: 20, Stddev: 1, NSigma: 3},
		},
	})
	ing := newTestIngestor(t, auth, det, sink, nil)

	payload, _ := json.Marshal(rawMessage{DeviceID: "d1", Signature: "s3cret", SensorType: "temperature", Value: 100})
	ing.process(rawDelivery{topic: "sensors/temperature", payload: payload})

	require.Len(t, sink.accepted, 1)
	require.NotNil(t, sink.accepted[0].IsAnomaly)
	assert.True(t, *sink.accepted[0].IsAnomaly)
}

func TestOnMessage_EnqueuesThroughWorkerPool(t *testing.T) {
	sink := &fakeSink{}
	auth := authn.New(zap.NewNop(), map[string]string{"d1": "s3cret"})
	ing := newTestIngestor(t, auth, detector.New(), sink, nil)

	payload, _ := json.Marshal(rawMessage{DeviceID: "d1", Signature: "s3cret", SensorType: "humidity", Value: 50})
	ing.onMessage(nil, fakeMQTTMessage{topic: "sensors/humidity", payload: payload})

	require.Eventually(t, func() bool {
		return len(sink.accepted) == 1
	}, time.Second, 5*time.Millisecond)
}

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 0 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 0 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}
