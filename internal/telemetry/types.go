// Package telemetry holds the wire and in-memory shapes shared by every
// tier of the pipeline: the gateway's ingest/replication/upload path and
// the cloud ingest API.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Reading is a single sensor observation as it moves through a gateway:
// parsed from MQTT, authenticated, scored, buffered, replicated, and
// finally uploaded to the cloud. Extra carries any JSON fields the
// sender included that this struct doesn't name explicitly, so unknown
// fields survive round-trips to peers and to the cloud unchanged.
type Reading struct {
	DeviceID       string   `json:"deviceId"`
	SensorType     string   `json:"sensorType"`
	Timestamp      string   `json:"timestamp"`
	Value          float64  `json:"value"`
	Unit           string   `json:"unit"`
	Topic          string   `json:"topic,omitempty"`
	MessageID      string   `json:"messageId,omitempty"`
	ProfileKey     string   `json:"profileKey,omitempty"`
	IsAnomaly      *bool    `json:"isAnomaly,omitempty"`
	AnomalyScore   *float64 `json:"anomalyScore,omitempty"`
	ModelTimestamp *int64   `json:"modelTimestamp,omitempty"`

	// Replication metadata. Origin and ReplTS are set only on entries
	// appended to a gateway's own replication log; ReplicatedFrom is set
	// only on records accepted via a peer pull. StripReplicationFields
	// clears Origin and ReplTS when a pulled record is accepted locally;
	// ReplicatedFrom stays on the record and is uploaded with it.
	Origin         string  `json:"_origin,omitempty"`
	ReplTS         float64 `json:"_repl_ts,omitempty"`
	ReplicatedFrom string  `json:"_replicated_from,omitempty"`

	// Extra preserves unrecognized JSON fields (e.g. fields added by a
	// newer sensor or gateway) so they aren't silently dropped on the
	// wire.
	Extra map[string]json.RawMessage `json:"-"`
}

// ProfileKey builds the detector's model key for a (device, sensor type)
// pair.
func ProfileKey(deviceID, sensorType string) string {
	if deviceID == "" {
		deviceID = "unknown-device"
	}
	if sensorType == "" {
		sensorType = "unknown-sensor"
	}
	return fmt.Sprintf("%s::%s", deviceID, sensorType)
}

// StripReplicationFields clears the underscore-prefixed replication
// metadata from a record: peer-pulled records are cleaned before being
// tagged with _replicated_from and added locally.
func (r *Reading) StripReplicationFields() {
	r.Origin = ""
	r.ReplTS = 0
}

// rawReading mirrors Reading's JSON tags for custom (un)marshalling that
// also captures unknown fields into Extra.
type rawReading Reading

// UnmarshalJSON decodes a Reading while preserving any field not named
// on the struct into Extra, so republishing a record (to a peer or the
// cloud) doesn't lose data an older or newer gateway attached.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var rr rawReading
	if err := json.Unmarshal(data, &rr); err != nil {
		return err
	}
	*r = Reading(rr)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	known := map[string]struct{}{
		"deviceId": {}, "sensorType": {}, "timestamp": {}, "value": {},
		"unit": {}, "topic": {}, "messageId": {}, "profileKey": {},
		"isAnomaly": {}, "anomalyScore": {}, "modelTimestamp": {},
		"_origin": {}, "_repl_ts": {}, "_replicated_from": {},
	}
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// MarshalJSON re-emits a Reading with its known fields plus whatever
// survived in Extra.
func (r Reading) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(rawReading(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ProfileFeature is one profile's statistical model, as produced by the
// trainer and consumed by the edge anomaly detector.
type ProfileFeature struct {
	Mean    float64 `json:"mean"`
	Stddev  float64 `json:"stddev"`
	NSigma  float64 `json:"n_sigma"`
	Samples int     `json:"samples"`
}

// ModelArtifact is the z-score model written by the trainer to
// /data/anomaly_model.json and fetched by gateways via /ml/model.
type ModelArtifact struct {
	ModelType      string                    `json:"model_type"`
	GeneratedAt    int64                     `json:"generated_at"`
	TrainingWindow int                       `json:"training_window_size"`
	Features       map[string]ProfileFeature `json:"features"`
}

// IngestPayload is the body of a gateway's POST /ingest request.
type IngestPayload struct {
	GatewayID string     `json:"gatewayId"`
	Data      []*Reading `json:"data"`
}

// IngestResponse is the cloud's reply to a successful /ingest call.
type IngestResponse struct {
	Status     string `json:"status"`
	Received   int    `json:"received"`
	Duplicates int    `json:"duplicates"`
}

// HeartbeatPayload is the body of a gateway's POST /heartbeat request.
type HeartbeatPayload struct {
	GatewayID   string `json:"gatewayId"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	MessageRate int64  `json:"message_rate"`
	RecordsSent uint64 `json:"records_sent"`
}

// GatewayConfig is the dynamic per-gateway configuration served from
// GET/POST /config/{gatewayId} and applied by the Control-Plane Client.
type GatewayConfig struct {
	BatchSize      int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxWaitSeconds int `json:"max_wait_seconds,omitempty" yaml:"max_wait_seconds,omitempty"`
}
