package cloudapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-gateway/internal/registry"
	"telemetry-gateway/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	reg.RegisterGateway("gateway-01", "boot-secret")
	s := New(zap.NewNop(), reg, t.TempDir())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func ingestRequest(t *testing.T, srv *httptest.Server, gatewayID string, payload telemetry.IngestPayload) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/ingest", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	req.Header.Set("gatewayid", gatewayID)
	req.Header.Set("secret", "boot-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestIngest_DuplicateSuppressedAcrossGateways(t *testing.T) {
	// S2: two gateways independently replicate and forward the same
	// record; the cloud must count it once.
	s, srv := newTestServer(t)
	s.registry.RegisterGateway("gateway-02", "boot-secret")

	reading := &telemetry.Reading{DeviceID: "d1", SensorType: "temperature", MessageID: "shared-m1", Value: 1}

	resp1 := ingestRequest(t, srv, "gateway-01", telemetry.IngestPayload{GatewayID: "gateway-01", Data: []*telemetry.Reading{reading}})
	defer resp1.Body.Close()
	var out1 telemetry.IngestResponse
	require.NoError(t, json.NewDecoder(resp1.Body).Decode(&out1))
	assert.Equal(t, 1, out1.Received)
	assert.Equal(t, 0, out1.Duplicates)

	resp2 := ingestRequest(t, srv, "gateway-02", telemetry.IngestPayload{GatewayID: "gateway-02", Data: []*telemetry.Reading{reading}})
	defer resp2.Body.Close()
	var out2 telemetry.IngestResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out2))
	assert.Equal(t, 0, out2.Received)
	assert.Equal(t, 1, out2.Duplicates)
}

func TestIngest_RequiresAPIKey(t *testing.T) {
	_, srv := newTestServer(t)

	body, _ := json.Marshal(telemetry.IngestPayload{GatewayID: "gateway-01"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest", bytes.NewReader(body))
	req.Header.Set("gatewayid", "gateway-01")
	req.Header.Set("secret", "boot-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngest_RejectsUnknownGatewayWithoutBootstrapSecret(t *testing.T) {
	_, srv := newTestServer(t)

	body, _ := json.Marshal(telemetry.IngestPayload{GatewayID: "gateway-intruder"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	req.Header.Set("gatewayid", "gateway-intruder")
	req.Header.Set("secret", "wrong-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngest_UnknownGatewayAutoRegistersWithBootstrapSecret(t *testing.T) {
	_, srv := newTestServer(t)

	payload, _ := json.Marshal(telemetry.IngestPayload{
		GatewayID: "gateway-02",
		Data: []*telemetry.Reading{{MessageID: "m1", DeviceID: "d1", SensorType: "temperature"}},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	req.Header.Set("gatewayid", "gateway-02")
	req.Header.Set("secret", registry.GatewaySecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfig_GetAndPostRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	get := func() telemetry.GatewayConfig {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/config/gateway-01", nil)
		req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var parsed struct {
			Config telemetry.GatewayConfig `json:"config"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
		return parsed.Config
	}

	before := get()
	assert.Equal(t, DefaultBatchSize, before.BatchSize)

	update, _ := json.Marshal(telemetry.GatewayConfig{BatchSize: 99})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/config/gateway-01", bytes.NewReader(update))
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	after := get()
	assert.Equal(t, 99, after.BatchSize)
	assert.Equal(t, DefaultMaxWaitSeconds, after.MaxWaitSeconds, "unset field keeps its prior value")
}

func TestHeartbeat_PopulatesGatewayStatus(t *testing.T) {
	_, srv := newTestServer(t)

	payload, _ := json.Marshal(telemetry.HeartbeatPayload{GatewayID: "gateway-01", MessageRate: 10, RecordsSent: 500})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/heartbeat", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	statusReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/gateway-status", nil)
	statusResp, err := http.DefaultClient.Do(statusReq)
	require.NoError(t, err)
	defer statusResp.Body.Close()

	var parsed struct {
		Gateways map[string]gatewayStatusEntry `json:"gateways"`
		TotalRecordsSent uint64 `json:"total_records_sent"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&parsed))
	require.Contains(t, parsed.Gateways, "gateway-01")
	assert.EqualValues(t, 500, parsed.Gateways["gateway-01"].RecordsSent)
	assert.EqualValues(t, 500, parsed.TotalRecordsSent)
}

func TestHeartbeat_DoesNotBlockLaterIngestBootstrap(t *testing.T) {
	// A freshly-scaled gateway heartbeats before its first upload; that
	// must not plant any auth-registry state that would 401 the upload.
	_, srv := newTestServer(t)

	hb, _ := json.Marshal(telemetry.HeartbeatPayload{GatewayID: "gateway-03", MessageRate: 1})
	hbReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/heartbeat", bytes.NewReader(hb))
	hbReq.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	hbResp, err := http.DefaultClient.Do(hbReq)
	require.NoError(t, err)
	hbResp.Body.Close()

	body, _ := json.Marshal(telemetry.IngestPayload{
		GatewayID: "gateway-03",
		Data: []*telemetry.Reading{{MessageID: "hb-m1", DeviceID: "d1", SensorType: "temperature"}},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	req.Header.Set("gatewayid", "gateway-03")
	req.Header.Set("secret", registry.GatewaySecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExport_WritesHistoricalDataAtomically(t *testing.T) {
	s, srv := newTestServer(t)

	resp := ingestRequest(t, srv, "gateway-01", telemetry.IngestPayload{
		GatewayID: "gateway-01",
		Data: []*telemetry.Reading{
			{MessageID: "m1", DeviceID: "d1", SensorType: "temperature", Timestamp: "2026-01-01T00:00:01Z", Value: 1},
			{MessageID: "m2", DeviceID: "d1", SensorType: "temperature", Timestamp: "2026-01-01T00:00:00Z", Value: 2},
		},
	})
	resp.Body.Close()

	require.NoError(t, s.Export())

	data, err := os.ReadFile(filepath.Join(s.dataDir, "historical_data.json"))
	require.NoError(t, err)

	var out []*telemetry.Reading
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 2)
	assert.True(t, out[0].Timestamp < out[1].Timestamp, "export is sorted by timestamp")

	_, err = os.Stat(filepath.Join(s.dataDir, "historical_data.json.tmp"))
	assert.True(t, os.IsNotExist(err), "the .tmp file must be renamed away, not left behind")
}

func TestGetModel_PendingWhenNoArtifactYet(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ml/model", nil)
	req.Header.Set("Authorization", "Bearer "+GatewayAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "pending", parsed.Status)
}

func TestWSStatus_PushesSnapshot(t *testing.T) {
	_, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap fleetSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.NotEmpty(t, snap.Timestamp)
}
