package replication

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-gateway/internal/telemetry"
)

func newTestPeerServer(t *testing.T) (*Engine, *httptest.Server) {
	t.Helper()
	e := New(zap.NewNop(), "gw-1", &fakeSink{}, nil, nil)
	e.AddToLog(&telemetry.Reading{MessageID: "m1", DeviceID: "d1"})

	s := NewServer(zap.NewNop(), e, func() StatusSnapshot {
		return StatusSnapshot{GatewayID: "gw-1", LogSize: len(e.GetLogSince(0))}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/peer/data", s.handlePeerData)
	mux.HandleFunc("/peer/health", s.handlePeerHealth)
	mux.HandleFunc("/status/ws", s.handleStatusWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return e, srv
}

func TestHandlePeerData_ReturnsLogEntries(t *testing.T) {
	_, srv := newTestPeerServer(t)

	resp, err := http.Get(srv.URL + "/peer/data?since=0")
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed peerDataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "gw-1", parsed.GatewayID)
	require.Len(t, parsed.Data, 1)
	assert.Equal(t, "m1", parsed.Data[0].MessageID)
}

func TestHandlePeerData_SinceExcludesOlderEntries(t *testing.T) {
	_, srv := newTestPeerServer(t)

	resp, err := http.Get(srv.URL + "/peer/data?since=" + "99999999999")
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed peerDataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Empty(t, parsed.Data)
}

func TestHandlePeerHealth_ReportsOK(t *testing.T) {
	_, srv := newTestPeerServer(t)

	resp, err := http.Get(srv.URL + "/peer/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "ok", parsed["status"])
	assert.Equal(t, "gw-1", parsed["gateway_id"])
}

func TestHandleStatusWS_PushesSnapshot(t *testing.T) {
	_, srv := newTestPeerServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap StatusSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "gw-1", snap.GatewayID)
	assert.Equal(t, 1, snap.LogSize)
}
