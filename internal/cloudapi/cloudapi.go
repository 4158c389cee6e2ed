// Package cloudapi implements the Cloud Ingest API: gateway
// authentication, deduplicated ingestion into an in-memory store with
// per-profile training windows, gateway config/heartbeat/status
// endpoints, and periodic historical export for the trainer. HTTP
// routing uses gorilla/mux; the dedup cache evicts FIFO once its cap is
// reached.
package cloudapi

import (
	"container/list"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/registry"
	"telemetry-gateway/internal/telemetry"
)

// Cloud ingest API tunables.
const (
	IngestDedupMax        = 50000
	TrainingWindowSize    = 50
	AutoExportInterval    = 20 * time.Second
	DefaultBatchSize      = 50
	DefaultMaxWaitSeconds = 5
	GatewayAPIKey         = "secretAPIkey"
)

// ProtectedPaths require gateway auth (gatewayid/secret headers).
var ProtectedPaths = []string{"/ingest"}

// record is a stored ingested reading plus its profile key. The
// reading's Extra bag keeps unknown fields intact so they round-trip to
// /data and to the historical export exactly as received.
type record struct {
	reading    *telemetry.Reading
	profileKey string
}

// Server is the cloud ingest API.
type Server struct {
	logger   *zap.Logger
	registry *registry.Registry
	metrics  *obsmetrics.CloudMetrics
	dataDir  string

	dbMu sync.RWMutex
	db   []*record

	profileMu sync.Mutex
	profiles  map[string][]*record // bounded to TrainingWindowSize per key, FIFO

	dedupMu    sync.Mutex
	dedupSeen  map[string]struct{}
	dedupOrder *list.List

	configMu sync.Mutex
	configs  map[string]telemetry.GatewayConfig

	loadsMu sync.Mutex
	loads   map[string]gatewayLoad

	lastExportMu sync.Mutex
	lastExport   time.Time

	wsHub *wsHub
}

type gatewayLoad struct {
	Status        string `json:"status"`
	MessageRate   int64  `json:"message_rate"`
	RecordsSent   uint64 `json:"records_sent"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// New creates a cloud ingest API server. dataDir is where the historical
// export and trained model artifact live (/data by convention).
func New(logger *zap.Logger, reg *registry.Registry, dataDir string) *Server {
	s := &Server{
		logger: logger,
		registry: reg,
		metrics: obsmetrics.NewCloudMetrics(),
		dataDir: dataDir,
		profiles: make(map[string][]*record),
		dedupSeen: make(map[string]struct{}),
		dedupOrder: list.New(),
		configs: map[string]telemetry.GatewayConfig{
			"gateway-01": {BatchSize: DefaultBatchSize, MaxWaitSeconds: DefaultMaxWaitSeconds},
		},
		loads: make(map[string]gatewayLoad),
	}
	s.wsHub = newWSHub(logger, s)
	return s
}

// CloseDashboardFeed disconnects any live /ws/status clients, called on
// server shutdown.
func (s *Server) CloseDashboardFeed() {
	s.wsHub.closeAll()
}

// Router builds the HTTP handler tree for the cloud ingest API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.gatewayAuthMiddleware)

	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/devices/register", s.handleDeviceRegister).Methods(http.MethodPost)
	r.HandleFunc("/data", s.handleAllData).Methods(http.MethodGet)
	r.HandleFunc("/data/by-type/{sensorType}", s.handleDataByType).Methods(http.MethodGet)
	r.HandleFunc("/data/by-device/{deviceId}", s.handleDataByDevice).Methods(http.MethodGet)
	r.HandleFunc("/config/{gatewayId}", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/config/{gatewayId}", s.handlePostConfig).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/ml/model", s.handleGetModel).Methods(http.MethodGet)
	r.HandleFunc("/gateway/{gatewayId}", s.handleRemoveGateway).Methods(http.MethodDelete)
	r.HandleFunc("/gateway-status", s.handleGatewayStatus).Methods(http.MethodGet)
	r.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/ws/status", s.wsHub.handle)
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// gatewayAuthMiddleware enforces the gatewayid/secret headers on
// ProtectedPaths, auto-registering a gateway that presents the shared
// provisioning secret.
func (s *Server) gatewayAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protected := false
		for _, p := range ProtectedPaths {
			if strings.HasPrefix(r.URL.Path, p) {
				protected = true
				break
			}
		}
		if protected {
			gatewayID := r.Header.Get("gatewayid")
			secret := r.Header.Get("secret")
			if !s.registry.AuthenticateGateway(gatewayID, secret) {
				s.metrics.AuthFailures.Inc()
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid Gateway"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// checkAPIKey validates the Bearer API key carried on most endpoints.
func checkAPIKey(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+GatewayAPIKey
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}

	var payload telemetry.IngestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid payload"})
		return
	}

	accepted, duplicates := s.ingest(payload.Data)

	s.logger.Info("received records",
		zap.String("gateway_id", payload.GatewayID),
		zap.Int("accepted", accepted),
		zap.Int("duplicates", duplicates),
		zap.Int("total_stored", s.recordCount()))

	s.metrics.IngestRequests.Inc()

	s.maybeAutoExport()

	writeJSON(w, http.StatusOK, telemetry.IngestResponse{
		Status: "ok",
		Received: accepted,
		Duplicates: duplicates,
	})
}

// ingest applies cloud-side dedup and stores each accepted reading.
func (s *Server) ingest(data []*telemetry.Reading) (accepted, duplicates int) {
	for _, reading := range data {
		if reading.MessageID != "" && !s.markDedup(reading.MessageID) {
			duplicates++
			continue
		}

		reading.ProfileKey = telemetry.ProfileKey(reading.DeviceID, reading.SensorType)
		rec := &record{reading: reading, profileKey: reading.ProfileKey}

		s.dbMu.Lock()
		s.db = append(s.db, rec)
		s.dbMu.Unlock()

		s.profileMu.Lock()
		buf := s.profiles[rec.profileKey]
		buf = append(buf, rec)
		if len(buf) > TrainingWindowSize {
			buf = buf[len(buf)-TrainingWindowSize:]
		}
		s.profiles[rec.profileKey] = buf
		s.profileMu.Unlock()

		accepted++
	}
	s.metrics.IngestRecords.Add(float64(accepted))
	s.metrics.IngestDuplicates.Add(float64(duplicates))
	return accepted, duplicates
}

// markDedup records messageID as ingested, evicting the oldest entry
// once over IngestDedupMax. Returns false if already seen.
func (s *Server) markDedup(messageID string) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	if _, ok := s.dedupSeen[messageID]; ok {
		return false
	}
	s.dedupSeen[messageID] = struct{}{}
	s.dedupOrder.PushBack(messageID)
	for len(s.dedupSeen) > IngestDedupMax {
		oldest := s.dedupOrder.Front()
		if oldest == nil {
			break
		}
		s.dedupOrder.Remove(oldest)
		delete(s.dedupSeen, oldest.Value.(string))
	}
	return true
}

func (s *Server) recordCount() int {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return len(s.db)
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.URL.Query().Get("gateway_id")

	deviceID := telemetry.NewMessageID()
	secret := telemetry.NewMessageID()
	s.registry.RegisterDevice(deviceID, secret)

	s.logger.Info("device registered",
		zap.String("device_id", deviceID), zap.String("gateway_id", gatewayID))
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": deviceID,
		"device_secret": secret,
	})
}

func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	s.dbMu.RLock()
	readings := s.snapshotReadings(s.db)
	s.dbMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(readings),
		"data": readings,
	})
}

func (s *Server) handleDataByType(w http.ResponseWriter, r *http.Request) {
	sensorType := mux.Vars(r)["sensorType"]

	s.dbMu.RLock()
	var filtered []*record
	for _, rec := range s.db {
		if rec.reading.SensorType == sensorType {
			filtered = append(filtered, rec)
		}
	}
	readings := s.snapshotReadings(filtered)
	s.dbMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensorType": sensorType,
		"count": len(readings),
		"data": readings,
	})
}

func (s *Server) handleDataByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	s.dbMu.RLock()
	var filtered []*record
	for _, rec := range s.db {
		if rec.reading.DeviceID == deviceID {
			filtered = append(filtered, rec)
		}
	}
	readings := s.snapshotReadings(filtered)
	s.dbMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId": deviceID,
		"count": len(readings),
		"data": readings,
	})
}

func (s *Server) snapshotReadings(recs []*record) []*telemetry.Reading {
	out := make([]*telemetry.Reading, len(recs))
	for i, rec := range recs {
		out[i] = rec.reading
	}
	return out
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}
	gatewayID := mux.Vars(r)["gatewayId"]

	s.configMu.Lock()
	cfg := s.configs[gatewayID]
	s.configMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}
	gatewayID := mux.Vars(r)["gatewayId"]

	var update telemetry.GatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid config"})
		return
	}

	s.configMu.Lock()
	cfg := s.configs[gatewayID]
	if update.BatchSize > 0 {
		cfg.BatchSize = update.BatchSize
	}
	if update.MaxWaitSeconds > 0 {
		cfg.MaxWaitSeconds = update.MaxWaitSeconds
	}
	s.configs[gatewayID] = cfg
	s.configMu.Unlock()

	s.logger.Info("OTA config updated", zap.String("gateway_id", gatewayID),
		zap.Int("batch_size", cfg.BatchSize), zap.Int("max_wait_seconds", cfg.MaxWaitSeconds))

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "updated", "config": cfg})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}

	var payload telemetry.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid payload"})
		return
	}

	s.loadsMu.Lock()
	s.loads[payload.GatewayID] = gatewayLoad{
		Status: "alive",
		MessageRate: payload.MessageRate,
		RecordsSent: payload.RecordsSent,
		LastHeartbeat: time.Now().UTC().Format(time.RFC3339),
	}
	s.loadsMu.Unlock()

	s.configMu.Lock()
	if _, ok := s.configs[payload.GatewayID]; !ok {
		s.configs[payload.GatewayID] = telemetry.GatewayConfig{
			BatchSize: DefaultBatchSize,
			MaxWaitSeconds: DefaultMaxWaitSeconds,
		}
	}
	s.configMu.Unlock()

	s.logger.Info("heartbeat received",
		zap.String("gateway_id", payload.GatewayID),
		zap.Int64("message_rate", payload.MessageRate),
		zap.Uint64("records_sent", payload.RecordsSent))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}

	modelPath := filepath.Join(s.dataDir, "anomaly_model.json")
	data, err := os.ReadFile(modelPath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "pending",
			"model": nil,
			"message": "Model not available yet",
		})
		return
	}

	var model telemetry.ModelArtifact
	if err := json.Unmarshal(data, &model); err != nil {
		s.logger.Warn("model artifact unreadable", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending", "model": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "model": model})
}

func (s *Server) handleRemoveGateway(w http.ResponseWriter, r *http.Request) {
	if !checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
		return
	}
	gatewayID := mux.Vars(r)["gatewayId"]

	s.loadsMu.Lock()
	_, existed := s.loads[gatewayID]
	delete(s.loads, gatewayID)
	s.loadsMu.Unlock()

	s.registry.DeregisterGateway(gatewayID)

	if existed {
		s.logger.Info("gateway deregistered", zap.String("gateway_id", gatewayID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "gateway_id": gatewayID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "not_found", "gateway_id": gatewayID})
}

// gatewayStatusEntry is one gateway's status as reported to the
// autoscaler.
type gatewayStatusEntry struct {
	MessageRate   int64  `json:"message_rate"`
	RecordsSent   uint64 `json:"records_sent"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	s.loadsMu.Lock()
	defer s.loadsMu.Unlock()

	gateways := make(map[string]gatewayStatusEntry, len(s.loads))
	var total uint64
	for id, load := range s.loads {
		gateways[id] = gatewayStatusEntry{
			MessageRate: load.MessageRate,
			RecordsSent: load.RecordsSent,
			Status: load.Status,
			LastHeartbeat: load.LastHeartbeat,
		}
		total += load.RecordsSent
	}

	s.metrics.ActiveGateways.Set(float64(len(gateways)))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": gateways,
		"total_records_sent": total,
		"count": len(gateways),
	})
}

// maybeAutoExport triggers Export if AutoExportInterval has elapsed
// since the last one.
func (s *Server) maybeAutoExport() {
	s.lastExportMu.Lock()
	due := time.Since(s.lastExport) >= AutoExportInterval
	if due {
		s.lastExport = time.Now()
	}
	s.lastExportMu.Unlock()

	if due {
		if err := s.Export(); err != nil {
			s.logger.Warn("historical export failed", zap.Error(err))
		}
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if err := s.Export(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "exported"})
}

// Export snapshots every profile's training window, sorted by
// timestamp, and atomically writes it to historical_data.json for the
// trainer to pick up.
func (s *Server) Export() error {
	s.profileMu.Lock()
	var snapshot []*telemetry.Reading
	for _, buf := range s.profiles {
		for _, rec := range buf {
			snapshot = append(snapshot, rec.reading)
		}
	}
	s.profileMu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Timestamp < snapshot[j].Timestamp
	})

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dataDir, "historical_data.json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
