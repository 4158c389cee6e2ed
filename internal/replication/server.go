package replication

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PeerPort is the fixed port the replication HTTP server listens on.
const PeerPort = 5000

// StatusSnapshot is one frame pushed to connected /status/ws operator
// clients alongside the /peer/data and /peer/health endpoints.
type StatusSnapshot struct {
	GatewayID   string `json:"gateway_id"`
	LogSize     int    `json:"log_size"`
	PeerCount   int    `json:"peer_count"`
	RecordsSent uint64 `json:"records_sent"`
	Timestamp   string `json:"timestamp"`
}

// SnapshotFunc produces the current operator status snapshot on
// demand.
type SnapshotFunc func() StatusSnapshot

// Server exposes the replication log to peers and an operator status
// stream.
type Server struct {
	logger   *zap.Logger
	engine   *Engine
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]struct{}

	httpServer *http.Server
}

// NewServer creates a peer replication HTTP server bound to PeerPort.
func NewServer(logger *zap.Logger, engine *Engine, snapshot SnapshotFunc) *Server {
	s := &Server{
		logger: logger,
		engine: engine,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer/data", s.handlePeerData)
	mux.HandleFunc("/peer/health", s.handlePeerHealth)
	mux.HandleFunc("/status/ws", s.handleStatusWS)

	s.httpServer = &http.Server{
		Addr: ":" + strconv.Itoa(PeerPort),
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving the peer HTTP endpoints until Shutdown
// is called or a listen error occurs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("peer replication server listening", zap.Int("port", PeerPort))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and closes any live operator websocket
// connections.
func (s *Server) Shutdown() {
	s.wsMu.Lock()
	for c := range s.wsClients {
		c.Close()
	}
	s.wsMu.Unlock()
	_ = s.httpServer.Close()
}

func (s *Server) handlePeerData(w http.ResponseWriter, r *http.Request) {
	sinceStr := r.URL.Query().Get("since")
	since, _ := strconv.ParseFloat(sinceStr, 64)

	data := s.engine.GetLogSince(since)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway_id": s.engine.gatewayID,
		"data": data,
		"count": len(data),
	})
}

func (s *Server) handlePeerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"gateway_id": s.engine.gatewayID,
	})
}

// handleStatusWS upgrades to a websocket and pushes a StatusSnapshot
// every second until the client disconnects.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.wsMu.Lock()
	s.wsClients[conn] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if s.snapshot == nil {
			continue
		}
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
