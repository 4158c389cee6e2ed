package cloudapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// fleetSnapshot is one broadcast frame pushed to /ws/status subscribers:
// the same gateway-status view served over HTTP, pushed on a timer so
// an operator dashboard doesn't have to poll.
type fleetSnapshot struct {
	Gateways         map[string]gatewayStatusEntry `json:"gateways"`
	TotalRecordsSent uint64                        `json:"total_records_sent"`
	Count            int                           `json:"count"`
	Timestamp        string                        `json:"timestamp"`
}

// wsHub upgrades /ws/status connections and pushes a fleetSnapshot to
// every connected client once a second, reusing the gateway replication
// server's gorilla/websocket push pattern for the cloud side's fleet
// dashboard feed.
type wsHub struct {
	logger   *zap.Logger
	server   *Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newWSHub(logger *zap.Logger, server *Server) *wsHub {
	return &wsHub{
		logger: logger,
		server: server,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("fleet dashboard websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(h.server.fleetSnapshot()); err != nil {
			return
		}
	}
}

// closeAll disconnects every live fleet dashboard client, called on
// server shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
}

// fleetSnapshot builds the current gateway-status view for the
// websocket push; it carries the same fields handleGatewayStatus
// serves over HTTP, plus a timestamp.
func (s *Server) fleetSnapshot() fleetSnapshot {
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

	return fleetSnapshot{
		Gateways: gateways,
		TotalRecordsSent: total,
		Count: len(gateways),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
