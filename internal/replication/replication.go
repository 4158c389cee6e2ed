// Package replication implements the peer replication engine:
// an append-only ring log of locally-accepted records served to peers,
// a pull-based anti-entropy sync loop, and the seen-set bookkeeping
// that keeps a record from being re-replicated once any gateway has
// forwarded it. The log and seen set both evict FIFO once their cap is
// reached; per-peer HTTP pulls run through a gobreaker-protected client,
// one breaker per peer, via internal/resilience.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/resilience"
	"telemetry-gateway/internal/telemetry"
)

// Replication tunables.
const (
	LogCapacity    = 5000
	SeenCacheMax   = 20000
	SyncInterval   = 10 * time.Second
	WarmupDelay    = 5 * time.Second
	PullTimeout    = 3 * time.Second
	PeerBreakerMax = 5
	PeerBreakerTTL = 30 * time.Second
)

// logEntry is one record appended to the replication log, carrying the
// origin gateway id and local monotonic-wall append time.
type logEntry struct {
	record *telemetry.Reading
	replTS float64
}

// Sink receives records pulled from a peer so they join the local
// buffer and are therefore also uploaded to the cloud by this gateway.
type Sink interface {
	Accept(r *telemetry.Reading)
}

// StatusProvider supplies the set of currently-alive peer gateway ids,
// normally backed by the cloud's /gateway-status.
type StatusProvider func(ctx context.Context) ([]string, error)

// Engine is one gateway's peer replication state: its own replication
// log, the seen set shielding against re-ingesting replicated self
// data, the current peer table, and per-peer sync cursors.
type Engine struct {
	logger    *zap.Logger
	gatewayID string
	sink      Sink
	status    StatusProvider
	breakers  *resilience.BreakerSet
	client    *http.Client
	metrics   *obsmetrics.GatewayMetrics

	logMu sync.Mutex
	log   []logEntry
	head  int        // ring write cursor
	count int

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string

	peersMu sync.RWMutex
	peers   []string
	cursors map[string]float64
}

// New creates a replication Engine for gatewayID, pulling peer data
// into sink and discovering peers via status.
func New(logger *zap.Logger, gatewayID string, sink Sink, status StatusProvider, metrics *obsmetrics.GatewayMetrics) *Engine {
	return &Engine{
		logger: logger,
		gatewayID: gatewayID,
		sink: sink,
		status: status,
		breakers: resilience.NewBreakerSet(logger, PeerBreakerMax, PeerBreakerTTL),
		client: &http.Client{Timeout: PullTimeout},
		metrics: metrics,
		log: make([]logEntry, LogCapacity),
		seen: make(map[string]struct{}),
		cursors: make(map[string]float64),
	}
}

// SetSink re-points the engine at a new downstream sink, used when the
// Control-Plane Client swaps in a new buffer on a config change.
// The cyclic engine<->buffer reference is modeled as this injected
// handle, mutated under a lock, rather than two mutually-owned
// pointers.
func (e *Engine) SetSink(sink Sink) {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	e.sink = sink
}

// AddToLog appends a locally-accepted record to the replication log.
// If the record's messageId has already been seen (e.g. it arrived via
// replication and is being re-offered), it is not re-logged — origin
// is preserved only at first touch.
func (e *Engine) AddToLog(r *telemetry.Reading) {
	if r.MessageID == "" {
		return
	}
	if !e.markSeen(r.MessageID) {
		return
	}

	entry := *r
	entry.Origin = e.gatewayID
	entry.ReplTS = nowSeconds()

	e.logMu.Lock()
	e.log[e.head] = logEntry{record: &entry, replTS: entry.ReplTS}
	e.head = (e.head + 1) % LogCapacity
	if e.count < LogCapacity {
		e.count++
	}
	e.logMu.Unlock()
}

// LogLen reports how many entries the replication log currently holds.
func (e *Engine) LogLen() int {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return e.count
}

// PeerCount reports the size of the current peer table.
func (e *Engine) PeerCount() int {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return len(e.peers)
}

// GetLogSince returns every log entry appended after the given replTS.
// It is served to peers by the peer HTTP server.
func (e *Engine) GetLogSince(since float64) []*telemetry.Reading {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	out := make([]*telemetry.Reading, 0, e.count)
	start := (e.head - e.count + LogCapacity) % LogCapacity
	for i := 0; i < e.count; i++ {
		idx := (start + i) % LogCapacity
		entry := e.log[idx]
		if entry.record != nil && entry.replTS > since {
			out = append(out, entry.record)
		}
	}
	return out
}

// markSeen records messageID as seen, evicting the oldest entry once
// over SeenCacheMax. Returns false if the id was already seen.
func (e *Engine) markSeen(messageID string) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	if _, ok := e.seen[messageID]; ok {
		return false
	}
	e.seen[messageID] = struct{}{}
	e.order = append(e.order, messageID)
	for len(e.seen) > SeenCacheMax {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.seen, oldest)
	}
	return true
}

func (e *Engine) isSeen(messageID string) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	_, ok := e.seen[messageID]
	return ok
}

// Run drives peer discovery and pull-based sync until ctx is
// cancelled. It begins after WarmupDelay to let the rest of the
// gateway finish starting up.
func (e *Engine) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(WarmupDelay):
	}

	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		e.discoverPeers(ctx)
		e.pullFromPeers(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) discoverPeers(ctx context.Context) {
	if e.status == nil {
		return
	}
	alive, err := e.status(ctx)
	if err != nil {
		e.logger.Warn("peer discovery failed", zap.Error(err))
		return
	}

	peers := make([]string, 0, len(alive))
	for _, id := range alive {
		if id != e.gatewayID {
			peers = append(peers, id)
		}
	}

	e.peersMu.Lock()
	e.peers = peers
	e.peersMu.Unlock()
}

func (e *Engine) pullFromPeers(ctx context.Context) {
	e.peersMu.RLock()
	peers := append([]string(nil), e.peers...)
	e.peersMu.RUnlock()

	for _, peerID := range peers {
		e.pullFromPeer(ctx, peerID)
	}
}

type peerDataResponse struct {
	GatewayID string               `json:"gateway_id"`
	Data      []*telemetry.Reading `json:"data"`
	Count     int                  `json:"count"`
}

func (e *Engine) pullFromPeer(ctx context.Context, peerID string) {
	e.peersMu.RLock()
	since := e.cursors[peerID]
	e.peersMu.RUnlock()

	url := fmt.Sprintf("http://%s:5000/peer/data?since=%f", peerID, since)

	result, err := e.breakers.Execute(peerID, func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, PullTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			// Connection errors to a peer are silent
			return nil, errSilent{err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("peer %s returned status %d", peerID, resp.StatusCode)
		}

		var parsed peerDataResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode peer response from %s: %w", peerID, err)
		}
		return &parsed, nil
	})

	if err != nil {
		var silent errSilent
		if !asSilent(err, &silent) {
			e.logger.Warn("pull from peer failed", zap.String("peer", peerID), zap.Error(err))
		}
		return
	}

	parsed := result.(*peerDataResponse)
	replicated := 0
	for _, rec := range parsed.Data {
		if rec.MessageID == "" || e.isSeen(rec.MessageID) {
			continue
		}
		e.markSeen(rec.MessageID)

		origin := rec.Origin
		replTS := rec.ReplTS
		rec.StripReplicationFields()
		rec.ReplicatedFrom = origin
		if rec.ReplicatedFrom == "" {
			rec.ReplicatedFrom = peerID
		}
		if e.metrics != nil {
			if replTS > 0 {
				e.metrics.ReplicationLag.Observe(nowSeconds() - replTS)
			}
			e.metrics.RecordsReplicated.Inc()
		}

		e.peersMu.RLock()
		sink := e.sink
		e.peersMu.RUnlock()
		if sink != nil {
			sink.Accept(rec)
		}
		replicated++
	}

	e.peersMu.Lock()
	e.cursors[peerID] = nowSeconds()
	e.peersMu.Unlock()

	if replicated > 0 {
		e.logger.Info("replicated records from peer", zap.String("peer", peerID), zap.Int("count", replicated))
	}
}

// errSilent marks an error that should not be logged at the call site,
// for peer connection failures that are expected during normal churn.
type errSilent struct{ err error }

func (e errSilent) Error() string { return e.err.Error() }
func (e errSilent) Unwrap() error { return e.err }

func asSilent(err error, target *errSilent) bool {
	s, ok := err.(errSilent)
	if ok {
		*target = s
	}
	return ok
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
