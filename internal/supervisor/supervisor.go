// Package supervisor wires the gateway's components together and
// drives the process lifecycle: startup ordering, background loops, and
// graceful shutdown. Startup fetches config and sends a first heartbeat
// before starting the MQTT listener, model poller, peer replication,
// and batch sender.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/authn"
	"telemetry-gateway/internal/buffer"
	"telemetry-gateway/internal/controlplane"
	"telemetry-gateway/internal/detector"
	"telemetry-gateway/internal/gwconfig"
	"telemetry-gateway/internal/ingest"
	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/replication"
	"telemetry-gateway/internal/telemetry"
	"telemetry-gateway/internal/uploader"
)

// BatchSenderPollInterval is the idle-poll delay of the batch-sender
// loop when no batch was ready.
const BatchSenderPollInterval = 100 * time.Millisecond

// UploadWorkers bounds how many batches upload concurrently. The drain
// loop hands each ready batch to this pool so a slow or retrying upload
// never stalls the draining of further batches under bursty load.
const UploadWorkers = 20

// pipelineSink fans an ingested reading out to both the upload buffer
// and the replication log, implementing ingest.Sink.
type pipelineSink struct {
	mu   sync.RWMutex
	buf  *buffer.Buffer
	repl *replication.Engine
}

func (s *pipelineSink) Accept(r *telemetry.Reading) {
	s.mu.RLock()
	buf := s.buf
	s.mu.RUnlock()

	if buf.Add(r) != buffer.Accepted {
		return
	}
	s.repl.AddToLog(r)
}

func (s *pipelineSink) currentBuffer() *buffer.Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf
}

func (s *pipelineSink) setBuffer(b *buffer.Buffer) {
	s.mu.Lock()
	s.buf = b
	s.mu.Unlock()
}

// Requeue implements uploader.Requeuer by delegating to whichever
// buffer is current at the moment a failed batch needs to go back,
// so requeues survive a config-triggered buffer swap.
func (s *pipelineSink) Requeue(batch []*telemetry.Reading) {
	s.currentBuffer().Requeue(batch)
}

// Supervisor owns every gateway component and its lifecycle.
type Supervisor struct {
	logger *zap.Logger
	cfg    *gwconfig.Config

	sink    *pipelineSink
	auth    *authn.Authenticator
	det     *detector.Detector
	ing     *ingest.Ingestor
	repl    *replication.Engine
	replSrv *replication.Server
	up      *uploader.Uploader
	cp      *controlplane.Client
	metrics *obsmetrics.GatewayMetrics
	httpSrv *http.Server
}

// New constructs a Supervisor and all of its components, ready to Run.
func New(logger *zap.Logger, cfg *gwconfig.Config) *Supervisor {
	metrics := obsmetrics.NewGatewayMetrics()
	initialBuf := buffer.New(logger, cfg.BatchSize, time.Duration(cfg.MaxWaitSeconds)*time.Second, metrics)

	sink := &pipelineSink{buf: initialBuf}
	auth := authn.New(logger, map[string]string{
		"sensor-001": authn.ProvisioningSecret,
		"sensor-002": authn.ProvisioningSecret,
	})
	det := detector.New()

	up := uploader.New(logger, cfg.GatewayID, cfg.APIKey, cfg.GatewaySecret, cfg.CloudURL, sink, metrics)

	repl := replication.New(logger, cfg.GatewayID, initialBuf, gatewayStatusProvider(cfg.CloudURL, cfg.APIKey), metrics)
	sink.repl = repl

	replSrv := replication.NewServer(logger, repl, func() replication.StatusSnapshot {
		return replication.StatusSnapshot{
			GatewayID:   cfg.GatewayID,
			LogSize:     repl.LogLen(),
			PeerCount:   repl.PeerCount(),
			RecordsSent: up.RecordsSent(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
	})

	bufferHandle := controlplane.NewBufferHandle(sink.currentBuffer, func(b *buffer.Buffer) {
		sink.setBuffer(b)
	})

	cp := controlplane.New(logger, controlplane.Config{
		GatewayID:           cfg.GatewayID,
		APIKey:              cfg.APIKey,
		CloudURL:            cfg.CloudURL,
		InitialBatchSize:    cfg.BatchSize,
		InitialMaxWait:      cfg.MaxWaitSeconds,
		ConfigCheckInterval: cfg.ConfigCheckInterval,
	}, bufferHandle, reSinkAdapter{repl}, det, up.RecordsSent, metrics)

	ing := ingest.New(logger, ingest.Config{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.GatewayID,
	}, auth, det, sink, cp.RecordAcceptedMessage, metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(cfg.MetricsPort), Handler: mux}

	return &Supervisor{
		logger:  logger,
		cfg:     cfg,
		sink:    sink,
		auth:    auth,
		det:     det,
		ing:     ing,
		repl:    repl,
		replSrv: replSrv,
		up:      up,
		cp:      cp,
		metrics: metrics,
		httpSrv: httpSrv,
	}
}

// gatewayStatusProvider polls the cloud's /gateway-status endpoint for
// the set of currently-alive gateway ids, feeding replication.Engine's
// peer discovery.
func gatewayStatusProvider(cloudURL, apiKey string) replication.StatusProvider {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cloudURL+"/gateway-status", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway-status returned %d", resp.StatusCode)
		}

		var parsed struct {
			Gateways map[string]struct {
				Status string `json:"status"`
			} `json:"gateways"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(parsed.Gateways))
		for id, info := range parsed.Gateways {
			if info.Status == "alive" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
}

// reSinkAdapter adapts *replication.Engine's SetSink(replication.Sink)
// to controlplane.ReplicationSink's differently-spelled Sink parameter
// type; both describe the same single-method Accept interface.
type reSinkAdapter struct{ engine *replication.Engine }

func (a reSinkAdapter) SetSink(sink interface{ Accept(r *telemetry.Reading) }) {
	a.engine.SetSink(sink)
}

// Run starts every background loop and blocks until ctx is cancelled,
// then performs graceful shutdown: stop accepting new work, flush the
// buffer, and synchronously upload everything remaining.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("starting gateway", zap.String("gateway_id", s.cfg.GatewayID))

	// Fetch config and send the first heartbeat before accepting traffic.
	if err := s.cp.RefreshConfig(ctx); err != nil {
		s.logger.Warn("initial config fetch failed, using defaults", zap.Error(err))
	}
	if err := s.cp.Heartbeat(ctx); err != nil {
		s.logger.Warn("initial heartbeat failed", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ing.Start(ctx)
	}()
	s.logger.Info("MQTT listener started", zap.Int("workers", ingest.WorkerPoolSize))

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cp.RunModelRefresh(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.repl.Run(ctx)
	}()
	s.logger.Info("peer replication enabled")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.replSrv.ListenAndServe(); err != nil {
			s.logger.Error("peer replication server failed", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cp.RunConfigAndHeartbeat(ctx)
	}()

	senderDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(senderDone)
		s.batchSenderLoop(ctx)
	}()

	<-ctx.Done()
	// Let in-flight uploads finish (requeuing any failures) before the
	// buffer is flushed for the final synchronous drain.
	<-senderDone
	s.shutdown()
	wg.Wait()
}

// batchSenderLoop greedily drains every ready batch, submitting each to
// a bounded upload pool, and sleeps briefly when none is ready. It waits
// for in-flight uploads before returning so a failed batch can still
// requeue ahead of the shutdown drain.
func (s *Supervisor) batchSenderLoop(ctx context.Context) {
	sem := make(chan struct{}, UploadWorkers)
	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sentAny := false
		for {
			buf := s.sink.currentBuffer()
			batch := buf.GetBatchIfReady()
			if batch == nil {
				break
			}

			sem <- struct{}{}
			inFlight.Add(1)
			go func(b []*telemetry.Reading) {
				defer inFlight.Done()
				defer func() { <-sem }()
				s.up.Upload(ctx, b)
			}(batch)
			sentAny = true
		}

		if !sentAny {
			select {
			case <-ctx.Done():
				return
			case <-time.After(BatchSenderPollInterval):
			}
		}
	}
}

// shutdown stops accepting new MQTT messages, flushes and synchronously
// uploads whatever remains, and closes the HTTP servers.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutdown signal received, flushing buffer")
	s.ing.Stop()

	buf := s.sink.currentBuffer()
	remaining := buf.FlushAll()
	if len(remaining) > 0 {
		s.logger.Info("sending remaining messages to cloud", zap.Int("count", len(remaining)))
		batchSize := s.cfg.BatchSize
		if batchSize <= 0 {
			batchSize = 50
		}
		ctx := context.Background()
		for i := 0; i < len(remaining); i += batchSize {
			end := i + batchSize
			if end > len(remaining) {
				end = len(remaining)
			}
			s.up.Upload(ctx, remaining[i:end])
		}
	}

	s.replSrv.Shutdown()
	_ = s.httpSrv.Close()
	s.logger.Info("shutdown complete")
}
