// Package controlplane implements the gateway's control-plane client:
// periodic config refresh, heartbeat, and model polling, propagating
// changes into the buffer, the replication engine, and the detector.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/buffer"
	"telemetry-gateway/internal/detector"
	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/telemetry"
)

const (
	// DefaultConfigCheckInterval is the cadence of config refresh and
	// heartbeat.
	DefaultConfigCheckInterval = 30 * time.Second
	// ModelRefreshInterval is the cadence of model polling.
	ModelRefreshInterval = 20 * time.Second
	// RequestTimeout bounds every outbound control-plane call.
	RequestTimeout = 5 * time.Second
)

// BufferHandle is the mutable slot the Supervisor owns: the current
// buffer, swapped out (not mutated) on a config change. Modeling it as
// an injected handle avoids cyclic buffer<->engine ownership.
type BufferHandle struct {
	get func() *buffer.Buffer
	set func(*buffer.Buffer)
}

// NewBufferHandle wraps accessor/mutator functions for the Supervisor's
// current buffer.
func NewBufferHandle(get func() *buffer.Buffer, set func(*buffer.Buffer)) *BufferHandle {
	return &BufferHandle{get: get, set: set}
}

// ReplicationSink is re-pointed at the new buffer whenever the client
// swaps one in; implemented by the replication engine.
type ReplicationSink interface {
	SetSink(sink interface{ Accept(r *telemetry.Reading) })
}

// Client drives the three periodic control-plane tasks.
type Client struct {
	logger     *zap.Logger
	gatewayID  string
	apiKey     string
	cloudURL   string
	httpClient *http.Client

	bufferHandle *BufferHandle
	replication  ReplicationSink
	detector     *detector.Detector
	recordsSent func() uint64
	metrics *obsmetrics.GatewayMetrics

	batchSize      int
	maxWaitSeconds int

	configCheckInterval time.Duration

	messageCount int64 // atomic, accepted-since-last-heartbeat
}

// Config configures the control-plane client.
type Config struct {
	GatewayID           string
	APIKey              string
	CloudURL            string
	InitialBatchSize    int
	InitialMaxWait      int
	ConfigCheckInterval time.Duration
}

// New creates a Client.
func New(logger *zap.Logger, cfg Config, bufferHandle *BufferHandle, replication ReplicationSink, det *detector.Detector, recordsSent func() uint64, metrics *obsmetrics.GatewayMetrics) *Client {
	interval := cfg.ConfigCheckInterval
	if interval <= 0 {
		interval = DefaultConfigCheckInterval
	}
	return &Client{
		logger: logger,
		gatewayID: cfg.GatewayID,
		apiKey: cfg.APIKey,
		cloudURL: cfg.CloudURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		bufferHandle: bufferHandle,
		replication: replication,
		detector: det,
		recordsSent: recordsSent,
		metrics: metrics,
		batchSize: cfg.InitialBatchSize,
		maxWaitSeconds: cfg.InitialMaxWait,
		configCheckInterval: interval,
	}
}

// RecordAcceptedMessage increments the since-last-heartbeat message
// counter; called by the ingestor for every message that passes authn.
func (c *Client) RecordAcceptedMessage() {
	atomic.AddInt64(&c.messageCount, 1)
}

func (c *Client) sampleAndResetMessageRate() int64 {
	return atomic.SwapInt64(&c.messageCount, 0)
}

// configResponse mirrors GET /config/{gatewayId}.
type configResponse struct {
	Config telemetry.GatewayConfig `json:"config"`
}

// RefreshConfig fetches the gateway's config and, on a change to
// batch_size or max_wait_seconds, drains the current buffer and swaps
// in a newly-sized one with the drained contents requeued ahead of new
// data.
func (c *Client) RefreshConfig(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/config/%s", c.cloudURL, c.gatewayID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("config fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config fetch: status %d", resp.StatusCode)
	}

	var parsed configResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("config decode: %w", err)
	}

	newBatchSize := c.batchSize
	if parsed.Config.BatchSize > 0 {
		newBatchSize = parsed.Config.BatchSize
	}
	newMaxWait := c.maxWaitSeconds
	if parsed.Config.MaxWaitSeconds > 0 {
		newMaxWait = parsed.Config.MaxWaitSeconds
	}

	if newBatchSize == c.batchSize && newMaxWait == c.maxWaitSeconds {
		return nil
	}

	c.logger.Info("gateway config changed, swapping buffer",
		zap.Int("old_batch_size", c.batchSize), zap.Int("new_batch_size", newBatchSize),
		zap.Int("old_max_wait", c.maxWaitSeconds), zap.Int("new_max_wait", newMaxWait))

	c.batchSize = newBatchSize
	c.maxWaitSeconds = newMaxWait

	old := c.bufferHandle.get()
	drained := old.FlushAll()

	newBuf := buffer.New(c.logger, newBatchSize, time.Duration(newMaxWait)*time.Second, c.metrics)
	if len(drained) > 0 {
		newBuf.Requeue(drained)
		c.logger.Info("preserved buffered messages across config swap", zap.Int("count", len(drained)))
	}

	c.bufferHandle.set(newBuf)
	c.replication.SetSink(newBuf)
	return nil
}

// Heartbeat sends the periodic liveness and load report.
func (c *Client) Heartbeat(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	payload := telemetry.HeartbeatPayload{
		GatewayID: c.gatewayID,
		Status: "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageRate: c.sampleAndResetMessageRate(),
		RecordsSent: c.recordsSent(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cloudURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: status %d", resp.StatusCode)
	}
	return nil
}

// modelResponse mirrors GET /ml/model.
type modelResponse struct {
	Status string                   `json:"status"`
	Model  *telemetry.ModelArtifact `json:"model"`
}

// RefreshModel polls for a new trained model and, if ready, hands it to
// the detector; a "pending" response is a no-op.
func (c *Client) RefreshModel(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cloudURL+"/ml/model", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model fetch: status %d", resp.StatusCode)
	}

	var parsed modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("model decode: %w", err)
	}
	if parsed.Status == "pending" || parsed.Model == nil {
		return nil
	}

	c.detector.UpdateModel(parsed.Model)
	c.logger.Info("model updated", zap.Int("profiles", len(parsed.Model.Features)))
	return nil
}

// RunConfigAndHeartbeat drives the config-refresh/heartbeat loop until
// ctx is cancelled.
func (c *Client) RunConfigAndHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.configCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshConfig(ctx); err != nil {
				c.logger.Warn("config refresh failed", zap.Error(err))
			}
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// RunModelRefresh drives the model-polling loop until ctx is cancelled.
func (c *Client) RunModelRefresh(ctx context.Context) {
	ticker := time.NewTicker(ModelRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshModel(ctx); err != nil {
				c.logger.Warn("model refresh failed", zap.Error(err))
			}
		}
	}
}
