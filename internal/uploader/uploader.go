// Package uploader implements the gateway's cloud uploader:
// retried batched POSTs to the cloud ingest API, a monotonically
// increasing sent-records counter, and requeue of persistently-failing
// batches back onto the buffer. Retries run through
// internal/resilience's fixed-delay Retrier; no circuit breaker is used.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/resilience"
	"telemetry-gateway/internal/telemetry"
)

const (
	// MaxAttempts is the number of POST attempts per batch before it is
	// requeued.
	MaxAttempts = 3
	// RetryDelay is the fixed delay between attempts.
	RetryDelay = 2 * time.Second
	// AttemptTimeout bounds a single HTTP attempt.
	AttemptTimeout = 5 * time.Second
)

// Requeuer is implemented by the buffer: a failed batch is prepended
// back to the head so it is retried before newer data.
type Requeuer interface {
	Requeue(batch []*telemetry.Reading)
}

// Uploader POSTs batches to the cloud ingest API.
type Uploader struct {
	logger    *zap.Logger
	gatewayID string
	apiKey    string
	secret    string
	cloudURL  string
	client    *http.Client
	retrier   *resilience.Retrier
	requeue   Requeuer
	metrics   *obsmetrics.GatewayMetrics

	recordsSent uint64 // atomic
}

// New creates an Uploader targeting cloudURL ("http://cloud-api:8000").
func New(logger *zap.Logger, gatewayID, apiKey, secret, cloudURL string, requeue Requeuer, metrics *obsmetrics.GatewayMetrics) *Uploader {
	return &Uploader{
		logger: logger,
		gatewayID: gatewayID,
		apiKey: apiKey,
		secret: secret,
		cloudURL: cloudURL,
		client: &http.Client{Timeout: AttemptTimeout},
		retrier: resilience.NewRetrier(logger, MaxAttempts, RetryDelay),
		requeue: requeue,
		metrics: metrics,
	}
}

// RecordsSent returns the cumulative count of records successfully
// uploaded, surfaced to control-plane heartbeats.
func (u *Uploader) RecordsSent() uint64 {
	return atomic.LoadUint64(&u.recordsSent)
}

// Upload POSTs one batch with retry; on persistent failure the batch is
// requeued so it retries ahead of newer data.
func (u *Uploader) Upload(ctx context.Context, batch []*telemetry.Reading) {
	if len(batch) == 0 {
		return
	}

	payload := telemetry.IngestPayload{GatewayID: u.gatewayID, Data: batch}
	body, err := json.Marshal(payload)
	if err != nil {
		u.logger.Error("failed to marshal batch", zap.Error(err))
		u.requeue.Requeue(batch)
		return
	}

	start := time.Now()
	err = u.retrier.Do(ctx, "cloud-upload", func(ctx context.Context) error {
		return u.postOnce(ctx, body)
	})

	if err != nil {
		u.logger.Error("batch upload failed after retries, requeuing",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		u.metrics.UploadFailures.Inc()
		u.requeue.Requeue(batch)
		return
	}

	u.metrics.UploadLatency.Observe(time.Since(start).Seconds())
	u.metrics.RecordsUploaded.Add(float64(len(batch)))
	atomic.AddUint64(&u.recordsSent, uint64(len(batch)))
	u.logger.Info("uploaded batch to cloud",
		zap.Int("batch_size", len(batch)),
		zap.Uint64("total_sent", u.RecordsSent()))
}

func (u *Uploader) postOnce(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.cloudURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("gatewayId", u.gatewayID)
	req.Header.Set("secret", u.secret)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloud returned status %d", resp.StatusCode)
	}
	return nil
}
