// Package obsmetrics wires Prometheus metrics for the gateway and cloud
// API processes: counters and histograms registered once against a
// dedicated registry per process and served over promhttp, named for
// this pipeline's own measurements.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics holds the counters and histograms a gateway process
// updates as it ingests, buffers, uploads, and replicates readings.
type GatewayMetrics struct {
	registry *prometheus.Registry

	MessagesIngested  prometheus.Counter
	MessagesRejected  prometheus.Counter
	AnomaliesDetected prometheus.Counter
	RecordsUploaded   prometheus.Counter
	UploadFailures    prometheus.Counter
	DedupEvictions    prometheus.Counter
	RecordsReplicated prometheus.Counter
	BufferDepth       prometheus.Gauge
	UploadLatency     prometheus.Histogram
	ReplicationLag    prometheus.Histogram
}

// NewGatewayMetrics builds and registers a fresh metric set.
func NewGatewayMetrics() *GatewayMetrics {
	reg := prometheus.NewRegistry()
	m := &GatewayMetrics{
		registry: reg,
		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_ingested_total",
			Help: "Total sensor messages accepted past authentication.",
		}),
		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_rejected_total",
			Help: "Total sensor messages dropped for invalid JSON or failed authentication.",
		}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_anomalies_detected_total",
			Help: "Total readings scored as anomalous by the local detector.",
		}),
		RecordsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_records_uploaded_total",
			Help: "Total records successfully uploaded to the cloud ingest API.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upload_failures_total",
			Help: "Total batches that exhausted retries and were requeued.",
		}),
		DedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dedup_evictions_total",
			Help: "Total dedup-cache entries evicted to stay under the FIFO cap.",
		}),
		RecordsReplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_records_replicated_total",
			Help: "Total records accepted into the buffer via peer replication.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_depth",
			Help: "Current number of records held in the upload buffer.",
		}),
		UploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "gateway_upload_latency_seconds",
			Help: "Latency of successful cloud upload attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		ReplicationLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "gateway_replication_lag_seconds",
			Help: "Age of records at the moment they are replicated from a peer.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.MessagesIngested, m.MessagesRejected, m.AnomaliesDetected,
		m.RecordsUploaded, m.UploadFailures, m.DedupEvictions,
		m.RecordsReplicated, m.BufferDepth, m.UploadLatency, m.ReplicationLag,
	)
	return m
}

// Handler serves the registered metrics in the Prometheus exposition
// format, mounted at /metrics.
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CloudMetrics holds the counters the cloud ingest API updates.
type CloudMetrics struct {
	registry *prometheus.Registry

	IngestRequests   prometheus.Counter
	IngestRecords    prometheus.Counter
	IngestDuplicates prometheus.Counter
	AuthFailures     prometheus.Counter
	ActiveGateways   prometheus.Gauge
}

// NewCloudMetrics builds and registers a fresh metric set for the cloud
// ingest API.
func NewCloudMetrics() *CloudMetrics {
	reg := prometheus.NewRegistry()
	m := &CloudMetrics{
		registry: reg,
		IngestRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_ingest_requests_total",
			Help: "Total POST /ingest requests accepted.",
		}),
		IngestRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_ingest_records_total",
			Help: "Total records accepted across all /ingest requests.",
		}),
		IngestDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_ingest_duplicates_total",
			Help: "Total records dropped as duplicates by the cloud-side dedup ring.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_auth_failures_total",
			Help: "Total requests rejected by the gateway auth middleware.",
		}),
		ActiveGateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloud_active_gateways",
			Help: "Number of gateways in the heartbeat table, updated on each /gateway-status request.",
		}),
	}

	reg.MustRegister(m.IngestRequests, m.IngestRecords, m.IngestDuplicates, m.AuthFailures, m.ActiveGateways)
	return m
}

// Handler serves the registered metrics in the Prometheus exposition
// format.
func (m *CloudMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
