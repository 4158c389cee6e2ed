// Package ingest implements the gateway's MQTT ingestor: a
// shared-subscription consumer that decodes sensor payloads and hands
// each one to a bounded worker pool running the authenticate -> score
// -> buffer -> replicate pipeline. The broker connection retries
// indefinitely with a fixed backoff; subscriptions are re-established
// from the on-connect callback so they survive reconnects.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"telemetry-gateway/internal/authn"
	"telemetry-gateway/internal/detector"
	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/telemetry"
)

// DefaultTopics is the shared-subscription topic set every gateway in
// the group consumes from.
var DefaultTopics = []string{"sensors/temperature", "sensors/humidity", "sensors/pressure"}

// SharedGroup is the MQTT shared-subscription group name gateways join;
// the subscription path becomes "$share/<group>/<topic>".
const SharedGroup = "gw"

// ReconnectBackoff is the fixed delay between broker reconnect
// attempts.
const ReconnectBackoff = 2 * time.Second

// WorkerPoolSize is the fixed number of pipeline workers.
const WorkerPoolSize = 20

// Sink is the downstream pipeline a decoded, authenticated, scored
// reading is handed to: buffer.Add + replication log append.
type Sink interface {
	Accept(r *telemetry.Reading)
}

// rawMessage is the JSON shape a sensor publishes: includes the
// authn signature that is stripped before the reading proceeds
// downstream.
type rawMessage struct {
	DeviceID   string  `json:"deviceId"`
	Signature  string  `json:"signature"`
	SensorType string  `json:"sensorType"`
	Timestamp  string  `json:"timestamp"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
}

// Ingestor owns the MQTT client and the pipeline worker pool.
type Ingestor struct {
	logger *zap.Logger
	client mqtt.Client
	broker string

	auth     *authn.Authenticator
	det      *detector.Detector
	sink     Sink
	onAccept func()                     // called once per message accepted past authn, for heartbeat rate tracking
	metrics  *obsmetrics.GatewayMetrics

	workCh chan rawDelivery
	wg sync.WaitGroup
	stop chan struct{}
}

type rawDelivery struct {
	topic   string
	payload []byte
}

// Config configures the MQTT connection.
type Config struct {
	Broker   string
	ClientID string
}

// New creates an Ingestor wired to the given authenticator, detector,
// and pipeline sink.
func New(logger *zap.Logger, cfg Config, auth *authn.Authenticator, det *detector.Detector, sink Sink, onAccept func(), metrics *obsmetrics.GatewayMetrics) *Ingestor {
	ing := &Ingestor{
		logger: logger,
		broker: cfg.Broker,
		auth: auth,
		det: det,
		sink: sink,
		onAccept: onAccept,
		metrics: metrics,
		workCh: make(chan rawDelivery, 1000),
		stop: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ing.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		ing.logger.Info("MQTT connected, subscribing", zap.Strings("topics", DefaultTopics))
		for _, topic := range DefaultTopics {
			shared := "$share/" + SharedGroup + "/" + topic
			if token := c.Subscribe(shared, 1, ing.onMessage); token.Wait() && token.Error() != nil {
				ing.logger.Error("subscribe failed", zap.String("topic", shared), zap.Error(token.Error()))
			}
		}
	})
	ing.client = mqtt.NewClient(opts)

	for i := 0; i < WorkerPoolSize; i++ {
		ing.wg.Add(1)
		go ing.worker()
	}

	return ing
}

// Start connects to the broker, retrying indefinitely with a fixed
// backoff until the context is cancelled.
func (ing *Ingestor) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		token := ing.client.Connect()
		token.Wait()
		if err := token.Error(); err == nil {
			ing.logger.Info("connected to MQTT broker", zap.String("broker", ing.broker))
			return
		} else {
			ing.logger.Warn("MQTT broker not ready, retrying", zap.Error(err), zap.Duration("backoff", ReconnectBackoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectBackoff):
		}
	}
}

// Stop disconnects the client and waits for in-flight workers to drain.
// Messages still queued in workCh at shutdown are not drained; only
// in-flight ones finish.
func (ing *Ingestor) Stop() {
	if ing.client.IsConnected() {
		ing.client.Disconnect(250)
	}
	close(ing.stop)
	ing.wg.Wait()
}

func (ing *Ingestor) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case ing.workCh <- rawDelivery{topic: msg.Topic(), payload: append([]byte(nil), msg.Payload()...)}:
	default:
		ing.logger.Warn("worker queue full, dropping message", zap.String("topic", msg.Topic()))
	}
}

func (ing *Ingestor) worker() {
	defer ing.wg.Done()
	for {
		select {
		case <-ing.stop:
			return
		case d := <-ing.workCh:
			ing.process(d)
		}
	}
}

func (ing *Ingestor) process(d rawDelivery) {
	var raw rawMessage
	if err := json.Unmarshal(d.payload, &raw); err != nil {
		ing.logger.Warn("invalid JSON payload, dropping", zap.String("topic", d.topic), zap.Error(err))
		ing.metrics.MessagesRejected.Inc()
		return
	}

	if !ing.auth.Authenticate(raw.DeviceID, raw.Signature) {
		ing.metrics.MessagesRejected.Inc()
		return
	}

	ing.metrics.MessagesIngested.Inc()
	if ing.onAccept != nil {
		ing.onAccept()
	}

	reading := &telemetry.Reading{
		DeviceID: raw.DeviceID,
		SensorType: raw.SensorType,
		Timestamp: raw.Timestamp,
		Value: raw.Value,
		Unit: raw.Unit,
		Topic: d.topic,
		MessageID: telemetry.NewMessageID(),
	}
	reading.ProfileKey = telemetry.ProfileKey(reading.DeviceID, reading.SensorType)

	score := ing.det.Score(reading.ProfileKey, reading.Value)
	isAnomaly := score.IsAnomaly
	anomalyScore := score.AnomalyScore
	reading.IsAnomaly = &isAnomaly
	reading.AnomalyScore = &anomalyScore
	if score.HasProfile {
		ts := score.ModelTimestamp
		reading.ModelTimestamp = &ts
		if score.IsAnomaly {
			ing.metrics.AnomaliesDetected.Inc()
			ing.logger.Info("anomaly detected",
				zap.String("profile_key", reading.ProfileKey),
				zap.Float64("value", reading.Value),
				zap.Float64("score", score.AnomalyScore))
		}
	}

	ing.sink.Accept(reading)
}
