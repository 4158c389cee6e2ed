// Command gateway runs one edge gateway process: MQTT ingestion,
// buffering, cloud upload, peer replication, and control-plane sync.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telemetry-gateway/internal/gwconfig"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/supervisor"
)

func main() {
	configFile := flag.String("config", "gateway.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := gwconfig.Load(*configFile)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger := logging.MustNew(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("gateway_id", cfg.GatewayID),
		zap.String("mqtt_broker", cfg.MQTTBroker),
		zap.String("cloud_url", cfg.CloudURL),
	)

	sup := supervisor.New(logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	sup.Run(ctx)
}
