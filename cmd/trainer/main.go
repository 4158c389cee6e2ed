// Command trainer polls the cloud API's historical export and writes a
// refreshed z-score model artifact for gateways to pull.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/trainer"
)

func main() {
	dataDir := flag.String("data-dir", "/data", "Directory shared with the cloud ingest API")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.MustNew(*logLevel)
	defer logger.Sync()

	logger.Info("starting model trainer", zap.String("data_dir", *dataDir))

	t := trainer.New(logger, *dataDir)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	t.Run(stop)
}
