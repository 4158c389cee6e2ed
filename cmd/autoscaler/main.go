// Command autoscaler watches fleet load reported by the cloud ingest
// API and scales the gateway fleet via the Docker CLI.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telemetry-gateway/internal/autoscaler"
	"telemetry-gateway/internal/logging"
)

func main() {
	cloudURL := flag.String("cloud-url", "http://cloud-api:8000", "Cloud ingest API base URL")
	apiKey := flag.String("api-key", "secretAPIkey", "Cloud ingest API bearer key")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.MustNew(*logLevel)
	defer logger.Sync()

	logger.Info("starting autoscaler", zap.String("cloud_url", *cloudURL))

	a := autoscaler.New(logger, *cloudURL, *apiKey)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	a.Run(stop)
}
