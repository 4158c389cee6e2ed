// Command cloudapi runs the cloud ingest API: gateway authentication,
// deduplicated ingestion, dynamic per-gateway config, and the model
// artifact handoff to/from the offline trainer.
package main

import (
	"flag"
	"net/http"
	"os"

	"go.uber.org/zap"

	"telemetry-gateway/internal/cloudapi"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/registry"
)

func main() {
	addr := flag.String("addr", ":8000", "HTTP listen address")
	dataDir := flag.String("data-dir", "/data", "Directory for historical export and trained model")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.MustNew(*logLevel)
	defer logger.Sync()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	reg := registry.New(logger)
	srv := cloudapi.New(logger, reg, *dataDir)

	logger.Info("starting cloud ingest API", zap.String("addr", *addr), zap.String("data_dir", *dataDir))

	if err := http.ListenAndServe(*addr, srv.Router()); err != nil {
		logger.Fatal("cloud ingest API failed", zap.Error(err))
	}
}
