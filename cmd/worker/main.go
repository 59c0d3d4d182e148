// Command worker runs a Transcode Worker process: it claims Live
// streams off the coordination broker, drives a muxer subprocess per
// claimed stream, and uploads the resulting HLS output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"streamforge/internal/broker"
	"streamforge/internal/config"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/serverutil"
	"streamforge/internal/transcoder"
)

func main() {
	config.Load()
	cfg := config.LoadWorkerConfig()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}), "worker")

	brokerImpl, err := buildBroker(cfg.BrokerURL)
	if err != nil {
		logger.Error("failed to connect to coordination broker", "error", err)
		os.Exit(1)
	}
	defer brokerImpl.Close()

	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	w := transcoder.New(transcoder.Config{
		WorkerID:             cfg.WorkerID,
		Broker:               brokerImpl,
		Store:                store,
		Logger:               logger,
		MuxerPath:            cfg.MuxerPath,
		TempRoot:             cfg.TempRoot,
		DefaultSegmentSecs:   cfg.DefaultSegmentSecs,
		PollInterval:         cfg.PollInterval,
		Quiescence:           cfg.Quiescence,
		ReadTimeout:          cfg.ReadTimeout,
		DrainGrace:           cfg.DrainGrace,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTTL:         cfg.HeartbeatTTL,
		ReclaimSweepInterval: cfg.ReclaimSweepInterval,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{
		Addr:              metricsBind(),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := serverutil.Run(ctx, serverutil.Config{Server: metricsServer, ShutdownTimeout: 5 * time.Second}); err != nil {
			logger.Warn("metrics server error", "error", err)
		}
	}()

	logger.Info("worker starting", "workerId", cfg.WorkerID)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func metricsBind() string {
	return config.String("WORKER_METRICS_BIND", ":9091")
}

func buildBroker(url string) (broker.Broker, error) {
	if strings.HasPrefix(url, "memory://") {
		return broker.NewMemoryBroker(), nil
	}
	addr := strings.TrimPrefix(url, "redis://")
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	return broker.NewRedisBroker(broker.RedisConfig{Addr: addr})
}

func buildStore(cfg config.WorkerConfig) (objectstore.Store, error) {
	if cfg.ObjectStoreEndpoint == "" {
		return objectstore.NewMemoryStore(), nil
	}
	switch strings.ToLower(cfg.ObjectStoreBackend) {
	case "gcs":
		account, err := loadGCSServiceAccount(cfg.GCSServiceAccountJSON)
		if err != nil {
			return nil, err
		}
		return objectstore.NewGCSStore(objectstore.GCSConfig{
			Endpoint:       cfg.ObjectStoreEndpoint,
			Bucket:         cfg.Bucket,
			ServiceAccount: account,
		})
	default:
		return objectstore.NewS3Store(objectstore.S3Config{
			Endpoint:  cfg.ObjectStoreEndpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.ObjectStoreRegion,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			UseSSL:    cfg.ObjectStoreUseSSL,
		})
	}
}

func loadGCSServiceAccount(path string) (objectstore.GCSServiceAccount, error) {
	if path == "" {
		return objectstore.GCSServiceAccount{}, fmt.Errorf("GCS_SERVICE_ACCOUNT_JSON is required for the gcs object store backend")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return objectstore.GCSServiceAccount{}, fmt.Errorf("read GCS service account file: %w", err)
	}
	var key struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return objectstore.GCSServiceAccount{}, fmt.Errorf("parse GCS service account file: %w", err)
	}
	return objectstore.GCSServiceAccount{
		ClientEmail: key.ClientEmail,
		PrivateKey:  key.PrivateKey,
		TokenURL:    key.TokenURI,
		Scope:       "https://www.googleapis.com/auth/devstorage.read_write",
	}, nil
}
