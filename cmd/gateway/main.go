// Command gateway runs an Ingest Gateway process: it terminates
// recorder WebSocket connections at /ws/stream, persists chunks through
// the object store abstraction, and fans status out over the
// coordination broker.
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

	"github.com/go-chi/chi/v5"

	"streamforge/internal/broker"
	"streamforge/internal/config"
	"streamforge/internal/ingestgw"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/progressapi"
	"streamforge/internal/recording"
	"streamforge/internal/serverutil"
)

func main() {
	config.Load()
	cfg := config.LoadGatewayConfig()

	logger := logging.WithComponent(logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}), "gateway")

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := buildRecordings(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize recording repository", "error", err)
		os.Exit(1)
	}

	gw := ingestgw.NewGateway(ingestgw.Config{
		Broker:     brokerImpl,
		Store:      store,
		Recordings: records,
		Bucket:     cfg.Bucket,
		Logger:     logger,
	})

	r := chi.NewRouter()
	r.Get("/ws/stream", gw.HandleConnection)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/", progressapi.NewHandler(progressapi.Config{
		Gateway: gw,
		Token:   cfg.ProgressAPIToken,
		Logger:  logger,
		Metrics: metrics.Default(),
	}))

	server := &http.Server{
		Addr:              cfg.Bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway starting", "bind", cfg.Bind)
	if err := serverutil.Run(ctx, serverutil.Config{Server: server, ShutdownTimeout: 15 * time.Second}); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
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

func buildStore(cfg config.GatewayConfig) (objectstore.Store, error) {
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

func buildRecordings(ctx context.Context, cfg config.GatewayConfig) (recording.Repository, error) {
	if cfg.RecordingsDSN == "" {
		return recording.NewMemoryRepository(), nil
	}
	return recording.NewPostgresRepository(ctx, recording.PostgresConfig{DSN: cfg.RecordingsDSN})
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
