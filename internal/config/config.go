// Package config implements ambient environment-variable configuration
// shared by cmd/gateway and cmd/worker: typed getters with fallbacks, plus
// optional .env loading for local development.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the named .env files into the process environment. Missing
// files are not an error — callers run fine on system env and defaults
// alone; this only helps local development.
func Load(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

// String returns the value of key, or fallback if unset or empty.
func String(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value of key, or fallback if unset, empty, or
// not a valid integer.
func Int(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Bool returns the boolean value of key, or fallback if unset or
// unrecognized.
func Bool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Millis returns the value of key interpreted as a millisecond count, or
// fallback if unset, empty, or not a valid integer.
func Millis(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// WorkerConfig holds the Transcode Worker's environment-derived settings
// (spec.md §6, "Environment configuration").
type WorkerConfig struct {
	WorkerID string

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	BrokerURL string

	ObjectStoreBackend    string
	ObjectStoreEndpoint   string
	ObjectStoreRegion     string
	ObjectStoreAccessKey  string
	ObjectStoreSecretKey  string
	ObjectStoreUseSSL     bool
	Bucket                string
	GCSServiceAccountJSON string

	RecordingsDSN string

	TempRoot            string
	DefaultSegmentSecs  int
	PollInterval        time.Duration
	Quiescence          time.Duration
	ReadTimeout         time.Duration
	DrainGrace          time.Duration
	ReclaimSweepInterval time.Duration
	MaxConcurrentStreams int64

	MuxerPath string

	LogLevel  string
	LogFormat string
}

// LoadWorkerConfig reads a WorkerConfig from the process environment.
func LoadWorkerConfig() WorkerConfig {
	pollInterval := Millis("POLL_INTERVAL_MS", time.Second)
	readTimeout := Millis("READ_TIMEOUT_MS", 500*time.Millisecond)
	return WorkerConfig{
		WorkerID: String("WORKER_ID", randomID("worker")),

		HeartbeatInterval: Millis("HEARTBEAT_INTERVAL_MS", 5*time.Second),
		HeartbeatTTL:      Millis("HEARTBEAT_TTL_MS", 10*time.Second),

		BrokerURL: String("BROKER_URL", "redis://127.0.0.1:6379/0"),

		ObjectStoreBackend:    String("OBJECT_STORE_BACKEND", "s3"),
		ObjectStoreEndpoint:   String("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreRegion:     String("OBJECT_STORE_REGION", ""),
		ObjectStoreAccessKey:  String("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey:  String("OBJECT_STORE_SECRET_KEY", ""),
		ObjectStoreUseSSL:     Bool("OBJECT_STORE_USE_SSL", true),
		Bucket:                String("OBJECT_STORE_BUCKET", "streamforge"),
		GCSServiceAccountJSON: String("GCS_SERVICE_ACCOUNT_JSON", ""),

		RecordingsDSN: String("RECORDINGS_DSN", ""),

		TempRoot:             String("WORKER_TEMP_ROOT", os.TempDir()),
		DefaultSegmentSecs:   Int("SEGMENT_DURATION_SECONDS", 4),
		PollInterval:         pollInterval,
		Quiescence:           Millis("QUIESCENCE_MS", 500*time.Millisecond),
		ReadTimeout:          readTimeout,
		DrainGrace:           Millis("DRAIN_GRACE_MS", readTimeout),
		ReclaimSweepInterval: Millis("RECLAIM_SWEEP_INTERVAL_MS", 30*time.Second),
		MaxConcurrentStreams: int64(Int("MAX_CONCURRENT_STREAMS", 16)),

		MuxerPath: String("MUXER_PATH", "ffmpeg"),

		LogLevel:  String("LOG_LEVEL", "info"),
		LogFormat: String("LOG_FORMAT", "json"),
	}
}

// GatewayConfig holds the Ingest Gateway's environment-derived settings.
type GatewayConfig struct {
	Bind string

	BrokerURL string

	ObjectStoreBackend    string
	ObjectStoreEndpoint   string
	ObjectStoreRegion     string
	ObjectStoreAccessKey  string
	ObjectStoreSecretKey  string
	ObjectStoreUseSSL     bool
	Bucket                string
	GCSServiceAccountJSON string

	RecordingsDSN string

	ProgressAPIToken string

	LogLevel  string
	LogFormat string
}

// LoadGatewayConfig reads a GatewayConfig from the process environment.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Bind: String("GATEWAY_BIND", ":8080"),

		BrokerURL: String("BROKER_URL", "redis://127.0.0.1:6379/0"),

		ObjectStoreBackend:    String("OBJECT_STORE_BACKEND", "s3"),
		ObjectStoreEndpoint:   String("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreRegion:     String("OBJECT_STORE_REGION", ""),
		ObjectStoreAccessKey:  String("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey:  String("OBJECT_STORE_SECRET_KEY", ""),
		ObjectStoreUseSSL:     Bool("OBJECT_STORE_USE_SSL", true),
		Bucket:                String("OBJECT_STORE_BUCKET", "streamforge"),
		GCSServiceAccountJSON: String("GCS_SERVICE_ACCOUNT_JSON", ""),

		RecordingsDSN: String("RECORDINGS_DSN", ""),

		ProgressAPIToken: String("PROGRESS_API_TOKEN", ""),

		LogLevel:  String("LOG_LEVEL", "info"),
		LogFormat: String("LOG_FORMAT", "json"),
	}
}

func randomID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return prefix + "-0"
	}
	return prefix + "-" + hex.EncodeToString(buf)
}
