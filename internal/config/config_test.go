package config

import (
	"testing"
	"time"
)

func TestStringFallsBackWhenUnset(t *testing.T) {
	t.Setenv("CONFIG_TEST_STRING", "")
	if got := String("CONFIG_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("CONFIG_TEST_STRING", "set")
	if got := String("CONFIG_TEST_STRING", "fallback"); got != "set" {
		t.Fatalf("expected set value, got %q", got)
	}
}

func TestIntFallsBackOnInvalid(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "not-a-number")
	if got := Int("CONFIG_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("CONFIG_TEST_INT", "42")
	if got := Int("CONFIG_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestBoolRecognizesCommonSpellings(t *testing.T) {
	cases := map[string]bool{"true": true, "YES": true, "on": true, "false": false, "NO": false, "off": false}
	for input, want := range cases {
		t.Setenv("CONFIG_TEST_BOOL", input)
		if got := Bool("CONFIG_TEST_BOOL", !want); got != want {
			t.Fatalf("Bool(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestMillisConvertsToDuration(t *testing.T) {
	t.Setenv("CONFIG_TEST_MS", "1500")
	if got := Millis("CONFIG_TEST_MS", 0); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
}

func TestLoadWorkerConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"WORKER_ID", "HEARTBEAT_INTERVAL_MS", "HEARTBEAT_TTL_MS", "POLL_INTERVAL_MS",
		"READ_TIMEOUT_MS", "DRAIN_GRACE_MS", "QUIESCENCE_MS", "RECLAIM_SWEEP_INTERVAL_MS",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadWorkerConfig()
	if cfg.WorkerID == "" {
		t.Fatal("expected a generated worker id when WORKER_ID is unset")
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected default heartbeat interval of 5s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTTL != 10*time.Second {
		t.Fatalf("expected default heartbeat TTL of 10s, got %v", cfg.HeartbeatTTL)
	}
	if cfg.DrainGrace != cfg.ReadTimeout {
		t.Fatalf("expected default drain grace to equal one read cycle, got grace=%v readTimeout=%v", cfg.DrainGrace, cfg.ReadTimeout)
	}
}

func TestLoadWorkerConfigHonorsWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-fixed")
	cfg := LoadWorkerConfig()
	if cfg.WorkerID != "worker-fixed" {
		t.Fatalf("expected configured worker id, got %q", cfg.WorkerID)
	}
}
