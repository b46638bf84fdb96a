package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Fatalf("SessionTTL = %v, want 5m", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 8 {
		t.Fatalf("MaxSessions = %d, want 8", cfg.MaxSessions)
	}
	if cfg.UpstreamProvider != "auto" {
		t.Fatalf("UpstreamProvider = %q, want %q", cfg.UpstreamProvider, "auto")
	}
	if cfg.MaxAudioChunks != 100 {
		t.Fatalf("MaxAudioChunks = %d, want 100", cfg.MaxAudioChunks)
	}
	if cfg.BargeInConsecutiveHits != 3 {
		t.Fatalf("BargeInConsecutiveHits = %d, want 3", cfg.BargeInConsecutiveHits)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TTL", "90s")
	t.Setenv("APP_MAX_SESSIONS", "3")
	t.Setenv("BARGE_IN_LEVEL_THRESHOLD", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Fatalf("SessionTTL = %v, want 90s", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 3 {
		t.Fatalf("MaxSessions = %d, want 3", cfg.MaxSessions)
	}
	if cfg.BargeInLevelThreshold != 0.2 {
		t.Fatalf("BargeInLevelThreshold = %v, want 0.2", cfg.BargeInLevelThreshold)
	}
}

func TestLoadRejectsShortTTL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TTL", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject APP_SESSION_TTL below 5s")
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BARGE_IN_LEVEL_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject out-of-range threshold")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_TTL",
		"APP_MAX_SESSIONS",
		"APP_EVENT_QUEUE_SIZE",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"UPSTREAM_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_WS_BASE_URL",
		"GEMINI_LIVE_MODEL",
		"GEMINI_LIVE_VOICE",
		"DATABASE_URL",
		"CAPTURE_SAMPLE_RATE",
		"CAPTURE_FRAME_SAMPLES",
		"CAPTURE_MAX_AUDIO_CHUNKS",
		"CAPTURE_INPUT_LEVEL_GAIN",
		"CAPTURE_LEVEL_EMIT_INTERVAL",
		"BARGE_IN_LEVEL_THRESHOLD",
		"BARGE_IN_CONSECUTIVE_CHUNKS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
