package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service and the
// native capture client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session lifecycle. SessionTTL is a hard bound from creation,
	// independent of activity, so a leaked session can never outlive it.
	SessionTTL     time.Duration
	MaxSessions    int
	EventQueueSize int

	UpstreamProvider  string
	SystemInstruction string

	GeminiAPIKey    string
	GeminiWSBaseURL string
	GeminiModel     string
	GeminiVoice     string

	DatabaseURL string

	// Capture tuning, shared with cmd/vela-client.
	CaptureSampleRate      int
	CaptureFrameSamples    int
	MaxAudioChunks         int
	InputLevelGain         float64
	LevelEmitInterval      time.Duration
	BargeInLevelThreshold  float64
	BargeInConsecutiveHits int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "vela"),
		AllowAnyOrigin:    false,
		UpstreamProvider:  envOrDefault("UPSTREAM_PROVIDER", "auto"),
		SystemInstruction: trimmedEnv("APP_SYSTEM_INSTRUCTION"),
		GeminiWSBaseURL:   envOrDefault("GEMINI_WS_BASE_URL", "wss://generativelanguage.googleapis.com"),
		GeminiModel:       envOrDefault("GEMINI_LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiVoice:       envOrDefault("GEMINI_LIVE_VOICE", "Aoede"),
		GeminiAPIKey:      trimmedEnv("GEMINI_API_KEY"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),

		ShutdownTimeout: 15 * time.Second,
		SessionTTL:      5 * time.Minute,
		MaxSessions:     8,
		EventQueueSize:  256,

		CaptureSampleRate:      16000,
		CaptureFrameSamples:    1024,
		MaxAudioChunks:         100,
		InputLevelGain:         5.0,
		LevelEmitInterval:      50 * time.Millisecond,
		BargeInLevelThreshold:  0.12,
		BargeInConsecutiveHits: 3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelEmitInterval, err = durationFromEnv("CAPTURE_LEVEL_EMIT_INTERVAL", cfg.LevelEmitInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.EventQueueSize, err = intFromEnv("APP_EVENT_QUEUE_SIZE", cfg.EventQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSamples, err = intFromEnv("CAPTURE_FRAME_SAMPLES", cfg.CaptureFrameSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAudioChunks, err = intFromEnv("CAPTURE_MAX_AUDIO_CHUNKS", cfg.MaxAudioChunks)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInConsecutiveHits, err = intFromEnv("BARGE_IN_CONSECUTIVE_CHUNKS", cfg.BargeInConsecutiveHits)
	if err != nil {
		return Config{}, err
	}
	cfg.InputLevelGain, err = floatFromEnv("CAPTURE_INPUT_LEVEL_GAIN", cfg.InputLevelGain)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInLevelThreshold, err = floatFromEnv("BARGE_IN_LEVEL_THRESHOLD", cfg.BargeInLevelThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 5s")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.EventQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_EVENT_QUEUE_SIZE must be positive")
	}
	if cfg.CaptureSampleRate <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive")
	}
	if cfg.CaptureFrameSamples <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_FRAME_SAMPLES must be positive")
	}
	if cfg.MaxAudioChunks <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_MAX_AUDIO_CHUNKS must be positive")
	}
	if cfg.BargeInConsecutiveHits <= 0 {
		return Config{}, fmt.Errorf("BARGE_IN_CONSECUTIVE_CHUNKS must be positive")
	}
	if cfg.BargeInLevelThreshold <= 0 || cfg.BargeInLevelThreshold > 1 {
		return Config{}, fmt.Errorf("BARGE_IN_LEVEL_THRESHOLD must be in (0, 1]")
	}
	if cfg.InputLevelGain <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_INPUT_LEVEL_GAIN must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
