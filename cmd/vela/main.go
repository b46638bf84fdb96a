package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dmarchetti/vela/internal/config"
	"github.com/dmarchetti/vela/internal/httpapi"
	"github.com/dmarchetti/vela/internal/observability"
	"github.com/dmarchetti/vela/internal/relay"
	"github.com/dmarchetti/vela/internal/store"
	"github.com/dmarchetti/vela/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	ctx := context.Background()
	transcriptStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcriptStore.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("transcript store: in-memory")
	} else {
		log.Printf("transcript store: postgres")
	}

	var dialer upstream.Dialer
	providerMode := strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if providerMode == "" {
		providerMode = "auto"
	}

	tryGemini := func() bool {
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return false
		}
		dialer = upstream.NewGeminiDialer(upstream.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			WSBaseURL: cfg.GeminiWSBaseURL,
			Model:     cfg.GeminiModel,
			Voice:     cfg.GeminiVoice,
		})
		log.Printf("upstream provider: gemini live (%s)", cfg.GeminiModel)
		return true
	}

	switch providerMode {
	case "gemini":
		if !tryGemini() {
			log.Fatalf("UPSTREAM_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
	case "mock":
		dialer = upstream.NewMockDialer()
		log.Printf("upstream provider: mock")
	case "auto":
		if !tryGemini() {
			dialer = upstream.NewMockDialer()
			log.Printf("upstream provider: mock (no gemini key)")
		}
	default:
		log.Fatalf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", cfg.UpstreamProvider)
	}

	sessions := relay.NewManager(dialer, transcriptStore, relay.Options{
		TTL:               cfg.SessionTTL,
		MaxSessions:       cfg.MaxSessions,
		EventQueueSize:    cfg.EventQueueSize,
		SystemInstruction: cfg.SystemInstruction,
		Metrics:           metrics,
		Latency:           latency,
	})
	sessions.SetCloseHook(func(sessionID, reason string) {
		log.Printf("session %s closed (%s)", sessionID, reason)
	})

	api := httpapi.New(cfg, sessions, metrics, latency)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	sessions.Shutdown()

	log.Printf("shutdown complete")
}
