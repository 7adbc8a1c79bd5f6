package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hablo-ai/voicegate/internal/backend"
	"github.com/hablo-ai/voicegate/internal/calllog"
	"github.com/hablo-ai/voicegate/internal/config"
	"github.com/hablo-ai/voicegate/internal/httpapi"
	"github.com/hablo-ai/voicegate/internal/observability"
	"github.com/hablo-ai/voicegate/internal/provider"
	"github.com/hablo-ai/voicegate/internal/relay"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "voicegate").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	deps := relay.Deps{
		Metrics: metrics,
	}
	if cfg.DeepgramAPIKey != "" {
		deps.STT = provider.NewDeepgramClient(provider.DeepgramConfig{
			APIKey:  cfg.DeepgramAPIKey,
			BaseURL: cfg.DeepgramBaseURL,
			Model:   cfg.STTModel,
		})
	} else {
		log.Warn().Msg("DEEPGRAM_API_KEY not set, calls will be refused")
	}
	if cfg.OpenAIAPIKey != "" {
		deps.LLM = provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, calls will be refused")
	}
	if cfg.ElevenLabsAPIKey != "" {
		deps.TTS = provider.NewElevenLabsClient(provider.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			BaseURL: cfg.ElevenLabsBaseURL,
		})
	} else {
		log.Warn().Msg("ELEVENLABS_API_KEY not set, calls will be refused")
	}

	if cfg.BackendBaseURL != "" {
		client := backend.NewClient(backend.Config{
			BaseURL:      cfg.BackendBaseURL,
			SharedSecret: cfg.BackendSharedSecret,
		})
		deps.Backend = client
		deps.Sink = client
	} else {
		log.Warn().Msg("BACKEND_BASE_URL not set, using default agent config and dropping call reports")
	}

	if cfg.DatabaseURL != "" {
		store, err := calllog.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("call report store init failed")
		}
		defer store.Close()
		deps.Store = store
		log.Info().Msg("call reports also persisted to postgres")
	}

	opts := relay.Options{
		ChatModelSmall: cfg.ChatModelSmall,
		ChatModelLarge: cfg.ChatModelLarge,
		Cost: relay.CostRates{
			STTPerMinute:   cfg.CostSTTPerMinute,
			LLMInputPer1M:  cfg.CostLLMInputPer1M,
			LLMOutputPer1M: cfg.CostLLMOutputPer1M,
			TTSPer1MChars:  cfg.CostTTSPer1MChars,
		},
	}

	api := httpapi.New(cfg, log, deps, opts, metrics)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	log.Info().Msg("shutdown complete")
}
