package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	Version          string
	Mode             string

	DeepgramAPIKey  string
	DeepgramBaseURL string
	STTModel        string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	ChatModelSmall string
	ChatModelLarge string

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string

	BackendBaseURL      string
	BackendSharedSecret string

	DatabaseURL string

	CostSTTPerMinute   float64
	CostLLMInputPer1M  float64
	CostLLMOutputPer1M float64
	CostTTSPer1MChars  float64
}

// Load reads environment variables and applies safe defaults. Provider keys
// may be empty here; sessions refuse to start without them.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            bindAddr(),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voicegate"),
		Version:             envOrDefault("APP_VERSION", "dev"),
		Mode:                envOrDefault("APP_MODE", "production"),
		DeepgramAPIKey:      envTrimmed("DEEPGRAM_API_KEY"),
		DeepgramBaseURL:     envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		STTModel:            envOrDefault("STT_MODEL", "nova-2"),
		OpenAIAPIKey:        envTrimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:       envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		ChatModelSmall:      envOrDefault("CHAT_MODEL_SMALL", "gpt-4o-mini"),
		ChatModelLarge:      envOrDefault("CHAT_MODEL_LARGE", "gpt-4o"),
		ElevenLabsAPIKey:    envTrimmed("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		BackendBaseURL:      envTrimmed("BACKEND_BASE_URL"),
		BackendSharedSecret: envTrimmed("BACKEND_SHARED_SECRET"),
		DatabaseURL:         envTrimmed("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		CostSTTPerMinute:    0.0043,
		CostLLMInputPer1M:   0.15,
		CostLLMOutputPer1M:  0.60,
		CostTTSPer1MChars:   30,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CostSTTPerMinute, err = floatFromEnv("COST_STT_PER_MINUTE", cfg.CostSTTPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.CostLLMInputPer1M, err = floatFromEnv("COST_LLM_INPUT_PER_1M", cfg.CostLLMInputPer1M)
	if err != nil {
		return Config{}, err
	}
	cfg.CostLLMOutputPer1M, err = floatFromEnv("COST_LLM_OUTPUT_PER_1M", cfg.CostLLMOutputPer1M)
	if err != nil {
		return Config{}, err
	}
	cfg.CostTTSPer1MChars, err = floatFromEnv("COST_TTS_PER_1M_CHARS", cfg.CostTTSPer1MChars)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return cfg, nil
}

// bindAddr honors the platform's PORT convention, falling back to 8080.
func bindAddr() string {
	if port := envTrimmed("PORT"); port != "" {
		return ":" + port
	}
	return envOrDefault("APP_BIND_ADDR", ":8080")
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
