package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentConfig describes one agent: prompts, voice, and VAD tuning. Loaded
// once per call; missing fields fall back to the defaults below.
type AgentConfig struct {
	SystemPrompt       string   `json:"system_prompt"`
	Greeting           string   `json:"greeting"`
	VoiceID            string   `json:"voice_id"`
	TTSModelID         string   `json:"tts_model_id"`
	STTLanguage        string   `json:"stt_language"`
	STTKeywords        []string `json:"stt_keywords"`
	SilenceThresholdDb float64  `json:"silence_threshold_db"`
	SilenceDurationMs  int      `json:"silence_duration_ms"`
	PrefixPaddingMs    int      `json:"prefix_padding_ms"`
	Temperature        float64  `json:"temperature"`
}

const (
	defaultSystemPrompt = "Eres un asistente telefónico amable y conciso. Responde en una o dos frases."
	defaultVoiceID      = "EXAVITQu4vr4xnSDxMaL"
	defaultTTSModelID   = "eleven_flash_v2_5"
	defaultSTTLanguage  = "es"
)

// DefaultAgentConfig is the fallback used when the config service is down or
// returns an incomplete record, so the call still answers.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SystemPrompt:       defaultSystemPrompt,
		VoiceID:            defaultVoiceID,
		TTSModelID:         defaultTTSModelID,
		STTLanguage:        defaultSTTLanguage,
		SilenceThresholdDb: -40,
		SilenceDurationMs:  800,
		PrefixPaddingMs:    300,
		Temperature:        0.5,
	}
}

func (c AgentConfig) withDefaults() AgentConfig {
	d := DefaultAgentConfig()
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = d.VoiceID
	}
	if strings.TrimSpace(c.TTSModelID) == "" {
		c.TTSModelID = d.TTSModelID
	}
	if strings.TrimSpace(c.STTLanguage) == "" {
		c.STTLanguage = d.STTLanguage
	}
	if c.SilenceThresholdDb == 0 {
		c.SilenceThresholdDb = d.SilenceThresholdDb
	}
	if c.SilenceDurationMs <= 0 {
		c.SilenceDurationMs = d.SilenceDurationMs
	}
	if c.PrefixPaddingMs <= 0 {
		c.PrefixPaddingMs = d.PrefixPaddingMs
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	return c
}

// Usage is the accounting block of the final call report.
type Usage struct {
	TurnsCount           int     `json:"turns_count"`
	STTDurationSec       float64 `json:"stt_duration_sec"`
	LLMInputTokens       int     `json:"llm_input_tokens"`
	LLMOutputTokens      int     `json:"llm_output_tokens"`
	TTSCharacters        int     `json:"tts_characters"`
	EstimatedCost        float64 `json:"estimated_cost"`
	VoiceActivityPercent float64 `json:"voice_activity_percent"`
	AvgLatencySTTMs      float64 `json:"avg_latency_stt_ms"`
	AvgLatencyLLMMs      float64 `json:"avg_latency_llm_ms"`
	AvgLatencyTTSMs      float64 `json:"avg_latency_tts_ms"`
}

// CallReport is posted to the call log sink when the call ends.
type CallReport struct {
	CallLogID       string    `json:"call_log_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	Transcript      string    `json:"transcript"`
	Status          string    `json:"status"`
	EndedAt         time.Time `json:"ended_at"`
	Usage           Usage     `json:"usage"`
}

type Config struct {
	BaseURL      string
	SharedSecret string
}

// Client talks to the agent-config service and the call log sink. Both live
// behind the same base URL and shared secret.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchAgentConfig loads the agent record. The returned config always has
// every defaulted field populated (greeting and keywords stay optional); the
// error reports whether the service answered.
func (c *Client) FetchAgentConfig(ctx context.Context, agentID string) (AgentConfig, error) {
	payload, err := json.Marshal(map[string]string{"agentId": agentID})
	if err != nil {
		return DefaultAgentConfig(), err
	}

	req, err := c.newRequest(ctx, "/internal/agent-config", payload)
	if err != nil {
		return DefaultAgentConfig(), err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DefaultAgentConfig(), fmt.Errorf("agent config request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return DefaultAgentConfig(), fmt.Errorf("agent config status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cfg AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return DefaultAgentConfig(), fmt.Errorf("agent config decode: %w", err)
	}
	return cfg.withDefaults(), nil
}

// PostCallReport delivers the end-of-call document. Best effort: the caller
// logs failures and moves on.
func (c *Client) PostCallReport(ctx context.Context, report CallReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, "/internal/call-logs", payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call report request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("call report status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.cfg.SharedSecret)
	return req, nil
}
