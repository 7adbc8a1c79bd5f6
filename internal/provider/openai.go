package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatResult carries the accumulated completion and token usage. When the
// stream does not report usage the token counts are estimated at four bytes
// per token, which is close enough for cost accounting.
type ChatResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	UsageEstimated   bool
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAIClient streams chat completions from an OpenAI-compatible endpoint.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamChat opens a streaming completion and invokes onDelta synchronously
// from the read loop for every content delta. Returning an error from
// onDelta aborts the stream; the error is passed back to the caller.
func (c *OpenAIClient) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (ChatResult, error) {
	payload := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"stream":      true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return ChatResult{}, fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var (
		text   strings.Builder
		result ChatResult
	)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			done, perr := c.consumeLine(line, &text, &result, onDelta)
			if perr != nil {
				return ChatResult{}, perr
			}
			if done {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ChatResult{}, fmt.Errorf("llm stream read: %w", err)
		}
	}

	result.Text = strings.TrimSpace(text.String())
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		result.UsageEstimated = true
		result.PromptTokens = estimateTokens(messagesLen(req.Messages))
		result.CompletionTokens = estimateTokens(len(result.Text))
	}
	return result, nil
}

// consumeLine handles one SSE line. Lines arrive newline-delimited; blank
// lines separate events and are skipped.
func (c *OpenAIClient) consumeLine(line string, text *strings.Builder, result *ChatResult, onDelta func(string) error) (bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false, nil
	}
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return false, nil
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return true, nil
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return false, fmt.Errorf("llm chunk decode: %w", err)
	}
	if chunk.Usage != nil {
		result.PromptTokens = chunk.Usage.PromptTokens
		result.CompletionTokens = chunk.Usage.CompletionTokens
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		if onDelta != nil {
			if err := onDelta(choice.Delta.Content); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func messagesLen(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return chars/4 + 1
}
