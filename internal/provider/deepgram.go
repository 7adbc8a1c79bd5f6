package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transcription is the STT result for one finalized turn.
type Transcription struct {
	Text       string
	Confidence float64
	// Duration is the spoken audio length in seconds as measured by the
	// provider; it drives STT cost accounting.
	Duration float64
}

type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// DeepgramClient posts WAV turn audio to the /v1/listen endpoint.
type DeepgramClient struct {
	cfg        DeepgramConfig
	httpClient *http.Client
}

func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	return &DeepgramClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe uploads a WAV body. An empty language enables provider-side
// language detection; keywords bias recognition toward domain vocabulary.
func (c *DeepgramClient) Transcribe(ctx context.Context, wav []byte, language string, keywords []string) (Transcription, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return Transcription{}, err
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	if strings.TrimSpace(language) != "" {
		q.Set("language", language)
	} else {
		q.Set("detect_language", "true")
	}
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "8000")
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			q.Add("keywords", kw)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(wav))
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Transcription{}, fmt.Errorf("stt status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Transcription{}, fmt.Errorf("stt decode: %w", err)
	}

	out := Transcription{Duration: parsed.Metadata.Duration}
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		alt := parsed.Results.Channels[0].Alternatives[0]
		out.Text = strings.TrimSpace(alt.Transcript)
		out.Confidence = alt.Confidence
	}
	return out, nil
}
