package relay

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hablo-ai/voicegate/internal/backend"
	"github.com/hablo-ai/voicegate/internal/provider"
)

type mockSTT struct {
	mu    sync.Mutex
	text  string
	conf  float64
	dur   float64
	err   error
	calls int
}

func (m *mockSTT) Transcribe(_ context.Context, _ []byte, _ string, _ []string) (provider.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return provider.Transcription{}, m.err
	}
	return provider.Transcription{Text: m.text, Confidence: m.conf, Duration: m.dur}, nil
}

func (m *mockSTT) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockLLM struct {
	mu     sync.Mutex
	deltas []string
	usage  [2]int
	err    error
	calls  int
	// When set, the stream pauses after emitting the delta at this index
	// until resume is closed. Lets tests observe the first-sentence overlap.
	pauseAfter int
	resume     chan struct{}

	lastRequest provider.ChatRequest
}

func (m *mockLLM) StreamChat(ctx context.Context, req provider.ChatRequest, onDelta func(string) error) (provider.ChatResult, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	deltas := append([]string(nil), m.deltas...)
	err := m.err
	pauseAfter, resume := m.pauseAfter, m.resume
	m.mu.Unlock()

	if err != nil {
		return provider.ChatResult{}, err
	}
	var text strings.Builder
	for i, d := range deltas {
		if cbErr := onDelta(d); cbErr != nil {
			return provider.ChatResult{}, cbErr
		}
		text.WriteString(d)
		if resume != nil && i == pauseAfter {
			select {
			case <-resume:
			case <-ctx.Done():
				return provider.ChatResult{}, ctx.Err()
			}
		}
	}
	return provider.ChatResult{
		Text:             strings.TrimSpace(text.String()),
		PromptTokens:     m.usage[0],
		CompletionTokens: m.usage[1],
	}, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockLLM) request() provider.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// slowReader trickles audio so a test can interleave events mid-playback.
type slowReader struct {
	chunks [][]byte
	gate   chan struct{} // each receive releases one chunk; closed = free-run
	pos    int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		return 0, io.EOF
	}
	if r.gate != nil {
		<-r.gate
	}
	n := copy(p, r.chunks[r.pos])
	r.pos++
	return n, nil
}

func (r *slowReader) Close() error { return nil }

type mockTTS struct {
	mu     sync.Mutex
	audio  []byte
	stream io.ReadCloser // used once when set, e.g. a slowReader
	err    error
	texts  []string
}

func (m *mockTTS) Synthesize(_ context.Context, _, _, text string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	if m.err != nil {
		return nil, m.err
	}
	if m.stream != nil {
		s := m.stream
		m.stream = nil
		return s, nil
	}
	return io.NopCloser(bytes.NewReader(m.audio)), nil
}

func (m *mockTTS) spokenTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

type mockBackend struct {
	cfg backend.AgentConfig
	err error
}

func (m *mockBackend) FetchAgentConfig(context.Context, string) (backend.AgentConfig, error) {
	if m.err != nil {
		return backend.DefaultAgentConfig(), m.err
	}
	return m.cfg, nil
}

type mockSink struct {
	mu      sync.Mutex
	reports []backend.CallReport
}

func (m *mockSink) PostCallReport(_ context.Context, r backend.CallReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockSink) all() []backend.CallReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.CallReport(nil), m.reports...)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
