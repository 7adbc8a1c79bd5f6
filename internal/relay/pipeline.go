package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/hablo-ai/voicegate/internal/audio"
	"github.com/hablo-ai/voicegate/internal/carrier"
	"github.com/hablo-ai/voicegate/internal/prompt"
	"github.com/hablo-ai/voicegate/internal/provider"
	"github.com/hablo-ai/voicegate/internal/vad"
)

const (
	maxCompletionTokens = 250
	historyWindow       = 6
	mediaFrameBytes     = 160 // 20 ms of mu-law at 8 kHz
)

// errSuperseded aborts a streaming decode whose playback token lost. It is
// the normal outcome of a barge-in, not a failure.
var errSuperseded = errors.New("playback superseded")

// processTurn runs one finalized user turn through STT, the streaming chat
// completion, and TTS. The caller has already bumped the playback token; the
// capture here is what every downstream await re-checks.
func (s *Session) processTurn(ctx context.Context, turn *vad.Turn) {
	token := s.gate.Capture()

	transcription, ok := s.transcribeTurn(ctx, turn)
	if !ok || !s.gate.StillValid(token) {
		return
	}

	s.mu.Lock()
	s.history = append(s.history, provider.Message{Role: provider.RoleUser, Content: transcription.Text})
	s.transcript = append(s.transcript, "user: "+transcription.Text)
	turnNumber := countRole(s.history, provider.RoleUser)
	window := lastMessages(s.history[:len(s.history)-1], historyWindow)
	s.mu.Unlock()

	reply, firstSpoken, ok := s.generateReply(ctx, token, turnNumber, window, transcription.Text)
	if !ok {
		return
	}

	s.mu.Lock()
	s.history = append(s.history, provider.Message{Role: provider.RoleAssistant, Content: reply})
	s.transcript = append(s.transcript, "assistant: "+reply)
	s.usage.turns++
	s.mu.Unlock()

	// Remainder playback obeys the token like everything else: a barge-in
	// between the two TTS calls suppresses the second half.
	switch {
	case firstSpoken == "":
		s.speakText(ctx, token, reply)
	case strings.HasPrefix(reply, firstSpoken):
		if rest := strings.TrimSpace(reply[len(firstSpoken):]); rest != "" {
			s.speakText(ctx, token, rest)
		}
	default:
		// The sanitized final text no longer matches what already played;
		// speak it whole rather than risk a truncated reply.
		s.speakText(ctx, token, reply)
	}
}

func (s *Session) transcribeTurn(ctx context.Context, turn *vad.Turn) (provider.Transcription, bool) {
	wav := audio.EncodeWAVPCM16LE(audio.PCMBytes(turn.PCM), 8000)

	start := time.Now()
	tr, err := s.deps.STT.Transcribe(ctx, wav, s.agent.STTLanguage, s.agent.STTKeywords)
	elapsed := time.Since(start)
	if err != nil {
		s.log.Error().Err(err).Msg("stt failed, abandoning turn")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ProviderErrors.WithLabelValues("deepgram", "stt").Inc()
		}
		return provider.Transcription{}, false
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveStage("stt", elapsed)
	}

	spoken := tr.Duration
	if spoken == 0 {
		spoken = turn.Duration.Seconds()
	}
	s.mu.Lock()
	s.usage.latSTT.observe(elapsed)
	s.usage.sttSeconds += spoken
	s.mu.Unlock()

	if tr.Text == "" {
		s.log.Debug().Msg("empty transcript, no reply")
		return provider.Transcription{}, false
	}
	s.log.Info().Str("text", tr.Text).Float64("confidence", tr.Confidence).Msg("user turn transcribed")
	return tr, true
}

// generateReply streams the completion, starting TTS on the first complete
// sentence while the model is still decoding. It returns the full reply and
// the prefix that already played.
func (s *Session) generateReply(ctx context.Context, token int64, turnNumber int, window []provider.Message, userText string) (reply, firstSpoken string, ok bool) {
	optimized := prompt.Optimize(s.agent.SystemPrompt)

	system := optimized
	if fs := prompt.FlowState(turnNumber, userText); fs != "" {
		system += "\n\n" + fs
	}
	system += "\n\n" + prompt.Reminder

	messages := make([]provider.Message, 0, len(window)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: system})
	messages = append(messages, window...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userText})

	req := provider.ChatRequest{
		Model:       prompt.PickModel(optimized, s.opts.ChatModelSmall, s.opts.ChatModelLarge),
		Messages:    messages,
		Temperature: prompt.Temperature(s.agent.Temperature),
		MaxTokens:   maxCompletionTokens,
	}

	var (
		acc        strings.Builder
		result     provider.ChatResult
		firstOnce  sync.Once
		firstCh    = make(chan string, 1)
		llmStart   = time.Now()
		early      string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(firstCh)
		res, err := s.deps.LLM.StreamChat(gctx, req, func(delta string) error {
			if !s.gate.StillValid(token) {
				return errSuperseded
			}
			firstOnce.Do(func() {
				if s.deps.Metrics != nil {
					s.deps.Metrics.ObserveStage("llm_first_token", time.Since(llmStart))
				}
			})
			acc.WriteString(delta)
			if early == "" {
				if sentence, found := firstSentence(strings.TrimLeft(acc.String(), " \t\r\n")); found {
					early = sentence
					firstCh <- sentence
				}
			}
			return nil
		})
		result = res
		return err
	})
	g.Go(func() error {
		sentence, open := <-firstCh
		if !open {
			return nil
		}
		s.speakText(gctx, token, sentence)
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, errSuperseded) {
			s.log.Debug().Msg("llm stream superseded")
			return "", "", false
		}
		s.log.Error().Err(err).Msg("llm failed, abandoning turn")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ProviderErrors.WithLabelValues("openai", "llm").Inc()
		}
		return "", "", false
	}

	elapsed := time.Since(llmStart)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveStage("llm_total", elapsed)
	}
	s.mu.Lock()
	s.usage.latLLM.observe(elapsed)
	s.usage.llmIn += result.PromptTokens
	s.usage.llmOut += result.CompletionTokens
	s.mu.Unlock()

	if result.Text == "" {
		s.log.Debug().Msg("empty completion, no reply")
		return "", "", false
	}
	return result.Text, early, true
}

// speakText synthesizes one utterance and streams it to the carrier in
// exactly 160-byte frames, re-checking the playback token before every read
// and every send.
func (s *Session) speakText(ctx context.Context, token int64, text string) {
	if text == "" || !s.gate.StillValid(token) {
		return
	}

	start := time.Now()
	body, err := s.deps.TTS.Synthesize(ctx, s.agent.VoiceID, s.agent.TTSModelID, text)
	if err != nil {
		s.log.Error().Err(err).Msg("tts failed")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ProviderErrors.WithLabelValues("elevenlabs", "tts").Inc()
		}
		return
	}
	defer body.Close()

	s.mu.Lock()
	s.usage.ttsChars += utf8.RuneCountInString(text)
	s.mu.Unlock()

	s.speaking.Add(1)
	defer s.speaking.Add(-1)

	var (
		pending   []byte
		chunk     = make([]byte, 4096)
		firstByte = true
	)
	for {
		if !s.gate.StillValid(token) {
			return
		}
		n, err := body.Read(chunk)
		if n > 0 {
			if firstByte {
				firstByte = false
				elapsed := time.Since(start)
				if s.deps.Metrics != nil {
					s.deps.Metrics.ObserveStage("tts_first_byte", elapsed)
				}
				s.mu.Lock()
				s.usage.latTTS.observe(elapsed)
				s.mu.Unlock()
			}
			pending = append(pending, chunk[:n]...)
			for len(pending) >= mediaFrameBytes {
				if !s.gate.StillValid(token) {
					return
				}
				s.sendMedia(pending[:mediaFrameBytes])
				pending = pending[:copy(pending, pending[mediaFrameBytes:])]
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn().Err(err).Msg("tts stream read failed")
				return
			}
			break
		}
	}
	// Anything shorter than a full frame at end-of-stream goes out as a
	// final short frame.
	if len(pending) > 0 && s.gate.StillValid(token) {
		s.sendMedia(pending)
	}
}

func (s *Session) sendMedia(payload []byte) {
	frame, err := carrier.MediaFrame(s.provider, s.streamID, payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("media frame encode failed")
		return
	}
	s.send(frame)
}

// firstSentence finds the earliest terminator in ".!?" whose rune index is
// at least 10 and whose prefix is at least 20 runes. Opening punctuation
// never terminates, so Spanish "¿...?" openings are safe.
func firstSentence(text string) (string, bool) {
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '¿', '¡':
			continue
		case '.', '!', '?':
			if i >= 10 && i+1 >= 20 {
				return string(runes[:i+1]), true
			}
		}
	}
	return "", false
}

func countRole(msgs []provider.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func lastMessages(msgs []provider.Message, n int) []provider.Message {
	if len(msgs) <= n {
		out := make([]provider.Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]provider.Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out
}
