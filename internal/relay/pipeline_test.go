package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hablo-ai/voicegate/internal/backend"
	"github.com/hablo-ai/voicegate/internal/carrier"
	"github.com/hablo-ai/voicegate/internal/provider"
	"github.com/hablo-ai/voicegate/internal/vad"
)

// directSession builds a started session without the Run loop, so pipeline
// behavior can be driven synchronously.
func directSession(t *testing.T, deps Deps) (*Session, chan []byte) {
	t.Helper()
	out := make(chan []byte, 1024)
	go func() {
		for range out {
		}
	}()

	s := NewSession(zerolog.Nop(), "agent-1", "log-1", carrier.ProviderTwilio, deps, Options{
		ChatModelSmall: "small",
		ChatModelLarge: "large",
		Cost:           DefaultCostRates(),
	})
	s.started = true
	s.streamID = "MZ1"
	s.agent = backend.DefaultAgentConfig()
	s.seg = vad.NewSegmenter(vad.Config{})
	s.runCtx = context.Background()
	s.outbound = out
	return s, out
}

func testTurn() *vad.Turn {
	return &vad.Turn{PCM: make([]int16, 16000), Duration: 2 * time.Second}
}

func TestFirstSentence(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "", false},
		// "Hola." terminates too early; the scan runs on to the "?".
		{"Hola. ¿Qué tal está usted?", "Hola. ¿Qué tal está usted?", true},
		{"Claro, con gusto le explico ahora mismo. Y algo más", "Claro, con gusto le explico ahora mismo.", true},
		{"¿En qué puedo ayudarle hoy exactamente? Dígame", "¿En qué puedo ayudarle hoy exactamente?", true},
		{"una frase sin terminador todavía", "", false},
		{"doce letras.", "", false}, // prefix shorter than 20
	}
	for _, tc := range cases {
		got, ok := firstSentence(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("firstSentence(%q) = %q,%v; want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFirstSentenceSkipsEarlyTerminator(t *testing.T) {
	// "Sí." terminates at index 2: too early. The scan continues to the next
	// terminator and the spoken prefix includes both sentences.
	got, ok := firstSentence("Sí. Con mucho gusto le ayudo con eso. Y ahora")
	if !ok || got != "Sí. Con mucho gusto le ayudo con eso." {
		t.Fatalf("firstSentence = %q,%v", got, ok)
	}
}

func TestPlaybackGate(t *testing.T) {
	g := &PlaybackGate{}
	t0 := g.Capture()
	if !g.StillValid(t0) {
		t.Fatalf("fresh capture invalid")
	}
	g.Invalidate()
	if g.StillValid(t0) {
		t.Fatalf("capture survived invalidation")
	}
	t1 := g.Capture()
	if !g.StillValid(t1) {
		t.Fatalf("new capture invalid")
	}
	g.End()
	if g.StillValid(t1) {
		t.Fatalf("capture survived call end")
	}
	g.End() // idempotent
	if !g.Ended() {
		t.Fatalf("Ended = false after End")
	}
}

func TestProcessTurnEarlyStartOverlapsDecode(t *testing.T) {
	resume := make(chan struct{})
	stt := &mockSTT{text: "cuénteme la oferta", dur: 1.5}
	llm := &mockLLM{
		deltas:     []string{"Claro, con gusto le explico ahora mismo.", " Tenemos dos opciones disponibles."},
		pauseAfter: 0,
		resume:     resume,
	}
	tts := &mockTTS{audio: make([]byte, 320)}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.processTurn(context.Background(), testTurn())
	}()

	// The first sentence must be synthesized while the stream is paused,
	// i.e. before the completion resolves.
	if !waitFor(time.Second, func() bool { return len(tts.spokenTexts()) == 1 }) {
		t.Fatalf("first-sentence TTS did not start during decode")
	}
	close(resume)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processTurn hung")
	}

	spoken := tts.spokenTexts()
	if len(spoken) != 2 {
		t.Fatalf("spoken = %v, want first sentence then remainder", spoken)
	}
	if spoken[0] != "Claro, con gusto le explico ahora mismo." {
		t.Fatalf("first spoken = %q", spoken[0])
	}
	if spoken[1] != "Tenemos dos opciones disponibles." {
		t.Fatalf("remainder = %q", spoken[1])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) != 2 || s.history[1].Role != provider.RoleAssistant {
		t.Fatalf("history = %+v", s.history)
	}
	if s.usage.turns != 1 {
		t.Fatalf("turns = %d", s.usage.turns)
	}
}

func TestProcessTurnNoEarlyStartSpeaksWholeReply(t *testing.T) {
	stt := &mockSTT{text: "hola"}
	llm := &mockLLM{deltas: []string{"Sí, dígame."}} // too short for early start
	tts := &mockTTS{audio: make([]byte, 160)}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	s.processTurn(context.Background(), testTurn())
	spoken := tts.spokenTexts()
	if len(spoken) != 1 || spoken[0] != "Sí, dígame." {
		t.Fatalf("spoken = %v, want the whole reply once", spoken)
	}
}

func TestProcessTurnSTTErrorAbandonsTurn(t *testing.T) {
	stt := &mockSTT{err: context.DeadlineExceeded}
	llm := &mockLLM{deltas: []string{"nunca"}}
	tts := &mockTTS{}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	s.processTurn(context.Background(), testTurn())
	if llm.callCount() != 0 {
		t.Fatalf("llm called after stt failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) != 0 || len(s.transcript) != 0 {
		t.Fatalf("state mutated on failed turn: %v %v", s.history, s.transcript)
	}
}

func TestProcessTurnEmptyCompletionRecordsNothing(t *testing.T) {
	stt := &mockSTT{text: "hola, buenas tardes"}
	llm := &mockLLM{}
	tts := &mockTTS{}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	s.processTurn(context.Background(), testTurn())
	if len(tts.spokenTexts()) != 0 {
		t.Fatalf("tts called for empty completion")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) != 1 {
		t.Fatalf("history = %+v, want only the user message", s.history)
	}
	if s.usage.turns != 0 {
		t.Fatalf("turns = %d, want 0", s.usage.turns)
	}
}

func TestProcessTurnSupersededMidStream(t *testing.T) {
	stt := &mockSTT{text: "una pregunta larga"}
	resume := make(chan struct{})
	llm := &mockLLM{
		deltas:     []string{"Primera parte de una respuesta bastante larga.", " Segunda parte."},
		pauseAfter: 0,
		resume:     resume,
	}
	tts := &mockTTS{audio: make([]byte, 160)}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.processTurn(context.Background(), testTurn())
	}()
	if !waitFor(time.Second, func() bool { return llm.callCount() == 1 }) {
		t.Fatalf("llm not started")
	}
	s.gate.Invalidate() // barge-in while decoding
	close(resume)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.history {
		if m.Role == provider.RoleAssistant {
			t.Fatalf("assistant message recorded for superseded turn")
		}
	}
}

func TestGenerateReplyPromptShape(t *testing.T) {
	stt := &mockSTT{text: "segunda pregunta"}
	llm := &mockLLM{deltas: []string{"Entendido, lo reviso y le confirmo enseguida."}}
	tts := &mockTTS{audio: make([]byte, 160)}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	s.agent.SystemPrompt = "Eres Ana.\nREGLAS: nada de descuentos.\nFLUJO: pregunta el nombre y la fecha."
	// Simulate a prior exchange so the flow state is on turn 2 and the
	// window carries history.
	s.history = []provider.Message{
		{Role: provider.RoleUser, Content: "hola"},
		{Role: provider.RoleAssistant, Content: "Hola, ¿su nombre?"},
	}

	s.processTurn(context.Background(), testTurn())

	req := llm.request()
	if req.Model != "small" {
		t.Fatalf("Model = %q", req.Model)
	}
	if req.MaxTokens != 250 || req.Temperature != 0.5 {
		t.Fatalf("sampling = %+v", req)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d, want system + 2 history + user", len(req.Messages))
	}
	system := req.Messages[0]
	if system.Role != provider.RoleSystem {
		t.Fatalf("first message role = %q", system.Role)
	}
	if !strings.Contains(system.Content, "[SCRIPT]") {
		t.Fatalf("system prompt not optimized:\n%s", system.Content)
	}
	if strings.Index(system.Content, "[SCRIPT]") > strings.Index(system.Content, "[RULES]") {
		t.Fatalf("script does not precede rules:\n%s", system.Content)
	}
	if !strings.Contains(system.Content, "turno 2") {
		t.Fatalf("flow state missing:\n%s", system.Content)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != provider.RoleUser || last.Content != "segunda pregunta" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestGenerateReplyPicksLargeModelForLongPrompt(t *testing.T) {
	stt := &mockSTT{text: "hola, buenas tardes"}
	llm := &mockLLM{deltas: []string{"Buenas tardes, dígame en qué puedo ayudarle."}}
	tts := &mockTTS{audio: make([]byte, 160)}
	s, out := directSession(t, Deps{STT: stt, LLM: llm, TTS: tts})
	defer close(out)

	s.agent.SystemPrompt = strings.Repeat("indicaciones extensas ", 600) // ~13 KB, no markers
	s.processTurn(context.Background(), testTurn())

	if got := llm.request().Model; got != "large" {
		t.Fatalf("Model = %q, want large for a long prompt", got)
	}
}

func TestLastMessagesWindow(t *testing.T) {
	msgs := make([]provider.Message, 10)
	for i := range msgs {
		msgs[i] = provider.Message{Role: provider.RoleUser, Content: strings.Repeat("x", i+1)}
	}
	got := lastMessages(msgs, 6)
	if len(got) != 6 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Content != msgs[4].Content {
		t.Fatalf("window start = %q", got[0].Content)
	}
	if len(lastMessages(msgs[:3], 6)) != 3 {
		t.Fatalf("short history should pass through")
	}
}
