package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hablo-ai/voicegate/internal/audio"
	"github.com/hablo-ai/voicegate/internal/backend"
	"github.com/hablo-ai/voicegate/internal/carrier"
	"github.com/hablo-ai/voicegate/internal/observability"
	"github.com/hablo-ai/voicegate/internal/provider"
	"github.com/hablo-ai/voicegate/internal/vad"
)

// Barge-in uses a higher bar than turn detection so room noise bleeding
// through the agent's own outbound audio does not cut the agent off.
const bargeInThresholdDb = -35.0

var errMissingProviders = errors.New("stt/llm/tts providers not configured")

// STT transcribes one finalized turn.
type STT interface {
	Transcribe(ctx context.Context, wav []byte, language string, keywords []string) (provider.Transcription, error)
}

// LLM streams a chat completion, invoking onDelta from the read loop.
type LLM interface {
	StreamChat(ctx context.Context, req provider.ChatRequest, onDelta func(delta string) error) (provider.ChatResult, error)
}

// TTS returns a stream of raw mu-law bytes at 8 kHz.
type TTS interface {
	Synthesize(ctx context.Context, voiceID, modelID, text string) (io.ReadCloser, error)
}

type AgentConfigSource interface {
	FetchAgentConfig(ctx context.Context, agentID string) (backend.AgentConfig, error)
}

type ReportSink interface {
	PostCallReport(ctx context.Context, report backend.CallReport) error
}

// ReportStore is the optional Postgres copy of the final report.
type ReportStore interface {
	Save(ctx context.Context, id string, report backend.CallReport) error
}

type Deps struct {
	STT     STT
	LLM     LLM
	TTS     TTS
	Backend AgentConfigSource
	Sink    ReportSink
	Store   ReportStore
	Metrics *observability.Metrics
}

type Options struct {
	ChatModelSmall string
	ChatModelLarge string
	Cost           CostRates
}

// Session owns all state for one carrier stream. All mutation happens on
// the Run loop or on the single in-flight turn goroutine; the mutex guards
// the handful of fields both sides touch.
type Session struct {
	id   string
	log  zerolog.Logger
	deps Deps
	opts Options

	runCtx   context.Context
	outbound chan<- []byte

	gate *PlaybackGate
	seg  *vad.Segmenter

	provider  carrier.Provider
	streamID  string
	callID    string
	agentID   string
	callLogID string
	agent     backend.AgentConfig

	callStart  time.Time
	started    bool
	processing atomic.Bool
	speaking   atomic.Int32

	mu         sync.Mutex
	history    []provider.Message
	transcript []string
	usage      usage

	pcmBuf []int16
	now    func() time.Time

	finalizeOnce sync.Once
	turnWG       sync.WaitGroup
}

// NewSession wires a session for one inbound WebSocket. agentID, callLogID
// and providerHint come from the connection URL; the start frame may
// override all three.
func NewSession(log zerolog.Logger, agentID, callLogID string, providerHint carrier.Provider, deps Deps, opts Options) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		log:       log.With().Str("session_id", id).Logger(),
		deps:      deps,
		opts:      opts,
		gate:      &PlaybackGate{},
		now:       time.Now,
		provider:  providerHint,
		agentID:   agentID,
		callLogID: callLogID,
	}
}

// Run drives the session until the carrier stops, the socket closes, or the
// context is cancelled. Inbound carries raw frame bytes from the read pump;
// outbound feeds the write pump.
func (s *Session) Run(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error {
	s.runCtx = ctx
	s.outbound = outbound

	for {
		select {
		case <-ctx.Done():
			s.finalize("disconnected")
			return nil
		case data, ok := <-inbound:
			if !ok {
				s.finalize("disconnected")
				return nil
			}
			frame, err := carrier.ParseFrame(data)
			if err != nil {
				s.log.Warn().Err(err).Msg("skipping malformed carrier frame")
				continue
			}
			switch frame.Event {
			case carrier.EventConnected:
				// Twilio sends this before start; nothing to do.
			case carrier.EventStart:
				if err := s.handleStart(ctx, frame); err != nil {
					s.log.Error().Err(err).Msg("session start failed")
					s.finalize("failed")
					return err
				}
			case carrier.EventMedia:
				s.handleMedia(ctx, frame)
			case carrier.EventStop:
				s.finalize("completed")
				return nil
			}
		}
	}
}

func (s *Session) handleStart(ctx context.Context, frame carrier.Frame) error {
	if s.started {
		s.log.Warn().Msg("duplicate start frame ignored")
		return nil
	}
	if s.deps.STT == nil || s.deps.LLM == nil || s.deps.TTS == nil {
		return errMissingProviders
	}
	s.started = true

	if frame.Provider != carrier.ProviderUnknown {
		s.provider = frame.Provider
	}
	s.streamID = frame.StreamID
	s.callID = frame.CallID
	if frame.AgentID != "" {
		s.agentID = frame.AgentID
	}
	if frame.CallLogID != "" {
		s.callLogID = frame.CallLogID
	}
	s.callStart = s.now()
	s.log = s.log.With().
		Str("provider", string(s.provider)).
		Str("stream_id", s.streamID).
		Str("call_id", s.callID).
		Logger()

	if s.deps.Backend != nil && s.agentID != "" {
		cfgCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cfg, err := s.deps.Backend.FetchAgentConfig(cfgCtx, s.agentID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("agent config fetch failed, using defaults")
		}
		s.agent = cfg
	} else {
		s.agent = backend.DefaultAgentConfig()
	}

	s.seg = vad.NewSegmenter(vad.Config{
		SilenceThresholdDb: s.agent.SilenceThresholdDb,
		SilenceDuration:    time.Duration(s.agent.SilenceDurationMs) * time.Millisecond,
		PrefixPadding:      time.Duration(s.agent.PrefixPaddingMs) * time.Millisecond,
	})

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveCalls.Inc()
		s.deps.Metrics.CallEvents.WithLabelValues("started").Inc()
	}
	s.log.Info().Str("agent_id", s.agentID).Msg("call started")

	if greeting := s.agent.Greeting; greeting != "" {
		s.mu.Lock()
		s.transcript = append(s.transcript, "assistant: "+greeting)
		s.usage.turns++
		s.mu.Unlock()

		token := s.gate.Capture()
		s.turnWG.Add(1)
		go func() {
			defer s.turnWG.Done()
			s.speakText(ctx, token, greeting)
		}()
	}
	return nil
}

func (s *Session) handleMedia(ctx context.Context, frame carrier.Frame) {
	if !s.started {
		return
	}
	s.pcmBuf = audio.DecodeULaw(frame.Payload, s.pcmBuf)
	pcm := s.pcmBuf

	if s.speaking.Load() > 0 && audio.RMSDb(pcm) >= bargeInThresholdDb {
		s.bargeIn()
	}

	turn := s.seg.Push(pcm, s.now())
	if turn == nil {
		return
	}
	if !s.processing.CompareAndSwap(false, true) {
		// A turn is already in the pipeline; late arrivals are dropped, not
		// queued.
		s.log.Debug().Dur("turn", turn.Duration).Msg("pipeline busy, turn dropped")
		if s.deps.Metrics != nil {
			s.deps.Metrics.CallEvents.WithLabelValues("turn_dropped").Inc()
		}
		return
	}
	s.gate.Invalidate()
	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		defer s.processing.Store(false)
		s.processTurn(ctx, turn)
	}()
}

func (s *Session) bargeIn() {
	s.gate.Invalidate()
	if clear, err := carrier.ClearFrame(s.provider, s.streamID); err == nil {
		s.send(clear)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CallEvents.WithLabelValues("barge_in").Inc()
	}
	s.log.Debug().Msg("barge-in, playback cancelled")
}

// send queues one outbound frame. Nothing is emitted once the call ended.
func (s *Session) send(data []byte) {
	if s.gate.Ended() {
		return
	}
	select {
	case s.outbound <- data:
	case <-s.runCtx.Done():
	}
}

func (s *Session) finalize(status string) {
	s.finalizeOnce.Do(func() {
		s.gate.End()
		if s.deps.Metrics != nil && s.started {
			s.deps.Metrics.ActiveCalls.Dec()
			s.deps.Metrics.CallEvents.WithLabelValues("ended").Inc()
		}
		if s.callStart.IsZero() {
			return
		}

		var stats vad.Stats
		if s.seg != nil {
			stats = s.seg.Stats()
		}

		s.mu.Lock()
		report := backend.CallReport{
			CallLogID:       s.callLogID,
			DurationSeconds: s.now().Sub(s.callStart).Seconds(),
			Transcript:      joinTranscript(s.transcript),
			Status:          status,
			EndedAt:         time.Now().UTC(),
			Usage:           s.usage.report(stats, s.opts.Cost),
		}
		s.mu.Unlock()

		// The run context is usually gone by now; the report gets its own.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if s.deps.Sink != nil {
			if err := s.deps.Sink.PostCallReport(ctx, report); err != nil {
				s.log.Error().Err(err).Msg("call report post failed")
			}
		}
		if s.deps.Store != nil {
			if err := s.deps.Store.Save(ctx, uuid.NewString(), report); err != nil {
				s.log.Error().Err(err).Msg("call report store failed")
			}
		}
		s.log.Info().
			Str("status", status).
			Float64("duration_s", report.DurationSeconds).
			Int("turns", report.Usage.TurnsCount).
			Msg("call ended")
	})
}

func joinTranscript(lines []string) string {
	return strings.Join(lines, "\n")
}
