package vad

import (
	"time"

	"github.com/hablo-ai/voicegate/internal/audio"
)

// FrameDuration is the carrier packetization interval: 160 samples of
// mu-law at 8 kHz per message.
const FrameDuration = 20 * time.Millisecond

const minTurnDuration = 300 * time.Millisecond

// Config tunes the energy-threshold endpointing. Values come from the agent
// configuration; zero fields fall back to the defaults below.
type Config struct {
	SilenceThresholdDb float64
	SilenceDuration    time.Duration
	PrefixPadding      time.Duration
}

const (
	DefaultSilenceThresholdDb = -40.0
	DefaultSilenceDuration    = 800 * time.Millisecond
	DefaultPrefixPadding      = 300 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.SilenceThresholdDb == 0 {
		c.SilenceThresholdDb = DefaultSilenceThresholdDb
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.PrefixPadding <= 0 {
		c.PrefixPadding = DefaultPrefixPadding
	}
	return c
}

// Turn is one complete user utterance: prefix padding, the voiced region,
// and the trailing silence that closed it.
type Turn struct {
	PCM      []int16
	Duration time.Duration
}

// Stats counts frames for end-of-call accounting.
type Stats struct {
	FramesTotal  uint64
	FramesVoiced uint64
}

// VoiceActivityPercent is the voiced share of all frames seen, 0 when no
// audio arrived.
func (s Stats) VoiceActivityPercent() float64 {
	if s.FramesTotal == 0 {
		return 0
	}
	return 100 * float64(s.FramesVoiced) / float64(s.FramesTotal)
}

type state int

const (
	stateIdle state = iota
	stateSpeaking
)

// Segmenter converts a stream of 20 ms PCM frames into complete Turns. It
// suppresses blips shorter than 300 ms and keeps a ring of pre-speech frames
// so onsets are not clipped.
//
// Callers pass the frame arrival time explicitly; the segmenter itself never
// reads the clock, which keeps the state machine deterministic under test.
type Segmenter struct {
	cfg Config

	state        state
	ring         [][]int16
	ringNext     int
	ringFilled   bool
	turn         []int16
	turnStart    time.Time
	silenceStart time.Time

	stats Stats
}

func NewSegmenter(cfg Config) *Segmenter {
	cfg = cfg.withDefaults()
	ringFrames := int(cfg.PrefixPadding / FrameDuration)
	if ringFrames < 1 {
		ringFrames = 1
	}
	return &Segmenter{
		cfg:  cfg,
		ring: make([][]int16, ringFrames),
	}
}

func (s *Segmenter) Stats() Stats { return s.stats }

// Push feeds one 20 ms PCM frame. It returns a completed Turn when the
// trailing-silence window closes an utterance of at least the minimum
// duration, nil otherwise.
func (s *Segmenter) Push(frame []int16, now time.Time) *Turn {
	s.stats.FramesTotal++
	voiced := audio.RMSDb(frame) >= s.cfg.SilenceThresholdDb
	if voiced {
		s.stats.FramesVoiced++
	}

	switch s.state {
	case stateIdle:
		if !voiced {
			s.pushRing(frame)
			return nil
		}
		s.state = stateSpeaking
		s.turnStart = now
		s.silenceStart = time.Time{}
		s.turn = s.turn[:0]
		s.drainRing()
		s.turn = append(s.turn, frame...)
		return nil

	case stateSpeaking:
		s.turn = append(s.turn, frame...)
		if voiced {
			s.silenceStart = time.Time{}
			return nil
		}
		if s.silenceStart.IsZero() {
			s.silenceStart = now
			return nil
		}
		if now.Sub(s.silenceStart) >= s.cfg.SilenceDuration {
			return s.finalize(now)
		}
		return nil
	}
	return nil
}

func (s *Segmenter) finalize(now time.Time) *Turn {
	// Duration measures speech only: the trailing-silence window that closed
	// the turn is part of the PCM but not of the utterance.
	duration := s.silenceStart.Sub(s.turnStart)
	var out *Turn
	if duration >= minTurnDuration {
		pcm := make([]int16, len(s.turn))
		copy(pcm, s.turn)
		out = &Turn{PCM: pcm, Duration: duration}
	}

	s.state = stateIdle
	s.turn = s.turn[:0]
	s.turnStart = time.Time{}
	s.silenceStart = time.Time{}
	s.ringNext = 0
	s.ringFilled = false
	for i := range s.ring {
		s.ring[i] = nil
	}
	return out
}

func (s *Segmenter) pushRing(frame []int16) {
	cp := make([]int16, len(frame))
	copy(cp, frame)
	s.ring[s.ringNext] = cp
	s.ringNext++
	if s.ringNext >= len(s.ring) {
		s.ringNext = 0
		s.ringFilled = true
	}
}

// drainRing seeds the turn buffer with the buffered prefix, oldest first.
func (s *Segmenter) drainRing() {
	start := 0
	count := s.ringNext
	if s.ringFilled {
		start = s.ringNext
		count = len(s.ring)
	}
	for i := 0; i < count; i++ {
		f := s.ring[(start+i)%len(s.ring)]
		if f != nil {
			s.turn = append(s.turn, f...)
		}
	}
	s.ringNext = 0
	s.ringFilled = false
	for i := range s.ring {
		s.ring[i] = nil
	}
}
