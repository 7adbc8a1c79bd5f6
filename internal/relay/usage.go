package relay

import (
	"time"

	"github.com/hablo-ai/voicegate/internal/backend"
	"github.com/hablo-ai/voicegate/internal/vad"
)

// CostRates prices the three provider legs. Values are configuration; the
// defaults mirror current list prices.
type CostRates struct {
	STTPerMinute   float64
	LLMInputPer1M  float64
	LLMOutputPer1M float64
	TTSPer1MChars  float64
}

func DefaultCostRates() CostRates {
	return CostRates{
		STTPerMinute:   0.0043,
		LLMInputPer1M:  0.15,
		LLMOutputPer1M: 0.60,
		TTSPer1MChars:  30,
	}
}

type latencyAgg struct {
	totalMs float64
	samples int
}

func (l *latencyAgg) observe(d time.Duration) {
	l.totalMs += float64(d.Milliseconds())
	l.samples++
}

func (l latencyAgg) avgMs() float64 {
	if l.samples == 0 {
		return 0
	}
	return l.totalMs / float64(l.samples)
}

// usage accumulates per-call counters for the final report. Guarded by the
// session mutex.
type usage struct {
	turns      int
	sttSeconds float64
	llmIn      int
	llmOut     int
	ttsChars   int

	latSTT latencyAgg
	latLLM latencyAgg
	latTTS latencyAgg
}

func (u *usage) estimatedCost(r CostRates) float64 {
	cost := u.sttSeconds / 60 * r.STTPerMinute
	cost += float64(u.llmIn) / 1e6 * r.LLMInputPer1M
	cost += float64(u.llmOut) / 1e6 * r.LLMOutputPer1M
	cost += float64(u.ttsChars) / 1e6 * r.TTSPer1MChars
	return cost
}

func (u *usage) report(stats vad.Stats, rates CostRates) backend.Usage {
	return backend.Usage{
		TurnsCount:           u.turns,
		STTDurationSec:       u.sttSeconds,
		LLMInputTokens:       u.llmIn,
		LLMOutputTokens:      u.llmOut,
		TTSCharacters:        u.ttsChars,
		EstimatedCost:        u.estimatedCost(rates),
		VoiceActivityPercent: stats.VoiceActivityPercent(),
		AvgLatencySTTMs:      u.latSTT.avgMs(),
		AvgLatencyLLMMs:      u.latLLM.avgMs(),
		AvgLatencyTTSMs:      u.latTTS.avgMs(),
	}
}
