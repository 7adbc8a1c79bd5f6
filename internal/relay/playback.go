package relay

import "sync/atomic"

// PlaybackGate enforces the at-most-one-speaker invariant. Every attempt to
// speak captures the current token; any increment invalidates all prior
// captures. This is the only cancellation channel for outbound audio:
// every network await in the pipeline re-checks StillValid and returns
// normally when superseded.
type PlaybackGate struct {
	token atomic.Int64
	ended atomic.Bool
}

// Capture reads the current token. Hand it to background work by value.
func (g *PlaybackGate) Capture() int64 {
	return g.token.Load()
}

// Invalidate bumps the token, cancelling every in-flight speaker. Called on
// barge-in and when a new turn starts processing.
func (g *PlaybackGate) Invalidate() int64 {
	return g.token.Add(1)
}

// StillValid reports whether a captured token may still emit audio.
func (g *PlaybackGate) StillValid(captured int64) bool {
	return !g.ended.Load() && g.token.Load() == captured
}

// End latches call termination. One-way and idempotent; after this no token
// is ever valid again.
func (g *PlaybackGate) End() {
	g.ended.Store(true)
}

func (g *PlaybackGate) Ended() bool {
	return g.ended.Load()
}
