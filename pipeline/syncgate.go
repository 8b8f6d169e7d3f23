// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package pipeline

import "github.com/rs/zerolog"

// SyncGate separates canonical indexing from live side effects.
// Entity mutations always run; broadcast pushes and cache refreshes
// run only for events at or past the live threshold, so a cold
// backfill does not replay years of history to subscribers. It is a
// boolean gate, not backpressure.
type SyncGate struct {
	// LiveThreshold is the first block considered live. Zero means
	// everything is live.
	LiveThreshold uint64

	log zerolog.Logger
}

func NewSyncGate(liveThreshold uint64, log zerolog.Logger) *SyncGate {
	return &SyncGate{
		LiveThreshold: liveThreshold,
		log:           log.With().Str("component", "syncgate").Logger(),
	}
}

// Live reports whether a block is at or past the threshold.
func (g *SyncGate) Live(block uint64) bool {
	return block >= g.LiveThreshold
}

// Emit runs fn only when the block is live. Side-effect failures are
// logged and swallowed; they must never fail the indexed event.
func (g *SyncGate) Emit(block uint64, fn func() error) {
	if !g.Live(block) {
		return
	}
	if err := fn(); err != nil {
		g.log.Warn().Err(err).Uint64("block", block).Msg("side effect failed")
	}
}
