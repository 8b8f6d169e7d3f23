// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/luxfi/dexindexer/event"
)

// Source delivers one chain's envelopes in strictly ascending
// (block, logIndex) order. Next returns io.EOF when the source is
// drained; a live source blocks until the next event or context
// cancellation.
type Source interface {
	Next(ctx context.Context) (event.Envelope, error)
}

// StreamSource replays envelopes from newline-delimited JSON, one
// envelope per line, as exported by a log collector. Blank lines are
// skipped; a line that does not parse ends the replay with an error,
// since silently resuming past it would leave a gap.
type StreamSource struct {
	scanner *bufio.Scanner
	line    int
}

func NewStreamSource(r io.Reader) *StreamSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamSource{scanner: sc}
}

func (s *StreamSource) Next(ctx context.Context) (event.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return event.Envelope{}, ctx.Err()
		default:
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return event.Envelope{}, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return event.Envelope{}, io.EOF
		}
		s.line++
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return event.Envelope{}, fmt.Errorf("parse line %d: %w", s.line, err)
		}
		return env, nil
	}
}
