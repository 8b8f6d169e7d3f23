// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package event defines the chain log envelope delivered by the log
// source and the typed events the ingestion pipeline dispatches on.
// Envelopes are decoded exactly once at the pipeline boundary.
package event

import (
	"fmt"
	"time"
)

// Envelope is one log event as delivered by the per-chain log source.
// Within a chain, envelopes arrive in strictly ascending
// (BlockNumber, LogIndex) order; the source redelivers during reorgs,
// so every consumer must be replay-safe.
type Envelope struct {
	ChainID        uint64            `json:"chainId"`
	BlockNumber    uint64            `json:"blockNumber"`
	LogIndex       uint64            `json:"logIndex"`
	TxHash         string            `json:"txHash"`
	Contract       string            `json:"contract"`
	Event          string            `json:"event"`
	Args           map[string]string `json:"args"`
	BlockTimestamp time.Time         `json:"blockTimestamp"`
}

// Key returns the deterministic identity of this envelope. Entities
// created from an envelope derive their primary keys from it, which is
// what makes redelivered events converge instead of duplicating rows.
func (e Envelope) Key() string {
	return fmt.Sprintf("%d-%s-%d", e.ChainID, e.TxHash, e.LogIndex)
}

// MalformedError marks an envelope whose args cannot be decoded. It is
// fatal for that event: the pipeline must surface it rather than skip
// the event, because skipping silently diverges the indexed state from
// the chain.
type MalformedError struct {
	ChainID  uint64
	TxHash   string
	LogIndex uint64
	Event    string
	Field    string
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s event at %d-%s-%d: field %q: %s",
		e.Event, e.ChainID, e.TxHash, e.LogIndex, e.Field, e.Reason)
}

func malformed(env Envelope, field, reason string) *MalformedError {
	return &MalformedError{
		ChainID:  env.ChainID,
		TxHash:   env.TxHash,
		LogIndex: env.LogIndex,
		Event:    env.Event,
		Field:    field,
		Reason:   reason,
	}
}
