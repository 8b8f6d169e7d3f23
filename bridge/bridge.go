// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package bridge correlates the up-to-three independently arriving
// pieces of evidence for one cross-chain transfer: the deposit on the
// source chain, the DISPATCH of the bridge message and the PROCESS on
// the destination chain. Evidence may arrive in any order; every
// permutation converges to the same transfer row.
package bridge

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/storage"
)

// Evidence is one observed fragment of a transfer. Each variant owns a
// disjoint set of transfer fields; the reducer never lets one variant
// overwrite another's fields.
type Evidence interface {
	evidence()
}

// Deposit is the source-chain escrow event. It owns the participants,
// the token, the amount and the source coordinates.
type Deposit struct {
	SourceChainID      uint64
	DestinationChainID uint64
	Sender             string
	Recipient          string
	Token              string
	Amount             *big.Int
	TxHash             string
	Block              uint64
	Timestamp          time.Time
}

func (Deposit) evidence() {}

// Dispatch is the bridge message leaving the source chain. It shares a
// transaction with the deposit and owns the message id; observing it
// advances the transfer to at least SENT.
type Dispatch struct {
	SourceChainID      uint64
	DestinationChainID uint64
	MessageID          string
	TxHash             string
	Block              uint64
	Timestamp          time.Time
}

func (Dispatch) evidence() {}

// Process is the message landing on the destination chain. It owns the
// destination coordinates and advances the transfer to RELAYED.
type Process struct {
	DestinationChainID uint64
	MessageID          string
	TxHash             string
	Block              uint64
	Timestamp          time.Time
}

func (Process) evidence() {}

// Reduce folds one piece of evidence into an optional existing
// transfer row. It is pure: callers persist the result. Folding the
// same evidence twice returns an identical row, which is what makes
// redelivery and the duplicate-PROCESS case no-ops.
func Reduce(existing *storage.CrossChainTransfer, ev Evidence) *storage.CrossChainTransfer {
	var incoming *storage.CrossChainTransfer
	switch ev := ev.(type) {
	case Deposit:
		incoming = &storage.CrossChainTransfer{
			ID:                 storage.TransferID(ev.SourceChainID, ev.TxHash),
			SourceChainID:      ev.SourceChainID,
			DestinationChainID: ev.DestinationChainID,
			Sender:             ev.Sender,
			Recipient:          ev.Recipient,
			Token:              ev.Token,
			Amount:             ev.Amount,
			Status:             storage.TransferPending,
			SourceTxHash:       ev.TxHash,
			SourceBlock:        ev.Block,
			SourceTimestamp:    ev.Timestamp,
		}
	case Dispatch:
		incoming = &storage.CrossChainTransfer{
			ID:                 storage.TransferID(ev.SourceChainID, ev.TxHash),
			SourceChainID:      ev.SourceChainID,
			DestinationChainID: ev.DestinationChainID,
			MessageID:          ev.MessageID,
			Status:             storage.TransferSent,
			SourceTxHash:       ev.TxHash,
			SourceBlock:        ev.Block,
			SourceTimestamp:    ev.Timestamp,
		}
	case Process:
		// The transfer id comes from the correlated DISPATCH; the
		// caller resolves it before reducing.
		incoming = &storage.CrossChainTransfer{
			MessageID:     ev.MessageID,
			Status:        storage.TransferRelayed,
			DestTxHash:    ev.TxHash,
			DestBlock:     ev.Block,
			DestTimestamp: ev.Timestamp,
		}
		if existing != nil {
			incoming.ID = existing.ID
			incoming.SourceChainID = existing.SourceChainID
			incoming.SourceTxHash = existing.SourceTxHash
		}
	}
	return storage.MergeTransfer(existing, incoming)
}

// Correlator applies evidence inside the event's transaction.
type Correlator struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Correlator {
	return &Correlator{log: log.With().Str("component", "bridge").Logger()}
}

// Apply persists one piece of evidence and returns the transfer row it
// produced or advanced. A PROCESS whose DISPATCH has not been seen yet
// stores only its message record and returns nil; the transfer catches
// up when the DISPATCH arrives. That outcome is normal, not an error.
func (c *Correlator) Apply(ctx context.Context, tx storage.Tx, ev Evidence) (*storage.CrossChainTransfer, error) {
	switch ev := ev.(type) {
	case Deposit:
		return c.upsert(ctx, tx, storage.TransferID(ev.SourceChainID, ev.TxHash), ev)

	case Dispatch:
		if _, err := tx.InsertMessage(ctx, &storage.Message{
			ID:        storage.MessageKey(ev.MessageID, storage.DirectionDispatch),
			MessageID: ev.MessageID,
			Direction: storage.DirectionDispatch,
			ChainID:   ev.SourceChainID,
			TxHash:    ev.TxHash,
			Block:     ev.Block,
			Timestamp: ev.Timestamp,
		}); err != nil {
			return nil, err
		}
		transfer, err := c.upsert(ctx, tx, storage.TransferID(ev.SourceChainID, ev.TxHash), ev)
		if err != nil {
			return nil, err
		}
		// A PROCESS that arrived first is waiting as a message record.
		processed, err := tx.GetMessage(ctx, ev.MessageID, storage.DirectionProcess)
		if errors.Is(err, storage.ErrNotFound) {
			return transfer, nil
		}
		if err != nil {
			return nil, err
		}
		return c.upsert(ctx, tx, transfer.ID, Process{
			DestinationChainID: processed.ChainID,
			MessageID:          processed.MessageID,
			TxHash:             processed.TxHash,
			Block:              processed.Block,
			Timestamp:          processed.Timestamp,
		})

	case Process:
		if _, err := tx.InsertMessage(ctx, &storage.Message{
			ID:        storage.MessageKey(ev.MessageID, storage.DirectionProcess),
			MessageID: ev.MessageID,
			Direction: storage.DirectionProcess,
			ChainID:   ev.DestinationChainID,
			TxHash:    ev.TxHash,
			Block:     ev.Block,
			Timestamp: ev.Timestamp,
		}); err != nil {
			return nil, err
		}
		dispatched, err := tx.GetMessage(ctx, ev.MessageID, storage.DirectionDispatch)
		if errors.Is(err, storage.ErrNotFound) {
			c.log.Debug().Str("messageId", ev.MessageID).Msg("process before dispatch, holding")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return c.upsert(ctx, tx, storage.TransferID(dispatched.ChainID, dispatched.TxHash), ev)
	}
	return nil, nil
}

func (c *Correlator) upsert(ctx context.Context, tx storage.Tx, id string, ev Evidence) (*storage.CrossChainTransfer, error) {
	existing, err := tx.GetTransfer(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	merged := Reduce(existing, ev)
	merged.ID = id
	if err := tx.UpsertTransfer(ctx, merged); err != nil {
		return nil, err
	}
	return tx.GetTransfer(ctx, id)
}
