// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import "math/big"

// Merge reducers. Every upsert in every backend routes through these,
// so conflict resolution lives in one tested place instead of being
// re-expressed per SQL dialect. Each reducer is pure: it never mutates
// its inputs and returns a fresh row.

// MergePool folds an incoming pool row into an existing one. Identity
// and listing metadata come from creation and never change afterwards;
// last price and cumulative volume advance monotonically with updates.
func MergePool(existing, incoming *Pool) *Pool {
	if existing == nil {
		return clonePool(incoming)
	}
	out := clonePool(existing)
	if incoming.LastPrice != nil {
		out.LastPrice = new(big.Int).Set(incoming.LastPrice)
	}
	if incoming.Volume != nil && incoming.Volume.Sign() > 0 {
		if out.Volume == nil {
			out.Volume = new(big.Int)
		}
		out.Volume = new(big.Int).Add(out.Volume, incoming.Volume)
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

// MergeOrder folds an incoming order row into an existing one. Terminal
// rows are immutable; fills only ever grow and are capped at the order
// quantity; a redelivered placement never resets the filled amount or
// reopens a cancelled order.
func MergeOrder(existing, incoming *Order) *Order {
	var out *Order
	switch {
	case existing == nil:
		out = cloneOrder(incoming)
	case existing.Status.Terminal():
		return cloneOrder(existing)
	default:
		out = cloneOrder(existing)
		if incoming.Filled != nil && incoming.Filled.Cmp(out.Filled) > 0 {
			out.Filled = new(big.Int).Set(incoming.Filled)
		}
		if orderStatusRank(incoming.Status) > orderStatusRank(out.Status) {
			out.Status = incoming.Status
		}
	}
	if out.Filled != nil && out.Quantity != nil && out.Filled.Cmp(out.Quantity) > 0 {
		out.Filled = new(big.Int).Set(out.Quantity)
	}
	if out.Status.Open() && out.Filled != nil && out.Filled.Cmp(out.Quantity) >= 0 {
		out.Status = OrderStatusFilled
	}
	return out
}

func orderStatusRank(s OrderStatus) int {
	switch s {
	case OrderStatusOpen:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusFilled, OrderStatusCancelled:
		return 3
	default:
		return 0
	}
}

// MergeBalance applies a ledger delta to an existing balance. The
// caller has already established that the delta's ledger entry is new;
// this just does the arithmetic. Either resulting field going negative
// is an error surfaced by the store.
func MergeBalance(existing *Balance, entry *LedgerEntry) *Balance {
	out := &Balance{
		ChainID:      entry.ChainID,
		User:         entry.User,
		Currency:     entry.Currency,
		Amount:       new(big.Int),
		LockedAmount: new(big.Int),
		UpdatedAt:    entry.CreatedAt,
	}
	if existing != nil {
		out.Amount.Set(existing.Amount)
		out.LockedAmount.Set(existing.LockedAmount)
		if existing.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = existing.UpdatedAt
		}
	}
	if entry.AmountDelta != nil {
		out.Amount.Add(out.Amount, entry.AmountDelta)
	}
	if entry.LockedDelta != nil {
		out.LockedAmount.Add(out.LockedAmount, entry.LockedDelta)
	}
	return out
}

// MergeTransfer folds an incoming transfer row into an existing one.
// Each correlation source owns disjoint fields: the deposit event owns
// sender/recipient/token/amount and the source coordinates, DISPATCH
// owns the message id, PROCESS owns the destination coordinates.
// Status only moves forward, so arrival order cannot matter.
func MergeTransfer(existing, incoming *CrossChainTransfer) *CrossChainTransfer {
	if existing == nil {
		return cloneTransfer(incoming)
	}
	out := cloneTransfer(existing)
	if out.Sender == "" {
		out.Sender = incoming.Sender
	}
	if out.Recipient == "" {
		out.Recipient = incoming.Recipient
	}
	if out.Token == "" {
		out.Token = incoming.Token
	}
	if out.Amount == nil && incoming.Amount != nil {
		out.Amount = new(big.Int).Set(incoming.Amount)
	}
	if out.DestinationChainID == 0 {
		out.DestinationChainID = incoming.DestinationChainID
	}
	if out.MessageID == "" {
		out.MessageID = incoming.MessageID
	}
	if out.SourceBlock == 0 {
		out.SourceBlock = incoming.SourceBlock
		out.SourceTimestamp = incoming.SourceTimestamp
	}
	if out.DestTxHash == "" && incoming.DestTxHash != "" {
		out.DestTxHash = incoming.DestTxHash
		out.DestBlock = incoming.DestBlock
		out.DestTimestamp = incoming.DestTimestamp
	}
	if incoming.Status.Rank() > out.Status.Rank() {
		out.Status = incoming.Status
	}
	return out
}

func clonePool(p *Pool) *Pool {
	out := *p
	if p.LastPrice != nil {
		out.LastPrice = new(big.Int).Set(p.LastPrice)
	}
	if p.Volume != nil {
		out.Volume = new(big.Int).Set(p.Volume)
	}
	return &out
}

func cloneOrder(o *Order) *Order {
	out := *o
	if o.Price != nil {
		out.Price = new(big.Int).Set(o.Price)
	}
	if o.Quantity != nil {
		out.Quantity = new(big.Int).Set(o.Quantity)
	}
	if o.Filled != nil {
		out.Filled = new(big.Int).Set(o.Filled)
	}
	return &out
}

func cloneTransfer(t *CrossChainTransfer) *CrossChainTransfer {
	out := *t
	if t.Amount != nil {
		out.Amount = new(big.Int).Set(t.Amount)
	}
	return &out
}
