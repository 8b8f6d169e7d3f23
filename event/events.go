// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package event

import (
	"math/big"
	"time"

	"github.com/luxfi/dexindexer/storage"
)

// Event is one decoded chain event. The concrete type carries the
// parsed args; Name returns the on-chain event name the handler
// registry dispatches on.
type Event interface {
	Name() string
}

// PoolCreated announces a new trading pair. The order-book contract
// address is the envelope's Contract field.
type PoolCreated struct {
	Symbol        string
	BaseCurrency  string
	QuoteCurrency string
	BaseDecimals  uint8
	QuoteDecimals uint8
}

func (PoolCreated) Name() string { return "PoolCreated" }

// OrderPlaced is a new resting order on the book.
type OrderPlaced struct {
	OrderID  uint64
	Trader   string
	Side     storage.Side
	Price    *big.Int
	Quantity *big.Int
	Expiry   time.Time
}

func (OrderPlaced) Name() string { return "OrderPlaced" }

// OrderMatched reports a fill against one resting maker order.
type OrderMatched struct {
	OrderID   uint64
	Price     *big.Int
	Quantity  *big.Int
	TakerSide storage.Side
}

func (OrderMatched) Name() string { return "OrderMatched" }

// OrderCancelled removes an order's remaining quantity from the book.
type OrderCancelled struct {
	OrderID uint64
}

func (OrderCancelled) Name() string { return "OrderCancelled" }

// Deposited credits a user's available balance in the vault.
type Deposited struct {
	User     string
	Currency string
	Amount   *big.Int
}

func (Deposited) Name() string { return "Deposited" }

// Withdrawn debits a user's available balance. A non-zero
// DestinationChainID marks a cross-chain withdrawal: the same
// transaction also emits the bridge dispatch, and this event is the
// deposit leg of the resulting transfer.
type Withdrawn struct {
	User               string
	Currency           string
	Amount             *big.Int
	DestinationChainID uint64
	Recipient          string
}

func (Withdrawn) Name() string { return "Withdrawn" }

// BalanceLocked escrows available funds for an open order.
type BalanceLocked struct {
	User     string
	Currency string
	Amount   *big.Int
}

func (BalanceLocked) Name() string { return "BalanceLocked" }

// BalanceUnlocked releases escrowed funds back to available.
type BalanceUnlocked struct {
	User     string
	Currency string
	Amount   *big.Int
}

func (BalanceUnlocked) Name() string { return "BalanceUnlocked" }

// MessageDispatched is the source-chain half of a cross-chain message.
type MessageDispatched struct {
	MessageID          string
	DestinationChainID uint64
}

func (MessageDispatched) Name() string { return "MessageDispatched" }

// MessageProcessed is the destination-chain half of a cross-chain
// message.
type MessageProcessed struct {
	MessageID     string
	OriginChainID uint64
}

func (MessageProcessed) Name() string { return "MessageProcessed" }
