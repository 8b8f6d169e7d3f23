// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"fmt"
	"math/big"
	"time"
)

// Side of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an order. FILLED and CANCELLED
// are terminal: once reached the row is immutable.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further mutation.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Open reports whether the order still contributes to depth.
func (s OrderStatus) Open() bool {
	return s == OrderStatusNew || s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// TransferStatus is the monotonic state of a cross-chain transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSent    TransferStatus = "SENT"
	TransferRelayed TransferStatus = "RELAYED"
)

// Rank orders transfer statuses for monotonic merges.
func (s TransferStatus) Rank() int {
	switch s {
	case TransferSent:
		return 1
	case TransferRelayed:
		return 2
	default:
		return 0
	}
}

// Direction of a cross-chain message.
type Direction string

const (
	DirectionDispatch Direction = "DISPATCH"
	DirectionProcess  Direction = "PROCESS"
)

// Pool is one indexed trading pair instance.
type Pool struct {
	ID            string    `json:"id"`
	ChainID       uint64    `json:"chainId"`
	Symbol        string    `json:"symbol"`
	OrderBook     string    `json:"orderBook"`
	BaseCurrency  string    `json:"baseCurrency"`
	QuoteCurrency string    `json:"quoteCurrency"`
	BaseDecimals  uint8     `json:"baseDecimals"`
	QuoteDecimals uint8     `json:"quoteDecimals"`
	LastPrice     *big.Int  `json:"lastPrice"`
	Volume        *big.Int  `json:"volume"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// PoolID derives the chain-scoped pool identity from the order-book
// contract address.
func PoolID(chainID uint64, orderBook string) string {
	return fmt.Sprintf("%d-%s", chainID, orderBook)
}

// Order is one indexed on-chain order.
type Order struct {
	ID       string      `json:"id"`
	ChainID  uint64      `json:"chainId"`
	PoolID   string      `json:"poolId"`
	OrderID  uint64      `json:"orderId"`
	Trader   string      `json:"trader"`
	Side     Side        `json:"side"`
	Price    *big.Int    `json:"price"`
	Quantity *big.Int    `json:"quantity"`
	Filled   *big.Int    `json:"filled"`
	Status   OrderStatus `json:"status"`
	Expiry   time.Time   `json:"expiry"`
	TxHash   string      `json:"txHash"`
	Block    uint64      `json:"block"`
}

// OrderKey derives the deterministic order identity. The pool id is
// already chain-scoped, so the pair is globally unique.
func OrderKey(poolID string, orderID uint64) string {
	return fmt.Sprintf("%s-%d", poolID, orderID)
}

// Remaining returns quantity minus filled.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.Quantity, o.Filled)
}

// DepthLevel is the derived per-price liquidity row. Levels that reach
// zero quantity are retained (not deleted) so LastUpdated stays
// auditable; reads filter them out.
type DepthLevel struct {
	PoolID      string    `json:"poolId"`
	ChainID     uint64    `json:"chainId"`
	Side        Side      `json:"side"`
	Price       *big.Int  `json:"price"`
	Quantity    *big.Int  `json:"quantity"`
	OrderCount  int       `json:"orderCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Trade is an immutable match record.
type Trade struct {
	ID        string    `json:"id"`
	ChainID   uint64    `json:"chainId"`
	PoolID    string    `json:"poolId"`
	Price     *big.Int  `json:"price"`
	Quantity  *big.Int  `json:"quantity"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
	SourceTx  string    `json:"sourceTx"`
	Block     uint64    `json:"block"`
}

// Balance is the per-user per-currency position on one chain. Both
// fields stay >= 0 after every valid mutation sequence.
type Balance struct {
	ChainID      uint64    `json:"chainId"`
	User         string    `json:"user"`
	Currency     string    `json:"currency"`
	Amount       *big.Int  `json:"amount"`
	LockedAmount *big.Int  `json:"lockedAmount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// LedgerEntry records one applied balance delta, keyed by the
// originating envelope. Re-inserting the same entry is a no-op, which
// is what makes balance mutations replay-safe.
type LedgerEntry struct {
	ID          string    `json:"id"`
	ChainID     uint64    `json:"chainId"`
	User        string    `json:"user"`
	Currency    string    `json:"currency"`
	AmountDelta *big.Int  `json:"amountDelta"`
	LockedDelta *big.Int  `json:"lockedDelta"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CrossChainTransfer is the correlated record of one logical transfer
// spanning two chains. It is keyed by the source transaction, so both
// the deposit event and the DISPATCH message (which share that tx) can
// upsert it in either order.
type CrossChainTransfer struct {
	ID                 string         `json:"id"`
	SourceChainID      uint64         `json:"sourceChainId"`
	DestinationChainID uint64         `json:"destinationChainId"`
	Sender             string         `json:"sender"`
	Recipient          string         `json:"recipient"`
	Token              string         `json:"token"`
	Amount             *big.Int       `json:"amount"`
	MessageID          string         `json:"messageId,omitempty"`
	Status             TransferStatus `json:"status"`
	SourceTxHash       string         `json:"sourceTxHash"`
	SourceBlock        uint64         `json:"sourceBlock"`
	SourceTimestamp    time.Time      `json:"sourceTimestamp"`
	DestTxHash         string         `json:"destTxHash,omitempty"`
	DestBlock          uint64         `json:"destBlock,omitempty"`
	DestTimestamp      time.Time      `json:"destTimestamp,omitempty"`
}

// TransferID derives the source-tx-keyed transfer identity.
func TransferID(sourceChainID uint64, txHash string) string {
	return fmt.Sprintf("%d-%s", sourceChainID, txHash)
}

// Message is immutable evidence of one half of a cross-chain message
// lifecycle, used only for correlation lookups.
type Message struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	Direction Direction `json:"direction"`
	ChainID   uint64    `json:"chainId"`
	TxHash    string    `json:"txHash"`
	Block     uint64    `json:"block"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageKey derives the (messageId, direction) identity.
func MessageKey(messageID string, dir Direction) string {
	return messageID + "-" + string(dir)
}

// RateLimitRecord backs the sliding-window limiter. The window and the
// cooldown are independent gates.
type RateLimitRecord struct {
	Identifier      string    `json:"identifier"`
	IdentifierType  string    `json:"identifierType"`
	RequestCount    int64     `json:"requestCount"`
	WindowStart     time.Time `json:"windowStart"`
	LastRequestTime time.Time `json:"lastRequestTime"`
	CooldownUntil   time.Time `json:"cooldownUntil"`
}
