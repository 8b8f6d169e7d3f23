// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/bridge"
	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/event"
	"github.com/luxfi/dexindexer/storage"
)

// Contract roles the registry dispatches on.
const (
	RoleOrderBook = "orderbook"
	RoleVault     = "vault"
	RoleBridge    = "bridge"
)

// User stream names.
const (
	StreamOrders     = "orders"
	StreamTrades     = "trades"
	StreamBalance    = "balance"
	StreamExecReport = "executionReport"
)

// Ledger reasons.
const (
	reasonDeposit  = "DEPOSIT"
	reasonWithdraw = "WITHDRAW"
	reasonLock     = "LOCK"
	reasonUnlock   = "UNLOCK"
)

// metadataCache is the slice of the pool metadata cache the handlers
// need. It is best-effort; a nil cache disables invalidation.
type metadataCache interface {
	Invalidate(key string)
}

// TradePush is the market and user trade frame.
type TradePush struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	Side      string `json:"S"`
	TxHash    string `json:"t"`
}

// DepthPush carries the changed levels of one side of a book.
type DepthPush struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// OrderPush is the user-scoped order state frame.
type OrderPush struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	OrderID   uint64 `json:"i"`
	Side      string `json:"S"`
	Status    string `json:"X"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	Filled    string `json:"z"`
}

// BalancePush is the user-scoped balance frame.
type BalancePush struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Currency  string `json:"a"`
	Available string `json:"f"`
	Locked    string `json:"l"`
}

// Handlers owns the entity mutations for every tracked event, wiring
// the depth aggregator and the bridge correlator into the event's
// transaction.
type Handlers struct {
	depth  *depth.Aggregator
	bridge *bridge.Correlator
	meta   metadataCache
	log    zerolog.Logger
}

func NewHandlers(d *depth.Aggregator, b *bridge.Correlator, meta metadataCache, log zerolog.Logger) *Handlers {
	return &Handlers{
		depth:  d,
		bridge: b,
		meta:   meta,
		log:    log.With().Str("component", "handlers").Logger(),
	}
}

// Register installs every handler into the registry.
func (h *Handlers) Register(r *Registry) {
	r.Register(RoleOrderBook, "PoolCreated", h.handlePoolCreated)
	r.Register(RoleOrderBook, "OrderPlaced", h.handleOrderPlaced)
	r.Register(RoleOrderBook, "OrderMatched", h.handleOrderMatched)
	r.Register(RoleOrderBook, "OrderCancelled", h.handleOrderCancelled)
	r.Register(RoleVault, "Deposited", h.handleDeposited)
	r.Register(RoleVault, "Withdrawn", h.handleWithdrawn)
	r.Register(RoleVault, "BalanceLocked", h.handleBalanceLocked)
	r.Register(RoleVault, "BalanceUnlocked", h.handleBalanceUnlocked)
	r.Register(RoleBridge, "MessageDispatched", h.handleMessageDispatched)
	r.Register(RoleBridge, "MessageProcessed", h.handleMessageProcessed)
}

func (h *Handlers) handlePoolCreated(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	created := ev.(event.PoolCreated)
	pool := &storage.Pool{
		ID:            storage.PoolID(env.ChainID, env.Contract),
		ChainID:       env.ChainID,
		Symbol:        created.Symbol,
		OrderBook:     env.Contract,
		BaseCurrency:  created.BaseCurrency,
		QuoteCurrency: created.QuoteCurrency,
		BaseDecimals:  created.BaseDecimals,
		QuoteDecimals: created.QuoteDecimals,
		Volume:        new(big.Int),
		CreatedAt:     env.BlockTimestamp,
		UpdatedAt:     env.BlockTimestamp,
	}
	if err := tx.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	h.invalidatePool(pool)
	return nil, nil
}

func (h *Handlers) handleOrderPlaced(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	placed := ev.(event.OrderPlaced)
	pool, err := h.pool(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	order := &storage.Order{
		ID:       storage.OrderKey(pool.ID, placed.OrderID),
		ChainID:  env.ChainID,
		PoolID:   pool.ID,
		OrderID:  placed.OrderID,
		Trader:   placed.Trader,
		Side:     placed.Side,
		Price:    placed.Price,
		Quantity: placed.Quantity,
		Filled:   new(big.Int),
		Status:   storage.OrderStatusOpen,
		Expiry:   placed.Expiry,
		TxHash:   env.TxHash,
		Block:    env.BlockNumber,
	}
	if err := tx.UpsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := h.depth.Refresh(ctx, tx, pool.ID, env.ChainID, order.Side, order.Price, env.BlockTimestamp); err != nil {
		return nil, err
	}

	order, err = tx.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	depthPush, err := h.depthPush(ctx, tx, env, pool, order.Side, order.Price)
	if err != nil {
		return nil, err
	}
	return []Push{
		{Stream: marketStream(pool.Symbol, "depth"), Data: depthPush},
		{User: order.Trader, Stream: StreamOrders, Data: orderPush(env, pool, order)},
	}, nil
}

func (h *Handlers) handleOrderMatched(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	matched := ev.(event.OrderMatched)
	pool, err := h.pool(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	order, err := tx.GetOrder(ctx, storage.OrderKey(pool.ID, matched.OrderID))
	if err != nil {
		return nil, fmt.Errorf("matched order %d: %w", matched.OrderID, err)
	}

	// The trade's deterministic id is what makes replays no-ops: if it
	// was already recorded, the fill was already applied.
	inserted, err := tx.InsertTrade(ctx, &storage.Trade{
		ID:        env.Key(),
		ChainID:   env.ChainID,
		PoolID:    pool.ID,
		Price:     matched.Price,
		Quantity:  matched.Quantity,
		Side:      matched.TakerSide,
		Timestamp: env.BlockTimestamp,
		SourceTx:  env.TxHash,
		Block:     env.BlockNumber,
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	update := *order
	update.Filled = new(big.Int).Add(order.Filled, matched.Quantity)
	update.Status = storage.OrderStatusPartiallyFilled
	if err := tx.UpsertOrder(ctx, &update); err != nil {
		return nil, err
	}
	if err := tx.UpsertPool(ctx, &storage.Pool{
		ID:        pool.ID,
		ChainID:   pool.ChainID,
		LastPrice: matched.Price,
		Volume:    matched.Quantity,
		UpdatedAt: env.BlockTimestamp,
	}); err != nil {
		return nil, err
	}
	h.invalidatePool(pool)
	if err := h.depth.Refresh(ctx, tx, pool.ID, env.ChainID, order.Side, order.Price, env.BlockTimestamp); err != nil {
		return nil, err
	}

	final, err := tx.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	depthPush, err := h.depthPush(ctx, tx, env, pool, order.Side, order.Price)
	if err != nil {
		return nil, err
	}
	trade := TradePush{
		EventType: "trade",
		EventTime: env.BlockTimestamp.UnixMilli(),
		Symbol:    pool.Symbol,
		Price:     matched.Price.String(),
		Quantity:  matched.Quantity.String(),
		Side:      string(matched.TakerSide),
		TxHash:    env.TxHash,
	}
	return []Push{
		{Stream: marketStream(pool.Symbol, "trade"), Data: trade},
		{Stream: marketStream(pool.Symbol, "depth"), Data: depthPush},
		{User: order.Trader, Stream: StreamExecReport, Data: orderPush(env, pool, final)},
		{User: order.Trader, Stream: StreamTrades, Data: trade},
	}, nil
}

func (h *Handlers) handleOrderCancelled(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	cancelled := ev.(event.OrderCancelled)
	pool, err := h.pool(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	order, err := tx.GetOrder(ctx, storage.OrderKey(pool.ID, cancelled.OrderID))
	if err != nil {
		return nil, fmt.Errorf("cancelled order %d: %w", cancelled.OrderID, err)
	}
	if order.Status.Terminal() {
		return nil, nil
	}

	update := *order
	update.Status = storage.OrderStatusCancelled
	if err := tx.UpsertOrder(ctx, &update); err != nil {
		return nil, err
	}
	if err := h.depth.Refresh(ctx, tx, pool.ID, env.ChainID, order.Side, order.Price, env.BlockTimestamp); err != nil {
		return nil, err
	}

	final, err := tx.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	depthPush, err := h.depthPush(ctx, tx, env, pool, order.Side, order.Price)
	if err != nil {
		return nil, err
	}
	return []Push{
		{Stream: marketStream(pool.Symbol, "depth"), Data: depthPush},
		{User: order.Trader, Stream: StreamOrders, Data: orderPush(env, pool, final)},
	}, nil
}

func (h *Handlers) handleDeposited(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	dep := ev.(event.Deposited)
	return h.applyLedger(ctx, tx, env, dep.User, dep.Currency,
		dep.Amount, new(big.Int), reasonDeposit)
}

func (h *Handlers) handleWithdrawn(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	wd := ev.(event.Withdrawn)
	pushes, err := h.applyLedger(ctx, tx, env, wd.User, wd.Currency,
		new(big.Int).Neg(wd.Amount), new(big.Int), reasonWithdraw)
	if err != nil {
		return nil, err
	}
	if wd.DestinationChainID == 0 {
		return pushes, nil
	}

	// A cross-chain withdrawal is the source leg of a transfer. The
	// bridge dispatch shares this transaction hash.
	recipient := wd.Recipient
	if recipient == "" {
		recipient = wd.User
	}
	if _, err := h.bridge.Apply(ctx, tx, bridge.Deposit{
		SourceChainID:      env.ChainID,
		DestinationChainID: wd.DestinationChainID,
		Sender:             wd.User,
		Recipient:          recipient,
		Token:              wd.Currency,
		Amount:             wd.Amount,
		TxHash:             env.TxHash,
		Block:              env.BlockNumber,
		Timestamp:          env.BlockTimestamp,
	}); err != nil {
		return nil, err
	}
	return pushes, nil
}

func (h *Handlers) handleBalanceLocked(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	locked := ev.(event.BalanceLocked)
	return h.applyLedger(ctx, tx, env, locked.User, locked.Currency,
		new(big.Int).Neg(locked.Amount), locked.Amount, reasonLock)
}

func (h *Handlers) handleBalanceUnlocked(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	unlocked := ev.(event.BalanceUnlocked)
	return h.applyLedger(ctx, tx, env, unlocked.User, unlocked.Currency,
		unlocked.Amount, new(big.Int).Neg(unlocked.Amount), reasonUnlock)
}

func (h *Handlers) handleMessageDispatched(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	dispatched := ev.(event.MessageDispatched)
	_, err := h.bridge.Apply(ctx, tx, bridge.Dispatch{
		SourceChainID:      env.ChainID,
		DestinationChainID: dispatched.DestinationChainID,
		MessageID:          dispatched.MessageID,
		TxHash:             env.TxHash,
		Block:              env.BlockNumber,
		Timestamp:          env.BlockTimestamp,
	})
	return nil, err
}

func (h *Handlers) handleMessageProcessed(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error) {
	processed := ev.(event.MessageProcessed)
	_, err := h.bridge.Apply(ctx, tx, bridge.Process{
		DestinationChainID: env.ChainID,
		MessageID:          processed.MessageID,
		TxHash:             env.TxHash,
		Block:              env.BlockNumber,
		Timestamp:          env.BlockTimestamp,
	})
	return nil, err
}

// applyLedger records one balance delta idempotently. The ledger entry
// is keyed by the envelope, so a redelivered event finds its entry
// already present and changes nothing. A delta that would drive either
// balance field negative aborts the event.
func (h *Handlers) applyLedger(ctx context.Context, tx storage.Tx, env event.Envelope, user, currency string, amountDelta, lockedDelta *big.Int, reason string) ([]Push, error) {
	entry := &storage.LedgerEntry{
		ID:          env.Key(),
		ChainID:     env.ChainID,
		User:        user,
		Currency:    currency,
		AmountDelta: amountDelta,
		LockedDelta: lockedDelta,
		Reason:      reason,
		CreatedAt:   env.BlockTimestamp,
	}
	inserted, err := tx.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	existing, err := tx.GetBalance(ctx, env.ChainID, user, currency)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	merged := storage.MergeBalance(existing, entry)
	if merged.Amount.Sign() < 0 || merged.LockedAmount.Sign() < 0 {
		return nil, fmt.Errorf("%s %s for %s at %s would go negative (available %s, locked %s)",
			reason, currency, user, env.Key(), merged.Amount, merged.LockedAmount)
	}
	if err := tx.UpsertBalance(ctx, merged); err != nil {
		return nil, err
	}

	return []Push{{
		User:   user,
		Stream: StreamBalance,
		Data: BalancePush{
			EventType: "balanceUpdate",
			EventTime: env.BlockTimestamp.UnixMilli(),
			Currency:  currency,
			Available: merged.Amount.String(),
			Locked:    merged.LockedAmount.String(),
		},
	}}, nil
}

func (h *Handlers) pool(ctx context.Context, tx storage.Tx, env event.Envelope) (*storage.Pool, error) {
	pool, err := tx.GetPool(ctx, storage.PoolID(env.ChainID, env.Contract))
	if err != nil {
		return nil, fmt.Errorf("pool for %s: %w", env.Contract, err)
	}
	return pool, nil
}

func (h *Handlers) depthPush(ctx context.Context, tx storage.Tx, env event.Envelope, pool *storage.Pool, side storage.Side, price *big.Int) (DepthPush, error) {
	push := DepthPush{
		EventType: "depthUpdate",
		EventTime: env.BlockTimestamp.UnixMilli(),
		Symbol:    pool.Symbol,
		Bids:      [][2]string{},
		Asks:      [][2]string{},
	}
	level, err := tx.GetDepthLevel(ctx, pool.ID, env.ChainID, side, price)
	if err != nil {
		return push, err
	}
	entry := [2]string{level.Price.String(), level.Quantity.String()}
	if side == storage.SideBuy {
		push.Bids = append(push.Bids, entry)
	} else {
		push.Asks = append(push.Asks, entry)
	}
	return push, nil
}

// invalidatePool drops both keys a symbol lookup can populate: the
// chain-scoped one and the any-chain alias.
func (h *Handlers) invalidatePool(pool *storage.Pool) {
	if h.meta == nil {
		return
	}
	h.meta.Invalidate(cache.PoolKey(pool.ChainID, pool.Symbol))
	h.meta.Invalidate(cache.PoolKey(0, pool.Symbol))
}

func orderPush(env event.Envelope, pool *storage.Pool, o *storage.Order) OrderPush {
	return OrderPush{
		EventType: "executionReport",
		EventTime: env.BlockTimestamp.UnixMilli(),
		Symbol:    pool.Symbol,
		OrderID:   o.OrderID,
		Side:      string(o.Side),
		Status:    string(o.Status),
		Price:     o.Price.String(),
		Quantity:  o.Quantity.String(),
		Filled:    o.Filled.String(),
	}
}

func marketStream(symbol, suffix string) string {
	return strings.ToLower(symbol) + "@" + suffix
}
