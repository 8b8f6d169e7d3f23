// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package depth maintains the per-price liquidity view derived from
// open orders. Levels are recomputed from the orders themselves rather
// than adjusted by deltas, so a redelivered event that changed no
// order leaves the level exactly as it was.
package depth

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/storage"
)

// book is the slice of the store the aggregator needs. Both stores and
// transactions satisfy it.
type book interface {
	storage.Reader
	storage.Writer
}

// Aggregator recomputes depth levels inside the same transaction that
// mutated the underlying orders.
type Aggregator struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Aggregator {
	return &Aggregator{log: log.With().Str("component", "depth").Logger()}
}

// Refresh recomputes the single (pool, side, price) level affected by
// an order mutation. The level is written even when it sums to zero;
// zero-quantity rows keep their last-updated time and are filtered on
// read.
func (a *Aggregator) Refresh(ctx context.Context, b book, poolID string, chainID uint64, side storage.Side, price *big.Int, at time.Time) error {
	orders, err := b.OpenOrdersAtPrice(ctx, poolID, chainID, side, price)
	if err != nil {
		return err
	}
	level := &storage.DepthLevel{
		PoolID:      poolID,
		ChainID:     chainID,
		Side:        side,
		Price:       new(big.Int).Set(price),
		Quantity:    new(big.Int),
		OrderCount:  len(orders),
		LastUpdated: at,
	}
	for _, o := range orders {
		level.Quantity.Add(level.Quantity, o.Remaining())
	}
	return b.PutDepthLevel(ctx, level)
}

// Rebuild recomputes every level of one pool from its open orders,
// zeroing levels whose price no longer has any. It is the repair path
// after a gap or a storage restore and is safe to run while live
// updates continue: both writers converge on the same order-derived
// values.
func (a *Aggregator) Rebuild(ctx context.Context, b book, poolID string, chainID uint64, at time.Time) error {
	orders, err := b.OpenOrders(ctx, poolID, chainID)
	if err != nil {
		return err
	}

	type key struct {
		side  storage.Side
		price string
	}
	levels := make(map[key]*storage.DepthLevel)
	for _, o := range orders {
		k := key{side: o.Side, price: o.Price.String()}
		l, ok := levels[k]
		if !ok {
			l = &storage.DepthLevel{
				PoolID:      poolID,
				ChainID:     chainID,
				Side:        o.Side,
				Price:       new(big.Int).Set(o.Price),
				Quantity:    new(big.Int),
				LastUpdated: at,
			}
			levels[k] = l
		}
		l.Quantity.Add(l.Quantity, o.Remaining())
		l.OrderCount++
	}

	for _, side := range []storage.Side{storage.SideBuy, storage.SideSell} {
		existing, err := b.DepthLevels(ctx, poolID, chainID, side, 0)
		if err != nil {
			return err
		}
		for _, l := range existing {
			k := key{side: l.Side, price: l.Price.String()}
			if _, ok := levels[k]; ok {
				continue
			}
			if l.Quantity.Sign() == 0 && l.OrderCount == 0 {
				continue
			}
			levels[k] = &storage.DepthLevel{
				PoolID:      poolID,
				ChainID:     chainID,
				Side:        l.Side,
				Price:       new(big.Int).Set(l.Price),
				Quantity:    new(big.Int),
				LastUpdated: at,
			}
		}
	}

	for _, l := range levels {
		if err := b.PutDepthLevel(ctx, l); err != nil {
			return err
		}
	}
	a.log.Debug().Str("pool", poolID).Int("levels", len(levels)).Msg("rebuilt depth")
	return nil
}

// Book is a point-in-time depth snapshot in wire form: price and
// quantity as decimal strings, bids descending, asks ascending,
// zero-quantity levels removed.
type Book struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// Snapshot reads the current book for one pool. limit bounds each side
// independently; limit <= 0 returns all levels.
func (a *Aggregator) Snapshot(ctx context.Context, r storage.Reader, poolID string, chainID uint64, limit int) (*Book, error) {
	book := &Book{Bids: [][2]string{}, Asks: [][2]string{}}

	bids, err := r.DepthLevels(ctx, poolID, chainID, storage.SideBuy, 0)
	if err != nil {
		return nil, err
	}
	asks, err := r.DepthLevels(ctx, poolID, chainID, storage.SideSell, 0)
	if err != nil {
		return nil, err
	}

	for _, l := range bids {
		if ts := l.LastUpdated.UnixMilli(); ts > book.LastUpdateID {
			book.LastUpdateID = ts
		}
		if l.Quantity.Sign() <= 0 || (limit > 0 && len(book.Bids) >= limit) {
			continue
		}
		book.Bids = append(book.Bids, [2]string{l.Price.String(), l.Quantity.String()})
	}
	for _, l := range asks {
		if ts := l.LastUpdated.UnixMilli(); ts > book.LastUpdateID {
			book.LastUpdateID = ts
		}
		if l.Quantity.Sign() <= 0 || (limit > 0 && len(book.Asks) >= limit) {
			continue
		}
		book.Asks = append(book.Asks, [2]string{l.Price.String(), l.Quantity.String()})
	}
	return book, nil
}
