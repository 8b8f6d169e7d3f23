// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package depth

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/storage"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func placeOrder(t *testing.T, ctx context.Context, m *storage.Memory, a *Aggregator, o *storage.Order, at time.Time) {
	t.Helper()
	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.UpsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := a.Refresh(ctx, tx, o.PoolID, o.ChainID, o.Side, o.Price, at); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestAggregatorScenario(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	a := New(zerolog.Nop())
	poolID := storage.PoolID(1, "0xbook")
	now := time.Unix(1700000000, 0)

	buy := &storage.Order{
		ID: storage.OrderKey(poolID, 1), ChainID: 1, PoolID: poolID,
		OrderID: 1, Side: storage.SideBuy, Price: bi(10),
		Quantity: bi(100), Filled: bi(0), Status: storage.OrderStatusOpen,
	}
	sell := &storage.Order{
		ID: storage.OrderKey(poolID, 2), ChainID: 1, PoolID: poolID,
		OrderID: 2, Side: storage.SideSell, Price: bi(11),
		Quantity: bi(50), Filled: bi(0), Status: storage.OrderStatusOpen,
	}
	placeOrder(t, ctx, m, a, buy, now)
	placeOrder(t, ctx, m, a, sell, now)

	book, err := a.Snapshot(ctx, m, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 1 || book.Bids[0] != [2]string{"10", "100"} {
		t.Fatalf("bids = %v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0] != [2]string{"11", "50"} {
		t.Fatalf("asks = %v", book.Asks)
	}

	// A partial fill of 30 shrinks the bid level to 70.
	filled := *buy
	filled.Filled = bi(30)
	filled.Status = storage.OrderStatusPartiallyFilled
	placeOrder(t, ctx, m, a, &filled, now.Add(time.Second))

	book, err = a.Snapshot(ctx, m, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if book.Bids[0] != [2]string{"10", "70"} {
		t.Fatalf("bids = %v", book.Bids)
	}
}

func TestRefreshZeroLevelRetained(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	a := New(zerolog.Nop())
	poolID := storage.PoolID(1, "0xbook")
	now := time.Unix(1700000000, 0)

	o := &storage.Order{
		ID: storage.OrderKey(poolID, 1), ChainID: 1, PoolID: poolID,
		OrderID: 1, Side: storage.SideBuy, Price: bi(10),
		Quantity: bi(100), Filled: bi(0), Status: storage.OrderStatusOpen,
	}
	placeOrder(t, ctx, m, a, o, now)

	cancelled := *o
	cancelled.Status = storage.OrderStatusCancelled
	placeOrder(t, ctx, m, a, &cancelled, now.Add(time.Second))

	// The row survives with zero quantity.
	lvl, err := m.GetDepthLevel(ctx, poolID, 1, storage.SideBuy, bi(10))
	if err != nil {
		t.Fatal(err)
	}
	if lvl.Quantity.Sign() != 0 || lvl.OrderCount != 0 {
		t.Fatalf("level = %+v", lvl)
	}

	// But snapshots drop it.
	book, err := a.Snapshot(ctx, m, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 0 {
		t.Fatalf("bids = %v", book.Bids)
	}
}

func TestRebuildRepairsDivergedLevels(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	a := New(zerolog.Nop())
	poolID := storage.PoolID(1, "0xbook")
	now := time.Unix(1700000000, 0)

	tx, _ := m.Begin(ctx)
	for i, price := range []int64{10, 10, 9} {
		o := &storage.Order{
			ID: storage.OrderKey(poolID, uint64(i+1)), ChainID: 1,
			PoolID: poolID, OrderID: uint64(i + 1), Side: storage.SideBuy,
			Price: bi(price), Quantity: bi(100), Filled: bi(0),
			Status: storage.OrderStatusOpen,
		}
		if err := tx.UpsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	// A stale level at a price with no orders, and a wrong quantity at 10.
	tx.PutDepthLevel(ctx, &storage.DepthLevel{
		PoolID: poolID, ChainID: 1, Side: storage.SideBuy,
		Price: bi(12), Quantity: bi(999), OrderCount: 3, LastUpdated: now,
	})
	tx.PutDepthLevel(ctx, &storage.DepthLevel{
		PoolID: poolID, ChainID: 1, Side: storage.SideBuy,
		Price: bi(10), Quantity: bi(1), OrderCount: 1, LastUpdated: now,
	})
	tx.Commit()

	tx, _ = m.Begin(ctx)
	if err := a.Rebuild(ctx, tx, poolID, 1, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	book, err := a.Snapshot(ctx, m, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]string{{"10", "200"}, {"9", "100"}}
	if len(book.Bids) != 2 || book.Bids[0] != want[0] || book.Bids[1] != want[1] {
		t.Fatalf("bids = %v, want %v", book.Bids, want)
	}
}

func TestSnapshotLimit(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	a := New(zerolog.Nop())
	poolID := storage.PoolID(1, "0xbook")
	now := time.Unix(1700000000, 0)

	for i := int64(1); i <= 5; i++ {
		o := &storage.Order{
			ID: storage.OrderKey(poolID, uint64(i)), ChainID: 1,
			PoolID: poolID, OrderID: uint64(i), Side: storage.SideSell,
			Price: bi(10 + i), Quantity: bi(10), Filled: bi(0),
			Status: storage.OrderStatusOpen,
		}
		placeOrder(t, ctx, m, a, o, now)
	}

	book, err := a.Snapshot(ctx, m, poolID, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Asks) != 3 {
		t.Fatalf("asks = %v", book.Asks)
	}
	if book.Asks[0][0] != "11" || book.Asks[2][0] != "13" {
		t.Fatalf("asks not ascending from best: %v", book.Asks)
	}
}
