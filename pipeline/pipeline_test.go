// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/bridge"
	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/event"
	"github.com/luxfi/dexindexer/storage"
)

type recordedPush struct {
	Stream string
	User   string
	Data   any
}

type recordEmitter struct {
	pushes []recordedPush
}

func (e *recordEmitter) Emit(stream string, data any) {
	e.pushes = append(e.pushes, recordedPush{Stream: stream, Data: data})
}

func (e *recordEmitter) EmitUser(user, stream string, data any) {
	e.pushes = append(e.pushes, recordedPush{Stream: stream, User: user, Data: data})
}

func (e *recordEmitter) streams() []string {
	var out []string
	for _, p := range e.pushes {
		out = append(out, p.Stream)
	}
	return out
}

var testRoles = map[string]string{
	"0xbook":   RoleOrderBook,
	"0xvault":  RoleVault,
	"0xbridge": RoleBridge,
}

func newPipeline(t *testing.T, store storage.Store, liveThreshold uint64) (*Pipeline, *recordEmitter) {
	t.Helper()
	log := zerolog.Nop()
	registry := NewRegistry()
	NewHandlers(depth.New(log), bridge.New(log), nil, log).Register(registry)
	emitter := &recordEmitter{}
	p := New(store, registry, NewSyncGate(liveThreshold, log), emitter, testRoles, log)
	p.backoff = time.Millisecond
	return p, emitter
}

func envAt(block, logIndex uint64, contract, name string, args map[string]string) event.Envelope {
	return event.Envelope{
		ChainID:        1,
		BlockNumber:    block,
		LogIndex:       logIndex,
		TxHash:         fmt.Sprintf("0xtx%04d%02d", block, logIndex),
		Contract:       contract,
		Event:          name,
		Args:           args,
		BlockTimestamp: time.Unix(1700000000+int64(block), 0),
	}
}

func poolEvents() []event.Envelope {
	return []event.Envelope{
		envAt(10, 0, "0xbook", "PoolCreated", map[string]string{
			"symbol": "WETHUSDC", "baseCurrency": "WETH", "quoteCurrency": "USDC",
			"baseDecimals": "18", "quoteDecimals": "6",
		}),
		envAt(11, 0, "0xbook", "OrderPlaced", map[string]string{
			"orderId": "1", "trader": "0xbuyer", "side": "BUY",
			"price": "10", "quantity": "100", "expiry": "0",
		}),
		envAt(12, 0, "0xbook", "OrderPlaced", map[string]string{
			"orderId": "2", "trader": "0xseller", "side": "SELL",
			"price": "11", "quantity": "50", "expiry": "0",
		}),
	}
}

func run(t *testing.T, p *Pipeline, envs ...event.Envelope) {
	t.Helper()
	ctx := context.Background()
	for _, e := range envs {
		if err := p.Process(ctx, e); err != nil {
			t.Fatalf("process %s: %v", e.Key(), err)
		}
	}
}

func TestPipelineScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	p, _ := newPipeline(t, store, 0)

	run(t, p, poolEvents()...)

	poolID := storage.PoolID(1, "0xbook")
	agg := depth.New(zerolog.Nop())
	book, err := agg.Snapshot(ctx, store, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 1 || book.Bids[0] != [2]string{"10", "100"} {
		t.Fatalf("bids = %v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0] != [2]string{"11", "50"} {
		t.Fatalf("asks = %v", book.Asks)
	}

	// A match for 30 against the resting buy shrinks its level to 70.
	run(t, p, envAt(13, 0, "0xbook", "OrderMatched", map[string]string{
		"orderId": "1", "price": "10", "quantity": "30", "takerSide": "SELL",
	}))
	book, err = agg.Snapshot(ctx, store, poolID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if book.Bids[0] != [2]string{"10", "70"} {
		t.Fatalf("bids = %v", book.Bids)
	}

	pool, err := store.GetPool(ctx, poolID)
	if err != nil {
		t.Fatal(err)
	}
	if pool.LastPrice.String() != "10" || pool.Volume.String() != "30" {
		t.Fatalf("pool price/volume = %s/%s", pool.LastPrice, pool.Volume)
	}
}

func TestPipelineReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	p, _ := newPipeline(t, store, 0)

	match := envAt(13, 0, "0xbook", "OrderMatched", map[string]string{
		"orderId": "1", "price": "10", "quantity": "30", "takerSide": "SELL",
	})
	run(t, p, poolEvents()...)
	run(t, p, match)

	// Redeliver the whole history, as a reorg-recovering source would.
	run(t, p, poolEvents()...)
	run(t, p, match, match)

	order, err := store.GetOrder(ctx, storage.OrderKey(storage.PoolID(1, "0xbook"), 1))
	if err != nil {
		t.Fatal(err)
	}
	if order.Filled.String() != "30" {
		t.Fatalf("filled = %s after replay, want 30", order.Filled)
	}
	pool, _ := store.GetPool(ctx, storage.PoolID(1, "0xbook"))
	if pool.Volume.String() != "30" {
		t.Fatalf("volume = %s after replay, want 30", pool.Volume)
	}
}

func TestPipelineBalances(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	p, emitter := newPipeline(t, store, 0)

	run(t, p,
		envAt(20, 0, "0xvault", "Deposited", map[string]string{
			"user": "0xabc", "currency": "USDC", "amount": "100",
		}),
		envAt(21, 0, "0xvault", "BalanceLocked", map[string]string{
			"user": "0xabc", "currency": "USDC", "amount": "40",
		}),
		envAt(22, 0, "0xvault", "BalanceUnlocked", map[string]string{
			"user": "0xabc", "currency": "USDC", "amount": "10",
		}),
	)

	bal, err := store.GetBalance(ctx, 1, "0xabc", "USDC")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Amount.String() != "70" || bal.LockedAmount.String() != "30" {
		t.Fatalf("balance = %s/%s", bal.Amount, bal.LockedAmount)
	}

	// Overdraw aborts the event and leaves the balance unchanged.
	err = p.Process(ctx, envAt(23, 0, "0xvault", "Withdrawn", map[string]string{
		"user": "0xabc", "currency": "USDC", "amount": "500",
	}))
	if err == nil {
		t.Fatal("overdraw accepted")
	}
	bal, _ = store.GetBalance(ctx, 1, "0xabc", "USDC")
	if bal.Amount.String() != "70" {
		t.Fatalf("balance = %s after failed withdraw", bal.Amount)
	}

	for _, push := range emitter.pushes {
		if push.User != "0xabc" || push.Stream != StreamBalance {
			t.Fatalf("unexpected push %+v", push)
		}
	}
	if len(emitter.pushes) != 3 {
		t.Fatalf("pushes = %d, want 3", len(emitter.pushes))
	}
}

func TestPipelineCrossChainWithdrawal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	p, _ := newPipeline(t, store, 0)

	deposit := envAt(20, 0, "0xvault", "Deposited", map[string]string{
		"user": "0xabc", "currency": "USDC", "amount": "500",
	})
	withdraw := envAt(30, 0, "0xvault", "Withdrawn", map[string]string{
		"user": "0xabc", "currency": "USDC", "amount": "500",
		"destinationChainId": "7", "recipient": "0xdef",
	})
	dispatch := envAt(30, 1, "0xbridge", "MessageDispatched", map[string]string{
		"messageId": "0xmsg", "destinationChainId": "7",
	})
	dispatch.TxHash = withdraw.TxHash
	process := envAt(40, 0, "0xbridge", "MessageProcessed", map[string]string{
		"messageId": "0xmsg",
	})
	process.ChainID = 7

	run(t, p, deposit, withdraw, dispatch, process)

	tr, err := store.GetTransfer(ctx, storage.TransferID(1, withdraw.TxHash))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != storage.TransferRelayed {
		t.Fatalf("status = %s", tr.Status)
	}
	if tr.Recipient != "0xdef" || tr.Amount.String() != "500" || tr.MessageID != "0xmsg" {
		t.Fatalf("transfer = %+v", tr)
	}
}

func TestHandlersInvalidatePoolCache(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()
	store := storage.NewMemory()
	meta := cache.NewMetadata(time.Hour, func(ctx context.Context, key string) (any, error) {
		chainID, symbol, ok := cache.ParsePoolKey(key)
		if !ok {
			return nil, storage.ErrNotFound
		}
		return store.GetPoolBySymbol(ctx, chainID, symbol)
	}, log)

	registry := NewRegistry()
	NewHandlers(depth.New(log), bridge.New(log), meta, log).Register(registry)
	p := New(store, registry, NewSyncGate(0, log), &recordEmitter{}, testRoles, log)

	run(t, p, poolEvents()...)

	// Warm the cache, then mutate the pool through a match.
	key := cache.PoolKey(1, "WETHUSDC")
	cached, ok := meta.Get(ctx, key)
	if !ok {
		t.Fatal("pool not cached")
	}
	if v := cached.(*storage.Pool).Volume.String(); v != "0" {
		t.Fatalf("warm volume = %s", v)
	}

	run(t, p, envAt(13, 0, "0xbook", "OrderMatched", map[string]string{
		"orderId": "1", "price": "10", "quantity": "30", "takerSide": "SELL",
	}))

	// The handler dropped the key, so the next read sees the new row
	// without waiting out the TTL.
	fresh, ok := meta.Get(ctx, key)
	if !ok {
		t.Fatal("pool not reloadable")
	}
	if v := fresh.(*storage.Pool).Volume.String(); v != "30" {
		t.Fatalf("volume after invalidation = %s, want 30", v)
	}
}

func TestPipelineSyncGate(t *testing.T) {
	store := storage.NewMemory()
	p, emitter := newPipeline(t, store, 12)

	// Blocks 10 and 11 are backfill: mutations happen, pushes do not.
	run(t, p, poolEvents()[:2]...)
	if len(emitter.pushes) != 0 {
		t.Fatalf("backfill pushed %v", emitter.streams())
	}

	// Block 12 is live.
	run(t, p, poolEvents()[2])
	if len(emitter.pushes) == 0 {
		t.Fatal("live event pushed nothing")
	}
	for _, s := range emitter.streams() {
		if s != "wethusdc@depth" && s != StreamOrders {
			t.Fatalf("unexpected stream %q", s)
		}
	}

	// The gated order still reached storage.
	ctx := context.Background()
	if _, err := store.GetOrder(ctx, storage.OrderKey(storage.PoolID(1, "0xbook"), 1)); err != nil {
		t.Fatalf("backfilled order missing: %v", err)
	}
}

func TestPipelineMalformedFatal(t *testing.T) {
	store := storage.NewMemory()
	p, _ := newPipeline(t, store, 0)

	err := p.Process(context.Background(), envAt(10, 0, "0xbook", "OrderCancelled", map[string]string{
		"orderId": "not-a-number",
	}))
	var malformed *event.MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want MalformedError", err)
	}
}

func TestPipelineSkipsUntracked(t *testing.T) {
	store := storage.NewMemory()
	p, emitter := newPipeline(t, store, 0)

	run(t, p,
		// Unknown event name on a tracked contract.
		envAt(10, 0, "0xbook", "FeeCollected", map[string]string{"amount": "1"}),
		// Tracked event on an unknown contract.
		envAt(10, 1, "0xelse", "OrderCancelled", map[string]string{"orderId": "1"}),
	)
	if len(emitter.pushes) != 0 {
		t.Fatalf("pushes = %v", emitter.streams())
	}
}

type flakyStore struct {
	storage.Store
	failures int
}

func (f *flakyStore) Begin(ctx context.Context) (storage.Tx, error) {
	if f.failures > 0 {
		f.failures--
		return nil, storage.Transient(errors.New("connection reset"))
	}
	return f.Store.Begin(ctx)
}

func TestPipelineRetriesTransient(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: storage.NewMemory(), failures: 2}
	p, _ := newPipeline(t, flaky, 0)

	run(t, p, poolEvents()[0])
	if _, err := flaky.GetPool(ctx, storage.PoolID(1, "0xbook")); err != nil {
		t.Fatalf("pool missing after retries: %v", err)
	}

	// Exhausted retries surface the transient error.
	flaky.failures = 100
	err := p.Process(ctx, envAt(11, 0, "0xbook", "OrderPlaced", map[string]string{
		"orderId": "1", "trader": "0xt", "side": "BUY",
		"price": "10", "quantity": "100", "expiry": "0",
	}))
	if !storage.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestStreamSourceReplay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	p, _ := newPipeline(t, store, 0)

	ndjson := `{"chainId":1,"blockNumber":10,"logIndex":0,"txHash":"0xa","contract":"0xbook","event":"PoolCreated","args":{"symbol":"WETHUSDC","baseCurrency":"WETH","quoteCurrency":"USDC","baseDecimals":"18","quoteDecimals":"6"}}

{"chainId":1,"blockNumber":11,"logIndex":0,"txHash":"0xb","contract":"0xbook","event":"OrderPlaced","args":{"orderId":"1","trader":"0xt","side":"BUY","price":"10","quantity":"100","expiry":"0"}}
`
	src := NewStreamSource(strings.NewReader(ndjson))
	if err := p.RunChain(ctx, 1, src); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetOrder(ctx, storage.OrderKey(storage.PoolID(1, "0xbook"), 1)); err != nil {
		t.Fatal(err)
	}
}

func TestStreamSourceBadLine(t *testing.T) {
	src := NewStreamSource(strings.NewReader("{not json}\n"))
	_, err := src.Next(context.Background())
	if err == nil {
		t.Fatal("bad line accepted")
	}
}

func TestSyncGateSwallowsErrors(t *testing.T) {
	g := NewSyncGate(0, zerolog.Nop())
	ran := false
	g.Emit(5, func() error {
		ran = true
		return errors.New("broadcast down")
	})
	if !ran {
		t.Fatal("live side effect skipped")
	}
	g.LiveThreshold = 10
	g.Emit(5, func() error {
		t.Fatal("gated side effect ran")
		return nil
	})
}
