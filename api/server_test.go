// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/ratelimit"
	"github.com/luxfi/dexindexer/storage"
)

func seedBook(t *testing.T, m *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	poolID := storage.PoolID(1, "0xbook")
	now := time.Unix(1700000000, 0)

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertPool(ctx, &storage.Pool{
		ID: poolID, ChainID: 1, Symbol: "WETHUSDC", OrderBook: "0xbook",
		BaseCurrency: "WETH", QuoteCurrency: "USDC", Volume: big.NewInt(0),
	}); err != nil {
		t.Fatal(err)
	}
	agg := depth.New(zerolog.Nop())
	orders := []*storage.Order{
		{ID: storage.OrderKey(poolID, 1), ChainID: 1, PoolID: poolID, OrderID: 1,
			Side: storage.SideBuy, Price: big.NewInt(10), Quantity: big.NewInt(100),
			Filled: big.NewInt(0), Status: storage.OrderStatusOpen},
		{ID: storage.OrderKey(poolID, 2), ChainID: 1, PoolID: poolID, OrderID: 2,
			Side: storage.SideSell, Price: big.NewInt(11), Quantity: big.NewInt(50),
			Filled: big.NewInt(0), Status: storage.OrderStatusOpen},
	}
	for _, o := range orders {
		if err := tx.UpsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
		if err := agg.Refresh(ctx, tx, poolID, 1, o.Side, o.Price, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func newServer(t *testing.T, maxRequests int64) (*Server, *storage.Memory) {
	t.Helper()
	log := zerolog.Nop()
	m := storage.NewMemory()
	seedBook(t, m)
	limiter := ratelimit.New(m, maxRequests, time.Hour, log)
	srv := NewServer(m, depth.New(log), nil, limiter, nil, log)
	srv.SetCache(cache.NewMetadata(time.Minute, srv.PoolLoader(), log))
	return srv, m
}

func get(t *testing.T, handler http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.RemoteAddr = "10.0.0.1:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDepthEndpoint(t *testing.T) {
	srv, _ := newServer(t, 100)
	router := srv.Router()

	rec := get(t, router, "/api/v1/depth?symbol=WETHUSDC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var book depth.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &book); err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 1 || book.Bids[0] != [2]string{"10", "100"} {
		t.Fatalf("bids = %v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0] != [2]string{"11", "50"} {
		t.Fatalf("asks = %v", book.Asks)
	}

	// Lowercase symbol and explicit chain also resolve.
	if rec := get(t, router, "/api/v1/depth?symbol=wethusdc&chain=1"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDepthEndpointErrors(t *testing.T) {
	srv, _ := newServer(t, 100)
	router := srv.Router()

	cases := map[string]int{
		"/api/v1/depth":                          http.StatusBadRequest,
		"/api/v1/depth?symbol=NOPE":              http.StatusNotFound,
		"/api/v1/depth?symbol=WETHUSDC&limit=0":  http.StatusBadRequest,
		"/api/v1/depth?symbol=WETHUSDC&chain=xx": http.StatusBadRequest,
	}
	for url, want := range cases {
		if rec := get(t, router, url); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", url, rec.Code, want)
		}
	}
}

func TestDepthEndpointRateLimited(t *testing.T) {
	srv, _ := newServer(t, 2)
	router := srv.Router()

	for i := 0; i < 2; i++ {
		if rec := get(t, router, "/api/v1/depth?symbol=WETHUSDC"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
	if rec := get(t, router, "/api/v1/depth?symbol=WETHUSDC"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, m := newServer(t, 100)
	router := srv.Router()

	if rec := get(t, router, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	m.Close()
	if rec := get(t, router, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after close = %d", rec.Code)
	}
}

func TestSnapshotProvider(t *testing.T) {
	srv, _ := newServer(t, 100)

	book, ok := srv.DepthSnapshot(context.Background(), "wethusdc")
	if !ok {
		t.Fatal("no snapshot")
	}
	if b := book.(*depth.Book); len(b.Bids) != 1 {
		t.Fatalf("book = %+v", b)
	}
	if _, ok := srv.DepthSnapshot(context.Background(), "nope"); ok {
		t.Fatal("snapshot for unknown symbol")
	}
}
