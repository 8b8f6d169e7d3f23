// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/api"
	"github.com/luxfi/dexindexer/bridge"
	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/gateway"
	"github.com/luxfi/dexindexer/pipeline"
	"github.com/luxfi/dexindexer/ratelimit"
	"github.com/luxfi/dexindexer/storage"
)

var e2eSecret = []byte("e2e-secret")

var e2eRoles = map[string]string{
	"0xbook":   pipeline.RoleOrderBook,
	"0xvault":  pipeline.RoleVault,
	"0xbridge": pipeline.RoleBridge,
}

// harness wires the full indexer over the in-memory store, the way
// cmd/indexer wires it for a single chain.
type harness struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *storage.Memory
	pipe   *pipeline.Pipeline
	hub    *gateway.Hub
	http   *httptest.Server
}

func newHarness(liveThreshold uint64) *harness {
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	store := storage.NewMemory()
	Expect(store.Init(ctx)).To(Succeed())

	agg := depth.New(log)
	limiter := ratelimit.New(store, 10000, time.Hour, log)
	server := api.NewServer(store, agg, nil, limiter, nil, log)
	meta := cache.NewMetadata(time.Minute, server.PoolLoader(), log)
	server.SetCache(meta)

	hub := gateway.NewHub(gateway.Config{JWTSecret: e2eSecret}, server, log)
	server.SetHub(hub)
	go hub.Run(ctx)

	registry := pipeline.NewRegistry()
	pipeline.NewHandlers(agg, bridge.New(log), meta, log).Register(registry)
	pipe := pipeline.New(store, registry, pipeline.NewSyncGate(liveThreshold, log), hub, e2eRoles, log)

	h := &harness{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		pipe:   pipe,
		hub:    hub,
		http:   httptest.NewServer(server.Router()),
	}
	DeferCleanup(func() {
		h.http.Close()
		cancel()
	})
	return h
}

// feed runs one NDJSON batch through the pipeline for a chain, exactly
// like replaying an event file with cmd/indexer -events.
func (h *harness) feed(chainID uint64, lines ...string) {
	src := pipeline.NewStreamSource(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	Expect(h.pipe.RunChain(h.ctx, chainID, src)).To(Succeed())
}

func (h *harness) dial(token string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { conn.Close() })
	return conn
}

func (h *harness) getDepth(symbol string) (*depth.Book, int) {
	resp, err := http.Get(h.http.URL + "/api/v1/depth?symbol=" + symbol)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var book depth.Book
	Expect(json.NewDecoder(resp.Body).Decode(&book)).To(Succeed())
	return &book, resp.StatusCode
}

func subscribe(conn *websocket.Conn, streams ...string) []any {
	req := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": 1}
	Expect(conn.WriteJSON(req)).To(Succeed())
	reply := readMessage(conn)
	Expect(reply["id"]).To(BeEquivalentTo(1))
	accepted, _ := reply["result"].([]any)
	return accepted
}

func readMessage(conn *websocket.Conn) map[string]any {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	Expect(conn.ReadJSON(&msg)).To(Succeed())
	return msg
}

func expectSilence(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	Expect(err).To(HaveOccurred())
}

func signToken(subject string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(e2eSecret)
	Expect(err).NotTo(HaveOccurred())
	return token
}

func lineWithTx(chainID, block, logIndex uint64, txHash, contract, name string, args map[string]string) string {
	raw, err := json.Marshal(map[string]any{
		"chainId":        chainID,
		"blockNumber":    block,
		"logIndex":       logIndex,
		"txHash":         txHash,
		"contract":       contract,
		"event":          name,
		"args":           args,
		"blockTimestamp": time.Unix(1700000000+int64(block), 0).UTC().Format(time.RFC3339),
	})
	Expect(err).NotTo(HaveOccurred())
	return string(raw)
}

func line(chainID, block, logIndex uint64, contract, name string, args map[string]string) string {
	txHash := fmt.Sprintf("0xe2e%d%04d%02d", chainID, block, logIndex)
	return lineWithTx(chainID, block, logIndex, txHash, contract, name, args)
}

// orderFlow is the canonical scenario: one pool, a resting buy at 10
// for 100 and a resting sell at 11 for 50.
func orderFlow() []string {
	return []string{
		line(1, 10, 0, "0xbook", "PoolCreated", map[string]string{
			"symbol": "WETHUSDC", "baseCurrency": "WETH", "quoteCurrency": "USDC",
			"baseDecimals": "18", "quoteDecimals": "6",
		}),
		line(1, 11, 0, "0xbook", "OrderPlaced", map[string]string{
			"orderId": "1", "trader": "0xbuyer", "side": "BUY",
			"price": "10", "quantity": "100", "expiry": "0",
		}),
		line(1, 12, 0, "0xbook", "OrderPlaced", map[string]string{
			"orderId": "2", "trader": "0xseller", "side": "SELL",
			"price": "11", "quantity": "50", "expiry": "0",
		}),
	}
}

func matchLine() string {
	return line(1, 13, 0, "0xbook", "OrderMatched", map[string]string{
		"orderId": "1", "price": "10", "quantity": "30", "takerSide": "SELL",
	})
}

var _ = Describe("indexer end to end", func() {
	It("serves the aggregated book over HTTP after ingesting order flow", func() {
		h := newHarness(0)
		h.feed(1, orderFlow()...)
		h.feed(1, matchLine())

		book, status := h.getDepth("WETHUSDC")
		Expect(status).To(Equal(http.StatusOK))
		Expect(book.Bids).To(Equal([][2]string{{"10", "70"}}))
		Expect(book.Asks).To(Equal([][2]string{{"11", "50"}}))
		Expect(book.LastUpdateID).To(BeNumerically(">", 0))

		_, status = h.getDepth("UNLISTED")
		Expect(status).To(Equal(http.StatusNotFound))
	})

	It("converges to the same state when the whole history is redelivered", func() {
		h := newHarness(0)
		events := append(orderFlow(), matchLine())
		h.feed(1, events...)
		h.feed(1, events...)

		book, _ := h.getDepth("WETHUSDC")
		Expect(book.Bids).To(Equal([][2]string{{"10", "70"}}))

		pool, err := h.store.GetPool(h.ctx, storage.PoolID(1, "0xbook"))
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Volume.String()).To(Equal("30"))
	})

	It("pushes the full book on subscribe and deltas afterwards", func() {
		h := newHarness(0)
		h.feed(1, orderFlow()...)

		conn := h.dial("")
		Expect(subscribe(conn, "wethusdc@depth")).To(HaveLen(1))

		snapshot := readMessage(conn)
		Expect(snapshot["stream"]).To(Equal("wethusdc@depth"))
		data := snapshot["data"].(map[string]any)
		Expect(data["bids"]).To(HaveLen(1))
		Expect(data["asks"]).To(HaveLen(1))

		h.feed(1, matchLine())
		delta := readMessage(conn)
		Expect(delta["stream"]).To(Equal("wethusdc@depth"))
		update := delta["data"].(map[string]any)
		Expect(update["e"]).To(Equal("depthUpdate"))
		Expect(update["b"]).To(Equal([]any{[]any{"10", "70"}}))
	})

	It("delivers user frames only to their owner", func() {
		h := newHarness(0)
		buyer := h.dial(signToken("0xbuyer"))
		other := h.dial(signToken("0xother"))
		Expect(subscribe(buyer, "user@orders")).To(HaveLen(1))
		Expect(subscribe(other, "user@orders")).To(HaveLen(1))

		h.feed(1, orderFlow()...)

		frame := readMessage(buyer)
		Expect(frame["stream"]).To(Equal("user@orders"))
		report := frame["data"].(map[string]any)
		Expect(report["i"]).To(BeEquivalentTo(1))
		Expect(report["X"]).To(Equal("OPEN"))

		expectSilence(other)
	})

	It("holds broadcasts back until the chain reaches its live threshold", func() {
		h := newHarness(12)
		conn := h.dial("")
		subscribe(conn, "wethusdc@depth")

		// Blocks 10 and 11 are backfill: state mutates, nothing is pushed.
		h.feed(1, orderFlow()[:2]...)
		expectSilence(conn)
		_, err := h.store.GetOrder(h.ctx, storage.OrderKey(storage.PoolID(1, "0xbook"), 1))
		Expect(err).NotTo(HaveOccurred())

		// Block 12 crosses the threshold.
		h.feed(1, orderFlow()[2])
		frame := readMessage(conn)
		Expect(frame["stream"]).To(Equal("wethusdc@depth"))
	})

	It("correlates a cross-chain transfer regardless of arrival order", func() {
		h := newHarness(0)

		withdrawTx := "0xwithdraw"
		deposit := line(1, 20, 0, "0xvault", "Deposited", map[string]string{
			"user": "0xabc", "currency": "USDC", "amount": "500",
		})
		withdraw := lineWithTx(1, 30, 0, withdrawTx, "0xvault", "Withdrawn", map[string]string{
			"user": "0xabc", "currency": "USDC", "amount": "500",
			"destinationChainId": "7", "recipient": "0xdef",
		})
		dispatch := lineWithTx(1, 30, 1, withdrawTx, "0xbridge", "MessageDispatched", map[string]string{
			"messageId": "0xmsg", "destinationChainId": "7",
		})
		process := line(7, 40, 0, "0xbridge", "MessageProcessed", map[string]string{
			"messageId": "0xmsg",
		})

		// The destination chain reports completion before the source
		// chain's legs arrive.
		h.feed(7, process)
		h.feed(1, deposit, withdraw, dispatch)
		h.feed(7, process)

		tr, err := h.store.GetTransfer(h.ctx, storage.TransferID(1, withdrawTx))
		Expect(err).NotTo(HaveOccurred())
		Expect(tr.Status).To(Equal(storage.TransferRelayed))
		Expect(tr.Recipient).To(Equal("0xdef"))
		Expect(tr.Amount.String()).To(Equal("500"))
		Expect(tr.MessageID).To(Equal("0xmsg"))
		Expect(tr.DestinationChainID).To(Equal(uint64(7)))
	})
})
