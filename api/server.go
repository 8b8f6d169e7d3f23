// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: the websocket upgrade, the
// depth read endpoint and health. The full query layer lives in a
// separate service; this is only what the gateway's clients need.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/gateway"
	"github.com/luxfi/dexindexer/ratelimit"
	"github.com/luxfi/dexindexer/storage"
)

// Server wires the read endpoints over the store.
type Server struct {
	store   storage.Store
	depth   *depth.Aggregator
	hub     *gateway.Hub
	limiter *ratelimit.Limiter
	meta    *cache.Metadata
	log     zerolog.Logger
}

func NewServer(store storage.Store, agg *depth.Aggregator, hub *gateway.Hub, limiter *ratelimit.Limiter, meta *cache.Metadata, log zerolog.Logger) *Server {
	return &Server{
		store:   store,
		depth:   agg,
		hub:     hub,
		limiter: limiter,
		meta:    meta,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// SetHub attaches the websocket hub. The hub's snapshot provider is
// the server itself, so the hub is built second and attached here.
func (s *Server) SetHub(h *gateway.Hub) { s.hub = h }

// SetCache attaches the metadata cache. The cache's loader comes from
// PoolLoader, so the cache is built second and attached here.
func (s *Server) SetCache(m *cache.Metadata) { s.meta = m }

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/depth", s.handleDepth).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS)
	}
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "storage unavailable"
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status}
	if s.hub != nil {
		body["connections"] = s.hub.ConnCount()
	}
	writeJSON(w, code, body)
}

// handleDepth serves GET /api/v1/depth?symbol=&chain=&limit=.
func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.Consume(r.Context(), clientIP(r), "ip"); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) || errors.Is(err, ratelimit.ErrCooldown) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		s.log.Error().Err(err).Msg("rate limit check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = parsed
	}
	var chainID uint64
	if raw := r.URL.Query().Get("chain"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chain")
			return
		}
		chainID = parsed
	}

	pool, err := s.findPool(r.Context(), symbol, chainID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown symbol")
			return
		}
		s.log.Error().Err(err).Str("symbol", symbol).Msg("pool lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	book, err := s.depth.Snapshot(r.Context(), s.store, pool.ID, pool.ChainID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("pool", pool.ID).Msg("snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// findPool resolves a symbol, optionally chain-scoped, through the
// metadata cache.
func (s *Server) findPool(ctx context.Context, symbol string, chainID uint64) (*storage.Pool, error) {
	key := cache.PoolKey(chainID, symbol)
	if s.meta != nil {
		if v, ok := s.meta.Get(ctx, key); ok {
			if pool, ok := v.(*storage.Pool); ok {
				return pool, nil
			}
		}
		return nil, storage.ErrNotFound
	}
	return s.lookupPool(ctx, symbol, chainID)
}

// lookupPool is the cache loader's store path.
func (s *Server) lookupPool(ctx context.Context, symbol string, chainID uint64) (*storage.Pool, error) {
	want := strings.ToUpper(symbol)
	if chainID != 0 {
		return s.store.GetPoolBySymbol(ctx, chainID, want)
	}
	pools, err := s.store.Pools(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		if strings.ToUpper(p.Symbol) == want {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

// PoolLoader adapts symbol resolution into the metadata cache's loader
// shape. Keys come from cache.PoolKey, with chain 0 for any chain.
func (s *Server) PoolLoader() cache.Loader {
	return func(ctx context.Context, key string) (any, error) {
		chainID, symbol, ok := cache.ParsePoolKey(key)
		if !ok {
			return nil, storage.ErrNotFound
		}
		return s.lookupPool(ctx, symbol, chainID)
	}
}

// DepthSnapshot implements gateway.SnapshotProvider for subscribe-time
// book pushes. Stream symbols are lowercase and chain-agnostic.
func (s *Server) DepthSnapshot(ctx context.Context, symbol string) (any, bool) {
	pool, err := s.findPool(ctx, symbol, 0)
	if err != nil {
		return nil, false
	}
	book, err := s.depth.Snapshot(ctx, s.store, pool.ID, pool.ChainID, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot for subscribe failed")
		return nil, false
	}
	return book, true
}

// Serve runs the HTTP server until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:         listen,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", listen).Msg("http server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
