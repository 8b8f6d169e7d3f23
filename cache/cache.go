// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package cache holds the best-effort pool metadata cache. It is never
// a correctness dependency: every miss falls through to the loader and
// loader failures just mean the next read tries again.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader fetches the value on a miss.
type Loader func(ctx context.Context, key string) (any, error)

const poolKeySep = "-sym-"

// PoolKey is the cache key for a pool looked up by symbol. Chain 0
// means any chain. Readers and the handlers that invalidate must build
// keys through here so they agree.
func PoolKey(chainID uint64, symbol string) string {
	return strconv.FormatUint(chainID, 10) + poolKeySep + strings.ToUpper(symbol)
}

// ParsePoolKey splits a PoolKey back into chain and symbol.
func ParsePoolKey(key string) (chainID uint64, symbol string, ok bool) {
	chainPart, symbol, ok := strings.Cut(key, poolKeySep)
	if !ok {
		return 0, "", false
	}
	chainID, err := strconv.ParseUint(chainPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return chainID, symbol, true
}

type entry struct {
	value   any
	expires time.Time
}

// Metadata is a read-through TTL cache.
type Metadata struct {
	ttl    time.Duration
	loader Loader
	log    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	// now is swapped in tests.
	now func() time.Time
}

func NewMetadata(ttl time.Duration, loader Loader, log zerolog.Logger) *Metadata {
	return &Metadata{
		ttl:     ttl,
		loader:  loader,
		log:     log.With().Str("component", "cache").Logger(),
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached value or loads it. A load failure is logged
// and reported as a miss.
func (m *Metadata) Get(ctx context.Context, key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && m.now().Before(e.expires) {
		return e.value, true
	}

	value, err := m.loader(ctx, key)
	if err != nil {
		m.log.Debug().Err(err).Str("key", key).Msg("metadata load failed")
		return nil, false
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return value, true
}

// Invalidate drops a key so the next read reloads it.
func (m *Metadata) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len reports the number of resident entries, expired or not.
func (m *Metadata) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
