// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package storage defines the indexed entity model and the pluggable
// store behind the ingestion pipeline. Three backends are provided:
// an in-memory store for tests and replay, sqlite for single-node
// deployments and postgres for production.
//
// All writes go through insert-or-merge upserts built on the pure
// reducers in merge.go, so redelivered events converge on the same
// rows instead of duplicating or clobbering them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Backend selects a store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend Backend `yaml:"backend"`
	URL     string  `yaml:"url"`
}

var (
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage closed")

	// ErrTransient marks failures that may succeed on retry, such as
	// serialization conflicts or dropped connections. The pipeline
	// retries the same event when it unwraps to this.
	ErrTransient = errors.New("transient storage error")
)

// Transient wraps err so it unwraps to ErrTransient.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Reader is the query surface shared by stores and transactions.
type Reader interface {
	GetPool(ctx context.Context, id string) (*Pool, error)
	GetPoolBySymbol(ctx context.Context, chainID uint64, symbol string) (*Pool, error)
	Pools(ctx context.Context, chainID uint64) ([]*Pool, error)

	GetOrder(ctx context.Context, id string) (*Order, error)
	// OpenOrdersAtPrice returns the non-terminal orders resting at one
	// price level, for incremental depth recomputation.
	OpenOrdersAtPrice(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error)
	OpenOrders(ctx context.Context, poolID string, chainID uint64) ([]*Order, error)

	GetTrade(ctx context.Context, id string) (*Trade, error)
	GetBalance(ctx context.Context, chainID uint64, user, currency string) (*Balance, error)

	GetTransfer(ctx context.Context, id string) (*CrossChainTransfer, error)
	GetMessage(ctx context.Context, messageID string, dir Direction) (*Message, error)

	GetDepthLevel(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) (*DepthLevel, error)
	// DepthLevels returns levels for one side, bids descending and asks
	// ascending by price. limit <= 0 means all. Zero-quantity levels
	// are included; presentation layers filter them.
	DepthLevels(ctx context.Context, poolID string, chainID uint64, side Side, limit int) ([]*DepthLevel, error)

	GetRateLimit(ctx context.Context, identifier, identifierType string) (*RateLimitRecord, error)
}

// Writer is the mutation surface. Upserts merge with any existing row
// via the reducers in merge.go; Insert* methods are idempotent on the
// deterministic id and report whether the row was actually created.
type Writer interface {
	UpsertPool(ctx context.Context, p *Pool) error
	UpsertOrder(ctx context.Context, o *Order) error
	InsertTrade(ctx context.Context, t *Trade) (bool, error)
	UpsertBalance(ctx context.Context, b *Balance) error
	InsertLedgerEntry(ctx context.Context, e *LedgerEntry) (bool, error)
	UpsertTransfer(ctx context.Context, t *CrossChainTransfer) error
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	PutDepthLevel(ctx context.Context, l *DepthLevel) error
	PutRateLimit(ctx context.Context, r *RateLimitRecord) error
}

// Tx is one atomic unit of work. The pipeline opens one per event.
type Tx interface {
	Reader
	Writer
	Commit() error
	Rollback() error
}

// Store is the pluggable persistence backend.
type Store interface {
	Reader
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Open creates the store selected by cfg. The caller must Init it
// before use.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendSQLite:
		return NewSQLite(cfg.URL)
	case BackendPostgres:
		return NewPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ParseBackend normalizes a backend name from config or flags.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory", "mem":
		return BackendMemory, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", s)
	}
}
