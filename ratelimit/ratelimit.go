// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package ratelimit implements a persisted counting-window limiter
// with an independent cooldown gate. Counters live in storage so
// limits survive restarts and apply across processes sharing a store.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/storage"
)

var (
	// ErrLimited means the identifier used up its window allowance.
	ErrLimited = errors.New("rate limited")

	// ErrCooldown means the identifier is under an explicit cooldown.
	ErrCooldown = errors.New("in cooldown")
)

// Limiter gates requests per identifier. Max requests per Window,
// plus an absolute cooldown timestamp that overrides the window.
type Limiter struct {
	store  storage.Store
	max    int64
	window time.Duration
	log    zerolog.Logger

	// now is swapped in tests.
	now func() time.Time
}

func New(store storage.Store, max int64, window time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		max:    max,
		window: window,
		log:    log.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// Allow checks both gates without consuming allowance.
func (l *Limiter) Allow(ctx context.Context, identifier, identifierType string) error {
	rec, err := l.store.GetRateLimit(ctx, identifier, identifierType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.check(rec, l.now())
}

// Consume checks both gates and increments the counter in one storage
// transaction, so a retried caller cannot double-count and two racing
// callers cannot both take the last slot.
func (l *Limiter) Consume(ctx context.Context, identifier, identifierType string) error {
	now := l.now()
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := tx.GetRateLimit(ctx, identifier, identifierType)
	if errors.Is(err, storage.ErrNotFound) {
		rec = &storage.RateLimitRecord{
			Identifier:     identifier,
			IdentifierType: identifierType,
			WindowStart:    now,
		}
	} else if err != nil {
		return err
	}

	if expired(rec, l.window, now) {
		rec.RequestCount = 0
		rec.WindowStart = now
	}
	if err := l.check(rec, now); err != nil {
		return err
	}

	rec.RequestCount++
	rec.LastRequestTime = now
	if err := tx.PutRateLimit(ctx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// SetCooldown places the identifier under an absolute cooldown,
// independent of its window counter.
func (l *Limiter) SetCooldown(ctx context.Context, identifier, identifierType string, until time.Time) error {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := tx.GetRateLimit(ctx, identifier, identifierType)
	if errors.Is(err, storage.ErrNotFound) {
		rec = &storage.RateLimitRecord{
			Identifier:     identifier,
			IdentifierType: identifierType,
			WindowStart:    l.now(),
		}
	} else if err != nil {
		return err
	}

	rec.CooldownUntil = until
	if err := tx.PutRateLimit(ctx, rec); err != nil {
		return err
	}
	l.log.Info().Str("identifier", identifier).Time("until", until).Msg("cooldown set")
	return tx.Commit()
}

func (l *Limiter) check(rec *storage.RateLimitRecord, now time.Time) error {
	if now.Before(rec.CooldownUntil) {
		return ErrCooldown
	}
	if expired(rec, l.window, now) {
		return nil
	}
	if rec.RequestCount >= l.max {
		return ErrLimited
	}
	return nil
}

func expired(rec *storage.RateLimitRecord, window time.Duration, now time.Time) bool {
	return !now.Before(rec.WindowStart.Add(window))
}
