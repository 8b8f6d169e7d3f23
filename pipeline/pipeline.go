// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package pipeline drives event ingestion: one sequential consumer per
// chain, one storage transaction per event, handlers dispatched by
// (contract role, event name). Every handler is idempotent, so the
// pipeline is free to retry transient failures and sources are free to
// redeliver during reorgs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/event"
	"github.com/luxfi/dexindexer/storage"
)

// Emitter receives live pushes after an event commits. The gateway
// implements it; tests use a recorder.
type Emitter interface {
	// Emit fans data out to every subscriber of a market stream.
	Emit(stream string, data any)
	// EmitUser delivers data only to connections bound to user.
	EmitUser(user, stream string, data any)
}

// Push is one deferred broadcast produced by a handler. It is executed
// after commit, behind the sync gate. User is empty for market streams.
type Push struct {
	Stream string
	User   string
	Data   any
}

// Handler applies one decoded event inside the event's transaction and
// returns the pushes to broadcast if the event is live.
type Handler func(ctx context.Context, tx storage.Tx, env event.Envelope, ev event.Event) ([]Push, error)

type handlerKey struct {
	role  string
	event string
}

// Registry maps (contract role, event name) to handlers. Contract
// roles ("orderbook", "vault", "bridge") come from configuration; the
// same event name can mean different things on different contracts.
type Registry struct {
	handlers map[handlerKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

func (r *Registry) Register(role, eventName string, h Handler) {
	r.handlers[handlerKey{role: role, event: eventName}] = h
}

func (r *Registry) lookup(role, eventName string) (Handler, bool) {
	h, ok := r.handlers[handlerKey{role: role, event: eventName}]
	return h, ok
}

// Pipeline consumes envelopes for one or more chains against a shared
// store.
type Pipeline struct {
	store    storage.Store
	registry *Registry
	gate     *SyncGate
	emitter  Emitter
	log      zerolog.Logger

	// roles maps lower-cased contract address to its role.
	roles map[string]string

	maxRetries int
	backoff    time.Duration
}

func New(store storage.Store, registry *Registry, gate *SyncGate, emitter Emitter, roles map[string]string, log zerolog.Logger) *Pipeline {
	normalized := make(map[string]string, len(roles))
	for addr, role := range roles {
		normalized[strings.ToLower(addr)] = role
	}
	return &Pipeline{
		store:      store,
		registry:   registry,
		gate:       gate,
		emitter:    emitter,
		roles:      normalized,
		log:        log.With().Str("component", "pipeline").Logger(),
		maxRetries: 5,
		backoff:    100 * time.Millisecond,
	}
}

// Process applies one envelope: decode, dispatch, commit, then push.
// Unknown events and unknown contracts are skipped. Malformed args are
// fatal for the event and surface to the caller; transient storage
// errors retry the same event with backoff.
func (p *Pipeline) Process(ctx context.Context, env event.Envelope) error {
	ev, err := event.Decode(env)
	if err != nil {
		return err
	}
	if ev == nil {
		p.log.Debug().Str("event", env.Event).Str("key", env.Key()).Msg("untracked event")
		return nil
	}

	role, ok := p.roles[strings.ToLower(env.Contract)]
	if !ok {
		p.log.Debug().Str("contract", env.Contract).Msg("untracked contract")
		return nil
	}
	handler, ok := p.registry.lookup(role, ev.Name())
	if !ok {
		p.log.Debug().Str("role", role).Str("event", ev.Name()).Msg("no handler")
		return nil
	}

	var pushes []Push
	for attempt := 0; ; attempt++ {
		pushes, err = p.apply(ctx, handler, env, ev)
		if err == nil {
			break
		}
		if !storage.IsTransient(err) || attempt >= p.maxRetries {
			return fmt.Errorf("apply %s %s: %w", env.Event, env.Key(), err)
		}
		p.log.Warn().Err(err).Str("key", env.Key()).Int("attempt", attempt+1).Msg("retrying event")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff << uint(attempt)):
		}
	}

	p.gate.Emit(env.BlockNumber, func() error {
		for _, push := range pushes {
			if push.User != "" {
				p.emitter.EmitUser(push.User, push.Stream, push.Data)
			} else {
				p.emitter.Emit(push.Stream, push.Data)
			}
		}
		return nil
	})
	return nil
}

func (p *Pipeline) apply(ctx context.Context, handler Handler, env event.Envelope, ev event.Event) ([]Push, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	pushes, err := handler(ctx, tx, env, ev)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pushes, nil
}

// RunChain consumes a source sequentially until it drains or the
// context ends. One running RunChain per chain; chains do not share
// ids, so they need no coordination beyond the store.
func (p *Pipeline) RunChain(ctx context.Context, chainID uint64, src Source) error {
	log := p.log.With().Uint64("chain", chainID).Logger()
	log.Info().Msg("chain consumer started")
	var processed uint64
	for {
		env, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Info().Uint64("events", processed).Msg("source drained")
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("chain %d source: %w", chainID, err)
		}
		if err := p.Process(ctx, env); err != nil {
			return err
		}
		processed++
	}
}
