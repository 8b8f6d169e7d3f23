// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// Memory is the in-memory store used by tests and local replay. A
// transaction stages its writes in an overlay and holds the store lock
// from Begin to Commit, so transactions are serialized and reads always
// see fully committed state.
type Memory struct {
	mu     sync.Mutex
	closed bool

	pools     map[string]*Pool
	orders    map[string]*Order
	trades    map[string]*Trade
	balances  map[string]*Balance
	ledger    map[string]*LedgerEntry
	transfers map[string]*CrossChainTransfer
	messages  map[string]*Message
	depth     map[string]*DepthLevel
	limits    map[string]*RateLimitRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pools:     make(map[string]*Pool),
		orders:    make(map[string]*Order),
		trades:    make(map[string]*Trade),
		balances:  make(map[string]*Balance),
		ledger:    make(map[string]*LedgerEntry),
		transfers: make(map[string]*CrossChainTransfer),
		messages:  make(map[string]*Message),
		depth:     make(map[string]*DepthLevel),
		limits:    make(map[string]*RateLimitRecord),
	}
}

func balanceKey(chainID uint64, user, currency string) string {
	return fmt.Sprintf("%d-%s-%s", chainID, strings.ToLower(user), currency)
}

func depthKey(poolID string, side Side, price *big.Int) string {
	return fmt.Sprintf("%s-%s-%s", poolID, side, price.String())
}

func limitKey(identifier, identifierType string) string {
	return identifierType + "-" + identifier
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Begin locks the store until Commit or Rollback.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	return &memTx{
		m:         m,
		pools:     make(map[string]*Pool),
		orders:    make(map[string]*Order),
		trades:    make(map[string]*Trade),
		balances:  make(map[string]*Balance),
		ledger:    make(map[string]*LedgerEntry),
		transfers: make(map[string]*CrossChainTransfer),
		messages:  make(map[string]*Message),
		depth:     make(map[string]*DepthLevel),
		limits:    make(map[string]*RateLimitRecord),
	}, nil
}

func (m *Memory) GetPool(ctx context.Context, id string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getPool(id)
}

func (m *Memory) GetPoolBySymbol(ctx context.Context, chainID uint64, symbol string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getPoolBySymbol(chainID, symbol)
}

func (m *Memory) Pools(ctx context.Context, chainID uint64) ([]*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).poolList(chainID)
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getOrder(id)
}

func (m *Memory) OpenOrdersAtPrice(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).openOrdersAtPrice(poolID, chainID, side, price)
}

func (m *Memory) OpenOrders(ctx context.Context, poolID string, chainID uint64) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).openOrders(poolID, chainID)
}

func (m *Memory) GetTrade(ctx context.Context, id string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getTrade(id)
}

func (m *Memory) GetBalance(ctx context.Context, chainID uint64, user, currency string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getBalance(chainID, user, currency)
}

func (m *Memory) GetTransfer(ctx context.Context, id string) (*CrossChainTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getTransfer(id)
}

func (m *Memory) GetMessage(ctx context.Context, messageID string, dir Direction) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getMessage(messageID, dir)
}

func (m *Memory) GetDepthLevel(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) (*DepthLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getDepthLevel(poolID, side, price)
}

func (m *Memory) DepthLevels(ctx context.Context, poolID string, chainID uint64, side Side, limit int) ([]*DepthLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).depthLevels(poolID, side, limit)
}

func (m *Memory) GetRateLimit(ctx context.Context, identifier, identifierType string) (*RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view(m).getRateLimit(identifier, identifierType)
}

// memTx stages writes in overlay maps. Reads consult the overlay
// before the base store, so a transaction sees its own writes.
type memTx struct {
	m    *Memory
	done bool

	pools     map[string]*Pool
	orders    map[string]*Order
	trades    map[string]*Trade
	balances  map[string]*Balance
	ledger    map[string]*LedgerEntry
	transfers map[string]*CrossChainTransfer
	messages  map[string]*Message
	depth     map[string]*DepthLevel
	limits    map[string]*RateLimitRecord
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrClosed
	}
	t.done = true
	for k, v := range t.pools {
		t.m.pools[k] = v
	}
	for k, v := range t.orders {
		t.m.orders[k] = v
	}
	for k, v := range t.trades {
		t.m.trades[k] = v
	}
	for k, v := range t.balances {
		t.m.balances[k] = v
	}
	for k, v := range t.ledger {
		t.m.ledger[k] = v
	}
	for k, v := range t.transfers {
		t.m.transfers[k] = v
	}
	for k, v := range t.messages {
		t.m.messages[k] = v
	}
	for k, v := range t.depth {
		t.m.depth[k] = v
	}
	for k, v := range t.limits {
		t.m.limits[k] = v
	}
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

// memView resolves reads against an optional overlay on top of the
// base maps. The store's own reads use an overlay-free view.
type memView struct {
	base *Memory
	tx   *memTx
}

func view(m *Memory) memView { return memView{base: m} }
func (t *memTx) view() memView { return memView{base: t.m, tx: t} }

func (v memView) getPool(id string) (*Pool, error) {
	if v.tx != nil {
		if p, ok := v.tx.pools[id]; ok {
			return clonePool(p), nil
		}
	}
	if p, ok := v.base.pools[id]; ok {
		return clonePool(p), nil
	}
	return nil, ErrNotFound
}

func (v memView) eachPool(fn func(*Pool)) {
	seen := make(map[string]bool)
	if v.tx != nil {
		for id, p := range v.tx.pools {
			seen[id] = true
			fn(p)
		}
	}
	for id, p := range v.base.pools {
		if !seen[id] {
			fn(p)
		}
	}
}

func (v memView) getPoolBySymbol(chainID uint64, symbol string) (*Pool, error) {
	var found *Pool
	v.eachPool(func(p *Pool) {
		if p.ChainID == chainID && p.Symbol == symbol {
			found = p
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return clonePool(found), nil
}

func (v memView) poolList(chainID uint64) ([]*Pool, error) {
	var out []*Pool
	v.eachPool(func(p *Pool) {
		if chainID == 0 || p.ChainID == chainID {
			out = append(out, clonePool(p))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memView) getOrder(id string) (*Order, error) {
	if v.tx != nil {
		if o, ok := v.tx.orders[id]; ok {
			return cloneOrder(o), nil
		}
	}
	if o, ok := v.base.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return nil, ErrNotFound
}

func (v memView) eachOrder(fn func(*Order)) {
	seen := make(map[string]bool)
	if v.tx != nil {
		for id, o := range v.tx.orders {
			seen[id] = true
			fn(o)
		}
	}
	for id, o := range v.base.orders {
		if !seen[id] {
			fn(o)
		}
	}
}

func (v memView) openOrdersAtPrice(poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	var out []*Order
	v.eachOrder(func(o *Order) {
		if o.PoolID == poolID && o.ChainID == chainID && o.Side == side &&
			o.Status.Open() && o.Price.Cmp(price) == 0 {
			out = append(out, cloneOrder(o))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (v memView) openOrders(poolID string, chainID uint64) ([]*Order, error) {
	var out []*Order
	v.eachOrder(func(o *Order) {
		if o.PoolID == poolID && o.ChainID == chainID && o.Status.Open() {
			out = append(out, cloneOrder(o))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (v memView) getTrade(id string) (*Trade, error) {
	if v.tx != nil {
		if tr, ok := v.tx.trades[id]; ok {
			return cloneTrade(tr), nil
		}
	}
	if tr, ok := v.base.trades[id]; ok {
		return cloneTrade(tr), nil
	}
	return nil, ErrNotFound
}

func (v memView) getBalance(chainID uint64, user, currency string) (*Balance, error) {
	k := balanceKey(chainID, user, currency)
	if v.tx != nil {
		if b, ok := v.tx.balances[k]; ok {
			return cloneBalance(b), nil
		}
	}
	if b, ok := v.base.balances[k]; ok {
		return cloneBalance(b), nil
	}
	return nil, ErrNotFound
}

func (v memView) getTransfer(id string) (*CrossChainTransfer, error) {
	if v.tx != nil {
		if tr, ok := v.tx.transfers[id]; ok {
			return cloneTransfer(tr), nil
		}
	}
	if tr, ok := v.base.transfers[id]; ok {
		return cloneTransfer(tr), nil
	}
	return nil, ErrNotFound
}

func (v memView) getMessage(messageID string, dir Direction) (*Message, error) {
	k := MessageKey(messageID, dir)
	if v.tx != nil {
		if msg, ok := v.tx.messages[k]; ok {
			out := *msg
			return &out, nil
		}
	}
	if msg, ok := v.base.messages[k]; ok {
		out := *msg
		return &out, nil
	}
	return nil, ErrNotFound
}

func (v memView) getDepthLevel(poolID string, side Side, price *big.Int) (*DepthLevel, error) {
	k := depthKey(poolID, side, price)
	if v.tx != nil {
		if l, ok := v.tx.depth[k]; ok {
			return cloneDepthLevel(l), nil
		}
	}
	if l, ok := v.base.depth[k]; ok {
		return cloneDepthLevel(l), nil
	}
	return nil, ErrNotFound
}

func (v memView) depthLevels(poolID string, side Side, limit int) ([]*DepthLevel, error) {
	seen := make(map[string]bool)
	var out []*DepthLevel
	collect := func(k string, l *DepthLevel) {
		if seen[k] || l.PoolID != poolID || l.Side != side {
			return
		}
		seen[k] = true
		out = append(out, cloneDepthLevel(l))
	}
	if v.tx != nil {
		for k, l := range v.tx.depth {
			collect(k, l)
		}
	}
	for k, l := range v.base.depth {
		collect(k, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if side == SideBuy {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v memView) getRateLimit(identifier, identifierType string) (*RateLimitRecord, error) {
	k := limitKey(identifier, identifierType)
	if v.tx != nil {
		if r, ok := v.tx.limits[k]; ok {
			out := *r
			return &out, nil
		}
	}
	if r, ok := v.base.limits[k]; ok {
		out := *r
		return &out, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) GetPool(ctx context.Context, id string) (*Pool, error) {
	return t.view().getPool(id)
}

func (t *memTx) GetPoolBySymbol(ctx context.Context, chainID uint64, symbol string) (*Pool, error) {
	return t.view().getPoolBySymbol(chainID, symbol)
}

func (t *memTx) Pools(ctx context.Context, chainID uint64) ([]*Pool, error) {
	return t.view().poolList(chainID)
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	return t.view().getOrder(id)
}

func (t *memTx) OpenOrdersAtPrice(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	return t.view().openOrdersAtPrice(poolID, chainID, side, price)
}

func (t *memTx) OpenOrders(ctx context.Context, poolID string, chainID uint64) ([]*Order, error) {
	return t.view().openOrders(poolID, chainID)
}

func (t *memTx) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return t.view().getTrade(id)
}

func (t *memTx) GetBalance(ctx context.Context, chainID uint64, user, currency string) (*Balance, error) {
	return t.view().getBalance(chainID, user, currency)
}

func (t *memTx) GetTransfer(ctx context.Context, id string) (*CrossChainTransfer, error) {
	return t.view().getTransfer(id)
}

func (t *memTx) GetMessage(ctx context.Context, messageID string, dir Direction) (*Message, error) {
	return t.view().getMessage(messageID, dir)
}

func (t *memTx) GetDepthLevel(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) (*DepthLevel, error) {
	return t.view().getDepthLevel(poolID, side, price)
}

func (t *memTx) DepthLevels(ctx context.Context, poolID string, chainID uint64, side Side, limit int) ([]*DepthLevel, error) {
	return t.view().depthLevels(poolID, side, limit)
}

func (t *memTx) GetRateLimit(ctx context.Context, identifier, identifierType string) (*RateLimitRecord, error) {
	return t.view().getRateLimit(identifier, identifierType)
}

func (t *memTx) UpsertPool(ctx context.Context, p *Pool) error {
	existing, err := t.view().getPool(p.ID)
	if err != nil && err != ErrNotFound {
		return err
	}
	t.pools[p.ID] = MergePool(existing, p)
	return nil
}

func (t *memTx) UpsertOrder(ctx context.Context, o *Order) error {
	existing, err := t.view().getOrder(o.ID)
	if err != nil && err != ErrNotFound {
		return err
	}
	t.orders[o.ID] = MergeOrder(existing, o)
	return nil
}

func (t *memTx) InsertTrade(ctx context.Context, tr *Trade) (bool, error) {
	if _, err := t.view().getTrade(tr.ID); err == nil {
		return false, nil
	}
	t.trades[tr.ID] = cloneTrade(tr)
	return true, nil
}

func (t *memTx) UpsertBalance(ctx context.Context, b *Balance) error {
	t.balances[balanceKey(b.ChainID, b.User, b.Currency)] = cloneBalance(b)
	return nil
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, e *LedgerEntry) (bool, error) {
	if _, ok := t.ledger[e.ID]; ok {
		return false, nil
	}
	if _, ok := t.m.ledger[e.ID]; ok {
		return false, nil
	}
	cp := *e
	if e.AmountDelta != nil {
		cp.AmountDelta = new(big.Int).Set(e.AmountDelta)
	}
	if e.LockedDelta != nil {
		cp.LockedDelta = new(big.Int).Set(e.LockedDelta)
	}
	t.ledger[e.ID] = &cp
	return true, nil
}

func (t *memTx) UpsertTransfer(ctx context.Context, tr *CrossChainTransfer) error {
	existing, err := t.view().getTransfer(tr.ID)
	if err != nil && err != ErrNotFound {
		return err
	}
	t.transfers[tr.ID] = MergeTransfer(existing, tr)
	return nil
}

func (t *memTx) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if _, err := t.view().getMessage(msg.MessageID, msg.Direction); err == nil {
		return false, nil
	}
	cp := *msg
	t.messages[MessageKey(msg.MessageID, msg.Direction)] = &cp
	return true, nil
}

func (t *memTx) PutDepthLevel(ctx context.Context, l *DepthLevel) error {
	t.depth[depthKey(l.PoolID, l.Side, l.Price)] = cloneDepthLevel(l)
	return nil
}

func (t *memTx) PutRateLimit(ctx context.Context, r *RateLimitRecord) error {
	cp := *r
	t.limits[limitKey(r.Identifier, r.IdentifierType)] = &cp
	return nil
}

func cloneTrade(t *Trade) *Trade {
	out := *t
	if t.Price != nil {
		out.Price = new(big.Int).Set(t.Price)
	}
	if t.Quantity != nil {
		out.Quantity = new(big.Int).Set(t.Quantity)
	}
	return &out
}

func cloneBalance(b *Balance) *Balance {
	out := *b
	if b.Amount != nil {
		out.Amount = new(big.Int).Set(b.Amount)
	}
	if b.LockedAmount != nil {
		out.LockedAmount = new(big.Int).Set(b.LockedAmount)
	}
	return &out
}

func cloneDepthLevel(l *DepthLevel) *DepthLevel {
	out := *l
	if l.Price != nil {
		out.Price = new(big.Int).Set(l.Price)
	}
	if l.Quantity != nil {
		out.Quantity = new(big.Int).Set(l.Quantity)
	}
	return &out
}
