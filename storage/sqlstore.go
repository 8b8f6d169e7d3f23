// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// sqlStore implements Store over database/sql for both sqlite and
// postgres. Queries are written with ? placeholders and rebound to $n
// for postgres. Amounts are stored as decimal TEXT and timestamps as
// unix milliseconds, so both dialects share one schema.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		order_book TEXT NOT NULL,
		base_currency TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		base_decimals INTEGER NOT NULL,
		quote_decimals INTEGER NOT NULL,
		last_price TEXT,
		volume TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pools_chain_symbol ON pools (chain_id, symbol)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		pool_id TEXT NOT NULL,
		order_id BIGINT NOT NULL,
		trader TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		filled TEXT NOT NULL,
		status TEXT NOT NULL,
		expiry BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		block BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_book ON orders (pool_id, chain_id, side, price, status)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		pool_id TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		side TEXT NOT NULL,
		ts BIGINT NOT NULL,
		source_tx TEXT NOT NULL,
		block BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_pool ON trades (pool_id, chain_id, ts)`,
	`CREATE TABLE IF NOT EXISTS balances (
		chain_id BIGINT NOT NULL,
		usr TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		locked_amount TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (chain_id, usr, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		usr TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount_delta TEXT NOT NULL,
		locked_delta TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		source_chain_id BIGINT NOT NULL,
		destination_chain_id BIGINT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL,
		source_tx_hash TEXT NOT NULL,
		source_block BIGINT NOT NULL,
		source_ts BIGINT NOT NULL,
		dest_tx_hash TEXT NOT NULL,
		dest_block BIGINT NOT NULL,
		dest_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_message ON transfers (message_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		block BIGINT NOT NULL,
		ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS depth_levels (
		pool_id TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		order_count INTEGER NOT NULL,
		last_updated BIGINT NOT NULL,
		price_sort NUMERIC NOT NULL,
		PRIMARY KEY (pool_id, side, price)
	)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		identifier TEXT NOT NULL,
		identifier_type TEXT NOT NULL,
		request_count BIGINT NOT NULL,
		window_start BIGINT NOT NULL,
		last_request_time BIGINT NOT NULL,
		cooldown_until BIGINT NOT NULL,
		PRIMARY KEY (identifier, identifier_type)
	)`,
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Transient(err)
	}
	return &sqlTx{s: s, tx: tx}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) GetPool(ctx context.Context, id string) (*Pool, error) {
	return getPool(ctx, s, s.db, `WHERE id = ?`, id)
}

func (s *sqlStore) GetPoolBySymbol(ctx context.Context, chainID uint64, symbol string) (*Pool, error) {
	return getPool(ctx, s, s.db, `WHERE chain_id = ? AND symbol = ?`, chainID, symbol)
}

func (s *sqlStore) Pools(ctx context.Context, chainID uint64) ([]*Pool, error) {
	return listPools(ctx, s, s.db, chainID)
}

func (s *sqlStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, s, s.db, id)
}

func (s *sqlStore) OpenOrdersAtPrice(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	return openOrdersAtPrice(ctx, s, s.db, poolID, chainID, side, price)
}

func (s *sqlStore) OpenOrders(ctx context.Context, poolID string, chainID uint64) ([]*Order, error) {
	return openOrders(ctx, s, s.db, poolID, chainID)
}

func (s *sqlStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return getTrade(ctx, s, s.db, id)
}

func (s *sqlStore) GetBalance(ctx context.Context, chainID uint64, user, currency string) (*Balance, error) {
	return getBalance(ctx, s, s.db, chainID, user, currency)
}

func (s *sqlStore) GetTransfer(ctx context.Context, id string) (*CrossChainTransfer, error) {
	return getTransfer(ctx, s, s.db, id)
}

func (s *sqlStore) GetMessage(ctx context.Context, messageID string, dir Direction) (*Message, error) {
	return getMessage(ctx, s, s.db, messageID, dir)
}

func (s *sqlStore) GetDepthLevel(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) (*DepthLevel, error) {
	return getDepthLevel(ctx, s, s.db, poolID, side, price)
}

func (s *sqlStore) DepthLevels(ctx context.Context, poolID string, chainID uint64, side Side, limit int) ([]*DepthLevel, error) {
	return listDepthLevels(ctx, s, s.db, poolID, side, limit)
}

func (s *sqlStore) GetRateLimit(ctx context.Context, identifier, identifierType string) (*RateLimitRecord, error) {
	return getRateLimit(ctx, s, s.db, identifier, identifierType)
}

// sqlTx wraps one database transaction. Upserts read the current row
// through the transaction, merge in Go and write the result back, so
// the reducers in merge.go are the single source of conflict rules.
type sqlTx struct {
	s  *sqlStore
	tx *sql.Tx
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (t *sqlTx) GetPool(ctx context.Context, id string) (*Pool, error) {
	return getPool(ctx, t.s, t.tx, `WHERE id = ?`, id)
}

func (t *sqlTx) GetPoolBySymbol(ctx context.Context, chainID uint64, symbol string) (*Pool, error) {
	return getPool(ctx, t.s, t.tx, `WHERE chain_id = ? AND symbol = ?`, chainID, symbol)
}

func (t *sqlTx) Pools(ctx context.Context, chainID uint64) ([]*Pool, error) {
	return listPools(ctx, t.s, t.tx, chainID)
}

func (t *sqlTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, t.s, t.tx, id)
}

func (t *sqlTx) OpenOrdersAtPrice(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	return openOrdersAtPrice(ctx, t.s, t.tx, poolID, chainID, side, price)
}

func (t *sqlTx) OpenOrders(ctx context.Context, poolID string, chainID uint64) ([]*Order, error) {
	return openOrders(ctx, t.s, t.tx, poolID, chainID)
}

func (t *sqlTx) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return getTrade(ctx, t.s, t.tx, id)
}

func (t *sqlTx) GetBalance(ctx context.Context, chainID uint64, user, currency string) (*Balance, error) {
	return getBalance(ctx, t.s, t.tx, chainID, user, currency)
}

func (t *sqlTx) GetTransfer(ctx context.Context, id string) (*CrossChainTransfer, error) {
	return getTransfer(ctx, t.s, t.tx, id)
}

func (t *sqlTx) GetMessage(ctx context.Context, messageID string, dir Direction) (*Message, error) {
	return getMessage(ctx, t.s, t.tx, messageID, dir)
}

func (t *sqlTx) GetDepthLevel(ctx context.Context, poolID string, chainID uint64, side Side, price *big.Int) (*DepthLevel, error) {
	return getDepthLevel(ctx, t.s, t.tx, poolID, side, price)
}

func (t *sqlTx) DepthLevels(ctx context.Context, poolID string, chainID uint64, side Side, limit int) ([]*DepthLevel, error) {
	return listDepthLevels(ctx, t.s, t.tx, poolID, side, limit)
}

func (t *sqlTx) GetRateLimit(ctx context.Context, identifier, identifierType string) (*RateLimitRecord, error) {
	return getRateLimit(ctx, t.s, t.tx, identifier, identifierType)
}

func (t *sqlTx) UpsertPool(ctx context.Context, p *Pool) error {
	existing, err := t.GetPool(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := MergePool(existing, p)
	_, err = t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO pools (id, chain_id, symbol, order_book, base_currency,
			quote_currency, base_decimals, quote_decimals, last_price, volume,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_price = excluded.last_price,
			volume = excluded.volume,
			updated_at = excluded.updated_at`),
		merged.ID, merged.ChainID, merged.Symbol, merged.OrderBook,
		merged.BaseCurrency, merged.QuoteCurrency, merged.BaseDecimals,
		merged.QuoteDecimals, bigText(merged.LastPrice), bigText(merged.Volume),
		ms(merged.CreatedAt), ms(merged.UpdatedAt))
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) UpsertOrder(ctx context.Context, o *Order) error {
	existing, err := t.GetOrder(ctx, o.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := MergeOrder(existing, o)
	_, err = t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO orders (id, chain_id, pool_id, order_id, trader, side,
			price, quantity, filled, status, expiry, tx_hash, block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			filled = excluded.filled,
			status = excluded.status`),
		merged.ID, merged.ChainID, merged.PoolID, merged.OrderID,
		merged.Trader, string(merged.Side), bigText(merged.Price),
		bigText(merged.Quantity), bigText(merged.Filled),
		string(merged.Status), ms(merged.Expiry), merged.TxHash, merged.Block)
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) InsertTrade(ctx context.Context, tr *Trade) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO trades (id, chain_id, pool_id, price, quantity, side, ts,
			source_tx, block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		tr.ID, tr.ChainID, tr.PoolID, bigText(tr.Price), bigText(tr.Quantity),
		string(tr.Side), ms(tr.Timestamp), tr.SourceTx, tr.Block)
	if err != nil {
		return false, Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) UpsertBalance(ctx context.Context, b *Balance) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO balances (chain_id, usr, currency, amount, locked_amount,
			updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, usr, currency) DO UPDATE SET
			amount = excluded.amount,
			locked_amount = excluded.locked_amount,
			updated_at = excluded.updated_at`),
		b.ChainID, strings.ToLower(b.User), b.Currency, bigText(b.Amount),
		bigText(b.LockedAmount), ms(b.UpdatedAt))
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) InsertLedgerEntry(ctx context.Context, e *LedgerEntry) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO ledger_entries (id, chain_id, usr, currency, amount_delta,
			locked_delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		e.ID, e.ChainID, strings.ToLower(e.User), e.Currency,
		bigText(e.AmountDelta), bigText(e.LockedDelta), e.Reason, ms(e.CreatedAt))
	if err != nil {
		return false, Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) UpsertTransfer(ctx context.Context, tr *CrossChainTransfer) error {
	existing, err := t.GetTransfer(ctx, tr.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := MergeTransfer(existing, tr)
	_, err = t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO transfers (id, source_chain_id, destination_chain_id,
			sender, recipient, token, amount, message_id, status,
			source_tx_hash, source_block, source_ts, dest_tx_hash, dest_block,
			dest_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			destination_chain_id = excluded.destination_chain_id,
			sender = excluded.sender,
			recipient = excluded.recipient,
			token = excluded.token,
			amount = excluded.amount,
			message_id = excluded.message_id,
			status = excluded.status,
			source_block = excluded.source_block,
			source_ts = excluded.source_ts,
			dest_tx_hash = excluded.dest_tx_hash,
			dest_block = excluded.dest_block,
			dest_ts = excluded.dest_ts`),
		merged.ID, merged.SourceChainID, merged.DestinationChainID,
		merged.Sender, merged.Recipient, merged.Token, bigText(merged.Amount),
		merged.MessageID, string(merged.Status), merged.SourceTxHash,
		merged.SourceBlock, ms(merged.SourceTimestamp), merged.DestTxHash,
		merged.DestBlock, ms(merged.DestTimestamp))
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO messages (id, message_id, direction, chain_id, tx_hash,
			block, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		MessageKey(m.MessageID, m.Direction), m.MessageID, string(m.Direction),
		m.ChainID, m.TxHash, m.Block, ms(m.Timestamp))
	if err != nil {
		return false, Transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) PutDepthLevel(ctx context.Context, l *DepthLevel) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO depth_levels (pool_id, chain_id, side, price, quantity,
			order_count, last_updated, price_sort)
		VALUES (?, ?, ?, ?, ?, ?, ?, CAST(? AS NUMERIC))
		ON CONFLICT (pool_id, side, price) DO UPDATE SET
			quantity = excluded.quantity,
			order_count = excluded.order_count,
			last_updated = excluded.last_updated`),
		l.PoolID, l.ChainID, string(l.Side), bigText(l.Price),
		bigText(l.Quantity), l.OrderCount, ms(l.LastUpdated),
		bigText(l.Price))
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (t *sqlTx) PutRateLimit(ctx context.Context, r *RateLimitRecord) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO rate_limits (identifier, identifier_type, request_count,
			window_start, last_request_time, cooldown_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier, identifier_type) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			last_request_time = excluded.last_request_time,
			cooldown_until = excluded.cooldown_until`),
		r.Identifier, r.IdentifierType, r.RequestCount, ms(r.WindowStart),
		ms(r.LastRequestTime), ms(r.CooldownUntil))
	if err != nil {
		return Transient(err)
	}
	return nil
}

const poolCols = `id, chain_id, symbol, order_book, base_currency,
	quote_currency, base_decimals, quote_decimals, last_price, volume,
	created_at, updated_at`

func getPool(ctx context.Context, s *sqlStore, q querier, where string, args ...any) (*Pool, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+poolCols+` FROM pools `+where), args...)
	return scanPool(row.Scan)
}

func listPools(ctx context.Context, s *sqlStore, q querier, chainID uint64) ([]*Pool, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT `+poolCols+` FROM pools WHERE chain_id = ? OR ? = 0 ORDER BY id`),
		chainID, chainID)
	if err != nil {
		return nil, Transient(err)
	}
	defer rows.Close()
	var out []*Pool
	for rows.Next() {
		p, err := scanPool(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPool(scan func(...any) error) (*Pool, error) {
	var p Pool
	var lastPrice sql.NullString
	var volume string
	var created, updated int64
	err := scan(&p.ID, &p.ChainID, &p.Symbol, &p.OrderBook, &p.BaseCurrency,
		&p.QuoteCurrency, &p.BaseDecimals, &p.QuoteDecimals, &lastPrice,
		&volume, &created, &updated)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	if lastPrice.Valid {
		p.LastPrice = textBig(lastPrice.String)
	}
	p.Volume = textBig(volume)
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	return &p, nil
}

const orderCols = `id, chain_id, pool_id, order_id, trader, side, price,
	quantity, filled, status, expiry, tx_hash, block`

func getOrder(ctx context.Context, s *sqlStore, q querier, id string) (*Order, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+orderCols+` FROM orders WHERE id = ?`), id)
	return scanOrder(row.Scan)
}

func openOrdersAtPrice(ctx context.Context, s *sqlStore, q querier, poolID string, chainID uint64, side Side, price *big.Int) ([]*Order, error) {
	return queryOrders(ctx, s, q, `SELECT `+orderCols+` FROM orders
		WHERE pool_id = ? AND chain_id = ? AND side = ? AND price = ?
		AND status IN ('NEW', 'OPEN', 'PARTIALLY_FILLED')
		ORDER BY order_id`,
		poolID, chainID, string(side), bigText(price))
}

func openOrders(ctx context.Context, s *sqlStore, q querier, poolID string, chainID uint64) ([]*Order, error) {
	return queryOrders(ctx, s, q, `SELECT `+orderCols+` FROM orders
		WHERE pool_id = ? AND chain_id = ?
		AND status IN ('NEW', 'OPEN', 'PARTIALLY_FILLED')
		ORDER BY order_id`,
		poolID, chainID)
}

func queryOrders(ctx context.Context, s *sqlStore, q querier, query string, args ...any) ([]*Order, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, Transient(err)
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(scan func(...any) error) (*Order, error) {
	var o Order
	var side, status, price, quantity, filled string
	var expiry int64
	err := scan(&o.ID, &o.ChainID, &o.PoolID, &o.OrderID, &o.Trader, &side,
		&price, &quantity, &filled, &status, &expiry, &o.TxHash, &o.Block)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	o.Side = Side(side)
	o.Status = OrderStatus(status)
	o.Price = textBig(price)
	o.Quantity = textBig(quantity)
	o.Filled = textBig(filled)
	o.Expiry = fromMS(expiry)
	return &o, nil
}

func getTrade(ctx context.Context, s *sqlStore, q querier, id string) (*Trade, error) {
	var t Trade
	var side, price, quantity string
	var ts int64
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, chain_id, pool_id, price, quantity, side, ts, source_tx, block
		FROM trades WHERE id = ?`), id).
		Scan(&t.ID, &t.ChainID, &t.PoolID, &price, &quantity, &side, &ts,
			&t.SourceTx, &t.Block)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	t.Side = Side(side)
	t.Price = textBig(price)
	t.Quantity = textBig(quantity)
	t.Timestamp = fromMS(ts)
	return &t, nil
}

func getBalance(ctx context.Context, s *sqlStore, q querier, chainID uint64, user, currency string) (*Balance, error) {
	var b Balance
	var amount, locked string
	var updated int64
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT chain_id, usr, currency, amount, locked_amount, updated_at
		FROM balances WHERE chain_id = ? AND usr = ? AND currency = ?`),
		chainID, strings.ToLower(user), currency).
		Scan(&b.ChainID, &b.User, &b.Currency, &amount, &locked, &updated)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	b.Amount = textBig(amount)
	b.LockedAmount = textBig(locked)
	b.UpdatedAt = fromMS(updated)
	return &b, nil
}

func getTransfer(ctx context.Context, s *sqlStore, q querier, id string) (*CrossChainTransfer, error) {
	var t CrossChainTransfer
	var amount sql.NullString
	var status string
	var srcTS, dstTS int64
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, source_chain_id, destination_chain_id, sender, recipient,
			token, amount, message_id, status, source_tx_hash, source_block,
			source_ts, dest_tx_hash, dest_block, dest_ts
		FROM transfers WHERE id = ?`), id).
		Scan(&t.ID, &t.SourceChainID, &t.DestinationChainID, &t.Sender,
			&t.Recipient, &t.Token, &amount, &t.MessageID, &status,
			&t.SourceTxHash, &t.SourceBlock, &srcTS, &t.DestTxHash,
			&t.DestBlock, &dstTS)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	if amount.Valid {
		t.Amount = textBig(amount.String)
	}
	t.Status = TransferStatus(status)
	t.SourceTimestamp = fromMS(srcTS)
	t.DestTimestamp = fromMS(dstTS)
	return &t, nil
}

func getMessage(ctx context.Context, s *sqlStore, q querier, messageID string, dir Direction) (*Message, error) {
	var m Message
	var direction string
	var ts int64
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, message_id, direction, chain_id, tx_hash, block, ts
		FROM messages WHERE id = ?`), MessageKey(messageID, dir)).
		Scan(&m.ID, &m.MessageID, &direction, &m.ChainID, &m.TxHash, &m.Block, &ts)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	m.Direction = Direction(direction)
	m.Timestamp = fromMS(ts)
	return &m, nil
}

func getDepthLevel(ctx context.Context, s *sqlStore, q querier, poolID string, side Side, price *big.Int) (*DepthLevel, error) {
	row := q.QueryRowContext(ctx, s.rebind(`
		SELECT pool_id, chain_id, side, price, quantity, order_count, last_updated
		FROM depth_levels WHERE pool_id = ? AND side = ? AND price = ?`),
		poolID, string(side), bigText(price))
	return scanDepthLevel(row.Scan)
}

func listDepthLevels(ctx context.Context, s *sqlStore, q querier, poolID string, side Side, limit int) ([]*DepthLevel, error) {
	order := "ASC"
	if side == SideBuy {
		order = "DESC"
	}
	query := `SELECT pool_id, chain_id, side, price, quantity, order_count, last_updated
		FROM depth_levels WHERE pool_id = ? AND side = ?
		ORDER BY price_sort ` + order
	args := []any{poolID, string(side)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, Transient(err)
	}
	defer rows.Close()
	var out []*DepthLevel
	for rows.Next() {
		l, err := scanDepthLevel(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanDepthLevel(scan func(...any) error) (*DepthLevel, error) {
	var l DepthLevel
	var side, price, quantity string
	var updated int64
	err := scan(&l.PoolID, &l.ChainID, &side, &price, &quantity,
		&l.OrderCount, &updated)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	l.Side = Side(side)
	l.Price = textBig(price)
	l.Quantity = textBig(quantity)
	l.LastUpdated = fromMS(updated)
	return &l, nil
}

func getRateLimit(ctx context.Context, s *sqlStore, q querier, identifier, identifierType string) (*RateLimitRecord, error) {
	var r RateLimitRecord
	var windowStart, lastReq, cooldown int64
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT identifier, identifier_type, request_count, window_start,
			last_request_time, cooldown_until
		FROM rate_limits WHERE identifier = ? AND identifier_type = ?`),
		identifier, identifierType).
		Scan(&r.Identifier, &r.IdentifierType, &r.RequestCount, &windowStart,
			&lastReq, &cooldown)
	if err != nil {
		return nil, wrapScanErr(err)
	}
	r.WindowStart = fromMS(windowStart)
	r.LastRequestTime = fromMS(lastReq)
	r.CooldownUntil = fromMS(cooldown)
	return &r, nil
}

func wrapScanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return Transient(err)
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func textBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
