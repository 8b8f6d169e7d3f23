// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package event

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/dexindexer/storage"
)

// Decode parses an envelope's args into a typed event. Decoding
// happens exactly once, at the pipeline boundary; handlers never see
// raw args. An unknown event name returns (nil, nil) so the caller can
// skip contracts that emit more than this indexer tracks; bad or
// missing args return a *MalformedError.
func Decode(env Envelope) (Event, error) {
	d := decoder{env: env}
	switch env.Event {
	case "PoolCreated":
		ev := PoolCreated{
			Symbol:        d.str("symbol"),
			BaseCurrency:  d.str("baseCurrency"),
			QuoteCurrency: d.str("quoteCurrency"),
			BaseDecimals:  d.decimals("baseDecimals"),
			QuoteDecimals: d.decimals("quoteDecimals"),
		}
		return ev, d.err
	case "OrderPlaced":
		ev := OrderPlaced{
			OrderID:  d.uint("orderId"),
			Trader:   d.str("trader"),
			Side:     d.side("side"),
			Price:    d.amount("price"),
			Quantity: d.amount("quantity"),
			Expiry:   d.unix("expiry"),
		}
		return ev, d.err
	case "OrderMatched":
		ev := OrderMatched{
			OrderID:   d.uint("orderId"),
			Price:     d.amount("price"),
			Quantity:  d.amount("quantity"),
			TakerSide: d.side("takerSide"),
		}
		return ev, d.err
	case "OrderCancelled":
		ev := OrderCancelled{OrderID: d.uint("orderId")}
		return ev, d.err
	case "Deposited":
		ev := Deposited{
			User:     d.str("user"),
			Currency: d.str("currency"),
			Amount:   d.amount("amount"),
		}
		return ev, d.err
	case "Withdrawn":
		ev := Withdrawn{
			User:               d.str("user"),
			Currency:           d.str("currency"),
			Amount:             d.amount("amount"),
			DestinationChainID: d.optUint("destinationChainId"),
			Recipient:          env.Args["recipient"],
		}
		return ev, d.err
	case "BalanceLocked":
		ev := BalanceLocked{
			User:     d.str("user"),
			Currency: d.str("currency"),
			Amount:   d.amount("amount"),
		}
		return ev, d.err
	case "BalanceUnlocked":
		ev := BalanceUnlocked{
			User:     d.str("user"),
			Currency: d.str("currency"),
			Amount:   d.amount("amount"),
		}
		return ev, d.err
	case "MessageDispatched":
		ev := MessageDispatched{
			MessageID:          d.str("messageId"),
			DestinationChainID: d.optUint("destinationChainId"),
		}
		return ev, d.err
	case "MessageProcessed":
		ev := MessageProcessed{
			MessageID:     d.str("messageId"),
			OriginChainID: d.optUint("originChainId"),
		}
		return ev, d.err
	default:
		return nil, nil
	}
}

// decoder accumulates the first arg error so decode call sites stay
// flat. Later accessors after a failure return zero values.
type decoder struct {
	env Envelope
	err error
}

func (d *decoder) fail(field, reason string) {
	if d.err == nil {
		d.err = malformed(d.env, field, reason)
	}
}

func (d *decoder) str(field string) string {
	v, ok := d.env.Args[field]
	if !ok || v == "" {
		d.fail(field, "missing")
		return ""
	}
	return v
}

func (d *decoder) uint(field string) uint64 {
	raw := d.str(field)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		d.fail(field, "not an unsigned integer")
		return 0
	}
	return v
}

func (d *decoder) optUint(field string) uint64 {
	raw, ok := d.env.Args[field]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		d.fail(field, "not an unsigned integer")
		return 0
	}
	return v
}

func (d *decoder) amount(field string) *big.Int {
	raw := d.str(field)
	if raw == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		d.fail(field, "not a decimal integer")
		return new(big.Int)
	}
	if v.Sign() < 0 {
		d.fail(field, "negative")
		return new(big.Int)
	}
	return v
}

func (d *decoder) side(field string) storage.Side {
	raw := strings.ToUpper(d.str(field))
	switch raw {
	case string(storage.SideBuy), "0":
		return storage.SideBuy
	case string(storage.SideSell), "1":
		return storage.SideSell
	case "":
		return ""
	default:
		d.fail(field, "not a side")
		return ""
	}
}

func (d *decoder) decimals(field string) uint8 {
	v := d.uint(field)
	if v > 255 {
		d.fail(field, "out of range")
		return 0
	}
	return uint8(v)
}

func (d *decoder) unix(field string) time.Time {
	v := d.uint(field)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}
