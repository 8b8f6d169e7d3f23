// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package gateway

import "strings"

// Stream grammar. Market streams are "<symbol>@<kind>" with lowercase
// symbols; user streams are "user@<kind>" and deliver only to the
// connection's authenticated identity.

var klineIntervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true, "1w": true,
}

var userStreams = map[string]bool{
	"balance":         true,
	"orders":          true,
	"trades":          true,
	"executionReport": true,
}

// validStream reports whether name is a well-formed stream for a
// connection with the given identity. User streams require an
// authenticated connection.
func validStream(name, user string) bool {
	prefix, kind, ok := strings.Cut(name, "@")
	if !ok || prefix == "" || kind == "" {
		return false
	}
	if prefix == "user" {
		return user != "" && userStreams[kind]
	}
	if prefix != strings.ToLower(prefix) {
		return false
	}
	switch kind {
	case "trade", "depth", "miniTicker", "ticker":
		return true
	}
	if interval, found := strings.CutPrefix(kind, "kline_"); found {
		return klineIntervals[interval]
	}
	return false
}

// depthSymbol extracts the symbol from a "<symbol>@depth" stream name,
// or "" if name is not a depth stream.
func depthSymbol(name string) string {
	symbol, kind, ok := strings.Cut(name, "@")
	if !ok || kind != "depth" || symbol == "user" {
		return ""
	}
	return symbol
}
