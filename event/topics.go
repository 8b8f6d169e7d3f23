// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package event

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Solidity signatures of the tracked events. Log sources that deliver
// raw topics use these to recover the event name before building an
// envelope.
var signatures = map[string]string{
	"PoolCreated":       "PoolCreated(string,string,string,uint8,uint8)",
	"OrderPlaced":       "OrderPlaced(uint64,address,uint8,uint256,uint256,uint64)",
	"OrderMatched":      "OrderMatched(uint64,uint256,uint256,uint8)",
	"OrderCancelled":    "OrderCancelled(uint64)",
	"Deposited":         "Deposited(address,string,uint256)",
	"Withdrawn":         "Withdrawn(address,string,uint256,uint64,address)",
	"BalanceLocked":     "BalanceLocked(address,string,uint256)",
	"BalanceUnlocked":   "BalanceUnlocked(address,string,uint256)",
	"MessageDispatched": "MessageDispatched(bytes32,uint64)",
	"MessageProcessed":  "MessageProcessed(bytes32,uint64)",
}

var topicToName = func() map[string]string {
	m := make(map[string]string, len(signatures))
	for name, sig := range signatures {
		m[TopicOf(sig)] = name
	}
	return m
}()

// TopicOf returns the 0x-prefixed keccak-256 hash of an event
// signature, the value chains put in topic0.
func TopicOf(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NameByTopic maps a topic0 hash back to the tracked event name.
// Returns false for events this indexer does not follow.
func NameByTopic(topic string) (string, bool) {
	name, ok := topicToName[strings.ToLower(topic)]
	return name, ok
}
