package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Orders and oracles share the same id sequence, so
// fixed-width hex ids keep lexicographic iteration in id order.
const (
	prefixOrder   = "ord:"
	prefixOracle  = "orc:"
	prefixBalance = "bal:"
)

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixOrder, id))
}

func oracleKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixOracle, id))
}

func balanceKey(token common.Address) []byte {
	return append([]byte(prefixBalance), token.Bytes()...)
}

// prefixBounds returns the iterator bounds covering every key under prefix.
func prefixBounds(prefix string) (lower, upper []byte) {
	lower = []byte(prefix)
	upper = make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++
	return lower, upper
}
