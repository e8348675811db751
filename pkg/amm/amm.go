// Package amm exposes the narrow read surface of an automated-market-maker
// pair and factory, plus an in-memory implementation used by the devnet
// daemon and tests. The relayer and oracle only ever consume the interfaces.
package amm

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrIdenticalTokens = errors.New("amm: identical tokens")
	ErrPairExists      = errors.New("amm: pair exists")
)

// Pair is a two-token liquidity pool. Reserves are capped at 2^112-1 and the
// cumulative price accumulators are UQ112x112 prices summed over elapsed
// seconds, wrapping mod 2^256.
type Pair interface {
	Address() common.Address
	Token0() common.Address
	Token1() common.Address
	GetReserves() (reserve0, reserve1 *uint256.Int, blockTimestampLast uint32)
	Price0CumulativeLast() *uint256.Int
	Price1CumulativeLast() *uint256.Int
}

// Factory resolves the pair for a token combination, if one exists.
type Factory interface {
	Address() common.Address
	Pair(tokenA, tokenB common.Address) (Pair, bool)
}

// SortTokens returns the tokens in canonical order (token0 < token1).
// Pairs store reserves and prices in this order regardless of how callers
// name the legs of a trade.
func SortTokens(tokenA, tokenB common.Address) (token0, token1 common.Address, err error) {
	if tokenA == tokenB {
		return common.Address{}, common.Address{}, ErrIdenticalTokens
	}
	if tokenA.Cmp(tokenB) < 0 {
		return tokenA, tokenB, nil
	}
	return tokenB, tokenA, nil
}

// CurrentCumulativePrices returns the pair's accumulators extrapolated to
// now without mutating the pair: if the pair has not synced since its last
// reserve change, the spot price is assumed to have held for the gap.
// Timestamps wrap at 2^32, matching the pair's own arithmetic.
func CurrentCumulativePrices(p Pair, now uint64) (price0, price1 *uint256.Int, blockTimestamp uint32) {
	blockTimestamp = uint32(now)
	reserve0, reserve1, last := p.GetReserves()
	price0 = p.Price0CumulativeLast().Clone()
	price1 = p.Price1CumulativeLast().Clone()
	if last != blockTimestamp && !reserve0.IsZero() && !reserve1.IsZero() {
		elapsed := uint256.NewInt(uint64(blockTimestamp - last))
		price0.Add(price0, new(uint256.Int).Mul(EncodeUQ112(reserve1, reserve0), elapsed))
		price1.Add(price1, new(uint256.Int).Mul(EncodeUQ112(reserve0, reserve1), elapsed))
	}
	return price0, price1, blockTimestamp
}
