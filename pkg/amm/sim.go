package amm

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/0xfoundry/gprelayer/pkg/util"
)

var (
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrInvalidSwapToken      = errors.New("amm: token not in pair")
)

// SimFactory is an in-memory AMM deployment. It stands in for an on-chain
// factory contract: pair addresses are derived deterministically from the
// factory address and the sorted token pair, so two factories listing the
// same tokens produce distinct pairs.
type SimFactory struct {
	mu    sync.RWMutex
	addr  common.Address
	clock util.Clock
	pairs map[[2]common.Address]*SimPair
}

func NewSimFactory(addr common.Address, clock util.Clock) *SimFactory {
	return &SimFactory{
		addr:  addr,
		clock: clock,
		pairs: make(map[[2]common.Address]*SimPair),
	}
}

func (f *SimFactory) Address() common.Address { return f.addr }

// CreatePair registers a pool for the token combination. Fails if the
// tokens are identical or the pair already exists.
func (f *SimFactory) CreatePair(tokenA, tokenB common.Address) (*SimPair, error) {
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := [2]common.Address{token0, token1}
	if _, exists := f.pairs[key]; exists {
		return nil, ErrPairExists
	}

	p := &SimPair{
		addr:             pairAddress(f.addr, token0, token1),
		token0:           token0,
		token1:           token1,
		reserve0:         new(uint256.Int),
		reserve1:         new(uint256.Int),
		price0Cumulative: new(uint256.Int),
		price1Cumulative: new(uint256.Int),
		clock:            f.clock,
	}
	f.pairs[key] = p
	return p, nil
}

// Pair returns the pool for the token combination, in either order.
func (f *SimFactory) Pair(tokenA, tokenB common.Address) (Pair, bool) {
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return nil, false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.pairs[[2]common.Address{token0, token1}]
	if !ok {
		return nil, false
	}
	return p, true
}

// pairAddress derives a CREATE2-style address from the factory and the
// sorted token pair.
func pairAddress(factory, token0, token1 common.Address) common.Address {
	h := crypto.Keccak256(factory.Bytes(), token0.Bytes(), token1.Bytes())
	return common.BytesToAddress(h[12:])
}

// SimPair is a feeless constant-product pool with UniswapV2-style cumulative
// price tracking: on every reserve change the spot price, weighted by the
// seconds it held, is added to the accumulators. The timestamp is kept mod
// 2^32 and the accumulators wrap mod 2^256.
type SimPair struct {
	mu     sync.RWMutex
	addr   common.Address
	token0 common.Address
	token1 common.Address
	clock  util.Clock

	reserve0           *uint256.Int
	reserve1           *uint256.Int
	blockTimestampLast uint32
	price0Cumulative   *uint256.Int
	price1Cumulative   *uint256.Int
}

func (p *SimPair) Address() common.Address { return p.addr }
func (p *SimPair) Token0() common.Address  { return p.token0 }
func (p *SimPair) Token1() common.Address  { return p.token1 }

func (p *SimPair) GetReserves() (reserve0, reserve1 *uint256.Int, blockTimestampLast uint32) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reserve0.Clone(), p.reserve1.Clone(), p.blockTimestampLast
}

func (p *SimPair) Price0CumulativeLast() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price0Cumulative.Clone()
}

func (p *SimPair) Price1CumulativeLast() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price1Cumulative.Clone()
}

// Mint adds liquidity. Amounts are in canonical token0/token1 order.
func (p *SimPair) Mint(amount0, amount1 *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accumulate()
	p.reserve0.Add(p.reserve0, amount0)
	p.reserve1.Add(p.reserve1, amount1)
}

// Swap trades amountIn of tokenIn against the pool at x*y=k (no fee) and
// returns the amount out. Moves the spot price, which is what TWAP tests
// exercise.
func (p *SimPair) Swap(tokenIn common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reserveIn, reserveOut *uint256.Int
	switch tokenIn {
	case p.token0:
		reserveIn, reserveOut = p.reserve0, p.reserve1
	case p.token1:
		reserveIn, reserveOut = p.reserve1, p.reserve0
	default:
		return nil, ErrInvalidSwapToken
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}

	p.accumulate()

	// amountOut = reserveOut * amountIn / (reserveIn + amountIn)
	newReserveIn := new(uint256.Int).Add(reserveIn, amountIn)
	amountOut := new(uint256.Int).Mul(reserveOut, amountIn)
	amountOut.Div(amountOut, newReserveIn)

	reserveIn.Set(newReserveIn)
	reserveOut.Sub(reserveOut, amountOut)
	return amountOut, nil
}

// Sync folds the time since the last reserve change into the accumulators
// without touching reserves.
func (p *SimPair) Sync() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accumulate()
}

// accumulate must be called with the write lock held, before any reserve
// mutation.
func (p *SimPair) accumulate() {
	now := uint32(p.clock.Unix())
	elapsed := now - p.blockTimestampLast // wraps
	if elapsed > 0 && !p.reserve0.IsZero() && !p.reserve1.IsZero() {
		e := uint256.NewInt(uint64(elapsed))
		p.price0Cumulative.Add(p.price0Cumulative, new(uint256.Int).Mul(EncodeUQ112(p.reserve1, p.reserve0), e))
		p.price1Cumulative.Add(p.price1Cumulative, new(uint256.Int).Mul(EncodeUQ112(p.reserve0, p.reserve1), e))
	}
	p.blockTimestampLast = now
}
