// Package exchange models the batch-auction settlement venue. The relayer
// only pushes funds and orders in; it never reads auction state back.
package exchange

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0xfoundry/gprelayer/pkg/util"
)

var (
	ErrTokenNotListed = errors.New("exchange: token not listed")
	ErrZeroAmount     = errors.New("exchange: zero amount")
)

// Gateway is the narrow surface the relayer consumes. The deposit and the
// resting order commit together or not at all; only success/failure is
// observed.
type Gateway interface {
	DepositAndPlace(sellToken, buyToken common.Address, sellAmount, minBuyAmount *uint256.Int, validUntil uint32) error
}

// AuctionOrder is a sell order resting in the exchange, waiting for the
// batch solver.
type AuctionOrder struct {
	SellToken    common.Address `json:"sellToken"`
	BuyToken     common.Address `json:"buyToken"`
	SellAmount   *uint256.Int   `json:"sellAmount"`
	MinBuyAmount *uint256.Int   `json:"minBuyAmount"`
	ValidUntil   uint32         `json:"validUntil"`
	Epoch        uint64         `json:"epoch"`
}

// BatchExchange is an in-memory batch auction with an epoch-based balance
// ledger: deposits are credited to the epoch after the one they arrive in,
// mirroring how the on-chain token locker defers balances to the next batch.
type BatchExchange struct {
	mu        sync.RWMutex
	clock     util.Clock
	epochLen  uint64
	listed    map[common.Address]bool
	deposits  map[common.Address]*uint256.Int // token -> total locked
	creditAt  map[common.Address]uint64       // token -> epoch the latest deposit unlocks
	orders    []AuctionOrder
}

func NewBatchExchange(clock util.Clock, epochLen uint64) *BatchExchange {
	return &BatchExchange{
		clock:    clock,
		epochLen: epochLen,
		listed:   make(map[common.Address]bool),
		deposits: make(map[common.Address]*uint256.Int),
		creditAt: make(map[common.Address]uint64),
	}
}

// AddToken lists a token for trading. Deposits of unlisted tokens fail.
func (x *BatchExchange) AddToken(token common.Address) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listed[token] = true
}

// CurrentEpoch returns the running batch index.
func (x *BatchExchange) CurrentEpoch() uint64 {
	return x.clock.Unix() / x.epochLen
}

// Deposit locks amount of token in the exchange, creditable next epoch.
func (x *BatchExchange) Deposit(token common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.listed[token] {
		return ErrTokenNotListed
	}
	x.credit(token, amount)
	return nil
}

// PlaceOrder registers a sell order for the current epoch.
func (x *BatchExchange) PlaceOrder(sellToken, buyToken common.Address, sellAmount, minBuyAmount *uint256.Int, validUntil uint32) error {
	if sellAmount.IsZero() {
		return ErrZeroAmount
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.listed[sellToken] || !x.listed[buyToken] {
		return ErrTokenNotListed
	}
	x.place(sellToken, buyToken, sellAmount, minBuyAmount, validUntil)
	return nil
}

// DepositAndPlace locks sellAmount and registers the sell order in one step.
// Every precondition is checked before either side commits, so a failure
// leaves no funds behind.
func (x *BatchExchange) DepositAndPlace(sellToken, buyToken common.Address, sellAmount, minBuyAmount *uint256.Int, validUntil uint32) error {
	if sellAmount.IsZero() {
		return ErrZeroAmount
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.listed[sellToken] || !x.listed[buyToken] {
		return ErrTokenNotListed
	}
	x.credit(sellToken, sellAmount)
	x.place(sellToken, buyToken, sellAmount, minBuyAmount, validUntil)
	return nil
}

// credit and place require the write lock.
func (x *BatchExchange) credit(token common.Address, amount *uint256.Int) {
	bal, ok := x.deposits[token]
	if !ok {
		bal = new(uint256.Int)
		x.deposits[token] = bal
	}
	bal.Add(bal, amount)
	x.creditAt[token] = x.CurrentEpoch() + 1
}

func (x *BatchExchange) place(sellToken, buyToken common.Address, sellAmount, minBuyAmount *uint256.Int, validUntil uint32) {
	x.orders = append(x.orders, AuctionOrder{
		SellToken:    sellToken,
		BuyToken:     buyToken,
		SellAmount:   sellAmount.Clone(),
		MinBuyAmount: minBuyAmount.Clone(),
		ValidUntil:   validUntil,
		Epoch:        x.CurrentEpoch(),
	})
}

// Balance returns the total locked amount of token.
func (x *BatchExchange) Balance(token common.Address) *uint256.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if bal, ok := x.deposits[token]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Orders returns a snapshot of every auction order placed so far.
func (x *BatchExchange) Orders() []AuctionOrder {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]AuctionOrder, len(x.orders))
	copy(out, x.orders)
	return out
}
