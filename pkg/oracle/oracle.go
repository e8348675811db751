// Package oracle builds time-weighted average prices from AMM cumulative
// price accumulators. Each oracle takes exactly two observations; the price
// between them is (cumulativeEnd - cumulativeStart) / elapsed, which is
// insensitive to how the spot price moved inside the window.
package oracle

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0xfoundry/gprelayer/pkg/amm"
	"github.com/0xfoundry/gprelayer/pkg/util"
)

var (
	ErrUnknownOracle      = errors.New("oracle: unknown oracle")
	ErrAlreadyObserving   = errors.New("oracle: already observing")
	ErrPeriodNotElapsed   = errors.New("oracle: period not elapsed")
	ErrObservationEnded   = errors.New("oracle: observation ended")
	ErrObservationRunning = errors.New("oracle: observation running")
	ErrInvalidToken       = errors.New("oracle: invalid token")
	ErrRestoreSequence    = errors.New("oracle: restore out of sequence")
)

// Observation is a cumulative price sample at a point in time.
type Observation struct {
	Timestamp        uint64       `json:"timestamp"`
	Price0Cumulative *uint256.Int `json:"price0Cumulative"`
	Price1Cumulative *uint256.Int `json:"price1Cumulative"`
}

// Oracle holds one pair's observations. Tokens are in the pair's canonical
// order. End stays nil until the second observation finalizes the window.
type Oracle struct {
	ID          uint64         `json:"id"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	PairAddress common.Address `json:"pairAddress"`
	Start       *Observation   `json:"start,omitempty"`
	End         *Observation   `json:"end,omitempty"`

	// UQ112x112 averages over [Start, End], set when End is.
	Price0Average *uint256.Int `json:"price0Average,omitempty"`
	Price1Average *uint256.Int `json:"price1Average,omitempty"`
}

// Finalized reports whether the observation window has closed.
func (o *Oracle) Finalized() bool { return o.End != nil }

func (o *Oracle) clone() *Oracle {
	cp := *o
	if o.Start != nil {
		s := *o.Start
		cp.Start = &s
	}
	if o.End != nil {
		e := *o.End
		cp.End = &e
	}
	return &cp
}

// Creator owns every oracle, keyed by a monotonically increasing id shared
// with the order that requested it. Oracles are never removed; a finalized
// or stale oracle simply refuses further updates.
type Creator struct {
	mu        sync.RWMutex
	clock     util.Clock
	minWindow uint64 // seconds between observations, lower bound
	maxWindow uint64 // staleness bound; beyond it the oracle is abandoned

	oracles []*Oracle
	pairs   []amm.Pair // parallel to oracles
}

func NewCreator(clock util.Clock, minWindow, maxWindow uint64) *Creator {
	return &Creator{clock: clock, minWindow: minWindow, maxWindow: maxWindow}
}

// CreateOracle registers a fresh oracle for the pair and returns its id.
func (c *Creator) CreateOracle(pair amm.Pair) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uint64(len(c.oracles))
	c.oracles = append(c.oracles, &Oracle{
		ID:          id,
		Token0:      pair.Token0(),
		Token1:      pair.Token1(),
		PairAddress: pair.Address(),
	})
	c.pairs = append(c.pairs, pair)
	return id
}

// Restore re-attaches a persisted oracle to its live pair. Oracles must be
// restored in id order into an empty creator.
func (c *Creator) Restore(o *Oracle, pair amm.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.ID != uint64(len(c.oracles)) {
		return ErrRestoreSequence
	}
	c.oracles = append(c.oracles, o.clone())
	c.pairs = append(c.pairs, pair)
	return nil
}

// Update advances the oracle: the first call records the opening
// observation, the second closes the window and fixes the average price.
// A finalized oracle refuses further updates.
func (c *Creator) Update(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, err := c.get(id)
	if err != nil {
		return err
	}
	if o.Start == nil {
		return c.recordFirst(id, o)
	}
	return c.recordSecond(id, o)
}

// RecordFirstObservation samples the opening cumulative prices.
func (c *Creator) RecordFirstObservation(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, err := c.get(id)
	if err != nil {
		return err
	}
	return c.recordFirst(id, o)
}

func (c *Creator) recordFirst(id uint64, o *Oracle) error {
	if o.Start != nil {
		return ErrAlreadyObserving
	}
	now := c.clock.Unix()
	price0, price1, _ := amm.CurrentCumulativePrices(c.pairs[id], now)
	o.Start = &Observation{Timestamp: now, Price0Cumulative: price0, Price1Cumulative: price1}
	return nil
}

func (c *Creator) recordSecond(id uint64, o *Oracle) error {
	if o.Finalized() {
		return ErrObservationEnded
	}
	now := c.clock.Unix()
	elapsed := now - o.Start.Timestamp
	if elapsed < c.minWindow {
		return ErrPeriodNotElapsed
	}
	if elapsed > c.maxWindow {
		// Stale: the order this oracle serves must be cancelled or
		// withdrawn, never executed on an old window.
		return ErrObservationEnded
	}

	price0, price1, _ := amm.CurrentCumulativePrices(c.pairs[id], now)
	e := uint256.NewInt(elapsed)

	// Overflow-safe by construction: the accumulators wrap mod 2^256 and
	// so does the subtraction.
	avg0 := new(uint256.Int).Sub(price0, o.Start.Price0Cumulative)
	avg0.Div(avg0, e)
	avg1 := new(uint256.Int).Sub(price1, o.Start.Price1Cumulative)
	avg1.Div(avg1, e)

	o.End = &Observation{Timestamp: now, Price0Cumulative: price0, Price1Cumulative: price1}
	o.Price0Average = avg0
	o.Price1Average = avg1
	return nil
}

// Consult converts amountIn of token into the other token at the stored
// average price, truncating at the 2^112 radix.
func (c *Creator) Consult(id uint64, token common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, err := c.get(id)
	if err != nil {
		return nil, err
	}
	if !o.Finalized() {
		return nil, ErrObservationRunning
	}
	switch token {
	case o.Token0:
		return amm.MulDecodeUQ112(o.Price0Average, amountIn)
	case o.Token1:
		return amm.MulDecodeUQ112(o.Price1Average, amountIn)
	default:
		return nil, ErrInvalidToken
	}
}

// IsFinalized reports whether the oracle's window has closed.
func (c *Creator) IsFinalized(id uint64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, err := c.get(id)
	if err != nil {
		return false, err
	}
	return o.Finalized(), nil
}

// Details returns a copy of the oracle's state.
func (c *Creator) Details(id uint64) (*Oracle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, err := c.get(id)
	if err != nil {
		return nil, err
	}
	return o.clone(), nil
}

func (c *Creator) get(id uint64) (*Oracle, error) {
	if id >= uint64(len(c.oracles)) {
		return nil, ErrUnknownOracle
	}
	return c.oracles[id], nil
}
