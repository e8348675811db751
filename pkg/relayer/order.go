package relayer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeToken is the sentinel token address for the chain's native asset.
// Orders denominated in it consult the oracle through the configured
// wrapped-native token.
var NativeToken = common.Address{}

// Status is the lifecycle state of an order. Orders are never deleted;
// terminal states make them permanently inert.
type Status int8

const (
	StatusObserving Status = iota // oracle has one observation
	StatusReady                   // oracle finalized, executable
	StatusExecuted                // funds deposited into the exchange
	StatusCancelled               // escrow refunded by the owner
	StatusExpired                 // escrow refunded after the deadline
)

func (s Status) String() string {
	switch s {
	case StatusObserving:
		return "observing"
	case StatusReady:
		return "ready"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a pre-registered conditional trade. AmountIn of TokenIn stays
// escrowed in the relayer until exactly one of execution, cancellation or
// expiry withdrawal releases it.
type Order struct {
	ID             uint64         `json:"id"`
	TokenIn        common.Address `json:"tokenIn"`
	TokenOut       common.Address `json:"tokenOut"`
	AmountIn       *uint256.Int   `json:"amountIn"`
	AmountOutMin   *uint256.Int   `json:"amountOutMin"`
	PriceTolerance uint32         `json:"priceTolerance"` // parts per million
	MinReserve     *uint256.Int   `json:"minReserve"`
	StartTime      uint64         `json:"startTime"`
	Deadline       uint64         `json:"deadline"` // must fit uint32
	OracleID       uint64         `json:"oracleId"` // equals ID, 1:1
	Factory        common.Address `json:"factory"`
	PairAddress    common.Address `json:"pairAddress"`
	Status         Status         `json:"status"`
}

// Executed reports whether the order's funds went to the exchange.
// Monotonic: no transition ever clears it.
func (o *Order) Executed() bool { return o.Status == StatusExecuted }

// Closed reports whether the order is in any terminal state.
func (o *Order) Closed() bool {
	return o.Status == StatusExecuted || o.Status == StatusCancelled || o.Status == StatusExpired
}

func (o *Order) clone() *Order {
	cp := *o
	return &cp
}

// escrowToken is the ledger key the order's escrow is held under.
func (o *Order) escrowToken() common.Address { return o.TokenIn }
