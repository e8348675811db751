package relayer

import "github.com/holiman/uint256"

// EventType names the lifecycle notifications emitted for off-chain
// observers. Every event carries the order id for correlation.
type EventType string

const (
	EventOrderCreated          EventType = "order_created"
	EventOracleUpdated         EventType = "oracle_updated"
	EventTradeExecuted         EventType = "trade_executed"
	EventOrderCancelled        EventType = "order_cancelled"
	EventExpiredOrderWithdrawn EventType = "expired_order_withdrawn"
)

type Event struct {
	Type      EventType `json:"type"`
	OrderID   uint64    `json:"orderId"`
	Timestamp uint64    `json:"timestamp"`

	// MinAmountOut is the tolerance-derived output floor, set on
	// trade_executed only.
	MinAmountOut *uint256.Int `json:"minAmountOut,omitempty"`
}

// Sink receives events synchronously, in emission order.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }
