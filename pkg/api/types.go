package api

// Request and response shapes for the REST surface. Amounts travel as
// decimal strings; addresses as 0x-prefixed hex.

type CreateOrderRequest struct {
	From           string `json:"from"`
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	AmountIn       string `json:"amountIn"`
	AmountOutMin   string `json:"amountOutMin"`
	PriceTolerance uint32 `json:"priceTolerance"` // parts per million
	MinReserve     string `json:"minReserve"`
	StartTime      uint64 `json:"startTime"`
	Deadline       uint64 `json:"deadline"`
	Factory        string `json:"factory"`
	Value          string `json:"value,omitempty"` // attached native amount
}

// ActionRequest authorizes an owner-gated transition (cancel, withdraw).
type ActionRequest struct {
	From string `json:"from"`
}

type SweepRequest struct {
	From   string `json:"from"`
	Token  string `json:"token,omitempty"` // empty for the native asset
	Amount string `json:"amount"`
}

type FundRequest struct {
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
}

type OrderResponse struct {
	ID             uint64 `json:"id"`
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	AmountIn       string `json:"amountIn"`
	AmountOutMin   string `json:"amountOutMin"`
	PriceTolerance uint32 `json:"priceTolerance"`
	MinReserve     string `json:"minReserve"`
	StartTime      uint64 `json:"startTime"`
	Deadline       uint64 `json:"deadline"`
	OracleID       uint64 `json:"oracleId"`
	Factory        string `json:"factory"`
	PairAddress    string `json:"pairAddress"`
	Status         string `json:"status"`
	Executed       bool   `json:"executed"`
}

type ObservationResponse struct {
	Timestamp        uint64 `json:"timestamp"`
	Price0Cumulative string `json:"price0Cumulative"`
	Price1Cumulative string `json:"price1Cumulative"`
}

type OracleResponse struct {
	ID          uint64               `json:"id"`
	Token0      string               `json:"token0"`
	Token1      string               `json:"token1"`
	PairAddress string               `json:"pairAddress"`
	Finalized   bool                 `json:"finalized"`
	Start       *ObservationResponse `json:"start,omitempty"`
	End         *ObservationResponse `json:"end,omitempty"`
}

type CreateOrderResponse struct {
	OrderID uint64 `json:"orderId"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WSSubscribeRequest is the client -> server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
