// Package relayer escrows funds for pre-registered conditional trades and
// releases them onto a batch-auction exchange once a time-weighted reference
// price has been established. One oracle is created per order, with the same
// id and lifetime.
package relayer

import (
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/0xfoundry/gprelayer/pkg/amm"
	"github.com/0xfoundry/gprelayer/pkg/exchange"
	"github.com/0xfoundry/gprelayer/pkg/oracle"
	"github.com/0xfoundry/gprelayer/pkg/util"
)

// PartsPerMillion is the price tolerance denominator. A tolerance of 10000
// is 1%; anything at or above the denominator (100%) is rejected.
const PartsPerMillion = 1_000_000

// Store is the write-through persistence surface. Implementations must not
// fail silently; the pebble-backed store panics on write errors, so a
// committed call is durably committed.
type Store interface {
	PutOrder(o *Order)
	PutOracle(o *oracle.Oracle)
	PutBalance(token common.Address, amount *uint256.Int)
	Orders() ([]*Order, error)
	Oracles() ([]*oracle.Oracle, error)
	Balances() (map[common.Address]*uint256.Int, error)
}

// Config wires the relayer's collaborators and policy.
type Config struct {
	Owner         common.Address
	WrappedNative common.Address
	// Factories is the owner-configured whitelist of AMM deployments
	// orders may reference, keyed by factory address.
	Factories map[common.Address]amm.Factory
}

// OrderRequest carries the caller-supplied parameters of createOrder.
type OrderRequest struct {
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *uint256.Int
	AmountOutMin   *uint256.Int
	PriceTolerance uint32
	MinReserve     *uint256.Int
	StartTime      uint64
	Deadline       uint64
	Factory        common.Address
}

// Relayer is the order book state machine. Every entry point runs to
// completion under one mutex: either the full set of balance and state
// updates commits, or none do.
type Relayer struct {
	mu      sync.Mutex
	cfg     Config
	clock   util.Clock
	oracles *oracle.Creator
	gateway exchange.Gateway
	store   Store // optional
	log     *zap.SugaredLogger
	sink    Sink // optional

	orders   []*Order
	held     map[common.Address]*uint256.Int // funds the relayer holds, per token
	escrowed map[common.Address]*uint256.Int // portion of held backing active orders
}

// New builds a relayer and, when a store is given, reloads persisted orders,
// oracles and balances so the id sequence resumes where it stopped.
func New(cfg Config, clock util.Clock, creator *oracle.Creator, gateway exchange.Gateway, store Store, logger *zap.SugaredLogger, sink Sink) (*Relayer, error) {
	if len(cfg.Factories) == 0 {
		return nil, ErrMissingFactoryWhitelist
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Relayer{
		cfg:      cfg,
		clock:    clock,
		oracles:  creator,
		gateway:  gateway,
		store:    store,
		log:      logger,
		sink:     sink,
		held:     make(map[common.Address]*uint256.Int),
		escrowed: make(map[common.Address]*uint256.Int),
	}
	if store != nil {
		if err := r.recover(); err != nil {
			return nil, fmt.Errorf("relayer: recover: %w", err)
		}
	}
	return r, nil
}

func (r *Relayer) recover() error {
	orders, err := r.store.Orders()
	if err != nil {
		return err
	}
	oracles, err := r.store.Oracles()
	if err != nil {
		return err
	}
	if len(orders) != len(oracles) {
		return fmt.Errorf("order/oracle count mismatch: %d vs %d", len(orders), len(oracles))
	}
	for i, o := range orders {
		factory, ok := r.cfg.Factories[o.Factory]
		if !ok {
			return fmt.Errorf("order %d references unconfigured factory %s", o.ID, o.Factory.Hex())
		}
		tokenIn, tokenOut := r.oracleTokens(o.TokenIn, o.TokenOut)
		pair, ok := factory.Pair(tokenIn, tokenOut)
		if !ok {
			return fmt.Errorf("order %d pair missing on factory %s", o.ID, o.Factory.Hex())
		}
		if err := r.oracles.Restore(oracles[i], pair); err != nil {
			return err
		}
		r.orders = append(r.orders, o)
		if !o.Closed() {
			r.credit(r.escrowed, o.escrowToken(), o.AmountIn)
		}
	}
	balances, err := r.store.Balances()
	if err != nil {
		return err
	}
	for token, amount := range balances {
		r.held[token] = amount.Clone()
	}
	return nil
}

// SetEventSink installs the event destination. Wired after construction
// because the API hub needs the relayer first.
func (r *Relayer) SetEventSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Fund records a transfer of amount of token into the relayer. Funds must
// be moved in before createOrder; the relayer never pulls them.
func (r *Relayer) Fund(token common.Address, amount *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credit(r.held, token, amount)
	r.persistBalance(token)
}

// CreateOrder validates the request, escrows amountIn, creates the order's
// oracle and records its first observation. Owner-only; value is the native
// amount attached to the call.
func (r *Relayer) CreateOrder(from common.Address, req OrderRequest, value *uint256.Int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != r.cfg.Owner {
		return 0, ErrCallerNotOwner
	}
	factory, ok := r.cfg.Factories[req.Factory]
	if !ok {
		return 0, ErrInvalidFactory
	}
	if req.TokenIn == req.TokenOut {
		return 0, ErrInvalidPair
	}
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return 0, ErrInvalidTokenAmount
	}
	if req.PriceTolerance >= PartsPerMillion {
		return 0, ErrInvalidTolerance
	}
	if req.Deadline > math.MaxUint32 || req.Deadline <= req.StartTime {
		return 0, ErrInvalidDeadline
	}
	now := r.clock.Unix()
	if req.Deadline <= now {
		return 0, ErrDeadlineReached
	}

	// Escrow sufficiency: native orders count the attached value, token
	// orders the balance already transferred in.
	if value == nil {
		value = new(uint256.Int)
	}
	if req.TokenIn == NativeToken {
		have := new(uint256.Int).Add(r.balance(r.held, NativeToken), value)
		if have.Lt(req.AmountIn) {
			return 0, ErrInsufficientNative
		}
	} else if r.balance(r.held, req.TokenIn).Lt(req.AmountIn) {
		return 0, ErrInsufficientTokenIn
	}

	tokenIn, tokenOut := r.oracleTokens(req.TokenIn, req.TokenOut)
	pair, ok := factory.Pair(tokenIn, tokenOut)
	if !ok {
		return 0, ErrUnknownPair
	}

	// Commit. Nothing below can fail.
	if !value.IsZero() {
		r.credit(r.held, NativeToken, value)
		r.persistBalance(NativeToken)
	}
	id := r.oracles.CreateOracle(pair)
	if err := r.oracles.RecordFirstObservation(id); err != nil {
		// Freshly created oracle cannot have an observation yet.
		panic(err)
	}

	minReserve := req.MinReserve
	if minReserve == nil {
		minReserve = new(uint256.Int)
	}
	amountOutMin := req.AmountOutMin
	if amountOutMin == nil {
		amountOutMin = new(uint256.Int)
	}
	o := &Order{
		ID:             id,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       req.AmountIn.Clone(),
		AmountOutMin:   amountOutMin.Clone(),
		PriceTolerance: req.PriceTolerance,
		MinReserve:     minReserve.Clone(),
		StartTime:      req.StartTime,
		Deadline:       req.Deadline,
		OracleID:       id,
		Factory:        req.Factory,
		PairAddress:    pair.Address(),
		Status:         StatusObserving,
	}
	r.orders = append(r.orders, o)
	r.credit(r.escrowed, o.escrowToken(), o.AmountIn)
	r.persistOrder(o)
	r.persistOracle(id)

	r.log.Infow("order_created",
		"order_id", id,
		"token_in", o.TokenIn.Hex(),
		"token_out", o.TokenOut.Hex(),
		"amount_in", o.AmountIn.Dec(),
		"deadline", o.Deadline,
	)
	r.emit(Event{Type: EventOrderCreated, OrderID: id, Timestamp: now})
	return id, nil
}

// UpdateOracle advances the order's oracle by one observation. Keeper
// callable: the effect is fully determined by stored order data.
func (r *Relayer) UpdateOracle(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, err := r.get(id)
	if err != nil {
		return err
	}
	if r.clock.Unix() >= o.Deadline {
		return ErrDeadlineReached
	}
	if err := r.oracles.Update(o.OracleID); err != nil {
		return err
	}

	finalized, err := r.oracles.IsFinalized(o.OracleID)
	if err != nil {
		return err
	}
	if finalized && o.Status == StatusObserving {
		o.Status = StatusReady
		r.persistOrder(o)
	}
	r.persistOracle(o.OracleID)

	r.log.Infow("oracle_updated", "order_id", id, "finalized", finalized)
	r.emit(Event{Type: EventOracleUpdated, OrderID: id, Timestamp: r.clock.Unix()})
	return nil
}

// ExecuteOrder deposits the escrowed amount into the batch exchange at an
// output floor derived from the oracle price and the order's tolerance.
// The only transition that moves funds out of escrow into the exchange.
func (r *Relayer) ExecuteOrder(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Status == StatusExecuted {
		return ErrOrderExecuted
	}
	if o.Closed() {
		return ErrOrderClosed
	}
	finalized, err := r.oracles.IsFinalized(o.OracleID)
	if err != nil {
		return err
	}
	if !finalized {
		return ErrObservationRunning
	}

	tokenIn, tokenOut := r.oracleTokens(o.TokenIn, o.TokenOut)
	pair, err := r.pairFor(o)
	if err != nil {
		return err
	}

	// Liquidity gate: refuse to trade against an illiquid pair.
	reserve0, reserve1, _ := pair.GetReserves()
	reserveOut := reserve0
	if tokenOut == pair.Token1() {
		reserveOut = reserve1
	}
	if reserveOut.Lt(o.MinReserve) {
		return ErrInsufficientReserve
	}

	expected, err := r.oracles.Consult(o.OracleID, tokenIn, o.AmountIn)
	if err != nil {
		return err
	}

	// Orders may share funding; only execute while the balance still
	// backs this one.
	if r.balance(r.held, o.escrowToken()).Lt(o.AmountIn) {
		return ErrInsufficientBalance
	}

	// floor = expected * (PPM - tolerance) / PPM, truncating.
	floor := new(uint256.Int).Mul(expected, uint256.NewInt(uint64(PartsPerMillion-o.PriceTolerance)))
	floor.Div(floor, uint256.NewInt(PartsPerMillion))

	// One atomic exchange call: a failure here leaves nothing deposited
	// and the order executable later.
	if err := r.gateway.DepositAndPlace(tokenIn, tokenOut, o.AmountIn, floor, uint32(o.Deadline)); err != nil {
		return fmt.Errorf("relayer: exchange: %w", err)
	}

	r.debit(r.held, o.escrowToken(), o.AmountIn)
	r.debit(r.escrowed, o.escrowToken(), o.AmountIn)
	o.Status = StatusExecuted
	r.persistOrder(o)
	r.persistBalance(o.escrowToken())

	r.log.Infow("trade_executed",
		"order_id", id,
		"amount_in", o.AmountIn.Dec(),
		"min_amount_out", floor.Dec(),
	)
	r.emit(Event{Type: EventTradeExecuted, OrderID: id, Timestamp: r.clock.Unix(), MinAmountOut: floor})
	return nil
}

// CancelOrder refunds the escrow to the owner while the order is still
// observing or ready. Executed orders cannot be cancelled.
func (r *Relayer) CancelOrder(from common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != r.cfg.Owner {
		return ErrCallerNotOwner
	}
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Status == StatusExecuted {
		return ErrOrderExecuted
	}
	if o.Closed() {
		return ErrOrderClosed
	}

	if err := r.refundLocked(o); err != nil {
		return err
	}
	o.Status = StatusCancelled
	r.persistOrder(o)

	r.log.Infow("order_cancelled", "order_id", id)
	r.emit(Event{Type: EventOrderCancelled, OrderID: id, Timestamp: r.clock.Unix()})
	return nil
}

// WithdrawExpiredOrder refunds a never-executed order once its deadline has
// passed, regardless of oracle state. Succeeds exactly once per order.
func (r *Relayer) WithdrawExpiredOrder(from common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != r.cfg.Owner {
		return ErrCallerNotOwner
	}
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Status == StatusExecuted {
		return ErrOrderExecuted
	}
	if o.Closed() {
		return ErrOrderClosed
	}
	if r.clock.Unix() < o.Deadline {
		return ErrDeadlineNotReached
	}

	if err := r.refundLocked(o); err != nil {
		return err
	}
	o.Status = StatusExpired
	r.persistOrder(o)

	r.log.Infow("expired_order_withdrawn", "order_id", id)
	r.emit(Event{Type: EventExpiredOrderWithdrawn, OrderID: id, Timestamp: r.clock.Unix()})
	return nil
}

// WithdrawToken sweeps token balance held outside any active order's escrow
// back to the owner.
func (r *Relayer) WithdrawToken(from, token common.Address, amount *uint256.Int) error {
	return r.sweep(from, token, amount)
}

// WithdrawNative sweeps free native balance back to the owner.
func (r *Relayer) WithdrawNative(from common.Address, amount *uint256.Int) error {
	return r.sweep(from, NativeToken, amount)
}

func (r *Relayer) sweep(from, token common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != r.cfg.Owner {
		return ErrCallerNotOwner
	}
	// Escrow can exceed the balance when orders share funding; clamp
	// instead of wrapping.
	held := r.balance(r.held, token)
	escrowed := r.balance(r.escrowed, token)
	free := new(uint256.Int)
	if held.Gt(escrowed) {
		free.Sub(held, escrowed)
	}
	if amount.Gt(free) {
		return ErrInsufficientBalance
	}
	r.debit(r.held, token, amount)
	r.persistBalance(token)

	r.log.Infow("balance_withdrawn", "token", token.Hex(), "amount", amount.Dec())
	return nil
}

// OrderDetails returns a copy of the order's stored state.
func (r *Relayer) OrderDetails(id uint64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return o.clone(), nil
}

// OracleDetails returns a copy of the order's oracle state.
func (r *Relayer) OracleDetails(id uint64) (*oracle.Oracle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return r.oracles.Details(o.OracleID)
}

// OrderCount returns the number of orders ever created.
func (r *Relayer) OrderCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.orders))
}

// Balance returns the relayer's held balance of token.
func (r *Relayer) Balance(token common.Address) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance(r.held, token).Clone()
}

// EscrowedBalance returns the portion of token backing active orders.
func (r *Relayer) EscrowedBalance(token common.Address) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance(r.escrowed, token).Clone()
}

// CheckEscrowInvariant verifies that for every token the sum of active
// order escrows does not exceed the tracked balance.
func (r *Relayer) CheckEscrowInvariant() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, esc := range r.escrowed {
		if esc.Gt(r.balance(r.held, token)) {
			return fmt.Errorf("relayer: escrow %s exceeds held balance for token %s", esc.Dec(), token.Hex())
		}
	}
	return nil
}

func (r *Relayer) get(id uint64) (*Order, error) {
	if id >= uint64(len(r.orders)) {
		return nil, ErrInvalidOrder
	}
	return r.orders[id], nil
}

// oracleTokens maps the native sentinel to the wrapped-native token; the
// AMM only knows the wrapped form.
func (r *Relayer) oracleTokens(tokenIn, tokenOut common.Address) (common.Address, common.Address) {
	if tokenIn == NativeToken {
		tokenIn = r.cfg.WrappedNative
	}
	if tokenOut == NativeToken {
		tokenOut = r.cfg.WrappedNative
	}
	return tokenIn, tokenOut
}

func (r *Relayer) pairFor(o *Order) (amm.Pair, error) {
	factory, ok := r.cfg.Factories[o.Factory]
	if !ok {
		return nil, ErrInvalidFactory
	}
	tokenIn, tokenOut := r.oracleTokens(o.TokenIn, o.TokenOut)
	pair, ok := factory.Pair(tokenIn, tokenOut)
	if !ok {
		return nil, ErrUnknownPair
	}
	return pair, nil
}

// refundLocked releases an active order's escrow back to the owner. Orders
// may share funding, so the balance can run out before every order is
// refunded; the caller surfaces that instead of committing.
func (r *Relayer) refundLocked(o *Order) error {
	token := o.escrowToken()
	if r.balance(r.held, token).Lt(o.AmountIn) {
		return ErrInsufficientBalance
	}
	r.debit(r.held, token, o.AmountIn)
	r.debit(r.escrowed, token, o.AmountIn)
	r.persistBalance(token)
	return nil
}

func (r *Relayer) balance(table map[common.Address]*uint256.Int, token common.Address) *uint256.Int {
	if b, ok := table[token]; ok {
		return b
	}
	return new(uint256.Int)
}

func (r *Relayer) credit(table map[common.Address]*uint256.Int, token common.Address, amount *uint256.Int) {
	b, ok := table[token]
	if !ok {
		b = new(uint256.Int)
		table[token] = b
	}
	b.Add(b, amount)
}

func (r *Relayer) debit(table map[common.Address]*uint256.Int, token common.Address, amount *uint256.Int) {
	b, ok := table[token]
	if !ok || b.Lt(amount) {
		// Callers check sufficiency first; hitting this is a ledger bug.
		panic(fmt.Sprintf("relayer: debit underflow for token %s", token.Hex()))
	}
	b.Sub(b, amount)
}

func (r *Relayer) persistOrder(o *Order) {
	if r.store != nil {
		r.store.PutOrder(o)
	}
}

func (r *Relayer) persistOracle(id uint64) {
	if r.store == nil {
		return
	}
	od, err := r.oracles.Details(id)
	if err != nil {
		panic(err)
	}
	r.store.PutOracle(od)
}

func (r *Relayer) persistBalance(token common.Address) {
	if r.store != nil {
		r.store.PutBalance(token, r.balance(r.held, token))
	}
}

func (r *Relayer) emit(e Event) {
	if r.sink != nil {
		r.sink.Publish(e)
	}
}
