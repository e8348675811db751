package relayer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0xfoundry/gprelayer/pkg/amm"
	"github.com/0xfoundry/gprelayer/pkg/exchange"
	"github.com/0xfoundry/gprelayer/pkg/oracle"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() time.Time { return time.Unix(int64(c.now), 0) }
func (c *fakeClock) Unix() uint64   { return c.now }

var (
	owner       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	wrapped     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tokenOut    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	unpaired    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	delisted    = common.HexToAddress("0x00000000000000000000000000000000000000b1") // paired on the AMM, not listed on the exchange
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

const (
	minWindow = 600
	maxWindow = 21600
	startTime = uint64(1_900_000_000)
)

func e18(n uint64) *uint256.Int {
	z := uint256.NewInt(n)
	return z.Mul(z, uint256.NewInt(1_000_000_000_000_000_000))
}

type env struct {
	clock  *fakeClock
	pair   *amm.SimPair
	batch  *exchange.BatchExchange
	rel    *Relayer
	events []Event
}

// newEnv stands up a relayer over one whitelisted factory with a liquid
// wrapped/tokenOut pool (10e18 per side, spot price 1).
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{clock: &fakeClock{now: startTime}}

	factory := amm.NewSimFactory(factoryAddr, e.clock)
	pair, err := factory.CreatePair(wrapped, tokenOut)
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	pair.Mint(e18(10), e18(10))
	e.pair = pair

	side, err := factory.CreatePair(wrapped, delisted)
	if err != nil {
		t.Fatalf("create side pair: %v", err)
	}
	side.Mint(e18(10), e18(10))

	e.batch = exchange.NewBatchExchange(e.clock, 300)
	e.batch.AddToken(wrapped)
	e.batch.AddToken(tokenOut)

	creator := oracle.NewCreator(e.clock, minWindow, maxWindow)
	rel, err := New(Config{
		Owner:         owner,
		WrappedNative: wrapped,
		Factories:     map[common.Address]amm.Factory{factoryAddr: factory},
	}, e.clock, creator, e.batch, nil, nil, SinkFunc(func(ev Event) {
		e.events = append(e.events, ev)
	}))
	if err != nil {
		t.Fatalf("new relayer: %v", err)
	}
	e.rel = rel
	return e
}

func (e *env) request() OrderRequest {
	return OrderRequest{
		TokenIn:        NativeToken,
		TokenOut:       tokenOut,
		AmountIn:       e18(10),
		AmountOutMin:   new(uint256.Int),
		PriceTolerance: 10000, // 1%
		MinReserve:     e18(5),
		StartTime:      startTime,
		Deadline:       startTime + 86400,
		Factory:        factoryAddr,
	}
}

func (e *env) createNativeOrder(t *testing.T) uint64 {
	t.Helper()
	id, err := e.rel.CreateOrder(owner, e.request(), e18(10))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return id
}

// finalize runs the order's oracle window to completion.
func (e *env) finalize(t *testing.T, id uint64) {
	t.Helper()
	e.clock.now += minWindow
	if err := e.rel.UpdateOracle(id); err != nil {
		t.Fatalf("update oracle: %v", err)
	}
}

func TestNewRequiresFactoryWhitelist(t *testing.T) {
	clock := &fakeClock{now: startTime}
	creator := oracle.NewCreator(clock, minWindow, maxWindow)
	_, err := New(Config{Owner: owner, WrappedNative: wrapped}, clock, creator, nil, nil, nil, nil)
	if !errors.Is(err, ErrMissingFactoryWhitelist) {
		t.Fatalf("want ErrMissingFactoryWhitelist, got %v", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		from   common.Address
		mutate func(*OrderRequest)
		value  *uint256.Int
		want   error
	}{
		{"not owner", stranger, func(r *OrderRequest) {}, e18(10), ErrCallerNotOwner},
		{"unlisted factory", owner, func(r *OrderRequest) { r.Factory = stranger }, e18(10), ErrInvalidFactory},
		{"identical tokens", owner, func(r *OrderRequest) { r.TokenOut = r.TokenIn }, e18(10), ErrInvalidPair},
		{"zero amount", owner, func(r *OrderRequest) { r.AmountIn = new(uint256.Int) }, e18(10), ErrInvalidTokenAmount},
		{"nil amount", owner, func(r *OrderRequest) { r.AmountIn = nil }, e18(10), ErrInvalidTokenAmount},
		{"tolerance at denominator", owner, func(r *OrderRequest) { r.PriceTolerance = PartsPerMillion }, e18(10), ErrInvalidTolerance},
		// Deadline shape is checked before escrow, so no value is needed.
		{"deadline overflows uint32", owner, func(r *OrderRequest) { r.Deadline = math.MaxUint32 + 1 }, nil, ErrInvalidDeadline},
		{"deadline before start", owner, func(r *OrderRequest) { r.Deadline = r.StartTime }, nil, ErrInvalidDeadline},
		{"deadline in the past", owner, func(r *OrderRequest) { r.StartTime = startTime - 100; r.Deadline = startTime }, nil, ErrDeadlineReached},
		{"native underfunded", owner, func(r *OrderRequest) {}, e18(9), ErrInsufficientNative},
		{"token underfunded", owner, func(r *OrderRequest) { r.TokenIn = wrapped }, nil, ErrInsufficientTokenIn},
		{"no pair", owner, func(r *OrderRequest) { r.TokenOut = unpaired }, e18(10), ErrUnknownPair},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			req := e.request()
			tc.mutate(&req)
			if _, err := e.rel.CreateOrder(tc.from, req, tc.value); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if n := e.rel.OrderCount(); n != 0 {
				t.Fatalf("rejected request left %d orders", n)
			}
			if len(e.events) != 0 {
				t.Fatalf("rejected request emitted events: %v", e.events)
			}
		})
	}
}

// Full happy path of a native-in order: escrow on creation, a premature
// refresh, the closing observation, execution at the tolerance floor.
func TestNativeOrderLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.createNativeOrder(t)

	o, err := e.rel.OrderDetails(id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if o.Status != StatusObserving {
		t.Fatalf("status = %s, want observing", o.Status)
	}
	if got := e.rel.Balance(NativeToken); !got.Eq(e18(10)) {
		t.Fatalf("held native = %s, want 10e18", got.Dec())
	}
	if got := e.rel.EscrowedBalance(NativeToken); !got.Eq(e18(10)) {
		t.Fatalf("escrowed native = %s, want 10e18", got.Dec())
	}

	// Execution is gated until the window closes.
	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrObservationRunning) {
		t.Fatalf("want ErrObservationRunning, got %v", err)
	}

	// Refresh before the minimum window is refused, after it succeeds.
	e.clock.now += 300
	if err := e.rel.UpdateOracle(id); !errors.Is(err, oracle.ErrPeriodNotElapsed) {
		t.Fatalf("want ErrPeriodNotElapsed, got %v", err)
	}
	e.clock.now += 300
	if err := e.rel.UpdateOracle(id); err != nil {
		t.Fatalf("update oracle: %v", err)
	}
	o, _ = e.rel.OrderDetails(id)
	if o.Status != StatusReady {
		t.Fatalf("status = %s, want ready", o.Status)
	}
	if err := e.rel.UpdateOracle(id); !errors.Is(err, oracle.ErrObservationEnded) {
		t.Fatalf("third refresh: want ErrObservationEnded, got %v", err)
	}

	if err := e.rel.ExecuteOrder(id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	o, _ = e.rel.OrderDetails(id)
	if o.Status != StatusExecuted || !o.Executed() {
		t.Fatalf("status = %s, want executed", o.Status)
	}

	// Price held at 1, so expected out is 10e18 and the 1% tolerance
	// floors the auction order at 9.9e18.
	if got := e.batch.Balance(wrapped); !got.Eq(e18(10)) {
		t.Fatalf("exchange balance = %s, want 10e18", got.Dec())
	}
	orders := e.batch.Orders()
	if len(orders) != 1 {
		t.Fatalf("auction orders = %d, want 1", len(orders))
	}
	wantFloor := uint256.MustFromDecimal("9900000000000000000")
	if !orders[0].MinBuyAmount.Eq(wantFloor) {
		t.Fatalf("floor = %s, want %s", orders[0].MinBuyAmount.Dec(), wantFloor.Dec())
	}
	if orders[0].SellToken != wrapped || orders[0].BuyToken != tokenOut {
		t.Fatalf("auction legs = %s -> %s", orders[0].SellToken.Hex(), orders[0].BuyToken.Hex())
	}
	if orders[0].ValidUntil != uint32(startTime+86400) {
		t.Fatalf("validUntil = %d", orders[0].ValidUntil)
	}

	// Escrow fully released.
	if got := e.rel.Balance(NativeToken); !got.IsZero() {
		t.Fatalf("held native after execute = %s", got.Dec())
	}
	if got := e.rel.EscrowedBalance(NativeToken); !got.IsZero() {
		t.Fatalf("escrowed native after execute = %s", got.Dec())
	}
	if err := e.rel.CheckEscrowInvariant(); err != nil {
		t.Fatalf("escrow invariant: %v", err)
	}

	// Execution happens at most once.
	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrOrderExecuted) {
		t.Fatalf("want ErrOrderExecuted, got %v", err)
	}
	if err := e.rel.CancelOrder(owner, id); !errors.Is(err, ErrOrderExecuted) {
		t.Fatalf("cancel executed: want ErrOrderExecuted, got %v", err)
	}

	wantEvents := []EventType{EventOrderCreated, EventOracleUpdated, EventTradeExecuted}
	if len(e.events) != len(wantEvents) {
		t.Fatalf("events = %v", e.events)
	}
	for i, want := range wantEvents {
		if e.events[i].Type != want {
			t.Fatalf("event %d = %s, want %s", i, e.events[i].Type, want)
		}
	}
	if !e.events[2].MinAmountOut.Eq(wantFloor) {
		t.Fatalf("trade event floor = %s", e.events[2].MinAmountOut.Dec())
	}
}

func TestExecuteInsufficientReserve(t *testing.T) {
	e := newEnv(t)
	req := e.request()
	req.MinReserve = e18(20) // pool only holds 10e18 per side
	id, err := e.rel.CreateOrder(owner, req, e18(10))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e.finalize(t, id)

	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("want ErrInsufficientReserve, got %v", err)
	}

	// The order stays ready; the owner can still recover the escrow.
	if err := e.rel.CancelOrder(owner, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

// A rejected exchange call must leave nothing deposited: the escrow stays
// with the relayer and the order stays recoverable.
func TestExecuteFailureLeavesNoDeposit(t *testing.T) {
	e := newEnv(t)
	req := e.request()
	req.TokenOut = delisted
	id, err := e.rel.CreateOrder(owner, req, e18(10))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e.finalize(t, id)

	if err := e.rel.ExecuteOrder(id); !errors.Is(err, exchange.ErrTokenNotListed) {
		t.Fatalf("want ErrTokenNotListed, got %v", err)
	}
	if got := e.batch.Balance(wrapped); !got.IsZero() {
		t.Fatalf("failed execution deposited %s", got.Dec())
	}
	if len(e.batch.Orders()) != 0 {
		t.Fatalf("failed execution placed an auction order")
	}
	if got := e.rel.Balance(NativeToken); !got.Eq(e18(10)) {
		t.Fatalf("held after failed execution = %s, want 10e18", got.Dec())
	}
	if got := e.rel.EscrowedBalance(NativeToken); !got.Eq(e18(10)) {
		t.Fatalf("escrowed after failed execution = %s, want 10e18", got.Dec())
	}
	o, _ := e.rel.OrderDetails(id)
	if o.Status != StatusReady {
		t.Fatalf("status = %s, want ready", o.Status)
	}

	// The owner recovers the escrow in full.
	if err := e.rel.CancelOrder(owner, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := e.rel.Balance(NativeToken); !got.IsZero() {
		t.Fatalf("held after cancel = %s", got.Dec())
	}
}

// Two orders can legitimately reference the same funding; the refund path
// then errors on the second instead of corrupting the ledger.
func TestSharedFundingRefundsOnce(t *testing.T) {
	e := newEnv(t)
	e.rel.Fund(wrapped, e18(10))
	req := e.request()
	req.TokenIn = wrapped
	first, err := e.rel.CreateOrder(owner, req, nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := e.rel.CreateOrder(owner, req, nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := e.rel.CancelOrder(owner, first); err != nil {
		t.Fatalf("cancel first: %v", err)
	}
	if got := e.rel.Balance(wrapped); !got.IsZero() {
		t.Fatalf("held after first refund = %s", got.Dec())
	}

	// Nothing backs the second order anymore.
	if err := e.rel.CancelOrder(owner, second); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("cancel second: want ErrInsufficientBalance, got %v", err)
	}
	o, _ := e.rel.OrderDetails(second)
	if o.Status != StatusObserving {
		t.Fatalf("failed refund moved status to %s", o.Status)
	}

	// Sweeping while escrow exceeds the balance must not wrap.
	if err := e.rel.WithdrawToken(owner, wrapped, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("sweep: want ErrInsufficientBalance, got %v", err)
	}

	// Topping the balance back up makes the refund succeed.
	e.rel.Fund(wrapped, e18(10))
	if err := e.rel.CancelOrder(owner, second); err != nil {
		t.Fatalf("cancel second after refund: %v", err)
	}
	if got := e.rel.EscrowedBalance(wrapped); !got.IsZero() {
		t.Fatalf("escrowed = %s, want 0", got.Dec())
	}
}

func TestSharedFundingExecutesOnce(t *testing.T) {
	e := newEnv(t)
	e.rel.Fund(wrapped, e18(10))
	req := e.request()
	req.TokenIn = wrapped
	first, err := e.rel.CreateOrder(owner, req, nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := e.rel.CreateOrder(owner, req, nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	e.finalize(t, first)
	if err := e.rel.UpdateOracle(second); err != nil {
		t.Fatalf("finalize second: %v", err)
	}

	if err := e.rel.ExecuteOrder(first); err != nil {
		t.Fatalf("execute first: %v", err)
	}
	if err := e.rel.ExecuteOrder(second); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("execute second: want ErrInsufficientBalance, got %v", err)
	}
	if got := e.batch.Balance(wrapped); !got.Eq(e18(10)) {
		t.Fatalf("exchange balance = %s, want 10e18", got.Dec())
	}
	if err := e.rel.WithdrawExpiredOrder(owner, second); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("early withdraw: want ErrDeadlineNotReached, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	e.rel.Fund(wrapped, e18(10))
	req := e.request()
	req.TokenIn = wrapped
	id, err := e.rel.CreateOrder(owner, req, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := e.rel.CancelOrder(stranger, id); !errors.Is(err, ErrCallerNotOwner) {
		t.Fatalf("want ErrCallerNotOwner, got %v", err)
	}
	if err := e.rel.CancelOrder(owner, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	o, _ := e.rel.OrderDetails(id)
	if o.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
	if got := e.rel.Balance(wrapped); !got.IsZero() {
		t.Fatalf("held after cancel = %s", got.Dec())
	}
	if got := e.rel.EscrowedBalance(wrapped); !got.IsZero() {
		t.Fatalf("escrowed after cancel = %s", got.Dec())
	}

	if err := e.rel.CancelOrder(owner, id); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("double cancel: want ErrOrderClosed, got %v", err)
	}
	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("execute cancelled: want ErrOrderClosed, got %v", err)
	}
}

func TestWithdrawExpiredOrder(t *testing.T) {
	e := newEnv(t)
	id := e.createNativeOrder(t)

	if err := e.rel.WithdrawExpiredOrder(owner, id); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("want ErrDeadlineNotReached, got %v", err)
	}
	if err := e.rel.WithdrawExpiredOrder(stranger, id); !errors.Is(err, ErrCallerNotOwner) {
		t.Fatalf("want ErrCallerNotOwner, got %v", err)
	}

	e.clock.now = startTime + 86400

	// The deadline also shuts the oracle path down.
	if err := e.rel.UpdateOracle(id); !errors.Is(err, ErrDeadlineReached) {
		t.Fatalf("refresh after deadline: want ErrDeadlineReached, got %v", err)
	}

	if err := e.rel.WithdrawExpiredOrder(owner, id); err != nil {
		t.Fatalf("withdraw expired: %v", err)
	}
	o, _ := e.rel.OrderDetails(id)
	if o.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", o.Status)
	}
	if got := e.rel.Balance(NativeToken); !got.IsZero() {
		t.Fatalf("held after expiry refund = %s", got.Dec())
	}

	// Exactly once.
	if err := e.rel.WithdrawExpiredOrder(owner, id); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("second withdraw: want ErrOrderClosed, got %v", err)
	}
	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("execute expired: want ErrOrderClosed, got %v", err)
	}
}

func TestWithdrawExpiredOrderBeatsExecution(t *testing.T) {
	e := newEnv(t)
	id := e.createNativeOrder(t)
	e.finalize(t, id)

	// Ready but never executed; past the deadline the escrow comes back.
	e.clock.now = startTime + 86400
	if err := e.rel.WithdrawExpiredOrder(owner, id); err != nil {
		t.Fatalf("withdraw expired: %v", err)
	}
	if err := e.rel.ExecuteOrder(id); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("want ErrOrderClosed, got %v", err)
	}
	if got := e.batch.Balance(wrapped); !got.IsZero() {
		t.Fatalf("exchange got funds from an expired order: %s", got.Dec())
	}
}

func TestSweep(t *testing.T) {
	e := newEnv(t)
	e.rel.Fund(wrapped, e18(15))
	req := e.request()
	req.TokenIn = wrapped
	if _, err := e.rel.CreateOrder(owner, req, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// 10e18 is escrowed; only the remaining 5e18 is sweepable.
	if err := e.rel.WithdrawToken(owner, wrapped, e18(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if err := e.rel.WithdrawToken(stranger, wrapped, e18(1)); !errors.Is(err, ErrCallerNotOwner) {
		t.Fatalf("want ErrCallerNotOwner, got %v", err)
	}
	if err := e.rel.WithdrawToken(owner, wrapped, e18(5)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := e.rel.Balance(wrapped); !got.Eq(e18(10)) {
		t.Fatalf("held = %s, want 10e18", got.Dec())
	}
	if err := e.rel.CheckEscrowInvariant(); err != nil {
		t.Fatalf("escrow invariant: %v", err)
	}

	// Native sweeps use the same free-balance rule.
	e.rel.Fund(NativeToken, e18(2))
	if err := e.rel.WithdrawNative(owner, e18(3)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if err := e.rel.WithdrawNative(owner, e18(2)); err != nil {
		t.Fatalf("withdraw native: %v", err)
	}
}

func TestUnknownOrder(t *testing.T) {
	e := newEnv(t)
	if err := e.rel.UpdateOracle(0); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("want ErrInvalidOrder, got %v", err)
	}
	if err := e.rel.ExecuteOrder(7); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("want ErrInvalidOrder, got %v", err)
	}
	if _, err := e.rel.OrderDetails(7); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("want ErrInvalidOrder, got %v", err)
	}
}

// Orders and oracles share one id sequence, 1:1.
func TestOrderOracleIDsAligned(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		id := e.createNativeOrder(t)
		if id != uint64(i) {
			t.Fatalf("order %d got id %d", i, id)
		}
		o, err := e.rel.OrderDetails(id)
		if err != nil {
			t.Fatalf("details: %v", err)
		}
		if o.OracleID != id {
			t.Fatalf("order %d has oracle %d", id, o.OracleID)
		}
		od, err := e.rel.OracleDetails(id)
		if err != nil {
			t.Fatalf("oracle details: %v", err)
		}
		if od.ID != id || od.PairAddress != e.pair.Address() {
			t.Fatalf("oracle %d bound to %s", od.ID, od.PairAddress.Hex())
		}
	}
	if got := e.rel.EscrowedBalance(NativeToken); !got.Eq(e18(30)) {
		t.Fatalf("escrowed = %s, want 30e18", got.Dec())
	}
}
