package lending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"

	"lendpool/core/events"
	nativecommon "lendpool/native/common"
)

type mockState struct {
	pools     map[string]*LendingPool
	deposits  map[string]*UserDeposit
	loans     map[string]*Loan
	ledger    *mockLedger
	commitErr error
	commits   int
}

func newMockState(ledger *mockLedger) *mockState {
	return &mockState{
		pools:    make(map[string]*LendingPool),
		deposits: make(map[string]*UserDeposit),
		loans:    make(map[string]*Loan),
		ledger:   ledger,
	}
}

func (m *mockState) GetPool(id string) (*LendingPool, error) {
	pool, ok := m.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pool.Clone(), nil
}

func (m *mockState) ListPools() ([]*LendingPool, error) {
	out := make([]*LendingPool, 0, len(m.pools))
	for _, pool := range m.pools {
		out = append(out, pool.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockState) GetDeposit(poolID, owner string) (*UserDeposit, error) {
	deposit, ok := m.deposits[poolID+"/"+owner]
	if !ok {
		return nil, ErrNotFound
	}
	return deposit.Clone(), nil
}

func (m *mockState) ListDeposits(poolID string) ([]*UserDeposit, error) {
	var out []*UserDeposit
	for _, deposit := range m.deposits {
		if deposit.PoolID == poolID {
			out = append(out, deposit.Clone())
		}
	}
	return out, nil
}

func (m *mockState) GetLoan(id string) (*Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return loan.Clone(), nil
}

func (m *mockState) ListLoans(borrower string) ([]*Loan, error) {
	var out []*Loan
	for _, loan := range m.loans {
		if loan.Borrower == borrower {
			out = append(out, loan.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockState) Commit(ctx context.Context, changes *Changeset) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	if len(changes.Transfers) > 0 {
		if err := m.ledger.Transfer(ctx, changes.Transfers...); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	m.commits++
	for _, pool := range changes.Pools {
		m.pools[pool.ID] = pool.Clone()
	}
	for _, deposit := range changes.Deposits {
		m.deposits[deposit.PoolID+"/"+deposit.Owner] = deposit.Clone()
	}
	for _, loan := range changes.Loans {
		m.loans[loan.ID] = loan.Clone()
	}
	return nil
}

type mockLedger struct {
	balances map[string]uint64
	failWith error
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]uint64)}
}

func (m *mockLedger) key(account, asset string) string { return asset + "/" + account }

func (m *mockLedger) fund(account, asset string, amount uint64) {
	m.balances[m.key(account, asset)] += amount
}

func (m *mockLedger) Balance(_ context.Context, account, asset string) (uint64, error) {
	return m.balances[m.key(account, asset)], nil
}

func (m *mockLedger) Transfer(_ context.Context, legs ...Transfer) error {
	if m.failWith != nil {
		return m.failWith
	}
	next := make(map[string]uint64, len(m.balances))
	for k, v := range m.balances {
		next[k] = v
	}
	for _, leg := range legs {
		from := m.key(leg.From, leg.Asset)
		if next[from] < leg.Amount {
			return fmt.Errorf("insufficient funds in %s", leg.From)
		}
		next[from] -= leg.Amount
		next[m.key(leg.To, leg.Asset)] += leg.Amount
	}
	m.balances = next
	return nil
}

type fixedFeed struct {
	quote Quote
	err   error
}

func (f *fixedFeed) Quote(context.Context, string) (Quote, error) { return f.quote, f.err }

type harness struct {
	t      *testing.T
	ctx    context.Context
	state  *mockState
	ledger *mockLedger
	engine *Engine
	rec    *events.Recorder
	clock  uint64
	pool   *LendingPool
	nextID int
}

const (
	testAuthority = "authority"
	testAsset     = "USDC"
	testColl      = "SOL"
)

func newHarness(t *testing.T, ratio, rate uint64) *harness {
	t.Helper()
	ledger := newMockLedger()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		state:  newMockState(ledger),
		ledger: ledger,
		rec:    &events.Recorder{},
		clock:  1_000,
	}
	h.engine = NewEngine(h.state, h.ledger)
	h.engine.SetClock(func() uint64 { return h.clock })
	h.engine.SetEmitter(h.rec)
	h.engine.SetLoanIDGenerator(func() string {
		h.nextID++
		return fmt.Sprintf("loan-%d", h.nextID)
	})
	pool, err := h.engine.InitializePool(h.ctx, PoolParams{
		Authority:          testAuthority,
		AssetID:            testAsset,
		CollateralAssetID:  testColl,
		MinCollateralRatio: ratio,
		InterestRate:       rate,
	})
	if err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	h.pool = pool
	return h
}

func (h *harness) deposit(owner string, amount uint64) {
	h.t.Helper()
	h.ledger.fund(owner, testAsset, amount)
	if _, err := h.engine.Deposit(h.ctx, owner, h.pool.ID, amount); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) borrow(borrower, collateralRef string, collateral, amount uint64) *Loan {
	h.t.Helper()
	h.ledger.fund(collateralRef, testColl, collateral)
	loan, err := h.engine.Borrow(h.ctx, borrower, h.pool.ID, collateralRef, amount)
	if err != nil {
		h.t.Fatalf("borrow: %v", err)
	}
	return loan
}

func (h *harness) poolState() *LendingPool {
	h.t.Helper()
	pool, err := h.state.GetPool(h.pool.ID)
	if err != nil {
		h.t.Fatalf("load pool: %v", err)
	}
	return pool
}

func TestRepayFullLifecycle(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "bob-collateral", 1500, 1000)

	if got := h.poolState().TotalBorrows; got != 1000 {
		t.Fatalf("expected total borrows 1000, got %d", got)
	}
	if got := h.ledger.balances[h.ledger.key("bob", testAsset)]; got != 1000 {
		t.Fatalf("expected borrower to receive 1000, got %d", got)
	}

	h.clock += SecondsPerYear
	due, err := h.engine.LoanDue(h.ctx, loan.ID)
	if err != nil {
		t.Fatalf("loan due: %v", err)
	}
	if due.Interest != 100 || due.Total != 1100 {
		t.Fatalf("expected 100 interest and 1100 due, got %+v", due)
	}

	h.ledger.fund("bob", testAsset, 101)
	if _, err := h.engine.Repay(h.ctx, "bob", loan.ID, 1101); !errors.Is(err, ErrInvalidRepaymentAmount) {
		t.Fatalf("expected ErrInvalidRepaymentAmount, got %v", err)
	}
	settlement, err := h.engine.Repay(h.ctx, "bob", loan.ID, 1100)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settlement.InterestPaid != 100 || settlement.PrincipalPaid != 1000 {
		t.Fatalf("unexpected settlement split: %+v", settlement)
	}
	if settlement.Status != LoanRepaid || settlement.Remaining.Total != 0 {
		t.Fatalf("expected loan repaid, got %+v", settlement)
	}
	if got := h.poolState().TotalBorrows; got != 0 {
		t.Fatalf("expected total borrows 0, got %d", got)
	}
	if _, err := h.engine.Repay(h.ctx, "bob", loan.ID, 1); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected ErrLoanClosed, got %v", err)
	}
	if got := h.ledger.balances[h.ledger.key(h.pool.VaultRef, testAsset)]; got != 1100 {
		t.Fatalf("expected vault to hold 1100, got %d", got)
	}
}

func TestPartialRepayPaysInterestFirst(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "bob-collateral", 1500, 1000)
	h.clock += SecondsPerYear

	settlement, err := h.engine.Repay(h.ctx, "bob", loan.ID, 60)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settlement.InterestPaid != 60 || settlement.PrincipalPaid != 0 {
		t.Fatalf("expected all 60 to settle interest, got %+v", settlement)
	}
	stored, _ := h.state.GetLoan(loan.ID)
	if stored.AccruedInterest != 40 || stored.Principal != 1000 {
		t.Fatalf("expected 40 carried interest on 1000 principal, got %+v", stored)
	}
	if stored.LastUpdate != h.clock {
		t.Fatalf("expected last update to advance to %d, got %d", h.clock, stored.LastUpdate)
	}

	settlement, err = h.engine.Repay(h.ctx, "bob", loan.ID, 540)
	if err != nil {
		t.Fatalf("second repay: %v", err)
	}
	if settlement.InterestPaid != 40 || settlement.PrincipalPaid != 500 {
		t.Fatalf("unexpected split: %+v", settlement)
	}
	if got := h.poolState().TotalBorrows; got != 500 {
		t.Fatalf("expected total borrows 500, got %d", got)
	}
	if settlement.Status != LoanOpen {
		t.Fatalf("expected loan to remain open, got %s", settlement.Status)
	}
}

func TestBorrowCollateralBoundary(t *testing.T) {
	h := newHarness(t, 150, 5)
	h.deposit("alice", 10_000)

	h.ledger.fund("short", testColl, 1499)
	if _, err := h.engine.Borrow(h.ctx, "bob", h.pool.ID, "short", 1000); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if got := h.poolState().TotalBorrows; got != 0 {
		t.Fatalf("rejected borrow must not touch aggregates, got %d", got)
	}
	h.borrow("bob", "exact", 1500, 1000)
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	h := newHarness(t, 100, 0)
	h.deposit("alice", 100)
	h.ledger.fund("coll", testColl, 1000)
	if _, err := h.engine.Borrow(h.ctx, "bob", h.pool.ID, "coll", 101); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBorrowSnapshotsRate(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 2000)
	first := h.borrow("bob", "coll-1", 1500, 1000)

	if _, err := h.engine.SetInterestRate(h.ctx, "mallory", h.pool.ID, 50); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.SetInterestRate(h.ctx, testAuthority, h.pool.ID, 50); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	second := h.borrow("carol", "coll-2", 1500, 1000)
	if second.InterestRate != 50 {
		t.Fatalf("expected new loan at 50, got %d", second.InterestRate)
	}
	h.clock += SecondsPerYear
	due, err := h.engine.LoanDue(h.ctx, first.ID)
	if err != nil {
		t.Fatalf("loan due: %v", err)
	}
	if due.Interest != 100 {
		t.Fatalf("existing loan must keep its 10%% rate, got interest %d", due.Interest)
	}
}

func TestLiquidationGateBoundary(t *testing.T) {
	h := newHarness(t, 150, 0)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "bob-coll", 1500, 1000)
	h.ledger.fund("liquidator", testAsset, 1000)

	if _, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 100); !errors.Is(err, ErrPositionNotLiquidatable) {
		t.Fatalf("expected ErrPositionNotLiquidatable at the exact ratio, got %v", err)
	}
	health, err := h.engine.Health(h.ctx, loan.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Liquidatable || health.RequiredCollateral != 1500 {
		t.Fatalf("unexpected health at boundary: %+v", health)
	}

	// One unit of collateral leaves the account.
	if err := h.ledger.Transfer(h.ctx, Transfer{From: "bob-coll", To: "elsewhere", Asset: testColl, Amount: 1}); err != nil {
		t.Fatalf("move collateral: %v", err)
	}
	if _, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "other-coll", 100); !errors.Is(err, ErrCollateralMismatch) {
		t.Fatalf("expected ErrCollateralMismatch, got %v", err)
	}
	settlement, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 100)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if settlement.CollateralSeized != 100 || settlement.PrincipalPaid != 100 {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}
	if got := h.ledger.balances[h.ledger.key("liquidator", testColl)]; got != 100 {
		t.Fatalf("expected liquidator to receive 100 collateral, got %d", got)
	}
	if got := h.poolState().TotalBorrows; got != 900 {
		t.Fatalf("expected total borrows 900, got %d", got)
	}
	stored, _ := h.state.GetLoan(loan.ID)
	if stored.Principal != 900 || stored.CollateralSeized != 100 || stored.Status != LoanOpen {
		t.Fatalf("unexpected loan after partial liquidation: %+v", stored)
	}
	// 1399 * 100 >= 900 * 150, so the position is healthy again.
	if _, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 1); !errors.Is(err, ErrPositionNotLiquidatable) {
		t.Fatalf("expected ErrPositionNotLiquidatable after partial liquidation, got %v", err)
	}
}

func TestLiquidationClosesLoan(t *testing.T) {
	h := newHarness(t, 150, 0)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "bob-coll", 1500, 1000)
	if err := h.ledger.Transfer(h.ctx, Transfer{From: "bob-coll", To: "elsewhere", Asset: testColl, Amount: 500}); err != nil {
		t.Fatalf("move collateral: %v", err)
	}
	h.ledger.fund("liquidator", testAsset, 2000)

	if _, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 1001); !errors.Is(err, ErrInvalidLiquidationAmount) {
		t.Fatalf("expected ErrInvalidLiquidationAmount, got %v", err)
	}
	settlement, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 1000)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if settlement.Status != LoanLiquidated {
		t.Fatalf("expected liquidated status, got %s", settlement.Status)
	}
	if got := h.poolState().TotalBorrows; got != 0 {
		t.Fatalf("expected total borrows 0, got %d", got)
	}
	if _, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 1); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected ErrLoanClosed, got %v", err)
	}
	recorded := h.rec.Events()
	last := recorded[len(recorded)-1]
	if last.EventType() != events.TypeLendingLiquidate {
		t.Fatalf("expected liquidate event, got %s", last.EventType())
	}
}

func TestLiquidationWithPriceFeed(t *testing.T) {
	h := newHarness(t, 150, 0)
	feed := &fixedFeed{quote: Quote{Price: 2 * PriceScale, UpdatedAt: h.clock}}
	h.engine.SetPriceFeed(feed, 60)
	h.deposit("alice", 1000)
	// 750 collateral units at a price of 2 are worth 1500.
	loan := h.borrow("bob", "bob-coll", 750, 1000)

	feed.quote = Quote{Price: PriceScale, UpdatedAt: h.clock}
	h.ledger.fund("liquidator", testAsset, 1000)
	settlement, err := h.engine.Liquidate(h.ctx, "liquidator", loan.ID, "bob-coll", 301)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if settlement.CollateralSeized != 301 {
		t.Fatalf("expected 301 units seized at price 1, got %d", settlement.CollateralSeized)
	}

	h.clock += 61
	if _, err := h.engine.Health(h.ctx, loan.ID); !errors.Is(err, ErrStaleOraclePrice) {
		t.Fatalf("expected ErrStaleOraclePrice, got %v", err)
	}
	feed.quote = Quote{Price: 3 * PriceScale, UpdatedAt: h.clock}
	health, err := h.engine.Health(h.ctx, loan.ID)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.CollateralValue != 449*3 {
		t.Fatalf("expected collateral value %d, got %d", 449*3, health.CollateralValue)
	}
}

func TestCollateralUnitsRoundUp(t *testing.T) {
	units, err := collateralUnits(10, Quote{Price: 3 * PriceScale})
	if err != nil {
		t.Fatalf("collateral units: %v", err)
	}
	if units != 4 {
		t.Fatalf("expected 4 units, got %d", units)
	}
}

func TestTransferFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "bob-coll", 1500, 1000)
	before := h.state.commits
	poolBefore := h.poolState()

	cause := errors.New("ledger offline")
	h.ledger.failWith = cause
	_, err := h.engine.Repay(h.ctx, "bob", loan.ID, 10)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrTransferFailed wrapping the cause, got %v", err)
	}
	if h.state.commits != before {
		t.Fatalf("no records may be committed when the transfer fails")
	}
	if got := h.poolState(); *got != *poolBefore {
		t.Fatalf("pool changed after failed transfer: %+v", got)
	}
	stored, _ := h.state.GetLoan(loan.ID)
	if *stored != *loan {
		t.Fatalf("loan changed after failed transfer: %+v", stored)
	}
}

func TestCommitFailureLeavesBalancesUnchanged(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	h.ledger.fund("alice", testAsset, 500)
	before := h.state.commits
	emitted := len(h.rec.Events())

	cause := errors.New("disk full")
	h.state.commitErr = cause
	if _, err := h.engine.Deposit(h.ctx, "alice", h.pool.ID, 500); !errors.Is(err, cause) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if got := h.ledger.balances[h.ledger.key("alice", testAsset)]; got != 500 {
		t.Fatalf("owner funds must stay put when the commit fails, alice holds %d", got)
	}
	if got := h.ledger.balances[h.ledger.key(h.pool.VaultRef, testAsset)]; got != 1000 {
		t.Fatalf("vault must still hold 1000, got %d", got)
	}
	deposit, _ := h.state.GetDeposit(h.pool.ID, "alice")
	if deposit.Amount != 1000 || h.poolState().TotalDeposits != 1000 || h.state.commits != before {
		t.Fatalf("records changed after a failed commit")
	}
	if n := len(h.rec.Events()); n != emitted {
		t.Fatalf("failed operations must not emit events, recorded %d", n-emitted)
	}
}

func TestDepositOverflowLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1)
	if _, err := h.engine.Deposit(h.ctx, "alice", h.pool.ID, math.MaxUint64); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	deposit, _ := h.state.GetDeposit(h.pool.ID, "alice")
	if deposit.Amount != 1 || h.poolState().TotalDeposits != 1 {
		t.Fatalf("overflowing deposit must not change records")
	}
}

func TestDepositConservation(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 300)
	h.deposit("bob", 200)
	h.deposit("alice", 50)
	if _, err := h.engine.Withdraw(h.ctx, "bob", h.pool.ID, 120); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	deposits, _ := h.state.ListDeposits(h.pool.ID)
	var sum uint64
	for _, d := range deposits {
		sum += d.Amount
	}
	if sum != h.poolState().TotalDeposits || sum != 430 {
		t.Fatalf("expected deposits to sum to pool total 430, got %d vs %d", sum, h.poolState().TotalDeposits)
	}
}

func TestWithdrawChecks(t *testing.T) {
	h := newHarness(t, 100, 0)
	h.deposit("alice", 100)
	h.borrow("bob", "coll", 100, 80)

	if _, err := h.engine.Withdraw(h.ctx, "alice", h.pool.ID, 101); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, "alice", h.pool.ID, 21); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, "alice", h.pool.ID, 20); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestClockSkewRejected(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	loan := h.borrow("bob", "coll", 1500, 500)
	h.clock -= 10
	if _, err := h.engine.Repay(h.ctx, "bob", loan.ID, 1); !errors.Is(err, ErrClockSkew) {
		t.Fatalf("expected ErrClockSkew, got %v", err)
	}
}

func TestInterestMonotonic(t *testing.T) {
	var prev uint64
	for _, elapsed := range []uint64{0, 1, 3600, 86_400, SecondsPerYear, 5 * SecondsPerYear} {
		got, err := AccruedInterest(1_000_000, 7, elapsed)
		if err != nil {
			t.Fatalf("accrued interest: %v", err)
		}
		if got < prev {
			t.Fatalf("interest decreased at elapsed %d: %d < %d", elapsed, got, prev)
		}
		prev = got
	}
	if _, err := AccruedInterest(math.MaxUint64, 2, 1); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
}

func TestBorrowOverflowLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 150, 10)
	h.deposit("alice", 1000)
	h.ledger.fund("whale", testColl, math.MaxUint64)
	before := h.state.commits
	poolBefore := h.poolState()

	if _, err := h.engine.Borrow(h.ctx, "bob", h.pool.ID, "whale", math.MaxUint64); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	if got := h.poolState(); *got != *poolBefore {
		t.Fatalf("pool changed after overflowing borrow: %+v", got)
	}
	if len(h.state.loans) != 0 || h.state.commits != before {
		t.Fatalf("overflowing borrow must not open a loan")
	}
	if got := h.ledger.balances[h.ledger.key("bob", testAsset)]; got != 0 {
		t.Fatalf("borrower must receive nothing, got %d", got)
	}
}

func TestInterestOverflowLeavesLoanUnchanged(t *testing.T) {
	h := newHarness(t, 150, 10)
	loan := &Loan{
		ID:            "huge",
		Borrower:      "bob",
		PoolID:        h.pool.ID,
		CollateralRef: "bob-coll",
		Principal:     math.MaxUint64 / 2,
		InterestRate:  10,
		LastUpdate:    h.clock,
		OpenedAt:      h.clock,
		Status:        LoanOpen,
	}
	h.state.loans[loan.ID] = loan.Clone()
	h.ledger.fund("bob", testAsset, 10)
	h.clock++
	before := h.state.commits
	poolBefore := h.poolState()

	if _, err := h.engine.LoanDue(h.ctx, loan.ID); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow from LoanDue, got %v", err)
	}
	if _, err := h.engine.Repay(h.ctx, "bob", loan.ID, 10); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow from Repay, got %v", err)
	}
	stored, _ := h.state.GetLoan(loan.ID)
	if *stored != *loan {
		t.Fatalf("loan changed after overflowing repay: %+v", stored)
	}
	if got := h.poolState(); *got != *poolBefore || h.state.commits != before {
		t.Fatalf("pool changed after overflowing repay: %+v", got)
	}
	if got := h.ledger.balances[h.ledger.key("bob", testAsset)]; got != 10 {
		t.Fatalf("payer funds must stay put, got %d", got)
	}
}

func TestPoolVaultIsReserved(t *testing.T) {
	h := newHarness(t, 150, 10)
	if h.pool.VaultRef != VaultAccount(h.pool.ID) || !IsPoolAccount(h.pool.VaultRef) {
		t.Fatalf("vault must be derived from the pool id, got %q", h.pool.VaultRef)
	}
	h.deposit("alice", 1000)

	if _, err := h.engine.Deposit(h.ctx, h.pool.VaultRef, h.pool.ID, 1); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount for a vault owner, got %v", err)
	}
	if _, err := h.engine.Withdraw(h.ctx, h.pool.VaultRef, h.pool.ID, 1); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount for a vault withdrawal, got %v", err)
	}
	if _, err := h.engine.Borrow(h.ctx, "bob", h.pool.ID, h.pool.VaultRef, 100); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount for vault collateral, got %v", err)
	}
	if got := h.poolState(); got.TotalDeposits != 1000 || got.TotalBorrows != 0 {
		t.Fatalf("rejected calls must not touch aggregates: %+v", got)
	}
	if IsPoolAccount("alice/pool/x") || IsPoolAccount("pool") {
		t.Fatalf("only the pool/ prefix is reserved")
	}
}

func TestMeetsRatioOverflow(t *testing.T) {
	if _, err := meetsRatio(1, math.MaxUint64, 150); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	ok, err := meetsRatio(math.MaxUint64, 1, 150)
	if err != nil || !ok {
		t.Fatalf("large collateral must not overflow: ok=%v err=%v", ok, err)
	}
}

func TestPausedModuleRejectsWrites(t *testing.T) {
	h := newHarness(t, 150, 10)
	pauses := nativecommon.NewPauses("lending")
	h.engine.SetPauses(pauses)
	h.ledger.fund("alice", testAsset, 10)
	if _, err := h.engine.Deposit(h.ctx, "alice", h.pool.ID, 10); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.Pool(h.ctx, h.pool.ID); err != nil {
		t.Fatalf("reads must remain available while paused: %v", err)
	}
	pauses.Set("lending", false)
	if _, err := h.engine.Deposit(h.ctx, "alice", h.pool.ID, 10); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestInitializePoolValidation(t *testing.T) {
	h := newHarness(t, 150, 10)
	_, err := h.engine.InitializePool(h.ctx, PoolParams{
		Authority: testAuthority, AssetID: "usdc", MinCollateralRatio: 120,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for the same authority and asset, got %v", err)
	}
	if _, err := h.engine.InitializePool(h.ctx, PoolParams{Authority: "a", AssetID: "X"}); !errors.Is(err, ErrInvalidPoolParams) {
		t.Fatalf("expected ErrInvalidPoolParams, got %v", err)
	}
	if _, err := h.engine.Deposit(h.ctx, "alice", "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Deposit(h.ctx, "alice", h.pool.ID, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPoolIDStable(t *testing.T) {
	if PoolID("auth", "usdc") != PoolID(" auth ", "USDC") {
		t.Fatalf("pool id must normalise authority whitespace and asset case")
	}
	if PoolID("auth", "USDC") == PoolID("auth", "USDT") {
		t.Fatalf("distinct assets must map to distinct pools")
	}
	if len(PoolID("auth", "USDC")) != 32 {
		t.Fatalf("expected 32 hex characters")
	}
}
