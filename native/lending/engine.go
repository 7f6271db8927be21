package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lendpool/core/events"
	nativecommon "lendpool/native/common"
)

const moduleName = "lending"

// State is the record persistence consulted by the engine. Lookups return
// ErrNotFound for absent records. Commit must apply every record and every
// transfer leg of the changeset atomically or none of them, and reports a
// rejected leg wrapped in ErrTransferFailed.
type State interface {
	GetPool(poolID string) (*LendingPool, error)
	ListPools() ([]*LendingPool, error)
	GetDeposit(poolID, owner string) (*UserDeposit, error)
	ListDeposits(poolID string) ([]*UserDeposit, error)
	GetLoan(loanID string) (*Loan, error)
	ListLoans(borrower string) ([]*Loan, error)
	Commit(ctx context.Context, changes *Changeset) error
}

// Changeset groups the record writes and asset movements produced by one
// operation.
type Changeset struct {
	Pools     []*LendingPool
	Deposits  []*UserDeposit
	Loans     []*Loan
	Transfers []Transfer
}

// Transfer is one leg of an asset movement between ledger accounts.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount uint64
}

// Ledger reports account holdings. The engine reads collateral balances
// through it; movements are committed with the records via State.
type Ledger interface {
	Balance(ctx context.Context, account, asset string) (uint64, error)
}

// Engine implements the pool and loan state transitions. It performs no
// locking; callers serialise operations touching the same pool or loan.
type Engine struct {
	state       State
	ledger      Ledger
	prices      PriceFeed
	maxPriceAge uint64
	pauses      nativecommon.PauseView
	emitter     events.Emitter
	now         func() uint64
	loanID      func() string
}

// NewEngine constructs an engine over the given record state and ledger.
func NewEngine(state State, ledger Ledger) *Engine {
	return &Engine{
		state:   state,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		now:     func() uint64 { return uint64(time.Now().Unix()) },
		loanID:  newLoanID,
	}
}

// SetPauses wires the pause switches consulted before every write.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter wires the sink that receives events for committed operations.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the source of the current time in seconds. The clock is
// expected to be monotonically non-decreasing.
func (e *Engine) SetClock(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetPriceFeed enables collateral valuation through feed. Quotes older than
// maxAge seconds are rejected; zero disables the age check.
func (e *Engine) SetPriceFeed(feed PriceFeed, maxAge uint64) {
	if e == nil {
		return
	}
	e.prices = feed
	e.maxPriceAge = maxAge
}

// SetLoanIDGenerator overrides how new loan identifiers are minted.
func (e *Engine) SetLoanIDGenerator(gen func() string) {
	if e == nil || gen == nil {
		return
	}
	e.loanID = gen
}

// InitializePool creates a pool with zero aggregates. The pool's vault is
// derived from its ID.
func (e *Engine) InitializePool(ctx context.Context, params PoolParams) (*LendingPool, error) {
	if err := e.precheck(ctx); err != nil {
		return nil, err
	}
	params.Authority = strings.TrimSpace(params.Authority)
	params.AssetID = strings.TrimSpace(params.AssetID)
	params.CollateralAssetID = strings.TrimSpace(params.CollateralAssetID)
	if params.Authority == "" || params.AssetID == "" {
		return nil, fmt.Errorf("%w: authority and asset are required", ErrInvalidPoolParams)
	}
	if params.MinCollateralRatio == 0 {
		return nil, fmt.Errorf("%w: min collateral ratio must be positive", ErrInvalidPoolParams)
	}
	if params.CollateralAssetID == "" {
		params.CollateralAssetID = params.AssetID
	}

	id := PoolID(params.Authority, params.AssetID)
	if _, err := e.state.GetPool(id); err == nil {
		return nil, fmt.Errorf("pool %s: %w", id, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	pool := &LendingPool{
		ID:                 id,
		Authority:          params.Authority,
		AssetID:            params.AssetID,
		CollateralAssetID:  params.CollateralAssetID,
		VaultRef:           VaultAccount(id),
		MinCollateralRatio: params.MinCollateralRatio,
		InterestRate:       params.InterestRate,
		CreatedAt:          e.now(),
	}
	if err := e.state.Commit(ctx, &Changeset{Pools: []*LendingPool{pool}}); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingPoolInitialized{
		PoolID:             pool.ID,
		Authority:          pool.Authority,
		Asset:              pool.AssetID,
		CollateralAsset:    pool.CollateralAssetID,
		MinCollateralRatio: pool.MinCollateralRatio,
		InterestRate:       pool.InterestRate,
	})
	return pool.Clone(), nil
}

// SetInterestRate changes the rate applied to loans originated afterwards.
// Existing loans keep the rate snapshotted when they were opened.
func (e *Engine) SetInterestRate(ctx context.Context, authority, poolID string, rate uint64) (*LendingPool, error) {
	if err := e.precheck(ctx); err != nil {
		return nil, err
	}
	pool, err := e.state.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(authority) != pool.Authority {
		return nil, ErrUnauthorized
	}
	previous := pool.InterestRate
	next := pool.Clone()
	next.InterestRate = rate
	if err := e.state.Commit(ctx, &Changeset{Pools: []*LendingPool{next}}); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingRateUpdated{PoolID: next.ID, Previous: previous, Current: rate})
	return next.Clone(), nil
}

// Deposit moves amount from the owner's account into the pool vault and
// credits the owner's deposit.
func (e *Engine) Deposit(ctx context.Context, owner, poolID string, amount uint64) (*UserDeposit, error) {
	if err := e.precheck(ctx, owner); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.state.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	deposit, err := e.state.GetDeposit(poolID, owner)
	switch {
	case errors.Is(err, ErrNotFound):
		deposit = &UserDeposit{Owner: owner, PoolID: poolID}
	case err != nil:
		return nil, err
	}

	now := e.now()
	nextDeposit := deposit.Clone()
	if nextDeposit.Amount, err = checkedAdd(deposit.Amount, amount); err != nil {
		return nil, err
	}
	nextDeposit.UpdatedAt = now
	nextPool := pool.Clone()
	if nextPool.TotalDeposits, err = checkedAdd(pool.TotalDeposits, amount); err != nil {
		return nil, err
	}

	err = e.state.Commit(ctx, &Changeset{
		Pools:     []*LendingPool{nextPool},
		Deposits:  []*UserDeposit{nextDeposit},
		Transfers: []Transfer{{From: owner, To: pool.VaultRef, Asset: pool.AssetID, Amount: amount}},
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingDeposit{PoolID: poolID, Owner: owner, Amount: amount, Balance: nextDeposit.Amount})
	return nextDeposit.Clone(), nil
}

// Withdraw returns amount of the owner's deposit from the vault. Funds that
// are currently lent out cannot be withdrawn.
func (e *Engine) Withdraw(ctx context.Context, owner, poolID string, amount uint64) (*UserDeposit, error) {
	if err := e.precheck(ctx, owner); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.state.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	deposit, err := e.state.GetDeposit(poolID, owner)
	if err != nil {
		return nil, err
	}
	if deposit.Amount < amount {
		return nil, ErrInsufficientBalance
	}

	nextDeposit := deposit.Clone()
	if nextDeposit.Amount, err = checkedSub(deposit.Amount, amount); err != nil {
		return nil, err
	}
	nextDeposit.UpdatedAt = e.now()
	nextPool := pool.Clone()
	if nextPool.TotalDeposits, err = checkedSub(pool.TotalDeposits, amount); err != nil {
		return nil, err
	}
	if nextPool.TotalDeposits < nextPool.TotalBorrows {
		return nil, ErrInsufficientLiquidity
	}

	err = e.state.Commit(ctx, &Changeset{
		Pools:     []*LendingPool{nextPool},
		Deposits:  []*UserDeposit{nextDeposit},
		Transfers: []Transfer{{From: pool.VaultRef, To: owner, Asset: pool.AssetID, Amount: amount}},
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingDeposit{PoolID: poolID, Owner: owner, Amount: amount, Balance: nextDeposit.Amount, Withdraw: true})
	return nextDeposit.Clone(), nil
}

// Borrow opens a loan of amount against the collateral held in collateralRef.
// The collateral value must cover amount at the pool's minimum ratio.
func (e *Engine) Borrow(ctx context.Context, borrower, poolID, collateralRef string, amount uint64) (*Loan, error) {
	if err := e.precheck(ctx, borrower, collateralRef); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.state.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	collateral, _, err := e.collateralValue(ctx, pool, collateralRef, now)
	if err != nil {
		return nil, err
	}
	ok, err := meetsRatio(collateral, amount, pool.MinCollateralRatio)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientCollateral
	}

	nextPool := pool.Clone()
	if nextPool.TotalBorrows, err = checkedAdd(pool.TotalBorrows, amount); err != nil {
		return nil, err
	}
	if nextPool.TotalBorrows > nextPool.TotalDeposits {
		return nil, ErrInsufficientLiquidity
	}
	loan := &Loan{
		ID:            e.loanID(),
		Borrower:      borrower,
		PoolID:        poolID,
		CollateralRef: collateralRef,
		Principal:     amount,
		InterestRate:  pool.InterestRate,
		LastUpdate:    now,
		OpenedAt:      now,
		Status:        LoanOpen,
	}
	if _, err := e.state.GetLoan(loan.ID); err == nil {
		return nil, fmt.Errorf("loan %s: %w", loan.ID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	err = e.state.Commit(ctx, &Changeset{
		Pools:     []*LendingPool{nextPool},
		Loans:     []*Loan{loan},
		Transfers: []Transfer{{From: pool.VaultRef, To: borrower, Asset: pool.AssetID, Amount: amount}},
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingBorrow{
		PoolID:        poolID,
		LoanID:        loan.ID,
		Borrower:      borrower,
		CollateralRef: collateralRef,
		Amount:        amount,
		InterestRate:  loan.InterestRate,
	})
	return loan.Clone(), nil
}

// Repay pays amount towards a loan, settling accrued interest before
// principal. Amounts above the total due are rejected.
func (e *Engine) Repay(ctx context.Context, payer, loanID string, amount uint64) (*Settlement, error) {
	if err := e.precheck(ctx, payer); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	loan, pool, err := e.loadOpenLoan(loanID)
	if err != nil {
		return nil, err
	}
	due, err := loan.DueAt(e.now())
	if err != nil {
		return nil, err
	}
	nextLoan, interestPaid, principalPaid, err := applyPayment(loan, due, amount)
	if err != nil {
		return nil, err
	}
	nextPool := pool.Clone()
	if nextPool.TotalBorrows, err = checkedSub(pool.TotalBorrows, principalPaid); err != nil {
		return nil, err
	}
	if nextLoan.Principal == 0 && nextLoan.AccruedInterest == 0 {
		nextLoan.Status = LoanRepaid
	}

	err = e.state.Commit(ctx, &Changeset{
		Pools:     []*LendingPool{nextPool},
		Loans:     []*Loan{nextLoan},
		Transfers: []Transfer{{From: payer, To: pool.VaultRef, Asset: pool.AssetID, Amount: amount}},
	})
	if err != nil {
		return nil, err
	}
	settlement := &Settlement{
		LoanID:        loanID,
		Paid:          amount,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Remaining:     remainingDue(nextLoan),
		Status:        nextLoan.Status,
	}
	e.emitter.Emit(events.LendingRepay{
		PoolID:        pool.ID,
		LoanID:        loanID,
		Payer:         payer,
		Amount:        amount,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Status:        string(nextLoan.Status),
	})
	return settlement, nil
}

// Liquidate lets a third party repay amount of an undercollateralised loan in
// exchange for the same value of the borrower's collateral. Both transfers
// commit in the same batch as the records. The loan is closed as liquidated once its debt
// reaches zero.
func (e *Engine) Liquidate(ctx context.Context, liquidator, loanID, collateralRef string, amount uint64) (*Settlement, error) {
	if err := e.precheck(ctx, liquidator); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	loan, pool, err := e.loadOpenLoan(loanID)
	if err != nil {
		return nil, err
	}
	if collateralRef != loan.CollateralRef {
		return nil, ErrCollateralMismatch
	}
	now := e.now()
	due, err := loan.DueAt(now)
	if err != nil {
		return nil, err
	}
	collateral, quote, err := e.collateralValue(ctx, pool, collateralRef, now)
	if err != nil {
		return nil, err
	}
	healthy, err := meetsRatio(collateral, loan.Principal, pool.MinCollateralRatio)
	if err != nil {
		return nil, err
	}
	if healthy {
		return nil, ErrPositionNotLiquidatable
	}
	if amount > collateral || amount > due.Total {
		return nil, ErrInvalidLiquidationAmount
	}
	seized, err := collateralUnits(amount, quote)
	if err != nil {
		return nil, err
	}

	nextLoan, interestPaid, principalPaid, err := applyPayment(loan, due, amount)
	if err != nil {
		return nil, err
	}
	if nextLoan.CollateralSeized, err = checkedAdd(loan.CollateralSeized, seized); err != nil {
		return nil, err
	}
	if nextLoan.Principal == 0 && nextLoan.AccruedInterest == 0 {
		nextLoan.Status = LoanLiquidated
	}
	nextPool := pool.Clone()
	if nextPool.TotalBorrows, err = checkedSub(pool.TotalBorrows, principalPaid); err != nil {
		return nil, err
	}

	err = e.state.Commit(ctx, &Changeset{
		Pools: []*LendingPool{nextPool},
		Loans: []*Loan{nextLoan},
		Transfers: []Transfer{
			{From: liquidator, To: pool.VaultRef, Asset: pool.AssetID, Amount: amount},
			{From: collateralRef, To: liquidator, Asset: pool.CollateralAssetID, Amount: seized},
		},
	})
	if err != nil {
		return nil, err
	}
	settlement := &Settlement{
		LoanID:           loanID,
		Paid:             amount,
		InterestPaid:     interestPaid,
		PrincipalPaid:    principalPaid,
		CollateralSeized: seized,
		Remaining:        remainingDue(nextLoan),
		Status:           nextLoan.Status,
	}
	e.emitter.Emit(events.LendingRepay{
		PoolID:           pool.ID,
		LoanID:           loanID,
		Liquidator:       liquidator,
		Amount:           amount,
		InterestPaid:     interestPaid,
		PrincipalPaid:    principalPaid,
		CollateralSeized: seized,
		Status:           string(nextLoan.Status),
	})
	return settlement, nil
}

// Pool returns the pool with the given identifier.
func (e *Engine) Pool(ctx context.Context, poolID string) (*LendingPool, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	return e.state.GetPool(poolID)
}

// Pools lists every pool.
func (e *Engine) Pools(ctx context.Context) ([]*LendingPool, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	return e.state.ListPools()
}

// DepositOf returns the owner's deposit in the pool.
func (e *Engine) DepositOf(ctx context.Context, poolID, owner string) (*UserDeposit, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	return e.state.GetDeposit(poolID, owner)
}

// Loan returns the loan with the given identifier.
func (e *Engine) Loan(ctx context.Context, loanID string) (*Loan, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	return e.state.GetLoan(loanID)
}

// Loans lists the loans opened by borrower, open and closed.
func (e *Engine) Loans(ctx context.Context, borrower string) ([]*Loan, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	return e.state.ListLoans(borrower)
}

// LoanDue quotes what the loan owes now.
func (e *Engine) LoanDue(ctx context.Context, loanID string) (Due, error) {
	if err := e.readable(ctx); err != nil {
		return Due{}, err
	}
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return Due{}, err
	}
	if loan.Closed() {
		return remainingDue(loan), nil
	}
	return loan.DueAt(e.now())
}

// Health reports the loan's live collateral value against the requirement.
func (e *Engine) Health(ctx context.Context, loanID string) (Health, error) {
	if err := e.readable(ctx); err != nil {
		return Health{}, err
	}
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return Health{}, err
	}
	pool, err := e.state.GetPool(loan.PoolID)
	if err != nil {
		return Health{}, err
	}
	value, _, err := e.collateralValue(ctx, pool, loan.CollateralRef, e.now())
	if err != nil {
		return Health{}, err
	}
	required, err := RequiredCollateral(loan.Principal, pool.MinCollateralRatio)
	if err != nil {
		return Health{}, err
	}
	healthy, err := meetsRatio(value, loan.Principal, pool.MinCollateralRatio)
	if err != nil {
		return Health{}, err
	}
	return Health{
		LoanID:             loanID,
		CollateralValue:    value,
		RequiredCollateral: required,
		Liquidatable:       !loan.Closed() && !healthy,
	}, nil
}

func (e *Engine) readable(ctx context.Context) error {
	if e == nil || e.state == nil || e.ledger == nil {
		return errNilState
	}
	return ctx.Err()
}

// precheck gates writes. accounts are the caller-supplied ledger accounts the
// operation will touch; none may be a pool vault.
func (e *Engine) precheck(ctx context.Context, accounts ...string) error {
	if err := e.readable(ctx); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	for _, account := range accounts {
		if IsPoolAccount(account) {
			return fmt.Errorf("%w: %s", ErrReservedAccount, account)
		}
	}
	return nil
}

func (e *Engine) loadOpenLoan(loanID string) (*Loan, *LendingPool, error) {
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	if loan.Closed() {
		return nil, nil, ErrLoanClosed
	}
	pool, err := e.state.GetPool(loan.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return loan, pool, nil
}

func remainingDue(loan *Loan) Due {
	return Due{
		Principal: loan.Principal,
		Interest:  loan.AccruedInterest,
		Total:     loan.Principal + loan.AccruedInterest,
		AsOf:      loan.LastUpdate,
	}
}
