package events

import "lendpool/core/types"

const (
	TypeLendingPoolInitialized = "lending.pool_initialized"
	TypeLendingRateUpdated     = "lending.rate_updated"
	TypeLendingDeposit         = "lending.deposit"
	TypeLendingWithdraw        = "lending.withdraw"
	TypeLendingBorrow          = "lending.borrow"
	TypeLendingRepay           = "lending.repay"
	TypeLendingLiquidate       = "lending.liquidate"
)

// LendingPoolInitialized is emitted when a pool is created.
type LendingPoolInitialized struct {
	PoolID             string
	Authority          string
	Asset              string
	CollateralAsset    string
	MinCollateralRatio uint64
	InterestRate       uint64
}

func (LendingPoolInitialized) EventType() string { return TypeLendingPoolInitialized }

func (e LendingPoolInitialized) Event() *types.Event {
	return &types.Event{Type: TypeLendingPoolInitialized, Attributes: map[string]string{
		"pool":               e.PoolID,
		"authority":          e.Authority,
		"asset":              normalizeAsset(e.Asset),
		"collateralAsset":    normalizeAsset(e.CollateralAsset),
		"minCollateralRatio": formatAmount(e.MinCollateralRatio),
		"interestRate":       formatAmount(e.InterestRate),
	}}
}

// LendingRateUpdated is emitted when a pool authority changes the rate for new
// loans.
type LendingRateUpdated struct {
	PoolID   string
	Previous uint64
	Current  uint64
}

func (LendingRateUpdated) EventType() string { return TypeLendingRateUpdated }

func (e LendingRateUpdated) Event() *types.Event {
	return &types.Event{Type: TypeLendingRateUpdated, Attributes: map[string]string{
		"pool":     e.PoolID,
		"previous": formatAmount(e.Previous),
		"current":  formatAmount(e.Current),
	}}
}

// LendingDeposit is emitted for deposits and, with Withdraw set, withdrawals.
type LendingDeposit struct {
	PoolID   string
	Owner    string
	Amount   uint64
	Balance  uint64
	Withdraw bool
}

func (e LendingDeposit) EventType() string {
	if e.Withdraw {
		return TypeLendingWithdraw
	}
	return TypeLendingDeposit
}

func (e LendingDeposit) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"pool":    e.PoolID,
		"owner":   e.Owner,
		"amount":  formatAmount(e.Amount),
		"balance": formatAmount(e.Balance),
	}}
}

// LendingBorrow is emitted when a loan is originated.
type LendingBorrow struct {
	PoolID        string
	LoanID        string
	Borrower      string
	CollateralRef string
	Amount        uint64
	InterestRate  uint64
}

func (LendingBorrow) EventType() string { return TypeLendingBorrow }

func (e LendingBorrow) Event() *types.Event {
	return &types.Event{Type: TypeLendingBorrow, Attributes: map[string]string{
		"pool":         e.PoolID,
		"loan":         e.LoanID,
		"borrower":     e.Borrower,
		"collateral":   e.CollateralRef,
		"amount":       formatAmount(e.Amount),
		"interestRate": formatAmount(e.InterestRate),
	}}
}

// LendingRepay is emitted for repayments and, with Liquidator set,
// liquidations.
type LendingRepay struct {
	PoolID           string
	LoanID           string
	Payer            string
	Liquidator       string
	Amount           uint64
	InterestPaid     uint64
	PrincipalPaid    uint64
	CollateralSeized uint64
	Status           string
}

func (e LendingRepay) EventType() string {
	if e.Liquidator != "" {
		return TypeLendingLiquidate
	}
	return TypeLendingRepay
}

func (e LendingRepay) Event() *types.Event {
	attrs := map[string]string{
		"pool":          e.PoolID,
		"loan":          e.LoanID,
		"amount":        formatAmount(e.Amount),
		"interestPaid":  formatAmount(e.InterestPaid),
		"principalPaid": formatAmount(e.PrincipalPaid),
		"status":        e.Status,
	}
	if e.Liquidator != "" {
		attrs["liquidator"] = e.Liquidator
		attrs["collateralSeized"] = formatAmount(e.CollateralSeized)
	} else {
		attrs["payer"] = e.Payer
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}
