package lending

// LoanStatus tracks where a loan sits in its lifecycle. Liquidatability is not
// a stored state; it is derived from live collateral value on demand.
type LoanStatus string

const (
	LoanOpen       LoanStatus = "open"
	LoanRepaid     LoanStatus = "repaid"
	LoanLiquidated LoanStatus = "liquidated"
)

// LendingPool captures the accounting state for one asset market. Amount
// values are expressed in the smallest unit of the pool asset.
type LendingPool struct {
	// ID is derived from the authority and asset, see PoolID.
	ID string
	// Authority is the identity permitted to administer the pool.
	Authority string
	// AssetID identifies the base asset accepted for deposit and borrow.
	AssetID string
	// CollateralAssetID identifies the asset posted as collateral. It defaults
	// to AssetID when the pool is initialised without one.
	CollateralAssetID string
	// VaultRef is the custodial account holding pooled assets. It is derived
	// from the pool ID by VaultAccount.
	VaultRef string
	// MinCollateralRatio is the required collateral value over principal,
	// as an integer percentage (150 = 150%).
	MinCollateralRatio uint64
	// InterestRate is the annualised rate offered to new loans, as an
	// integer percentage.
	InterestRate uint64
	// TotalDeposits is the aggregate of every UserDeposit.Amount.
	TotalDeposits uint64
	// TotalBorrows is the outstanding principal across open loans.
	TotalBorrows uint64
	// CreatedAt records the clock reading at initialisation.
	CreatedAt uint64
}

// Available returns the liquidity not currently lent out.
func (p *LendingPool) Available() uint64 {
	if p == nil || p.TotalBorrows >= p.TotalDeposits {
		return 0
	}
	return p.TotalDeposits - p.TotalBorrows
}

// Clone returns a copy of the pool.
func (p *LendingPool) Clone() *LendingPool {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// UserDeposit is the balance an owner holds in a pool.
type UserDeposit struct {
	Owner     string
	PoolID    string
	Amount    uint64
	UpdatedAt uint64
}

// Clone returns a copy of the deposit.
func (d *UserDeposit) Clone() *UserDeposit {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// Loan records a single borrow. Multiple loans per borrower are distinct
// records.
type Loan struct {
	ID            string
	Borrower      string
	PoolID        string
	CollateralRef string
	// Principal is the outstanding borrowed amount excluding interest.
	Principal uint64
	// InterestRate is the pool rate snapshotted at origination.
	InterestRate uint64
	// AccruedInterest holds interest settled at LastUpdate but not yet paid.
	AccruedInterest uint64
	// CollateralSeized is the cumulative collateral taken by liquidators.
	CollateralSeized uint64
	LastUpdate       uint64
	OpenedAt         uint64
	Status           LoanStatus
}

// Clone returns a copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

// Closed reports whether the loan no longer accepts repayments.
func (l *Loan) Closed() bool {
	return l == nil || l.Status != LoanOpen
}

// PoolParams describes a pool to initialise.
type PoolParams struct {
	Authority          string
	AssetID            string
	CollateralAssetID  string
	MinCollateralRatio uint64
	InterestRate       uint64
}

// Due is a quote of what a loan owes at a point in time.
type Due struct {
	Principal uint64
	// Interest includes previously carried interest and interest accrued
	// since the last update.
	Interest uint64
	Total    uint64
	AsOf     uint64
}

// Settlement describes how a repayment or liquidation payment was applied.
type Settlement struct {
	LoanID        string
	Paid          uint64
	InterestPaid  uint64
	PrincipalPaid uint64
	// CollateralSeized is only set by liquidations, in collateral units.
	CollateralSeized uint64
	Remaining        Due
	Status           LoanStatus
}

// Health summarises a loan's collateral position.
type Health struct {
	LoanID             string
	CollateralValue    uint64
	RequiredCollateral uint64
	Liquidatable       bool
}
