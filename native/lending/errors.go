package lending

import "errors"

var (
	ErrInsufficientCollateral   = errors.New("lending: insufficient collateral for loan")
	ErrInvalidRepaymentAmount   = errors.New("lending: invalid repayment amount")
	ErrPositionNotLiquidatable  = errors.New("lending: position is not liquidatable")
	ErrStaleOraclePrice         = errors.New("lending: oracle price is stale")
	ErrMathOverflow             = errors.New("lending: math operation overflow")
	ErrTransferFailed           = errors.New("lending: asset transfer failed")
	ErrClockSkew                = errors.New("lending: clock moved backwards")
	ErrNotFound                 = errors.New("lending: not found")
	ErrAlreadyExists            = errors.New("lending: already exists")
	ErrInvalidAmount            = errors.New("lending: amount must be positive")
	ErrInvalidPoolParams        = errors.New("lending: invalid pool parameters")
	ErrInsufficientLiquidity    = errors.New("lending: insufficient pool liquidity")
	ErrInsufficientBalance      = errors.New("lending: insufficient deposit balance")
	ErrLoanClosed               = errors.New("lending: loan is closed")
	ErrUnauthorized             = errors.New("lending: caller not authorised")
	ErrCollateralMismatch       = errors.New("lending: collateral account does not back this loan")
	ErrInvalidLiquidationAmount = errors.New("lending: liquidation amount exceeds collateral or debt")
	ErrReservedAccount          = errors.New("lending: account is reserved for pool vaults")
)

var errNilState = errors.New("lending: engine state not configured")
