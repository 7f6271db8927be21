package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"lendpool/native/bank"
	nativecommon "lendpool/native/common"
	nativelending "lendpool/native/lending"
	"lendpool/services/lending"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// toStatus maps engine and service errors to an HTTP status and a stable
// error code.
func toStatus(err error) (int, string) {
	switch {
	case errors.Is(err, nativelending.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lending.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, nativelending.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, nativelending.ErrStaleOraclePrice):
		return http.StatusServiceUnavailable, "stale_price"
	case errors.Is(err, nativelending.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, nativelending.ErrInvalidAmount),
		errors.Is(err, nativelending.ErrInvalidPoolParams),
		errors.Is(err, nativelending.ErrInvalidRepaymentAmount),
		errors.Is(err, nativelending.ErrInvalidLiquidationAmount),
		errors.Is(err, nativelending.ErrCollateralMismatch),
		errors.Is(err, nativelending.ErrReservedAccount),
		errors.Is(err, bank.ErrInvalidTransfer):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, nativelending.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient_collateral"
	case errors.Is(err, nativelending.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity, "insufficient_liquidity"
	case errors.Is(err, nativelending.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, nativelending.ErrPositionNotLiquidatable):
		return http.StatusUnprocessableEntity, "not_liquidatable"
	case errors.Is(err, nativelending.ErrLoanClosed):
		return http.StatusUnprocessableEntity, "loan_closed"
	case errors.Is(err, nativelending.ErrMathOverflow),
		errors.Is(err, bank.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, nativelending.ErrTransferFailed),
		errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "transfer_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, code := toStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
