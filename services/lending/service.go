package lending

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "lendpool/native/common"
	nativelending "lendpool/native/lending"
	"lendpool/observability"
)

// ErrBusy is returned when another operation currently holds one of the pool,
// loan or collateral records the request needs. Callers retry.
var ErrBusy = errors.New("lending: record busy, retry")

// Service fronts the lending engine for concurrent callers. It serialises
// operations touching the same records with non-blocking locks and records
// logs, traces and metrics for every call.
type Service struct {
	engine  *nativelending.Engine
	locks   *lockTable
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.LendingMetrics
}

// New wraps engine. A nil logger falls back to slog.Default.
func New(engine *nativelending.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  engine,
		locks:   newLockTable(),
		logger:  logger.With("component", "lending"),
		tracer:  otel.Tracer("lendpool/services/lending"),
		metrics: observability.Lending(),
	}
}

func (s *Service) InitializePool(ctx context.Context, params nativelending.PoolParams) (*nativelending.LendingPool, error) {
	var pool *nativelending.LendingPool
	id := nativelending.PoolID(params.Authority, params.AssetID)
	err := s.run(ctx, "initialize_pool", []string{poolKey(id)}, func(ctx context.Context) error {
		var err error
		pool, err = s.engine.InitializePool(ctx, params)
		if err == nil {
			s.publishPool(pool)
		}
		return err
	}, attribute.String("pool", id))
	return pool, err
}

func (s *Service) SetInterestRate(ctx context.Context, authority, poolID string, rate uint64) (*nativelending.LendingPool, error) {
	var pool *nativelending.LendingPool
	err := s.run(ctx, "set_interest_rate", []string{poolKey(poolID)}, func(ctx context.Context) error {
		var err error
		pool, err = s.engine.SetInterestRate(ctx, authority, poolID, rate)
		return err
	}, attribute.String("pool", poolID))
	return pool, err
}

func (s *Service) Deposit(ctx context.Context, owner, poolID string, amount uint64) (*nativelending.UserDeposit, error) {
	var deposit *nativelending.UserDeposit
	err := s.run(ctx, "deposit", []string{poolKey(poolID)}, func(ctx context.Context) error {
		var err error
		deposit, err = s.engine.Deposit(ctx, owner, poolID, amount)
		if err == nil {
			s.refreshPool(ctx, poolID)
		}
		return err
	}, attribute.String("pool", poolID))
	return deposit, err
}

func (s *Service) Withdraw(ctx context.Context, owner, poolID string, amount uint64) (*nativelending.UserDeposit, error) {
	var deposit *nativelending.UserDeposit
	err := s.run(ctx, "withdraw", []string{poolKey(poolID)}, func(ctx context.Context) error {
		var err error
		deposit, err = s.engine.Withdraw(ctx, owner, poolID, amount)
		if err == nil {
			s.refreshPool(ctx, poolID)
		}
		return err
	}, attribute.String("pool", poolID))
	return deposit, err
}

func (s *Service) Borrow(ctx context.Context, borrower, poolID, collateralRef string, amount uint64) (*nativelending.Loan, error) {
	var loan *nativelending.Loan
	keys := []string{poolKey(poolID), collateralKey(collateralRef)}
	err := s.run(ctx, "borrow", keys, func(ctx context.Context) error {
		var err error
		loan, err = s.engine.Borrow(ctx, borrower, poolID, collateralRef, amount)
		if err == nil {
			s.refreshPool(ctx, poolID)
		}
		return err
	}, attribute.String("pool", poolID))
	return loan, err
}

func (s *Service) Repay(ctx context.Context, payer, loanID string, amount uint64) (*nativelending.Settlement, error) {
	loan, err := s.engine.Loan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	var settlement *nativelending.Settlement
	keys := []string{loanKey(loanID), poolKey(loan.PoolID)}
	err = s.run(ctx, "repay", keys, func(ctx context.Context) error {
		var err error
		settlement, err = s.engine.Repay(ctx, payer, loanID, amount)
		if err == nil {
			s.refreshPool(ctx, loan.PoolID)
		}
		return err
	}, attribute.String("loan", loanID))
	return settlement, err
}

func (s *Service) Liquidate(ctx context.Context, liquidator, loanID, collateralRef string, amount uint64) (*nativelending.Settlement, error) {
	loan, err := s.engine.Loan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	var settlement *nativelending.Settlement
	keys := []string{loanKey(loanID), poolKey(loan.PoolID), collateralKey(loan.CollateralRef)}
	err = s.run(ctx, "liquidate", keys, func(ctx context.Context) error {
		var err error
		settlement, err = s.engine.Liquidate(ctx, liquidator, loanID, collateralRef, amount)
		if err == nil {
			s.refreshPool(ctx, loan.PoolID)
			s.metrics.RecordLiquidation(string(settlement.Status))
		}
		return err
	}, attribute.String("loan", loanID))
	return settlement, err
}

func (s *Service) Pool(ctx context.Context, poolID string) (*nativelending.LendingPool, error) {
	ctx, span := s.tracer.Start(ctx, "lending.pool")
	defer span.End()
	return s.engine.Pool(ctx, poolID)
}

func (s *Service) Pools(ctx context.Context) ([]*nativelending.LendingPool, error) {
	ctx, span := s.tracer.Start(ctx, "lending.pools")
	defer span.End()
	return s.engine.Pools(ctx)
}

func (s *Service) DepositOf(ctx context.Context, poolID, owner string) (*nativelending.UserDeposit, error) {
	ctx, span := s.tracer.Start(ctx, "lending.deposit_of")
	defer span.End()
	return s.engine.DepositOf(ctx, poolID, owner)
}

func (s *Service) Loan(ctx context.Context, loanID string) (*nativelending.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.loan")
	defer span.End()
	return s.engine.Loan(ctx, loanID)
}

func (s *Service) Loans(ctx context.Context, borrower string) ([]*nativelending.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.loans")
	defer span.End()
	return s.engine.Loans(ctx, borrower)
}

func (s *Service) LoanDue(ctx context.Context, loanID string) (nativelending.Due, error) {
	ctx, span := s.tracer.Start(ctx, "lending.loan_due")
	defer span.End()
	return s.engine.LoanDue(ctx, loanID)
}

func (s *Service) Health(ctx context.Context, loanID string) (nativelending.Health, error) {
	ctx, span := s.tracer.Start(ctx, "lending.health")
	defer span.End()
	return s.engine.Health(ctx, loanID)
}

func (s *Service) run(ctx context.Context, op string, keys []string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, "lending."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	var err error
	release, ok := s.locks.tryAcquire(keys...)
	if !ok {
		err = ErrBusy
	} else {
		err = fn(ctx)
		release()
	}

	outcome := classify(err)
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
	switch outcome {
	case "success":
		s.logger.Debug("lending operation applied", "operation", op)
	case "error":
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("lending operation failed", "operation", op, "error", err)
	default:
		span.SetAttributes(attribute.String("lending.outcome", outcome))
		s.logger.Info("lending operation rejected", "operation", op, "reason", outcome, "error", err)
	}
	return err
}

func (s *Service) refreshPool(ctx context.Context, poolID string) {
	pool, err := s.engine.Pool(ctx, poolID)
	if err != nil {
		s.logger.Warn("refresh pool metrics", "pool", poolID, "error", err)
		return
	}
	s.publishPool(pool)
}

func (s *Service) publishPool(pool *nativelending.LendingPool) {
	if pool == nil {
		return
	}
	s.metrics.SetPoolTotals(pool.ID, pool.AssetID, pool.TotalDeposits, pool.TotalBorrows)
}

// classify buckets an operation error for metrics and log levels. Expected
// business rejections are kept apart from faults that need attention.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, nativelending.ErrTransferFailed),
		errors.Is(err, nativelending.ErrMathOverflow),
		errors.Is(err, nativelending.ErrClockSkew):
		return "error"
	case errors.Is(err, nativelending.ErrNotFound),
		errors.Is(err, nativelending.ErrAlreadyExists),
		errors.Is(err, nativelending.ErrInvalidAmount),
		errors.Is(err, nativelending.ErrInvalidPoolParams),
		errors.Is(err, nativelending.ErrInsufficientCollateral),
		errors.Is(err, nativelending.ErrInsufficientLiquidity),
		errors.Is(err, nativelending.ErrInsufficientBalance),
		errors.Is(err, nativelending.ErrInvalidRepaymentAmount),
		errors.Is(err, nativelending.ErrInvalidLiquidationAmount),
		errors.Is(err, nativelending.ErrPositionNotLiquidatable),
		errors.Is(err, nativelending.ErrStaleOraclePrice),
		errors.Is(err, nativelending.ErrLoanClosed),
		errors.Is(err, nativelending.ErrUnauthorized),
		errors.Is(err, nativelending.ErrCollateralMismatch),
		errors.Is(err, nativelending.ErrReservedAccount):
		return "rejected"
	default:
		return "error"
	}
}
