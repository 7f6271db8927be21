package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativelending "lendpool/native/lending"
	"lendpool/observability"
	"lendpool/services/lending"
	"lendpool/services/lending/journal"
)

const requestLimit = 1 << 20 // 1 MiB

// Lending is the service surface exposed over HTTP.
type Lending interface {
	InitializePool(ctx context.Context, params nativelending.PoolParams) (*nativelending.LendingPool, error)
	SetInterestRate(ctx context.Context, authority, poolID string, rate uint64) (*nativelending.LendingPool, error)
	Deposit(ctx context.Context, owner, poolID string, amount uint64) (*nativelending.UserDeposit, error)
	Withdraw(ctx context.Context, owner, poolID string, amount uint64) (*nativelending.UserDeposit, error)
	Borrow(ctx context.Context, borrower, poolID, collateralRef string, amount uint64) (*nativelending.Loan, error)
	Repay(ctx context.Context, payer, loanID string, amount uint64) (*nativelending.Settlement, error)
	Liquidate(ctx context.Context, liquidator, loanID, collateralRef string, amount uint64) (*nativelending.Settlement, error)
	Pool(ctx context.Context, poolID string) (*nativelending.LendingPool, error)
	Pools(ctx context.Context) ([]*nativelending.LendingPool, error)
	DepositOf(ctx context.Context, poolID, owner string) (*nativelending.UserDeposit, error)
	Loan(ctx context.Context, loanID string) (*nativelending.Loan, error)
	Loans(ctx context.Context, borrower string) ([]*nativelending.Loan, error)
	LoanDue(ctx context.Context, loanID string) (nativelending.Due, error)
	Health(ctx context.Context, loanID string) (nativelending.Health, error)
}

var _ Lending = (*lending.Service)(nil)

// Ledger exposes account balances and caller-initiated transfers.
type Ledger interface {
	Balance(ctx context.Context, account, asset string) (uint64, error)
	Transfer(ctx context.Context, legs ...nativelending.Transfer) error
}

// Config wires the optional collaborators of the HTTP API.
type Config struct {
	Ledger Ledger
	// Journal serves /v1/events when set.
	Journal *journal.Journal
	// Stream serves live events over /v1/events/stream when set.
	Stream *Hub
	// Prices accepts quotes from OracleIdentities when set.
	Prices           *lending.PriceBook
	OracleIdentities []string
	Auth             *Authenticator
	RateLimiter      *RateLimiter
	Logger           *slog.Logger
	RequestTimeout   time.Duration
}

// Server exposes the lending service as a JSON HTTP API.
type Server struct {
	svc     Lending
	cfg     Config
	logger  *slog.Logger
	oracles map[string]struct{}
}

func New(svc Lending, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	oracles := make(map[string]struct{}, len(cfg.OracleIdentities))
	for _, id := range cfg.OracleIdentities {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			oracles[trimmed] = struct{}{}
		}
	}
	return &Server{svc: svc, cfg: cfg, logger: logger.With("component", "http"), oracles: oracles}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.Auth != nil {
			r.Use(s.cfg.Auth.Middleware)
		}
		if s.cfg.RateLimiter != nil {
			r.Use(s.cfg.RateLimiter.Middleware)
		}
		r.Use(s.observe)

		r.Get("/pools", s.listPools)
		r.Post("/pools", s.initializePool)
		r.Get("/pools/{poolID}", s.getPool)
		r.Post("/pools/{poolID}/rate", s.setInterestRate)
		r.Get("/pools/{poolID}/deposits/{owner}", s.getDeposit)
		r.Post("/pools/{poolID}/deposit", s.deposit)
		r.Post("/pools/{poolID}/withdraw", s.withdraw)
		r.Post("/pools/{poolID}/borrow", s.borrow)

		r.Get("/loans/{loanID}", s.getLoan)
		r.Get("/loans/{loanID}/due", s.loanDue)
		r.Get("/loans/{loanID}/health", s.health)
		r.Post("/loans/{loanID}/repay", s.repay)
		r.Post("/loans/{loanID}/liquidate", s.liquidate)
		r.Get("/borrowers/{borrower}/loans", s.listLoans)

		r.Get("/accounts/{account}/balances/{asset}", s.balance)
		r.Post("/transfers", s.transfer)
		r.Get("/events", s.listEvents)
		r.Get("/events/stream", s.streamEvents)
		r.Post("/prices/{asset}", s.setPrice)
	})
	return otelhttp.NewHandler(r, "lendingd")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.ModuleMetrics().Observe("lending", r.Method+" "+route, recorder.status, time.Since(start))
		if recorder.status == http.StatusConflict {
			observability.ModuleMetrics().RecordThrottle("lending", "busy")
		}
	})
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.RequestTimeout)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pools, err := s.svc.Pools(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]poolJSON, 0, len(pools))
	for _, pool := range pools {
		out = append(out, toPoolJSON(pool))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

func (s *Server) initializePool(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req initPoolRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.svc.InitializePool(ctx, nativelending.PoolParams{
		Authority:          identity,
		AssetID:            req.Asset,
		CollateralAssetID:  req.CollateralAsset,
		MinCollateralRatio: req.MinCollateralRatio,
		InterestRate:       req.InterestRate,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPoolJSON(pool))
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.svc.Pool(ctx, pathParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolJSON(pool))
}

func (s *Server) setInterestRate(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.svc.SetInterestRate(ctx, identity, pathParam(r, "poolID"), req.InterestRate)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolJSON(pool))
}

func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	deposit, err := s.svc.DepositOf(ctx, pathParam(r, "poolID"), pathParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositJSON(deposit))
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.moveDeposit(w, r, s.svc.Deposit)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveDeposit(w, r, s.svc.Withdraw)
}

func (s *Server) moveDeposit(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string, uint64) (*nativelending.UserDeposit, error)) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	deposit, err := op(ctx, identity, pathParam(r, "poolID"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositJSON(deposit))
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	collateralRef := accountName(req.CollateralRef)
	if collateralRef == "" {
		collateralRef = identity + "/collateral"
	}
	if !ownsAccount(identity, collateralRef) {
		writeError(w, http.StatusForbidden, "unauthorized", "collateral account is not controlled by the caller")
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	loan, err := s.svc.Borrow(ctx, identity, pathParam(r, "poolID"), collateralRef, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanJSON(loan))
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	loan, err := s.svc.Loan(ctx, pathParam(r, "loanID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanJSON(loan))
}

func (s *Server) loanDue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	due, err := s.svc.LoanDue(ctx, pathParam(r, "loanID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDueJSON(due))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	health, err := s.svc.Health(ctx, pathParam(r, "loanID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthJSON{
		Loan:               health.LoanID,
		CollateralValue:    health.CollateralValue,
		RequiredCollateral: health.RequiredCollateral,
		Liquidatable:       health.Liquidatable,
	})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	settlement, err := s.svc.Repay(ctx, identity, pathParam(r, "loanID"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementJSON(settlement))
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	settlement, err := s.svc.Liquidate(ctx, identity, pathParam(r, "loanID"), accountName(req.CollateralRef), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementJSON(settlement))
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	loans, err := s.svc.Loans(ctx, pathParam(r, "borrower"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]loanJSON, 0, len(loans))
	for _, loan := range loans {
		out = append(out, toLoanJSON(loan))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loans": out})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusNotFound, "not_found", "ledger not exposed")
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	account, asset := accountName(pathParam(r, "account")), pathParam(r, "asset")
	amount, err := s.cfg.Ledger.Balance(ctx, account, asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceJSON{Account: account, Asset: strings.ToUpper(asset), Amount: amount})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusNotFound, "not_found", "ledger not exposed")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	from := accountName(req.From)
	if from == "" {
		from = identity
	}
	if nativelending.IsPoolAccount(from) {
		writeError(w, http.StatusForbidden, "unauthorized", "pool vaults only move through lending operations")
		return
	}
	if !ownsAccount(identity, from) {
		writeError(w, http.StatusForbidden, "unauthorized", "source account is not controlled by the caller")
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	leg := nativelending.Transfer{From: from, To: accountName(req.To), Asset: strings.TrimSpace(req.Asset), Amount: req.Amount}
	if err := s.cfg.Ledger.Transfer(ctx, leg); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"from": leg.From, "to": leg.To, "asset": leg.Asset, "amount": leg.Amount})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "not_found", "event journal disabled")
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{
		PoolID: strings.TrimSpace(query.Get("pool")),
		LoanID: strings.TrimSpace(query.Get("loan")),
		Type:   strings.TrimSpace(query.Get("type")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	records, err := s.cfg.Journal.List(ctx, filter)
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Prices == nil {
		writeError(w, http.StatusNotFound, "not_found", "price feed disabled")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if _, allowed := s.oracles[identity]; !allowed {
		writeError(w, http.StatusForbidden, "unauthorized", "caller is not an oracle")
		return
	}
	var req priceRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	updatedAt := req.UpdatedAt
	if updatedAt == 0 {
		updatedAt = uint64(time.Now().Unix())
	}
	asset := pathParam(r, "asset")
	if err := s.cfg.Prices.Set(asset, req.Price, updatedAt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset": strings.ToUpper(asset), "price": req.Price, "updatedAt": updatedAt})
}

// pathParam returns the unescaped URL parameter so account names may contain
// encoded slashes.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if value, err := url.PathUnescape(raw); err == nil {
		return value
	}
	return raw
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return "", false
	}
	return identity, true
}

func decodeRequest(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
