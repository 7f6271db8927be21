package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendpool/native/lending"
	"lendpool/storage"
)

var balancePrefix = []byte("bank/balance/")

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
	ErrInvalidTransfer   = errors.New("bank: invalid transfer")
)

// Ledger is an in-process asset ledger over a key-value store. Every Transfer
// or Commit call is applied as one storage batch so either all legs land or
// none do.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

var _ lending.Ledger = (*Ledger)(nil)

// NewLedger returns a ledger persisting balances in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the account's holdings of asset. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, account, asset string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(balanceKey(account, asset))
}

// Transfer moves funds for every leg atomically. Legs are applied in order, so
// a later leg may spend funds credited by an earlier one.
func (l *Ledger) Transfer(ctx context.Context, legs ...lending.Transfer) error {
	return l.Commit(ctx, legs, nil)
}

// Commit settles legs and writes the resulting balances in one batch together
// with whatever stage adds to it. Nothing lands unless every leg settles and
// stage succeeds. Rejected legs are reported wrapped in
// lending.ErrTransferFailed. The batch belongs to the ledger's database, so
// stage must only write keys of that same store.
func (l *Ledger) Commit(ctx context.Context, legs []lending.Transfer, stage func(storage.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, leg := range legs {
		if strings.TrimSpace(leg.From) == "" || strings.TrimSpace(leg.To) == "" || strings.TrimSpace(leg.Asset) == "" {
			return fmt.Errorf("%w: %w: from, to and asset are required", lending.ErrTransferFailed, ErrInvalidTransfer)
		}
		if leg.Amount == 0 {
			return fmt.Errorf("%w: %w: amount must be positive", lending.ErrTransferFailed, ErrInvalidTransfer)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pending, err := l.settle(legs)
	if err != nil {
		return fmt.Errorf("%w: %w", lending.ErrTransferFailed, err)
	}
	batch := l.db.NewBatch()
	if err := putBalances(batch, pending); err != nil {
		return err
	}
	if stage != nil {
		if err := stage(batch); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: write batch: %w", err)
	}
	return nil
}

// settle computes the balances after applying legs in order. Callers hold mu.
func (l *Ledger) settle(legs []lending.Transfer) (map[string]uint64, error) {
	pending := make(map[string]uint64)
	read := func(key string) (uint64, error) {
		if v, ok := pending[key]; ok {
			return v, nil
		}
		return l.load(key)
	}
	for _, leg := range legs {
		fromKey := balanceKey(leg.From, leg.Asset)
		toKey := balanceKey(leg.To, leg.Asset)
		from, err := read(fromKey)
		if err != nil {
			return nil, err
		}
		if from < leg.Amount {
			return nil, fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, leg.From, from, leg.Asset, leg.Amount)
		}
		pending[fromKey] = from - leg.Amount
		to, err := read(toKey)
		if err != nil {
			return nil, err
		}
		next, err := addBalance(to, leg.Amount)
		if err != nil {
			return nil, err
		}
		pending[toKey] = next
	}
	return pending, nil
}

// Credit mints amount of asset into account. It is used to fund accounts from
// outside the lending flows, such as genesis allocations and tests.
func (l *Ledger) Credit(ctx context.Context, account, asset string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(account) == "" || strings.TrimSpace(asset) == "" {
		return fmt.Errorf("%w: account and asset are required", ErrInvalidTransfer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey(account, asset)
	current, err := l.load(key)
	if err != nil {
		return err
	}
	next, err := addBalance(current, amount)
	if err != nil {
		return err
	}
	return l.write(map[string]uint64{key: next})
}

func (l *Ledger) load(key string) (uint64, error) {
	data, err := l.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bank: load balance: %w", err)
	}
	var balance uint64
	if err := rlp.DecodeBytes(data, &balance); err != nil {
		return 0, fmt.Errorf("bank: decode balance: %w", err)
	}
	return balance, nil
}

func (l *Ledger) write(balances map[string]uint64) error {
	batch := l.db.NewBatch()
	if err := putBalances(batch, balances); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: write balances: %w", err)
	}
	return nil
}

func putBalances(batch storage.Batch, balances map[string]uint64) error {
	for key, balance := range balances {
		encoded, err := rlp.EncodeToBytes(balance)
		if err != nil {
			return fmt.Errorf("bank: encode balance: %w", err)
		}
		batch.Put([]byte(key), encoded)
	}
	return nil
}

func addBalance(current, amount uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(current), uint256.NewInt(amount))
	if overflow || !sum.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return sum.Uint64(), nil
}

func balanceKey(account, asset string) string {
	return string(balancePrefix) + strings.ToUpper(strings.TrimSpace(asset)) + "/" + strings.TrimSpace(account)
}
