package lending

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	nativelending "lendpool/native/lending"
	"lendpool/storage"
)

var (
	poolPrefix     = []byte("lending/pool/")
	depositPrefix  = []byte("lending/deposit/")
	loanPrefix     = []byte("lending/loan/")
	borrowerPrefix = []byte("lending/borrower/")
)

var errNoLedger = errors.New("lending state: changeset moves assets but no ledger is configured")

// Ledger settles transfer legs and writes whatever stage adds in the same
// batch. bank.Ledger implements it.
type Ledger interface {
	Commit(ctx context.Context, legs []nativelending.Transfer, stage func(storage.Batch) error) error
}

// Store persists pools, deposits and loans in a key-value database. Records
// are RLP encoded. Commit writes a whole changeset, asset legs included, in one
// batch.
type Store struct {
	db     storage.Database
	ledger Ledger
}

var _ nativelending.State = (*Store)(nil)

// NewStore returns a store backed by db. ledger must write to the same db; it
// may be nil for a store that never moves assets.
func NewStore(db storage.Database, ledger Ledger) *Store {
	return &Store{db: db, ledger: ledger}
}

type storedPool struct {
	ID                 string
	Authority          string
	AssetID            string
	CollateralAssetID  string
	VaultRef           string
	MinCollateralRatio uint64
	InterestRate       uint64
	TotalDeposits      uint64
	TotalBorrows       uint64
	CreatedAt          uint64
}

type storedDeposit struct {
	Owner     string
	PoolID    string
	Amount    uint64
	UpdatedAt uint64
}

type storedLoan struct {
	ID               string
	Borrower         string
	PoolID           string
	CollateralRef    string
	Principal        uint64
	InterestRate     uint64
	AccruedInterest  uint64
	CollateralSeized uint64
	LastUpdate       uint64
	OpenedAt         uint64
	Status           string
}

func poolKey(id string) []byte {
	return append(append([]byte{}, poolPrefix...), id...)
}

func depositPoolPrefix(poolID string) []byte {
	key := append(append([]byte{}, depositPrefix...), poolID...)
	return append(key, 0)
}

func depositKey(poolID, owner string) []byte {
	return append(depositPoolPrefix(poolID), owner...)
}

func loanKey(id string) []byte {
	return append(append([]byte{}, loanPrefix...), id...)
}

func borrowerLoansPrefix(borrower string) []byte {
	key := append(append([]byte{}, borrowerPrefix...), borrower...)
	return append(key, 0)
}

func borrowerIndexKey(borrower, loanID string) []byte {
	return append(borrowerLoansPrefix(borrower), loanID...)
}

func (s *Store) GetPool(poolID string) (*nativelending.LendingPool, error) {
	var rec storedPool
	if err := s.get(poolKey(poolID), &rec); err != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, err)
	}
	return poolFromRecord(&rec), nil
}

func (s *Store) ListPools() ([]*nativelending.LendingPool, error) {
	var pools []*nativelending.LendingPool
	err := s.db.Iterate(poolPrefix, func(_, value []byte) error {
		var rec storedPool
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("decode pool: %w", err)
		}
		pools = append(pools, poolFromRecord(&rec))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *Store) GetDeposit(poolID, owner string) (*nativelending.UserDeposit, error) {
	var rec storedDeposit
	if err := s.get(depositKey(poolID, owner), &rec); err != nil {
		return nil, fmt.Errorf("deposit %s/%s: %w", poolID, owner, err)
	}
	return depositFromRecord(&rec), nil
}

func (s *Store) ListDeposits(poolID string) ([]*nativelending.UserDeposit, error) {
	var deposits []*nativelending.UserDeposit
	err := s.db.Iterate(depositPoolPrefix(poolID), func(_, value []byte) error {
		var rec storedDeposit
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("decode deposit: %w", err)
		}
		deposits = append(deposits, depositFromRecord(&rec))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deposits, nil
}

func (s *Store) GetLoan(loanID string) (*nativelending.Loan, error) {
	var rec storedLoan
	if err := s.get(loanKey(loanID), &rec); err != nil {
		return nil, fmt.Errorf("loan %s: %w", loanID, err)
	}
	return loanFromRecord(&rec), nil
}

// ListLoans returns the borrower's loans ordered by opening time.
func (s *Store) ListLoans(borrower string) ([]*nativelending.Loan, error) {
	prefix := borrowerLoansPrefix(borrower)
	var ids []string
	err := s.db.Iterate(prefix, func(key, _ []byte) error {
		ids = append(ids, string(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	loans := make([]*nativelending.Loan, 0, len(ids))
	for _, id := range ids {
		loan, err := s.GetLoan(id)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	sort.SliceStable(loans, func(i, j int) bool { return loans[i].OpenedAt < loans[j].OpenedAt })
	return loans, nil
}

// Commit writes every record of changes and settles its transfer legs in a
// single batch.
func (s *Store) Commit(ctx context.Context, changes *nativelending.Changeset) error {
	if changes == nil {
		return nil
	}
	if s.ledger != nil {
		return s.ledger.Commit(ctx, changes.Transfers, func(batch storage.Batch) error {
			return stageChanges(batch, changes)
		})
	}
	if len(changes.Transfers) > 0 {
		return errNoLedger
	}
	batch := s.db.NewBatch()
	if err := stageChanges(batch, changes); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit lending state: %w", err)
	}
	return nil
}

func stageChanges(batch storage.Batch, changes *nativelending.Changeset) error {
	for _, pool := range changes.Pools {
		encoded, err := rlp.EncodeToBytes(recordFromPool(pool))
		if err != nil {
			return fmt.Errorf("encode pool: %w", err)
		}
		batch.Put(poolKey(pool.ID), encoded)
	}
	for _, deposit := range changes.Deposits {
		encoded, err := rlp.EncodeToBytes(recordFromDeposit(deposit))
		if err != nil {
			return fmt.Errorf("encode deposit: %w", err)
		}
		batch.Put(depositKey(deposit.PoolID, deposit.Owner), encoded)
	}
	for _, loan := range changes.Loans {
		encoded, err := rlp.EncodeToBytes(recordFromLoan(loan))
		if err != nil {
			return fmt.Errorf("encode loan: %w", err)
		}
		batch.Put(loanKey(loan.ID), encoded)
		batch.Put(borrowerIndexKey(loan.Borrower, loan.ID), []byte{1})
	}
	return nil
}

func (s *Store) get(key []byte, out interface{}) error {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nativelending.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func recordFromPool(p *nativelending.LendingPool) *storedPool {
	return &storedPool{
		ID:                 p.ID,
		Authority:          p.Authority,
		AssetID:            p.AssetID,
		CollateralAssetID:  p.CollateralAssetID,
		VaultRef:           p.VaultRef,
		MinCollateralRatio: p.MinCollateralRatio,
		InterestRate:       p.InterestRate,
		TotalDeposits:      p.TotalDeposits,
		TotalBorrows:       p.TotalBorrows,
		CreatedAt:          p.CreatedAt,
	}
}

func poolFromRecord(r *storedPool) *nativelending.LendingPool {
	return &nativelending.LendingPool{
		ID:                 r.ID,
		Authority:          r.Authority,
		AssetID:            r.AssetID,
		CollateralAssetID:  r.CollateralAssetID,
		VaultRef:           r.VaultRef,
		MinCollateralRatio: r.MinCollateralRatio,
		InterestRate:       r.InterestRate,
		TotalDeposits:      r.TotalDeposits,
		TotalBorrows:       r.TotalBorrows,
		CreatedAt:          r.CreatedAt,
	}
}

func recordFromDeposit(d *nativelending.UserDeposit) *storedDeposit {
	return &storedDeposit{Owner: d.Owner, PoolID: d.PoolID, Amount: d.Amount, UpdatedAt: d.UpdatedAt}
}

func depositFromRecord(r *storedDeposit) *nativelending.UserDeposit {
	return &nativelending.UserDeposit{Owner: r.Owner, PoolID: r.PoolID, Amount: r.Amount, UpdatedAt: r.UpdatedAt}
}

func recordFromLoan(l *nativelending.Loan) *storedLoan {
	return &storedLoan{
		ID:               l.ID,
		Borrower:         l.Borrower,
		PoolID:           l.PoolID,
		CollateralRef:    l.CollateralRef,
		Principal:        l.Principal,
		InterestRate:     l.InterestRate,
		AccruedInterest:  l.AccruedInterest,
		CollateralSeized: l.CollateralSeized,
		LastUpdate:       l.LastUpdate,
		OpenedAt:         l.OpenedAt,
		Status:           string(l.Status),
	}
}

func loanFromRecord(r *storedLoan) *nativelending.Loan {
	return &nativelending.Loan{
		ID:               r.ID,
		Borrower:         r.Borrower,
		PoolID:           r.PoolID,
		CollateralRef:    r.CollateralRef,
		Principal:        r.Principal,
		InterestRate:     r.InterestRate,
		AccruedInterest:  r.AccruedInterest,
		CollateralSeized: r.CollateralSeized,
		LastUpdate:       r.LastUpdate,
		OpenedAt:         r.OpenedAt,
		Status:           nativelending.LoanStatus(r.Status),
	}
}
