package genesis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	nativelending "lendpool/native/lending"
	"lendpool/storage"
)

var appliedKey = []byte("lendingd/genesis/applied")

// File describes the pools, opening balances and prices seeded into a fresh
// store.
type File struct {
	Pools    []Pool    `toml:"pools"`
	Balances []Balance `toml:"balances"`
	Prices   []Price   `toml:"prices"`
}

// Pool mirrors nativelending.PoolParams. The vault account is derived from
// the pool ID.
type Pool struct {
	Authority          string `toml:"authority"`
	Asset              string `toml:"asset"`
	CollateralAsset    string `toml:"collateral_asset"`
	MinCollateralRatio uint64 `toml:"min_collateral_ratio"`
	InterestRate       uint64 `toml:"interest_rate"`
}

// Balance credits an account before the service starts.
type Balance struct {
	Account string `toml:"account"`
	Asset   string `toml:"asset"`
	Amount  uint64 `toml:"amount"`
}

// Price seeds the price book. Price is scaled by nativelending.PriceScale.
type Price struct {
	Asset     string `toml:"asset"`
	Price     uint64 `toml:"price"`
	UpdatedAt uint64 `toml:"updated_at"`
}

// Crediter mints opening balances.
type Crediter interface {
	Credit(ctx context.Context, account, asset string, amount uint64) error
}

// PoolCreator initialises pools.
type PoolCreator interface {
	InitializePool(ctx context.Context, params nativelending.PoolParams) (*nativelending.LendingPool, error)
}

// PriceSetter records a quote.
type PriceSetter interface {
	Set(asset string, price, updatedAt uint64) error
}

// Load decodes a genesis file, rejecting unknown keys.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var file File
	meta, err := toml.Decode(string(raw), &file)
	if err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("decode genesis: unknown keys %s", strings.Join(keys, ", "))
	}
	return &file, nil
}

// Apply seeds db once. Later calls against the same store return applied=false
// without touching it. Prices are not persisted and are always pushed into
// prices when it is non-nil.
func (f *File) Apply(ctx context.Context, db storage.Database, ledger Crediter, pools PoolCreator, prices PriceSetter) (bool, error) {
	if f == nil {
		return false, nil
	}
	if prices != nil {
		for _, p := range f.Prices {
			if err := prices.Set(p.Asset, p.Price, p.UpdatedAt); err != nil {
				return false, fmt.Errorf("genesis price %s: %w", p.Asset, err)
			}
		}
	}
	done, err := db.Has(appliedKey)
	if err != nil {
		return false, fmt.Errorf("genesis marker: %w", err)
	}
	if done {
		return false, nil
	}
	for _, b := range f.Balances {
		if err := ledger.Credit(ctx, b.Account, b.Asset, b.Amount); err != nil {
			return false, fmt.Errorf("genesis balance %s/%s: %w", b.Asset, b.Account, err)
		}
	}
	for _, p := range f.Pools {
		_, err := pools.InitializePool(ctx, nativelending.PoolParams{
			Authority:          p.Authority,
			AssetID:            p.Asset,
			CollateralAssetID:  p.CollateralAsset,
			MinCollateralRatio: p.MinCollateralRatio,
			InterestRate:       p.InterestRate,
		})
		if err != nil && !errors.Is(err, nativelending.ErrAlreadyExists) {
			return false, fmt.Errorf("genesis pool %s/%s: %w", p.Authority, p.Asset, err)
		}
	}
	if err := db.Put(appliedKey, []byte{1}); err != nil {
		return false, fmt.Errorf("genesis marker: %w", err)
	}
	return true, nil
}
