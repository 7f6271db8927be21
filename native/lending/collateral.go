package lending

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Quote is a collateral price expressed as base-asset units per collateral
// unit, scaled by PriceScale.
type Quote struct {
	Price     uint64
	UpdatedAt uint64
}

// PriceFeed values collateral assets in pool base units.
type PriceFeed interface {
	Quote(ctx context.Context, asset string) (Quote, error)
}

// collateralValue returns the value of ref's collateral balance in base-asset
// units together with the quote used. Without a price feed collateral is
// valued one to one.
func (e *Engine) collateralValue(ctx context.Context, pool *LendingPool, ref string, now uint64) (uint64, Quote, error) {
	balance, err := e.ledger.Balance(ctx, ref, pool.CollateralAssetID)
	if err != nil {
		return 0, Quote{}, fmt.Errorf("collateral balance: %w", err)
	}
	if e.prices == nil {
		return balance, Quote{Price: PriceScale, UpdatedAt: now}, nil
	}
	quote, err := e.prices.Quote(ctx, pool.CollateralAssetID)
	if err != nil {
		return 0, Quote{}, fmt.Errorf("collateral price: %w", err)
	}
	if quote.Price == 0 {
		return 0, Quote{}, ErrStaleOraclePrice
	}
	if e.maxPriceAge > 0 && (quote.UpdatedAt > now || now-quote.UpdatedAt > e.maxPriceAge) {
		return 0, Quote{}, ErrStaleOraclePrice
	}
	value, err := mulDiv(balance, quote.Price, PriceScale)
	if err != nil {
		return 0, Quote{}, err
	}
	return value, quote, nil
}

// collateralUnits converts a base-asset value into collateral units at quote,
// rounding up so the seized collateral never undershoots the value paid for.
func collateralUnits(value uint64, quote Quote) (uint64, error) {
	if quote.Price == PriceScale {
		return value, nil
	}
	if quote.Price == 0 {
		return 0, ErrStaleOraclePrice
	}
	num := new(uint256.Int).Mul(uint256.NewInt(value), uint256.NewInt(PriceScale))
	price := uint256.NewInt(quote.Price)
	units, rem := new(uint256.Int).DivMod(num, price, new(uint256.Int))
	if !rem.IsZero() {
		units.AddUint64(units, 1)
	}
	if !units.IsUint64() {
		return 0, ErrMathOverflow
	}
	return units.Uint64(), nil
}
