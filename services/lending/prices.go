package lending

import (
	"context"
	"fmt"
	"strings"
	"sync"

	nativelending "lendpool/native/lending"
)

// PriceBook is an in-memory collateral price feed updated by trusted oracle
// identities through the API.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]nativelending.Quote
}

var _ nativelending.PriceFeed = (*PriceBook)(nil)

func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]nativelending.Quote)}
}

// Set records price, scaled by nativelending.PriceScale, for asset as of
// updatedAt seconds.
func (b *PriceBook) Set(asset string, price, updatedAt uint64) error {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	if price == 0 {
		return fmt.Errorf("price must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.quotes[asset]; ok && current.UpdatedAt > updatedAt {
		return fmt.Errorf("quote for %s is older than the current one", asset)
	}
	b.quotes[asset] = nativelending.Quote{Price: price, UpdatedAt: updatedAt}
	return nil
}

func (b *PriceBook) Quote(ctx context.Context, asset string) (nativelending.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nativelending.Quote{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	quote, ok := b.quotes[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return nativelending.Quote{}, fmt.Errorf("%w: no quote for %s", nativelending.ErrStaleOraclePrice, asset)
	}
	return quote, nil
}
