package lending

import "github.com/holiman/uint256"

const percentScale = 100

// PriceScale is the fixed-point scale of PriceFeed quotes.
const PriceScale = 100_000_000

func checkedAdd(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, ErrMathOverflow
	}
	return sum.Uint64(), nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, underflow := new(uint256.Int).SubOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if underflow {
		return 0, ErrMathOverflow
	}
	return diff.Uint64(), nil
}

func checkedMul(a, b uint64) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !product.IsUint64() {
		return 0, ErrMathOverflow
	}
	return product.Uint64(), nil
}

// mulDiv returns a*b/den truncated, failing when a*b leaves the uint64 range.
func mulDiv(a, b, den uint64) (uint64, error) {
	product, err := checkedMul(a, b)
	if err != nil {
		return 0, err
	}
	if den == 0 {
		return 0, ErrMathOverflow
	}
	return product / den, nil
}

// RequiredCollateral returns debt*ratio/100 truncated toward zero.
func RequiredCollateral(debt, ratio uint64) (uint64, error) {
	return mulDiv(debt, ratio, percentScale)
}

// meetsRatio reports whether collateral*100 >= debt*ratio. The comparison is
// done without division so truncation never admits an undercollateralised
// position. debt*ratio is checked against the uint64 range; collateral*100 is
// widened and cannot overflow.
func meetsRatio(collateral, debt, ratio uint64) (bool, error) {
	need, err := checkedMul(debt, ratio)
	if err != nil {
		return false, err
	}
	have := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(percentScale))
	return !have.Lt(uint256.NewInt(need)), nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
