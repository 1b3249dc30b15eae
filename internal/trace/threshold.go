package trace

import "math/big"

const bpsDenominator = 10_000

// Threshold is the qualifying-amount policy for hop candidates: a transfer
// qualifies when its amount is at least max(MinAbsolute, basis*MinFractionBps/10000),
// where basis is the amount carried into the hop. The fractional floor keeps
// small consolidation transfers from being mistaken for the real forwarding
// hop; the absolute floor tolerates partial forwards out of wallets with
// pre-existing balances. All arithmetic is integer base units.
type Threshold struct {
	MinAbsolute    *big.Int
	MinFractionBps int64
}

// Floor returns the qualifying floor for a given basis amount.
func (t Threshold) Floor(basis *big.Int) *big.Int {
	floor := new(big.Int)
	if t.MinAbsolute != nil {
		floor.Set(t.MinAbsolute)
	}
	if t.MinFractionBps > 0 && basis != nil {
		frac := new(big.Int).Mul(basis, big.NewInt(t.MinFractionBps))
		frac.Div(frac, big.NewInt(bpsDenominator))
		if frac.Cmp(floor) > 0 {
			floor = frac
		}
	}
	return floor
}

// Satisfies reports whether amount qualifies against basis.
func (t Threshold) Satisfies(amount, basis *big.Int) bool {
	if amount == nil {
		return false
	}
	return amount.Cmp(t.Floor(basis)) >= 0
}
