// Package reward implements the time-proportional reward accrual model:
//
//	reward = principal * apy * elapsed / (100 * SecondsPerYear)
//
// apy is an integer percentage (240 means 240% per year). Division
// truncates, so rewards never round up. The product is formed in 512 bits
// before dividing, so it cannot overflow for any 256-bit principal.
//
// The model is stateless: principal, rate and time are passed in, nothing
// is stored. Accounts never interact through it.
package reward

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/model"
)

const (
	// SecondsPerYear is a 365-day year.
	SecondsPerYear = 365 * 24 * 60 * 60

	// MaxAPY is the highest annual rate an owner may configure (240%).
	MaxAPY = 240
)

// ErrOverflow is returned when the reward itself does not fit in 256 bits.
var ErrOverflow = errors.New("reward: accrued amount overflows 256 bits")

var denominator = uint256.NewInt(100 * SecondsPerYear)

// Calculate returns the reward accrued by principal at apy over elapsed
// seconds. A nil or zero principal, a zero rate or zero elapsed time all
// accrue nothing.
func Calculate(principal *uint256.Int, apy, elapsed uint64) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() || apy == 0 || elapsed == 0 {
		return uint256.NewInt(0), nil
	}

	// apy * elapsed fits in 128 bits; do it in uint256 so a large configured
	// rate cannot wrap a uint64.
	rateTime := new(uint256.Int).Mul(uint256.NewInt(apy), uint256.NewInt(elapsed))

	z, overflow := new(uint256.Int).MulDivOverflow(principal, rateTime, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Elapsed returns the seconds between last and now, or zero when now is not
// after last.
func Elapsed(now, last uint64) uint64 {
	if now <= last {
		return 0
	}
	return now - last
}

// Pending returns the unsettled reward of r at time now under apy. The
// whole unsettled interval is accrued at the current rate: a rate change
// re-rates time accrued before it.
func Pending(r *model.StakeRecord, apy, now uint64) (*uint256.Int, error) {
	if r == nil || r.IsZero() {
		return uint256.NewInt(0), nil
	}
	return Calculate(r.Principal, apy, Elapsed(now, r.LastRewardSettledAt))
}
