// Package reserve decides where reward payouts come from.
//
// Two strategies exist and are chosen once, when the engine is built:
//
//   - Pool keeps an explicit reward pool inside the engine's custody. It
//     enforces solvency itself: a payout larger than the pool is refused.
//   - ExternalPayer pulls rewards from a designated LP account through a
//     pre-approved allowance. It does not check solvency; the token
//     transfer succeeds or fails and that failure is surfaced as-is.
//
// Strategies are stateless. They read and update the engine's working
// copy of model.Globals and return the token transfer the engine must
// execute alongside the ledger change.
package reserve

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/token"
)

var (
	// ErrInsufficientRewardPool is returned when a payout exceeds the
	// pool. The reward was computed but cannot be paid.
	ErrInsufficientRewardPool = errors.New("reserve: insufficient reward pool")

	// ErrExceedsRewardPool is returned when the owner withdraws more than
	// the pool holds.
	ErrExceedsRewardPool = errors.New("reserve: amount exceeds reward pool")

	// ErrUnsupportedMode is returned for operations the active strategy
	// does not have, e.g. depositing into an external payer.
	ErrUnsupportedMode = errors.New("reserve: operation not supported in this reserve mode")

	// ErrPayerNotSet is returned when paying out in external mode before
	// an LP reward address has been configured.
	ErrPayerNotSet = errors.New("reserve: lp reward address not set")

	// ErrOverflow is returned when a deposit would overflow the pool.
	ErrOverflow = errors.New("reserve: reward pool overflow")
)

// Reserve funds reward payouts.
type Reserve interface {
	Mode() model.ReserveMode

	// Payout returns the transfer paying amount to recipient and debits
	// the reserve in g.
	Payout(g *model.Globals, engine, recipient common.Address, amount *uint256.Int) (token.Transfer, error)

	// Deposit returns the transfer funding the reserve from funder and
	// credits it in g.
	Deposit(g *model.Globals, engine, funder common.Address, amount *uint256.Int) (token.Transfer, error)

	// Withdraw returns the transfer returning amount to recipient and
	// debits the reserve in g.
	Withdraw(g *model.Globals, engine, recipient common.Address, amount *uint256.Int) (token.Transfer, error)

	// SetPayer repoints the external payer in g and returns the old one.
	SetPayer(g *model.Globals, payer common.Address) (common.Address, error)
}

// New returns the strategy for mode.
func New(mode model.ReserveMode) (Reserve, error) {
	switch mode {
	case model.ModePool:
		return Pool{}, nil
	case model.ModeExternal:
		return ExternalPayer{}, nil
	default:
		return nil, fmt.Errorf("reserve: unknown mode %q", mode)
	}
}

// Pool pays rewards from an owner-funded pool held by the engine.
type Pool struct{}

func (Pool) Mode() model.ReserveMode { return model.ModePool }

func (Pool) Payout(g *model.Globals, engine, recipient common.Address, amount *uint256.Int) (token.Transfer, error) {
	if g.RewardPool.Lt(amount) {
		return token.Transfer{}, ErrInsufficientRewardPool
	}
	g.RewardPool = new(uint256.Int).Sub(g.RewardPool, amount)
	return token.Transfer{From: engine, To: recipient, Amount: new(uint256.Int).Set(amount)}, nil
}

func (Pool) Deposit(g *model.Globals, engine, funder common.Address, amount *uint256.Int) (token.Transfer, error) {
	pool, overflow := new(uint256.Int).AddOverflow(g.RewardPool, amount)
	if overflow {
		return token.Transfer{}, ErrOverflow
	}
	g.RewardPool = pool
	return token.Transfer{From: funder, To: engine, Spender: engine, Amount: new(uint256.Int).Set(amount)}, nil
}

func (Pool) Withdraw(g *model.Globals, engine, recipient common.Address, amount *uint256.Int) (token.Transfer, error) {
	if g.RewardPool.Lt(amount) {
		return token.Transfer{}, ErrExceedsRewardPool
	}
	g.RewardPool = new(uint256.Int).Sub(g.RewardPool, amount)
	return token.Transfer{From: engine, To: recipient, Amount: new(uint256.Int).Set(amount)}, nil
}

func (Pool) SetPayer(*model.Globals, common.Address) (common.Address, error) {
	return common.Address{}, ErrUnsupportedMode
}

// ExternalPayer pulls rewards from g.LPRewardAddress via its allowance to
// the engine.
type ExternalPayer struct{}

func (ExternalPayer) Mode() model.ReserveMode { return model.ModeExternal }

func (ExternalPayer) Payout(g *model.Globals, engine, recipient common.Address, amount *uint256.Int) (token.Transfer, error) {
	if g.LPRewardAddress == (common.Address{}) {
		return token.Transfer{}, ErrPayerNotSet
	}
	return token.Transfer{
		From:    g.LPRewardAddress,
		To:      recipient,
		Spender: engine,
		Amount:  new(uint256.Int).Set(amount),
	}, nil
}

func (ExternalPayer) Deposit(*model.Globals, common.Address, common.Address, *uint256.Int) (token.Transfer, error) {
	return token.Transfer{}, ErrUnsupportedMode
}

func (ExternalPayer) Withdraw(*model.Globals, common.Address, common.Address, *uint256.Int) (token.Transfer, error) {
	return token.Transfer{}, ErrUnsupportedMode
}

func (ExternalPayer) SetPayer(g *model.Globals, payer common.Address) (common.Address, error) {
	old := g.LPRewardAddress
	g.LPRewardAddress = payer
	return old, nil
}
