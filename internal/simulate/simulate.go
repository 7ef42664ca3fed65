// Package simulate runs a staking scenario against an in-memory engine on a
// manual clock: fund the reward payer, stake, warp time, read the accrued
// reward, then claim.
package simulate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/reward"
	"github.com/atmx/staking-engine/internal/staking"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/token"
	"github.com/atmx/staking-engine/internal/units"
)

// Fixed scenario accounts.
var (
	EngineAddress = common.HexToAddress("0x00000000000000000000000000000000005ea4e0")
	Owner         = common.HexToAddress("0x0000000000000000000000000000000000000001")
	User          = common.HexToAddress("0x0000000000000000000000000000000000000002")
	LP            = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

// Scenario describes one simulation run.
type Scenario struct {
	Mode     model.ReserveMode
	APY      uint64
	Stake    *uint256.Int
	Duration time.Duration
	// Funding is the reward reserve: the LP's balance in external mode, the
	// pool deposit in pool mode.
	Funding *uint256.Int
	Start   time.Time
}

// DefaultScenario stakes 1000 tokens for 30 days at 240% with the reward
// paid by an LP.
func DefaultScenario() Scenario {
	return Scenario{
		Mode:     model.ModeExternal,
		APY:      reward.MaxAPY,
		Stake:    units.Tokens(1000),
		Duration: 30 * 24 * time.Hour,
		Funding:  units.Tokens(100_000),
		Start:    time.Unix(1_700_000_000, 0),
	}
}

// Report is the outcome of a run.
type Report struct {
	Mode          model.ReserveMode
	APY           uint64
	Staked        *uint256.Int
	Elapsed       time.Duration
	Reward        *uint256.Int // accrued before the claim
	MonthlyShare  *uint256.Int // stake * apy / 1200, for comparison
	Position      *model.StakeRecord
	Claimed       *uint256.Int
	BalanceBefore *uint256.Int
	BalanceAfter  *uint256.Int
	Events        []model.Event
}

// Run executes sc and returns its report.
func Run(ctx context.Context, sc Scenario, logger *slog.Logger) (*Report, error) {
	if sc.Stake == nil || sc.Stake.IsZero() {
		return nil, fmt.Errorf("simulate: stake must be positive")
	}
	if sc.Funding == nil {
		sc.Funding = uint256.NewInt(0)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	payer := Owner
	if sc.Mode == model.ModeExternal {
		payer = LP
	}
	ledger := token.NewMemoryLedger(map[common.Address]*uint256.Int{
		User:  new(uint256.Int).Set(sc.Stake),
		payer: new(uint256.Int).Set(sc.Funding),
	})
	ms := store.NewMemoryStore()
	clock := staking.NewManualClock(sc.Start)

	cfg := staking.Config{
		Address: EngineAddress,
		Owner:   Owner,
		Mode:    sc.Mode,
		APY:     sc.APY,
	}
	if sc.Mode == model.ModeExternal {
		cfg.LPRewardAddress = LP
	}
	eng, err := staking.New(ctx, cfg, ledger, ms, staking.WithClock(clock), staking.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if err := eng.Approve(ctx, User, sc.Stake); err != nil {
		return nil, err
	}
	if err := eng.Approve(ctx, payer, token.MaxAllowance); err != nil {
		return nil, err
	}
	if sc.Mode == model.ModePool && !sc.Funding.IsZero() {
		if err := eng.DepositRewards(ctx, Owner, sc.Funding); err != nil {
			return nil, fmt.Errorf("simulate: fund pool: %w", err)
		}
	}

	if _, err := eng.Stake(ctx, User, sc.Stake); err != nil {
		return nil, fmt.Errorf("simulate: stake: %w", err)
	}
	logger.Info("simulation staked", "amount", units.FormatTokens(sc.Stake), "mode", sc.Mode)

	clock.Advance(sc.Duration)

	accrued, err := eng.CalculateReward(User)
	if err != nil {
		return nil, err
	}
	position := eng.StakeInfo(User)
	before, err := ledger.BalanceOf(ctx, User)
	if err != nil {
		return nil, err
	}

	receipt, err := eng.ClaimReward(ctx, User)
	if err != nil {
		return nil, fmt.Errorf("simulate: claim: %w", err)
	}
	after, err := ledger.BalanceOf(ctx, User)
	if err != nil {
		return nil, err
	}
	events, err := ms.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return nil, err
	}

	share := new(uint256.Int).Mul(sc.Stake, uint256.NewInt(sc.APY))
	share.Div(share, uint256.NewInt(1200))

	return &Report{
		Mode:          sc.Mode,
		APY:           sc.APY,
		Staked:        new(uint256.Int).Set(sc.Stake),
		Elapsed:       sc.Duration,
		Reward:        accrued,
		MonthlyShare:  share,
		Position:      position,
		Claimed:       receipt.Reward,
		BalanceBefore: before,
		BalanceAfter:  after,
		Events:        events,
	}, nil
}

// WriteTo prints the report in the layout operators expect from the
// simulation script.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var n int64
	p := func(format string, args ...interface{}) {
		m, _ := fmt.Fprintf(w, format, args...)
		n += int64(m)
	}
	stamp := func(s uint64) string {
		return time.Unix(int64(s), 0).UTC().Format(time.RFC3339)
	}

	p("=== Simulation: %s staking (%s reserve, %d%% APY) ===\n", r.Elapsed, r.Mode, r.APY)
	p("Initial stake: %s\n", units.FormatTokens(r.Staked))
	p("\nReward after %s: %s\n", r.Elapsed, units.FormatTokens(r.Reward))
	p("Monthly share (APY/12): %s\n", units.FormatTokens(r.MonthlyShare))
	p("\nStake info:\n")
	p("  Amount: %s\n", units.FormatTokens(r.Position.Principal))
	p("  Staked at: %s\n", stamp(r.Position.StakedAt))
	p("  Last reward claimed at: %s\n", stamp(r.Position.LastRewardSettledAt))
	p("\nReward claimed: %s\n", units.FormatTokens(r.Claimed))
	p("User balance after claim: %s (was %s)\n", units.FormatTokens(r.BalanceAfter), units.FormatTokens(r.BalanceBefore))
	p("Events recorded: %d\n", len(r.Events))
	return n, nil
}
