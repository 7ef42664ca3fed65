package staking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/staking-engine/internal/access"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/reserve"
	"github.com/atmx/staking-engine/internal/reward"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/token"
	"github.com/atmx/staking-engine/internal/units"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000005ea4e0")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	lp         = common.HexToAddress("0x00000000000000000000000000000000000001a0")

	t0 = time.Unix(1_700_000_000, 0)

	day = 24 * time.Hour
)

func tokens(n uint64) *uint256.Int { return units.Tokens(n) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Emit(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	eng    *Engine
	tok    *token.MemoryLedger
	st     store.Store
	clock  *ManualClock
	events *recorder
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := Config{Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 240}
	for _, o := range opts {
		o(&cfg)
	}

	tok := token.NewMemoryLedger(map[common.Address]*uint256.Int{
		owner: tokens(1_000_000),
		alice: tokens(10_000),
		bob:   tokens(10_000),
		carol: tokens(10_000),
		lp:    tokens(1_000_000),
	})
	for _, a := range []common.Address{owner, alice, bob, carol, lp} {
		require.NoError(t, tok.Approve(ctx, a, engineAddr, token.MaxAllowance))
	}

	clock := NewManualClock(t0)
	rec := &recorder{}
	eng, err := New(ctx, cfg, tok, st, WithClock(clock), WithEmitter(rec), WithLogger(discardLogger()))
	require.NoError(t, err)

	return &fixture{eng: eng, tok: tok, st: st, clock: clock, events: rec}
}

func externalMode(c *Config) {
	c.Mode = model.ModeExternal
	c.LPRewardAddress = lp
}

func gated(addrs ...common.Address) func(*Config) {
	return func(c *Config) {
		c.WhitelistEnabled = true
		c.Whitelist = addrs
	}
}

func (f *fixture) balance(t *testing.T, addr common.Address) *uint256.Int {
	t.Helper()
	b, err := f.tok.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return b
}

func (f *fixture) deposit(t *testing.T, n uint64) {
	t.Helper()
	require.NoError(t, f.eng.DepositRewards(context.Background(), owner, tokens(n)))
}

func (f *fixture) stake(t *testing.T, who common.Address, n uint64) *Receipt {
	t.Helper()
	r, err := f.eng.Stake(context.Background(), who, tokens(n))
	require.NoError(t, err)
	return r
}

func requireAmount(t *testing.T, want, got *uint256.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, want.Dec(), got.Dec(), msgAndArgs...)
}

// --- Construction ---

func TestNew_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	tok := token.NewMemoryLedger(nil)
	cases := map[string]Config{
		"no address":      {Owner: owner, Mode: model.ModePool},
		"no owner":        {Address: engineAddr, Mode: model.ModePool},
		"unknown mode":    {Address: engineAddr, Owner: owner, Mode: "vault"},
		"external no lp":  {Address: engineAddr, Owner: owner, Mode: model.ModeExternal},
		"apy above max":   {Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 241},
		"apy above limit": {Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 11, MaxAPY: 10},
		"max above cap":   {Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 300, MaxAPY: 300},
		"cap, low apy":    {Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 10, MaxAPY: reward.MaxAPY + 1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(ctx, cfg, tok, store.NewMemoryStore(), WithLogger(discardLogger()))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t)
	g := f.eng.Globals()
	require.Equal(t, owner, g.Owner)
	require.Equal(t, uint64(240), g.APY)
	require.Equal(t, uint64(reward.MaxAPY), g.MaxAPY)
	require.Equal(t, model.ModePool, f.eng.Mode())
	require.True(t, g.TotalStaked.IsZero())
	require.True(t, g.RewardPool.IsZero())
}

func TestNew_RestoresFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	f := newFixtureWithStore(t, st)
	f.deposit(t, 1000)
	f.stake(t, alice, 100)

	// A second engine over the same store picks up the committed state, not
	// the config it was given.
	again, err := New(context.Background(), Config{Address: engineAddr, Owner: bob, Mode: model.ModePool, APY: 10},
		f.tok, st, WithClock(f.clock), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.Equal(t, owner, again.Owner())
	require.Equal(t, uint64(240), again.APY())
	requireAmount(t, tokens(100), again.TotalStaked())
	requireAmount(t, tokens(1000), again.RewardPool())
	requireAmount(t, tokens(100), again.StakeInfo(alice).Principal)

	// Event sequence continues.
	_, err = again.Stake(context.Background(), bob, tokens(1))
	require.NoError(t, err)
	events, err := st.ListEvents(context.Background(), store.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(3), events[0].Seq)
}

func TestNew_ModeMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	newFixtureWithStore(t, st)
	_, err := New(context.Background(), Config{Address: engineAddr, Owner: owner, Mode: model.ModeExternal, LPRewardAddress: lp},
		token.NewMemoryLedger(nil), st, WithLogger(discardLogger()))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RestartRebuildsLedgerFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFixtureWithStore(t, st)
	f.deposit(t, 1000)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Token)

	tok := token.FromState(snap.Token)
	again, err := New(ctx, Config{Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 240},
		tok, st, WithClock(f.clock), WithLogger(discardLogger()))
	require.NoError(t, err)

	custody, err := tok.BalanceOf(ctx, engineAddr)
	require.NoError(t, err)
	requireAmount(t, tokens(2000), custody)

	// The restored allowance and custody let the position unwind.
	r, err := again.Unstake(ctx, alice, tokens(1000))
	require.NoError(t, err)
	require.Equal(t, "6575342465753424657", r.Reward.Dec())

	bal, err := tok.BalanceOf(ctx, alice)
	require.NoError(t, err)
	want := new(uint256.Int).Add(tokens(10_000), r.Reward)
	requireAmount(t, want, bal)
	require.True(t, again.TotalStaked().IsZero())
}

func TestNew_RefusesLedgerBelowCustody(t *testing.T) {
	st := store.NewMemoryStore()
	f := newFixtureWithStore(t, st)
	f.stake(t, alice, 1000)

	// A ledger re-seeded from genesis has an empty custody account.
	genesis := token.NewMemoryLedger(map[common.Address]*uint256.Int{alice: tokens(10_000)})
	_, err := New(context.Background(), Config{Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 240},
		genesis, st, WithLogger(discardLogger()))
	require.ErrorIs(t, err, ErrLedgerMismatch)
}

func TestNew_PersistsGenesisLedger(t *testing.T) {
	st := store.NewMemoryStore()
	newFixtureWithStore(t, st)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Token)
	requireAmount(t, tokens(10_000), snap.Token.Balances[alice])
	require.Len(t, snap.Token.Allowances, 5)
}

func TestNew_AdoptsLedgerForStoreWithoutOne(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Commit(ctx, &model.Changeset{Globals: &model.Globals{
		Owner:       owner,
		TotalStaked: uint256.NewInt(0),
		RewardPool:  uint256.NewInt(0),
		APY:         240,
		MaxAPY:      240,
		Mode:        model.ModePool,
	}}))

	tok := token.NewMemoryLedger(map[common.Address]*uint256.Int{alice: tokens(10_000), bob: tokens(5)})
	_, err := New(ctx, Config{Address: engineAddr, Owner: owner, Mode: model.ModePool, APY: 240},
		tok, st, WithLogger(discardLogger()))
	require.NoError(t, err)

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Token)
	requireAmount(t, tokens(10_000), snap.Token.Balances[alice])
	requireAmount(t, tokens(5), snap.Token.Balances[bob])
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	f := newFixtureWithStore(t, st)

	require.NoError(t, f.eng.Approve(ctx, carol, tokens(10)))
	got, err := f.tok.Allowance(ctx, carol, engineAddr)
	require.NoError(t, err)
	requireAmount(t, tokens(10), got)

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	var stored *uint256.Int
	for _, a := range snap.Token.Allowances {
		if a.Owner == carol && a.Spender == engineAddr {
			stored = a.Amount
		}
	}
	require.NotNil(t, stored)
	requireAmount(t, tokens(10), stored)

	// A failed commit restores the previous allowance.
	st.fail = true
	err = f.eng.Approve(ctx, carol, tokens(99))
	require.ErrorIs(t, err, ErrPersist)
	got, err = f.tok.Allowance(ctx, carol, engineAddr)
	require.NoError(t, err)
	requireAmount(t, tokens(10), got)

	require.ErrorIs(t, f.eng.Approve(ctx, common.Address{}, tokens(1)), access.ErrInvalidAddress)
}

// --- Staking ---

func TestStake(t *testing.T) {
	f := newFixture(t)
	r := f.stake(t, alice, 1000)

	requireAmount(t, tokens(1000), r.Amount)
	require.True(t, r.Reward.IsZero())

	info := f.eng.StakeInfo(alice)
	requireAmount(t, tokens(1000), info.Principal)
	require.Equal(t, uint64(t0.Unix()), info.StakedAt)
	require.Equal(t, uint64(t0.Unix()), info.LastRewardSettledAt)

	requireAmount(t, tokens(1000), f.eng.TotalStaked())
	requireAmount(t, tokens(9000), f.balance(t, alice))
	requireAmount(t, tokens(1000), f.balance(t, engineAddr))

	ev := f.events.last()
	require.Equal(t, model.EventStaked, ev.Type)
	require.Equal(t, alice, ev.Account)
	requireAmount(t, tokens(1000), ev.Amount)
	require.NotEmpty(t, ev.ID)
}

func TestStake_ZeroAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Stake(context.Background(), alice, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrZeroAmount)
	_, err = f.eng.Stake(context.Background(), alice, nil)
	require.ErrorIs(t, err, ErrZeroAmount)
}

func TestStake_ZeroCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Stake(context.Background(), common.Address{}, tokens(1))
	require.ErrorIs(t, err, access.ErrInvalidAddress)
}

func TestStake_TransferFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tok.Approve(ctx, carol, engineAddr, tokens(10)))

	_, err := f.eng.Stake(ctx, carol, tokens(100))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	_, err = f.eng.Stake(ctx, alice, tokens(10_001))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, token.ErrInsufficientBalance)

	require.True(t, f.eng.TotalStaked().IsZero())
	require.True(t, f.eng.StakeInfo(carol).IsZero())
	require.Empty(t, f.eng.Positions())
	require.Empty(t, f.events.types())
	requireAmount(t, tokens(10_000), f.balance(t, carol))
}

func TestStake_Accumulates(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 300)
	f.stake(t, alice, 200)
	requireAmount(t, tokens(500), f.eng.StakeInfo(alice).Principal)
	requireAmount(t, tokens(500), f.eng.TotalStaked())
}

// --- Rewards ---

func TestCalculateReward_OneDay(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	got, err := f.eng.CalculateReward(alice)
	require.NoError(t, err)
	require.Equal(t, "6575342465753424657", got.Dec())
}

func TestCalculateReward_ThirtyDays(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(30 * day)

	got, err := f.eng.CalculateReward(alice)
	require.NoError(t, err)
	require.Equal(t, "197260273972602739726", got.Dec())
}

func TestCalculateReward_NoPosition(t *testing.T) {
	f := newFixture(t)
	got, err := f.eng.CalculateReward(bob)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestCalculateReward_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(7 * day)

	a, _ := f.eng.CalculateReward(alice)
	b, _ := f.eng.CalculateReward(alice)
	requireAmount(t, a, b)
}

func TestCalculateReward_Monotonic(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)

	prev := uint256.NewInt(0)
	for i := 0; i < 50; i++ {
		f.clock.Advance(time.Duration(i*37+1) * time.Second)
		got, err := f.eng.CalculateReward(alice)
		require.NoError(t, err)
		require.False(t, got.Lt(prev), "reward decreased at step %d", i)
		prev = got
	}

	r1, _ := reward.Calculate(tokens(1000), 240, 86400)
	r2, _ := reward.Calculate(tokens(1000), 240, 2*86400)
	require.False(t, r2.Lt(r1))
}

func TestCalculateReward_ClockBehindSettlement(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Set(t0.Add(-time.Hour))

	got, err := f.eng.CalculateReward(alice)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestClaimReward_PaysFromPool(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10_000)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	pending, _ := f.eng.CalculateReward(alice)
	before := f.balance(t, alice)

	r, err := f.eng.ClaimReward(context.Background(), alice)
	require.NoError(t, err)
	requireAmount(t, pending, r.Reward)
	require.True(t, r.Amount.IsZero())

	requireAmount(t, new(uint256.Int).Add(before, pending), f.balance(t, alice))
	requireAmount(t, new(uint256.Int).Sub(tokens(10_000), pending), f.eng.RewardPool())

	info := f.eng.StakeInfo(alice)
	now := uint64(t0.Add(day).Unix())
	require.Equal(t, now, info.LastRewardSettledAt)
	require.Equal(t, now, info.StakedAt)
	requireAmount(t, tokens(1000), info.Principal)

	// Zero-time idempotence.
	again, _ := f.eng.CalculateReward(alice)
	require.True(t, again.IsZero())
	_, err = f.eng.ClaimReward(context.Background(), alice)
	require.ErrorIs(t, err, ErrNothingToClaim)

	ev := f.events.last()
	require.Equal(t, model.EventRewardClaimed, ev.Type)
	requireAmount(t, pending, ev.Amount)
}

func TestClaimReward_NothingToClaim(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10_000)

	_, err := f.eng.ClaimReward(context.Background(), alice)
	require.ErrorIs(t, err, ErrNothingToClaim)

	f.stake(t, alice, 1000)
	_, err = f.eng.ClaimReward(context.Background(), alice)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestClaimReward_EmptyPool(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(30 * day)

	_, err := f.eng.ClaimReward(context.Background(), alice)
	require.ErrorIs(t, err, reserve.ErrInsufficientRewardPool)
	require.False(t, errors.Is(err, ErrNothingToClaim))

	// The reward is still owed and the clock did not move.
	pending, _ := f.eng.CalculateReward(alice)
	require.Equal(t, "197260273972602739726", pending.Dec())
	require.Equal(t, uint64(t0.Unix()), f.eng.StakeInfo(alice).LastRewardSettledAt)
}

func TestClaimReward_PartialPool(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	_, err := f.eng.ClaimReward(context.Background(), alice)
	require.ErrorIs(t, err, reserve.ErrInsufficientRewardPool)
	requireAmount(t, tokens(1), f.eng.RewardPool())
}

// --- Auto-claim ---

func TestStake_AutoClaim(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10_000)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	pending, _ := f.eng.CalculateReward(alice)
	require.False(t, pending.IsZero())
	before := f.balance(t, alice)
	f.events.reset()

	r := f.stake(t, alice, 500)
	requireAmount(t, pending, r.Reward)

	// balance change = -amount + pendingReward
	want := new(uint256.Int).Sub(before, tokens(500))
	want.Add(want, pending)
	requireAmount(t, want, f.balance(t, alice))

	info := f.eng.StakeInfo(alice)
	requireAmount(t, tokens(1500), info.Principal)
	require.Equal(t, uint64(t0.Add(day).Unix()), info.LastRewardSettledAt)
	require.Equal(t, []model.EventType{model.EventRewardClaimed, model.EventStaked}, f.events.types())

	// The first day accrued at 1000, not 1500.
	after, _ := f.eng.CalculateReward(alice)
	require.True(t, after.IsZero())
}

func TestUnstake_AutoClaim(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10_000)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	pending, _ := f.eng.CalculateReward(alice)
	before := f.balance(t, alice)

	r, err := f.eng.Unstake(context.Background(), alice, tokens(1000))
	require.NoError(t, err)
	requireAmount(t, pending, r.Reward)

	want := new(uint256.Int).Add(before, tokens(1000))
	want.Add(want, pending)
	requireAmount(t, want, f.balance(t, alice))
}

func TestUnstake_Partial(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)

	_, err := f.eng.Unstake(context.Background(), alice, tokens(400))
	require.NoError(t, err)

	requireAmount(t, tokens(600), f.eng.StakeInfo(alice).Principal)
	requireAmount(t, tokens(600), f.eng.TotalStaked())
	requireAmount(t, tokens(9400), f.balance(t, alice))
	require.Equal(t, model.EventUnstaked, f.events.last().Type)
}

func TestUnstake_FullPurges(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)

	_, err := f.eng.Unstake(context.Background(), alice, tokens(1000))
	require.NoError(t, err)

	info := f.eng.StakeInfo(alice)
	require.True(t, info.IsZero())
	require.Equal(t, alice, info.Account)
	require.Zero(t, info.StakedAt)
	require.Zero(t, info.LastRewardSettledAt)
	require.Empty(t, f.eng.Positions())

	snap, err := f.st.Load(context.Background())
	require.NoError(t, err)
	require.NotContains(t, snap.Stakes, alice)

	// The account can re-enter.
	f.stake(t, alice, 5)
	requireAmount(t, tokens(5), f.eng.StakeInfo(alice).Principal)
}

func TestUnstake_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Unstake(ctx, alice, tokens(1))
	require.ErrorIs(t, err, ErrInsufficientStake)

	f.stake(t, alice, 1000)
	_, err = f.eng.Unstake(ctx, alice, new(uint256.Int).AddUint64(tokens(1000), 1))
	require.ErrorIs(t, err, ErrInsufficientStake)

	_, err = f.eng.Unstake(ctx, alice, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrZeroAmount)
}

func TestUnstake_EmptyPoolBlocksWithPendingReward(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	_, err := f.eng.Unstake(context.Background(), alice, tokens(1000))
	require.ErrorIs(t, err, reserve.ErrInsufficientRewardPool)
	requireAmount(t, tokens(1000), f.eng.StakeInfo(alice).Principal)
	requireAmount(t, tokens(9000), f.balance(t, alice))

	// Topping up the pool unblocks it.
	f.deposit(t, 100)
	_, err = f.eng.Unstake(context.Background(), alice, tokens(1000))
	require.NoError(t, err)
}

// --- Conservation ---

func TestConservation_RandomSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 500_000)

	users := []common.Address{alice, bob, carol}
	rng := rand.New(rand.NewSource(42))
	supply := totalSupply(t, f, append(users, owner, lp, engineAddr))

	paid := uint256.NewInt(0)
	for i := 0; i < 300; i++ {
		who := users[rng.Intn(len(users))]
		f.clock.Advance(time.Duration(rng.Intn(3*86400)) * time.Second)
		amt := tokens(uint64(rng.Intn(500) + 1))

		var r *Receipt
		var err error
		if rng.Intn(2) == 0 {
			r, err = f.eng.Stake(ctx, who, amt)
		} else {
			r, err = f.eng.Unstake(ctx, who, amt)
		}
		if err == nil {
			paid.Add(paid, r.Reward)
		}

		sum := uint256.NewInt(0)
		for _, p := range f.eng.Positions() {
			require.False(t, p.IsZero(), "zero positions must be purged")
			sum.Add(sum, p.Principal)
		}
		requireAmount(t, sum, f.eng.TotalStaked(), "step %d", i)

		// Pool only shrinks by what was paid out.
		pool := new(uint256.Int).Add(f.eng.RewardPool(), paid)
		requireAmount(t, tokens(500_000), pool, "step %d", i)

		// Custody holds exactly stake plus pool.
		custody := new(uint256.Int).Add(f.eng.TotalStaked(), f.eng.RewardPool())
		requireAmount(t, custody, f.balance(t, engineAddr), "step %d", i)

		requireAmount(t, supply, totalSupply(t, f, append(users, owner, lp, engineAddr)), "step %d", i)
	}
}

func totalSupply(t *testing.T, f *fixture, addrs []common.Address) *uint256.Int {
	t.Helper()
	sum := uint256.NewInt(0)
	for _, a := range addrs {
		sum.Add(sum, f.balance(t, a))
	}
	return sum
}

func TestConcurrentStakes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var stakers []common.Address
	for i := 0; i < 16; i++ {
		a := common.BigToAddress(big.NewInt(int64(1000 + i)))
		require.NoError(t, f.tok.Transfer(ctx, owner, a, tokens(100)))
		require.NoError(t, f.tok.Approve(ctx, a, engineAddr, token.MaxAllowance))
		stakers = append(stakers, a)
	}

	var wg sync.WaitGroup
	for _, a := range stakers {
		wg.Add(1)
		go func(a common.Address) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := f.eng.Stake(ctx, a, tokens(5)); err != nil {
					t.Errorf("stake: %v", err)
				}
				if _, err := f.eng.Unstake(ctx, a, tokens(2)); err != nil {
					t.Errorf("unstake: %v", err)
				}
			}
		}(a)
	}
	wg.Wait()

	requireAmount(t, tokens(16*30), f.eng.TotalStaked())
	require.Len(t, f.eng.Positions(), 16)

	// Sequence numbers are gap-free and ordered.
	events, err := f.st.ListEvents(ctx, store.EventFilter{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, events, 16*20)
	for i, e := range events {
		require.Equal(t, uint64(len(events)-i), e.Seq)
	}
}

// --- Persistence failure ---

type flakyStore struct {
	*store.MemoryStore
	fail bool
}

func (s *flakyStore) Commit(ctx context.Context, cs *model.Changeset) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Commit(ctx, cs)
}

func TestCommitFailureRollsBackTransfers(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	f := newFixtureWithStore(t, st)
	f.stake(t, alice, 1000)
	f.events.reset()

	st.fail = true
	_, err := f.eng.Stake(context.Background(), alice, tokens(500))
	require.ErrorIs(t, err, ErrPersist)
	require.False(t, errors.Is(err, ErrTransferFailed))

	requireAmount(t, tokens(9000), f.balance(t, alice))
	requireAmount(t, tokens(1000), f.eng.TotalStaked())
	requireAmount(t, tokens(1000), f.eng.StakeInfo(alice).Principal)
	require.Empty(t, f.events.types())

	st.fail = false
	f.stake(t, alice, 500)
	requireAmount(t, tokens(1500), f.eng.TotalStaked())
}

// --- Reserve administration ---

func TestDepositAndWithdrawRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deposit(t, 50_000)
	requireAmount(t, tokens(50_000), f.eng.RewardPool())
	requireAmount(t, tokens(950_000), f.balance(t, owner))
	require.Equal(t, model.EventRewardsDeposited, f.events.last().Type)

	require.NoError(t, f.eng.WithdrawRewards(ctx, owner, tokens(10_000)))
	requireAmount(t, tokens(40_000), f.eng.RewardPool())
	requireAmount(t, tokens(960_000), f.balance(t, owner))
	require.Equal(t, model.EventRewardsWithdrawn, f.events.last().Type)

	err := f.eng.WithdrawRewards(ctx, owner, new(uint256.Int).AddUint64(tokens(40_000), 1))
	require.ErrorIs(t, err, reserve.ErrExceedsRewardPool)

	require.ErrorIs(t, f.eng.DepositRewards(ctx, owner, uint256.NewInt(0)), ErrZeroAmount)
	require.ErrorIs(t, f.eng.WithdrawRewards(ctx, owner, uint256.NewInt(0)), ErrZeroAmount)
}

func TestDepositRewards_OwnerLacksBalance(t *testing.T) {
	f := newFixture(t)
	err := f.eng.DepositRewards(context.Background(), owner, tokens(1_000_001))
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
	require.True(t, f.eng.RewardPool().IsZero())
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 10_000)
	f.stake(t, alice, 1000)

	ownerBefore := f.balance(t, owner)
	swept, err := f.eng.EmergencyWithdraw(ctx, owner)
	require.NoError(t, err)
	requireAmount(t, tokens(11_000), swept)
	requireAmount(t, new(uint256.Int).Add(ownerBefore, tokens(11_000)), f.balance(t, owner))

	require.True(t, f.eng.RewardPool().IsZero())
	require.True(t, f.eng.TotalStaked().IsZero())
	require.True(t, f.balance(t, engineAddr).IsZero())

	// Individual records are left unreconciled.
	requireAmount(t, tokens(1000), f.eng.StakeInfo(alice).Principal)
	_, err = f.eng.Unstake(ctx, alice, tokens(1000))
	require.ErrorIs(t, err, ErrAccountingMismatch)

	require.Equal(t, model.EventEmergencyWithdrawn, f.events.last().Type)
}

// --- Admin ---

func TestSetAPY(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.SetAPY(ctx, owner, 120))
	require.Equal(t, uint64(120), f.eng.APY())
	ev := f.events.last()
	require.Equal(t, model.EventAPYUpdated, ev.Type)
	require.Equal(t, "240", ev.OldValue)
	require.Equal(t, "120", ev.NewValue)

	require.ErrorIs(t, f.eng.SetAPY(ctx, owner, 241), ErrAPYExceedsMaximum)
	require.NoError(t, f.eng.SetAPY(ctx, owner, 240))
	require.NoError(t, f.eng.SetAPY(ctx, owner, 0))
}

func TestSetAPY_ReratesWholeUnsettledInterval(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 1000)
	f.clock.Advance(day)
	require.NoError(t, f.eng.SetAPY(context.Background(), owner, 120))
	f.clock.Advance(day)

	// Both days accrue at the new rate.
	want, _ := reward.Calculate(tokens(1000), 120, 2*86400)
	got, _ := f.eng.CalculateReward(alice)
	requireAmount(t, want, got)
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.eng.TransferOwnership(ctx, owner, common.Address{}), access.ErrInvalidAddress)
	require.NoError(t, f.eng.TransferOwnership(ctx, owner, bob))
	require.Equal(t, bob, f.eng.Owner())
	require.Equal(t, model.EventOwnershipTransferred, f.events.last().Type)

	require.ErrorIs(t, f.eng.SetAPY(ctx, owner, 1), access.ErrUnauthorized)
	require.NoError(t, f.eng.SetAPY(ctx, bob, 1))
}

func TestOwnerOnly(t *testing.T) {
	f := newFixture(t, gated(alice))
	ctx := context.Background()
	one := tokens(1)

	checks := map[string]error{
		"SetAPY":            f.eng.SetAPY(ctx, alice, 100),
		"DepositRewards":    f.eng.DepositRewards(ctx, alice, one),
		"WithdrawRewards":   f.eng.WithdrawRewards(ctx, alice, one),
		"AddToWhitelist":    f.eng.AddToWhitelist(ctx, alice, bob),
		"RemoveWhitelist":   f.eng.RemoveFromWhitelist(ctx, alice, alice),
		"TransferOwnership": f.eng.TransferOwnership(ctx, alice, alice),
		"SetLPReward":       f.eng.SetLPRewardAddress(ctx, alice, lp),
	}
	_, checks["EmergencyWithdraw"] = f.eng.EmergencyWithdraw(ctx, alice)
	_, checks["BatchAdd"] = f.eng.BatchAddToWhitelist(ctx, alice, []common.Address{bob})
	_, checks["BatchRemove"] = f.eng.BatchRemoveFromWhitelist(ctx, alice, []common.Address{alice})

	for name, err := range checks {
		require.ErrorIs(t, err, access.ErrUnauthorized, name)
	}
	require.Equal(t, uint64(240), f.eng.APY())
	require.True(t, f.eng.IsWhitelisted(alice))
	require.Empty(t, f.events.types())
}

// --- Allowlist ---

func TestWhitelist_GatesEntry(t *testing.T) {
	f := newFixture(t, gated(alice))
	ctx := context.Background()

	f.stake(t, alice, 100)
	_, err := f.eng.Stake(ctx, bob, tokens(100))
	require.ErrorIs(t, err, access.ErrNotWhitelisted)

	require.NoError(t, f.eng.AddToWhitelist(ctx, owner, bob))
	require.True(t, f.eng.IsWhitelisted(bob))
	f.stake(t, bob, 100)
	ev := f.events.last()
	require.Equal(t, model.EventStaked, ev.Type)
}

func TestWhitelist_DoesNotGateExit(t *testing.T) {
	f := newFixture(t, gated(alice))
	ctx := context.Background()
	f.deposit(t, 1000)
	f.stake(t, alice, 100)

	require.NoError(t, f.eng.RemoveFromWhitelist(ctx, owner, alice))
	require.False(t, f.eng.IsWhitelisted(alice))

	_, err := f.eng.Stake(ctx, alice, tokens(1))
	require.ErrorIs(t, err, access.ErrNotWhitelisted)

	f.clock.Advance(day)
	_, err = f.eng.ClaimReward(ctx, alice)
	require.NoError(t, err)
	_, err = f.eng.Unstake(ctx, alice, tokens(100))
	require.NoError(t, err)
}

func TestWhitelist_SingleValidation(t *testing.T) {
	f := newFixture(t, gated(alice))
	ctx := context.Background()

	require.ErrorIs(t, f.eng.AddToWhitelist(ctx, owner, common.Address{}), access.ErrInvalidAddress)
	require.ErrorIs(t, f.eng.AddToWhitelist(ctx, owner, alice), access.ErrAlreadyWhitelisted)
	require.ErrorIs(t, f.eng.RemoveFromWhitelist(ctx, owner, bob), access.ErrNotInWhitelist)
	require.Empty(t, f.events.types())
}

func TestWhitelist_Batch(t *testing.T) {
	f := newFixture(t, gated(alice))
	ctx := context.Background()

	added, err := f.eng.BatchAddToWhitelist(ctx, owner, []common.Address{alice, {}, bob, bob, carol})
	require.NoError(t, err)
	require.Equal(t, []common.Address{bob, carol}, added)
	require.Equal(t, []model.EventType{model.EventWhitelistAdded, model.EventWhitelistAdded}, f.events.types())

	f.events.reset()
	removed, err := f.eng.BatchRemoveFromWhitelist(ctx, owner, []common.Address{lp, carol, carol})
	require.NoError(t, err)
	require.Equal(t, []common.Address{carol}, removed)
	require.Equal(t, []model.EventType{model.EventWhitelistRemoved}, f.events.types())

	none, err := f.eng.BatchAddToWhitelist(ctx, owner, nil)
	require.NoError(t, err)
	require.Empty(t, none)

	snap, err := f.st.Load(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []common.Address{alice, bob}, snap.Whitelist)
}

func TestWhitelist_Disabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Anyone may stake.
	f.stake(t, carol, 1)
	require.ErrorIs(t, f.eng.AddToWhitelist(ctx, owner, bob), ErrWhitelistDisabled)
	_, err := f.eng.BatchAddToWhitelist(ctx, owner, []common.Address{bob})
	require.ErrorIs(t, err, ErrWhitelistDisabled)
	require.False(t, f.eng.IsWhitelisted(bob))
}

// --- External payer ---

func TestExternal_ClaimPullsFromLP(t *testing.T) {
	f := newFixture(t, externalMode)
	ctx := context.Background()
	f.stake(t, alice, 1000)
	f.clock.Advance(30 * day)

	lpBefore := f.balance(t, lp)
	r, err := f.eng.ClaimReward(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "197260273972602739726", r.Reward.Dec())

	requireAmount(t, new(uint256.Int).Sub(lpBefore, r.Reward), f.balance(t, lp))
	requireAmount(t, tokens(9000), new(uint256.Int).Sub(f.balance(t, alice), r.Reward))
	require.True(t, f.eng.RewardPool().IsZero())
	requireAmount(t, tokens(1000), f.balance(t, engineAddr))
	require.Equal(t, lp, f.eng.LPRewardAddress())
}

func TestExternal_SurfacesPayerFailure(t *testing.T) {
	f := newFixture(t, externalMode)
	ctx := context.Background()
	f.stake(t, alice, 1000)
	f.clock.Advance(day)

	require.NoError(t, f.tok.Approve(ctx, lp, engineAddr, uint256.NewInt(0)))
	_, err := f.eng.ClaimReward(ctx, alice)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	// Auto-claim fails the same way, so nothing moves.
	_, err = f.eng.Unstake(ctx, alice, tokens(1000))
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)
	requireAmount(t, tokens(1000), f.eng.StakeInfo(alice).Principal)
}

func TestExternal_PoolOperationsUnsupported(t *testing.T) {
	f := newFixture(t, externalMode)
	ctx := context.Background()
	require.ErrorIs(t, f.eng.DepositRewards(ctx, owner, tokens(1)), reserve.ErrUnsupportedMode)
	require.ErrorIs(t, f.eng.WithdrawRewards(ctx, owner, tokens(1)), reserve.ErrUnsupportedMode)
}

func TestSetLPRewardAddress(t *testing.T) {
	f := newFixture(t, externalMode)
	ctx := context.Background()

	require.ErrorIs(t, f.eng.SetLPRewardAddress(ctx, owner, common.Address{}), access.ErrInvalidAddress)
	require.NoError(t, f.eng.SetLPRewardAddress(ctx, owner, carol))
	require.Equal(t, carol, f.eng.LPRewardAddress())

	ev := f.events.last()
	require.Equal(t, model.EventLPRewardAddressUpdated, ev.Type)
	require.Equal(t, lp.Hex(), ev.OldValue)
	require.Equal(t, carol.Hex(), ev.NewValue)

	// Claims now pull from carol.
	f.stake(t, alice, 1000)
	f.clock.Advance(day)
	carolBefore := f.balance(t, carol)
	r, err := f.eng.ClaimReward(ctx, alice)
	require.NoError(t, err)
	requireAmount(t, new(uint256.Int).Sub(carolBefore, r.Reward), f.balance(t, carol))
}

func TestSetLPRewardAddress_PoolMode(t *testing.T) {
	f := newFixture(t)
	err := f.eng.SetLPRewardAddress(context.Background(), owner, lp)
	require.ErrorIs(t, err, reserve.ErrUnsupportedMode)
}
