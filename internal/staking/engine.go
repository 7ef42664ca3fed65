// Package staking implements the staking ledger: per-account principal and
// reward clock, automatic settlement of pending reward before every
// principal change, and the owner's admin surface.
//
// Every public write runs under one lock and follows the same shape:
// validate against the current state, build a transaction on working
// copies, then hand the token transfers and the store commit to the token
// ledger as one unit. Only when both succeed is the transaction applied to
// the in-memory state and its events emitted. A failed operation leaves no
// trace, including the reward clock.
package staking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/access"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/reserve"
	"github.com/atmx/staking-engine/internal/reward"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/token"
	"github.com/atmx/staking-engine/internal/units"
)

// Config is the engine's construction-time setup. It only seeds a fresh
// store; a store that already holds state keeps its own parameters.
type Config struct {
	// Address is the engine's custody account on the token ledger.
	Address          common.Address
	Owner            common.Address
	Mode             model.ReserveMode
	LPRewardAddress  common.Address // external mode only
	APY              uint64         // integer percent
	MaxAPY           uint64         // 0 → reward.MaxAPY
	WhitelistEnabled bool
	Whitelist        []common.Address
}

// Emitter receives every committed change record.
type Emitter interface {
	Emit(e model.Event)
}

type noopEmitter struct{}

func (noopEmitter) Emit(model.Event) {}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEmitter sets the receiver for committed events.
func WithEmitter(em Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Receipt describes a committed stake, unstake or claim.
type Receipt struct {
	Account   common.Address
	Amount    *uint256.Int // principal moved; zero for a claim
	Reward    *uint256.Int // reward settled as part of the operation
	Timestamp uint64
}

// state is everything the engine owns. It is only replaced wholesale from a
// committed txn.
type state struct {
	globals   *model.Globals
	stakes    map[common.Address]*model.StakeRecord
	whitelist *access.Whitelist
	seq       uint64
}

// Engine is the staking ledger. It is safe for concurrent use; writes are
// serialized and reads see a consistent snapshot.
type Engine struct {
	mu      sync.RWMutex
	address common.Address
	reserve reserve.Reserve
	token   token.Ledger
	store   store.Store
	clock   Clock
	emitter Emitter
	logger  *slog.Logger
	st      state
}

// New builds an engine over tok and st. If st holds no state yet it is
// initialized from cfg.
func New(ctx context.Context, cfg Config, tok token.Ledger, st store.Store, opts ...Option) (*Engine, error) {
	if cfg.MaxAPY == 0 {
		cfg.MaxAPY = reward.MaxAPY
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	res, err := reserve.New(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e := &Engine{
		address: cfg.Address,
		reserve: res,
		token:   tok,
		store:   st,
		clock:   systemClock{},
		emitter: noopEmitter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	if snap.Globals == nil {
		g := &model.Globals{
			Owner:            cfg.Owner,
			TotalStaked:      uint256.NewInt(0),
			RewardPool:       uint256.NewInt(0),
			APY:              cfg.APY,
			MaxAPY:           cfg.MaxAPY,
			Mode:             cfg.Mode,
			LPRewardAddress:  cfg.LPRewardAddress,
			WhitelistEnabled: cfg.WhitelistEnabled,
		}
		wl := access.NewWhitelist(cfg.Whitelist...)
		cs := &model.Changeset{Globals: g, WhitelistAdd: wl.Members()}
		if sf, ok := tok.(token.Stateful); ok {
			cs.Token = sf.State()
		}
		if err := st.Commit(ctx, cs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
		e.st = state{globals: g, stakes: make(map[common.Address]*model.StakeRecord), whitelist: wl}
		e.logger.Info("staking engine initialized",
			"address", cfg.Address.Hex(),
			"owner", cfg.Owner.Hex(),
			"mode", cfg.Mode,
			"apy", cfg.APY,
		)
		return e, nil
	}

	if snap.Globals.Mode != cfg.Mode {
		return nil, fmt.Errorf("%w: stored reserve mode %q does not match configured %q",
			ErrInvalidConfig, snap.Globals.Mode, cfg.Mode)
	}
	if err := e.checkCustody(ctx, snap.Globals); err != nil {
		return nil, err
	}
	if sf, ok := tok.(token.Stateful); ok && snap.Token == nil {
		// State written before the ledger was persisted: adopt this ledger
		// whole so later partial changesets build on it.
		if err := st.Commit(ctx, &model.Changeset{Token: sf.State()}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	stakes := snap.Stakes
	if stakes == nil {
		stakes = make(map[common.Address]*model.StakeRecord)
	}
	e.st = state{
		globals:   snap.Globals,
		stakes:    stakes,
		whitelist: access.NewWhitelist(snap.Whitelist...),
		seq:       snap.LastSeq,
	}
	e.logger.Info("staking engine restored",
		"address", cfg.Address.Hex(),
		"accounts", len(stakes),
		"total_staked", units.FormatTokens(snap.Globals.TotalStaked),
		"last_seq", snap.LastSeq,
	)
	return e, nil
}

// checkCustody refuses a ledger whose custody balance cannot pay back the
// restored principal and reward pool, such as one re-seeded from genesis
// over a store that already holds positions.
func (e *Engine) checkCustody(ctx context.Context, g *model.Globals) error {
	owed, overflow := new(uint256.Int).AddOverflow(g.TotalStaked, g.RewardPool)
	if overflow {
		return fmt.Errorf("%w: restored totals overflow", ErrLedgerMismatch)
	}
	held, err := e.token.BalanceOf(ctx, e.address)
	if err != nil {
		return fmt.Errorf("read custody balance: %w", err)
	}
	if held.Lt(owed) {
		return fmt.Errorf("%w: custody holds %s, restored state owes %s",
			ErrLedgerMismatch, held.Dec(), owed.Dec())
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case c.Address == (common.Address{}):
		return fmt.Errorf("%w: engine address is required", ErrInvalidConfig)
	case c.Owner == (common.Address{}):
		return fmt.Errorf("%w: owner is required", ErrInvalidConfig)
	case !c.Mode.IsValid():
		return fmt.Errorf("%w: unknown reserve mode %q", ErrInvalidConfig, c.Mode)
	case c.Mode == model.ModeExternal && c.LPRewardAddress == (common.Address{}):
		return fmt.Errorf("%w: external mode needs an lp reward address", ErrInvalidConfig)
	case c.MaxAPY > reward.MaxAPY:
		return fmt.Errorf("%w: max apy %d exceeds cap %d", ErrInvalidConfig, c.MaxAPY, reward.MaxAPY)
	case c.APY > c.MaxAPY:
		return fmt.Errorf("%w: apy %d exceeds maximum %d", ErrInvalidConfig, c.APY, c.MaxAPY)
	}
	return nil
}

// --- Participant operations ---

// Stake settles the caller's pending reward, then moves amount from the
// caller into custody and adds it to the caller's principal.
func (e *Engine) Stake(ctx context.Context, caller common.Address, amount *uint256.Int) (*Receipt, error) {
	if caller == (common.Address{}) {
		return nil, e.reject("stake", caller, access.ErrInvalidAddress)
	}
	if amount == nil || amount.IsZero() {
		return nil, e.reject("stake", caller, ErrZeroAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.globals.WhitelistEnabled && !e.st.whitelist.Contains(caller) {
		return nil, e.reject("stake", caller, access.ErrNotWhitelisted)
	}

	tx := e.begin()
	rec := tx.record(e, caller)

	paid, err := e.settle(tx, rec)
	if err != nil {
		return nil, e.reject("stake", caller, err)
	}

	principal, overflow := new(uint256.Int).AddOverflow(rec.Principal, amount)
	if overflow {
		return nil, e.reject("stake", caller, ErrOverflow)
	}
	total, overflow := new(uint256.Int).AddOverflow(tx.globals.TotalStaked, amount)
	if overflow {
		return nil, e.reject("stake", caller, ErrOverflow)
	}
	rec.Principal = principal
	rec.StakedAt = tx.now
	rec.LastRewardSettledAt = tx.now
	tx.globals.TotalStaked = total
	tx.put(rec)

	tx.transfer(token.Transfer{From: caller, To: e.address, Spender: e.address, Amount: amount})
	tx.emit(model.EventStaked, caller, amount)

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("stake", caller, err)
	}

	e.logger.Info("stake committed",
		"account", caller.Hex(),
		"amount", units.FormatTokens(amount),
		"reward", units.FormatTokens(paid),
		"principal", units.FormatTokens(rec.Principal),
	)
	return &Receipt{Account: caller, Amount: new(uint256.Int).Set(amount), Reward: paid, Timestamp: tx.now}, nil
}

// Unstake settles the caller's pending reward, then returns amount of
// principal from custody. A position reduced to zero is purged. The
// allowlist is not consulted.
func (e *Engine) Unstake(ctx context.Context, caller common.Address, amount *uint256.Int) (*Receipt, error) {
	if amount == nil || amount.IsZero() {
		return nil, e.reject("unstake", caller, ErrZeroAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.begin()
	rec := tx.record(e, caller)

	if rec.Principal.Lt(amount) {
		return nil, e.reject("unstake", caller, ErrInsufficientStake)
	}
	if tx.globals.TotalStaked.Lt(amount) {
		return nil, e.reject("unstake", caller, ErrAccountingMismatch)
	}

	paid, err := e.settle(tx, rec)
	if err != nil {
		return nil, e.reject("unstake", caller, err)
	}

	rec.Principal = new(uint256.Int).Sub(rec.Principal, amount)
	rec.StakedAt = tx.now
	rec.LastRewardSettledAt = tx.now
	tx.globals.TotalStaked = new(uint256.Int).Sub(tx.globals.TotalStaked, amount)
	tx.put(rec)

	tx.transfer(token.Transfer{From: e.address, To: caller, Amount: amount})
	tx.emit(model.EventUnstaked, caller, amount)

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("unstake", caller, err)
	}

	e.logger.Info("unstake committed",
		"account", caller.Hex(),
		"amount", units.FormatTokens(amount),
		"reward", units.FormatTokens(paid),
		"principal", units.FormatTokens(rec.Principal),
		"closed", rec.IsZero(),
	)
	return &Receipt{Account: caller, Amount: new(uint256.Int).Set(amount), Reward: paid, Timestamp: tx.now}, nil
}

// ClaimReward pays the caller's accrued reward and restarts its clock.
func (e *Engine) ClaimReward(ctx context.Context, caller common.Address) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.begin()
	rec := tx.record(e, caller)

	paid, err := e.settle(tx, rec)
	if err != nil {
		return nil, e.reject("claim", caller, err)
	}
	if paid.IsZero() {
		return nil, e.reject("claim", caller, ErrNothingToClaim)
	}
	tx.put(rec)

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("claim", caller, err)
	}

	e.logger.Info("reward claimed",
		"account", caller.Hex(),
		"reward", units.FormatTokens(paid),
		"mode", e.reserve.Mode(),
	)
	return &Receipt{Account: caller, Amount: uint256.NewInt(0), Reward: paid, Timestamp: tx.now}, nil
}

// Approve sets owner's allowance to the engine's custody account and
// persists it with the store, so a restarted ledger still lets the engine
// pull owner's tokens.
func (e *Engine) Approve(ctx context.Context, owner common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) {
		return e.reject("approve", owner, access.ErrInvalidAddress)
	}
	if amount == nil {
		amount = uint256.NewInt(0)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.token.Allowance(ctx, owner, e.address)
	if err != nil {
		return e.reject("approve", owner, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	if err := e.token.Approve(ctx, owner, e.address, amount); err != nil {
		return e.reject("approve", owner, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}

	cs := &model.Changeset{Token: &model.TokenState{Allowances: []model.Allowance{
		{Owner: owner, Spender: e.address, Amount: new(uint256.Int).Set(amount)},
	}}}
	if err := e.store.Commit(ctx, cs); err != nil {
		if rerr := e.token.Approve(ctx, owner, e.address, prev); rerr != nil {
			e.logger.Error("approve rollback failed", "account", owner.Hex(), "error", rerr)
		}
		return e.reject("approve", owner, fmt.Errorf("%w: %w", ErrPersist, err))
	}

	e.logger.Info("allowance set", "account", owner.Hex(), "amount", amount.Dec())
	return nil
}

// settle pays rec's pending reward from the reserve and restarts its
// clock. A zero reward is a no-op. It returns the amount settled.
func (e *Engine) settle(tx *txn, rec *model.StakeRecord) (*uint256.Int, error) {
	owed, err := reward.Pending(rec, tx.globals.APY, tx.now)
	if err != nil {
		return nil, err
	}
	if owed.IsZero() {
		return owed, nil
	}

	tr, err := e.reserve.Payout(tx.globals, e.address, rec.Account, owed)
	if err != nil {
		return nil, err
	}
	tx.transfer(tr)

	rec.StakedAt = tx.now
	rec.LastRewardSettledAt = tx.now
	tx.emit(model.EventRewardClaimed, rec.Account, owed)
	return owed, nil
}

// --- Reserve administration ---

// DepositRewards moves amount from the owner into the reward pool.
func (e *Engine) DepositRewards(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return e.reject("deposit rewards", caller, err)
	}
	if amount == nil || amount.IsZero() {
		return e.reject("deposit rewards", caller, ErrZeroAmount)
	}

	tx := e.begin()
	tr, err := e.reserve.Deposit(tx.globals, e.address, caller, amount)
	if err != nil {
		return e.reject("deposit rewards", caller, err)
	}
	tx.transfer(tr)
	tx.emit(model.EventRewardsDeposited, caller, amount)

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("deposit rewards", caller, err)
	}
	e.logger.Info("rewards deposited",
		"amount", units.FormatTokens(amount),
		"reward_pool", units.FormatTokens(tx.globals.RewardPool),
	)
	return nil
}

// WithdrawRewards returns amount from the reward pool to the owner.
func (e *Engine) WithdrawRewards(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return e.reject("withdraw rewards", caller, err)
	}
	if amount == nil || amount.IsZero() {
		return e.reject("withdraw rewards", caller, ErrZeroAmount)
	}

	tx := e.begin()
	tr, err := e.reserve.Withdraw(tx.globals, e.address, caller, amount)
	if err != nil {
		return e.reject("withdraw rewards", caller, err)
	}
	tx.transfer(tr)
	tx.emit(model.EventRewardsWithdrawn, caller, amount)

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("withdraw rewards", caller, err)
	}
	e.logger.Info("rewards withdrawn",
		"amount", units.FormatTokens(amount),
		"reward_pool", units.FormatTokens(tx.globals.RewardPool),
	)
	return nil
}

// EmergencyWithdraw sweeps the engine's entire custody balance to the
// owner and zeroes the reward pool and total staked. Individual stake
// records are left as they are and no longer reconcile with the totals.
// Recovery only.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return nil, e.reject("emergency withdraw", caller, err)
	}

	balance, err := e.token.BalanceOf(ctx, e.address)
	if err != nil {
		return nil, e.reject("emergency withdraw", caller, fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}

	tx := e.begin()
	tx.globals.RewardPool = uint256.NewInt(0)
	tx.globals.TotalStaked = uint256.NewInt(0)
	tx.transfer(token.Transfer{From: e.address, To: caller, Amount: balance})
	tx.emit(model.EventEmergencyWithdrawn, caller, balance)

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("emergency withdraw", caller, err)
	}
	e.logger.Warn("emergency withdrawal executed",
		"owner", caller.Hex(),
		"swept", units.FormatTokens(balance),
		"orphaned_accounts", len(e.st.stakes),
	)
	return balance, nil
}

// SetLPRewardAddress repoints the external reward payer.
func (e *Engine) SetLPRewardAddress(ctx context.Context, caller, payer common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return e.reject("set lp reward address", caller, err)
	}
	if payer == (common.Address{}) {
		return e.reject("set lp reward address", caller, access.ErrInvalidAddress)
	}

	tx := e.begin()
	old, err := e.reserve.SetPayer(tx.globals, payer)
	if err != nil {
		return e.reject("set lp reward address", caller, err)
	}
	tx.emitChange(model.EventLPRewardAddressUpdated, caller, old.Hex(), payer.Hex())

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("set lp reward address", caller, err)
	}
	e.logger.Info("lp reward address updated", "old", old.Hex(), "new", payer.Hex())
	return nil
}

// --- Admin ---

// SetAPY changes the annual rate. The new rate applies to every account's
// whole unsettled interval, including time accrued before this call.
func (e *Engine) SetAPY(ctx context.Context, caller common.Address, apy uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return e.reject("set apy", caller, err)
	}
	if apy > e.st.globals.MaxAPY {
		return e.reject("set apy", caller, ErrAPYExceedsMaximum)
	}

	tx := e.begin()
	old := tx.globals.APY
	tx.globals.APY = apy
	tx.emitChange(model.EventAPYUpdated, caller, strconv.FormatUint(old, 10), strconv.FormatUint(apy, 10))

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("set apy", caller, err)
	}
	e.logger.Info("apy updated", "old", old, "new", apy)
	return nil
}

// TransferOwnership hands the owner role to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return e.reject("transfer ownership", caller, err)
	}
	if newOwner == (common.Address{}) {
		return e.reject("transfer ownership", caller, access.ErrInvalidAddress)
	}

	tx := e.begin()
	old := tx.globals.Owner
	tx.globals.Owner = newOwner
	tx.emitChange(model.EventOwnershipTransferred, newOwner, old.Hex(), newOwner.Hex())

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("transfer ownership", caller, err)
	}
	e.logger.Info("ownership transferred", "old", old.Hex(), "new", newOwner.Hex())
	return nil
}

// AddToWhitelist permits addr to stake.
func (e *Engine) AddToWhitelist(ctx context.Context, caller, addr common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkWhitelistAdmin(caller); err != nil {
		return e.reject("whitelist add", caller, err)
	}

	tx := e.begin()
	if err := tx.list(e).Add(addr); err != nil {
		return e.reject("whitelist add", caller, err)
	}
	tx.wlAdd = append(tx.wlAdd, addr)
	tx.emit(model.EventWhitelistAdded, addr, nil)

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("whitelist add", caller, err)
	}
	e.logger.Info("whitelist added", "account", addr.Hex())
	return nil
}

// RemoveFromWhitelist revokes addr's permission to open new stakes. An
// existing position can still be unstaked and claimed.
func (e *Engine) RemoveFromWhitelist(ctx context.Context, caller, addr common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkWhitelistAdmin(caller); err != nil {
		return e.reject("whitelist remove", caller, err)
	}

	tx := e.begin()
	if err := tx.list(e).Remove(addr); err != nil {
		return e.reject("whitelist remove", caller, err)
	}
	tx.wlRemove = append(tx.wlRemove, addr)
	tx.emit(model.EventWhitelistRemoved, addr, nil)

	if err := e.commit(ctx, tx); err != nil {
		return e.reject("whitelist remove", caller, err)
	}
	e.logger.Info("whitelist removed", "account", addr.Hex())
	return nil
}

// BatchAddToWhitelist adds every valid entry of addrs, skipping zero,
// duplicate and already-present ones, and returns those added.
func (e *Engine) BatchAddToWhitelist(ctx context.Context, caller common.Address, addrs []common.Address) ([]common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkWhitelistAdmin(caller); err != nil {
		return nil, e.reject("whitelist batch add", caller, err)
	}

	tx := e.begin()
	added := tx.list(e).BatchAdd(addrs)
	if len(added) == 0 {
		return []common.Address{}, nil
	}
	tx.wlAdd = added
	for _, a := range added {
		tx.emit(model.EventWhitelistAdded, a, nil)
	}

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("whitelist batch add", caller, err)
	}
	e.logger.Info("whitelist batch added", "requested", len(addrs), "added", len(added))
	return added, nil
}

// BatchRemoveFromWhitelist removes every present entry of addrs and
// returns those removed.
func (e *Engine) BatchRemoveFromWhitelist(ctx context.Context, caller common.Address, addrs []common.Address) ([]common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkWhitelistAdmin(caller); err != nil {
		return nil, e.reject("whitelist batch remove", caller, err)
	}

	tx := e.begin()
	removed := tx.list(e).BatchRemove(addrs)
	if len(removed) == 0 {
		return []common.Address{}, nil
	}
	tx.wlRemove = removed
	for _, a := range removed {
		tx.emit(model.EventWhitelistRemoved, a, nil)
	}

	if err := e.commit(ctx, tx); err != nil {
		return nil, e.reject("whitelist batch remove", caller, err)
	}
	e.logger.Info("whitelist batch removed", "requested", len(addrs), "removed", len(removed))
	return removed, nil
}

func (e *Engine) checkWhitelistAdmin(caller common.Address) error {
	if err := access.CheckOwner(e.st.globals.Owner, caller); err != nil {
		return err
	}
	if !e.st.globals.WhitelistEnabled {
		return ErrWhitelistDisabled
	}
	return nil
}

// --- Reads ---

// StakeInfo returns a copy of addr's record, or a zero record.
func (e *Engine) StakeInfo(addr common.Address) *model.StakeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.st.stakes[addr]; ok {
		return rec.Copy()
	}
	return model.NewStakeRecord(addr)
}

// CalculateReward returns addr's reward accrued up to now at the current
// rate.
func (e *Engine) CalculateReward(addr common.Address) (*uint256.Int, error) {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.st.stakes[addr]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return reward.Pending(rec, e.st.globals.APY, now)
}

// Globals returns a copy of the engine-wide state.
func (e *Engine) Globals() *model.Globals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.globals.Copy()
}

func (e *Engine) TotalStaked() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(uint256.Int).Set(e.st.globals.TotalStaked)
}

func (e *Engine) RewardPool() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(uint256.Int).Set(e.st.globals.RewardPool)
}

func (e *Engine) APY() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.globals.APY
}

func (e *Engine) LPRewardAddress() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.globals.LPRewardAddress
}

func (e *Engine) Owner() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.globals.Owner
}

// IsWhitelisted reports allowlist membership. It is always false on an
// engine without the allowlist.
func (e *Engine) IsWhitelisted(addr common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.whitelist.Contains(addr)
}

// Mode returns the reserve strategy in use.
func (e *Engine) Mode() model.ReserveMode { return e.reserve.Mode() }

// Address returns the engine's custody account.
func (e *Engine) Address() common.Address { return e.address }

// Positions returns copies of every open position, ordered by account.
func (e *Engine) Positions() []*model.StakeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.StakeRecord, 0, len(e.st.stakes))
	for _, rec := range e.st.stakes {
		out = append(out, rec.Copy())
	}
	slices.SortFunc(out, func(a, b *model.StakeRecord) int {
		return bytes.Compare(a.Account[:], b.Account[:])
	})
	return out
}

// --- Transactions ---

// txn collects one operation's writes on working copies.
type txn struct {
	now       uint64
	globals   *model.Globals
	stakes    map[common.Address]*model.StakeRecord // nil value = purge
	whitelist *access.Whitelist                     // nil until touched
	wlAdd     []common.Address
	wlRemove  []common.Address
	transfers []token.Transfer
	events    []model.Event
}

// begin starts a txn. Callers hold e.mu.
func (e *Engine) begin() *txn {
	return &txn{
		now:     e.now(),
		globals: e.st.globals.Copy(),
		stakes:  make(map[common.Address]*model.StakeRecord),
	}
}

func (e *Engine) now() uint64 {
	if s := e.clock.Now().Unix(); s > 0 {
		return uint64(s)
	}
	return 0
}

// record returns a working copy of addr's position, or a zero record.
func (tx *txn) record(e *Engine, addr common.Address) *model.StakeRecord {
	if rec, ok := tx.stakes[addr]; ok {
		if rec == nil {
			return model.NewStakeRecord(addr)
		}
		return rec
	}
	if rec, ok := e.st.stakes[addr]; ok {
		return rec.Copy()
	}
	return model.NewStakeRecord(addr)
}

func (tx *txn) put(rec *model.StakeRecord) {
	if rec.IsZero() {
		tx.stakes[rec.Account] = nil
		return
	}
	tx.stakes[rec.Account] = rec
}

func (tx *txn) list(e *Engine) *access.Whitelist {
	if tx.whitelist == nil {
		tx.whitelist = e.st.whitelist.Copy()
	}
	return tx.whitelist
}

func (tx *txn) transfer(t token.Transfer) {
	tx.transfers = append(tx.transfers, t)
}

func (tx *txn) emit(typ model.EventType, account common.Address, amount *uint256.Int) {
	ev := model.Event{Type: typ, Account: account}
	if amount != nil {
		ev.Amount = new(uint256.Int).Set(amount)
	}
	tx.events = append(tx.events, ev)
}

func (tx *txn) emitChange(typ model.EventType, account common.Address, oldValue, newValue string) {
	tx.events = append(tx.events, model.Event{Type: typ, Account: account, OldValue: oldValue, NewValue: newValue})
}

// commit executes tx's transfers and persists its changeset as one unit,
// then applies it to the engine state and emits its events. Callers hold
// e.mu.
func (e *Engine) commit(ctx context.Context, tx *txn) error {
	seq := e.st.seq
	for i := range tx.events {
		seq++
		tx.events[i].Seq = seq
		tx.events[i].ID = uuid.New().String()
		tx.events[i].Timestamp = tx.now
	}

	cs := &model.Changeset{
		Stakes:          tx.stakes,
		Globals:         tx.globals,
		WhitelistAdd:    tx.wlAdd,
		WhitelistRemove: tx.wlRemove,
		Events:          tx.events,
	}

	err := e.token.Execute(ctx, tx.transfers, func(touched *model.TokenState) error {
		if !touched.IsEmpty() {
			cs.Token = touched
		}
		if err := e.store.Commit(ctx, cs); err != nil {
			return fmt.Errorf("%w: %w", ErrPersist, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPersist) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	e.st.globals = tx.globals
	for addr, rec := range tx.stakes {
		if rec == nil {
			delete(e.st.stakes, addr)
			continue
		}
		e.st.stakes[addr] = rec
	}
	if tx.whitelist != nil {
		e.st.whitelist = tx.whitelist
	}
	e.st.seq = seq

	for _, ev := range tx.events {
		e.emitter.Emit(ev)
	}
	return nil
}

func (e *Engine) reject(op string, caller common.Address, err error) error {
	e.logger.Warn(op+" rejected", "account", caller.Hex(), "error", err)
	return err
}
