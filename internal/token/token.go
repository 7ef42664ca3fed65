// Package token defines the fungible-balance collaborator the staking
// engine moves principal and rewards through, and an in-memory ERC20-style
// implementation of it.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/model"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrOverflow              = errors.New("token: balance overflow")
)

// MaxAllowance is treated as an infinite approval and never decremented.
var MaxAllowance = new(uint256.Int).Not(uint256.NewInt(0))

// Transfer moves Amount from From to To. When Spender is non-zero the move
// is a transferFrom: it consumes From's allowance to Spender.
type Transfer struct {
	From    common.Address
	To      common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (t Transfer) String() string {
	if t.Spender != (common.Address{}) {
		return fmt.Sprintf("transferFrom(%s -> %s, %s by %s)", t.From.Hex(), t.To.Hex(), t.Amount.Dec(), t.Spender.Hex())
	}
	return fmt.Sprintf("transfer(%s -> %s, %s)", t.From.Hex(), t.To.Hex(), t.Amount.Dec())
}

// Ledger is the token custody collaborator. Every movement is fallible;
// insufficient balance or allowance is an expected outcome, not a bug.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error

	// Execute applies transfers in order as one unit. After all of them
	// succeed, commit runs with the entries they changed, before any other
	// caller can observe the new balances; if a transfer or commit fails,
	// every transfer is undone and the error returned. commit may be nil.
	Execute(ctx context.Context, transfers []Transfer, commit func(touched *model.TokenState) error) error
}

// Stateful is implemented by ledgers that can export their whole contents
// so they can be persisted and restored with the engine state.
type Stateful interface {
	State() *model.TokenState
}

// MemoryLedger implements Ledger with in-memory maps.
type MemoryLedger struct {
	mu         sync.RWMutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// NewMemoryLedger creates a ledger with the given opening balances.
func NewMemoryLedger(genesis map[common.Address]*uint256.Int) *MemoryLedger {
	l := &MemoryLedger{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	for addr, amt := range genesis {
		l.balances[addr] = new(uint256.Int).Set(amt)
	}
	return l
}

// FromState rebuilds a ledger from persisted entries.
func FromState(ts *model.TokenState) *MemoryLedger {
	if ts == nil {
		return NewMemoryLedger(nil)
	}
	l := NewMemoryLedger(ts.Balances)
	for _, a := range ts.Allowances {
		l.setAllowance(a.Owner, a.Spender, new(uint256.Int).Set(a.Amount))
	}
	return l
}

// State returns a copy of every non-zero balance and allowance.
func (l *MemoryLedger) State() *model.TokenState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ts := &model.TokenState{Balances: make(map[common.Address]*uint256.Int, len(l.balances))}
	for addr, bal := range l.balances {
		if !bal.IsZero() {
			ts.Balances[addr] = new(uint256.Int).Set(bal)
		}
	}
	for owner, m := range l.allowances {
		for spender, amt := range m {
			if !amt.IsZero() {
				ts.Allowances = append(ts.Allowances, model.Allowance{Owner: owner, Spender: spender, Amount: new(uint256.Int).Set(amt)})
			}
		}
	}
	return ts
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.balance(account)), nil
}

func (l *MemoryLedger) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.allowance(owner, spender)), nil
}

func (l *MemoryLedger) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(owner, spender, new(uint256.Int).Set(amount))
	return nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return l.Execute(ctx, []Transfer{{From: from, To: to, Amount: amount}}, nil)
}

func (l *MemoryLedger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	return l.Execute(ctx, []Transfer{{From: from, To: to, Spender: spender, Amount: amount}}, nil)
}

// journal records prior values so a failed Execute can be undone.
type journal struct {
	balances   map[common.Address]*uint256.Int
	allowances map[[2]common.Address]*uint256.Int
}

func (l *MemoryLedger) Execute(_ context.Context, transfers []Transfer, commit func(touched *model.TokenState) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	j := &journal{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[[2]common.Address]*uint256.Int),
	}

	for i, t := range transfers {
		if err := l.apply(j, t); err != nil {
			l.rollback(j)
			return fmt.Errorf("%s (#%d): %w", t, i, err)
		}
	}

	if commit != nil {
		if err := commit(l.touched(j)); err != nil {
			l.rollback(j)
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) apply(j *journal, t Transfer) error {
	if t.From == (common.Address{}) || t.To == (common.Address{}) {
		return ErrZeroAddress
	}
	if t.Amount == nil || t.Amount.IsZero() {
		return nil
	}

	if t.Spender != (common.Address{}) {
		allowed := l.allowance(t.From, t.Spender)
		if allowed.Lt(t.Amount) {
			return ErrInsufficientAllowance
		}
		if !allowed.Eq(MaxAllowance) {
			j.saveAllowance(t.From, t.Spender, allowed)
			l.setAllowance(t.From, t.Spender, new(uint256.Int).Sub(allowed, t.Amount))
		}
	}

	fromBal := l.balance(t.From)
	if fromBal.Lt(t.Amount) {
		return ErrInsufficientBalance
	}
	toBal := l.balance(t.To)
	if t.From != t.To {
		if _, overflow := new(uint256.Int).AddOverflow(toBal, t.Amount); overflow {
			return ErrOverflow
		}
	}

	j.saveBalance(t.From, fromBal)
	j.saveBalance(t.To, toBal)
	l.balances[t.From] = new(uint256.Int).Sub(fromBal, t.Amount)
	l.balances[t.To] = new(uint256.Int).Add(l.balance(t.To), t.Amount)
	return nil
}

// touched reads back the current value of every entry j recorded.
func (l *MemoryLedger) touched(j *journal) *model.TokenState {
	ts := &model.TokenState{Balances: make(map[common.Address]*uint256.Int, len(j.balances))}
	for addr := range j.balances {
		ts.Balances[addr] = new(uint256.Int).Set(l.balance(addr))
	}
	for key := range j.allowances {
		ts.Allowances = append(ts.Allowances, model.Allowance{
			Owner:   key[0],
			Spender: key[1],
			Amount:  new(uint256.Int).Set(l.allowance(key[0], key[1])),
		})
	}
	return ts
}

func (l *MemoryLedger) rollback(j *journal) {
	for addr, bal := range j.balances {
		l.balances[addr] = bal
	}
	for key, amt := range j.allowances {
		l.setAllowance(key[0], key[1], amt)
	}
}

func (j *journal) saveBalance(addr common.Address, bal *uint256.Int) {
	if _, ok := j.balances[addr]; !ok {
		j.balances[addr] = new(uint256.Int).Set(bal)
	}
}

func (j *journal) saveAllowance(owner, spender common.Address, amt *uint256.Int) {
	key := [2]common.Address{owner, spender}
	if _, ok := j.allowances[key]; !ok {
		j.allowances[key] = new(uint256.Int).Set(amt)
	}
}

// balance and allowance never return nil; callers hold l.mu.
func (l *MemoryLedger) balance(addr common.Address) *uint256.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (l *MemoryLedger) allowance(owner, spender common.Address) *uint256.Int {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return uint256.NewInt(0)
}

func (l *MemoryLedger) setAllowance(owner, spender common.Address, amt *uint256.Int) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = amt
}
