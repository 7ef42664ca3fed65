// Package model defines the core domain types shared across the staking engine.
// All token amounts are 256-bit integers in the token's smallest unit (18
// decimals), never float64.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReserveMode selects where claimed rewards are paid from.
type ReserveMode string

const (
	// ModePool pays rewards out of an owner-funded pool held by the engine.
	ModePool ReserveMode = "pool"
	// ModeExternal pulls rewards from a designated LP account via allowance.
	ModeExternal ReserveMode = "external"
)

// IsValid reports whether m is a known reserve mode.
func (m ReserveMode) IsValid() bool {
	return m == ModePool || m == ModeExternal
}

// StakeRecord is one participant's position. A record whose principal is
// zero is purged from the ledger; reading a purged record yields a zero
// record for the same account.
type StakeRecord struct {
	Account             common.Address
	Principal           *uint256.Int
	StakedAt            uint64 // unix seconds
	LastRewardSettledAt uint64 // unix seconds
}

// NewStakeRecord returns the zero record for addr.
func NewStakeRecord(addr common.Address) *StakeRecord {
	return &StakeRecord{
		Account:   addr,
		Principal: uint256.NewInt(0),
	}
}

// Copy returns a deep copy of r.
func (r *StakeRecord) Copy() *StakeRecord {
	return &StakeRecord{
		Account:             r.Account,
		Principal:           new(uint256.Int).Set(r.Principal),
		StakedAt:            r.StakedAt,
		LastRewardSettledAt: r.LastRewardSettledAt,
	}
}

// IsZero reports whether the record holds no principal.
func (r *StakeRecord) IsZero() bool {
	return r.Principal == nil || r.Principal.IsZero()
}

type stakeRecordJSON struct {
	Account             common.Address `json:"account"`
	Principal           string         `json:"principal"`
	StakedAt            uint64         `json:"staked_at"`
	LastRewardSettledAt uint64         `json:"last_reward_settled_at"`
}

func (r *StakeRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(&stakeRecordJSON{
		Account:             r.Account,
		Principal:           decString(r.Principal),
		StakedAt:            r.StakedAt,
		LastRewardSettledAt: r.LastRewardSettledAt,
	})
}

func (r *StakeRecord) UnmarshalJSON(d []byte) error {
	var tmp stakeRecordJSON
	if err := json.Unmarshal(d, &tmp); err != nil {
		return err
	}
	principal, err := parseDec(tmp.Principal)
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	r.Account = tmp.Account
	r.Principal = principal
	r.StakedAt = tmp.StakedAt
	r.LastRewardSettledAt = tmp.LastRewardSettledAt
	return nil
}

// Globals is the engine-wide state. TotalStaked must always equal the sum
// of every record's principal (except after an emergency withdrawal, which
// deliberately abandons the accounting).
type Globals struct {
	Owner            common.Address
	TotalStaked      *uint256.Int
	RewardPool       *uint256.Int
	APY              uint64 // integer percent, 240 = 240%
	MaxAPY           uint64
	Mode             ReserveMode
	LPRewardAddress  common.Address
	WhitelistEnabled bool
}

// Copy returns a deep copy of g.
func (g *Globals) Copy() *Globals {
	c := *g
	c.TotalStaked = new(uint256.Int).Set(g.TotalStaked)
	c.RewardPool = new(uint256.Int).Set(g.RewardPool)
	return &c
}

type globalsJSON struct {
	Owner            common.Address `json:"owner"`
	TotalStaked      string         `json:"total_staked"`
	RewardPool       string         `json:"reward_pool"`
	APY              uint64         `json:"apy"`
	MaxAPY           uint64         `json:"max_apy"`
	Mode             ReserveMode    `json:"mode"`
	LPRewardAddress  common.Address `json:"lp_reward_address"`
	WhitelistEnabled bool           `json:"whitelist_enabled"`
}

func (g *Globals) MarshalJSON() ([]byte, error) {
	return json.Marshal(&globalsJSON{
		Owner:            g.Owner,
		TotalStaked:      decString(g.TotalStaked),
		RewardPool:       decString(g.RewardPool),
		APY:              g.APY,
		MaxAPY:           g.MaxAPY,
		Mode:             g.Mode,
		LPRewardAddress:  g.LPRewardAddress,
		WhitelistEnabled: g.WhitelistEnabled,
	})
}

func (g *Globals) UnmarshalJSON(d []byte) error {
	var tmp globalsJSON
	if err := json.Unmarshal(d, &tmp); err != nil {
		return err
	}
	total, err := parseDec(tmp.TotalStaked)
	if err != nil {
		return fmt.Errorf("total_staked: %w", err)
	}
	pool, err := parseDec(tmp.RewardPool)
	if err != nil {
		return fmt.Errorf("reward_pool: %w", err)
	}
	*g = Globals{
		Owner:            tmp.Owner,
		TotalStaked:      total,
		RewardPool:       pool,
		APY:              tmp.APY,
		MaxAPY:           tmp.MaxAPY,
		Mode:             tmp.Mode,
		LPRewardAddress:  tmp.LPRewardAddress,
		WhitelistEnabled: tmp.WhitelistEnabled,
	}
	return nil
}

// EventType names a change record emitted by the engine.
type EventType string

const (
	EventStaked                 EventType = "Staked"
	EventUnstaked               EventType = "Unstaked"
	EventRewardClaimed          EventType = "RewardClaimed"
	EventRewardsDeposited       EventType = "RewardsDeposited"
	EventRewardsWithdrawn       EventType = "RewardsWithdrawn"
	EventEmergencyWithdrawn     EventType = "EmergencyWithdrawn"
	EventAPYUpdated             EventType = "APYUpdated"
	EventWhitelistAdded         EventType = "WhitelistAdded"
	EventWhitelistRemoved       EventType = "WhitelistRemoved"
	EventLPRewardAddressUpdated EventType = "LPRewardAddressUpdated"
	EventOwnershipTransferred   EventType = "OwnershipTransferred"
)

// Event is an immutable change record. The engine keeps no history of its
// own; indexers and dashboards rebuild it from these.
type Event struct {
	ID        string
	Seq       uint64
	Type      EventType
	Account   common.Address
	Amount    *uint256.Int // nil for events without an amount
	OldValue  string
	NewValue  string
	Timestamp uint64
}

type eventJSON struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Account   common.Address `json:"account"`
	Amount    string         `json:"amount,omitempty"`
	OldValue  string         `json:"old_value,omitempty"`
	NewValue  string         `json:"new_value,omitempty"`
	Timestamp uint64         `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	tmp := eventJSON{
		ID:        e.ID,
		Seq:       e.Seq,
		Type:      e.Type,
		Account:   e.Account,
		OldValue:  e.OldValue,
		NewValue:  e.NewValue,
		Timestamp: e.Timestamp,
	}
	if e.Amount != nil {
		tmp.Amount = e.Amount.Dec()
	}
	return json.Marshal(&tmp)
}

func (e *Event) UnmarshalJSON(d []byte) error {
	var tmp eventJSON
	if err := json.Unmarshal(d, &tmp); err != nil {
		return err
	}
	*e = Event{
		ID:        tmp.ID,
		Seq:       tmp.Seq,
		Type:      tmp.Type,
		Account:   tmp.Account,
		OldValue:  tmp.OldValue,
		NewValue:  tmp.NewValue,
		Timestamp: tmp.Timestamp,
	}
	if tmp.Amount != "" {
		amt, err := uint256.FromDecimal(tmp.Amount)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		e.Amount = amt
	}
	return nil
}

// Changeset is everything one engine operation writes. Stores apply a
// changeset atomically: either all of it is visible or none of it.
type Changeset struct {
	// Stakes maps touched accounts to their new record. A nil record
	// means the position was closed and must be purged.
	Stakes          map[common.Address]*StakeRecord
	Globals         *Globals
	WhitelistAdd    []common.Address
	WhitelistRemove []common.Address
	Events          []Event
	// Token holds the token ledger entries the operation changed.
	Token *TokenState
}

// Snapshot is the persisted engine state loaded at startup. A nil Globals
// means nothing has been committed yet.
type Snapshot struct {
	Globals   *Globals
	Stakes    map[common.Address]*StakeRecord
	Whitelist []common.Address
	LastSeq   uint64
	Token     *TokenState // nil when no ledger entries were ever stored
}

// Allowance is one owner's approval for a spender.
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// TokenState is a set of token ledger entries. In a Snapshot it is the
// whole ledger; in a Changeset only the entries that moved.
type TokenState struct {
	Balances   map[common.Address]*uint256.Int
	Allowances []Allowance
}

// IsEmpty reports whether ts carries no entries.
func (ts *TokenState) IsEmpty() bool {
	return ts == nil || (len(ts.Balances) == 0 && len(ts.Allowances) == 0)
}

func decString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func parseDec(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	return uint256.FromDecimal(s)
}
