package store

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/staking-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// local development without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	globals   *model.Globals
	stakes    map[common.Address]*model.StakeRecord
	whitelist map[common.Address]struct{}
	events    []model.Event // append-only, oldest first

	balances   map[common.Address]*uint256.Int
	allowances map[[2]common.Address]*uint256.Int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stakes:    make(map[common.Address]*model.StakeRecord),
		whitelist: make(map[common.Address]struct{}),

		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[[2]common.Address]*uint256.Int),
	}
}

func (s *MemoryStore) Load(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{
		Stakes: make(map[common.Address]*model.StakeRecord, len(s.stakes)),
	}
	if s.globals != nil {
		snap.Globals = s.globals.Copy()
	}
	for addr, rec := range s.stakes {
		snap.Stakes[addr] = rec.Copy()
	}
	for addr := range s.whitelist {
		snap.Whitelist = append(snap.Whitelist, addr)
	}
	if n := len(s.events); n > 0 {
		snap.LastSeq = s.events[n-1].Seq
	}
	if len(s.balances) > 0 || len(s.allowances) > 0 {
		ts := &model.TokenState{Balances: make(map[common.Address]*uint256.Int, len(s.balances))}
		for addr, bal := range s.balances {
			ts.Balances[addr] = new(uint256.Int).Set(bal)
		}
		for key, amt := range s.allowances {
			ts.Allowances = append(ts.Allowances, model.Allowance{Owner: key[0], Spender: key[1], Amount: new(uint256.Int).Set(amt)})
		}
		snap.Token = ts
	}
	return snap, nil
}

func (s *MemoryStore) Commit(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Globals != nil {
		s.globals = cs.Globals.Copy()
	}
	for addr, rec := range cs.Stakes {
		if rec == nil || rec.IsZero() {
			delete(s.stakes, addr)
			continue
		}
		s.stakes[addr] = rec.Copy()
	}
	for _, addr := range cs.WhitelistAdd {
		s.whitelist[addr] = struct{}{}
	}
	for _, addr := range cs.WhitelistRemove {
		delete(s.whitelist, addr)
	}
	s.events = append(s.events, cs.Events...)

	if ts := cs.Token; ts != nil {
		for addr, bal := range ts.Balances {
			if bal == nil || bal.IsZero() {
				delete(s.balances, addr)
				continue
			}
			s.balances[addr] = new(uint256.Int).Set(bal)
		}
		for _, a := range ts.Allowances {
			key := [2]common.Address{a.Owner, a.Spender}
			if a.Amount == nil || a.Amount.IsZero() {
				delete(s.allowances, key)
				continue
			}
			s.allowances[key] = new(uint256.Int).Set(a.Amount)
		}
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	var result []model.Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		if f.Account != nil && e.Account != *f.Account {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}
