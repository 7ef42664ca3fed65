// Package access implements the engine's single-owner authorization and
// the staking allowlist.
//
// The allowlist gates entry only: it is consulted before a new stake and
// never before an unstake or claim, so removing an address cannot trap an
// existing position.
package access

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnauthorized is returned when a non-owner calls an owner-only
	// operation.
	ErrUnauthorized = errors.New("access: caller is not the owner")

	// ErrInvalidAddress is returned for the zero address.
	ErrInvalidAddress = errors.New("access: invalid address")

	// ErrAlreadyWhitelisted is returned when adding a present address.
	ErrAlreadyWhitelisted = errors.New("access: address already whitelisted")

	// ErrNotInWhitelist is returned when removing an absent address.
	ErrNotInWhitelist = errors.New("access: address not whitelisted")

	// ErrNotWhitelisted is returned when a non-allowlisted address tries
	// to open or grow a position.
	ErrNotWhitelisted = errors.New("access: address is not whitelisted")
)

// CheckOwner returns ErrUnauthorized unless caller is owner.
func CheckOwner(owner, caller common.Address) error {
	if owner == (common.Address{}) || caller != owner {
		return ErrUnauthorized
	}
	return nil
}

// Whitelist is a set of addresses permitted to stake. It is not safe for
// concurrent use; the engine serializes access.
type Whitelist struct {
	members map[common.Address]struct{}
}

// NewWhitelist creates a whitelist holding the non-zero addrs.
func NewWhitelist(addrs ...common.Address) *Whitelist {
	w := &Whitelist{members: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		if a != (common.Address{}) {
			w.members[a] = struct{}{}
		}
	}
	return w
}

// Contains reports whether addr is a member.
func (w *Whitelist) Contains(addr common.Address) bool {
	_, ok := w.members[addr]
	return ok
}

// Len returns the number of members.
func (w *Whitelist) Len() int {
	return len(w.members)
}

// Add inserts addr, failing on the zero address or a duplicate.
func (w *Whitelist) Add(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	if w.Contains(addr) {
		return ErrAlreadyWhitelisted
	}
	w.members[addr] = struct{}{}
	return nil
}

// Remove deletes addr, failing if it is absent.
func (w *Whitelist) Remove(addr common.Address) error {
	if !w.Contains(addr) {
		return ErrNotInWhitelist
	}
	delete(w.members, addr)
	return nil
}

// BatchAdd adds every valid entry of addrs and returns those actually
// added, in input order. Zero, duplicate and already-present entries are
// skipped; the batch itself never fails.
func (w *Whitelist) BatchAdd(addrs []common.Address) []common.Address {
	var added []common.Address
	for _, a := range addrs {
		if err := w.Add(a); err == nil {
			added = append(added, a)
		}
	}
	return added
}

// BatchRemove removes every present entry of addrs and returns those
// actually removed, in input order.
func (w *Whitelist) BatchRemove(addrs []common.Address) []common.Address {
	var removed []common.Address
	for _, a := range addrs {
		if err := w.Remove(a); err == nil {
			removed = append(removed, a)
		}
	}
	return removed
}

// Members returns the addresses in the set, in no particular order.
func (w *Whitelist) Members() []common.Address {
	out := make([]common.Address, 0, len(w.members))
	for a := range w.members {
		out = append(out, a)
	}
	return out
}

// Copy returns an independent copy of w.
func (w *Whitelist) Copy() *Whitelist {
	c := &Whitelist{members: make(map[common.Address]struct{}, len(w.members))}
	for a := range w.members {
		c.members[a] = struct{}{}
	}
	return c
}
