// Package store defines the persistence interface for the staking engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for event history), and in-memory (for testing and single-node
// runs).
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/staking-engine/internal/model"
)

// DefaultEventLimit caps event listings when the caller sets no limit.
const DefaultEventLimit = 100

// EventFilter narrows ListEvents.
type EventFilter struct {
	Account *common.Address // nil = all accounts
	Limit   int             // <= 0 → DefaultEventLimit
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Load returns the committed engine state. Snapshot.Globals is nil when
	// nothing has been committed yet.
	Load(ctx context.Context) (*model.Snapshot, error)

	// Commit applies every write of one engine operation atomically.
	Commit(ctx context.Context, cs *model.Changeset) error

	// ListEvents returns change records, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)
}

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultEventLimit
	}
	return f.Limit
}
