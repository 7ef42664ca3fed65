package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/staking-engine/internal/model"
)

// eventsGenKey holds the cache generation. Every commit that writes events
// bumps it, and list keys embed it, so a list filled before the bump is
// never served again and simply expires.
const eventsGenKey = "events:gen"

// defaultCacheTTL bounds how long an orphaned generation's keys linger when
// no TTL is configured.
const defaultCacheTTL = 30 * time.Second

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for event history, which dashboards poll. Commits go to the primary
// store and advance the cache generation; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Passthrough (not cached) ---

// Load runs once at startup and always reads the primary.
func (s *CachedStore) Load(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.Load(ctx)
}

// --- Write-through (write to primary, advance generation) ---

func (s *CachedStore) Commit(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	if len(cs.Events) == 0 {
		return nil
	}
	// The primary commit already succeeded; a failed bump only leaves the
	// old lists visible until they expire.
	s.rdb.Incr(ctx, eventsGenKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	// The generation is read before the primary so a fill that races a
	// commit lands under the generation the commit retires.
	gen, err := s.generation(ctx)
	if err != nil {
		return s.primary.ListEvents(ctx, f)
	}
	key := eventsKey(gen, f.Account, f.limit())

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	// Cache miss.
	events, err := s.primary.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return events, nil
}

// --- Cache helpers ---

// generation returns 0 before the first commit.
func (s *CachedStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Get(ctx, eventsGenKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func eventsKey(gen int64, account *common.Address, limit int) string {
	return fmt.Sprintf("events:%d:%s:%d", gen, scope(account), limit)
}

func scope(account *common.Address) string {
	if account == nil {
		return "all"
	}
	return account.Hex()
}
