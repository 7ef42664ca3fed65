package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/staking-engine/internal/model"
)

// schema creates the staking tables. Amounts are NUMERIC(78,0), wide enough
// for any 256-bit value; addresses are checksummed hex.
const schema = `
CREATE TABLE IF NOT EXISTS staking_globals (
	id                INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	owner             TEXT NOT NULL,
	total_staked      NUMERIC(78,0) NOT NULL,
	reward_pool       NUMERIC(78,0) NOT NULL,
	apy               BIGINT NOT NULL,
	max_apy           BIGINT NOT NULL,
	mode              TEXT NOT NULL,
	lp_reward_address TEXT NOT NULL,
	whitelist_enabled BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS stakes (
	account                TEXT PRIMARY KEY,
	principal              NUMERIC(78,0) NOT NULL CHECK (principal > 0),
	staked_at              BIGINT NOT NULL,
	last_reward_settled_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS whitelist (
	account TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS staking_events (
	seq       BIGINT PRIMARY KEY,
	id        UUID NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	account   TEXT NOT NULL,
	amount    NUMERIC(78,0),
	old_value TEXT NOT NULL DEFAULT '',
	new_value TEXT NOT NULL DEFAULT '',
	timestamp BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS staking_events_account_idx ON staking_events (account, seq DESC);

CREATE TABLE IF NOT EXISTS token_balances (
	account TEXT PRIMARY KEY,
	balance NUMERIC(78,0) NOT NULL CHECK (balance > 0)
);

CREATE TABLE IF NOT EXISTS token_allowances (
	owner   TEXT NOT NULL,
	spender TEXT NOT NULL,
	amount  NUMERIC(78,0) NOT NULL CHECK (amount > 0),
	PRIMARY KEY (owner, spender)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every changeset is written in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{Stakes: make(map[common.Address]*model.StakeRecord)}

	g, err := s.loadGlobals(ctx)
	if err != nil {
		return nil, err
	}
	snap.Globals = g

	rows, err := s.pool.Query(ctx,
		`SELECT account, principal::TEXT, staked_at, last_reward_settled_at FROM stakes`)
	if err != nil {
		return nil, fmt.Errorf("load stakes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var account, principal string
		rec := &model.StakeRecord{}
		if err := rows.Scan(&account, &principal, &rec.StakedAt, &rec.LastRewardSettledAt); err != nil {
			return nil, err
		}
		rec.Account = common.HexToAddress(account)
		if rec.Principal, err = uint256.FromDecimal(principal); err != nil {
			return nil, fmt.Errorf("stake %s principal: %w", account, err)
		}
		snap.Stakes[rec.Account] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wl, err := s.pool.Query(ctx, `SELECT account FROM whitelist`)
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	defer wl.Close()
	for wl.Next() {
		var account string
		if err := wl.Scan(&account); err != nil {
			return nil, err
		}
		snap.Whitelist = append(snap.Whitelist, common.HexToAddress(account))
	}
	if err := wl.Err(); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM staking_events`).Scan(&snap.LastSeq); err != nil {
		return nil, fmt.Errorf("load last seq: %w", err)
	}

	if snap.Token, err = s.loadToken(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadToken returns nil when no ledger entries are stored.
func (s *PostgresStore) loadToken(ctx context.Context) (*model.TokenState, error) {
	ts := &model.TokenState{Balances: make(map[common.Address]*uint256.Int)}

	rows, err := s.pool.Query(ctx, `SELECT account, balance::TEXT FROM token_balances`)
	if err != nil {
		return nil, fmt.Errorf("load token balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var account, balance string
		if err := rows.Scan(&account, &balance); err != nil {
			return nil, err
		}
		bal, err := uint256.FromDecimal(balance)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", account, err)
		}
		ts.Balances[common.HexToAddress(account)] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	al, err := s.pool.Query(ctx, `SELECT owner, spender, amount::TEXT FROM token_allowances`)
	if err != nil {
		return nil, fmt.Errorf("load token allowances: %w", err)
	}
	defer al.Close()
	for al.Next() {
		var owner, spender, amount string
		if err := al.Scan(&owner, &spender, &amount); err != nil {
			return nil, err
		}
		amt, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("allowance %s -> %s: %w", owner, spender, err)
		}
		ts.Allowances = append(ts.Allowances, model.Allowance{
			Owner:   common.HexToAddress(owner),
			Spender: common.HexToAddress(spender),
			Amount:  amt,
		})
	}
	if err := al.Err(); err != nil {
		return nil, err
	}

	if ts.IsEmpty() {
		return nil, nil
	}
	return ts, nil
}

func (s *PostgresStore) loadGlobals(ctx context.Context) (*model.Globals, error) {
	var g model.Globals
	var owner, total, pool, mode, lp string

	err := s.pool.QueryRow(ctx,
		`SELECT owner, total_staked::TEXT, reward_pool::TEXT, apy, max_apy,
		        mode, lp_reward_address, whitelist_enabled
		 FROM staking_globals WHERE id = 1`).
		Scan(&owner, &total, &pool, &g.APY, &g.MaxAPY, &mode, &lp, &g.WhitelistEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load globals: %w", err)
	}

	g.Owner = common.HexToAddress(owner)
	g.LPRewardAddress = common.HexToAddress(lp)
	g.Mode = model.ReserveMode(mode)
	if g.TotalStaked, err = uint256.FromDecimal(total); err != nil {
		return nil, fmt.Errorf("total_staked: %w", err)
	}
	if g.RewardPool, err = uint256.FromDecimal(pool); err != nil {
		return nil, fmt.Errorf("reward_pool: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) Commit(ctx context.Context, cs *model.Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if g := cs.Globals; g != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO staking_globals
				   (id, owner, total_staked, reward_pool, apy, max_apy, mode, lp_reward_address, whitelist_enabled)
				 VALUES (1, $1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO UPDATE SET
				   owner = EXCLUDED.owner,
				   total_staked = EXCLUDED.total_staked,
				   reward_pool = EXCLUDED.reward_pool,
				   apy = EXCLUDED.apy,
				   max_apy = EXCLUDED.max_apy,
				   mode = EXCLUDED.mode,
				   lp_reward_address = EXCLUDED.lp_reward_address,
				   whitelist_enabled = EXCLUDED.whitelist_enabled`,
				g.Owner.Hex(), g.TotalStaked.Dec(), g.RewardPool.Dec(),
				g.APY, g.MaxAPY, string(g.Mode), g.LPRewardAddress.Hex(), g.WhitelistEnabled,
			); err != nil {
				return fmt.Errorf("upsert globals: %w", err)
			}
		}

		for addr, rec := range cs.Stakes {
			if rec == nil || rec.IsZero() {
				if _, err := tx.Exec(ctx, `DELETE FROM stakes WHERE account = $1`, addr.Hex()); err != nil {
					return fmt.Errorf("purge stake %s: %w", addr.Hex(), err)
				}
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO stakes (account, principal, staked_at, last_reward_settled_at)
				 VALUES ($1, $2::NUMERIC, $3, $4)
				 ON CONFLICT (account) DO UPDATE SET
				   principal = EXCLUDED.principal,
				   staked_at = EXCLUDED.staked_at,
				   last_reward_settled_at = EXCLUDED.last_reward_settled_at`,
				addr.Hex(), rec.Principal.Dec(), rec.StakedAt, rec.LastRewardSettledAt,
			); err != nil {
				return fmt.Errorf("upsert stake %s: %w", addr.Hex(), err)
			}
		}

		for _, addr := range cs.WhitelistAdd {
			if _, err := tx.Exec(ctx,
				`INSERT INTO whitelist (account) VALUES ($1) ON CONFLICT DO NOTHING`, addr.Hex()); err != nil {
				return fmt.Errorf("whitelist add %s: %w", addr.Hex(), err)
			}
		}
		for _, addr := range cs.WhitelistRemove {
			if _, err := tx.Exec(ctx, `DELETE FROM whitelist WHERE account = $1`, addr.Hex()); err != nil {
				return fmt.Errorf("whitelist remove %s: %w", addr.Hex(), err)
			}
		}

		for _, e := range cs.Events {
			var amount *string
			if e.Amount != nil {
				dec := e.Amount.Dec()
				amount = &dec
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO staking_events (seq, id, type, account, amount, old_value, new_value, timestamp)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
				e.Seq, e.ID, string(e.Type), e.Account.Hex(), amount, e.OldValue, e.NewValue, e.Timestamp,
			); err != nil {
				return fmt.Errorf("insert event %d: %w", e.Seq, err)
			}
		}

		if cs.Token != nil {
			if err := commitToken(ctx, tx, cs.Token); err != nil {
				return err
			}
		}
		return nil
	})
}

func commitToken(ctx context.Context, tx pgx.Tx, ts *model.TokenState) error {
	for addr, bal := range ts.Balances {
		if bal == nil || bal.IsZero() {
			if _, err := tx.Exec(ctx, `DELETE FROM token_balances WHERE account = $1`, addr.Hex()); err != nil {
				return fmt.Errorf("purge balance %s: %w", addr.Hex(), err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_balances (account, balance) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance`,
			addr.Hex(), bal.Dec(),
		); err != nil {
			return fmt.Errorf("upsert balance %s: %w", addr.Hex(), err)
		}
	}

	for _, a := range ts.Allowances {
		if a.Amount == nil || a.Amount.IsZero() {
			if _, err := tx.Exec(ctx,
				`DELETE FROM token_allowances WHERE owner = $1 AND spender = $2`,
				a.Owner.Hex(), a.Spender.Hex()); err != nil {
				return fmt.Errorf("purge allowance %s: %w", a.Owner.Hex(), err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_allowances (owner, spender, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
			a.Owner.Hex(), a.Spender.Hex(), a.Amount.Dec(),
		); err != nil {
			return fmt.Errorf("upsert allowance %s: %w", a.Owner.Hex(), err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if f.Account != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT seq, id::TEXT, type, account, amount::TEXT, old_value, new_value, timestamp
			 FROM staking_events WHERE account = $1 ORDER BY seq DESC LIMIT $2`,
			f.Account.Hex(), f.limit())
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT seq, id::TEXT, type, account, amount::TEXT, old_value, new_value, timestamp
			 FROM staking_events ORDER BY seq DESC LIMIT $1`, f.limit())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ, account string
		var amount *string

		if err := rows.Scan(&e.Seq, &e.ID, &typ, &account, &amount,
			&e.OldValue, &e.NewValue, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Type = model.EventType(typ)
		e.Account = common.HexToAddress(account)
		if amount != nil {
			amt, err := uint256.FromDecimal(*amount)
			if err != nil {
				return nil, fmt.Errorf("event %d amount: %w", e.Seq, err)
			}
			e.Amount = amt
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
