package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// PostgresStore persists agent state in Postgres. The lock lives in
// dedicated columns so the CAS runs as a single conditional UPDATE;
// everything else rides in a jsonb document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("state: connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS agent_state (
	agent_id         text PRIMARY KEY,
	lock_holder      text,
	lock_acquired_at timestamptz,
	runtime          jsonb NOT NULL DEFAULT '{}'::jsonb,
	updated_at       timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS agent_history (
	agent_id text   NOT NULL,
	seq      bigint GENERATED ALWAYS AS IDENTITY,
	entry    jsonb  NOT NULL,
	PRIMARY KEY (agent_id, seq)
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("state: ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) LoadState(ctx context.Context, agentID string) (Runtime, error) {
	var (
		raw        []byte
		holder     *string
		acquiredAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT runtime, lock_holder, lock_acquired_at FROM agent_state WHERE agent_id = $1`,
		agentID).Scan(&raw, &holder, &acquiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Runtime{}, nil
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("state: load %s: %w", agentID, err)
	}

	var rt Runtime
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rt); err != nil {
			return Runtime{}, fmt.Errorf("state: decode %s: %w", agentID, err)
		}
	}
	if holder != nil {
		lock := &LockInfo{Holder: *holder}
		if acquiredAt != nil {
			lock.AcquiredAt = *acquiredAt
		}
		rt.Lock = lock
	} else {
		rt.Lock = nil
	}
	return rt, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, agentID string, fn func(*Runtime)) (Runtime, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Runtime{}, fmt.Errorf("state: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_state (agent_id) VALUES ($1) ON CONFLICT (agent_id) DO NOTHING`,
		agentID); err != nil {
		return Runtime{}, fmt.Errorf("state: ensure row: %w", err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx,
		`SELECT runtime FROM agent_state WHERE agent_id = $1 FOR UPDATE`,
		agentID).Scan(&raw); err != nil {
		return Runtime{}, fmt.Errorf("state: lock row %s: %w", agentID, err)
	}

	var rt Runtime
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rt); err != nil {
			return Runtime{}, fmt.Errorf("state: decode %s: %w", agentID, err)
		}
	}
	fn(&rt)
	rt.UpdatedAt = time.Now().UTC()
	rt.Lock = nil // the lock never travels through the jsonb column

	data, err := json.Marshal(rt)
	if err != nil {
		return Runtime{}, fmt.Errorf("state: encode %s: %w", agentID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agent_state SET runtime = $2, updated_at = now() WHERE agent_id = $1`,
		agentID, data); err != nil {
		return Runtime{}, fmt.Errorf("state: update %s: %w", agentID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Runtime{}, fmt.Errorf("state: commit: %w", err)
	}
	return rt, nil
}

func (s *PostgresStore) CASLock(ctx context.Context, agentID string, expected, next *LockInfo) (bool, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO agent_state (agent_id) VALUES ($1) ON CONFLICT (agent_id) DO NOTHING`,
		agentID); err != nil {
		return false, fmt.Errorf("state: ensure row: %w", err)
	}

	var expectedHolder *string
	if expected != nil {
		expectedHolder = &expected.Holder
	}
	var nextHolder *string
	var nextAcquired *time.Time
	if next != nil {
		nextHolder = &next.Holder
		nextAcquired = &next.AcquiredAt
	}

	// IS NOT DISTINCT FROM makes NULL (unheld) compare like a value,
	// so claim and release share one statement.
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_state
		    SET lock_holder = $2, lock_acquired_at = $3, updated_at = now()
		  WHERE agent_id = $1 AND lock_holder IS NOT DISTINCT FROM $4`,
		agentID, nextHolder, nextAcquired, expectedHolder)
	if err != nil {
		return false, fmt.Errorf("state: cas lock %s: %w", agentID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, agentID string, entries []llm.Message) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("state: encode history entry: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_history (agent_id, entry) VALUES ($1, $2)`,
			agentID, data); err != nil {
			return fmt.Errorf("state: append history %s: %w", agentID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) History(ctx context.Context, agentID string) ([]llm.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM agent_history WHERE agent_id = $1 ORDER BY seq`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("state: history %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("state: scan history: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("state: decode history entry: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearHistory(ctx context.Context, agentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM agent_history WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("state: clear history %s: %w", agentID, err)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM agent_state ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("state: list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
