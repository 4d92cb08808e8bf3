package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps archives in a local SQLite file. Summary and
// metadata live in columns for querying; the transcript rides as a
// JSON blob.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the archive database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("archive: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const query = `
	CREATE TABLE IF NOT EXISTS archives (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		reason        TEXT NOT NULL,
		summary       TEXT,
		messages_json TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_read    INTEGER NOT NULL,
		cache_write   INTEGER NOT NULL,
		cost          REAL NOT NULL,
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archives_agent ON archives(agent_id, ended_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("archive: create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("archive: encode messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO archives
			(id, agent_id, reason, summary, messages_json,
			 input_tokens, output_tokens, cache_read, cache_write,
			 cost, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, string(rec.Reason), rec.Summary, string(messages),
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.Usage.CacheRead, rec.Usage.CacheWrite,
		rec.Cost, rec.StartedAt.Unix(), rec.EndedAt.Unix())
	if err != nil {
		return fmt.Errorf("archive: save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, reason, summary, messages_json,
		       input_tokens, output_tokens, cache_read, cache_write,
		       cost, started_at, ended_at
		  FROM archives
		 WHERE agent_id = ?
		 ORDER BY ended_at DESC, id DESC
		 LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			reason, messages string
			summary          sql.NullString
			started, ended   int64
		)
		err := rows.Scan(&rec.ID, &rec.AgentID, &reason, &summary, &messages,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens,
			&rec.Usage.CacheRead, &rec.Usage.CacheWrite,
			&rec.Cost, &started, &ended)
		if err != nil {
			return nil, fmt.Errorf("archive: scan record: %w", err)
		}
		rec.Reason = Reason(reason)
		rec.Summary = summary.String
		rec.StartedAt = time.Unix(started, 0)
		rec.EndedAt = time.Unix(ended, 0)
		if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
			return nil, fmt.Errorf("archive: decode messages for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
