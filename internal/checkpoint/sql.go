package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/db"
)

// SQLStore persists checkpoints in the shared relational database. One row
// per thread; writes replace the previous checkpoint.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Get returns the stored snapshot for the thread, or nil if none exists.
func (s *SQLStore) Get(ctx context.Context, threadID string) (*Snapshot, error) {
	var raw string
	query := s.pool.Reader().Rebind(`SELECT snapshot FROM checkpoints WHERE thread_id = ?`)
	err := s.pool.Reader().QueryRowxContext(ctx, query, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &snap, nil
}

// Put stores the snapshot, replacing any previous one for the thread.
func (s *SQLStore) Put(ctx context.Context, threadID string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO checkpoints (thread_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`)
	if _, err := writer.ExecContext(ctx, query, threadID, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Delete removes the thread's snapshot. Idempotent.
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM checkpoints WHERE thread_id = ?`)
	if _, err := writer.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
