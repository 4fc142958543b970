package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/conversation/models"
	"github.com/agentflow/agentflow/internal/db"
)

// SQLRepository provides relational conversation storage over the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and its schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		thread_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES conversations(thread_id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_messages_thread ON conversation_messages(thread_id, created_at);`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

func (r *SQLRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	query := r.pool.Writer().Rebind(`
		INSERT INTO conversations (thread_id, owner_user_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		conv.ThreadID, conv.OwnerUserID, conv.Title, conv.Metadata, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetConversation(ctx context.Context, threadID string) (*models.Conversation, error) {
	var conv models.Conversation
	query := r.pool.Reader().Rebind(`SELECT * FROM conversations WHERE thread_id = ?`)
	err := r.pool.Reader().GetContext(ctx, &conv, query, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (r *SQLRepository) UpdateMetadata(ctx context.Context, threadID string, metadata models.JSONMap) error {
	query := r.pool.Writer().Rebind(`UPDATE conversations SET metadata = ?, updated_at = ? WHERE thread_id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, metadata, time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("failed to update conversation metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) TouchConversation(ctx context.Context, threadID string) error {
	query := r.pool.Writer().Rebind(`UPDATE conversations SET updated_at = ? WHERE thread_id = ?`)
	if _, err := r.pool.Writer().ExecContext(ctx, query, time.Now().UTC(), threadID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (r *SQLRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := r.pool.Writer().Rebind(`
		INSERT INTO conversation_messages (id, thread_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.Metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	var msgs []*models.Message
	query := r.pool.Reader().Rebind(`
		SELECT * FROM conversation_messages WHERE thread_id = ? ORDER BY created_at, id`)
	if err := r.pool.Reader().SelectContext(ctx, &msgs, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}
