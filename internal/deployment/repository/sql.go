package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/db"
	"github.com/agentflow/agentflow/internal/deployment/models"
)

// SQLRepository provides relational deployment version storage.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and its schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize deployment schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployment_versions (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		UNIQUE (graph_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_deployment_versions_graph ON deployment_versions(graph_id, version);`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

func (r *SQLRepository) CreateVersion(ctx context.Context, v *models.DeploymentVersion) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	if err := tx.QueryRowxContext(ctx,
		tx.Rebind(`SELECT MAX(version) FROM deployment_versions WHERE graph_id = ?`), v.GraphID).Scan(&max); err != nil {
		return fmt.Errorf("failed to read max version: %w", err)
	}
	v.Version = int(max.Int64) + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	if v.IsActive {
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE deployment_versions SET is_active = ? WHERE graph_id = ?`), false, v.GraphID); err != nil {
			return fmt.Errorf("failed to deactivate versions: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO deployment_versions (id, graph_id, version, name, is_active, state, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.GraphID, v.Version, v.Name, v.IsActive, v.State, v.CreatedAt, v.CreatedBy); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	return tx.Commit()
}

func (r *SQLRepository) GetActive(ctx context.Context, graphID string) (*models.DeploymentVersion, error) {
	var v models.DeploymentVersion
	query := r.pool.Reader().Rebind(`SELECT * FROM deployment_versions WHERE graph_id = ? AND is_active = ?`)
	err := r.pool.Reader().GetContext(ctx, &v, query, graphID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return &v, nil
}

func (r *SQLRepository) GetByVersion(ctx context.Context, graphID string, version int) (*models.DeploymentVersion, error) {
	var v models.DeploymentVersion
	query := r.pool.Reader().Rebind(`SELECT * FROM deployment_versions WHERE graph_id = ? AND version = ?`)
	err := r.pool.Reader().GetContext(ctx, &v, query, graphID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &v, nil
}

func (r *SQLRepository) List(ctx context.Context, graphID string, page, size int) ([]*models.DeploymentVersion, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var total int
	countQuery := r.pool.Reader().Rebind(`SELECT COUNT(*) FROM deployment_versions WHERE graph_id = ?`)
	if err := r.pool.Reader().QueryRowxContext(ctx, countQuery, graphID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count versions: %w", err)
	}

	var versions []*models.DeploymentVersion
	query := r.pool.Reader().Rebind(`
		SELECT * FROM deployment_versions WHERE graph_id = ?
		ORDER BY version DESC LIMIT ? OFFSET ?`)
	if err := r.pool.Reader().SelectContext(ctx, &versions, query, graphID, size, (page-1)*size); err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, total, nil
}

func (r *SQLRepository) Rename(ctx context.Context, graphID string, version int, name string) error {
	query := r.pool.Writer().Rebind(`UPDATE deployment_versions SET name = ? WHERE graph_id = ? AND version = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, name, graphID, version)
	if err != nil {
		return fmt.Errorf("failed to rename version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Activate(ctx context.Context, graphID string, version int) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE deployment_versions SET is_active = ? WHERE graph_id = ?`), false, graphID); err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE deployment_versions SET is_active = ? WHERE graph_id = ? AND version = ?`), true, graphID, version)
	if err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (r *SQLRepository) Delete(ctx context.Context, graphID string, version int) error {
	v, err := r.GetByVersion(ctx, graphID, version)
	if err != nil {
		return err
	}
	if v.IsActive {
		return ErrVersionActive
	}

	query := r.pool.Writer().Rebind(`DELETE FROM deployment_versions WHERE graph_id = ? AND version = ? AND is_active = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, graphID, version, false)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
