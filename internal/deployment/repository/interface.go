package repository

import (
	"context"
	"errors"

	"github.com/agentflow/agentflow/internal/deployment/models"
)

// Sentinel errors returned by all implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrVersionActive = errors.New("version is active")
)

// Repository defines the interface for deployment version storage operations
type Repository interface {
	// CreateVersion assigns the next dense version number for the graph and
	// inserts the row. When v.IsActive is set, all other versions of the
	// graph are deactivated in the same transaction.
	CreateVersion(ctx context.Context, v *models.DeploymentVersion) error

	GetActive(ctx context.Context, graphID string) (*models.DeploymentVersion, error)
	GetByVersion(ctx context.Context, graphID string, version int) (*models.DeploymentVersion, error)

	// List returns versions ordered by version desc, plus the total count.
	List(ctx context.Context, graphID string, page, size int) ([]*models.DeploymentVersion, int, error)

	Rename(ctx context.Context, graphID string, version int, name string) error

	// Activate deactivates all other versions and marks the chosen one active.
	Activate(ctx context.Context, graphID string, version int) error

	// Delete removes a version. Fails with ErrVersionActive for the active one.
	Delete(ctx context.Context, graphID string, version int) error
}
