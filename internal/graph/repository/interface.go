package repository

import (
	"context"
	"errors"
	"time"

	"github.com/agentflow/agentflow/internal/graph/models"
)

// Sentinel errors returned by all implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateEdge = errors.New("duplicate edge")
)

// Repository defines the interface for graph storage operations
type Repository interface {
	// Graph operations
	CreateGraph(ctx context.Context, graph *models.Graph) error
	GetGraph(ctx context.Context, id string) (*models.Graph, error)
	UpdateGraph(ctx context.Context, graph *models.Graph) error
	DeleteGraph(ctx context.Context, id string) error
	ListGraphs(ctx context.Context, ownerUserID string) ([]*models.Graph, error)
	SetDeployment(ctx context.Context, graphID string, isDeployed bool, deployedAt *time.Time) error

	// Node operations
	CreateNode(ctx context.Context, node *models.Node) error
	UpdateNode(ctx context.Context, node *models.Node) error
	ListNodes(ctx context.Context, graphID string) ([]*models.Node, error)
	DeleteNodesByGraph(ctx context.Context, graphID string) error

	// Edge operations
	CreateEdge(ctx context.Context, edge *models.Edge) error
	ListEdges(ctx context.Context, graphID string) ([]*models.Edge, error)
	DeleteEdgesByGraph(ctx context.Context, graphID string) error

	// ReplaceContent atomically swaps all nodes and edges of a graph and
	// restores its variables. Used by deployment revert.
	ReplaceContent(ctx context.Context, graphID string, nodes []*models.Node, edges []*models.Edge, variables models.JSONMap) error

	// Workspace membership
	GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error)
	AddWorkspaceMember(ctx context.Context, member *models.WorkspaceMember) error
}
