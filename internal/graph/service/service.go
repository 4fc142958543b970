package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/graph/models"
	"github.com/agentflow/agentflow/internal/graph/repository"
)

// Service provides graph CRUD with access checks. Execution-time assembly
// lives in Resolver.
type Service struct {
	repo   repository.Repository
	logger *logger.Logger
}

// NewService creates a graph service.
func NewService(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "graph-service")),
	}
}

// CreateGraph stores a new graph owned by the caller.
func (s *Service) CreateGraph(ctx context.Context, userID string, graph *models.Graph) (*models.Graph, error) {
	if graph.Name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if graph.ID == "" {
		graph.ID = uuid.New().String()
	}
	graph.OwnerUserID = userID
	if graph.Variables == nil {
		graph.Variables = models.JSONMap{}
	}
	if err := s.repo.CreateGraph(ctx, graph); err != nil {
		return nil, apperrors.InternalError("failed to create graph", err)
	}
	return graph, nil
}

// GetGraph returns a graph the caller can read.
func (s *Service) GetGraph(ctx context.Context, userID, graphID string) (*models.Graph, error) {
	return s.requireAccess(ctx, graphID, userID, models.RoleViewer)
}

// ListGraphs returns the caller's graphs.
func (s *Service) ListGraphs(ctx context.Context, userID string) ([]*models.Graph, error) {
	graphs, err := s.repo.ListGraphs(ctx, userID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list graphs", err)
	}
	return graphs, nil
}

// UpdateGraph updates name, description, color, folder and variables.
func (s *Service) UpdateGraph(ctx context.Context, userID string, graph *models.Graph) error {
	if _, err := s.requireAccess(ctx, graph.ID, userID, models.RoleEditor); err != nil {
		return err
	}
	if err := s.repo.UpdateGraph(ctx, graph); err != nil {
		return apperrors.InternalError("failed to update graph", err)
	}
	return nil
}

// LiveState returns the graph's current editable state: nodes, edges and
// variables as stored, not a deployment snapshot.
func (s *Service) LiveState(ctx context.Context, userID, graphID string) (map[string]interface{}, error) {
	graph, err := s.requireAccess(ctx, graphID, userID, models.RoleViewer)
	if err != nil {
		return nil, err
	}
	nodes, err := s.repo.ListNodes(ctx, graphID)
	if err != nil {
		return nil, apperrors.InternalError("failed to load nodes", err)
	}
	edges, err := s.repo.ListEdges(ctx, graphID)
	if err != nil {
		return nil, apperrors.InternalError("failed to load edges", err)
	}
	return map[string]interface{}{
		"nodes":     nodes,
		"edges":     edges,
		"variables": graph.Variables,
	}, nil
}

// CreateNode adds a node to a graph the caller can edit.
func (s *Service) CreateNode(ctx context.Context, userID string, node *models.Node) (*models.Node, error) {
	if _, err := s.requireAccess(ctx, node.GraphID, userID, models.RoleEditor); err != nil {
		return nil, err
	}
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if err := s.repo.CreateNode(ctx, node); err != nil {
		return nil, apperrors.InternalError("failed to create node", err)
	}
	return node, nil
}

// UpdateNode updates a node of a graph the caller can edit.
func (s *Service) UpdateNode(ctx context.Context, userID string, node *models.Node) error {
	if _, err := s.requireAccess(ctx, node.GraphID, userID, models.RoleEditor); err != nil {
		return err
	}
	err := s.repo.UpdateNode(ctx, node)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("node", node.ID)
	}
	if err != nil {
		return apperrors.InternalError("failed to update node", err)
	}
	return nil
}

// CreateEdge adds an edge. Duplicate (source, target) pairs are rejected.
func (s *Service) CreateEdge(ctx context.Context, userID string, edge *models.Edge) (*models.Edge, error) {
	if _, err := s.requireAccess(ctx, edge.GraphID, userID, models.RoleEditor); err != nil {
		return nil, err
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	err := s.repo.CreateEdge(ctx, edge)
	if errors.Is(err, repository.ErrDuplicateEdge) {
		return nil, apperrors.Conflict("an edge between these nodes already exists")
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to create edge", err)
	}
	return edge, nil
}

func (s *Service) requireAccess(ctx context.Context, graphID, userID, minRole string) (*models.Graph, error) {
	graph, err := s.repo.GetGraph(ctx, graphID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("graph", graphID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load graph", err)
	}
	if graph.OwnerUserID == userID {
		return graph, nil
	}
	if graph.WorkspaceID != nil {
		role, roleErr := s.repo.GetWorkspaceRole(ctx, *graph.WorkspaceID, userID)
		if roleErr != nil {
			return nil, apperrors.InternalError("failed to check workspace role", roleErr)
		}
		if models.RoleAtLeast(role, minRole) {
			return graph, nil
		}
	}
	return nil, apperrors.Forbidden("no access to this graph")
}
