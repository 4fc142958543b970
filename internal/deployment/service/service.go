// Package service implements deployment versioning: snapshotting a graph's
// live state, change detection via content hashing, activation and revert.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/deployment/models"
	"github.com/agentflow/agentflow/internal/deployment/repository"
	"github.com/agentflow/agentflow/internal/deployment/snapshot"
	"github.com/agentflow/agentflow/internal/events"
	"github.com/agentflow/agentflow/internal/events/bus"
	graphmodels "github.com/agentflow/agentflow/internal/graph/models"
	graphrepo "github.com/agentflow/agentflow/internal/graph/repository"
)

// Service manages deployment versions for graphs.
type Service struct {
	repo   repository.Repository
	graphs graphrepo.Repository
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates a deployment service.
func NewService(repo repository.Repository, graphs graphrepo.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		graphs: graphs,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "deployment-service")),
	}
}

// DeployResult reports the outcome of a deploy call.
type DeployResult struct {
	Version           *models.DeploymentVersion `json:"version"`
	Created           bool                      `json:"created"`
	NeedsRedeployment bool                      `json:"needs_redeployment"`
}

// Deploy snapshots the graph's live state. When the active version already
// matches the current content hash and the graph is deployed, this is a no-op
// returning the existing version.
func (s *Service) Deploy(ctx context.Context, userID, graphID, name string) (*DeployResult, error) {
	graph, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleEditor)
	if err != nil {
		return nil, err
	}

	snap, hash, err := s.currentSnapshot(ctx, graph)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.GetActive(ctx, graphID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.InternalError("failed to load active version", err)
	}
	if active != nil && graph.IsDeployed {
		activeHash, hashErr := snapshot.Hash(active.State)
		if hashErr == nil && activeHash == hash {
			active.State = nil
			return &DeployResult{Version: active, Created: false, NeedsRedeployment: false}, nil
		}
	}

	now := time.Now().UTC()
	version := &models.DeploymentVersion{
		ID:        uuid.New().String(),
		GraphID:   graphID,
		Name:      name,
		IsActive:  true,
		State:     graphmodels.JSONMap(snap),
		CreatedAt: now,
		CreatedBy: userID,
	}
	if err := s.repo.CreateVersion(ctx, version); err != nil {
		return nil, apperrors.InternalError("failed to create version", err)
	}
	if err := s.graphs.SetDeployment(ctx, graphID, true, &now); err != nil {
		return nil, apperrors.InternalError("failed to mark graph deployed", err)
	}

	s.publish(ctx, events.GraphDeployed, graphID, map[string]interface{}{"version": version.Version})
	s.logger.Info("graph deployed",
		zap.String("graph_id", graphID), zap.Int("version", version.Version))

	version.State = nil
	return &DeployResult{Version: version, Created: true, NeedsRedeployment: false}, nil
}

// Undeploy clears the deployed flag. Versions are kept.
func (s *Service) Undeploy(ctx context.Context, userID, graphID string) error {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleEditor); err != nil {
		return err
	}
	if err := s.graphs.SetDeployment(ctx, graphID, false, nil); err != nil {
		return apperrors.InternalError("failed to undeploy graph", err)
	}
	s.publish(ctx, events.GraphUndeployed, graphID, nil)
	return nil
}

// Status reports the graph's deployment state, including whether the live
// content diverges from the active version.
func (s *Service) Status(ctx context.Context, userID, graphID string) (*models.Status, error) {
	graph, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleViewer)
	if err != nil {
		return nil, err
	}

	status := &models.Status{
		IsDeployed: graph.IsDeployed,
		DeployedAt: graph.DeployedAt,
	}

	active, err := s.repo.GetActive(ctx, graphID)
	if errors.Is(err, repository.ErrNotFound) {
		status.NeedsRedeployment = true
		return status, nil
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load active version", err)
	}

	_, liveHash, err := s.currentSnapshot(ctx, graph)
	if err != nil {
		return nil, err
	}
	activeHash, err := snapshot.Hash(active.State)
	if err != nil {
		return nil, apperrors.InternalError("failed to hash active version", err)
	}

	active.State = nil
	status.ActiveVersion = active
	status.NeedsRedeployment = liveHash != activeHash
	return status, nil
}

// ListVersions returns metadata for the graph's versions, newest first.
func (s *Service) ListVersions(ctx context.Context, userID, graphID string, page, size int) ([]*models.DeploymentVersion, int, error) {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleViewer); err != nil {
		return nil, 0, err
	}
	versions, total, err := s.repo.List(ctx, graphID, page, size)
	if err != nil {
		return nil, 0, apperrors.InternalError("failed to list versions", err)
	}
	for _, v := range versions {
		v.State = nil
	}
	return versions, total, nil
}

// GetVersion returns one version's metadata.
func (s *Service) GetVersion(ctx context.Context, userID, graphID string, version int) (*models.DeploymentVersion, error) {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleViewer); err != nil {
		return nil, err
	}
	v, err := s.getVersion(ctx, graphID, version)
	if err != nil {
		return nil, err
	}
	v.State = nil
	return v, nil
}

// GetVersionState returns a version's full state in the editor preview shape.
func (s *Service) GetVersionState(ctx context.Context, userID, graphID string, version int) (map[string]interface{}, error) {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleViewer); err != nil {
		return nil, err
	}
	v, err := s.getVersion(ctx, graphID, version)
	if err != nil {
		return nil, err
	}
	return snapshot.Frontend(v.State), nil
}

// RenameVersion updates the version's name only.
func (s *Service) RenameVersion(ctx context.Context, userID, graphID string, version int, name string) error {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleViewer); err != nil {
		return err
	}
	err := s.repo.Rename(ctx, graphID, version, name)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFoundMsg("version not found")
	}
	if err != nil {
		return apperrors.InternalError("failed to rename version", err)
	}
	return nil
}

// ActivateVersion makes the chosen version active without touching the
// graph's live nodes and edges.
func (s *Service) ActivateVersion(ctx context.Context, userID, graphID string, version int) error {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleEditor); err != nil {
		return err
	}
	err := s.repo.Activate(ctx, graphID, version)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFoundMsg("version not found")
	}
	if err != nil {
		return apperrors.InternalError("failed to activate version", err)
	}

	now := time.Now().UTC()
	if err := s.graphs.SetDeployment(ctx, graphID, true, &now); err != nil {
		return apperrors.InternalError("failed to mark graph deployed", err)
	}
	s.publish(ctx, events.GraphDeployed, graphID, map[string]interface{}{"version": version})
	return nil
}

// RevertToVersion destructively replaces the graph's live nodes, edges and
// variables with the version's snapshot, preserving original ids, and
// activates the version.
func (s *Service) RevertToVersion(ctx context.Context, userID, graphID string, version int) error {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleEditor); err != nil {
		return err
	}
	v, err := s.getVersion(ctx, graphID, version)
	if err != nil {
		return err
	}

	state := map[string]interface{}(v.State)
	nodes := snapshot.Nodes(state, graphID)
	edges := snapshot.Edges(state, graphID)
	variables := snapshot.Variables(state)

	if err := s.graphs.ReplaceContent(ctx, graphID, nodes, edges, variables); err != nil {
		return apperrors.InternalError("failed to restore graph content", err)
	}
	if err := s.repo.Activate(ctx, graphID, version); err != nil {
		return apperrors.InternalError("failed to activate version", err)
	}
	now := time.Now().UTC()
	if err := s.graphs.SetDeployment(ctx, graphID, true, &now); err != nil {
		return apperrors.InternalError("failed to mark graph deployed", err)
	}

	s.publish(ctx, events.GraphReverted, graphID, map[string]interface{}{"version": version})
	s.logger.Info("graph reverted",
		zap.String("graph_id", graphID), zap.Int("version", version))
	return nil
}

// DeleteVersion removes a version. The active version cannot be deleted.
func (s *Service) DeleteVersion(ctx context.Context, userID, graphID string, version int) error {
	if _, err := s.requireAccess(ctx, graphID, userID, graphmodels.RoleEditor); err != nil {
		return err
	}
	err := s.repo.Delete(ctx, graphID, version)
	if errors.Is(err, repository.ErrVersionActive) {
		return apperrors.Forbidden("cannot delete the active version")
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFoundMsg("version not found")
	}
	if err != nil {
		return apperrors.InternalError("failed to delete version", err)
	}
	return nil
}

func (s *Service) getVersion(ctx context.Context, graphID string, version int) (*models.DeploymentVersion, error) {
	v, err := s.repo.GetByVersion(ctx, graphID, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFoundMsg("version not found")
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load version", err)
	}
	return v, nil
}

func (s *Service) currentSnapshot(ctx context.Context, graph *graphmodels.Graph) (map[string]interface{}, string, error) {
	nodes, err := s.graphs.ListNodes(ctx, graph.ID)
	if err != nil {
		return nil, "", apperrors.InternalError("failed to load nodes", err)
	}
	edges, err := s.graphs.ListEdges(ctx, graph.ID)
	if err != nil {
		return nil, "", apperrors.InternalError("failed to load edges", err)
	}

	snap := snapshot.Normalize(nodes, edges, graph.Variables)
	hash, err := snapshot.Hash(snap)
	if err != nil {
		return nil, "", apperrors.InternalError("failed to hash snapshot", err)
	}
	return snap, hash, nil
}

func (s *Service) requireAccess(ctx context.Context, graphID, userID, minRole string) (*graphmodels.Graph, error) {
	graph, err := s.graphs.GetGraph(ctx, graphID)
	if errors.Is(err, graphrepo.ErrNotFound) {
		return nil, apperrors.NotFound("graph", graphID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load graph", err)
	}
	if graph.OwnerUserID == userID {
		return graph, nil
	}
	if graph.WorkspaceID != nil {
		role, roleErr := s.graphs.GetWorkspaceRole(ctx, *graph.WorkspaceID, userID)
		if roleErr != nil {
			return nil, apperrors.InternalError("failed to check workspace role", roleErr)
		}
		if graphmodels.RoleAtLeast(role, minRole) {
			return graph, nil
		}
	}
	return nil, apperrors.Forbidden("no access to this graph")
}

func (s *Service) publish(ctx context.Context, eventType, graphID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["graph_id"] = graphID
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "deployment-service", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
