// Package service assembles compiled runtimes from stored graphs.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/checkpoint"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/graph/models"
	"github.com/agentflow/agentflow/internal/graph/repository"
	"github.com/agentflow/agentflow/internal/runtime"
)

// Resolver loads a graph, checks access and compiles a runtime for a turn.
type Resolver struct {
	repo        repository.Repository
	llm         runtime.LLMClient
	tools       runtime.ToolRegistry
	checkpoints checkpoint.Store
	logger      *logger.Logger
}

// Resolved is the output of a resolution: a runtime plus the context values
// seeded from the graph's declared variables.
type Resolved struct {
	Runtime runtime.Runtime
	GraphID string
	Context map[string]interface{}
}

// NewResolver creates a resolver. tools may be nil when no tool backend is
// configured; graphs with tool nodes then fail at execution time.
func NewResolver(repo repository.Repository, llm runtime.LLMClient, tools runtime.ToolRegistry, checkpoints checkpoint.Store, log *logger.Logger) *Resolver {
	return &Resolver{
		repo:        repo,
		llm:         llm,
		tools:       tools,
		checkpoints: checkpoints,
		logger:      log.WithFields(zap.String("component", "graph-resolver")),
	}
}

// Resolve compiles the runtime for a graph. A nil graphID yields the built-in
// single-node agent configured from the LLM params.
func (r *Resolver) Resolve(ctx context.Context, graphID *string, userID string, params runtime.LLMParams) (*Resolved, error) {
	if graphID == nil || *graphID == "" {
		rt, err := runtime.NewBuiltinAgent(r.llm, params, r.checkpoints, r.logger)
		if err != nil {
			return nil, apperrors.InternalError("failed to build default agent", err)
		}
		return &Resolved{Runtime: rt, Context: map[string]interface{}{}}, nil
	}

	graph, err := r.repo.GetGraph(ctx, *graphID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("graph", *graphID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load graph", err)
	}

	if err := r.checkAccess(ctx, graph, userID); err != nil {
		return nil, err
	}

	nodes, err := r.repo.ListNodes(ctx, graph.ID)
	if err != nil {
		return nil, apperrors.InternalError("failed to load nodes", err)
	}
	edges, err := r.repo.ListEdges(ctx, graph.ID)
	if err != nil {
		return nil, apperrors.InternalError("failed to load edges", err)
	}
	if len(nodes) == 0 {
		return nil, apperrors.BadRequest("graph has no nodes")
	}

	specs := make([]runtime.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, nodeSpec(n))
	}
	edgeSpecs := make([]runtime.EdgeSpec, 0, len(edges))
	for _, e := range edges {
		edgeSpecs = append(edgeSpecs, runtime.EdgeSpec{
			ID:       e.ID,
			Source:   e.SourceNodeID,
			Target:   e.TargetNodeID,
			Type:     e.EdgeType(),
			RouteKey: e.RouteKey(),
		})
	}

	rt, err := runtime.Compile(graph.ID, specs, edgeSpecs, r.llm, params, r.tools, r.checkpoints, r.logger)
	if err != nil {
		return nil, apperrors.BadRequest("graph failed to compile: " + err.Error())
	}

	return &Resolved{
		Runtime: rt,
		GraphID: graph.ID,
		Context: graph.ContextVariables(),
	}, nil
}

// checkAccess permits the owner or any workspace member with viewer or above.
func (r *Resolver) checkAccess(ctx context.Context, graph *models.Graph, userID string) error {
	if graph.OwnerUserID == userID {
		return nil
	}
	if graph.WorkspaceID != nil {
		role, err := r.repo.GetWorkspaceRole(ctx, *graph.WorkspaceID, userID)
		if err != nil {
			return apperrors.InternalError("failed to check workspace role", err)
		}
		if models.RoleAtLeast(role, models.RoleViewer) {
			return nil
		}
	}
	r.logger.Warn("graph access denied",
		zap.String("graph_id", graph.ID), zap.String("user_id", userID))
	return apperrors.Forbidden("no access to this graph")
}

func nodeSpec(n *models.Node) runtime.NodeSpec {
	cfg := map[string]interface{}{}
	if raw, ok := n.Data["config"].(map[string]interface{}); ok {
		cfg = raw
	}
	interrupt, _ := cfg["interruptBefore"].(bool)

	name := n.Type
	if label, ok := n.Data["label"].(string); ok && label != "" {
		name = label
	}

	return runtime.NodeSpec{
		ID:              n.ID,
		Type:            n.Type,
		Name:            name,
		Prompt:          n.Prompt,
		Tools:           n.Tools,
		Config:          cfg,
		InterruptBefore: interrupt,
	}
}
