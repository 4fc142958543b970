package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/graph/models"
)

// MemoryRepository provides in-memory graph storage for tests and
// single-binary development mode.
type MemoryRepository struct {
	mu      sync.RWMutex
	graphs  map[string]*models.Graph
	nodes   map[string]*models.Node
	edges   map[string]*models.Edge
	members map[string]string // workspaceID + "/" + userID -> role
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		graphs:  make(map[string]*models.Graph),
		nodes:   make(map[string]*models.Node),
		edges:   make(map[string]*models.Edge),
		members: make(map[string]string),
	}
}

func (r *MemoryRepository) CreateGraph(ctx context.Context, graph *models.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	graph.CreatedAt = now
	graph.UpdatedAt = now
	cp := *graph
	r.graphs[graph.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetGraph(ctx context.Context, id string) (*models.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.graphs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *MemoryRepository) UpdateGraph(ctx context.Context, graph *models.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.graphs[graph.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = graph.Name
	existing.Description = graph.Description
	existing.Color = graph.Color
	existing.FolderID = graph.FolderID
	existing.Variables = graph.Variables
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) DeleteGraph(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.graphs, id)
	for nid, n := range r.nodes {
		if n.GraphID == id {
			delete(r.nodes, nid)
		}
	}
	for eid, e := range r.edges {
		if e.GraphID == id {
			delete(r.edges, eid)
		}
	}
	return nil
}

func (r *MemoryRepository) ListGraphs(ctx context.Context, ownerUserID string) ([]*models.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Graph
	for _, g := range r.graphs {
		if g.OwnerUserID == ownerUserID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) SetDeployment(ctx context.Context, graphID string, isDeployed bool, deployedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.graphs[graphID]
	if !ok {
		return ErrNotFound
	}
	g.IsDeployed = isDeployed
	g.DeployedAt = deployedAt
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) CreateNode(ctx context.Context, node *models.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node.SyncMirrors()
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	cp := *node
	r.nodes[node.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateNode(ctx context.Context, node *models.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node.ID]; !ok {
		return ErrNotFound
	}
	node.SyncMirrors()
	node.UpdatedAt = time.Now().UTC()
	cp := *node
	cp.CreatedAt = r.nodes[node.ID].CreatedAt
	r.nodes[node.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListNodes(ctx context.Context, graphID string) ([]*models.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Node
	for _, n := range r.nodes {
		if n.GraphID == graphID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) DeleteNodesByGraph(ctx context.Context, graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, n := range r.nodes {
		if n.GraphID == graphID {
			delete(r.nodes, id)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateEdge(ctx context.Context, edge *models.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.edges {
		if e.GraphID == edge.GraphID && e.SourceNodeID == edge.SourceNodeID && e.TargetNodeID == edge.TargetNodeID {
			return ErrDuplicateEdge
		}
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	cp := *edge
	r.edges[edge.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListEdges(ctx context.Context, graphID string) ([]*models.Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Edge
	for _, e := range r.edges {
		if e.GraphID == graphID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) DeleteEdgesByGraph(ctx context.Context, graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.edges {
		if e.GraphID == graphID {
			delete(r.edges, id)
		}
	}
	return nil
}

func (r *MemoryRepository) ReplaceContent(ctx context.Context, graphID string, nodes []*models.Node, edges []*models.Edge, variables models.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.graphs[graphID]
	if !ok {
		return ErrNotFound
	}

	for id, n := range r.nodes {
		if n.GraphID == graphID {
			delete(r.nodes, id)
		}
	}
	for id, e := range r.edges {
		if e.GraphID == graphID {
			delete(r.edges, id)
		}
	}

	now := time.Now().UTC()
	for _, node := range nodes {
		node.SyncMirrors()
		cp := *node
		cp.GraphID = graphID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		r.nodes[cp.ID] = &cp
	}
	for _, edge := range edges {
		cp := *edge
		cp.GraphID = graphID
		cp.CreatedAt = now
		r.edges[cp.ID] = &cp
	}

	g.Variables = variables
	g.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[workspaceID+"/"+userID], nil
}

func (r *MemoryRepository) AddWorkspaceMember(ctx context.Context, member *models.WorkspaceMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[member.WorkspaceID+"/"+member.UserID] = member.Role
	return nil
}
