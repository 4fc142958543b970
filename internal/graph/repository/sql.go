package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentflow/agentflow/internal/db"
	"github.com/agentflow/agentflow/internal/graph/models"
)

// SQLRepository provides relational graph storage over the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and its schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphs (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		workspace_id TEXT,
		parent_id TEXT,
		folder_id TEXT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		is_deployed BOOLEAN NOT NULL DEFAULT FALSE,
		variables TEXT NOT NULL DEFAULT '{}',
		deployed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		pos_x REAL NOT NULL DEFAULT 0,
		pos_y REAL NOT NULL DEFAULT 0,
		width REAL NOT NULL DEFAULT 0,
		height REAL NOT NULL DEFAULT 0,
		prompt TEXT NOT NULL DEFAULT '',
		tools TEXT NOT NULL DEFAULT '[]',
		memory TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_graph ON graph_nodes(graph_id);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (graph_id, source_node_id, target_node_id)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_graph ON graph_edges(graph_id);

	CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, user_id)
	);`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

func (r *SQLRepository) CreateGraph(ctx context.Context, graph *models.Graph) error {
	now := time.Now().UTC()
	graph.CreatedAt = now
	graph.UpdatedAt = now

	query := r.pool.Writer().Rebind(`
		INSERT INTO graphs (id, owner_user_id, workspace_id, parent_id, folder_id, name, description, color, is_deployed, variables, deployed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		graph.ID, graph.OwnerUserID, graph.WorkspaceID, graph.ParentID, graph.FolderID,
		graph.Name, graph.Description, graph.Color, graph.IsDeployed, graph.Variables,
		graph.DeployedAt, graph.CreatedAt, graph.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create graph: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetGraph(ctx context.Context, id string) (*models.Graph, error) {
	var graph models.Graph
	query := r.pool.Reader().Rebind(`SELECT * FROM graphs WHERE id = ?`)
	err := r.pool.Reader().GetContext(ctx, &graph, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph: %w", err)
	}
	return &graph, nil
}

func (r *SQLRepository) UpdateGraph(ctx context.Context, graph *models.Graph) error {
	graph.UpdatedAt = time.Now().UTC()
	query := r.pool.Writer().Rebind(`
		UPDATE graphs SET name = ?, description = ?, color = ?, folder_id = ?, variables = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		graph.Name, graph.Description, graph.Color, graph.FolderID, graph.Variables, graph.UpdatedAt, graph.ID)
	if err != nil {
		return fmt.Errorf("failed to update graph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) DeleteGraph(ctx context.Context, id string) error {
	query := r.pool.Writer().Rebind(`DELETE FROM graphs WHERE id = ?`)
	if _, err := r.pool.Writer().ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete graph: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListGraphs(ctx context.Context, ownerUserID string) ([]*models.Graph, error) {
	var graphs []*models.Graph
	query := r.pool.Reader().Rebind(`SELECT * FROM graphs WHERE owner_user_id = ? ORDER BY updated_at DESC`)
	if err := r.pool.Reader().SelectContext(ctx, &graphs, query, ownerUserID); err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	return graphs, nil
}

func (r *SQLRepository) SetDeployment(ctx context.Context, graphID string, isDeployed bool, deployedAt *time.Time) error {
	query := r.pool.Writer().Rebind(`UPDATE graphs SET is_deployed = ?, deployed_at = ?, updated_at = ? WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query, isDeployed, deployedAt, time.Now().UTC(), graphID)
	if err != nil {
		return fmt.Errorf("failed to set graph deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) CreateNode(ctx context.Context, node *models.Node) error {
	node.SyncMirrors()
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	query := r.pool.Writer().Rebind(`
		INSERT INTO graph_nodes (id, graph_id, type, pos_x, pos_y, width, height, prompt, tools, memory, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		node.ID, node.GraphID, node.Type, node.PosX, node.PosY, node.Width, node.Height,
		node.Prompt, node.Tools, node.Memory, node.Data, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpdateNode(ctx context.Context, node *models.Node) error {
	node.SyncMirrors()
	node.UpdatedAt = time.Now().UTC()

	query := r.pool.Writer().Rebind(`
		UPDATE graph_nodes SET type = ?, pos_x = ?, pos_y = ?, width = ?, height = ?, prompt = ?, tools = ?, memory = ?, data = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.pool.Writer().ExecContext(ctx, query,
		node.Type, node.PosX, node.PosY, node.Width, node.Height,
		node.Prompt, node.Tools, node.Memory, node.Data, node.UpdatedAt, node.ID)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) ListNodes(ctx context.Context, graphID string) ([]*models.Node, error) {
	var nodes []*models.Node
	query := r.pool.Reader().Rebind(`SELECT * FROM graph_nodes WHERE graph_id = ? ORDER BY created_at, id`)
	if err := r.pool.Reader().SelectContext(ctx, &nodes, query, graphID); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

func (r *SQLRepository) DeleteNodesByGraph(ctx context.Context, graphID string) error {
	query := r.pool.Writer().Rebind(`DELETE FROM graph_nodes WHERE graph_id = ?`)
	if _, err := r.pool.Writer().ExecContext(ctx, query, graphID); err != nil {
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	return nil
}

func (r *SQLRepository) CreateEdge(ctx context.Context, edge *models.Edge) error {
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	query := r.pool.Writer().Rebind(`
		INSERT INTO graph_edges (id, graph_id, source_node_id, target_node_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		edge.ID, edge.GraphID, edge.SourceNodeID, edge.TargetNodeID, edge.Data, edge.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEdge
		}
		return fmt.Errorf("failed to create edge: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListEdges(ctx context.Context, graphID string) ([]*models.Edge, error) {
	var edges []*models.Edge
	query := r.pool.Reader().Rebind(`SELECT * FROM graph_edges WHERE graph_id = ? ORDER BY created_at, id`)
	if err := r.pool.Reader().SelectContext(ctx, &edges, query, graphID); err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return edges, nil
}

func (r *SQLRepository) DeleteEdgesByGraph(ctx context.Context, graphID string) error {
	query := r.pool.Writer().Rebind(`DELETE FROM graph_edges WHERE graph_id = ?`)
	if _, err := r.pool.Writer().ExecContext(ctx, query, graphID); err != nil {
		return fmt.Errorf("failed to delete edges: %w", err)
	}
	return nil
}

func (r *SQLRepository) ReplaceContent(ctx context.Context, graphID string, nodes []*models.Node, edges []*models.Edge, variables models.JSONMap) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_edges WHERE graph_id = ?`), graphID); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM graph_nodes WHERE graph_id = ?`), graphID); err != nil {
		return fmt.Errorf("failed to clear nodes: %w", err)
	}

	nodeQuery := tx.Rebind(`
		INSERT INTO graph_nodes (id, graph_id, type, pos_x, pos_y, width, height, prompt, tools, memory, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, node := range nodes {
		node.SyncMirrors()
		created := node.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, nodeQuery,
			node.ID, graphID, node.Type, node.PosX, node.PosY, node.Width, node.Height,
			node.Prompt, node.Tools, node.Memory, node.Data, created, now); err != nil {
			return fmt.Errorf("failed to restore node %s: %w", node.ID, err)
		}
	}

	edgeQuery := tx.Rebind(`
		INSERT INTO graph_edges (id, graph_id, source_node_id, target_node_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, edge := range edges {
		if _, err := tx.ExecContext(ctx, edgeQuery,
			edge.ID, graphID, edge.SourceNodeID, edge.TargetNodeID, edge.Data, now); err != nil {
			return fmt.Errorf("failed to restore edge %s: %w", edge.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE graphs SET variables = ?, updated_at = ? WHERE id = ?`),
		variables, now, graphID); err != nil {
		return fmt.Errorf("failed to restore variables: %w", err)
	}

	return tx.Commit()
}

func (r *SQLRepository) GetWorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	query := r.pool.Reader().Rebind(`SELECT role FROM workspace_members WHERE workspace_id = ? AND user_id = ?`)
	err := r.pool.Reader().QueryRowxContext(ctx, query, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get workspace role: %w", err)
	}
	return role, nil
}

func (r *SQLRepository) AddWorkspaceMember(ctx context.Context, member *models.WorkspaceMember) error {
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	query := r.pool.Writer().Rebind(`
		INSERT INTO workspace_members (workspace_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = excluded.role`)
	if _, err := r.pool.Writer().ExecContext(ctx, query,
		member.WorkspaceID, member.UserID, member.Role, member.CreatedAt); err != nil {
		return fmt.Errorf("failed to add workspace member: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
