// Package models defines the graph domain entities: graphs, nodes, edges and
// the workspace membership used for access checks.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map column stored as JSON text.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// StringList is a string slice column stored as JSON text.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Workspace roles, ordered by privilege.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// RoleAtLeast reports whether role grants at least the privilege of min.
func RoleAtLeast(role, min string) bool {
	rank := map[string]int{RoleViewer: 1, RoleEditor: 2, RoleAdmin: 3, RoleOwner: 4}
	return rank[role] >= rank[min] && rank[role] > 0
}

// Graph is an authored agent graph. Variables stores editor concerns
// (viewport) and user-declared context variables.
type Graph struct {
	ID          string     `db:"id" json:"id"`
	OwnerUserID string     `db:"owner_user_id" json:"owner_user_id"`
	WorkspaceID *string    `db:"workspace_id" json:"workspace_id,omitempty"`
	ParentID    *string    `db:"parent_id" json:"parent_id,omitempty"`
	FolderID    *string    `db:"folder_id" json:"folder_id,omitempty"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description"`
	Color       string     `db:"color" json:"color"`
	IsDeployed  bool       `db:"is_deployed" json:"is_deployed"`
	Variables   JSONMap    `db:"variables" json:"variables"`
	DeployedAt  *time.Time `db:"deployed_at" json:"deployed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// ContextVariables extracts the declared context variables, unwrapping values
// stored as {value: X}. Scalars are taken as-is.
func (g *Graph) ContextVariables() map[string]interface{} {
	out := make(map[string]interface{})
	declared, ok := g.Variables["context"].(map[string]interface{})
	if !ok {
		return out
	}
	for name, v := range declared {
		if wrapped, ok := v.(map[string]interface{}); ok {
			if inner, ok := wrapped["value"]; ok {
				out[name] = inner
				continue
			}
		}
		out[name] = v
	}
	return out
}

// Node is one graph node. Data.config is the authoritative configuration;
// Prompt, Tools and Memory mirror specific config fields for fast queries.
type Node struct {
	ID        string     `db:"id" json:"id"`
	GraphID   string     `db:"graph_id" json:"graph_id"`
	Type      string     `db:"type" json:"type"`
	PosX      float64    `db:"pos_x" json:"pos_x"`
	PosY      float64    `db:"pos_y" json:"pos_y"`
	Width     float64    `db:"width" json:"width"`
	Height    float64    `db:"height" json:"height"`
	Prompt    string     `db:"prompt" json:"prompt"`
	Tools     StringList `db:"tools" json:"tools"`
	Memory    string     `db:"memory" json:"memory"`
	Data      JSONMap    `db:"data" json:"data"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Config returns data.config, creating it if absent.
func (n *Node) Config() map[string]interface{} {
	if n.Data == nil {
		n.Data = JSONMap{}
	}
	cfg, ok := n.Data["config"].(map[string]interface{})
	if !ok {
		cfg = make(map[string]interface{})
		n.Data["config"] = cfg
	}
	return cfg
}

// SyncMirrors keeps the top-level mirror columns and data.config consistent.
// Config values win when present; otherwise the mirrors backfill the config.
func (n *Node) SyncMirrors() {
	cfg := n.Config()

	if s, ok := cfg["systemPrompt"].(string); ok && s != "" {
		n.Prompt = s
	} else if n.Prompt != "" {
		cfg["systemPrompt"] = n.Prompt
	}

	if raw, ok := cfg["tools"]; ok {
		n.Tools = toStringList(raw)
	} else if len(n.Tools) > 0 {
		cfg["tools"] = []interface{}{}
		items := make([]interface{}, len(n.Tools))
		for i, t := range n.Tools {
			items[i] = t
		}
		cfg["tools"] = items
	}

	if s, ok := cfg["memory"].(string); ok && s != "" {
		n.Memory = s
	} else if n.Memory != "" {
		cfg["memory"] = n.Memory
	}
}

func toStringList(raw interface{}) StringList {
	switch v := raw.(type) {
	case []string:
		return StringList(v)
	case StringList:
		return v
	case []interface{}:
		out := make(StringList, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Edge types stored in Edge.Data under "edge_type".
const (
	EdgeTypeNormal      = "normal"
	EdgeTypeConditional = "conditional"
	EdgeTypeLoopBack    = "loop_back"
)

// Edge connects two nodes of a graph. (source, target) is unique per graph.
type Edge struct {
	ID           string    `db:"id" json:"id"`
	GraphID      string    `db:"graph_id" json:"graph_id"`
	SourceNodeID string    `db:"source_node_id" json:"source_node_id"`
	TargetNodeID string    `db:"target_node_id" json:"target_node_id"`
	Data         JSONMap   `db:"data" json:"data"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// EdgeType returns data.edge_type, defaulting to normal.
func (e *Edge) EdgeType() string {
	if t, ok := e.Data["edge_type"].(string); ok && t != "" {
		return t
	}
	return EdgeTypeNormal
}

// RouteKey returns data.route_key when set.
func (e *Edge) RouteKey() string {
	s, _ := e.Data["route_key"].(string)
	return s
}

// WorkspaceMember records a user's role inside a workspace.
type WorkspaceMember struct {
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Role        string    `db:"role" json:"role"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
