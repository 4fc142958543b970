// Package models defines deployment versions: immutable snapshots of a
// graph's editable state.
package models

import (
	"time"

	graphmodels "github.com/agentflow/agentflow/internal/graph/models"
)

// DeploymentVersion is one numbered snapshot of a graph. Versions are dense
// per graph starting at 1; at most one is active. State is written once at
// creation and mutated nowhere except by rename (name only).
type DeploymentVersion struct {
	ID        string              `db:"id" json:"id"`
	GraphID   string              `db:"graph_id" json:"graph_id"`
	Version   int                 `db:"version" json:"version"`
	Name      string              `db:"name" json:"name"`
	IsActive  bool                `db:"is_active" json:"is_active"`
	State     graphmodels.JSONMap `db:"state" json:"state,omitempty"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
	CreatedBy string              `db:"created_by" json:"created_by"`
}

// Status summarizes a graph's deployment state for the editor.
type Status struct {
	IsDeployed        bool               `json:"is_deployed"`
	DeployedAt        *time.Time         `json:"deployed_at,omitempty"`
	ActiveVersion     *DeploymentVersion `json:"active_version,omitempty"`
	NeedsRedeployment bool               `json:"needs_redeployment"`
}
