package models

import "testing"

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		role, min string
		want      bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleEditor, false},
		{RoleEditor, RoleViewer, true},
		{RoleAdmin, RoleEditor, true},
		{RoleOwner, RoleAdmin, true},
		{"", RoleViewer, false},
		{"stranger", RoleViewer, false},
	}
	for _, tt := range tests {
		if got := RoleAtLeast(tt.role, tt.min); got != tt.want {
			t.Errorf("RoleAtLeast(%q, %q) = %v, want %v", tt.role, tt.min, got, tt.want)
		}
	}
}

func TestJSONMapScanValue(t *testing.T) {
	var m JSONMap
	if err := m.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if m == nil {
		t.Error("scanning NULL should yield an empty map, not nil")
	}

	if err := m.Scan([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if m["a"] != float64(1) {
		t.Errorf("unexpected scanned value: %v", m["a"])
	}

	if err := m.Scan(`{"b":"x"}`); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if err := m.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}

	val, err := JSONMap(nil).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if val != "{}" {
		t.Errorf("nil map should store as empty object, got %v", val)
	}
}

func TestGraphContextVariables(t *testing.T) {
	g := &Graph{Variables: JSONMap{
		"viewport": map[string]interface{}{"x": 1},
		"context": map[string]interface{}{
			"wrapped": map[string]interface{}{"value": "inner"},
			"scalar":  42,
			"shapeless": map[string]interface{}{
				"not_value": true,
			},
		},
	}}
	vars := g.ContextVariables()
	if vars["wrapped"] != "inner" {
		t.Errorf("wrapped variable should unwrap to its value, got %v", vars["wrapped"])
	}
	if vars["scalar"] != 42 {
		t.Errorf("scalar variable should pass through, got %v", vars["scalar"])
	}
	if _, ok := vars["shapeless"].(map[string]interface{}); !ok {
		t.Error("maps without a value key pass through unchanged")
	}
	if _, ok := vars["viewport"]; ok {
		t.Error("viewport is editor state, not a context variable")
	}

	empty := &Graph{}
	if got := empty.ContextVariables(); len(got) != 0 {
		t.Errorf("graph without variables should yield empty context, got %v", got)
	}
}

func TestNodeSyncMirrorsConfigWins(t *testing.T) {
	n := &Node{
		Prompt: "stale mirror",
		Tools:  StringList{"old"},
		Memory: "stale",
		Data: JSONMap{"config": map[string]interface{}{
			"systemPrompt": "from config",
			"tools":        []interface{}{"search", "calc"},
			"memory":       "buffer",
		}},
	}
	n.SyncMirrors()

	if n.Prompt != "from config" {
		t.Errorf("config prompt should win, got %q", n.Prompt)
	}
	if len(n.Tools) != 2 || n.Tools[0] != "search" {
		t.Errorf("config tools should win, got %v", n.Tools)
	}
	if n.Memory != "buffer" {
		t.Errorf("config memory should win, got %q", n.Memory)
	}
}

func TestNodeSyncMirrorsBackfillsConfig(t *testing.T) {
	n := &Node{
		Prompt: "mirror prompt",
		Tools:  StringList{"search"},
		Memory: "window",
	}
	n.SyncMirrors()

	cfg := n.Config()
	if cfg["systemPrompt"] != "mirror prompt" {
		t.Errorf("mirror prompt should backfill config, got %v", cfg["systemPrompt"])
	}
	tools, ok := cfg["tools"].([]interface{})
	if !ok || len(tools) != 1 || tools[0] != "search" {
		t.Errorf("mirror tools should backfill config, got %v", cfg["tools"])
	}
	if cfg["memory"] != "window" {
		t.Errorf("mirror memory should backfill config, got %v", cfg["memory"])
	}
}

func TestEdgeTypeAndRouteKey(t *testing.T) {
	e := &Edge{}
	if e.EdgeType() != EdgeTypeNormal {
		t.Errorf("missing edge_type should default to normal, got %q", e.EdgeType())
	}
	if e.RouteKey() != "" {
		t.Errorf("missing route_key should be empty, got %q", e.RouteKey())
	}

	e.Data = JSONMap{"edge_type": EdgeTypeConditional, "route_key": "approve"}
	if e.EdgeType() != EdgeTypeConditional || e.RouteKey() != "approve" {
		t.Errorf("unexpected edge attributes: %q %q", e.EdgeType(), e.RouteKey())
	}
}
