package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	graphmodels "github.com/agentflow/agentflow/internal/graph/models"
)

func sampleContent() ([]*graphmodels.Node, []*graphmodels.Edge, graphmodels.JSONMap) {
	nodes := []*graphmodels.Node{
		{
			ID:     "n1",
			Type:   "agent",
			PosX:   100,
			PosY:   50,
			Width:  200,
			Height: 80,
			Prompt: "be helpful",
			Tools:  graphmodels.StringList{"search"},
			Data: graphmodels.JSONMap{
				"label": "Assistant",
				"config": map[string]interface{}{
					"systemPrompt": "be helpful",
					"tools":        []interface{}{"search"},
				},
			},
		},
		{
			ID:   "n2",
			Type: "end",
			Data: graphmodels.JSONMap{},
		},
	}
	edges := []*graphmodels.Edge{
		{ID: "e1", SourceNodeID: "n1", TargetNodeID: "n2",
			Data: graphmodels.JSONMap{"edge_type": "normal", "label": "next"}},
	}
	vars := graphmodels.JSONMap{"context": map[string]interface{}{"lang": map[string]interface{}{"value": "en"}}}
	return nodes, edges, vars
}

func TestHashIgnoresLastSaved(t *testing.T) {
	nodes, edges, vars := sampleContent()

	snapA := Normalize(nodes, edges, vars)
	time.Sleep(2 * time.Millisecond)
	snapB := Normalize(nodes, edges, vars)

	if snapA["lastSaved"] == snapB["lastSaved"] {
		t.Log("lastSaved happened to collide; hash equality still meaningful")
	}

	hashA, err := Hash(snapA)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hashB, err := Hash(snapB)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashA != hashB {
		t.Errorf("identical content must hash identically: %s vs %s", hashA, hashB)
	}
	if len(hashA) != HashLength {
		t.Errorf("expected %d hex chars, got %d", HashLength, len(hashA))
	}
}

func TestHashStableAcrossStorageRoundTrip(t *testing.T) {
	nodes, edges, vars := sampleContent()
	snap := Normalize(nodes, edges, vars)

	hashFresh, err := Hash(snap)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// Simulate the JSON TEXT column: ints become float64, lists become
	// []interface{}. The hash must not change.
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	hashStored, err := Hash(stored)
	if err != nil {
		t.Fatalf("hash stored: %v", err)
	}
	if hashFresh != hashStored {
		t.Errorf("hash must survive the storage round-trip: %s vs %s", hashFresh, hashStored)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	nodes, edges, vars := sampleContent()
	base, _ := Hash(Normalize(nodes, edges, vars))

	nodes[0].Prompt = "be extremely formal"
	cfg := nodes[0].Data["config"].(map[string]interface{})
	cfg["systemPrompt"] = "be extremely formal"

	changed, _ := Hash(Normalize(nodes, edges, vars))
	if base == changed {
		t.Error("content change must change the hash")
	}
}

func TestNormalizeFoldsMirrorsIntoConfig(t *testing.T) {
	// Node with mirrors only, no config entries.
	nodes := []*graphmodels.Node{{
		ID:     "legacy",
		Type:   "agent",
		Prompt: "mirror prompt",
		Tools:  graphmodels.StringList{"calc"},
		Data:   graphmodels.JSONMap{},
	}}
	snap := Normalize(nodes, nil, nil)

	entry := snap["nodes"].(map[string]interface{})["legacy"].(map[string]interface{})
	data := entry["data"].(map[string]interface{})
	cfg := data["config"].(map[string]interface{})
	if cfg["systemPrompt"] != "mirror prompt" {
		t.Errorf("prompt mirror should fold into config, got %v", cfg["systemPrompt"])
	}
	tools, ok := cfg["tools"].([]interface{})
	if !ok || len(tools) != 1 || tools[0] != "calc" {
		t.Errorf("tools mirror should fold into config, got %v", cfg["tools"])
	}
}

func TestSnapshotRoundTripPreservesIdentity(t *testing.T) {
	nodes, edges, vars := sampleContent()
	snap := Normalize(nodes, edges, vars)

	// Store and reload, as the version table would.
	raw, _ := json.Marshal(snap)
	var stored map[string]interface{}
	json.Unmarshal(raw, &stored)

	restoredNodes := Nodes(stored, "g1")
	if len(restoredNodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(restoredNodes))
	}
	byID := map[string]*graphmodels.Node{}
	for _, n := range restoredNodes {
		if n.GraphID != "g1" {
			t.Errorf("restored node should carry the target graph id, got %q", n.GraphID)
		}
		byID[n.ID] = n
	}
	n1 := byID["n1"]
	if n1 == nil {
		t.Fatal("node ids must be preserved across revert")
	}
	if n1.Prompt != "be helpful" {
		t.Errorf("prompt should repopulate from config, got %q", n1.Prompt)
	}
	if len(n1.Tools) != 1 || n1.Tools[0] != "search" {
		t.Errorf("tools should repopulate from config, got %v", n1.Tools)
	}
	if n1.PosX != 100 || n1.PosY != 50 {
		t.Errorf("position should round-trip, got %v,%v", n1.PosX, n1.PosY)
	}

	restoredEdges := Edges(stored, "g1")
	if len(restoredEdges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(restoredEdges))
	}
	e := restoredEdges[0]
	if e.ID != "e1" || e.SourceNodeID != "n1" || e.TargetNodeID != "n2" {
		t.Errorf("edge identity must be preserved, got %+v", e)
	}
	if e.Data["edge_type"] != "normal" || e.Data["label"] != "next" {
		t.Errorf("edge data should round-trip, got %v", e.Data)
	}

	restoredVars := Variables(stored)
	if restoredVars["context"] == nil {
		t.Error("variables should round-trip")
	}

	// Renormalizing the restored content hashes the same as the original.
	again := Normalize(restoredNodes, restoredEdges, restoredVars)
	h1, _ := Hash(stored)
	h2, _ := Hash(again)
	if h1 != h2 {
		t.Errorf("restored content must hash like the stored snapshot: %s vs %s", h1, h2)
	}
}

func TestFrontendShape(t *testing.T) {
	nodes, edges, vars := sampleContent()
	snap := Normalize(nodes, edges, vars)

	fe := Frontend(snap)
	feNodes, ok := fe["nodes"].([]interface{})
	if !ok || len(feNodes) != 2 {
		t.Fatalf("expected node array, got %T", fe["nodes"])
	}
	first := feNodes[0].(map[string]interface{})
	if first["position"] == nil || first["positionAbsolute"] == nil {
		t.Error("editor preview needs both position fields")
	}

	feEdges := fe["edges"].([]interface{})
	edge := feEdges[0].(map[string]interface{})
	if edge["type"] != "normal" || edge["label"] != "next" {
		t.Errorf("edge styling should surface in the preview, got %v", edge)
	}
}

func TestHashIgnoresEdgeListOrder(t *testing.T) {
	nodes, _, vars := sampleContent()
	// ids sort opposite to the order the repository might return them in,
	// e.g. after a restore rewrites created_at.
	e1 := &graphmodels.Edge{ID: "z-edge", SourceNodeID: "n1", TargetNodeID: "n2",
		Data: graphmodels.JSONMap{"edge_type": "normal"}}
	e2 := &graphmodels.Edge{ID: "a-edge", SourceNodeID: "n2", TargetNodeID: "n1",
		Data: graphmodels.JSONMap{"edge_type": "loop_back"}}

	hashA, err := Hash(Normalize(nodes, []*graphmodels.Edge{e1, e2}, vars))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hashB, err := Hash(Normalize(nodes, []*graphmodels.Edge{e2, e1}, vars))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashA != hashB {
		t.Errorf("edge ordering must not change the hash: %s vs %s", hashA, hashB)
	}
}
