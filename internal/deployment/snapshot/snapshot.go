// Package snapshot normalizes graph state for deployment versioning and
// computes the content hash used for change detection.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	graphmodels "github.com/agentflow/agentflow/internal/graph/models"
)

// HashLength is the truncated hex length of the content hash.
const HashLength = 16

// Normalize produces the canonical snapshot of a graph's live state. The
// mirror fields are folded into data.config when the config lacks them, so a
// revert restores everything even for nodes that predate config-as-
// authoritative storage.
func Normalize(nodes []*graphmodels.Node, edges []*graphmodels.Edge, variables graphmodels.JSONMap) map[string]interface{} {
	nodeMap := make(map[string]interface{}, len(nodes))
	for _, n := range nodes {
		data := deepCopy(map[string]interface{}(n.Data))
		cfg, ok := data["config"].(map[string]interface{})
		if !ok {
			cfg = make(map[string]interface{})
			data["config"] = cfg
		}
		if _, ok := cfg["systemPrompt"]; !ok && n.Prompt != "" {
			cfg["systemPrompt"] = n.Prompt
		}
		if _, ok := cfg["tools"]; !ok && len(n.Tools) > 0 {
			cfg["tools"] = toInterfaceList(n.Tools)
		}

		nodeMap[n.ID] = map[string]interface{}{
			"id":                n.ID,
			"type":              n.Type,
			"tools":             toInterfaceList(n.Tools),
			"memory":            n.Memory,
			"prompt":            n.Prompt,
			"position":          map[string]interface{}{"x": n.PosX, "y": n.PosY},
			"position_absolute": map[string]interface{}{"x": n.PosX, "y": n.PosY},
			"width":             n.Width,
			"height":            n.Height,
			"data":              data,
		}
	}

	// Edge order is hash-significant (edges is an array), so sort by id
	// rather than trusting repository order: restores rewrite created_at and
	// would otherwise reorder edges and change the hash.
	sortedEdges := make([]*graphmodels.Edge, len(edges))
	copy(sortedEdges, edges)
	sort.Slice(sortedEdges, func(i, j int) bool { return sortedEdges[i].ID < sortedEdges[j].ID })

	edgeList := make([]interface{}, 0, len(sortedEdges))
	for _, e := range sortedEdges {
		entry := map[string]interface{}{
			"id":     e.ID,
			"source": e.SourceNodeID,
			"target": e.TargetNodeID,
		}
		for k, v := range deepCopy(map[string]interface{}(e.Data)) {
			entry[k] = v
		}
		edgeList = append(edgeList, entry)
	}

	vars := deepCopy(map[string]interface{}(variables))
	if vars == nil {
		vars = map[string]interface{}{}
	}

	return map[string]interface{}{
		"nodes":     nodeMap,
		"edges":     edgeList,
		"variables": vars,
		"lastSaved": time.Now().UnixMilli(),
	}
}

// Hash computes the 16-hex-char content hash of a snapshot with lastSaved
// excluded. The snapshot is passed through a JSON round-trip first so that
// stored and freshly normalized state hash identically. Not a security hash;
// change detection only.
func Hash(snap map[string]interface{}) (string, error) {
	canonical := deepCopy(snap)
	delete(canonical, "lastSaved")

	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// Nodes reconstructs graph nodes from a snapshot. Mirror fields are
// repopulated from data.config where available, falling back to the top-level
// snapshot fields so older snapshots still round-trip.
func Nodes(snap map[string]interface{}, graphID string) []*graphmodels.Node {
	raw, _ := snap["nodes"].(map[string]interface{})
	out := make([]*graphmodels.Node, 0, len(raw))
	for id, v := range raw {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		node := &graphmodels.Node{
			ID:      id,
			GraphID: graphID,
		}
		node.Type, _ = entry["type"].(string)
		if pos, ok := entry["position"].(map[string]interface{}); ok {
			node.PosX = toFloat(pos["x"])
			node.PosY = toFloat(pos["y"])
		}
		node.Width = toFloat(entry["width"])
		node.Height = toFloat(entry["height"])

		if data, ok := entry["data"].(map[string]interface{}); ok {
			node.Data = graphmodels.JSONMap(deepCopy(data))
		} else {
			node.Data = graphmodels.JSONMap{}
		}

		cfg, _ := node.Data["config"].(map[string]interface{})
		if s, ok := cfg["systemPrompt"].(string); ok && s != "" {
			node.Prompt = s
		} else if s, ok := entry["prompt"].(string); ok {
			node.Prompt = s
		}
		if raw, ok := cfg["tools"]; ok {
			node.Tools = toStringList(raw)
		} else {
			node.Tools = toStringList(entry["tools"])
		}
		if s, ok := cfg["memory"].(string); ok && s != "" {
			node.Memory = s
		} else if s, ok := entry["memory"].(string); ok {
			node.Memory = s
		}

		out = append(out, node)
	}
	return out
}

// Edges reconstructs graph edges from a snapshot.
func Edges(snap map[string]interface{}, graphID string) []*graphmodels.Edge {
	raw, _ := snap["edges"].([]interface{})
	out := make([]*graphmodels.Edge, 0, len(raw))
	for _, v := range raw {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		edge := &graphmodels.Edge{GraphID: graphID, Data: graphmodels.JSONMap{}}
		edge.ID, _ = entry["id"].(string)
		edge.SourceNodeID, _ = entry["source"].(string)
		edge.TargetNodeID, _ = entry["target"].(string)
		for k, val := range entry {
			switch k {
			case "id", "source", "target":
			default:
				edge.Data[k] = val
			}
		}
		out = append(out, edge)
	}
	return out
}

// Variables extracts the stored graph variables.
func Variables(snap map[string]interface{}) graphmodels.JSONMap {
	if vars, ok := snap["variables"].(map[string]interface{}); ok {
		return graphmodels.JSONMap(deepCopy(vars))
	}
	return graphmodels.JSONMap{}
}

// Frontend translates a snapshot into the editor-oriented preview shape:
// nodes as an array with reactflow fields, edges with their styling data.
func Frontend(snap map[string]interface{}) map[string]interface{} {
	rawNodes, _ := snap["nodes"].(map[string]interface{})
	nodes := make([]interface{}, 0, len(rawNodes))
	for id, v := range rawNodes {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		nodes = append(nodes, map[string]interface{}{
			"id":               id,
			"type":             entry["type"],
			"position":         entry["position"],
			"positionAbsolute": entry["position_absolute"],
			"width":            entry["width"],
			"height":           entry["height"],
			"data":             entry["data"],
		})
	}

	rawEdges, _ := snap["edges"].([]interface{})
	edges := make([]interface{}, 0, len(rawEdges))
	for _, v := range rawEdges {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		edge := map[string]interface{}{
			"id":     entry["id"],
			"source": entry["source"],
			"target": entry["target"],
		}
		if h, ok := entry["source_handle_id"]; ok {
			edge["sourceHandle"] = h
		}
		if l, ok := entry["label"]; ok {
			edge["label"] = l
		}
		if t, ok := entry["edge_type"]; ok {
			edge["type"] = t
		}
		edges = append(edges, edge)
	}

	return map[string]interface{}{
		"nodes":     nodes,
		"edges":     edges,
		"variables": snap["variables"],
	}
}

// deepCopy clones a map through a JSON round-trip, which also canonicalizes
// value types (all numbers become float64, all lists []interface{}).
func deepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func toInterfaceList(l graphmodels.StringList) []interface{} {
	out := make([]interface{}, len(l))
	for i, s := range l {
		out[i] = s
	}
	return out
}

func toStringList(raw interface{}) graphmodels.StringList {
	switch v := raw.(type) {
	case []string:
		return graphmodels.StringList(v)
	case []interface{}:
		out := make(graphmodels.StringList, 0, len(v))
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

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
