package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/logger"
)

// Node types the interpreter understands. Unknown types fall back to agent
// behavior when a prompt is present and are otherwise passed through.
const (
	NodeTypeAgent = "agent"
	NodeTypeTool  = "tool"
	NodeTypeStart = "start"
	NodeTypeEnd   = "end"
)

// Edge types.
const (
	EdgeTypeNormal      = "normal"
	EdgeTypeConditional = "conditional"
	EdgeTypeLoopBack    = "loop_back"
)

// DefaultRecursionLimit bounds node visits per turn.
const DefaultRecursionLimit = 100

// NodeSpec is one compiled node.
type NodeSpec struct {
	ID              string
	Type            string
	Name            string
	Prompt          string
	Tools           []string
	Config          map[string]interface{}
	InterruptBefore bool
}

// EdgeSpec is one compiled edge. RouteKey is only meaningful for conditional
// edges and is matched against the state's "route" value.
type EdgeSpec struct {
	ID       string
	Source   string
	Target   string
	Type     string
	RouteKey string
}

// CompiledGraph interprets a node/edge table as a turn of execution. It is
// safe for concurrent turns on distinct threads; per-thread serialization is
// enforced upstream.
type CompiledGraph struct {
	graphID string
	nodes   map[string]*NodeSpec
	edges   map[string][]EdgeSpec
	entry   string

	llm    LLMClient
	params LLMParams
	tools  ToolRegistry
	store  checkpoint.Store
	logger *logger.Logger
}

var _ Runtime = (*CompiledGraph)(nil)

// Compile assembles a runnable graph from node and edge specs. The entry node
// is the first node with no incoming non-loop edge, falling back to the first
// node given.
func Compile(graphID string, nodes []NodeSpec, edges []EdgeSpec, llm LLMClient, params LLMParams, tools ToolRegistry, store checkpoint.Store, log *logger.Logger) (*CompiledGraph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph %s has no nodes", graphID)
	}

	g := &CompiledGraph{
		graphID: graphID,
		nodes:   make(map[string]*NodeSpec, len(nodes)),
		edges:   make(map[string][]EdgeSpec),
		llm:     llm,
		params:  params,
		tools:   tools,
		store:   store,
		logger:  log.WithFields(zap.String("component", "graph-runtime"), zap.String("graph_id", graphID)),
	}

	hasIncoming := make(map[string]bool)
	for i := range nodes {
		n := nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s in graph %s", n.ID, graphID)
		}
		g.nodes[n.ID] = &n
	}
	for _, e := range edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge %s references unknown source %s", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge %s references unknown target %s", e.ID, e.Target)
		}
		g.edges[e.Source] = append(g.edges[e.Source], e)
		if e.Type != EdgeTypeLoopBack {
			hasIncoming[e.Target] = true
		}
	}

	for _, n := range nodes {
		if !hasIncoming[n.ID] {
			g.entry = n.ID
			break
		}
	}
	if g.entry == "" {
		g.entry = nodes[0].ID
	}
	return g, nil
}

// StreamEvents runs a fresh turn from the entry node.
func (g *CompiledGraph) StreamEvents(ctx context.Context, input Input, cfg Config) (<-chan Event, error) {
	state := make(map[string]interface{})
	for k, v := range input.Context {
		state[k] = v
	}
	state["messages"] = input.Messages

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		g.run(ctx, ch, state, g.entry, "", cfg)
	}()
	return ch, nil
}

// Resume continues an interrupted turn from the thread's checkpoint.
func (g *CompiledGraph) Resume(ctx context.Context, cmd Command, cfg Config) (<-chan Event, error) {
	snap, err := g.store.Get(ctx, cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !snap.Suspended() {
		return nil, fmt.Errorf("no pending interrupt for thread %s", cfg.ThreadID)
	}

	state := snap.Values
	if state == nil {
		state = make(map[string]interface{})
	}
	for k, v := range cmd.Update {
		state[k] = v
	}

	target := snap.Tasks[0].Target
	if cmd.Goto != "" {
		target = cmd.Goto
	}
	if _, ok := g.nodes[target]; !ok {
		return nil, fmt.Errorf("resume target %s is not a node of graph %s", target, g.graphID)
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		g.run(ctx, ch, state, target, target, cfg)
	}()
	return ch, nil
}

// GetState reads the thread's checkpoint.
func (g *CompiledGraph) GetState(ctx context.Context, cfg Config) (*checkpoint.Snapshot, error) {
	return g.store.Get(ctx, cfg.ThreadID)
}

// Cleanup forwards to the tool registry when it owns per-run resources.
func (g *CompiledGraph) Cleanup(ctx context.Context) error {
	type cleaner interface {
		Cleanup(ctx context.Context) error
	}
	if c, ok := g.tools.(cleaner); ok && g.tools != nil {
		return c.Cleanup(ctx)
	}
	return nil
}

// run walks the graph from start, emitting events on ch. skipInterrupt names
// the one node whose interrupt-before check is bypassed (the resume target).
func (g *CompiledGraph) run(ctx context.Context, ch chan<- Event, state map[string]interface{}, start, skipInterrupt string, cfg Config) {
	limit := cfg.RecursionLimit
	if limit <= 0 {
		limit = DefaultRecursionLimit
	}

	current := start
	steps := 0
	for current != "" {
		steps++
		if steps > limit {
			g.emit(ctx, ch, Event{Type: EventError, RunID: cfg.RunID,
				Err: fmt.Errorf("recursion limit %d exceeded in graph %s", limit, g.graphID)})
			return
		}

		node := g.nodes[current]
		if node.InterruptBefore && current != skipInterrupt {
			snap := &checkpoint.Snapshot{
				Values: state,
				Tasks: []checkpoint.PendingTask{{
					ID:     uuid.New().String(),
					Target: node.ID,
					Interrupt: map[string]interface{}{
						"node":  node.ID,
						"label": node.Name,
					},
				}},
			}
			if err := g.store.Put(ctx, cfg.ThreadID, snap); err != nil {
				g.emit(ctx, ch, Event{Type: EventError, RunID: cfg.RunID,
					Err: fmt.Errorf("failed to checkpoint interrupt: %w", err)})
			}
			return
		}

		if err := g.execNode(ctx, ch, node, state, cfg); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.emit(ctx, ch, Event{Type: EventError, Name: node.Name, Node: node.ID, RunID: cfg.RunID, Err: err})
			return
		}

		current = g.nextNode(current, state)
	}

	// Natural completion replaces the checkpoint with a task-free snapshot so
	// a later state read does not observe a stale interrupt.
	if err := g.store.Put(ctx, cfg.ThreadID, &checkpoint.Snapshot{Values: state}); err != nil {
		g.logger.Warn("failed to checkpoint final state",
			zap.String("thread_id", cfg.ThreadID), zap.Error(err))
	}
}

func (g *CompiledGraph) execNode(ctx context.Context, ch chan<- Event, node *NodeSpec, state map[string]interface{}, cfg Config) error {
	g.emit(ctx, ch, Event{Type: EventChainStart, Name: node.Name, Node: node.ID, RunID: cfg.RunID})

	var err error
	switch node.Type {
	case NodeTypeStart, NodeTypeEnd:
		// structural only
	case NodeTypeTool:
		err = g.execTools(ctx, ch, node, state, cfg)
	default:
		err = g.execAgent(ctx, ch, node, state, cfg)
	}
	if err != nil {
		return err
	}

	g.emit(ctx, ch, Event{
		Type:     EventChainEnd,
		Name:     node.Name,
		Node:     node.ID,
		RunID:    cfg.RunID,
		Messages: MessagesFromState(state),
	})
	return nil
}

func (g *CompiledGraph) execAgent(ctx context.Context, ch chan<- Event, node *NodeSpec, state map[string]interface{}, cfg Config) error {
	messages := MessagesFromState(state)
	prompt := node.Prompt
	if prompt == "" {
		if s, ok := node.Config["systemPrompt"].(string); ok {
			prompt = s
		}
	}

	var llmInput []Message
	if prompt != "" {
		llmInput = append(llmInput, Message{Role: "system", Content: prompt})
	}
	llmInput = append(llmInput, messages...)

	g.emit(ctx, ch, Event{Type: EventChatModelStart, Name: node.Name, Node: node.ID, RunID: cfg.RunID})

	reply, err := g.llm.StreamChat(ctx, g.params, llmInput, func(delta string) {
		g.emit(ctx, ch, Event{Type: EventChatModelStream, Name: node.Name, Node: node.ID, RunID: cfg.RunID, Chunk: delta})
	})
	if err != nil {
		return fmt.Errorf("node %s llm call failed: %w", node.ID, err)
	}

	messages = append(messages, reply)
	state["messages"] = messages

	g.emit(ctx, ch, Event{
		Type:   EventChatModelEnd,
		Name:   node.Name,
		Node:   node.ID,
		RunID:  cfg.RunID,
		Output: map[string]interface{}{"content": reply.Content},
	})
	return nil
}

func (g *CompiledGraph) execTools(ctx context.Context, ch chan<- Event, node *NodeSpec, state map[string]interface{}, cfg Config) error {
	if g.tools == nil {
		return fmt.Errorf("node %s requires tools but no registry is configured", node.ID)
	}

	args, _ := node.Config["arguments"].(map[string]interface{})
	server, _ := node.Config["server"].(string)

	for _, name := range node.Tools {
		tool, err := g.tools.Resolve(server, name)
		if err != nil {
			return fmt.Errorf("failed to resolve tool %s: %w", name, err)
		}

		g.emit(ctx, ch, Event{
			Type:  EventToolStart,
			Name:  tool.Name(),
			Node:  node.ID,
			RunID: cfg.RunID,
			Input: map[string]interface{}{"tool": tool.Name(), "input": args},
		})

		out, err := tool.Call(ctx, args)
		if err != nil {
			return fmt.Errorf("tool %s failed: %w", name, err)
		}
		state[node.ID+":"+tool.Name()] = out

		g.emit(ctx, ch, Event{
			Type:   EventToolEnd,
			Name:   tool.Name(),
			Node:   node.ID,
			RunID:  cfg.RunID,
			Output: map[string]interface{}{"tool": tool.Name(), "output": out},
		})
	}
	return nil
}

// nextNode selects the outgoing edge to follow. Conditional edges match their
// route key against state["route"]; the first normal or loop-back edge is the
// default.
func (g *CompiledGraph) nextNode(current string, state map[string]interface{}) string {
	edges := g.edges[current]
	if len(edges) == 0 {
		return ""
	}

	route, _ := state["route"].(string)
	var fallback string
	for _, e := range edges {
		switch e.Type {
		case EdgeTypeConditional:
			if route != "" && e.RouteKey == route {
				return e.Target
			}
		default:
			if fallback == "" {
				fallback = e.Target
			}
		}
	}
	return fallback
}

func (g *CompiledGraph) emit(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// MessagesFromState extracts the message list from state values, tolerating
// the JSON round-trip through the checkpoint store where typed messages come
// back as generic maps.
func MessagesFromState(state map[string]interface{}) []Message {
	raw, ok := state["messages"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []Message:
		return v
	case []interface{}:
		out := make([]Message, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			msg := Message{}
			msg.Role, _ = m["role"].(string)
			msg.Content, _ = m["content"].(string)
			if calls, ok := m["tool_calls"].([]interface{}); ok {
				for _, c := range calls {
					cm, ok := c.(map[string]interface{})
					if !ok {
						continue
					}
					tc := ToolCall{}
					tc.ID, _ = cm["id"].(string)
					tc.Name, _ = cm["name"].(string)
					tc.Arguments, _ = cm["arguments"].(map[string]interface{})
					msg.ToolCalls = append(msg.ToolCalls, tc)
				}
			}
			out = append(out, msg)
		}
		return out
	default:
		return nil
	}
}
