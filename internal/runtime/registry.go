package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticRegistry is an in-process ToolRegistry. Tools are registered at
// startup, optionally namespaced by server. Lookups fall back to the default
// namespace when the server has no entry, so builtin tools stay reachable for
// graphs that pin a server name.
type StaticRegistry struct {
	mu    sync.RWMutex
	tools map[string]map[string]Tool
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{tools: make(map[string]map[string]Tool)}
}

// Register adds a tool under the given server namespace. An empty server
// registers the tool in the default namespace.
func (r *StaticRegistry) Register(server string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[server]; !ok {
		r.tools[server] = make(map[string]Tool)
	}
	r.tools[server][tool.Name()] = tool
}

// Resolve implements ToolRegistry.
func (r *StaticRegistry) Resolve(server, name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tools, ok := r.tools[server]; ok {
		if tool, ok := tools[name]; ok {
			return tool, nil
		}
	}
	if server != "" {
		if tool, ok := r.tools[""][name]; ok {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found on server %q", name, server)
}

var _ ToolRegistry = (*StaticRegistry)(nil)

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (t *FuncTool) Name() string        { return t.ToolName }
func (t *FuncTool) Description() string { return t.Desc }

func (t *FuncTool) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.Fn(ctx, args)
}

// RegisterBuiltins installs the tools every deployment gets without any
// external tool server configured.
func RegisterBuiltins(r *StaticRegistry) {
	r.Register("", &FuncTool{
		ToolName: "current_time",
		Desc:     "Returns the current UTC time in RFC 3339 format.",
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})
	r.Register("", &FuncTool{
		ToolName: "echo",
		Desc:     "Returns its input unchanged. Useful for graph wiring checks.",
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args, nil
		},
	})
}
