package runtime

import (
	"context"

	"github.com/agentflow/agentflow/internal/checkpoint"
)

// LLMParams carries resolved provider configuration for a run. Credential
// resolution happens upstream; the runtime treats these as opaque.
type LLMParams struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Command continues an interrupted run. Update merges into the checkpointed
// state values; Goto overrides the node the run continues from. Either may be
// empty.
type Command struct {
	Update map[string]interface{} `json:"update,omitempty"`
	Goto   string                 `json:"goto,omitempty"`
}

// Config identifies a run and carries its per-turn limits.
type Config struct {
	ThreadID       string
	RunID          string
	RecursionLimit int
}

// Input is the payload for a fresh turn.
type Input struct {
	Messages []Message
	Context  map[string]interface{}
}

// Tool is an executable capability exposed to graph nodes.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// ToolRegistry resolves tools by server and name. Tool lifecycles (including
// any containerized backends) are owned by the registry, not the runtime.
type ToolRegistry interface {
	Resolve(server, name string) (Tool, error)
}

// Runtime executes a compiled graph. Implementations are stateless across
// requests; continuation lives in the checkpoint store.
type Runtime interface {
	// StreamEvents starts a fresh turn and returns its event stream. The
	// channel is closed when the run finishes, suspends at an interrupt, or
	// fails (failures arrive as a final error event).
	StreamEvents(ctx context.Context, input Input, cfg Config) (<-chan Event, error)

	// Resume continues from the thread's checkpoint using the command.
	Resume(ctx context.Context, cmd Command, cfg Config) (<-chan Event, error)

	// GetState reads the thread's checkpoint snapshot.
	GetState(ctx context.Context, cfg Config) (*checkpoint.Snapshot, error)

	// Cleanup releases process-wide resources held for the run.
	Cleanup(ctx context.Context) error
}
