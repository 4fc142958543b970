// Package runtime defines the graph execution contract the rest of the engine
// depends on: the typed event stream, the resume command, and a compiled graph
// implementation that drives LLM nodes and tools.
package runtime

import "strings"

// Event type discriminators emitted by a running graph.
const (
	EventChatModelStart  = "chat_model_start"
	EventChatModelStream = "chat_model_stream"
	EventChatModelEnd    = "chat_model_end"
	EventToolStart       = "tool_start"
	EventToolEnd         = "tool_end"
	EventChainStart      = "chain_start"
	EventChainEnd        = "chain_end"
	EventError           = "error"
)

// ToolCall records one tool invocation made by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is a single chat message flowing through the graph state.
type Message struct {
	Role      string     `json:"role"` // user | assistant | system | tool
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Event is one item in a run's event stream. Fields are populated per type:
// Chunk for chat_model_stream, Input/Output for tool and chain boundaries,
// Messages on chain_end when the node produced messages, Err for error events.
type Event struct {
	Type     string
	Name     string
	RunID    string
	Node     string // originating node id, empty for non-node events
	Tags     []string
	Chunk    string
	Input    map[string]interface{}
	Output   map[string]interface{}
	Messages []Message
	Err      error
}

// IsNodeEvent reports whether a chain event marks a node boundary. Chain
// events without node attribution (outer graph wrappers, sub-chains) are
// skipped for node-lifecycle purposes.
func (e Event) IsNodeEvent() bool {
	if e.Node != "" {
		return true
	}
	name := strings.ToLower(e.Name)
	if !strings.Contains(name, "node") {
		return false
	}
	for _, exclude := range []string{"tool", "model", "llm", "chat"} {
		if strings.Contains(name, exclude) {
			return false
		}
	}
	return true
}

// LastAssistant returns the final assistant message in a list, or nil.
func LastAssistant(messages []Message) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return &messages[i]
		}
	}
	return nil
}
