package runtime

import "testing"

func TestIsNodeEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"node attribution wins", Event{Type: EventChainStart, Node: "agent-1"}, true},
		{"named node chain", Event{Type: EventChainStart, Name: "approval_node"}, true},
		{"anonymous chain", Event{Type: EventChainStart, Name: "RunnableSequence"}, false},
		{"tool-ish chain", Event{Type: EventChainStart, Name: "tool_node_wrapper"}, false},
		{"model-ish chain", Event{Type: EventChainEnd, Name: "chat_model_node"}, false},
		{"llm chain", Event{Type: EventChainEnd, Name: "llm_node"}, false},
		{"empty", Event{Type: EventChainStart}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.IsNodeEvent(); got != tt.want {
				t.Errorf("IsNodeEvent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastAssistant(t *testing.T) {
	if LastAssistant(nil) != nil {
		t.Error("expected nil for empty list")
	}

	messages := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "first"},
		{Role: "tool", Content: "result"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "bye"},
	}
	got := LastAssistant(messages)
	if got == nil || got.Content != "second" {
		t.Fatalf("expected final assistant message, got %+v", got)
	}

	onlyUser := []Message{{Role: "user", Content: "hi"}}
	if LastAssistant(onlyUser) != nil {
		t.Error("expected nil when no assistant message exists")
	}
}
