package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/logger"
)

type fakeLLM struct {
	reply  string
	chunks []string
	err    error
	calls  int
}

func (f *fakeLLM) StreamChat(ctx context.Context, params LLMParams, messages []Message, onDelta func(string)) (Message, error) {
	f.calls++
	if f.err != nil {
		return Message{}, f.err
	}
	for _, c := range f.chunks {
		onDelta(c)
	}
	return Message{Role: "assistant", Content: f.reply}, nil
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func typesOf(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestCompileRejectsEmptyAndDuplicates(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{}

	if _, err := Compile("g", nil, nil, llm, LLMParams{}, nil, store, testLog(t)); err == nil {
		t.Error("expected error for empty graph")
	}

	nodes := []NodeSpec{{ID: "a", Type: NodeTypeAgent}, {ID: "a", Type: NodeTypeAgent}}
	if _, err := Compile("g", nodes, nil, llm, LLMParams{}, nil, store, testLog(t)); err == nil {
		t.Error("expected error for duplicate node id")
	}

	nodes = []NodeSpec{{ID: "a", Type: NodeTypeAgent}}
	edges := []EdgeSpec{{ID: "e1", Source: "a", Target: "missing"}}
	if _, err := Compile("g", nodes, edges, llm, LLMParams{}, nil, store, testLog(t)); err == nil {
		t.Error("expected error for dangling edge target")
	}
}

func TestStreamEventsLinearGraph(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{reply: "hello there", chunks: []string{"hello ", "there"}}

	nodes := []NodeSpec{
		{ID: "start", Type: NodeTypeStart, Name: "start"},
		{ID: "agent", Type: NodeTypeAgent, Name: "assistant", Prompt: "be helpful"},
		{ID: "end", Type: NodeTypeEnd, Name: "end"},
	}
	edges := []EdgeSpec{
		{ID: "e1", Source: "start", Target: "agent", Type: EdgeTypeNormal},
		{ID: "e2", Source: "agent", Target: "end", Type: EdgeTypeNormal},
	}
	g, err := Compile("g1", nodes, edges, llm, LLMParams{Model: "test"}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ch, err := g.StreamEvents(context.Background(),
		Input{Messages: []Message{{Role: "user", Content: "hi"}}},
		Config{ThreadID: "t1", RunID: "r1"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(ch)

	var sawStreamChunks, sawModelEnd bool
	content := ""
	for _, ev := range events {
		switch ev.Type {
		case EventChatModelStream:
			content += ev.Chunk
			sawStreamChunks = true
		case EventChatModelEnd:
			sawModelEnd = true
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if !sawStreamChunks || content != "hello there" {
		t.Errorf("expected streamed chunks to assemble the reply, got %q", content)
	}
	if !sawModelEnd {
		t.Error("expected a chat_model_end event")
	}

	// Run completes with a task-free checkpoint holding the full transcript.
	snap, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if snap.Suspended() {
		t.Error("completed run must not leave a pending interrupt")
	}
	messages := MessagesFromState(snap.Values)
	last := LastAssistant(messages)
	if last == nil || last.Content != "hello there" {
		t.Errorf("expected assistant reply in final state, got %+v", last)
	}
}

func TestInterruptBeforeAndResume(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{reply: "approved text"}

	nodes := []NodeSpec{
		{ID: "draft", Type: NodeTypeAgent, Name: "draft", Prompt: "draft"},
		{ID: "approval", Type: NodeTypeAgent, Name: "approval", Prompt: "finalize", InterruptBefore: true},
	}
	edges := []EdgeSpec{{ID: "e1", Source: "draft", Target: "approval", Type: EdgeTypeNormal}}
	g, err := Compile("g2", nodes, edges, llm, LLMParams{}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	cfg := Config{ThreadID: "t2", RunID: "r1"}
	ch, err := g.StreamEvents(context.Background(),
		Input{Messages: []Message{{Role: "user", Content: "write"}}}, cfg)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	collect(ch)

	snap, err := g.GetState(context.Background(), cfg)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !snap.Suspended() {
		t.Fatal("expected run suspended at the approval node")
	}
	task := snap.Tasks[0]
	if task.Target != "approval" {
		t.Errorf("expected pending target approval, got %q", task.Target)
	}
	if task.Interrupt["node"] != "approval" || task.Interrupt["label"] != "approval" {
		t.Errorf("unexpected interrupt payload: %v", task.Interrupt)
	}
	if llm.calls != 1 {
		t.Errorf("only the draft node should have run, got %d llm calls", llm.calls)
	}

	// Resume continues at the pending target without re-triggering its
	// interrupt, and the completed run clears the pending task.
	ch, err = g.Resume(context.Background(),
		Command{Update: map[string]interface{}{"decision": "yes"}},
		Config{ThreadID: "t2", RunID: "r2"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	events := collect(ch)
	for _, ev := range events {
		if ev.Type == EventError {
			t.Fatalf("unexpected error on resume: %v", ev.Err)
		}
	}
	if llm.calls != 2 {
		t.Errorf("expected the approval node to run once on resume, got %d calls total", llm.calls)
	}

	snap, _ = g.GetState(context.Background(), cfg)
	if snap.Suspended() {
		t.Error("resumed run must clear the pending interrupt")
	}
	if snap.Values["decision"] != "yes" {
		t.Error("resume command update should merge into state")
	}
}

func TestResumeWithoutInterruptFails(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	g, err := Compile("g3", []NodeSpec{{ID: "a", Type: NodeTypeAgent}}, nil,
		&fakeLLM{reply: "x"}, LLMParams{}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := g.Resume(context.Background(), Command{}, Config{ThreadID: "missing"}); err == nil {
		t.Error("expected resume to fail without a suspended checkpoint")
	}
}

func TestResumeGotoOverridesTarget(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{reply: "redirected"}

	nodes := []NodeSpec{
		{ID: "a", Type: NodeTypeAgent, Name: "a"},
		{ID: "b", Type: NodeTypeAgent, Name: "b"},
	}
	g, err := Compile("g4", nodes, nil, llm, LLMParams{}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	seed := &checkpoint.Snapshot{
		Values: map[string]interface{}{"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}}},
		Tasks:  []checkpoint.PendingTask{{ID: "t", Target: "a"}},
	}
	if err := store.Put(context.Background(), "t4", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := g.Resume(context.Background(), Command{Goto: "nowhere"}, Config{ThreadID: "t4"}); err == nil {
		t.Error("expected error for goto to unknown node")
	}

	ch, err := g.Resume(context.Background(), Command{Goto: "b"}, Config{ThreadID: "t4", RunID: "r"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	events := collect(ch)
	for _, ev := range events {
		if ev.Type == EventChainStart && ev.Node == "a" {
			t.Error("goto should bypass the original target")
		}
	}
}

func TestConditionalRouting(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{reply: "done"}
	registry := NewStaticRegistry()
	routed := false
	registry.Register("", &FuncTool{
		ToolName: "mark",
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			routed = true
			return "ok", nil
		},
	})

	nodes := []NodeSpec{
		{ID: "router", Type: NodeTypeStart},
		{ID: "yes", Type: NodeTypeTool, Tools: []string{"mark"}, Config: map[string]interface{}{}},
		{ID: "no", Type: NodeTypeAgent, Prompt: "nope"},
	}
	edges := []EdgeSpec{
		{ID: "e1", Source: "router", Target: "yes", Type: EdgeTypeConditional, RouteKey: "approve"},
		{ID: "e2", Source: "router", Target: "no", Type: EdgeTypeNormal},
	}
	g, err := Compile("g5", nodes, edges, llm, LLMParams{}, registry, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ch, err := g.StreamEvents(context.Background(),
		Input{Context: map[string]interface{}{"route": "approve"}},
		Config{ThreadID: "t5", RunID: "r"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	collect(ch)

	if !routed {
		t.Error("conditional edge matching the route should win over the normal edge")
	}
	if llm.calls != 0 {
		t.Error("the fallback branch must not run when the conditional matched")
	}
}

func TestRecursionLimit(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{reply: "loop"}

	nodes := []NodeSpec{
		{ID: "a", Type: NodeTypeAgent},
		{ID: "b", Type: NodeTypeAgent},
	}
	edges := []EdgeSpec{
		{ID: "e1", Source: "a", Target: "b", Type: EdgeTypeNormal},
		{ID: "e2", Source: "b", Target: "a", Type: EdgeTypeLoopBack},
	}
	g, err := Compile("g6", nodes, edges, llm, LLMParams{}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ch, err := g.StreamEvents(context.Background(), Input{}, Config{ThreadID: "t6", RunID: "r", RecursionLimit: 5})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(ch)
	last := events[len(events)-1]
	if last.Type != EventError || last.Err == nil {
		t.Fatalf("expected a final error event, got %+v", last)
	}
}

func TestNodeErrorEmitsErrorEvent(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	llm := &fakeLLM{err: errors.New("provider down")}

	g, err := Compile("g7", []NodeSpec{{ID: "a", Type: NodeTypeAgent, Name: "a"}}, nil,
		llm, LLMParams{}, nil, store, testLog(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ch, err := g.StreamEvents(context.Background(), Input{}, Config{ThreadID: "t7", RunID: "r"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("expected trailing error event, got types %v", typesOf(events))
	}
}

func TestMessagesFromState(t *testing.T) {
	if got := MessagesFromState(map[string]interface{}{}); got != nil {
		t.Error("expected nil for missing messages")
	}

	typed := map[string]interface{}{"messages": []Message{{Role: "user", Content: "hi"}}}
	if got := MessagesFromState(typed); len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("typed messages should pass through, got %+v", got)
	}

	// Checkpoint round-trip shape: generic maps.
	generic := map[string]interface{}{"messages": []interface{}{
		map[string]interface{}{"role": "assistant", "content": "ok", "tool_calls": []interface{}{
			map[string]interface{}{"id": "c1", "name": "search", "arguments": map[string]interface{}{"q": "go"}},
		}},
		"not a map",
	}}
	got := MessagesFromState(generic)
	if len(got) != 1 {
		t.Fatalf("expected 1 decoded message, got %d", len(got))
	}
	if got[0].Role != "assistant" || len(got[0].ToolCalls) != 1 || got[0].ToolCalls[0].Name != "search" {
		t.Errorf("unexpected decoded message: %+v", got[0])
	}
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry()
	RegisterBuiltins(r)

	if _, err := r.Resolve("", "current_time"); err != nil {
		t.Errorf("builtin current_time should resolve: %v", err)
	}
	// Server namespaces fall back to the default namespace.
	if _, err := r.Resolve("some-server", "echo"); err != nil {
		t.Errorf("expected default-namespace fallback: %v", err)
	}
	if _, err := r.Resolve("", "missing"); err == nil {
		t.Error("expected error for unknown tool")
	}

	echo, err := r.Resolve("", "echo")
	if err != nil {
		t.Fatalf("resolve echo: %v", err)
	}
	out, err := echo.Call(context.Background(), map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("call echo: %v", err)
	}
	if m, ok := out.(map[string]interface{}); !ok || m["a"] != 1 {
		t.Errorf("echo should return its arguments, got %v", out)
	}
}
