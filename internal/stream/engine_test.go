package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/config"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	convrepo "github.com/agentflow/agentflow/internal/conversation/repository"
	convservice "github.com/agentflow/agentflow/internal/conversation/service"
	graphservice "github.com/agentflow/agentflow/internal/graph/service"
	"github.com/agentflow/agentflow/internal/runtime"
	"github.com/agentflow/agentflow/internal/taskmanager"
)

type fakeRuntime struct {
	mu       sync.Mutex
	events   []runtime.Event
	startErr error
	state    *checkpoint.Snapshot
	stateErr error
	cleanups int
	resumeCmd *runtime.Command
}

func (f *fakeRuntime) stream() <-chan runtime.Event {
	ch := make(chan runtime.Event, len(f.events)+1)
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeRuntime) StreamEvents(ctx context.Context, input runtime.Input, cfg runtime.Config) (<-chan runtime.Event, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.stream(), nil
}

func (f *fakeRuntime) Resume(ctx context.Context, cmd runtime.Command, cfg runtime.Config) (<-chan runtime.Event, error) {
	f.mu.Lock()
	f.resumeCmd = &cmd
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.stream(), nil
}

func (f *fakeRuntime) GetState(ctx context.Context, cfg runtime.Config) (*checkpoint.Snapshot, error) {
	return f.state, f.stateErr
}

func (f *fakeRuntime) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return nil
}

type fakeResolver struct {
	rt      *fakeRuntime
	graphID string
	err     error
}

func (f *fakeResolver) Resolve(ctx context.Context, graphID *string, userID string, params runtime.LLMParams) (*graphservice.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &graphservice.Resolved{Runtime: f.rt, GraphID: f.graphID}, nil
}

type fakeSender struct {
	mu        sync.Mutex
	envelopes []Envelope
	failAfter int // fail once this many envelopes were accepted; 0 disables
	onSend    func(Envelope)
}

func (f *fakeSender) Send(env Envelope) error {
	f.mu.Lock()
	if f.failAfter > 0 && len(f.envelopes) >= f.failAfter {
		f.mu.Unlock()
		return errors.New("client gone")
	}
	f.envelopes = append(f.envelopes, env)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(env)
	}
	return nil
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.envelopes))
	for _, env := range f.envelopes {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeSender) last() Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envelopes[len(f.envelopes)-1]
}

type harness struct {
	engine *Engine
	conv   *convservice.Service
	rt     *fakeRuntime
}

func newHarness(t *testing.T, rt *fakeRuntime, graphID string) *harness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	conv := convservice.NewService(convrepo.NewMemoryRepository(), log)
	cfg := config.StreamConfig{StateReadRetries: 1, StateReadBackoffMs: 1, RecursionLimit: 10}
	engine := NewEngine(taskmanager.NewManager(0, log), &fakeResolver{rt: rt, graphID: graphID}, conv, nil, cfg, config.LLMConfig{}, log)
	return &harness{engine: engine, conv: conv, rt: rt}
}

func chatEvents(chunks ...string) []runtime.Event {
	evs := []runtime.Event{{Type: runtime.EventChatModelStart, Node: "agent"}}
	for _, c := range chunks {
		evs = append(evs, runtime.Event{Type: runtime.EventChatModelStream, Node: "agent", Chunk: c})
	}
	evs = append(evs, runtime.Event{Type: runtime.EventChatModelEnd, Node: "agent"})
	return evs
}

func TestPrepareTurnValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeRuntime{}, "")

	if _, err := h.engine.PrepareTurn(ctx, TurnRequest{Message: "hi"}); apperrors.GetHTTPStatus(err) != 401 {
		t.Errorf("missing user should be 401, got %v", err)
	}
	if _, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "  "}); apperrors.GetHTTPStatus(err) != 400 {
		t.Errorf("blank message should be 400, got %v", err)
	}
}

func TestRunCompletesWithDone(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{
		events: chatEvents("hel", "lo"),
		state: &checkpoint.Snapshot{Values: map[string]interface{}{
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "hi"},
				map[string]interface{}{"role": "assistant", "content": "hello"},
			},
		}},
	}
	h := newHarness(t, rt, "")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	sender := &fakeSender{}
	turn.Run(ctx, sender)

	types := sender.types()
	if types[0] != TypeStatus {
		t.Errorf("stream must open with a status envelope, got %v", types)
	}
	if sender.last().Type != TypeDone {
		t.Errorf("stream must end with done, got %v", types)
	}

	content := ""
	for _, env := range sender.envelopes {
		if env.Type == TypeContent {
			content += env.Data["delta"].(string)
		}
	}
	if content != "hello" {
		t.Errorf("content deltas should reassemble the reply, got %q", content)
	}

	// The assistant reply from the final state is persisted.
	msgs, err := h.engine.Messages(ctx, turn.ThreadID(), "u1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Fatalf("expected user + assistant message, got %+v", msgs)
	}

	if rt.cleanups != 1 {
		t.Errorf("runtime cleanup should run exactly once, got %d", rt.cleanups)
	}
	if h.engine.tasks.IsRunning(turn.ThreadID()) {
		t.Error("task should be released after the run")
	}
}

func TestRunStopMidStream(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{events: chatEvents("a", "b", "c", "d")}
	h := newHarness(t, rt, "")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	sender := &fakeSender{}
	sender.onSend = func(env Envelope) {
		if env.Type == TypeContent {
			h.engine.Stop(ctx, turn.ThreadID(), "u1")
		}
	}
	turn.Run(ctx, sender)

	last := sender.last()
	if last.Type != TypeError || last.Data["code"] != CodeStopped {
		t.Fatalf("stopped run must end with a stopped error envelope, got %+v", last)
	}
	for _, env := range sender.envelopes {
		if env.Type == TypeDone {
			t.Error("stopped run must not emit done")
		}
	}
	if rt.cleanups != 1 {
		t.Errorf("teardown must still run, got %d cleanups", rt.cleanups)
	}
}

func TestStopWithoutRun(t *testing.T) {
	h := newHarness(t, &fakeRuntime{}, "")
	status, cancelled := h.engine.Stop(context.Background(), "no-such-thread", "u1")
	if status != "not_running" || cancelled {
		t.Errorf("expected not_running, got %q cancelled=%v", status, cancelled)
	}
}

func TestRunDetectsInterrupt(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{
		events: chatEvents("draft"),
		state: &checkpoint.Snapshot{
			Values: map[string]interface{}{"draft": "text"},
			Tasks: []checkpoint.PendingTask{{
				ID:        "task-1",
				Target:    "approval",
				Interrupt: map[string]interface{}{"node": "approval", "label": "Approval gate"},
			}},
		},
	}
	h := newHarness(t, rt, "g1")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	sender := &fakeSender{}
	turn.Run(ctx, sender)

	last := sender.last()
	if last.Type != TypeInterrupt {
		t.Fatalf("suspended run must end with an interrupt envelope, got %v", sender.types())
	}
	if last.Data["node_name"] != "approval" || last.Data["node_label"] != "Approval gate" {
		t.Errorf("interrupt envelope should describe the pending node, got %v", last.Data)
	}

	// The conversation is marked so a later resume can find the graph.
	conv, err := h.conv.Get(ctx, turn.ThreadID())
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.InterruptedGraphID() != "g1" {
		t.Errorf("expected interrupt marker g1, got %q", conv.InterruptedGraphID())
	}
}

func TestRunClientDisconnectStillPersists(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{events: chatEvents("par", "tial", " reply")}
	h := newHarness(t, rt, "")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Accept status + chat_model_start + two deltas, then drop the connection.
	sender := &fakeSender{failAfter: 4}
	turn.Run(ctx, sender)

	for _, env := range sender.envelopes {
		if env.Type == TypeDone || env.Type == TypeInterrupt {
			t.Errorf("disconnected stream should not emit %s", env.Type)
		}
	}

	// The partial content accumulated before the disconnect is persisted.
	msgs, err := h.engine.Messages(ctx, turn.ThreadID(), "u1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + partial assistant message, got %d", len(msgs))
	}
	if msgs[1].Content != "partial reply" {
		t.Errorf("expected accumulated content, got %q", msgs[1].Content)
	}
	if rt.cleanups != 1 {
		t.Errorf("teardown must run on disconnect, got %d cleanups", rt.cleanups)
	}
}

func TestRunErrorEventEndsStream(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventChatModelStart, Node: "agent"},
		{Type: runtime.EventError, Node: "agent", Err: errors.New("provider down")},
	}}
	h := newHarness(t, rt, "")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	sender := &fakeSender{}
	turn.Run(ctx, sender)

	last := sender.last()
	if last.Type != TypeError || last.Data["code"] != CodeInternal {
		t.Fatalf("expected internal error envelope last, got %+v", last)
	}
	for _, env := range sender.envelopes {
		if env.Type == TypeDone {
			t.Error("errored run must not emit done")
		}
	}
}

func TestRunStartFailureBecomesEnvelope(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{startErr: errors.New("compile exploded")}
	h := newHarness(t, rt, "")

	turn, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	sender := &fakeSender{}
	turn.Run(ctx, sender)

	// Post-open failures arrive on the stream, not as HTTP errors.
	last := sender.last()
	if last.Type != TypeError || last.Data["code"] != CodeInternal {
		t.Fatalf("expected error envelope, got %+v", last)
	}
}

func TestPrepareResume(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{
		events: chatEvents("resumed reply"),
		state: &checkpoint.Snapshot{
			Values: map[string]interface{}{},
			Tasks:  []checkpoint.PendingTask{{ID: "t", Target: "approval"}},
		},
	}
	h := newHarness(t, rt, "g1")

	// No conversation at all.
	if _, err := h.engine.PrepareResume(ctx, ResumeRequest{UserID: "u1", ThreadID: "missing"}); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("unknown thread should 404, got %v", err)
	}

	threadID, _, err := h.conv.GetOrCreate(ctx, "", "u1", "hi", nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	// No interrupt marker yet.
	if _, err := h.engine.PrepareResume(ctx, ResumeRequest{UserID: "u1", ThreadID: threadID}); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("thread without marker should 404, got %v", err)
	}

	if err := h.conv.SetInterruptMarker(ctx, threadID, "g1"); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	// Wrong user.
	if _, err := h.engine.PrepareResume(ctx, ResumeRequest{UserID: "intruder", ThreadID: threadID}); apperrors.GetHTTPStatus(err) != 403 {
		t.Errorf("non-owner should 403, got %v", err)
	}

	turn, err := h.engine.PrepareResume(ctx, ResumeRequest{
		UserID:   "u1",
		ThreadID: threadID,
		Command:  runtime.Command{Update: map[string]interface{}{"decision": "approve"}},
	})
	if err != nil {
		t.Fatalf("prepare resume: %v", err)
	}

	// Completed resume clears the pending task before the final state read.
	rt.state = &checkpoint.Snapshot{Values: map[string]interface{}{}}

	sender := &fakeSender{}
	turn.Run(ctx, sender)

	if sender.envelopes[0].Data["status"] != "resumed" {
		t.Errorf("resume stream should open with status resumed, got %v", sender.envelopes[0].Data)
	}
	if sender.last().Type != TypeDone {
		t.Errorf("resume should finish with done, got %v", sender.types())
	}

	rt.mu.Lock()
	cmd := rt.resumeCmd
	rt.mu.Unlock()
	if cmd == nil || cmd.Update["decision"] != "approve" {
		t.Errorf("resume command should reach the runtime, got %+v", cmd)
	}

	// Marker cleared after a completed (non-interrupted) run.
	conv, _ := h.conv.Get(ctx, threadID)
	if conv.InterruptedGraphID() != "" {
		t.Error("interrupt marker should clear after resume completes")
	}
}

func TestPrepareResumeExpiredCheckpoint(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{state: &checkpoint.Snapshot{Values: map[string]interface{}{}}}
	h := newHarness(t, rt, "g1")

	threadID, _, _ := h.conv.GetOrCreate(ctx, "", "u1", "hi", nil)
	h.conv.SetInterruptMarker(ctx, threadID, "g1")

	// Marker present but the checkpoint no longer holds a pending task.
	if _, err := h.engine.PrepareResume(ctx, ResumeRequest{UserID: "u1", ThreadID: threadID}); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("expired continuation should 404, got %v", err)
	}
}

func TestSequentialTurnsOnSameThread(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{events: chatEvents("reply")}
	h := newHarness(t, rt, "")

	turn1, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", Message: "first"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	turn2, err := h.engine.PrepareTurn(ctx, TurnRequest{UserID: "u1", ThreadID: turn1.ThreadID(), Message: "second"})
	if err != nil {
		t.Fatalf("prepare second: %v", err)
	}

	// Both turns target the same thread. Once the second finishes and
	// releases its handle, the first registers fresh and runs clean.
	sender2 := &fakeSender{}
	turn2.Run(ctx, sender2)
	if sender2.last().Type != TypeDone {
		t.Fatalf("turn2 expected done, got %v", sender2.types())
	}

	sender1 := &fakeSender{}
	turn1.Run(ctx, sender1)
	if sender1.last().Type != TypeDone {
		t.Errorf("turn1 expected done after turn2 released the thread, got %v", sender1.types())
	}
}
