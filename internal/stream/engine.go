package stream

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/appctx"
	"github.com/agentflow/agentflow/internal/common/config"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	convmodels "github.com/agentflow/agentflow/internal/conversation/models"
	"github.com/agentflow/agentflow/internal/events"
	"github.com/agentflow/agentflow/internal/events/bus"
	graphservice "github.com/agentflow/agentflow/internal/graph/service"
	"github.com/agentflow/agentflow/internal/runtime"
	"github.com/agentflow/agentflow/internal/taskmanager"
)

// teardownTimeout bounds post-run persistence after the request context dies.
const teardownTimeout = 10 * time.Second

// GraphResolver compiles a runtime for a turn.
type GraphResolver interface {
	Resolve(ctx context.Context, graphID *string, userID string, params runtime.LLMParams) (*graphservice.Resolved, error)
}

// ConversationStore is the subset of the conversation service the engine uses.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, threadID, ownerUserID, seedMessage string, metadata map[string]interface{}) (string, *convmodels.Conversation, error)
	Get(ctx context.Context, threadID string) (*convmodels.Conversation, error)
	AppendUserMessage(ctx context.Context, threadID, content string, metadata map[string]interface{}) error
	AppendAssistantMessage(ctx context.Context, threadID string, messages []runtime.Message) error
	SetInterruptMarker(ctx context.Context, threadID, graphID string) error
	ClearInterruptMarker(ctx context.Context, threadID string) error
	ListMessages(ctx context.Context, threadID, userID string) ([]*convmodels.Message, error)
}

// Engine drives conversation runs.
type Engine struct {
	tasks         *taskmanager.Manager
	resolver      GraphResolver
	conversations ConversationStore
	bus           bus.EventBus
	cfg           config.StreamConfig
	llm           config.LLMConfig
	logger        *logger.Logger
}

// NewEngine creates a stream engine.
func NewEngine(tasks *taskmanager.Manager, resolver GraphResolver, conversations ConversationStore, eventBus bus.EventBus, cfg config.StreamConfig, llm config.LLMConfig, log *logger.Logger) *Engine {
	return &Engine{
		tasks:         tasks,
		resolver:      resolver,
		conversations: conversations,
		bus:           eventBus,
		cfg:           cfg,
		llm:           llm,
		logger:        log.WithFields(zap.String("component", "stream-engine")),
	}
}

// TurnRequest starts a fresh turn.
type TurnRequest struct {
	UserID   string
	Message  string
	ThreadID string
	GraphID  *string
	Metadata map[string]interface{}
}

// ResumeRequest continues an interrupted turn.
type ResumeRequest struct {
	UserID   string
	ThreadID string
	Command  runtime.Command
}

// Turn is a prepared run: all pre-stream work (persistence of the user
// message, access checks, runtime compilation) already happened, so failures
// past this point are delivered as error envelopes on the open stream.
type Turn struct {
	engine   *Engine
	userID   string
	threadID string
	runID    string
	graphID  string
	resolved *graphservice.Resolved
	input    runtime.Input
	resume   *runtime.Command
}

// PrepareTurn validates and persists everything that must succeed before the
// stream opens: conversation creation, the user message, and runtime
// resolution.
func (e *Engine) PrepareTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.UserID == "" {
		return nil, apperrors.Unauthorized("missing caller identity")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperrors.ValidationError("message", "must not be empty")
	}

	threadID, _, err := e.conversations.GetOrCreate(ctx, req.ThreadID, req.UserID, req.Message, nil)
	if err != nil {
		return nil, err
	}
	if err := e.conversations.AppendUserMessage(ctx, threadID, req.Message, req.Metadata); err != nil {
		return nil, err
	}

	resolved, err := e.resolver.Resolve(ctx, req.GraphID, req.UserID, e.llmParams())
	if err != nil {
		return nil, err
	}

	history, err := e.conversations.ListMessages(ctx, threadID, req.UserID)
	if err != nil {
		return nil, err
	}
	input := runtime.Input{Context: resolved.Context}
	for _, m := range history {
		input.Messages = append(input.Messages, runtime.Message{Role: m.Role, Content: m.Content})
	}

	return &Turn{
		engine:   e,
		userID:   req.UserID,
		threadID: threadID,
		runID:    uuid.New().String(),
		graphID:  resolved.GraphID,
		resolved: resolved,
		input:    input,
	}, nil
}

// PrepareResume validates an interrupted thread and compiles its runtime.
// The checkpoint must still hold a pending task; an expired one fails
// not_found since the continuation is gone.
func (e *Engine) PrepareResume(ctx context.Context, req ResumeRequest) (*Turn, error) {
	if req.UserID == "" {
		return nil, apperrors.Unauthorized("missing caller identity")
	}
	conv, err := e.conversations.Get(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerUserID != req.UserID {
		return nil, apperrors.Forbidden("no access to this conversation")
	}

	graphID := conv.InterruptedGraphID()
	if graphID == "" {
		return nil, apperrors.NotFoundMsg("no interrupted execution for this conversation")
	}

	resolved, err := e.resolver.Resolve(ctx, &graphID, req.UserID, e.llmParams())
	if err != nil {
		return nil, err
	}

	cfg := runtime.Config{ThreadID: req.ThreadID, RecursionLimit: e.cfg.RecursionLimit}
	snap, err := e.getStateWithRetry(ctx, resolved.Runtime, cfg, e.cfg.StateReadRetries, e.stateBackoff())
	if err != nil || !snap.Suspended() {
		return nil, apperrors.NotFoundMsg("no pending interrupt; execution may have expired")
	}

	cmd := req.Command
	return &Turn{
		engine:   e,
		userID:   req.UserID,
		threadID: req.ThreadID,
		runID:    uuid.New().String(),
		graphID:  graphID,
		resolved: resolved,
		resume:   &cmd,
	}, nil
}

// Stop requests a cooperative stop for the thread's run, then cancels its
// context to abort blocking runtime I/O. Returns not_running when no run is
// registered. The signal is also fanned out to the user's other sessions.
func (e *Engine) Stop(ctx context.Context, threadID, userID string) (string, bool) {
	if !e.tasks.Stop(threadID) {
		return "not_running", false
	}
	cancelled := e.tasks.Cancel(threadID)

	e.publish(ctx, events.SubjectUserNotifications(userID), events.RunStopped, map[string]interface{}{
		"thread_id": threadID,
		"user_id":   userID,
	})
	e.logger.Info("stop requested", zap.String("thread_id", threadID))
	return "stopped", cancelled
}

// Messages returns the thread's persisted messages.
func (e *Engine) Messages(ctx context.Context, threadID, userID string) ([]*convmodels.Message, error) {
	return e.conversations.ListMessages(ctx, threadID, userID)
}

// ThreadID of the prepared turn (allocated when the request carried none).
func (t *Turn) ThreadID() string { return t.threadID }

// Run drives the event loop over the open stream. It never returns an error:
// once the stream is open all failures are envelopes, and the teardown
// (deregistration, persistence, cleanup) runs on every exit path.
func (t *Turn) Run(ctx context.Context, send Sender) {
	e := t.engine
	log := e.logger.WithFields(zap.String("thread_id", t.threadID), zap.String("run_id", t.runID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Registration precedes the first envelope so an immediate stop request
	// can find the task.
	handle := e.tasks.Register(t.threadID, cancel)

	var (
		assistantContent strings.Builder
		allMessages      []runtime.Message
		stopped          bool
		interrupted      bool
		errored          bool
		clientClosed     bool
	)

	defer func() {
		t.finalize(handle, &assistantContent, allMessages, interrupted, stopped, errored, log)
	}()

	status := "connected"
	if t.resume != nil {
		status = "resumed"
	}
	if err := send.Send(newEnvelope(TypeStatus, t.threadID, t.runID, "", nil, map[string]interface{}{
		"status": status,
	})); err != nil {
		clientClosed = true
		stopped = true
		return
	}

	cfg := runtime.Config{ThreadID: t.threadID, RunID: t.runID, RecursionLimit: e.cfg.RecursionLimit}

	var evs <-chan runtime.Event
	var err error
	if t.resume != nil {
		evs, err = t.resolved.Runtime.Resume(runCtx, *t.resume, cfg)
	} else {
		evs, err = t.resolved.Runtime.StreamEvents(runCtx, t.input, cfg)
	}
	if err != nil {
		log.Error("failed to start run", zap.Error(err))
		_ = send.Send(newEnvelope(TypeError, t.threadID, t.runID, "", nil, map[string]interface{}{
			"message": err.Error(),
			"code":    CodeInternal,
		}))
		errored = true
		return
	}

	e.publish(ctx, events.SubjectUserNotifications(t.userID), events.RunStarted, map[string]interface{}{
		"thread_id": t.threadID,
		"run_id":    t.runID,
		"user_id":   t.userID,
	})

	for ev := range evs {
		if handle.Stopped() {
			stopped = true
			break
		}

		env, update := t.translate(ev, &assistantContent)
		if update != nil {
			allMessages = update
		}
		if ev.Type == runtime.EventError {
			errored = true
		}
		if env != nil {
			if sendErr := send.Send(*env); sendErr != nil {
				log.Info("client disconnected mid-stream", zap.Error(sendErr))
				clientClosed = true
				stopped = true
				cancel()
				break
			}
		}
		if errored {
			break
		}
	}

	if !stopped && !errored && handle.Stopped() {
		stopped = true
	}

	// Interrupt detection: only after the runtime stream drained normally.
	if !stopped && !errored && !clientClosed {
		snap, stateErr := e.getStateWithRetry(ctx, t.resolved.Runtime, cfg, e.cfg.StateReadRetries, e.stateBackoff())
		if stateErr != nil {
			log.Warn("checkpoint state read failed, assuming no interrupt", zap.Error(stateErr))
		} else if snap.Suspended() {
			task := snap.Tasks[0]
			label, _ := task.Interrupt["label"].(string)
			if label == "" {
				label = task.Target
			}
			if err := send.Send(newEnvelope(TypeInterrupt, t.threadID, t.runID, task.Target, nil, map[string]interface{}{
				"node_name":  task.Target,
				"node_label": label,
				"state":      snap.Values,
				"thread_id":  t.threadID,
			})); err != nil {
				clientClosed = true
			}
			if t.graphID != "" {
				if err := e.conversations.SetInterruptMarker(ctx, t.threadID, t.graphID); err != nil {
					log.Error("failed to set interrupt marker", zap.Error(err))
				}
			}
			interrupted = true
		}

		if len(allMessages) == 0 {
			// Fallback read so the teardown has messages to persist even when
			// the loop saw no node-end payload.
			if snap, err := e.getStateWithRetry(ctx, t.resolved.Runtime, cfg, 2, 50*time.Millisecond); err == nil && snap != nil {
				allMessages = runtime.MessagesFromState(snap.Values)
			}
		}
	}

	switch {
	case interrupted:
		// the interrupt envelope is the stream's last data event
	case stopped:
		_ = send.Send(newEnvelope(TypeError, t.threadID, t.runID, "", nil, map[string]interface{}{
			"message": "Stopped by user",
			"code":    CodeStopped,
		}))
	case errored:
		// the error envelope was already emitted
	default:
		_ = send.Send(newEnvelope(TypeDone, t.threadID, t.runID, "", nil, nil))
	}
}

// translate maps one runtime event to its envelope. It also accumulates
// content deltas and surfaces the message list carried by node-end events.
func (t *Turn) translate(ev runtime.Event, assistantContent *strings.Builder) (*Envelope, []runtime.Message) {
	switch ev.Type {
	case runtime.EventChatModelStream:
		assistantContent.WriteString(ev.Chunk)
		env := newEnvelope(TypeContent, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"delta": ev.Chunk,
		})
		return &env, nil

	case runtime.EventChatModelStart:
		env := newEnvelope(TypeChatModelStart, t.threadID, t.runID, ev.Node, ev.Tags, nil)
		return &env, nil

	case runtime.EventChatModelEnd:
		env := newEnvelope(TypeChatModelEnd, t.threadID, t.runID, ev.Node, ev.Tags, ev.Output)
		return &env, nil

	case runtime.EventToolStart:
		env := newEnvelope(TypeToolStart, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"tool":  ev.Name,
			"input": ev.Input["input"],
		})
		return &env, nil

	case runtime.EventToolEnd:
		env := newEnvelope(TypeToolEnd, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"tool":   ev.Name,
			"output": ev.Output["output"],
		})
		return &env, nil

	case runtime.EventChainStart:
		if !ev.IsNodeEvent() {
			return nil, nil
		}
		env := newEnvelope(TypeNodeStart, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"node_name":  ev.Node,
			"node_label": ev.Name,
		})
		return &env, nil

	case runtime.EventChainEnd:
		if !ev.IsNodeEvent() {
			return nil, nil
		}
		env := newEnvelope(TypeNodeEnd, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"node_name":  ev.Node,
			"node_label": ev.Name,
		})
		var update []runtime.Message
		if len(ev.Messages) > 0 {
			update = ev.Messages
		}
		return &env, update

	case runtime.EventError:
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		env := newEnvelope(TypeError, t.threadID, t.runID, ev.Node, ev.Tags, map[string]interface{}{
			"message": msg,
			"code":    CodeInternal,
		})
		return &env, nil

	default:
		return nil, nil
	}
}

// finalize runs on every exit path. It uses a detached context because the
// request context may already be cancelled by a disconnected client.
func (t *Turn) finalize(handle *taskmanager.Handle, assistantContent *strings.Builder, allMessages []runtime.Message, interrupted, stopped, errored bool, log *logger.Logger) {
	e := t.engine

	ctx, cancel := appctx.Detached(context.Background(), teardownTimeout)
	defer cancel()

	e.tasks.Release(handle)

	msgs := allMessages
	if runtime.LastAssistant(msgs) == nil && assistantContent.Len() > 0 {
		msgs = []runtime.Message{{Role: "assistant", Content: assistantContent.String()}}
	}
	if len(msgs) > 0 {
		if err := e.conversations.AppendAssistantMessage(ctx, t.threadID, msgs); err != nil {
			log.Error("failed to persist assistant message", zap.Error(err))
		}
	}

	if err := t.resolved.Runtime.Cleanup(ctx); err != nil {
		log.Warn("runtime cleanup failed", zap.Error(err))
	}

	if !interrupted {
		if err := e.conversations.ClearInterruptMarker(ctx, t.threadID); err != nil && !apperrors.IsNotFound(err) {
			log.Warn("failed to clear interrupt marker", zap.Error(err))
		}
	}

	outcome := events.RunCompleted
	switch {
	case interrupted:
		outcome = events.RunInterrupted
	case stopped:
		outcome = events.RunStopped
	case errored:
		outcome = events.RunFailed
	}
	e.publish(ctx, events.SubjectUserNotifications(t.userID), outcome, map[string]interface{}{
		"thread_id": t.threadID,
		"run_id":    t.runID,
		"user_id":   t.userID,
	})
}

func (e *Engine) llmParams() runtime.LLMParams {
	return runtime.LLMParams{
		APIKey:    e.llm.APIKey,
		BaseURL:   e.llm.BaseURL,
		Model:     e.llm.Model,
		MaxTokens: e.llm.MaxTokens,
	}
}

func (e *Engine) stateBackoff() time.Duration {
	return time.Duration(e.cfg.StateReadBackoffMs) * time.Millisecond
}

func (e *Engine) getStateWithRetry(ctx context.Context, rt runtime.Runtime, cfg runtime.Config, attempts int, backoff time.Duration) (*checkpoint.Snapshot, error) {
	return checkpoint.GetWithRetry(ctx, attempts, backoff, func(ctx context.Context) (*checkpoint.Snapshot, error) {
		return rt.GetState(ctx, cfg)
	})
}

func (e *Engine) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, "stream-engine", data)); err != nil {
		e.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
