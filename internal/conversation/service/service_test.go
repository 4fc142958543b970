package service

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/conversation/models"
	"github.com/agentflow/agentflow/internal/conversation/repository"
	"github.com/agentflow/agentflow/internal/runtime"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewService(repository.NewMemoryRepository(), log)
}

func TestGetOrCreateNewThread(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	threadID, conv, err := svc.GetOrCreate(ctx, "", "u1", "Help me plan a trip to Lisbon", nil)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if threadID == "" {
		t.Fatal("expected a generated thread id")
	}
	if conv.Title != "Help me plan a trip to Lisbon" {
		t.Errorf("unexpected title %q", conv.Title)
	}
	if conv.OwnerUserID != "u1" {
		t.Errorf("unexpected owner %q", conv.OwnerUserID)
	}

	// Existing thread comes back untouched, seed message ignored.
	again, conv2, err := svc.GetOrCreate(ctx, threadID, "u1", "different seed", nil)
	if err != nil {
		t.Fatalf("get or create existing: %v", err)
	}
	if again != threadID || conv2.Title != conv.Title {
		t.Error("existing conversation should be returned as-is")
	}
}

func TestGetOrCreateExplicitThreadID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	threadID, _, err := svc.GetOrCreate(ctx, "client-chosen-id", "u1", "hello", nil)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if threadID != "client-chosen-id" {
		t.Errorf("client-supplied thread id should be honored, got %q", threadID)
	}
}

func TestTitleTruncation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	long := strings.Repeat("héllo ", 20) // multi-byte runes
	_, conv, err := svc.GetOrCreate(ctx, "", "u1", long, nil)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if got := len([]rune(conv.Title)); got != titleLimit {
		t.Errorf("expected title truncated to %d runes, got %d", titleLimit, got)
	}

	_, conv, _ = svc.GetOrCreate(ctx, "", "u1", "  padded  ", nil)
	if conv.Title != "padded" {
		t.Errorf("title should be trimmed, got %q", conv.Title)
	}
}

func TestAppendAssistantMessage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	threadID, _, _ := svc.GetOrCreate(ctx, "", "u1", "hi", nil)

	// No assistant message in the list is not an error.
	if err := svc.AppendAssistantMessage(ctx, threadID, []runtime.Message{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("append without assistant: %v", err)
	}
	msgs, _ := svc.ListMessages(ctx, threadID, "u1")
	if len(msgs) != 0 {
		t.Fatalf("expected no messages persisted, got %d", len(msgs))
	}

	messages := []runtime.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "draft"},
		{Role: "assistant", Content: "final answer", ToolCalls: []runtime.ToolCall{
			{ID: "c1", Name: "search", Arguments: map[string]interface{}{"q": "go"}},
		}},
	}
	if err := svc.AppendAssistantMessage(ctx, threadID, messages); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, threadID, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly the final assistant message, got %d", len(msgs))
	}
	if msgs[0].Content != "final answer" || msgs[0].Role != models.RoleAssistant {
		t.Errorf("unexpected message %+v", msgs[0])
	}
	if msgs[0].Metadata[models.MetaToolCalls] == nil {
		t.Error("tool calls should be recorded in metadata")
	}
}

func TestListMessagesOwnership(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	threadID, _, _ := svc.GetOrCreate(ctx, "", "u1", "hi", nil)
	svc.AppendUserMessage(ctx, threadID, "hi", nil)

	if _, err := svc.ListMessages(ctx, threadID, "intruder"); err == nil {
		t.Fatal("expected forbidden for non-owner")
	} else if apperrors.GetHTTPStatus(err) != 403 {
		t.Errorf("expected 403, got %d", apperrors.GetHTTPStatus(err))
	}

	if _, err := svc.ListMessages(ctx, "missing", "u1"); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("expected 404 for unknown thread, got %v", err)
	}
}

func TestInterruptMarker(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	threadID, _, _ := svc.GetOrCreate(ctx, "", "u1", "hi", nil)

	if err := svc.SetInterruptMarker(ctx, threadID, "g1"); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	conv, _ := svc.Get(ctx, threadID)
	if conv.InterruptedGraphID() != "g1" {
		t.Errorf("expected marker g1, got %q", conv.InterruptedGraphID())
	}

	// Setting again overwrites, clearing twice stays clean.
	if err := svc.SetInterruptMarker(ctx, threadID, "g2"); err != nil {
		t.Fatalf("reset marker: %v", err)
	}
	conv, _ = svc.Get(ctx, threadID)
	if conv.InterruptedGraphID() != "g2" {
		t.Errorf("expected marker g2, got %q", conv.InterruptedGraphID())
	}

	if err := svc.ClearInterruptMarker(ctx, threadID); err != nil {
		t.Fatalf("clear marker: %v", err)
	}
	if err := svc.ClearInterruptMarker(ctx, threadID); err != nil {
		t.Fatalf("second clear should be a no-op: %v", err)
	}
	conv, _ = svc.Get(ctx, threadID)
	if conv.InterruptedGraphID() != "" {
		t.Error("marker should be gone")
	}

	if err := svc.SetInterruptMarker(ctx, "missing", "g1"); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("expected 404 for unknown thread, got %v", err)
	}
}
