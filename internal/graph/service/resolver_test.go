package service

import (
	"context"
	"testing"

	"github.com/agentflow/agentflow/internal/checkpoint"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/graph/models"
	"github.com/agentflow/agentflow/internal/graph/repository"
	"github.com/agentflow/agentflow/internal/runtime"
)

type stubLLM struct{}

func (stubLLM) StreamChat(ctx context.Context, params runtime.LLMParams, messages []runtime.Message, onDelta func(string)) (runtime.Message, error) {
	onDelta("ok")
	return runtime.Message{Role: "assistant", Content: "ok"}, nil
}

func newResolver(t *testing.T) (*Resolver, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return NewResolver(repo, stubLLM{}, runtime.NewStaticRegistry(), checkpoint.NewMemoryStore(), testLogger(t)), repo
}

func TestResolveBuiltinAgent(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	for _, graphID := range []*string{nil, ptr("")} {
		res, err := r.Resolve(ctx, graphID, "u1", runtime.LLMParams{Model: "m"})
		if err != nil {
			t.Fatalf("resolve builtin: %v", err)
		}
		if res.GraphID != "" {
			t.Errorf("builtin agent has no graph id, got %q", res.GraphID)
		}
		if res.Runtime == nil {
			t.Fatal("expected a runnable runtime")
		}
	}
}

func TestResolveStoredGraph(t *testing.T) {
	ctx := context.Background()
	r, repo := newResolver(t)

	repo.CreateGraph(ctx, &models.Graph{
		ID:          "g1",
		OwnerUserID: "owner",
		Variables: models.JSONMap{"context": map[string]interface{}{
			"tone": map[string]interface{}{"value": "formal"},
		}},
	})
	repo.CreateNode(ctx, &models.Node{
		ID: "n1", GraphID: "g1", Type: "agent",
		Data: models.JSONMap{
			"label":  "Main agent",
			"config": map[string]interface{}{"systemPrompt": "hi", "interruptBefore": true},
		},
	})

	res, err := r.Resolve(ctx, ptr("g1"), "owner", runtime.LLMParams{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.GraphID != "g1" {
		t.Errorf("expected graph id g1, got %q", res.GraphID)
	}
	if res.Context["tone"] != "formal" {
		t.Errorf("declared variables should seed the context, got %v", res.Context)
	}
}

func TestResolveAccessControl(t *testing.T) {
	ctx := context.Background()
	r, repo := newResolver(t)

	ws := "ws1"
	repo.CreateGraph(ctx, &models.Graph{ID: "g1", OwnerUserID: "owner", WorkspaceID: &ws})
	repo.CreateNode(ctx, &models.Node{ID: "n1", GraphID: "g1", Type: "agent"})
	repo.AddWorkspaceMember(ctx, &models.WorkspaceMember{WorkspaceID: ws, UserID: "member", Role: models.RoleViewer})

	if _, err := r.Resolve(ctx, ptr("g1"), "owner", runtime.LLMParams{}); err != nil {
		t.Errorf("owner should resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, ptr("g1"), "member", runtime.LLMParams{}); err != nil {
		t.Errorf("workspace viewer should resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, ptr("g1"), "stranger", runtime.LLMParams{}); apperrors.GetHTTPStatus(err) != 403 {
		t.Errorf("stranger should get 403, got %v", err)
	}
	if _, err := r.Resolve(ctx, ptr("missing"), "owner", runtime.LLMParams{}); apperrors.GetHTTPStatus(err) != 404 {
		t.Errorf("unknown graph should 404, got %v", err)
	}
}

func TestResolveEmptyGraphRejected(t *testing.T) {
	ctx := context.Background()
	r, repo := newResolver(t)

	repo.CreateGraph(ctx, &models.Graph{ID: "empty", OwnerUserID: "owner"})
	if _, err := r.Resolve(ctx, ptr("empty"), "owner", runtime.LLMParams{}); apperrors.GetHTTPStatus(err) != 400 {
		t.Errorf("graph without nodes should 400, got %v", err)
	}
}

func ptr(s string) *string { return &s }
