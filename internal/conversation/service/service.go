// Package service implements the conversation store used by the stream
// engine: thread creation, message persistence and the interrupt marker.
package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/conversation/models"
	"github.com/agentflow/agentflow/internal/conversation/repository"
	"github.com/agentflow/agentflow/internal/runtime"
)

const titleLimit = 50

// Service persists conversations and messages.
type Service struct {
	repo   repository.Repository
	logger *logger.Logger
}

// NewService creates a conversation service.
func NewService(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "conversation-service")),
	}
}

// GetOrCreate returns the conversation for threadID, creating it when absent.
// An empty threadID allocates a fresh one. The title is derived from the seed
// message.
func (s *Service) GetOrCreate(ctx context.Context, threadID, ownerUserID, seedMessage string, metadata map[string]interface{}) (string, *models.Conversation, error) {
	if threadID != "" {
		conv, err := s.repo.GetConversation(ctx, threadID)
		if err == nil {
			return threadID, conv, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", nil, apperrors.InternalError("failed to load conversation", err)
		}
	} else {
		threadID = uuid.New().String()
	}

	conv := &models.Conversation{
		ThreadID:    threadID,
		OwnerUserID: ownerUserID,
		Title:       deriveTitle(seedMessage),
		Metadata:    models.JSONMap(metadata),
	}
	if conv.Metadata == nil {
		conv.Metadata = models.JSONMap{}
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return "", nil, apperrors.InternalError("failed to create conversation", err)
	}
	return threadID, conv, nil
}

// Get returns the conversation or a not-found error.
func (s *Service) Get(ctx context.Context, threadID string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, threadID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("conversation", threadID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to load conversation", err)
	}
	return conv, nil
}

// AppendUserMessage stores one user message.
func (s *Service) AppendUserMessage(ctx context.Context, threadID, content string, metadata map[string]interface{}) error {
	msg := &models.Message{
		ID:       uuid.New().String(),
		ThreadID: threadID,
		Role:     models.RoleUser,
		Content:  content,
		Metadata: models.JSONMap(metadata),
	}
	if msg.Metadata == nil {
		msg.Metadata = models.JSONMap{}
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return apperrors.InternalError("failed to save user message", err)
	}
	return nil
}

// AppendAssistantMessage extracts the last assistant message from the
// runtime's message list and persists it. Tool-call metadata is best-effort:
// a failure to encode it never fails the save. Returns without error when no
// assistant message is present.
func (s *Service) AppendAssistantMessage(ctx context.Context, threadID string, messages []runtime.Message) error {
	last := runtime.LastAssistant(messages)
	if last == nil {
		return nil
	}

	metadata := models.JSONMap{}
	if len(last.ToolCalls) > 0 {
		calls := make([]interface{}, 0, len(last.ToolCalls))
		for _, tc := range last.ToolCalls {
			calls = append(calls, map[string]interface{}{
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": tc.Arguments,
			})
		}
		metadata[models.MetaToolCalls] = calls
	}

	msg := &models.Message{
		ID:       uuid.New().String(),
		ThreadID: threadID,
		Role:     models.RoleAssistant,
		Content:  last.Content,
		Metadata: metadata,
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return apperrors.InternalError("failed to save assistant message", err)
	}
	if err := s.repo.TouchConversation(ctx, threadID); err != nil {
		s.logger.Warn("failed to bump conversation timestamp",
			zap.String("thread_id", threadID), zap.Error(err))
	}
	return nil
}

// SetInterruptMarker records that the thread is awaiting a resume for graphID.
// Idempotent.
func (s *Service) SetInterruptMarker(ctx context.Context, threadID, graphID string) error {
	return s.patchMetadata(ctx, threadID, func(md models.JSONMap) {
		md[models.MetaInterruptedGraphID] = graphID
	})
}

// ClearInterruptMarker removes the interrupt marker. No-op when absent.
func (s *Service) ClearInterruptMarker(ctx context.Context, threadID string) error {
	return s.patchMetadata(ctx, threadID, func(md models.JSONMap) {
		delete(md, models.MetaInterruptedGraphID)
	})
}

func (s *Service) patchMetadata(ctx context.Context, threadID string, patch func(models.JSONMap)) error {
	conv, err := s.repo.GetConversation(ctx, threadID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("conversation", threadID)
	}
	if err != nil {
		return apperrors.InternalError("failed to load conversation", err)
	}

	if conv.Metadata == nil {
		conv.Metadata = models.JSONMap{}
	}
	patch(conv.Metadata)

	if err := s.repo.UpdateMetadata(ctx, threadID, conv.Metadata); err != nil {
		return apperrors.InternalError("failed to update conversation metadata", err)
	}
	return nil
}

// ListMessages returns a thread's messages in insertion order, checking that
// the caller owns the conversation.
func (s *Service) ListMessages(ctx context.Context, threadID, userID string) ([]*models.Message, error) {
	conv, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerUserID != userID {
		return nil, apperrors.Forbidden("no access to this conversation")
	}
	msgs, err := s.repo.ListMessages(ctx, threadID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list messages", err)
	}
	return msgs, nil
}

func deriveTitle(seed string) string {
	seed = strings.TrimSpace(seed)
	runes := []rune(seed)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit])
	}
	return seed
}
