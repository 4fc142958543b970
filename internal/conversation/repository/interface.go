package repository

import (
	"context"
	"errors"

	"github.com/agentflow/agentflow/internal/conversation/models"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for conversation storage operations
type Repository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, threadID string) (*models.Conversation, error)
	UpdateMetadata(ctx context.Context, threadID string, metadata models.JSONMap) error
	TouchConversation(ctx context.Context, threadID string) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)
}
