package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/conversation/models"
)

// MemoryRepository provides in-memory conversation storage for tests and
// single-binary development mode.
type MemoryRepository struct {
	mu       sync.RWMutex
	convs    map[string]*models.Conversation
	messages map[string][]*models.Message
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.Message),
	}
}

func (r *MemoryRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	cp := *conv
	r.convs[conv.ThreadID] = &cp
	return nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, threadID string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.convs[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Metadata = make(models.JSONMap, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (r *MemoryRepository) UpdateMetadata(ctx context.Context, threadID string, metadata models.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convs[threadID]
	if !ok {
		return ErrNotFound
	}
	c.Metadata = metadata
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) TouchConversation(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.convs[threadID]; ok {
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	r.messages[msg.ThreadID] = append(r.messages[msg.ThreadID], &cp)
	return nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.messages[threadID]
	out := make([]*models.Message, 0, len(src))
	for _, m := range src {
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
