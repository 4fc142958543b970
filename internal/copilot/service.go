package copilot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/config"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/events"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/runtime"
)

// Generation stages, run in order.
var stages = []stage{
	{name: "analysis", prompt: "Analyze the user's request for an agent graph. Identify the agents, tools and data flow required. Be concise."},
	{name: "design", prompt: "Design the agent graph for the request: list the nodes with their types and prompts, and the edges between them."},
	{name: "validation", prompt: "Validate the proposed graph design: check for unreachable nodes, missing tools and contradictory prompts. Report issues or confirm the design."},
	{name: "code", prompt: "Emit the final graph definition as JSON with nodes and edges, matching the design."},
}

type stage struct {
	name   string
	prompt string
}

// generationTimeout bounds one whole session.
const generationTimeout = 5 * time.Minute

// Service runs copilot generation sessions. Submit returns immediately; the
// producer goroutine writes progress to the KV and publishes bus events.
type Service struct {
	store  *SessionStore
	bus    bus.EventBus
	llm    runtime.LLMClient
	params runtime.LLMParams
	logger *logger.Logger
}

// NewService creates the copilot service.
func NewService(store *SessionStore, eventBus bus.EventBus, llm runtime.LLMClient, llmCfg config.LLMConfig, log *logger.Logger) *Service {
	return &Service{
		store: store,
		bus:   eventBus,
		llm:   llm,
		params: runtime.LLMParams{
			APIKey:    llmCfg.APIKey,
			BaseURL:   llmCfg.BaseURL,
			Model:     llmCfg.Model,
			MaxTokens: llmCfg.MaxTokens,
		},
		logger: log.WithFields(zap.String("component", "copilot-service")),
	}
}

// Submit starts a generation session and returns its id. Fails fast when the
// KV is unreachable.
func (s *Service) Submit(ctx context.Context, userID, message string) (string, error) {
	if s.store == nil {
		return "", apperrors.ServiceUnavailable("copilot")
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("session store unreachable", zap.Error(err))
		return "", apperrors.ServiceUnavailable("copilot")
	}

	sessionID := uuid.New().String()
	if err := s.store.SetStatus(ctx, sessionID, StatusGenerating); err != nil {
		return "", apperrors.InternalError("failed to create session", err)
	}

	go s.generate(sessionID, userID, message)
	return sessionID, nil
}

// Get returns the session's current status and accumulated content.
func (s *Service) Get(ctx context.Context, sessionID string) (string, string, error) {
	if s.store == nil {
		return "", "", apperrors.ServiceUnavailable("copilot")
	}
	status, content, err := s.store.Get(ctx, sessionID)
	if err == ErrSessionNotFound {
		return "", "", apperrors.NotFound("copilot session", sessionID)
	}
	if err != nil {
		return "", "", apperrors.ServiceUnavailable("copilot")
	}
	return status, content, nil
}

// generate drives the stages. It owns its own context; the submitting request
// has long since returned.
func (s *Service) generate(sessionID, userID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), generationTimeout)
	defer cancel()

	log := s.logger.WithFields(zap.String("session_id", sessionID))

	for _, st := range stages {
		header := fmt.Sprintf("\n## %s\n", st.name)
		if err := s.store.AppendContent(ctx, sessionID, header); err != nil {
			s.fail(ctx, sessionID, log, err)
			return
		}

		msgs := []runtime.Message{
			{Role: "system", Content: st.prompt},
			{Role: "user", Content: message},
		}
		reply, err := s.llm.StreamChat(ctx, s.params, msgs, func(delta string) {
			if err := s.store.AppendContent(ctx, sessionID, delta); err != nil {
				log.Warn("failed to append content", zap.Error(err))
			}
		})
		if err != nil {
			s.fail(ctx, sessionID, log, err)
			return
		}

		s.publish(ctx, sessionID, events.CopilotSessionProgress, map[string]interface{}{
			"stage":   st.name,
			"content": reply.Content,
		})
	}

	if err := s.store.SetStatus(ctx, sessionID, StatusCompleted); err != nil {
		log.Error("failed to mark session completed", zap.Error(err))
	}
	s.publish(ctx, sessionID, events.CopilotSessionCompleted, map[string]interface{}{
		"user_id": userID,
	})
	log.Info("copilot session completed")
}

func (s *Service) fail(ctx context.Context, sessionID string, log *logger.Logger, cause error) {
	log.Error("copilot session failed", zap.Error(cause))
	if err := s.store.SetStatus(ctx, sessionID, StatusFailed); err != nil {
		log.Error("failed to mark session failed", zap.Error(err))
	}
	s.publish(ctx, sessionID, events.CopilotSessionFailed, map[string]interface{}{
		"error": cause.Error(),
	})
}

func (s *Service) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data["session_id"] = sessionID
	if err := s.bus.Publish(ctx, events.SubjectCopilotSession(sessionID), bus.NewEvent(eventType, "copilot-service", data)); err != nil {
		s.logger.Warn("failed to publish session event", zap.Error(err))
	}
}
