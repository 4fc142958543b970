package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// LLMClient streams one chat completion. Deltas are delivered through onDelta
// in arrival order; the returned message is the assembled assistant reply.
type LLMClient interface {
	StreamChat(ctx context.Context, params LLMParams, messages []Message, onDelta func(delta string)) (Message, error)
}

// OpenAIClient is the default LLMClient backed by an OpenAI-compatible API.
type OpenAIClient struct{}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient creates the default client. Connection parameters come per
// call from LLMParams so one client serves all tenants.
func NewOpenAIClient() *OpenAIClient {
	return &OpenAIClient{}
}

// StreamChat sends the messages and streams the reply token by token.
func (c *OpenAIClient) StreamChat(ctx context.Context, params LLMParams, messages []Message, onDelta func(delta string)) (Message, error) {
	cfg := openai.DefaultConfig(params.APIKey)
	if params.BaseURL != "" {
		cfg.BaseURL = params.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	req := openai.ChatCompletionRequest{
		Model:  params.Model,
		Stream: true,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("failed to open chat completion stream: %w", err)
	}
	defer stream.Close()

	var content string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("chat completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content += delta
		if onDelta != nil {
			onDelta(delta)
		}
	}

	return Message{Role: "assistant", Content: content}, nil
}
