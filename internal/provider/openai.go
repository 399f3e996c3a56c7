// Package provider implements the streaming chat backends the agent runtime
// can be configured with.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"chatrelay/internal/domain"
)

// OpenAI streams chat completions from OpenAI or any OpenAI-compatible API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type OpenAIConfig struct {
	APIKey    string
	APIBase   string // empty = api.openai.com
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

func (p *OpenAI) Name() string { return "openai" }

// Stream sends the conversation and relays delta content through onToken.
// Image paths are inlined as base64 data URLs on the final user message.
func (p *OpenAI) Stream(ctx context.Context, system string, turns []domain.Turn, images []string, onToken func(string)) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for i, t := range turns {
		msg := openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
		if msg.Content == "" {
			// Some compatible servers reject empty content.
			msg.Content = " "
		}
		if i == len(turns)-1 && len(images) > 0 && t.Role == "user" {
			msg.Content = ""
			msg.MultiContent = []openai.ChatMessagePart{{
				Type: openai.ChatMessagePartTypeText,
				Text: t.Content,
			}}
			for _, path := range images {
				url, err := imageDataURL(path)
				if err != nil {
					p.logger.Warn("skipping unreadable image", "path", path, "err", err)
					continue
				}
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url},
				})
			}
		}
		msgs = append(msgs, msg)
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
		Stream:   true,
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	var full []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return string(full), fmt.Errorf("stream receive: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full = append(full, delta...)
		if onToken != nil {
			onToken(delta)
		}
	}
	return string(full), nil
}
