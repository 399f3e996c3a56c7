package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"chatrelay/internal/domain"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic streams responses from the Anthropic Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type AnthropicConfig struct {
	APIKey    string
	APIBase   string // empty = api.anthropic.com
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	client := anthropic.NewClient(opts...)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicDefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Stream sends the conversation and relays text deltas through onToken.
// Image paths are attached as base64 blocks on the final user message.
func (p *Anthropic) Stream(ctx context.Context, system string, turns []domain.Turn, images []string, onToken func(string)) (string, error) {
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for i, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		default:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)}
			if i == len(turns)-1 && len(images) > 0 {
				for _, path := range images {
					mediaType, data, err := imageBase64(path)
					if err != nil {
						p.logger.Warn("skipping unreadable image", "path", path, "err", err)
						continue
					}
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
				}
			}
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	var full []byte
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				full = append(full, delta.Text...)
				if onToken != nil {
					onToken(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return string(full), fmt.Errorf("anthropic stream: %w", err)
	}
	return string(full), nil
}
