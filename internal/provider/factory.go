package provider

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

// New builds the chat backend named by the agent config.
func New(cfg config.AgentConfig, logger *slog.Logger) (domain.ChatBackend, error) {
	switch cfg.Backend {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:    cfg.APIKey,
			APIBase:   cfg.APIBase,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		}), nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.APIKey,
			APIBase:   cfg.APIBase,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown agent backend: %s", cfg.Backend)
	}
}

// imageBase64 reads an image file and returns its sniffed media type and
// base64 payload.
func imageBase64(path string) (mediaType, data string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return http.DetectContentType(raw), base64.StdEncoding.EncodeToString(raw), nil
}

// imageDataURL reads an image file and packages it as a data URL.
func imageDataURL(path string) (string, error) {
	mediaType, data, err := imageBase64(path)
	if err != nil {
		return "", err
	}
	return "data:" + mediaType + ";base64," + data, nil
}
