/*
Package ai adapts a hosted language model into the driver authoring
backend. The rest of the gateway only sees the Generate method;
providers, models and prompt framing all stay in here.
*/
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/LatticeWorks/tether/config"
)

const authorSystemPrompt = `You write device driver code for a home automation controller.
Respond with the complete driver source only. No prose, no markdown fences.`

func newLLM(cfg config.DriverAuthorConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.openai.com/v1"),
			openai.WithToken(cfg.APIKey),
		)
	case "anthropic":
		model := cfg.Model
		if model == "" {
			model = "claude-opus-4-20250514"
		}
		return anthropic.New(
			anthropic.WithModel(model),
			anthropic.WithBaseURL("https://api.anthropic.com/v1"),
			anthropic.WithToken(cfg.APIKey),
		)
	case "grok":
		model := cfg.Model
		if model == "" {
			model = "grok-2-1212"
		}
		return openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.x.ai/v1"),
			openai.WithToken(cfg.APIKey),
		)
	}
	return nil, fmt.Errorf("unknown driver author provider '%s'", cfg.Provider)
}

// Author turns free-form prompts into driver source code.
type Author struct {
	llm    llms.Model
	logger *slog.Logger
}

func NewAuthor(cfg config.DriverAuthorConfig, logger *slog.Logger) (*Author, error) {
	llm, err := newLLM(cfg)
	if err != nil {
		return nil, err
	}
	return &Author{
		llm:    llm,
		logger: logger.WithGroup("ai"),
	}, nil
}

func (a *Author) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, authorSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	a.logger.Debug("calling llm", "prompt_length", len(prompt))
	resp, err := a.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(8192))
	if err != nil {
		a.logger.Error("failed to generate content", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return stripFences(resp.Choices[0].Content), nil
}

// Models wrap replies in markdown fences no matter what the system
// prompt says, so peel one balanced outer fence if present.
func stripFences(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
