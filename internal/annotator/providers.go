package annotator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ollama/ollama/api"
	"google.golang.org/genai"
)

func anthropicCompleter(cfg config.AnnotatorConfig) completer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" && !strings.Contains(cfg.BaseURL, "openai.com") {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("Anthropic API error: %w", err)
		}
		var content strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return content.String(), nil
	}
}

func ollamaCompleter(cfg config.AnnotatorConfig) (completer, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" || strings.Contains(baseURL, "openai.com") {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "llama3"
	}

	return func(ctx context.Context, prompt string) (string, error) {
		stream := false
		var content strings.Builder
		err := client.Chat(ctx, &api.ChatRequest{
			Model:    model,
			Messages: []api.Message{{Role: "user", Content: prompt}},
			Stream:   &stream,
			Format:   []byte(`"json"`),
			Options: map[string]interface{}{
				"temperature": cfg.Temperature,
			},
		}, func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("Ollama API error: %w", err)
		}
		return content.String(), nil
	}, nil
}

func geminiCompleter(cfg config.AnnotatorConfig) completer {
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "gemini-2.5-flash"
	}

	return func(ctx context.Context, prompt string) (string, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return "", fmt.Errorf("Gemini client error: %w", err)
		}
		temperature := float32(cfg.Temperature)
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return "", fmt.Errorf("Gemini API error: %w", err)
		}
		return resp.Text(), nil
	}
}
