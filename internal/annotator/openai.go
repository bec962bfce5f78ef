package annotator

import (
	"context"
	"fmt"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewOpenAIAnnotator talks to OpenAI, Azure OpenAI or any OpenAI-compatible
// endpoint. Embeddings come from the embeddings API at the configured dimension.
func NewOpenAIAnnotator(cfg config.AnnotatorConfig) Annotator {
	var clientConfig openai.ClientConfig
	if cfg.Provider == "azure" {
		// Azure requires BaseURL format: https://{resource-name}.openai.azure.com
		clientConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	} else {
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}
	client := openai.NewClientWithConfig(clientConfig)

	a := &llmAnnotator{
		name:     cfg.Provider + ":" + cfg.Model,
		complete: openaiCompleter(client, cfg),
	}
	a.embedder = func(ctx context.Context, text string) ([]float64, error) {
		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      openai.SmallEmbedding3,
			Dimensions: cfg.EmbeddingDim,
		})
		if err != nil {
			return nil, fmt.Errorf("OpenAI embeddings error: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("%w: no embedding returned", ErrInvalidResponse)
		}
		vec := make([]float64, len(resp.Data[0].Embedding))
		for i, v := range resp.Data[0].Embedding {
			vec[i] = float64(v)
		}
		return vec, nil
	}
	return a
}

func openaiCompleter(client *openai.Client, cfg config.AnnotatorConfig) completer {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature:    float32(cfg.Temperature),
			MaxTokens:      cfg.MaxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err != nil {
			return "", fmt.Errorf("OpenAI API error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
		}
		return resp.Choices[0].Message.Content, nil
	}
}
