package annotator

import (
	"context"
	"errors"
	"testing"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
)

func TestParseLLMResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		label   string
		score   float64
		wantErr bool
	}{
		{
			name:    "plain json",
			content: `{"sentiment":"positive","score":0.9,"topics":["Delivery"],"summary":"fast","key_phrases":["fast delivery"]}`,
			label:   models.SentimentPositive,
			score:   0.9,
		},
		{
			name:    "markdown fence",
			content: "```json\n{\"sentiment\":\"Negative\",\"score\":0.2,\"topics\":[]}\n```",
			label:   models.SentimentNegative,
			score:   0.2,
		},
		{
			name:    "no json",
			content: "I think it is positive",
			wantErr: true,
		},
		{
			name:    "unknown label",
			content: `{"sentiment":"mixed","score":0.5}`,
			wantErr: true,
		},
		{
			name:    "broken json",
			content: `{"sentiment":"positive",`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parseLLMResponse(tt.content)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Errorf("error = %v, expected ErrInvalidResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLLMResponse() error = %v", err)
			}
			if r.Label != tt.label {
				t.Errorf("Label = %q, expected %q", r.Label, tt.label)
			}
			if r.Score != tt.score {
				t.Errorf("Score = %v, expected %v", r.Score, tt.score)
			}
		})
	}
}

func TestLLMAnnotator_NormalizesReply(t *testing.T) {
	cfg := config.AnnotatorConfig{Provider: "test", Model: "stub", EmbeddingDim: 4}
	a := newLLMAnnotator(cfg, func(ctx context.Context, prompt string) (string, error) {
		return `{"sentiment":"positive","score":1.7,"topics":[" "],"summary":""}`, nil
	}, NewKeywordAnnotator(4))

	r, err := a.Annotate(context.Background(), "Lovely staff")
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if r.Score != 1 {
		t.Errorf("Score = %v, expected clamp to 1", r.Score)
	}
	if len(r.Topics) != 1 || r.Topics[0] != DefaultTopic {
		t.Errorf("Topics = %v, expected default topic", r.Topics)
	}
	if r.Summary != "Lovely staff" {
		t.Errorf("Summary = %q, expected fallback to text", r.Summary)
	}
	if len(r.Embedding) != 4 {
		t.Errorf("len(Embedding) = %d, expected 4", len(r.Embedding))
	}
	if a.Name() != "test:stub" {
		t.Errorf("Name() = %q", a.Name())
	}
}

func TestLLMAnnotator_PropagatesProviderError(t *testing.T) {
	outage := errors.New("503 from provider")
	a := newLLMAnnotator(config.AnnotatorConfig{}, func(ctx context.Context, prompt string) (string, error) {
		return "", outage
	}, NewKeywordAnnotator(4))

	if _, err := a.Annotate(context.Background(), "anything"); !errors.Is(err, outage) {
		t.Errorf("error = %v, expected provider error", err)
	}
}
