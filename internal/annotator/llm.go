package annotator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
)

const annotatePrompt = `You analyse customer feedback. Reply with a single JSON object and nothing else:
{"sentiment": "positive|neutral|negative", "score": <confidence between 0 and 1>,
 "topics": [<short lowercase topics>], "summary": "<one sentence, at most 150 characters>",
 "key_phrases": [<up to 5 phrases taken from the text>]}

Feedback:
%s`

// completer sends one prompt to a model and returns its text reply.
type completer func(ctx context.Context, prompt string) (string, error)

// llmAnnotator asks a chat model for the annotation. The embedding comes
// from embedder, which for most providers is the placeholder vector.
type llmAnnotator struct {
	name     string
	complete completer
	embedder func(ctx context.Context, text string) ([]float64, error)
}

func newLLMAnnotator(cfg config.AnnotatorConfig, c completer, fallback *KeywordAnnotator) *llmAnnotator {
	return &llmAnnotator{
		name:     cfg.Provider + ":" + cfg.Model,
		complete: c,
		embedder: func(_ context.Context, text string) ([]float64, error) {
			return embedding(text, fallback.dim), nil
		},
	}
}

func (a *llmAnnotator) Name() string { return a.name }

func (a *llmAnnotator) Annotate(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	content, err := a.complete(ctx, fmt.Sprintf(annotatePrompt, text))
	if err != nil {
		return nil, err
	}
	r, err := parseLLMResponse(content)
	if err != nil {
		logger.Warn().Str("annotator", a.name).Int("length", len(content)).Err(err).Msg("unparsable annotation reply")
		return nil, err
	}
	if r.Summary == "" {
		r.Summary = summarize(text)
	}
	if r.Embedding, err = a.embedder(ctx, text); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	Normalize(r)
	r.Duration = time.Since(start)
	return r, nil
}

type llmReply struct {
	Sentiment  string   `json:"sentiment"`
	Score      float64  `json:"score"`
	Topics     []string `json:"topics"`
	Summary    string   `json:"summary"`
	KeyPhrases []string `json:"key_phrases"`
}

// parseLLMResponse extracts the JSON object from a model reply, tolerating
// markdown fences and surrounding prose.
func parseLLMResponse(content string) (*Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", ErrInvalidResponse)
	}

	var reply llmReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	label := strings.ToLower(strings.TrimSpace(reply.Sentiment))
	if !models.ValidSentiment(label) {
		return nil, fmt.Errorf("%w: sentiment %q", ErrInvalidResponse, reply.Sentiment)
	}

	topics := make([]string, 0, len(reply.Topics))
	for _, t := range reply.Topics {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			topics = append(topics, t)
		}
	}
	phrases := reply.KeyPhrases
	if len(phrases) > maxKeyPhrases {
		phrases = phrases[:maxKeyPhrases]
	}

	return &Result{
		Label:      label,
		Score:      reply.Score,
		Topics:     topics,
		Summary:    summarize(reply.Summary),
		KeyPhrases: phrases,
	}, nil
}
