package annotator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
)

var (
	ErrEmptyText       = errors.New("annotator: empty text")
	ErrInvalidResponse = errors.New("annotator: provider returned invalid response")
)

// DefaultTopic is used when no topic keyword matches.
const DefaultTopic = "general"

// Result is the annotation derived from one feedback text.
// Score is in [0,1]; Label is positive, neutral or negative.
type Result struct {
	Label      string
	Score      float64
	Topics     []string
	Embedding  []float64
	Summary    string
	KeyPhrases []string
	Duration   time.Duration
}

// Annotator maps feedback text to an annotation. Implementations hold no
// per-call state, so the same text may be annotated any number of times.
type Annotator interface {
	Name() string
	Annotate(ctx context.Context, text string) (*Result, error)
}

// New builds the annotator selected by cfg.Provider.
func New(cfg config.AnnotatorConfig) (Annotator, error) {
	keyword := NewKeywordAnnotator(cfg.EmbeddingDim)
	switch cfg.Provider {
	case "", "keyword":
		return keyword, nil
	case "openai", "azure":
		return NewOpenAIAnnotator(cfg), nil
	case "anthropic":
		return newLLMAnnotator(cfg, anthropicCompleter(cfg), keyword), nil
	case "ollama":
		c, err := ollamaCompleter(cfg)
		if err != nil {
			return nil, err
		}
		return newLLMAnnotator(cfg, c, keyword), nil
	case "gemini":
		return newLLMAnnotator(cfg, geminiCompleter(cfg), keyword), nil
	default:
		return nil, fmt.Errorf("unknown annotator provider %q: must be one of keyword, openai, azure, anthropic, ollama, gemini", cfg.Provider)
	}
}

// Normalize enforces the result invariants shared by every provider.
func Normalize(r *Result) {
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 1 {
		r.Score = 1
	}
	if len(r.Topics) == 0 {
		r.Topics = []string{DefaultTopic}
	}
	if r.KeyPhrases == nil {
		r.KeyPhrases = []string{}
	}
}
