package annotator

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
)

const (
	summaryLimit  = 150
	maxKeyPhrases = 5
	keywordModel  = "keyword-v1"
)

var (
	positiveWords = []string{
		"excellent", "amazing", "great", "good", "love", "fantastic", "fast",
		"recommend", "happy", "perfect", "awesome", "helpful", "friendly", "easy",
	}
	negativeWords = []string{
		"bad", "terrible", "slow", "broken", "poor", "awful", "hate", "worst",
		"disappointed", "refund", "late", "rude", "damaged", "expensive",
	}
	// topicKeywords is ordered so annotations list topics deterministically.
	topicKeywords = []struct {
		topic    string
		keywords []string
	}{
		{"delivery", []string{"delivery", "shipping", "shipped", "arrived", "courier"}},
		{"quality", []string{"quality", "durable", "broken", "damaged", "defect"}},
		{"price", []string{"price", "cost", "expensive", "cheap", "value"}},
		{"customer_service", []string{"service", "support", "staff", "rude", "helpful"}},
		{"usability", []string{"easy", "difficult", "confusing", "intuitive", "interface"}},
		{"product", []string{"product", "item", "feature"}},
	}
	stopWords = map[string]bool{
		"the": true, "and": true, "was": true, "were": true, "this": true, "that": true,
		"with": true, "very": true, "have": true, "from": true, "they": true, "about": true,
		"just": true, "really": true, "would": true, "there": true, "their": true,
	}
)

// KeywordAnnotator is the placeholder annotator: keyword counting for
// sentiment, substring matching for topics, truncation for the summary and a
// text-seeded pseudo-random embedding.
type KeywordAnnotator struct {
	dim int
}

func NewKeywordAnnotator(dim int) *KeywordAnnotator {
	if dim <= 0 {
		dim = 384
	}
	return &KeywordAnnotator{dim: dim}
}

func (a *KeywordAnnotator) Name() string { return keywordModel }

func (a *KeywordAnnotator) Annotate(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower := strings.ToLower(text)
	words := tokenize(lower)
	label, score := sentiment(words)

	r := &Result{
		Label:      label,
		Score:      score,
		Topics:     topics(lower),
		Embedding:  embedding(text, a.dim),
		Summary:    summarize(text),
		KeyPhrases: keyPhrases(words),
	}
	Normalize(r)
	r.Duration = time.Since(start)
	return r, nil
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func sentiment(words []string) (string, float64) {
	var pos, neg int
	for _, w := range words {
		if contains(positiveWords, w) {
			pos++
		}
		if contains(negativeWords, w) {
			neg++
		}
	}
	total := float64(pos + neg)
	switch {
	case pos > neg:
		return models.SentimentPositive, 0.6 + 0.35*float64(pos-neg)/total
	case neg > pos:
		return models.SentimentNegative, 0.4 - 0.35*float64(neg-pos)/total
	default:
		return models.SentimentNeutral, 0.5
	}
}

func topics(lower string) []string {
	var out []string
	for _, t := range topicKeywords {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, t.topic)
				break
			}
		}
	}
	return out
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= summaryLimit {
		return text
	}
	return strings.TrimSpace(string(runes[:summaryLimit-3])) + "..."
}

func keyPhrases(words []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, maxKeyPhrases)
	for _, w := range words {
		if len(w) < 4 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeyPhrases {
			break
		}
	}
	return out
}

// embedding seeds a PRNG from the text so repeated calls agree.
func embedding(text string, dim int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float64, dim)
	for i := range vec {
		vec[i] = rng.Float64()*2 - 1
	}
	return vec
}

func contains(list []string, w string) bool {
	for _, s := range list {
		if s == w {
			return true
		}
	}
	return false
}
