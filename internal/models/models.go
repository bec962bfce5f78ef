package models

// FeedbackStatus is the processing state of a feedback item.
type FeedbackStatus string

const (
	StatusNew        FeedbackStatus = "new"
	StatusProcessing FeedbackStatus = "processing"
	StatusProcessed  FeedbackStatus = "processed"
	StatusFailed     FeedbackStatus = "failed"
)

// transitions lists the allowed moves of the processing state machine.
// A processed item only leaves through a reset to new.
// processing -> processing covers an attempt orphaned by a crashed worker.
var transitions = map[FeedbackStatus][]FeedbackStatus{
	StatusNew:        {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusProcessed, StatusFailed},
	StatusProcessed:  {StatusNew},
	StatusFailed:     {StatusNew, StatusProcessing},
}

// CanTransition reports whether a feedback item may move from one status to another.
func CanTransition(from, to FeedbackStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s FeedbackStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// FeedbackSource tags where a feedback item came from.
type FeedbackSource string

const (
	SourceWebsite  FeedbackSource = "website"
	SourceSocial   FeedbackSource = "social"
	SourceAppStore FeedbackSource = "app_store"
	SourceEmail    FeedbackSource = "email"
	SourceCSV      FeedbackSource = "csv"
	SourceAPI      FeedbackSource = "api"
	SourceOther    FeedbackSource = "other"
)

var sources = map[FeedbackSource]bool{
	SourceWebsite: true, SourceSocial: true, SourceAppStore: true,
	SourceEmail: true, SourceCSV: true, SourceAPI: true, SourceOther: true,
}

func (s FeedbackSource) Valid() bool { return sources[s] }

// Sentiment labels produced by an annotator.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// ValidSentiment reports whether label is one of the three sentiment labels.
func ValidSentiment(label string) bool {
	switch label {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// User roles. Viewers are read-only.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleAnalyst || role == RoleViewer
}
