package logstore

import "time"

// LogRow is the per-message audit record, written exactly once per
// internet message id and never mutated.
type LogRow struct {
	ID                string
	InternetMessageID string
	ReceivedAt        time.Time
	ProcessedAt       time.Time
	EndAt             time.Time
	TurnaroundSeconds float64

	EmlFrom    string
	EmlTo      string
	EmlCC      string
	EmlSubject string
	EmlBody    string // truncated at 8000 bytes before write

	Category       string
	TopCategories  string // comma-joined, Stage A order
	Reason         string
	ActionRequired string
	Sentiment      string
	CostUSD        float64

	PrimaryPromptTokens     int
	PrimaryCompletionTokens int
	PrimaryCachedTokens     int
	CheapPromptTokens       int
	CheapCompletionTokens   int
	CheapCachedTokens       int

	RoutedTo     string
	Intervention bool

	ClassificationStatus string // success | error
	RoutingStatus        string // success | error
	ReadStatus           string // success | error
	AutoresponseStatus   string // success | failed | pending | not_attempted
}

// SkippedRow records a message intentionally aborted before
// classification (duplicate, Exchange-system sender, ...).
type SkippedRow struct {
	ID             string
	Subject        string
	EmlFrom        string
	EmlTo          string
	SkipType       string
	SkipReason     string
	ProcessingTime float64 // seconds
	CreatedAt      time.Time
}

// Skip types.
const (
	SkipDuplicate      = "DUPLICATE"
	SkipExchangeSystem = "EXCHANGE_SYSTEM"
)

// ModelCost is one row of the model_costs pricing table, USD per 1K tokens.
type ModelCost struct {
	Model          string
	PromptCost     float64
	CompletionCost float64
	CacheCost      float64
}

// DaySummary aggregates one calendar day of LogRows for the report.
type DaySummary struct {
	Total             int
	ClassifiedOK      int
	RoutedOK          int
	ReadOK            int
	AutoSuccess       int
	AutoFailed        int
	AutoPending       int
	AutoNotAttempted  int
	Interventions     int
	ActionRequired    int
	AvgTurnaroundSecs float64
	TotalCostUSD      float64
	PromptTokens      int
	CompletionTokens  int
	CachedTokens      int
	Skipped           int
}
