package classifier

// Categories is the fixed business taxonomy. Order is not significant
// here; routing priority lives in PriorityOrder.
var Categories = []string{
	"amendments",
	"assist",
	"vehicle tracking",
	"bad service/experience",
	"claims",
	"refund request",
	"document request",
	"online/app",
	"retentions",
	"request for quote",
	"debit order switch",
	"previous insurance checks/queries",
	"other",
}

// PriorityOrder is the static tie-breaker the prioritiser applies when the
// email context is ambiguous, most urgent first.
var PriorityOrder = []string{
	"assist",
	"bad service/experience",
	"vehicle tracking",
	"debit order switch",
	"retentions",
	"amendments",
	"claims",
	"refund request",
	"online/app",
	"request for quote",
	"document request",
	"other",
	"previous insurance checks/queries",
}

// ModelUsage accumulates token counts for one model across stages.
type ModelUsage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

func (u *ModelUsage) add(o usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.CachedTokens += o.PromptTokensDetails.CachedTokens
}

// Result is the classifier's typed output for one message.
type Result struct {
	Category       string
	TopCategories  []string // Stage A's ordered top-3, before prioritisation
	Reason         string
	ActionRequired string // "yes" or "no", after the action re-check
	Sentiment      string // "positive", "neutral" or "negative"
	CostUSD        float64
	PrimaryUsage   ModelUsage
	CheapUsage     ModelUsage
}

// stage A response schema
type categoriseResponse struct {
	Classification    []string `json:"classification"`
	RsnClassification string   `json:"rsn_classification"`
	ActionRequired    string   `json:"action_required"`
	Sentiment         string   `json:"sentiment"`
}

// stage B response schema
type actionCheckResponse struct {
	ActionRequired string `json:"action_required"`
}

// stage C response schema
type prioritiseResponse struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}
