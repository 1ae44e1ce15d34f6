// Package classifier orchestrates the multi-stage LLM classification of
// one email: categorise into a top-3 (primary model), re-check the
// action flag (cheap model, wins disagreements), then prioritise the
// top-3 down to one final category (cheap model).
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/brightsure/mail-triage/internal/config"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// maxInputChars caps the sanitised email text sent to the models.
const maxInputChars = 300000

// completer abstracts the chat-completion call for testing.
type completer interface {
	complete(ctx context.Context, deployment, systemPrompt, userPrompt string) (string, usage, error)
}

// Rates holds USD-per-1K-token pricing for both models.
type Rates struct {
	PrimaryPrompt     float64
	PrimaryCompletion float64
	PrimaryCached     float64
	CheapPrompt       float64
	CheapCompletion   float64
	CheapCached       float64
}

// Classifier runs the three classification stages.
type Classifier struct {
	llm          completer
	primaryModel string
	cheapModel   string
	rates        Rates
}

// New builds a classifier from the LLM configuration.
func New(cfg config.LLMConfig) *Classifier {
	return &Classifier{
		llm: newAzureOpenAI(cfg.Endpoint, cfg.APIKey, cfg.BackupEndpoint, cfg.BackupAPIKey, cfg.APIVersion),
		primaryModel: cfg.PrimaryModel,
		cheapModel:   cfg.CheapModel,
		rates: Rates{
			PrimaryPrompt:     cfg.PrimaryPromptRate,
			PrimaryCompletion: cfg.PrimaryCompletionRate,
			PrimaryCached:     cfg.PrimaryCachedRate,
			CheapPrompt:       cfg.CheapPromptRate,
			CheapCompletion:   cfg.CheapCompletionRate,
			CheapCached:       cfg.CheapCachedRate,
		},
	}
}

// SetRates replaces the token pricing, e.g. from the model_costs table.
func (c *Classifier) SetRates(r Rates) { c.rates = r }

// Classify runs the full pipeline for one message. A Stage A failure
// fails the whole classification; Stage B and C failures degrade
// gracefully (Stage A's values are kept).
func (c *Classifier) Classify(ctx context.Context, subject, from, body string) (*Result, error) {
	input := buildUserPrompt(subject, from, Sanitize(body))

	// Stage B runs concurrently with Stage A; both see only the message.
	type actionOut struct {
		resp actionCheckResponse
		u    usage
		err  error
	}
	actionCh := make(chan actionOut, 1)
	go func() {
		var out actionOut
		content, u, err := c.llm.complete(ctx, c.cheapModel, actionCheckSystemPrompt(), input)
		out.u = u
		if err == nil {
			err = json.Unmarshal([]byte(content), &out.resp)
		}
		out.err = err
		actionCh <- out
	}()

	// Stage A — categorise.
	content, aUsage, err := c.llm.complete(ctx, c.primaryModel, categoriseSystemPrompt(), input)
	if err != nil {
		<-actionCh
		return nil, fmt.Errorf("categorise stage: %w", err)
	}
	var cat categoriseResponse
	if err := json.Unmarshal([]byte(content), &cat); err != nil {
		<-actionCh
		return nil, fmt.Errorf("categorise stage: malformed response: %w", err)
	}
	if len(cat.Classification) == 0 {
		<-actionCh
		return nil, fmt.Errorf("categorise stage: empty classification")
	}

	result := &Result{
		TopCategories:  normaliseCategories(cat.Classification),
		Reason:         cat.RsnClassification,
		ActionRequired: normaliseYesNo(cat.ActionRequired),
		Sentiment:      normaliseSentiment(cat.Sentiment),
	}
	if len(result.TopCategories) == 0 {
		// Model answered outside the taxonomy; treat as uncategorised.
		result.TopCategories = []string{"other"}
	}
	result.Category = result.TopCategories[0]
	result.PrimaryUsage.add(aUsage)

	// Join Stage B; on disagreement the cheap model's answer wins.
	b := <-actionCh
	if b.err != nil {
		logger.Warn("action re-check failed, keeping primary answer", "error", b.err.Error())
	} else {
		result.CheapUsage.add(b.u)
		if recheck := normaliseYesNo(b.resp.ActionRequired); recheck != "" && recheck != result.ActionRequired {
			logger.Debug("action re-check override", "primary", result.ActionRequired, "recheck", recheck)
			result.ActionRequired = recheck
		}
	}

	// Stage C — prioritise the top-3 down to one.
	if len(result.TopCategories) > 1 {
		content, cUsage, err := c.llm.complete(ctx, c.cheapModel, prioritiseSystemPrompt(result.TopCategories), input)
		if err != nil {
			logger.Warn("prioritise stage failed, using first category", "error", err.Error())
		} else {
			result.CheapUsage.add(cUsage)
			var pri prioritiseResponse
			if err := json.Unmarshal([]byte(content), &pri); err != nil {
				logger.Warn("prioritise stage returned malformed response", "error", err.Error())
			} else if chosen := normaliseCategory(pri.Category); chosen != "" {
				result.Category = chosen
				if pri.Reason != "" {
					result.Reason = pri.Reason
				}
			}
		}
	}

	result.CostUSD = c.cost(result.PrimaryUsage, result.CheapUsage)
	return result, nil
}

func (c *Classifier) cost(primary, cheap ModelUsage) float64 {
	cost := float64(primary.PromptTokens-primary.CachedTokens)/1000*c.rates.PrimaryPrompt +
		float64(primary.CachedTokens)/1000*c.rates.PrimaryCached +
		float64(primary.CompletionTokens)/1000*c.rates.PrimaryCompletion
	cost += float64(cheap.PromptTokens-cheap.CachedTokens)/1000*c.rates.CheapPrompt +
		float64(cheap.CachedTokens)/1000*c.rates.CheapCached +
		float64(cheap.CompletionTokens)/1000*c.rates.CheapCompletion
	return cost
}

// Sanitize truncates the text to the model input cap on a rune boundary,
// then escapes control characters and quotes. Truncating first means the
// cut can never land inside an escape sequence.
func Sanitize(body string) string {
	if len(body) > maxInputChars {
		cut := maxInputChars
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	r := strings.NewReplacer(
		"\r", "\\r",
		"\n", "\\n",
		`"`, `\"`,
	)
	return r.Replace(body)
}

func buildUserPrompt(subject, from, sanitisedBody string) string {
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", from, subject, sanitisedBody)
}

func normaliseCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if s == c {
			return c
		}
	}
	return ""
}

func normaliseCategories(in []string) []string {
	out := make([]string, 0, 3)
	for _, s := range in {
		if c := normaliseCategory(s); c != "" {
			out = append(out, c)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

func normaliseYesNo(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return "yes"
	case "no", "n", "false":
		return "no"
	}
	return ""
}

func normaliseSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	default:
		return "neutral"
	}
}
