// Package report builds the daily triage report: audit-log KPIs,
// per-category volumes, spend, and a processing-variance check against
// the provider's live mailbox counts.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/brightsure/mail-triage/internal/logstore"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// Store is the slice of the log store the report reads.
type Store interface {
	DaySummary(ctx context.Context, day time.Time, testPrefix string) (*logstore.DaySummary, error)
	CategoryCounts(ctx context.Context, day time.Time, testPrefix string) (map[string]int, error)
}

// Gateway provides the live mailbox counts and outbound mail.
type Gateway interface {
	CountUnread(ctx context.Context, account string) (int, error)
	CountReceivedOn(ctx context.Context, account string, day time.Time) (int, error)
	Send(ctx context.Context, account, to, subject, html, text string) bool
}

// Report is one day's aggregated view.
type Report struct {
	Day        time.Time
	Summary    logstore.DaySummary
	Categories []CategoryCount

	// Live provider counts for the variance check.
	UnreadNow     int
	ReceivedToday int
	// VarianceAlert fires when the mailbox and the audit log disagree by
	// more than the tolerance, meaning messages are sitting unprocessed.
	VarianceAlert bool
	Variance      int
}

// CategoryCount is one taxonomy bucket's daily volume.
type CategoryCount struct {
	Category string
	Count    int
}

// varianceTolerance absorbs messages that legitimately straddle the
// report boundary (in flight, deferred attachment scans).
const varianceTolerance = 5

// Reporter assembles and distributes the daily report.
type Reporter struct {
	store      Store
	gateway    Gateway
	account    string // consolidation bin: counted and used as sender
	recipients []string
	testPrefix string
}

// New builds a reporter. account is the polled mailbox the variance
// check counts and the identity the report is sent as.
func New(store Store, gateway Gateway, account string, recipients []string, testPrefix string) *Reporter {
	return &Reporter{store: store, gateway: gateway, account: account, recipients: recipients, testPrefix: testPrefix}
}

// Generate aggregates one calendar day (UTC). Provider count failures
// degrade to a report without the variance section rather than failing
// the whole report.
func (r *Reporter) Generate(ctx context.Context, day time.Time) (*Report, error) {
	summary, err := r.store.DaySummary(ctx, day, r.testPrefix)
	if err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}
	counts, err := r.store.CategoryCounts(ctx, day, r.testPrefix)
	if err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}

	rep := &Report{Day: day, Summary: *summary}
	for cat, n := range counts {
		rep.Categories = append(rep.Categories, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(rep.Categories, func(i, j int) bool {
		if rep.Categories[i].Count != rep.Categories[j].Count {
			return rep.Categories[i].Count > rep.Categories[j].Count
		}
		return rep.Categories[i].Category < rep.Categories[j].Category
	})

	unread, err := r.gateway.CountUnread(ctx, r.account)
	if err != nil {
		logger.Warn("unread count unavailable, skipping variance check", "error", err.Error())
		return rep, nil
	}
	received, err := r.gateway.CountReceivedOn(ctx, r.account, day)
	if err != nil {
		logger.Warn("received count unavailable, skipping variance check", "error", err.Error())
		return rep, nil
	}

	rep.UnreadNow = unread
	rep.ReceivedToday = received
	rep.Variance = received - summary.Total - summary.Skipped
	if rep.Variance < 0 {
		rep.Variance = 0
	}
	rep.VarianceAlert = rep.Variance > varianceTolerance || unread > varianceTolerance
	return rep, nil
}

// Send generates the report and mails it to every configured recipient.
func (r *Reporter) Send(ctx context.Context, day time.Time) error {
	rep, err := r.Generate(ctx, day)
	if err != nil {
		return err
	}

	html, err := rep.HTML()
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	subject := "Mail triage daily report - " + day.Format("2006-01-02")
	if rep.VarianceAlert {
		subject = "[ALERT] " + subject
	}
	text := rep.plainText()

	var failed []string
	for _, to := range r.recipients {
		if !r.gateway.Send(ctx, r.account, to, subject, html, text) {
			failed = append(failed, to)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("report delivery failed for %d of %d recipients", len(failed), len(r.recipients))
	}
	logger.Info("daily report sent", "day", day.Format("2006-01-02"), "recipients", len(r.recipients))
	return nil
}

// WriteCSV emits the per-category table with a trailing totals block.
func (rep *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "category", "count"}); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	day := rep.Day.Format("2006-01-02")
	for _, c := range rep.Categories {
		if err := cw.Write([]string{day, c.Category, strconv.Itoa(c.Count)}); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	totals := [][]string{
		{day, "TOTAL", strconv.Itoa(rep.Summary.Total)},
		{day, "SKIPPED", strconv.Itoa(rep.Summary.Skipped)},
		{day, "INTERVENTIONS", strconv.Itoa(rep.Summary.Interventions)},
		{day, "COST_USD", fmt.Sprintf("%.4f", rep.Summary.TotalCostUSD)},
	}
	for _, row := range totals {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (rep *Report) plainText() string {
	s := rep.Summary
	return fmt.Sprintf(
		"Daily triage report %s: %d processed, %d skipped, %d interventions, %.1f%% classified, avg turnaround %.1fs, cost $%.4f",
		rep.Day.Format("2006-01-02"), s.Total, s.Skipped, s.Interventions,
		rep.successRate(), s.AvgTurnaroundSecs, s.TotalCostUSD)
}

func (rep *Report) successRate() float64 {
	if rep.Summary.Total == 0 {
		return 0
	}
	return float64(rep.Summary.ClassifiedOK) / float64(rep.Summary.Total) * 100
}

func (rep *Report) autoresponseRate() float64 {
	attempted := rep.Summary.AutoSuccess + rep.Summary.AutoFailed + rep.Summary.AutoPending
	if attempted == 0 {
		return 0
	}
	return float64(rep.Summary.AutoSuccess) / float64(attempted) * 100
}
