package report

import (
	"bytes"
	"fmt"
	"html/template"
)

var reportTemplate = template.Must(template.New("daily").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Segoe UI, Arial, sans-serif; color: #222;">
  <h2>Mail Triage Daily Report &mdash; {{.Day}}</h2>

  {{if .VarianceAlert}}
  <div style="background:#fdecea;border:1px solid #d93025;padding:10px;margin-bottom:16px;">
    <strong>Processing variance alert:</strong>
    {{.UnreadNow}} messages still unread in the mailbox,
    {{.Variance}} received today with no matching audit row.
  </div>
  {{end}}

  <h3>Volumes</h3>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse:collapse;">
    <tr><td>Processed</td><td align="right">{{.Total}}</td></tr>
    <tr><td>Skipped (duplicates, system senders)</td><td align="right">{{.Skipped}}</td></tr>
    <tr><td>Classified successfully</td><td align="right">{{.ClassifiedOK}} ({{.SuccessRate}})</td></tr>
    <tr><td>Routed successfully</td><td align="right">{{.RoutedOK}}</td></tr>
    <tr><td>Interventions (re-routed by triage)</td><td align="right">{{.Interventions}}</td></tr>
    <tr><td>Action required</td><td align="right">{{.ActionRequired}}</td></tr>
    <tr><td>Average turnaround</td><td align="right">{{.AvgTurnaround}}</td></tr>
  </table>

  <h3>Autoresponses</h3>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse:collapse;">
    <tr><td>Sent</td><td align="right">{{.AutoSuccess}} ({{.AutoRate}})</td></tr>
    <tr><td>Failed</td><td align="right">{{.AutoFailed}}</td></tr>
    <tr><td>Pending at shutdown</td><td align="right">{{.AutoPending}}</td></tr>
    <tr><td>Suppressed by loop guard</td><td align="right">{{.AutoNotAttempted}}</td></tr>
  </table>

  <h3>Categories</h3>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse:collapse;">
    <tr><th align="left">Category</th><th align="right">Count</th></tr>
    {{range .Categories}}
    <tr><td>{{.Category}}</td><td align="right">{{.Count}}</td></tr>
    {{end}}
  </table>

  <h3>Spend</h3>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse:collapse;">
    <tr><td>Total cost</td><td align="right">{{.Cost}}</td></tr>
    <tr><td>Prompt tokens</td><td align="right">{{.PromptTokens}}</td></tr>
    <tr><td>Completion tokens</td><td align="right">{{.CompletionTokens}}</td></tr>
    <tr><td>Cached prompt tokens</td><td align="right">{{.CachedTokens}}</td></tr>
  </table>
</body>
</html>`))

type reportView struct {
	Day           string
	VarianceAlert bool
	UnreadNow     int
	Variance      int

	Total          int
	Skipped        int
	ClassifiedOK   int
	RoutedOK       int
	Interventions  int
	ActionRequired int
	SuccessRate    string
	AvgTurnaround  string

	AutoSuccess      int
	AutoFailed       int
	AutoPending      int
	AutoNotAttempted int
	AutoRate         string

	Categories []CategoryCount

	Cost             string
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// HTML renders the report body.
func (rep *Report) HTML() (string, error) {
	s := rep.Summary
	view := reportView{
		Day:           rep.Day.Format("2006-01-02"),
		VarianceAlert: rep.VarianceAlert,
		UnreadNow:     rep.UnreadNow,
		Variance:      rep.Variance,

		Total:          s.Total,
		Skipped:        s.Skipped,
		ClassifiedOK:   s.ClassifiedOK,
		RoutedOK:       s.RoutedOK,
		Interventions:  s.Interventions,
		ActionRequired: s.ActionRequired,
		SuccessRate:    fmt.Sprintf("%.1f%%", rep.successRate()),
		AvgTurnaround:  fmt.Sprintf("%.1fs", s.AvgTurnaroundSecs),

		AutoSuccess:      s.AutoSuccess,
		AutoFailed:       s.AutoFailed,
		AutoPending:      s.AutoPending,
		AutoNotAttempted: s.AutoNotAttempted,
		AutoRate:         fmt.Sprintf("%.1f%%", rep.autoresponseRate()),

		Categories: rep.Categories,

		Cost:             fmt.Sprintf("$%.4f", s.TotalCostUSD),
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		CachedTokens:     s.CachedTokens,
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render report template: %w", err)
	}
	return buf.String(), nil
}
