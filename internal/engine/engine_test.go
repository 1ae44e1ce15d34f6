package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightsure/mail-triage/internal/autoresponder"
	"github.com/brightsure/mail-triage/internal/classifier"
	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/logstore"
	"github.com/brightsure/mail-triage/internal/metrics"
	"github.com/brightsure/mail-triage/internal/router"
)

const (
	binAddr      = "info@brightsure.example"
	policyAddr   = "policyservices@brightsure.example"
	amendAddr    = "amendments@brightsure.example"
	senderAddr   = "jane@example.com"
	testMsgID    = "<msg-1@example.com>"
	testProvider = "AAMkAG-1"
)

type fakeGateway struct {
	forwardStatuses []graph.ForwardStatus
	forwardDests    []string
	markReadOK      bool
	markReadCalls   int
	pendingScan     bool
}

func (g *fakeGateway) Forward(_ context.Context, _, _, _, forwardTo string, _ graph.Message, _ string) graph.ForwardStatus {
	g.forwardDests = append(g.forwardDests, forwardTo)
	if len(g.forwardStatuses) == 0 {
		return graph.ForwardFailed
	}
	st := g.forwardStatuses[0]
	g.forwardStatuses = g.forwardStatuses[1:]
	return st
}

func (g *fakeGateway) MarkRead(_ context.Context, _, _ string) bool {
	g.markReadCalls++
	return g.markReadOK
}

func (g *fakeGateway) AttachmentsPendingScan(_ context.Context, _, _ string) bool {
	return g.pendingScan
}

type fakeClassifier struct {
	result *classifier.Result
	err    error
	calls  int
}

func (c *fakeClassifier) Classify(_ context.Context, _, _, _ string) (*classifier.Result, error) {
	c.calls++
	return c.result, c.err
}

type fakeResponder struct {
	outcome autoresponder.Outcome
	delay   time.Duration
	calls   int
}

func (r *fakeResponder) Respond(_ context.Context, _ graph.Message) autoresponder.Outcome {
	r.calls++
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.outcome
}

type fakeStore struct {
	processed  bool
	logs       []*logstore.LogRow
	skipped    []*logstore.SkippedRow
	systemLogs [][]byte
}

func (s *fakeStore) IsProcessed(_ context.Context, _ string) (bool, error) { return s.processed, nil }
func (s *fakeStore) InsertLog(_ context.Context, row *logstore.LogRow) error {
	s.logs = append(s.logs, row)
	return nil
}
func (s *fakeStore) InsertSkipped(_ context.Context, row *logstore.SkippedRow) error {
	s.skipped = append(s.skipped, row)
	return nil
}
func (s *fakeStore) InsertSystemLog(_ context.Context, _ string, doc []byte) error {
	s.systemLogs = append(s.systemLogs, doc)
	return nil
}

func testRouter() *router.Router {
	return router.New(map[string]string{"amendments": amendAddr}, binAddr, policyAddr)
}

func testMessage() graph.Message {
	return graph.Message{
		ProviderID:        testProvider,
		InternetMessageID: testMsgID,
		Subject:           "Please update my address",
		From:              senderAddr,
		To:                binAddr,
		ReceivedAt:        time.Now().UTC().Add(-time.Minute),
		BodyHTML:          "<p>Please change my street address on policy 12345.</p>",
	}
}

func amendmentsResult() *classifier.Result {
	return &classifier.Result{
		Category:       "amendments",
		TopCategories:  []string{"amendments", "other"},
		Reason:         "customer asks for an address change",
		ActionRequired: "yes",
		Sentiment:      "neutral",
		CostUSD:        0.0021,
	}
}

func TestProcessHappyPath(t *testing.T) {
	gw := &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: true}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess, Reason: "autoresponse sent"}}
	store := &fakeStore{}

	eng := New(gw, cls, testRouter(), resp, store)
	out := eng.Process(context.Background(), binAddr, testMessage())

	assert.False(t, out.NeedsReadRetry)
	assert.False(t, out.Deferred)
	require.Len(t, store.logs, 1)

	row := store.logs[0]
	assert.Equal(t, "amendments", row.Category)
	assert.Equal(t, amendAddr, row.RoutedTo)
	assert.True(t, row.Intervention)
	assert.Equal(t, "success", row.ClassificationStatus)
	assert.Equal(t, "success", row.RoutingStatus)
	assert.Equal(t, "success", row.ReadStatus)
	assert.Equal(t, autoresponder.StatusSuccess, row.AutoresponseStatus)
	assert.GreaterOrEqual(t, row.TurnaroundSeconds, 0.0)
	assert.Equal(t, []string{amendAddr}, gw.forwardDests)
	assert.Equal(t, 1, gw.markReadCalls)
	require.Len(t, store.systemLogs, 1)
}

func TestProcessDuplicateSkips(t *testing.T) {
	gw := &fakeGateway{markReadOK: true}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{}
	store := &fakeStore{processed: true}

	eng := New(gw, cls, testRouter(), resp, store)
	out := eng.Process(context.Background(), binAddr, testMessage())

	assert.False(t, out.NeedsReadRetry)
	assert.Empty(t, store.logs)
	require.Len(t, store.skipped, 1)
	assert.Equal(t, logstore.SkipDuplicate, store.skipped[0].SkipType)
	assert.Equal(t, 0, cls.calls, "duplicate must not be billed to the classifier")
	assert.Equal(t, 0, resp.calls)
	assert.Equal(t, 1, gw.markReadCalls)
}

func TestProcessExchangeSystemSenderSkips(t *testing.T) {
	gw := &fakeGateway{markReadOK: true}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{}
	store := &fakeStore{}

	msg := testMessage()
	msg.From = "MicrosoftExchange329e71ec88ae4615bbc36ab6ce41109e@corporate.tld"
	msg.Subject = "Undeliverable: your message"

	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, msg)

	assert.Empty(t, store.logs)
	require.Len(t, store.skipped, 1)
	assert.Equal(t, logstore.SkipExchangeSystem, store.skipped[0].SkipType)
	assert.Equal(t, 0, cls.calls)
	assert.Empty(t, gw.forwardDests)
}

func TestProcessClassifierOutageFallsBack(t *testing.T) {
	gw := &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: true}
	cls := &fakeClassifier{err: errors.New("llm: 500 after retries")}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess}}
	store := &fakeStore{}

	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, testMessage())

	require.Len(t, store.logs, 1)
	row := store.logs[0]
	assert.Equal(t, "error", row.ClassificationStatus)
	assert.Equal(t, "success", row.RoutingStatus)
	assert.Equal(t, "success", row.ReadStatus)
	assert.False(t, row.Intervention)
	// The original recipient is the consolidation bin, so the fallback
	// rewrites to policy services instead of looping.
	assert.Equal(t, policyAddr, row.RoutedTo)
}

func TestProcessForwardFailsThenFallbackSucceeds(t *testing.T) {
	gw := &fakeGateway{
		forwardStatuses: []graph.ForwardStatus{graph.ForwardFailed, graph.ForwardSent},
		markReadOK:      true,
	}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess}}
	store := &fakeStore{}

	msg := testMessage()
	msg.To = "claims@brightsure.example"

	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, msg)

	require.Len(t, store.logs, 1)
	row := store.logs[0]
	assert.Equal(t, "claims@brightsure.example (fallback routing)", row.RoutedTo)
	assert.Equal(t, "error", row.RoutingStatus)
	assert.Equal(t, "success", row.ReadStatus)
	assert.False(t, row.Intervention)
	assert.Equal(t, []string{amendAddr, "claims@brightsure.example"}, gw.forwardDests)
}

func TestProcessBothForwardsFailLeavesUnread(t *testing.T) {
	gw := &fakeGateway{
		forwardStatuses: []graph.ForwardStatus{graph.ForwardFailed, graph.ForwardFailed},
		markReadOK:      true,
	}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusFailed}}
	store := &fakeStore{}

	eng := New(gw, cls, testRouter(), resp, store)
	out := eng.Process(context.Background(), binAddr, testMessage())

	assert.False(t, out.NeedsReadRetry)
	require.Len(t, store.logs, 1)
	row := store.logs[0]
	assert.Equal(t, "DELIVERY FAILED", row.RoutedTo)
	assert.Equal(t, "error", row.RoutingStatus)
	assert.Equal(t, "error", row.ReadStatus)
	assert.Equal(t, 0, gw.markReadCalls, "an undelivered message must stay unread")
}

func TestProcessMarkReadFailureEnqueuesRetry(t *testing.T) {
	gw := &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: false}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess}}
	store := &fakeStore{}

	eng := New(gw, cls, testRouter(), resp, store)
	out := eng.Process(context.Background(), binAddr, testMessage())

	assert.True(t, out.NeedsReadRetry)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "error", store.logs[0].ReadStatus)
	assert.Equal(t, "success", store.logs[0].RoutingStatus)
}

func TestProcessSuppressedAutoresponseIsNotAttempted(t *testing.T) {
	gw := &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: true}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{outcome: autoresponder.Outcome{
		Status: autoresponder.StatusNotAttempted,
		Reason: "sender local part contains system indicator: noreply",
	}}
	store := &fakeStore{}

	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, testMessage())

	require.Len(t, store.logs, 1)
	row := store.logs[0]
	// Forwarding proceeds normally even when the acknowledgment is suppressed.
	assert.Equal(t, "success", row.RoutingStatus)
	assert.Equal(t, autoresponder.StatusNotAttempted, row.AutoresponseStatus)
}

func TestProcessMultiRecipientIntervention(t *testing.T) {
	gw := &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: true}
	res := amendmentsResult()
	res.Category = "other"
	res.TopCategories = []string{"other"}
	cls := &fakeClassifier{result: res}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess}}
	store := &fakeStore{}

	msg := testMessage()
	msg.To = "agent@brightsure.example, broker@partner.example"

	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, msg)

	require.Len(t, store.logs, 1)
	row := store.logs[0]
	// Only the first recipient receives the forward, so routed_to no
	// longer matches the full eml_to list.
	assert.Equal(t, "agent@brightsure.example", row.RoutedTo)
	assert.True(t, row.Intervention)
}

func TestProcessIncrementsCounters(t *testing.T) {
	skippedBefore := testutil.ToFloat64(metrics.MessagesSkipped.WithLabelValues(logstore.SkipDuplicate))
	failuresBefore := testutil.ToFloat64(metrics.DeliveryFailures)
	clsErrBefore := testutil.ToFloat64(metrics.ClassifierErrors)
	suppressedBefore := testutil.ToFloat64(metrics.Autoresponses.WithLabelValues(autoresponder.StatusNotAttempted))
	costBefore := testutil.ToFloat64(metrics.ClassifierCostUSD)

	// Classifier outage plus a rejected fallback forward, acknowledgment
	// suppressed by the loop guard.
	gw := &fakeGateway{markReadOK: true}
	cls := &fakeClassifier{err: errors.New("llm: 500 after retries")}
	resp := &fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusNotAttempted}}
	store := &fakeStore{}
	eng := New(gw, cls, testRouter(), resp, store)
	eng.Process(context.Background(), binAddr, testMessage())

	assert.Equal(t, clsErrBefore+1, testutil.ToFloat64(metrics.ClassifierErrors))
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.DeliveryFailures))
	assert.Equal(t, suppressedBefore+1,
		testutil.ToFloat64(metrics.Autoresponses.WithLabelValues(autoresponder.StatusNotAttempted)))

	// A duplicate counts by its skip type.
	eng = New(gw, cls, testRouter(), resp, &fakeStore{processed: true})
	eng.Process(context.Background(), binAddr, testMessage())
	assert.Equal(t, skippedBefore+1,
		testutil.ToFloat64(metrics.MessagesSkipped.WithLabelValues(logstore.SkipDuplicate)))

	// A successful classification adds its spend.
	gw = &fakeGateway{forwardStatuses: []graph.ForwardStatus{graph.ForwardSent}, markReadOK: true}
	eng = New(gw, &fakeClassifier{result: amendmentsResult()}, testRouter(),
		&fakeResponder{outcome: autoresponder.Outcome{Status: autoresponder.StatusSuccess}}, &fakeStore{})
	eng.Process(context.Background(), binAddr, testMessage())
	assert.InDelta(t, costBefore+0.0021, testutil.ToFloat64(metrics.ClassifierCostUSD), 1e-9)
}

func TestProcessPendingAttachmentScanDefers(t *testing.T) {
	gw := &fakeGateway{pendingScan: true, markReadOK: true}
	cls := &fakeClassifier{result: amendmentsResult()}
	resp := &fakeResponder{}
	store := &fakeStore{}

	msg := testMessage()
	msg.HasAttachments = true

	eng := New(gw, cls, testRouter(), resp, store)
	out := eng.Process(context.Background(), binAddr, msg)

	assert.True(t, out.Deferred)
	assert.Empty(t, store.logs)
	assert.Empty(t, store.skipped)
	assert.Equal(t, 0, gw.markReadCalls)
	assert.Equal(t, 0, cls.calls)
	assert.Equal(t, 0, resp.calls)
}
