// Package engine runs the per-message triage pipeline: duplicate and
// system-sender guards, a concurrent autoresponse task, classification,
// routing with fallback, forward-then-mark-read, and the audit writes.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/brightsure/mail-triage/internal/autoresponder"
	"github.com/brightsure/mail-triage/internal/classifier"
	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/logstore"
	"github.com/brightsure/mail-triage/internal/metrics"
	"github.com/brightsure/mail-triage/internal/router"
)

// deliveryFailed is recorded as routed_to when both the primary and the
// fallback forward were rejected. The message stays unread so the next
// loop retries it.
const deliveryFailed = "DELIVERY FAILED"

// autoresponseJoinTimeout bounds the wait on the autoresponse task at
// every terminal state. A task still running after this is recorded as
// pending and left to finish on its own.
const autoresponseJoinTimeout = 10 * time.Second

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Gateway is the slice of the mail provider the engine drives.
type Gateway interface {
	Forward(ctx context.Context, account, providerID, originalSender, forwardTo string, msg graph.Message, note string) graph.ForwardStatus
	MarkRead(ctx context.Context, account, providerID string) bool
	AttachmentsPendingScan(ctx context.Context, account, providerID string) bool
}

// Classifier produces the typed classification for one message.
type Classifier interface {
	Classify(ctx context.Context, subject, from, body string) (*classifier.Result, error)
}

// Responder runs the acknowledgment path for one message.
type Responder interface {
	Respond(ctx context.Context, msg graph.Message) autoresponder.Outcome
}

// AuditStore is the slice of the log store the engine writes to.
type AuditStore interface {
	IsProcessed(ctx context.Context, internetMessageID string) (bool, error)
	InsertLog(ctx context.Context, row *logstore.LogRow) error
	InsertSkipped(ctx context.Context, row *logstore.SkippedRow) error
	InsertSystemLog(ctx context.Context, emailID string, logJSON []byte) error
}

// Outcome tells the batch loop what bookkeeping one message needs.
type Outcome struct {
	// NeedsReadRetry asks the loop to put (account, provider_id) into the
	// read-retry set. Only the loop mutates that set.
	NeedsReadRetry bool
	// Deferred means the message was left untouched (unread, no audit
	// rows) and will be picked up again on a later loop.
	Deferred bool
}

// Engine wires the collaborators for one mailbox-polling process.
type Engine struct {
	gateway    Gateway
	classifier Classifier
	router     *router.Router
	responder  Responder
	store      AuditStore
}

// New builds an engine. All collaborators are required.
func New(gateway Gateway, cls Classifier, rt *router.Router, responder Responder, store AuditStore) *Engine {
	return &Engine{gateway: gateway, classifier: cls, router: rt, responder: responder, store: store}
}

// Process runs one message through the pipeline. It always terminates
// with either a LogRow or a SkippedRow except when the message is
// deferred to a later loop.
func (e *Engine) Process(ctx context.Context, account string, msg graph.Message) Outcome {
	started := time.Now().UTC()
	ml := newMsgLog(msg.InternetMessageID)
	ml.info("processing message", "provider_id", msg.ProviderID, "from", msg.From, "subject", msg.Subject)

	// Duplicate check runs before any side effect.
	seen, err := e.store.IsProcessed(ctx, msg.InternetMessageID)
	if err != nil {
		// Fail open: the unique index still prevents a double LogRow.
		ml.warn("duplicate check failed, continuing", "error", err.Error())
	}
	if seen {
		return e.skip(ctx, account, msg, ml, started, logstore.SkipDuplicate, "internet message id already processed")
	}

	if graph.IsExchangeSystemSender(msg.From) {
		return e.skip(ctx, account, msg, ml, started, logstore.SkipExchangeSystem, "sender is an exchange system mailbox")
	}

	// A message whose attachments are still in the provider's malware
	// scan is left completely untouched until the scan completes.
	if msg.HasAttachments && e.gateway.AttachmentsPendingScan(ctx, account, msg.ProviderID) {
		ml.warn("attachment scan in progress, deferring", "provider_id", msg.ProviderID)
		return Outcome{Deferred: true}
	}

	// The acknowledgment runs concurrently with classification and
	// forwarding; loop-guard evaluation happens inside Respond.
	autoCh := make(chan autoresponder.Outcome, 1)
	go func() {
		autoCh <- e.responder.Respond(ctx, msg)
	}()

	row := &logstore.LogRow{
		InternetMessageID: msg.InternetMessageID,
		ReceivedAt:        msg.ReceivedAt,
		ProcessedAt:       started,
		EmlFrom:           msg.From,
		EmlTo:             msg.To,
		EmlCC:             msg.CC,
		EmlSubject:        msg.Subject,
		EmlBody:           bodyOf(msg),
	}
	defer e.flushSystemLog(ctx, msg.InternetMessageID, ml)

	var out Outcome
	res, err := e.classifier.Classify(ctx, msg.Subject, msg.From, bodyOf(msg))
	if err != nil {
		ml.error("classification failed", "error", err.Error())
		ml.count("classification_error")
		metrics.ClassifierErrors.Inc()
		row.ClassificationStatus = statusError
		row.Reason = "classification failed: " + err.Error()

		// A message that failed classification is still forwarded to its
		// original recipient so a human handles it.
		dest := e.router.Fallback(msg.To)
		out = e.deliver(ctx, account, msg, ml, row, dest, false, true, "classification unavailable")
	} else {
		row.ClassificationStatus = statusSuccess
		row.Category = res.Category
		row.TopCategories = strings.Join(res.TopCategories, ", ")
		row.Reason = res.Reason
		row.ActionRequired = res.ActionRequired
		row.Sentiment = res.Sentiment
		row.CostUSD = res.CostUSD
		row.PrimaryPromptTokens = res.PrimaryUsage.PromptTokens
		row.PrimaryCompletionTokens = res.PrimaryUsage.CompletionTokens
		row.PrimaryCachedTokens = res.PrimaryUsage.CachedTokens
		row.CheapPromptTokens = res.CheapUsage.PromptTokens
		row.CheapCompletionTokens = res.CheapUsage.CompletionTokens
		row.CheapCachedTokens = res.CheapUsage.CachedTokens
		ml.info("classified", "category", res.Category, "action_required", res.ActionRequired)
		ml.count(res.Category)
		metrics.ClassifierCostUSD.Add(res.CostUSD)

		// Intervention compares against the full recipient list exactly as
		// the audit row stores it.
		dest := e.router.Route(res.Category, msg.To)
		intervention := !strings.EqualFold(strings.TrimSpace(dest), strings.TrimSpace(msg.To))
		out = e.deliver(ctx, account, msg, ml, row, dest, intervention, false, res.Category)
	}
	e.joinAutoresponse(autoCh, ml, row)
	if out.Deferred {
		return out
	}

	row.EndAt = time.Now().UTC()
	row.TurnaroundSeconds = row.EndAt.Sub(row.ReceivedAt).Seconds()
	if row.TurnaroundSeconds < 0 {
		row.TurnaroundSeconds = 0
	}

	if err := e.store.InsertLog(ctx, row); err != nil {
		ml.critical("audit log write failed", "internet_message_id", msg.InternetMessageID, "error", err.Error())
	}
	return out
}

// deliver forwards the message and marks it read on confirmed delivery.
// When alreadyFallback is set the destination is the fallback and no
// second fallback is attempted on failure.
func (e *Engine) deliver(ctx context.Context, account string, msg graph.Message, ml *msgLog,
	row *logstore.LogRow, dest string, intervention, alreadyFallback bool, note string) Outcome {

	row.RoutedTo = dest
	row.Intervention = intervention

	switch e.gateway.Forward(ctx, account, msg.ProviderID, msg.From, dest, msg, forwardNote(note)) {
	case graph.ForwardSent:
		row.RoutingStatus = statusSuccess
		ml.info("forwarded", "destination", dest)
		return e.markRead(ctx, account, msg, ml, row)

	case graph.ForwardDeferred:
		ml.warn("forward deferred, message left unread", "destination", dest)
		return Outcome{Deferred: true}
	}

	ml.error("forward failed", "destination", dest)
	ml.count("forward_error")

	if alreadyFallback {
		return e.deliveryFailed(msg, ml, row)
	}

	// Primary forward failed; fall back to the original recipient. A
	// fallback is not an AI decision, so intervention resets.
	fb := e.router.Fallback(msg.To)
	row.RoutedTo = fb
	row.Intervention = false
	row.RoutingStatus = statusError

	switch e.gateway.Forward(ctx, account, msg.ProviderID, msg.From, fb, msg, forwardNote("fallback routing")) {
	case graph.ForwardSent:
		row.RoutedTo = fb + " (fallback routing)"
		ml.warn("fallback forward delivered", "destination", fb)
		return e.markRead(ctx, account, msg, ml, row)
	case graph.ForwardDeferred:
		ml.warn("fallback forward deferred, message left unread", "destination", fb)
		return Outcome{Deferred: true}
	}
	return e.deliveryFailed(msg, ml, row)
}

// deliveryFailed records the terminal both-forwards-failed state. The
// message stays unread so the next loop retries the whole pipeline.
func (e *Engine) deliveryFailed(msg graph.Message, ml *msgLog, row *logstore.LogRow) Outcome {
	row.RoutedTo = deliveryFailed
	row.RoutingStatus = statusError
	row.ReadStatus = statusError
	ml.critical("delivery failed on primary and fallback forward",
		"internet_message_id", msg.InternetMessageID, "subject", msg.Subject)
	ml.count("delivery_failed")
	metrics.DeliveryFailures.Inc()
	return Outcome{}
}

// markRead runs only after a confirmed forward. A failed mark leaves the
// pair in the read-retry set; the audit row still records the delivery.
func (e *Engine) markRead(ctx context.Context, account string, msg graph.Message, ml *msgLog, row *logstore.LogRow) Outcome {
	if e.gateway.MarkRead(ctx, account, msg.ProviderID) {
		row.ReadStatus = statusSuccess
		return Outcome{}
	}
	row.ReadStatus = statusError
	ml.warn("mark read failed, enqueueing retry", "provider_id", msg.ProviderID)
	return Outcome{NeedsReadRetry: true}
}

// skip aborts processing before classification: mark the message read,
// write the SkippedRow, flush the trace.
func (e *Engine) skip(ctx context.Context, account string, msg graph.Message, ml *msgLog,
	started time.Time, skipType, reason string) Outcome {

	ml.info("skipping message", "skip_type", skipType, "reason", reason)
	ml.count("skipped_" + strings.ToLower(skipType))
	metrics.MessagesSkipped.WithLabelValues(skipType).Inc()

	var out Outcome
	if !e.gateway.MarkRead(ctx, account, msg.ProviderID) {
		ml.warn("mark read failed on skipped message", "provider_id", msg.ProviderID)
		out.NeedsReadRetry = true
	}

	err := e.store.InsertSkipped(ctx, &logstore.SkippedRow{
		Subject:        msg.Subject,
		EmlFrom:        msg.From,
		EmlTo:          msg.To,
		SkipType:       skipType,
		SkipReason:     reason,
		ProcessingTime: time.Since(started).Seconds(),
	})
	if err != nil {
		ml.critical("skipped-row write failed", "internet_message_id", msg.InternetMessageID, "error", err.Error())
	}

	e.flushSystemLog(ctx, msg.InternetMessageID, ml)
	return out
}

// joinAutoresponse waits for the concurrent acknowledgment task with a
// hard bound; a task still running is recorded as pending and left alone.
func (e *Engine) joinAutoresponse(autoCh <-chan autoresponder.Outcome, ml *msgLog, row *logstore.LogRow) {
	select {
	case res := <-autoCh:
		row.AutoresponseStatus = res.Status
		ml.setAutoresponse(res.Status, res.Reason, res.Subject, res.Folder)
	case <-time.After(autoresponseJoinTimeout):
		row.AutoresponseStatus = autoresponder.StatusPending
		ml.setAutoresponse(autoresponder.StatusPending, "autoresponse task still running at join timeout", "", "")
		ml.warn("autoresponse join timed out", "internet_message_id", row.InternetMessageID)
	}
	metrics.Autoresponses.WithLabelValues(row.AutoresponseStatus).Inc()
}

// flushSystemLog writes the structured trace. Best effort: a failure here
// is only logged to stderr.
func (e *Engine) flushSystemLog(ctx context.Context, emailID string, ml *msgLog) {
	doc, err := ml.document()
	if err != nil {
		return
	}
	if err := e.store.InsertSystemLog(ctx, emailID, doc); err != nil {
		ml.error("system log write failed", "email_id", emailID, "error", err.Error())
	}
}

func bodyOf(msg graph.Message) string {
	if strings.TrimSpace(msg.BodyHTML) != "" {
		return msg.BodyHTML
	}
	return msg.BodyText
}

func forwardNote(context string) string {
	return "Automated triage (" + context + ")"
}
