// Package autoresponder sends the templated acknowledgment for one
// inbound message, subject to the loop guard.
package autoresponder

import (
	"context"
	"strings"

	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/loopguard"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
	"github.com/brightsure/mail-triage/internal/template"
)

// Autoresponse status values recorded in the audit log.
const (
	StatusSuccess      = "success"
	StatusFailed       = "failed"
	StatusPending      = "pending"
	StatusNotAttempted = "not_attempted"
)

// Sender is the slice of the mail gateway the autoresponder needs.
type Sender interface {
	Send(ctx context.Context, account, to, subject, html, text string) bool
}

// Templates resolves and prepares the acknowledgment body.
type Templates interface {
	Fetch(ctx context.Context, recipient, internetMessageID string) (*template.Result, error)
}

// Autoresponder composes and sends acknowledgments from the
// consolidation-bin identity.
type Autoresponder struct {
	guard     loopguard.Guard
	templates Templates
	sender    Sender
	account   string // the identity acknowledgments are sent as
}

// Outcome reports what happened to one acknowledgment attempt.
type Outcome struct {
	Status  string
	Reason  string
	Subject string
	Folder  string
}

// New creates an autoresponder sending as the given account.
func New(guard loopguard.Guard, templates Templates, sender Sender, account string) *Autoresponder {
	return &Autoresponder{guard: guard, templates: templates, sender: sender, account: account}
}

// Respond acknowledges msg's sender unless the loop guard suppresses it.
// Suppression is a normal outcome (StatusNotAttempted), not an error.
func (a *Autoresponder) Respond(ctx context.Context, msg graph.Message) Outcome {
	mailbox := firstAddress(msg.To)

	if suppress, reason := a.guard.ShouldSuppress(msg.From, mailbox, msg.Subject, msg.BodyHTML+msg.BodyText); suppress {
		logger.Info("autoresponse suppressed", "from", msg.From, "reason", reason)
		return Outcome{Status: StatusNotAttempted, Reason: reason}
	}

	tpl, err := a.templates.Fetch(ctx, mailbox, msg.InternetMessageID)
	if err != nil {
		logger.Error("autoresponse template fetch failed", "recipient", mailbox, "error", err.Error())
		return Outcome{Status: StatusFailed, Reason: "template fetch failed: " + err.Error()}
	}

	text := "Thank you for contacting us. We have received your email and will respond as soon as possible. Reference: " +
		template.ReferenceID(msg.InternetMessageID)

	if !a.sender.Send(ctx, a.account, msg.From, tpl.Subject, tpl.HTML, text) {
		logger.Error("autoresponse send failed", "to", msg.From, "folder", tpl.Folder)
		return Outcome{Status: StatusFailed, Reason: "provider rejected autoresponse", Subject: tpl.Subject, Folder: tpl.Folder}
	}

	return Outcome{Status: StatusSuccess, Reason: "autoresponse sent", Subject: tpl.Subject, Folder: tpl.Folder}
}

func firstAddress(joined string) string {
	if idx := strings.Index(joined, ","); idx >= 0 {
		return strings.TrimSpace(joined[:idx])
	}
	return strings.TrimSpace(joined)
}
