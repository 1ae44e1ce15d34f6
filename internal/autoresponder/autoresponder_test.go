package autoresponder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/loopguard"
	"github.com/brightsure/mail-triage/internal/template"
)

type fakeTemplates struct {
	result *template.Result
	err    error
}

func (f *fakeTemplates) Fetch(_ context.Context, _, _ string) (*template.Result, error) {
	return f.result, f.err
}

type fakeSender struct {
	ok       bool
	sentTo   []string
	subjects []string
	accounts []string
}

func (f *fakeSender) Send(_ context.Context, account, to, subject, _, _ string) bool {
	f.accounts = append(f.accounts, account)
	f.sentTo = append(f.sentTo, to)
	f.subjects = append(f.subjects, subject)
	return f.ok
}

func customerMessage() graph.Message {
	return graph.Message{
		InternetMessageID: "<x1234567890>",
		From:              "jane@example.com",
		To:                "info@brightsure.example",
		Subject:           "Please update my address",
		BodyText:          "I moved to a new street last month.",
		ReceivedAt:        time.Now().UTC(),
	}
}

func testAutoresponder(tpl *fakeTemplates, sender *fakeSender) *Autoresponder {
	guard := loopguard.Guard{
		Accounts:        []string{"autoresponse@brightsure.example"},
		CorporateDomain: "brightsure.example",
	}
	return New(guard, tpl, sender, "autoresponse@brightsure.example")
}

func TestRespondSendsTemplatedAcknowledgment(t *testing.T) {
	tpl := &fakeTemplates{result: &template.Result{
		HTML:    "<p>ref 1234567890</p>",
		Subject: "We have received your email",
		Folder:  "general",
	}}
	sender := &fakeSender{ok: true}

	out := testAutoresponder(tpl, sender).Respond(context.Background(), customerMessage())

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "general", out.Folder)
	require.Len(t, sender.sentTo, 1)
	assert.Equal(t, "jane@example.com", sender.sentTo[0])
	assert.Equal(t, "autoresponse@brightsure.example", sender.accounts[0])
	assert.Equal(t, "We have received your email", sender.subjects[0])
}

func TestRespondSuppressedIsNotAttempted(t *testing.T) {
	tpl := &fakeTemplates{result: &template.Result{HTML: "<p>hi</p>"}}
	sender := &fakeSender{ok: true}

	msg := customerMessage()
	msg.From = "noreply@vendor.com"

	out := testAutoresponder(tpl, sender).Respond(context.Background(), msg)

	assert.Equal(t, StatusNotAttempted, out.Status)
	assert.Contains(t, out.Reason, "noreply")
	assert.Empty(t, sender.sentTo, "a suppressed acknowledgment must not reach the provider")
}

func TestRespondTemplateFetchFailure(t *testing.T) {
	tpl := &fakeTemplates{err: errors.New("blob: status 500")}
	sender := &fakeSender{ok: true}

	out := testAutoresponder(tpl, sender).Respond(context.Background(), customerMessage())

	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "template fetch failed")
	assert.Empty(t, sender.sentTo)
}

func TestRespondProviderRejection(t *testing.T) {
	tpl := &fakeTemplates{result: &template.Result{HTML: "<p>hi</p>", Subject: "s", Folder: "general"}}
	sender := &fakeSender{ok: false}

	out := testAutoresponder(tpl, sender).Respond(context.Background(), customerMessage())

	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "provider rejected")
}
