package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMessageBasicFields(t *testing.T) {
	gm := graphMessage{
		ID:                "m1",
		InternetMessageID: "<one@x>",
		Subject:           "Please update my address",
		ReceivedDateTime:  time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
		From:              &recipient{EmailAddress: emailAddress{Address: "jane@example.com"}},
		ToRecipients: []recipient{
			{EmailAddress: emailAddress{Address: "info@brightsure.example"}},
			{EmailAddress: emailAddress{Address: "claims@brightsure.example"}},
		},
		Body: itemBody{ContentType: "html", Content: "<p>hi</p>"},
	}
	m := parseMessage(gm)

	assert.Equal(t, "jane@example.com", m.From)
	assert.Equal(t, "info@brightsure.example, claims@brightsure.example", m.To)
	assert.Equal(t, "<p>hi</p>", m.BodyHTML)
	assert.False(t, m.IsBounce)
}

func TestParseMessageFallsBackToSender(t *testing.T) {
	gm := graphMessage{
		ID:     "m1",
		Sender: &recipient{EmailAddress: emailAddress{Address: "sender@example.com"}},
		Body:   itemBody{ContentType: "text", Content: "plain"},
	}
	m := parseMessage(gm)
	assert.Equal(t, "sender@example.com", m.From)
	assert.Equal(t, "plain", m.BodyText)
	assert.Empty(t, m.BodyHTML)
}

func TestParseMessageDetectsBounceAndRewritesRecipient(t *testing.T) {
	gm := graphMessage{
		ID:                "m1",
		InternetMessageID: "<ndr@x>",
		Subject:           "Undeliverable: Please update my address",
		From:              &recipient{EmailAddress: emailAddress{Address: "postmaster@brightsure.example"}},
		ToRecipients:      []recipient{{EmailAddress: emailAddress{Address: "info@brightsure.example"}}},
		Body: itemBody{
			ContentType: "text",
			Content:     "Your message to customer@example.com couldn't be delivered.",
		},
	}
	m := parseMessage(gm)

	assert.True(t, m.IsBounce)
	assert.Equal(t, "customer@example.com", m.To)
}

func TestLooksLikeBounce(t *testing.T) {
	assert.True(t, looksLikeBounce(
		"MicrosoftExchange329e71ec88ae4615bbc36ab6ce41109e@corp.tld", "anything", "body"))
	assert.True(t, looksLikeBounce("jane@example.com", "Undeliverable: hi", "body"))
	assert.True(t, looksLikeBounce("mailer-daemon@mx.example", "hi",
		"The server rejected your message."))

	// A bounce phrase from an ordinary sender is just quoted text.
	assert.False(t, looksLikeBounce("jane@example.com", "Re: my claim",
		"my last mail wasn't delivered, resending"))
}

func TestExtractOriginalRecipient(t *testing.T) {
	assert.Equal(t, "customer@example.com", extractOriginalRecipient(
		"Your message to customer@example.com couldn't be delivered."))
	assert.Equal(t, "customer@example.com", extractOriginalRecipient(
		`<a href="mailto:customer@example.com">retry</a>`))
	assert.Equal(t, "customer@example.com", extractOriginalRecipient(
		"Final-Recipient: rfc822; customer@example.com"))

	// Postmaster addresses are never the original recipient.
	assert.Equal(t, "", extractOriginalRecipient(
		"mailto:postmaster@brightsure.example"))
	assert.Equal(t, "", extractOriginalRecipient("no address here"))
}

func TestIsExchangeSystemSender(t *testing.T) {
	assert.True(t, IsExchangeSystemSender("MicrosoftExchange329e71ec88ae4615bbc36ab6ce41109e@corp.tld"))
	assert.True(t, IsExchangeSystemSender("exchange0a1b2c@corp.tld"))
	assert.True(t, IsExchangeSystemSender("329e71ec88ae4615bbc36ab6ce41109e@corp.tld"))
	assert.False(t, IsExchangeSystemSender("jane@example.com"))
	assert.False(t, IsExchangeSystemSender("exchange-team@corp.tld"))
}
