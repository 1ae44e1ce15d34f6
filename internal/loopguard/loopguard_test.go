package loopguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testGuard() Guard {
	return Guard{
		Accounts:        []string{"autoresponse@brightsure.example"},
		CorporateDomain: "brightsure.example",
	}
}

func TestSuppressesDegenerateAddresses(t *testing.T) {
	g := testGuard()

	cases := []struct {
		name      string
		sender    string
		recipient string
	}{
		{"empty sender", "", "info@brightsure.example"},
		{"null sender", "null", "info@brightsure.example"},
		{"short sender", "a@b", "info@brightsure.example"},
		{"empty recipient", "jane@example.com", ""},
		{"short recipient", "jane@example.com", "x@y"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			suppress, reason := g.ShouldSuppress(tc.sender, tc.recipient, "hello", "body text here")
			assert.True(t, suppress, reason)
		})
	}
}

func TestSuppressesOwnAutoresponseAccounts(t *testing.T) {
	g := testGuard()

	suppress, reason := g.ShouldSuppress("jane@example.com", "Autoresponse@Brightsure.Example", "hi", "body")
	assert.True(t, suppress)
	assert.Contains(t, reason, "recipient is an autoresponse account")

	suppress, reason = g.ShouldSuppress("autoresponse@brightsure.example", "info@brightsure.example", "hi", "body")
	assert.True(t, suppress)
	assert.Contains(t, reason, "sender is an autoresponse account")
}

func TestSuppressesExchangeSystemSenders(t *testing.T) {
	g := testGuard()

	suppress, _ := g.ShouldSuppress(
		"MicrosoftExchange329e71ec88ae4615bbc36ab6ce41109e@corporate.tld",
		"info@brightsure.example", "Undeliverable: hi", "body")
	assert.True(t, suppress)

	suppress, _ = g.ShouldSuppress(
		"329e71ec88ae4615bbc36ab6ce41109e@corporate.tld",
		"info@brightsure.example", "hi there", "body text")
	assert.True(t, suppress)
}

func TestSuppressesSystemIndicatorLocalParts(t *testing.T) {
	g := testGuard()

	for _, sender := range []string{
		"noreply@vendor.com",
		"do-not-reply@shop.example",
		"mailer-daemon@mx.example",
		"bounce-823@lists.example",
	} {
		suppress, reason := g.ShouldSuppress(sender, "info@brightsure.example", "an update", "plain body")
		assert.True(t, suppress, "sender %s should be suppressed", sender)
		assert.Contains(t, reason, "system indicator")
	}
}

func TestSuppressesBounceSubjects(t *testing.T) {
	g := testGuard()

	for _, subject := range []string{
		"Undeliverable: your message to claims",
		"Automatic reply: out of the office",
		"Delivery Status Notification (Failure)",
		"NDR: message rejected",
	} {
		suppress, _ := g.ShouldSuppress("jane@example.com", "info@brightsure.example", subject, "plain body")
		assert.True(t, suppress, "subject %q should be suppressed", subject)
	}
}

func TestSuppressesBounceBodies(t *testing.T) {
	g := testGuard()

	suppress, reason := g.ShouldSuppress("jane@example.com", "info@brightsure.example",
		"Re: my policy", "Your message wasn't delivered to anyone.")
	assert.True(t, suppress)
	assert.Contains(t, reason, "bounce indicator")
}

func TestSuppressesRepliesToPriorAutoresponse(t *testing.T) {
	g := testGuard()

	suppress, _ := g.ShouldSuppress("jane@example.com", "info@brightsure.example",
		"RE: Thank you for contacting us", "thanks, when will I hear back?")
	assert.True(t, suppress)
}

func TestSuppressesSameDomainSystemSenders(t *testing.T) {
	g := testGuard()

	suppress, _ := g.ShouldSuppress("admin-alerts@brightsure.example", "info@brightsure.example",
		"disk usage warning", "server at 91%")
	assert.True(t, suppress)

	// Same local part on a different domain is allowed.
	suppress, _ = g.ShouldSuppress("admin-alerts@example.com", "info@brightsure.example",
		"disk usage warning", "server at 91%")
	assert.False(t, suppress)
}

func TestAllowsOrdinaryCustomers(t *testing.T) {
	g := testGuard()

	suppress, reason := g.ShouldSuppress("jane@example.com", "info@brightsure.example",
		"Please update my address", "I moved to a new street last month.")
	assert.False(t, suppress)
	assert.Equal(t, "autoresponse allowed", reason)
}

func TestZeroValueGuardStillAppliesEnvelopeRules(t *testing.T) {
	var g Guard

	suppress, _ := g.ShouldSuppress("noreply@vendor.com", "info@brightsure.example", "hi", "body")
	assert.True(t, suppress)

	suppress, _ = g.ShouldSuppress("jane@example.com", "info@brightsure.example", "hi there", "real body")
	assert.False(t, suppress)
}
