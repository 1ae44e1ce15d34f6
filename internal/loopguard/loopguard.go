// Package loopguard decides whether an autoresponse must be suppressed.
// It is a pure predicate over the message envelope; every mail loop,
// bounce storm and self-reply incident this service has seen traces back
// to one of the ten rules below.
package loopguard

import (
	"regexp"
	"strings"
)

// Rules are evaluated in order; the first match suppresses the
// autoresponse and its reason is recorded in the audit log.

var exchangeSystemRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)microsoftexchange[a-f0-9]+@`),
	regexp.MustCompile(`(?i)\bexchange[a-f0-9]+@`),
	regexp.MustCompile(`(?i)\b[a-f0-9]{32}@`),
}

var systemIndicators = []string{
	"noreply", "no-reply", "donotreply", "do-not-reply",
	"mailer-daemon", "postmaster", "daemon", "mail-daemon",
	"microsoftexchange", "exchange", "outlook-com",
	"auto-reply", "autoreply", "bounce", "delivery",
	"system", "noresponse", "no-response",
}

var bounceSubjectIndicators = []string{
	"undeliverable", "undelivered", "delivery status notification",
	"delivery failure", "mail delivery failed", "returned mail",
	"bounce notification", "message not delivered", "delivery report",
	"non-delivery report", "ndr", "mail delivery subsystem",
	"postmaster notification", "auto-reply", "automatic reply",
	"out of office", "mailbox full", "user unknown",
	"address not found", "relay access denied", "message blocked",
	"delivery incomplete", "message rejected", "smtp error",
}

var bounceSubjectPrefixes = []string{
	"undeliverable:", "delivery failure:", "returned mail:", "ndr:",
}

var bounceBodyIndicators = []string{
	"rejected your message",
	"message could not be delivered",
	"delivery has failed",
	"wasn't delivered",
	"could not be delivered",
	"undeliverable message",
	"permanent failure",
	"recipient address rejected",
	"mailbox unavailable",
	"this is an automatically generated delivery status notification",
}

var priorAutoresponseIndicators = []string{
	"thank you for contacting us", "auto response", "automatic response",
	"we have received your email", "automated reply", "auto-reply",
}

var sameDomainSystemLocals = []string{"exchange", "system", "daemon", "admin"}

// Guard carries the configured inputs of the predicate. The zero value
// suppresses only on envelope evidence (no account or domain rules).
type Guard struct {
	// Accounts are the autoresponse sender identities; mail to or from
	// any of them is never answered.
	Accounts []string
	// CorporateDomain pins the Exchange local-part rule to our tenant.
	CorporateDomain string
}

// ShouldSuppress reports whether an autoresponse to sender must be
// suppressed, with a short reason naming the rule that fired. When no
// rule matches it returns (false, "autoresponse allowed").
func (g Guard) ShouldSuppress(sender, recipient, subject, body string) (bool, string) {
	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)

	// 1. Degenerate addresses.
	if isDegenerate(sender) {
		return true, "invalid sender address"
	}
	if isDegenerate(recipient) {
		return true, "invalid recipient address"
	}

	// 2–3. Our own autoresponse identities on either side.
	for _, acct := range g.Accounts {
		if strings.EqualFold(recipient, strings.TrimSpace(acct)) {
			return true, "recipient is an autoresponse account"
		}
	}
	for _, acct := range g.Accounts {
		if strings.EqualFold(sender, strings.TrimSpace(acct)) {
			return true, "sender is an autoresponse account"
		}
	}

	lowerSender := strings.ToLower(sender)
	senderLocal, senderDomain := splitAddress(lowerSender)

	// 4. Exchange system mailboxes.
	for _, re := range exchangeSystemRegexes {
		if re.MatchString(lowerSender) {
			return true, "sender matches exchange system pattern"
		}
	}

	// 5. Exchange local part on the corporate domain.
	if strings.Contains(senderLocal, "microsoftexchange") &&
		senderDomain == strings.ToLower(g.CorporateDomain) && senderDomain != "" {
		return true, "sender is corporate exchange mailbox"
	}

	// 6. System-indicator local parts.
	for _, ind := range systemIndicators {
		if strings.Contains(senderLocal, ind) {
			return true, "sender local part contains system indicator: " + ind
		}
	}

	// 7. Bounce subjects.
	lowerSubject := strings.ToLower(subject)
	for _, p := range bounceSubjectPrefixes {
		if strings.HasPrefix(lowerSubject, p) {
			return true, "subject has bounce prefix: " + p
		}
	}
	for _, ind := range bounceSubjectIndicators {
		if strings.Contains(lowerSubject, ind) {
			return true, "subject contains bounce indicator: " + ind
		}
	}

	// 8. Bounce bodies.
	lowerBody := strings.ToLower(body)
	for _, ind := range bounceBodyIndicators {
		if strings.Contains(lowerBody, ind) {
			return true, "body contains bounce indicator: " + ind
		}
	}

	// 9. Replies to a previous autoresponse.
	for _, ind := range priorAutoresponseIndicators {
		if strings.Contains(lowerSubject, ind) {
			return true, "subject indicates prior autoresponse: " + ind
		}
	}

	// 10. Internal system traffic on a shared domain.
	_, recipientDomain := splitAddress(strings.ToLower(recipient))
	if senderDomain != "" && senderDomain == recipientDomain {
		for _, ind := range sameDomainSystemLocals {
			if strings.Contains(senderLocal, ind) {
				return true, "same-domain system sender: " + ind
			}
		}
	}

	return false, "autoresponse allowed"
}

func isDegenerate(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.EqualFold(a, "null") {
		return true
	}
	return len(a) < 5
}

func splitAddress(addr string) (local, domain string) {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[:at], addr[at+1:]
	}
	return addr, ""
}
