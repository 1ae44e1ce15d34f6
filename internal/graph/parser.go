package graph

import (
	"regexp"
	"strings"
)

var (
	exchangeSenderRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)microsoftexchange[a-f0-9]+@`),
		regexp.MustCompile(`(?i)^exchange[a-f0-9]+@`),
		regexp.MustCompile(`(?i)^[a-f0-9]{32}@`),
	}

	bounceSubjectPrefixes = []string{
		"undeliverable:", "delivery failure:", "returned mail:", "ndr:",
		"undeliverable", "mail delivery failed", "delivery status notification",
	}

	// Patterns that pull the original recipient out of an NDR body, in
	// preference order. Graph renders NDRs with the failed address either
	// in a "Your message to X couldn't be delivered" banner, a mailto
	// link, or a recipient line.
	originalRecipientRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)your message to\s+<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?\s+couldn'?t be delivered`),
		regexp.MustCompile(`(?i)delivery has failed to these recipients[^:]*:\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
		regexp.MustCompile(`(?i)mailto:([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`),
		regexp.MustCompile(`(?i)(?:final-)?recipient[:;]\s*(?:rfc822;)?\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	}

	bounceBodyPhrases = []string{
		"rejected your message",
		"message could not be delivered",
		"wasn't delivered",
		"delivery has failed",
		"recipient's mailbox is full",
		"address couldn't be found",
		"unable to deliver",
		"permanent error",
	}
)

// parseMessage converts a Graph payload into the in-flight Message,
// deriving the bounce flag and, when possible, the original recipient.
func parseMessage(gm graphMessage) Message {
	m := Message{
		ProviderID:        gm.ID,
		InternetMessageID: gm.InternetMessageID,
		Subject:           gm.Subject,
		To:                joinAddresses(gm.ToRecipients),
		CC:                joinAddresses(gm.CcRecipients),
		ReceivedAt:        gm.ReceivedDateTime.UTC(),
		HasAttachments:    gm.HasAttachments,
	}

	if gm.From != nil {
		m.From = gm.From.EmailAddress.Address
	} else if gm.Sender != nil {
		m.From = gm.Sender.EmailAddress.Address
	}

	if strings.EqualFold(gm.Body.ContentType, "html") {
		m.BodyHTML = gm.Body.Content
		m.BodyText = gm.BodyPreview
	} else {
		m.BodyText = gm.Body.Content
	}

	if looksLikeBounce(m.From, m.Subject, m.BodyHTML+m.BodyText) {
		m.IsBounce = true
		if orig := extractOriginalRecipient(m.BodyHTML + "\n" + m.BodyText); orig != "" {
			m.To = orig
		}
	}

	return m
}

// looksLikeBounce applies the sender/subject/body bounce heuristics.
func looksLikeBounce(sender, subject, body string) bool {
	for _, re := range exchangeSenderRegexes {
		if re.MatchString(sender) {
			return true
		}
	}

	lowerSubject := strings.ToLower(subject)
	for _, p := range bounceSubjectPrefixes {
		if strings.HasPrefix(lowerSubject, p) {
			return true
		}
	}

	local := strings.ToLower(sender)
	if at := strings.Index(local, "@"); at > 0 {
		local = local[:at]
	}
	if strings.Contains(local, "mailer-daemon") || strings.Contains(local, "postmaster") {
		lowerBody := strings.ToLower(body)
		for _, p := range bounceBodyPhrases {
			if strings.Contains(lowerBody, p) {
				return true
			}
		}
	}

	return false
}

// extractOriginalRecipient mines an NDR body for the address the bounced
// message was originally sent to. Returns "" when nothing matches.
func extractOriginalRecipient(body string) string {
	for _, re := range originalRecipientRegexes {
		if m := re.FindStringSubmatch(body); len(m) == 2 {
			addr := strings.ToLower(strings.TrimSpace(m[1]))
			// NDR bodies are littered with postmaster/mailer addresses;
			// those are never the original recipient.
			if strings.HasPrefix(addr, "postmaster@") || strings.HasPrefix(addr, "mailer-daemon@") {
				continue
			}
			return addr
		}
	}
	return ""
}

// IsExchangeSystemSender reports whether the address matches the Exchange
// system-mailbox patterns; such messages are skipped before classification.
func IsExchangeSystemSender(sender string) bool {
	for _, re := range exchangeSenderRegexes {
		if re.MatchString(sender) {
			return true
		}
	}
	return false
}
