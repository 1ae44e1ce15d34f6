package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

type sendMailBody struct {
	Message struct {
		Subject      string      `json:"subject"`
		Body         itemBody    `json:"body"`
		ToRecipients []recipient `json:"toRecipients"`
		IsBase64     bool        `json:"isBase64,omitempty"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

var headTagRegex = regexp.MustCompile(`(?i)<head[^>]*>`)

// Send delivers a templated mail via sendMail. Three encoding strategies
// are tried in order — UTF-8 JSON with charset meta tags injected into the
// HTML head, a base64-encoded body with the provider's isBase64 hint, and
// plain JSON — returning on the first 202. The fallbacks exist because
// some autoresponse templates carry Windows-1252 artifacts that the
// provider occasionally rejects in plain UTF-8 JSON.
func (c *Client) Send(ctx context.Context, account, to, subject, html, text string) bool {
	strategies := []struct {
		name string
		body func() sendMailBody
	}{
		{"utf8-charset", func() sendMailBody {
			return buildSendBody(to, subject, injectCharsetMeta(html), false)
		}},
		{"base64", func() sendMailBody {
			encoded := base64.StdEncoding.EncodeToString([]byte(html))
			return buildSendBody(to, subject, encoded, true)
		}},
		{"plain", func() sendMailBody {
			return buildSendBody(to, subject, html, false)
		}},
	}

	for _, s := range strategies {
		if c.postSendMail(ctx, account, s.body()) {
			logger.Info("mail sent", "account", account, "to", to, "strategy", s.name)
			return true
		}
		logger.Warn("send strategy failed", "account", account, "to", to, "strategy", s.name)
	}

	// Last resort: plain-text body so at least an acknowledgment lands.
	if text != "" {
		fallback := buildSendBody(to, subject, text, false)
		fallback.Message.Body.ContentType = "text"
		if c.postSendMail(ctx, account, fallback) {
			logger.Info("mail sent", "account", account, "to", to, "strategy", "text-fallback")
			return true
		}
	}
	return false
}

func buildSendBody(to, subject, content string, isBase64 bool) sendMailBody {
	var b sendMailBody
	b.Message.Subject = subject
	b.Message.Body = itemBody{ContentType: "html", Content: content}
	b.Message.ToRecipients = []recipient{{EmailAddress: emailAddress{Address: to}}}
	b.Message.IsBase64 = isBase64
	b.SaveToSentItems = true
	return b
}

func (c *Client) postSendMail(ctx context.Context, account string, body sendMailBody) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}
	resp, err := c.do(ctx, http.MethodPost, c.userURL(account, "/sendMail"), payload, nil)
	if err != nil {
		logger.Error("sendMail failed", "account", account, "error", err.Error())
		return false
	}
	defer drain(resp)
	return resp.StatusCode == http.StatusAccepted
}

// injectCharsetMeta forces UTF-8 interpretation of the HTML body by
// prepending charset meta tags inside <head>. If the document has no
// head, one is added.
func injectCharsetMeta(html string) string {
	const meta = `<meta charset="UTF-8"><meta http-equiv="Content-Type" content="text/html; charset=UTF-8">`
	if strings.Contains(strings.ToLower(html), "charset=") {
		return html
	}
	if loc := headTagRegex.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + meta + html[loc[1]:]
	}
	return "<head>" + meta + "</head>" + html
}
