package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// safeAttachmentsScanName is the attachment placeholder the provider
// substitutes while its malware scan is still running. Forwarding such a
// message would deliver the placeholder instead of the real file.
const safeAttachmentsScanName = "Safe Attachments Scan In Progress"

// ForwardStatus is the outcome of one forward attempt.
type ForwardStatus int

const (
	// ForwardSent means the provider accepted the final send (202).
	ForwardSent ForwardStatus = iota
	// ForwardDeferred means the message must stay unread and be retried
	// on a later loop (attachment scan still running).
	ForwardDeferred
	// ForwardFailed means a provider call failed after transport retries.
	ForwardFailed
)

// Forward delivers the message to forwardTo as the consolidation bin:
// create a forward draft, rewrite its recipients (CC filtered through the
// exclusion set, replyTo pointed at the original sender), then send.
// Each provider call is retried independently by the transport.
func (c *Client) Forward(ctx context.Context, account, providerID, originalSender, forwardTo string, msg Message, note string) ForwardStatus {
	// A message whose attachments are still being scanned must be left
	// unread and retried on a later loop.
	if msg.HasAttachments && c.AttachmentsPendingScan(ctx, account, providerID) {
		logger.Warn("forward deferred: attachment scan in progress",
			"provider_id", providerID, "subject", msg.Subject)
		return ForwardDeferred
	}

	draftID, ok := c.createForwardDraft(ctx, account, providerID, note)
	if !ok {
		return ForwardFailed
	}

	if !c.patchDraftRecipients(ctx, account, draftID, originalSender, forwardTo, msg) {
		return ForwardFailed
	}

	if !c.sendDraft(ctx, account, draftID) {
		return ForwardFailed
	}
	return ForwardSent
}

// AttachmentsPendingScan reports whether any attachment is the provider's
// in-progress scan placeholder. A listing failure is treated as pending
// so the message is deferred rather than forwarded blind.
func (c *Client) AttachmentsPendingScan(ctx context.Context, account, providerID string) bool {
	var list attachmentListResponse
	err := c.getJSON(ctx, c.userURL(account, "/messages/"+providerID+"/attachments?$select=id,name,contentType,size"), nil, &list)
	if err != nil {
		logger.Error("list attachments failed", "provider_id", providerID, "error", err.Error())
		return true
	}
	for _, a := range list.Value {
		if strings.EqualFold(strings.TrimSpace(a.Name), safeAttachmentsScanName) {
			return true
		}
	}
	return false
}

func (c *Client) createForwardDraft(ctx context.Context, account, providerID, note string) (string, bool) {
	body, _ := json.Marshal(map[string]string{"comment": note})
	resp, err := c.do(ctx, http.MethodPost, c.userURL(account, "/messages/"+providerID+"/createForward"), body, nil)
	if err != nil {
		logger.Error("createForward failed", "provider_id", providerID, "error", err.Error())
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		logger.Error("createForward: unexpected status", "provider_id", providerID, "status", resp.StatusCode)
		return "", false
	}

	var draft createForwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil || draft.ID == "" {
		logger.Error("createForward: no draft id", "provider_id", providerID)
		return "", false
	}
	return draft.ID, true
}

func (c *Client) patchDraftRecipients(ctx context.Context, account, draftID, originalSender, forwardTo string, msg Message) bool {
	ccList := c.filterCC(splitAddresses(msg.CC))

	patch := map[string]interface{}{
		"toRecipients": []recipient{{EmailAddress: emailAddress{Address: forwardTo}}},
		"ccRecipients": ccList,
		"replyTo":      []recipient{{EmailAddress: emailAddress{Address: originalSender}}},
	}
	body, _ := json.Marshal(patch)

	resp, err := c.do(ctx, http.MethodPatch, c.userURL(account, "/messages/"+draftID), body, nil)
	if err != nil {
		logger.Error("patch draft failed", "draft_id", draftID, "error", err.Error())
		return false
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		logger.Error("patch draft: unexpected status", "draft_id", draftID, "status", resp.StatusCode)
		return false
	}
	return true
}

func (c *Client) sendDraft(ctx context.Context, account, draftID string) bool {
	resp, err := c.do(ctx, http.MethodPost, c.userURL(account, "/messages/"+draftID+"/send"), []byte("{}"), nil)
	if err != nil {
		logger.Error("send draft failed", "draft_id", draftID, "error", err.Error())
		return false
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusAccepted {
		logger.Error("send draft: unexpected status", "draft_id", draftID, "status", resp.StatusCode)
		return false
	}
	return true
}

// splitAddresses parses a comma-joined address list back into recipients.
func splitAddresses(joined string) []recipient {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]recipient, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, recipient{EmailAddress: emailAddress{Address: p}})
		}
	}
	return out
}
