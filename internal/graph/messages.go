package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// FetchUnread lists every unread message in the account's inbox, following
// pagination. Transient failures are retried by the transport; 401/403
// surface immediately.
func (c *Client) FetchUnread(ctx context.Context, account string) ([]Message, error) {
	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$top", "50")
	q.Set("$select", "id,internetMessageId,subject,bodyPreview,receivedDateTime,hasAttachments,isRead,from,sender,toRecipients,ccRecipients,body")
	next := c.userURL(account, "/messages?"+q.Encode())

	var out []Message
	for next != "" {
		var page messageListResponse
		if err := c.getJSON(ctx, next, nil, &page); err != nil {
			return nil, fmt.Errorf("fetch unread for %s: %w", account, err)
		}
		for _, gm := range page.Value {
			out = append(out, parseMessage(gm))
		}
		next = page.NextLink
	}

	logger.Debug("fetched unread messages", "account", account, "count", len(out))
	return out, nil
}

// MarkRead PATCHes isRead=true on the message. 404/403 are terminal
// (message gone or inaccessible); other failures have already been
// retried by the transport. Returns true only when the provider
// confirmed the change.
func (c *Client) MarkRead(ctx context.Context, account, providerID string) bool {
	body, _ := json.Marshal(map[string]bool{"isRead": true})
	resp, err := c.do(ctx, http.MethodPatch, c.userURL(account, "/messages/"+providerID), body, nil)
	if err != nil {
		logger.Error("mark read failed", "account", account, "provider_id", providerID, "error", err.Error())
		return false
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true
	case http.StatusNotFound, http.StatusForbidden:
		logger.Warn("mark read: message not reachable", "provider_id", providerID, "status", resp.StatusCode)
		return false
	default:
		logger.Error("mark read: unexpected status", "provider_id", providerID, "status", resp.StatusCode)
		return false
	}
}

// GetMessage fetches a single message by provider id.
func (c *Client) GetMessage(ctx context.Context, account, providerID string) (*Message, error) {
	var gm graphMessage
	if err := c.getJSON(ctx, c.userURL(account, "/messages/"+providerID), nil, &gm); err != nil {
		return nil, fmt.Errorf("get message %s: %w", providerID, err)
	}
	m := parseMessage(gm)
	return &m, nil
}

// CountUnread returns the provider's live unread count for the inbox,
// used by the daily report's processing-variance check.
func (c *Client) CountUnread(ctx context.Context, account string) (int, error) {
	var folder mailFolder
	if err := c.getJSON(ctx, c.userURL(account, "/mailFolders/inbox"), nil, &folder); err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", account, err)
	}
	return folder.UnreadItemCount, nil
}

// CountReceivedOn returns how many messages arrived in the account on the
// given calendar day (UTC).
func (c *Client) CountReceivedOn(ctx context.Context, account string, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("receivedDateTime ge %s and receivedDateTime lt %s", isoDate(start), isoDate(end)))
	q.Set("$count", "true")
	q.Set("$top", "1")

	var page countResponse
	headers := map[string]string{"ConsistencyLevel": "eventual"}
	if err := c.getJSON(ctx, c.userURL(account, "/messages?"+q.Encode()), headers, &page); err != nil {
		return 0, fmt.Errorf("count received for %s: %w", account, err)
	}
	return page.Count, nil
}
