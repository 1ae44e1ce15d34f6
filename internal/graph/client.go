// Package graph is a thin, retrying consumer of the Microsoft Graph mail
// API: list unread, mark read, forward and send on behalf of the
// consolidation bin. Failures never escape as panics; send-style calls
// report success as a boolean and a provider 202 is the success signal.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/brightsure/mail-triage/internal/config"
	"github.com/brightsure/mail-triage/internal/pkg/httpretry"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Client talks to the Graph mail endpoints for the configured accounts.
type Client struct {
	baseURL     string
	httpClient  httpretry.HTTPDoer
	tokens      oauth2.TokenSource
	ccExclusion map[string]struct{}
}

// NewClient creates a Graph client with client-credentials token
// acquisition and a retrying transport.
func NewClient(cfg config.MailConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}

	excl := make(map[string]struct{}, len(cfg.CCExclusion))
	for _, a := range cfg.CCExclusion {
		excl[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}

	return &Client{
		baseURL: defaultBaseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
		tokens:      cc.TokenSource(context.Background()),
		ccExclusion: excl,
	}
}

// RefreshToken forces a token to be available before a batch starts.
// The underlying source caches and renews it transparently afterwards.
func (c *Client) RefreshToken(ctx context.Context) error {
	_, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("acquire graph token: %w", err)
	}
	return nil
}

// do executes an authenticated Graph request and returns the response.
// The caller owns the response body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("acquire graph token: %w", err)
	}
	tok.SetAuthHeader(req)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// getJSON executes a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError reads a Graph error envelope into a descriptive error.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ge graphError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
		return fmt.Errorf("graph %d %s: %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)
	}
	return fmt.Errorf("graph returned status %d", resp.StatusCode)
}

func (c *Client) userURL(account, suffix string) string {
	return fmt.Sprintf("%s/users/%s%s", c.baseURL, account, suffix)
}

// filterCC drops excluded addresses (case-insensitive) from a forwarded
// message's CC list.
func (c *Client) filterCC(cc []recipient) []recipient {
	out := make([]recipient, 0, len(cc))
	for _, r := range cc {
		if _, skip := c.ccExclusion[strings.ToLower(r.EmailAddress.Address)]; skip {
			continue
		}
		out = append(out, r)
	}
	return out
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// joinAddresses renders a recipient list as a comma-joined string.
func joinAddresses(rs []recipient) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.EmailAddress.Address != "" {
			parts = append(parts, r.EmailAddress.Address)
		}
	}
	return strings.Join(parts, ", ")
}

// isoDate formats a day boundary for Graph $filter clauses.
func isoDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
