// Package azblob is a minimal read-only Azure Blob Storage client used to
// fetch autoresponse templates. Requests are signed with the storage
// account's SharedKey; only GET and existence checks are implemented.
package azblob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrBlobNotFound is returned when the requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Client provides read access to one storage account.
type Client struct {
	accountName    string
	accountKey     string
	endpointSuffix string
	httpClient     *http.Client
}

// NewClient builds a client from an Azure storage connection string of the
// usual "AccountName=...;AccountKey=...;EndpointSuffix=..." form.
func NewClient(connectionString string) (*Client, error) {
	accountName, accountKey, endpointSuffix := parseConnectionString(connectionString)
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("invalid connection string: missing AccountName or AccountKey")
	}
	if endpointSuffix == "" {
		endpointSuffix = "core.windows.net"
	}
	return &Client{
		accountName:    accountName,
		accountKey:     accountKey,
		endpointSuffix: endpointSuffix,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// AccountName returns the storage account the client is bound to.
func (c *Client) AccountName() string { return c.accountName }

func parseConnectionString(cs string) (name, key, suffix string) {
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "AccountName":
			name = v
		case "AccountKey":
			// AccountKey is base64 and may itself contain '='.
			key = strings.TrimPrefix(part, k+"=")
		case "EndpointSuffix":
			suffix = v
		}
	}
	return name, key, suffix
}

func (c *Client) blobURL(container, blobPath string) string {
	return fmt.Sprintf("https://%s.blob.%s/%s/%s", c.accountName, c.endpointSuffix, container, blobPath)
}

// Get downloads a blob's bytes. ErrBlobNotFound is returned for 404.
func (c *Client) Get(ctx context.Context, container, blobPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(container, blobPath), nil)
	if err != nil {
		return nil, fmt.Errorf("build blob request: %w", err)
	}
	if err := c.sign(req, container, blobPath); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get blob %s/%s: %w", container, blobPath, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrBlobNotFound
	default:
		return nil, fmt.Errorf("get blob %s/%s: status %d", container, blobPath, resp.StatusCode)
	}
}

// Exists reports whether a blob is present, via a HEAD probe.
func (c *Client) Exists(ctx context.Context, container, blobPath string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(container, blobPath), nil)
	if err != nil {
		return false, fmt.Errorf("build blob request: %w", err)
	}
	if err := c.sign(req, container, blobPath); err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("head blob %s/%s: %w", container, blobPath, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("head blob %s/%s: status %d", container, blobPath, resp.StatusCode)
	}
}

// sign adds x-ms headers and the SharedKey Authorization header.
// String-to-sign layout per the Blob service SharedKey scheme:
// VERB, content headers (all empty for reads), canonicalized x-ms
// headers, then the canonicalized resource.
func (c *Client) sign(req *http.Request, container, blobPath string) error {
	now := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("x-ms-date", now)
	req.Header.Set("x-ms-version", "2021-08-06")

	canonHeaders := canonicalizedHeaders(req)
	canonResource := fmt.Sprintf("/%s/%s/%s", c.accountName, container, blobPath)

	stringToSign := strings.Join([]string{
		req.Method,
		"", // Content-Encoding
		"", // Content-Language
		"", // Content-Length (empty for 0)
		"", // Content-MD5
		"", // Content-Type
		"", // Date (x-ms-date is used instead)
		"", // If-Modified-Since
		"", // If-Match
		"", // If-None-Match
		"", // If-Unmodified-Since
		"", // Range
		canonHeaders + canonResource,
	}, "\n")

	keyBytes, err := base64.StdEncoding.DecodeString(c.accountKey)
	if err != nil {
		return fmt.Errorf("decode account key: %w", err)
	}
	h := hmac.New(sha256.New, keyBytes)
	h.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", c.accountName, signature))
	return nil
}

func canonicalizedHeaders(req *http.Request) string {
	var keys []string
	for k := range req.Header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-ms-") {
			keys = append(keys, lk)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(req.Header.Get(k)))
		b.WriteString("\n")
	}
	return b.String()
}
