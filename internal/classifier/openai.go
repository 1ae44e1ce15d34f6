package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// azureOpenAI is a chat-completions client for Azure OpenAI deployments
// with a backup endpoint for failover. Responses are requested in JSON
// mode; the caller decodes the content against its stage schema.
type azureOpenAI struct {
	endpoint       string
	apiKey         string
	backupEndpoint string
	backupAPIKey   string
	apiVersion     string
	httpClient     *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func newAzureOpenAI(endpoint, apiKey, backupEndpoint, backupAPIKey, apiVersion string) *azureOpenAI {
	return &azureOpenAI{
		endpoint:       strings.TrimRight(endpoint, "/"),
		apiKey:         apiKey,
		backupEndpoint: strings.TrimRight(backupEndpoint, "/"),
		backupAPIKey:   backupAPIKey,
		apiVersion:     apiVersion,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
	}
}

// complete runs one JSON-mode chat completion against the deployment,
// failing over to the backup endpoint when the primary errors.
func (a *azureOpenAI) complete(ctx context.Context, deployment, systemPrompt, userPrompt string) (string, usage, error) {
	content, u, err := a.completeAt(ctx, a.endpoint, a.apiKey, deployment, systemPrompt, userPrompt)
	if err == nil {
		return content, u, nil
	}
	if a.backupEndpoint == "" {
		return "", usage{}, err
	}

	logger.Warn("primary llm endpoint failed, trying backup", "deployment", deployment, "error", err.Error())
	content, u, berr := a.completeAt(ctx, a.backupEndpoint, a.backupAPIKey, deployment, systemPrompt, userPrompt)
	if berr != nil {
		return "", usage{}, fmt.Errorf("primary: %v; backup: %w", err, berr)
	}
	return content, u, nil
}

func (a *azureOpenAI) completeAt(ctx context.Context, endpoint, apiKey, deployment, systemPrompt, userPrompt string) (string, usage, error) {
	reqBody := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", usage{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", endpoint, deployment, a.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", usage{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", usage{}, fmt.Errorf("chat completion call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage{}, fmt.Errorf("read chat response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", usage{}, fmt.Errorf("decode chat response (status %d): %w", resp.StatusCode, err)
	}
	if cr.Error != nil {
		return "", usage{}, fmt.Errorf("llm error (status %d): %s", resp.StatusCode, cr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", usage{}, fmt.Errorf("llm returned status %d", resp.StatusCode)
	}
	if len(cr.Choices) == 0 {
		return "", usage{}, fmt.Errorf("llm returned no choices")
	}

	return cr.Choices[0].Message.Content, cr.Usage, nil
}
