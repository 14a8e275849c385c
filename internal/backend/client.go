// Package backend is the HTTP client for the token-streaming inference
// service. Generate returns the raw response body; the stream package decodes
// it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatclient/internal/chat"
	"chatclient/internal/logging"
)

// TokenSource supplies the bearer credential for outbound requests. The
// authentication collaborator implements this.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// Client talks to the inference backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	log        *logging.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for non-streaming calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTokenSource sets the credential source.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(client *Client) {
		client.tokens = ts
	}
}

// WithTimeout sets the HTTP client timeout for non-streaming calls.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(client *Client) {
		client.log = l
	}
}

// NewClient creates a backend client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GenerateRequest is the outbound generation request.
type GenerateRequest struct {
	Messages        []chat.Message `json:"messages"`
	ConversationID  string         `json:"conversationId"`
	Model           string         `json:"model"`
	ReasoningEffort string         `json:"reasoningLevel,omitempty"`
	SystemPrompt    string         `json:"systemPrompt,omitempty"`
	WebSearch       bool           `json:"webSearchEnabled"`
}

// Generate opens a generation stream. The returned body carries the wire
// format consumed by stream.Decoder; the caller must close it. The request
// lives as long as ctx: cancelling ctx aborts the in-flight read.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cache-Control", "no-cache")

	// A dedicated client without timeout: generations have no deadline,
	// only explicit cancellation.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	c.log.Debug("generation stream opened", "conversation", req.ConversationID, "model", req.Model)
	return resp.Body, nil
}

// GenerateTitle asks the backend for a short conversation title based on the
// first user message.
func (c *Client) GenerateTitle(ctx context.Context, text string) (string, error) {
	var result struct {
		Title string `json:"title"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/title", map[string]string{"text": text}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Title), nil
}

// Health checks backend availability.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}

// doRequest performs a JSON request/response call.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// decodeAPIError maps a non-2xx response to an *APIError. The backend sends
// {code, error, details}; details wins as the user-facing string.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var payload struct {
		Code    string `json:"code"`
		Err     string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &APIError{Status: resp.StatusCode, Details: strings.TrimSpace(string(raw))}
	}

	details := payload.Details
	if details == "" {
		details = payload.Err
	}
	return &APIError{Status: resp.StatusCode, Code: payload.Code, Details: details}
}
