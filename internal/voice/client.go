// Package voice is the client for the conversational voice provider: it
// places outbound calls and fetches conversation detail.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

var (
	// ErrNotConfigured means a required credential or identifier is missing.
	// Callers treat it as retryable once configured, not as a call failure.
	ErrNotConfigured = errors.New("voice provider not configured")

	ErrConversationNotFound = errors.New("conversation not found")
)

// Config holds provider credentials and the agent used for outbound calls.
type Config struct {
	BaseURL       string
	APIKey        string
	AgentID       string
	PhoneNumberID string
}

// Validate reports which required values are missing, wrapping
// ErrNotConfigured.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(c.AgentID) == "" {
		missing = append(missing, "agent id")
	}
	if strings.TrimSpace(c.PhoneNumberID) == "" {
		missing = append(missing, "phone number id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// Client communicates with the provider API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// PlaceCall asks the provider to dial call.ToNumber. Agent and phone number
// ids default to the configured ones.
func (c *Client) PlaceCall(ctx context.Context, call OutboundCall) (OutboundCallResult, error) {
	if err := c.cfg.Validate(); err != nil {
		return OutboundCallResult{}, err
	}
	if call.AgentID == "" {
		call.AgentID = c.cfg.AgentID
	}
	if call.AgentPhoneNumberID == "" {
		call.AgentPhoneNumberID = c.cfg.PhoneNumberID
	}
	if strings.TrimSpace(call.ToNumber) == "" {
		return OutboundCallResult{}, errors.New("destination number is required")
	}

	body, err := json.Marshal(call)
	if err != nil {
		return OutboundCallResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	var result OutboundCallResult
	if err := c.do(ctx, http.MethodPost, "/v1/convai/twilio/outbound-call", body, &result); err != nil {
		return OutboundCallResult{}, err
	}
	if !result.Success && result.Message != "" {
		return OutboundCallResult{}, fmt.Errorf("provider rejected call: %s", result.Message)
	}
	if result.ConversationID == "" {
		return OutboundCallResult{}, errors.New("provider accepted call without a conversation id")
	}
	return result, nil
}

// GetConversation fetches the conversation detail. A missing conversation
// yields ErrConversationNotFound.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Conversation{}, fmt.Errorf("%w: missing api key", ErrNotConfigured)
	}
	if conversationID == "" {
		return Conversation{}, errors.New("conversation id is required")
	}

	var conv Conversation
	err := c.do(ctx, http.MethodGet, "/v1/convai/conversations/"+url.PathEscape(conversationID), nil, &conv)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// do sends the request, retrying on 429 with exponential backoff, and
// decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
}
