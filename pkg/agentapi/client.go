// Package agentapi is a client for the agent service's /ask/ endpoint.
package agentapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	askPath        = "/ask/"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

var codec = sonic.ConfigStd

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("agentapi: base url not configured")

// StatusError reports a non-200 answer from the agent service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
	if e.StatusCode == http.StatusInternalServerError {
		msg += " Check to see if the model server is running."
	}
	return msg
}

// RemoteError is an error message the agent service returned in a 200 body.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Query is the request body of /ask/.
type Query struct {
	Query        string  `json:"query"`
	Category     string  `json:"category"`
	Attachment   *string `json:"attachment"`
	ShowThoughts bool    `json:"show_thoughts"`
}

// Result is a successful answer. Response holds the reply text when the
// service sent one; Fields holds any other object the service returned.
type Result struct {
	Response string
	Fields   map[string]any
}

// Text renders the result for a chat reply. It is empty when the service
// returned nothing usable.
func (r Result) Text() string {
	if strings.TrimSpace(r.Response) != "" {
		return r.Response
	}
	if len(r.Fields) == 0 {
		return ""
	}

	encoded, err := codec.Marshal(r.Fields)
	if err != nil {
		return fmt.Sprint(r.Fields)
	}
	return string(encoded)
}

// Client posts questions to the agent service.
type Client struct {
	endpoint string
	http     *http.Client
	log      *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Client{
		endpoint: base + askPath,
		http:     httpClient,
		log:      log.With("component", "agentapi"),
	}, nil
}

// Ask sends query to the agent service.
//
// A 200 object with a "reply" field yields that reply; an object with an
// "error" field yields a *RemoteError; any other object is returned in
// Fields. A 200 non-object body becomes the Response text. Other statuses
// yield a *StatusError.
func (c *Client) Ask(ctx context.Context, query string, showThoughts bool) (Result, error) {
	body, err := codec.Marshal(Query{
		Query:        query,
		Category:     "message",
		ShowThoughts: showThoughts,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Debug("Sending agent query", "url", c.endpoint, "query_length", len(query))

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("Agent request failed", "error", err)
		return Result{}, fmt.Errorf("POST request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), maxErrorBody)}
		c.log.Error("Agent request returned error status", "status", resp.StatusCode, "body", statusErr.Body)
		return Result{}, statusErr
	}

	return decodeResult(raw)
}

func decodeResult(raw []byte) (Result, error) {
	var payload any
	if err := codec.Unmarshal(raw, &payload); err != nil {
		return Result{Response: strings.TrimSpace(string(raw))}, nil
	}

	object, ok := payload.(map[string]any)
	if !ok {
		if text, isString := payload.(string); isString {
			return Result{Response: text}, nil
		}
		if payload == nil {
			return Result{}, nil
		}
		return Result{Response: strings.TrimSpace(string(raw))}, nil
	}

	if reply, ok := object["reply"]; ok {
		return Result{Response: stringify(reply)}, nil
	}
	if response, ok := object["response"]; ok {
		return Result{Response: stringify(response)}, nil
	}
	if message, ok := object["error"]; ok {
		return Result{}, &RemoteError{Message: stringify(message)}
	}

	return Result{Fields: object}, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := codec.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
