package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string, seen *Query) *Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ask/" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, seen)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL + "/"})
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestAskSendsQueryPayload(t *testing.T) {
	var seen Query
	client := newTestServer(t, http.StatusOK, `{"reply":"42"}`, &seen)

	result, err := client.Ask(context.Background(), "meaning of life", true)
	require.NoError(t, err)
	require.Equal(t, "42", result.Text())

	require.Equal(t, "meaning of life", seen.Query)
	require.Equal(t, "message", seen.Category)
	require.Nil(t, seen.Attachment)
	require.True(t, seen.ShowThoughts)
}

func TestAskResponseShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantErr  bool
	}{
		{name: "reply field", body: `{"reply":"hello","thoughts":"x"}`, wantText: "hello"},
		{name: "response field", body: `{"response":"direct"}`, wantText: "direct"},
		{name: "other object", body: `{"b":2,"a":1}`, wantText: `{"a":1,"b":2}`},
		{name: "error field", body: `{"error":"model missing"}`, wantErr: true},
		{name: "json string", body: `"plain"`, wantText: "plain"},
		{name: "json number", body: `7`, wantText: "7"},
		{name: "not json", body: `just text`, wantText: "just text"},
		{name: "empty object", body: `{}`, wantText: ""},
		{name: "null", body: `null`, wantText: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, http.StatusOK, tt.body, nil)

			result, err := client.Ask(context.Background(), "q", false)
			if tt.wantErr {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				require.Equal(t, "model missing", remote.Message)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantText, result.Text())
		})
	}
}

func TestAskStatusErrors(t *testing.T) {
	client := newTestServer(t, http.StatusInternalServerError, "ollama unreachable", nil)

	_, err := client.Ask(context.Background(), "q", false)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Contains(t, err.Error(), "ollama unreachable")
	require.Contains(t, err.Error(), "model server is running")

	client = newTestServer(t, http.StatusTeapot, strings.Repeat("x", 600), nil)
	_, err = client.Ask(context.Background(), "q", false)
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTeapot, statusErr.StatusCode)
	require.NotContains(t, err.Error(), "model server")
	require.Len(t, statusErr.Body, maxErrorBody+3)
}

func TestAskTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := New(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = client.Ask(context.Background(), "q", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "POST request failed")

	var statusErr *StatusError
	require.False(t, errors.As(err, &statusErr))
}

func TestAskHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Ask(ctx, "slow", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
