package reason

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	backend := httptest.NewServer(handler)
	c := New("test-key", "gpt-4", zap.NewNop())
	c.BaseURL = backend.URL
	return c, backend.Close
}

func TestGenerateReturnsCompletion(t *testing.T) {
	var gotReq chatRequest
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"SITUATION_ANALYSIS: ok"}}]}`))
	})
	defer cleanup()

	text, err := c.Generate(context.Background(), "what next?")
	require.NoError(t, err)
	assert.Equal(t, "SITUATION_ANALYSIS: ok", text)

	assert.Equal(t, "gpt-4", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, SystemPrompt, gotReq.Messages[0].Content)
	assert.Equal(t, "what next?", gotReq.Messages[1].Content)
}

func TestGenerateRateLimited(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"requests"}}`))
	})
	defer cleanup()

	_, err := c.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "slow down")
}

func TestGenerateWithoutKey(t *testing.T) {
	c := New("", "gpt-4", zap.NewNop())
	_, err := c.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)

	var nilClient *Client
	assert.False(t, nilClient.Available())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	})
	defer cleanup()

	for i := 0; i < 5; i++ {
		c.Generate(context.Background(), "prompt")
	}
	_, err := c.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateNoChoices(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	defer cleanup()

	_, err := c.Generate(context.Background(), "prompt")
	assert.Error(t, err)
}
