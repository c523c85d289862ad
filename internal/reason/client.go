// Package reason generates natural-language reasoning for recommendations
// through an OpenAI-compatible chat backend.
package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	openaiBaseURL  = "https://api.openai.com/v1/chat/completions"
	requestTimeout = 30 * time.Second
	maxTokens      = 800
	temperature    = 0.3
)

// SystemPrompt frames the model as a task prioritization assistant.
const SystemPrompt = "You are an AI assistant helping prioritize engineering tasks. " +
	"Provide clear, concise reasoning for task recommendations based on context. Be specific and actionable."

var (
	// ErrRateLimited means the backend rejected the call with a 429.
	ErrRateLimited = errors.New("reasoning backend rate limited")
	// ErrTimeout means the call exceeded the request deadline.
	ErrTimeout = errors.New("reasoning backend timeout")
	// ErrUnavailable means the circuit breaker is open or the key is missing.
	ErrUnavailable = errors.New("reasoning backend unavailable")
)

// Client calls the chat completions API behind a circuit breaker. A tripped
// breaker surfaces as ErrUnavailable, which callers treat like any other
// reasoning failure and fall back on.
type Client struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
	Log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

func New(apiKey, model string, log *zap.Logger) *Client {
	c := &Client{
		APIKey:  apiKey,
		BaseURL: openaiBaseURL,
		Model:   model,
		HTTP:    &http.Client{Timeout: requestTimeout},
		Log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// Available reports whether the client is configured with an API key.
func (c *Client) Available() bool {
	return c != nil && c.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate sends the prompt and returns the raw completion text.
func (c *Client) Generate(ctx context.Context, userPrompt string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.complete(ctx, userPrompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *Client) complete(ctx context.Context, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("reasoning request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read reasoning response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope apiErrorEnvelope
		msg := string(respBody)
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return "", fmt.Errorf("reasoning api error (%d): %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode reasoning response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("reasoning response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
