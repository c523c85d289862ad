// Package ingest pulls activity from external sources and stores it as
// normalized events.
package ingest

import (
	"errors"
	"net/http"
	"time"

	"pulse/internal/domain"
)

var (
	// ErrMissingCredentials means a source was requested without its token.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidRequest covers upstream rejections of the request itself,
	// such as GraphQL errors or an unknown team.
	ErrInvalidRequest = errors.New("invalid ingest request")
)

// Result summarizes one ingest run.
type Result struct {
	Inserted        int            `json:"inserted"`
	Skipped         int            `json:"skipped"`
	Cursor          string         `json:"cursor,omitempty"`
	IssuesProcessed int            `json:"issues_processed,omitempty"`
	EventsGenerated int            `json:"events_generated,omitempty"`
	Sample          []domain.Event `json:"sample,omitempty"`
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
