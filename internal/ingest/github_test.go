package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulse/internal/db"
	"pulse/internal/migrate"
	"pulse/internal/repo"
)

func newTestStore(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, conn
}

func rawPREvent(id, action, createdAt string) map[string]any {
	return map[string]any{
		"id":         id,
		"type":       "PullRequestEvent",
		"created_at": createdAt,
		"actor":      map[string]any{"login": "dev"},
		"repo":       map[string]any{"name": "acme/pulse"},
		"payload": map[string]any{
			"action": action,
			"pull_request": map[string]any{
				"id":       float64(42),
				"title":    "Add report cache",
				"html_url": "https://github.com/acme/pulse/pull/7",
			},
		},
	}
}

func TestNormalizeGitHubPullRequest(t *testing.T) {
	e := NormalizeGitHubEvent(rawPREvent("111", "opened", "2025-06-15T10:00:00Z"))
	assert.Equal(t, "github", e.Source)
	assert.Equal(t, "PullRequestEvent_opened", e.Type)
	assert.Equal(t, "42", e.RefID)
	assert.Equal(t, "2025-06-15T10:00:00Z", e.TS)
	require.NotNil(t, e.Actor)
	assert.Equal(t, "dev", *e.Actor)
	require.NotNil(t, e.Title)
	assert.Equal(t, "PR opened: Add report cache", *e.Title)
	require.NotNil(t, e.URL)
	assert.Equal(t, "https://github.com/acme/pulse/pull/7", *e.URL)
	assert.NotNil(t, e.Meta)
}

func TestNormalizeGitHubPush(t *testing.T) {
	raw := map[string]any{
		"id":         "222",
		"type":       "PushEvent",
		"created_at": "2025-06-15T11:00:00Z",
		"repo":       map[string]any{"name": "acme/pulse"},
		"payload": map[string]any{
			"commits": []any{
				map[string]any{"sha": "abc123", "message": "Fix cursor advance"},
			},
		},
	}
	e := NormalizeGitHubEvent(raw)
	assert.Equal(t, "PushEvent", e.Type)
	assert.Equal(t, "abc123", e.RefID)
	assert.Equal(t, "Push: Fix cursor advance", *e.Title)
	assert.Equal(t, "https://github.com/acme/pulse/commits/abc123", *e.URL)
}

func TestNormalizeGitHubCreateBranch(t *testing.T) {
	raw := map[string]any{
		"id":         "333",
		"type":       "CreateEvent",
		"created_at": "2025-06-15T12:00:00Z",
		"repo":       map[string]any{"name": "acme/pulse"},
		"payload":    map[string]any{"ref_type": "branch", "ref": "feat/report"},
	}
	e := NormalizeGitHubEvent(raw)
	assert.Equal(t, "CreateEvent", e.Type)
	assert.Equal(t, "branch_feat/report", e.RefID)
	assert.Equal(t, "Created branch: feat/report", *e.Title)
}

func TestNormalizeGitHubUnknownType(t *testing.T) {
	e := NormalizeGitHubEvent(map[string]any{
		"id": "444", "type": "WatchEvent", "created_at": "2025-06-15T12:00:00Z",
		"repo": map[string]any{"name": "acme/pulse"},
	})
	assert.Equal(t, "WatchEvent", e.Type)
	assert.Equal(t, "WatchEvent event", *e.Title)
}

func TestFetchEventsRequiresToken(t *testing.T) {
	g := NewGitHub("", zap.NewNop())
	_, err := g.FetchEvents(context.Background(), "acme", "pulse", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestFetchEventsSinceFilter(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token t", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]map[string]any{
			rawPREvent("1", "opened", "2025-06-15T10:00:00Z"),
			rawPREvent("2", "opened", "2025-06-10T10:00:00Z"),
		})
	}))
	defer backend.Close()

	g := NewGitHub("t", zap.NewNop())
	g.BaseURL = backend.URL
	events, err := g.FetchEvents(context.Background(), "acme", "pulse", "2025-06-14T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0]["id"])
}

func TestGitHubRunIsIdempotent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			rawPREvent("1", "opened", "2025-06-15T10:00:00Z"),
			rawPREvent("2", "closed", "2025-06-15T11:00:00Z"),
		})
	}))
	defer backend.Close()

	store, conn := newTestStore(t)
	g := NewGitHub("t", zap.NewNop())
	g.BaseURL = backend.URL

	res, err := g.Run(context.Background(), store, "acme", "pulse", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Skipped)

	res, err = g.Run(context.Background(), store, "acme", "pulse", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Skipped)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestGitHubRunUpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer backend.Close()

	store, _ := newTestStore(t)
	g := NewGitHub("t", zap.NewNop())
	g.BaseURL = backend.URL
	_, err := g.Run(context.Background(), store, "acme", "pulse", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
