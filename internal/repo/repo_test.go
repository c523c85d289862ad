package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/db"
	"pulse/internal/domain"
	"pulse/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func event(ts, source, typ, refID string) domain.Event {
	return domain.Event{TS: ts, Source: source, Type: typ, RefID: refID}
}

func TestInsertEventIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	e := event("2025-06-15T10:00:00Z", "github", "PushEvent", "abc")
	e.Meta = map[string]any{"k": "v"}

	inserted, err := r.InsertEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate key must be ignored")

	events, err := r.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "v", events[0].Meta["k"])
}

func TestInsertEventDistinctKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	variants := []domain.Event{
		event("2025-06-15T10:00:00Z", "github", "PushEvent", "abc"),
		event("2025-06-15T10:00:01Z", "github", "PushEvent", "abc"),
		event("2025-06-15T10:00:00Z", "linear", "PushEvent", "abc"),
		event("2025-06-15T10:00:00Z", "github", "PullRequestEvent_opened", "abc"),
		event("2025-06-15T10:00:00Z", "github", "PushEvent", "def"),
	}
	for _, e := range variants {
		inserted, err := r.InsertEvent(ctx, e)
		require.NoError(t, err)
		assert.True(t, inserted, "%+v", e)
	}
}

func TestLatestIssueEventsDeduplicates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, e := range []domain.Event{
		event("2025-06-14T09:00:00Z", "linear", "ISSUE_CREATED", "iss-1"),
		event("2025-06-15T10:00:00Z", "linear", "ISSUE_STATE_CHANGED", "iss-1"),
		event("2025-06-15T08:00:00Z", "linear", "ISSUE_CREATED", "iss-2"),
		event("2025-06-15T09:00:00Z", "linear", "ISSUE_BLOCKED", "iss-2"),
		event("2025-06-15T11:00:00Z", "github", "PushEvent", "sha-1"),
	} {
		_, err := r.InsertEvent(ctx, e)
		require.NoError(t, err)
	}

	events, err := r.LatestIssueEvents(ctx, "2025-06-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "iss-1", events[0].RefID)
	assert.Equal(t, "ISSUE_STATE_CHANGED", events[0].Type)
	assert.Equal(t, "iss-2", events[1].RefID)
	assert.Equal(t, "ISSUE_CREATED", events[1].Type, "blocked events are not lifecycle events")
}

func TestCountEventsBetween(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, ts := range []string{"2025-06-10T00:00:00Z", "2025-06-12T00:00:00Z", "2025-06-14T00:00:00Z"} {
		_, err := r.InsertEvent(ctx, event(ts, "github", "PushEvent", ts))
		require.NoError(t, err)
	}

	n, err := r.CountEventsBetween(ctx, "2025-06-11T00:00:00Z", "2025-06-14T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upper bound is exclusive")

	n, err = r.CountEventsBetween(ctx, "2025-06-11T00:00:00Z", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCursorRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.GetCursor(ctx, "linear.updatedAfter")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.SetCursor(ctx, "linear.updatedAfter", "2025-06-15T10:00:00Z", "2025-06-15T12:00:00Z"))
	require.NoError(t, r.SetCursor(ctx, "linear.updatedAfter", "2025-06-15T11:00:00Z", "2025-06-15T13:00:00Z"))

	c, err := r.GetCursor(ctx, "linear.updatedAfter")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-15T11:00:00Z", c.Value)
	assert.Equal(t, "2025-06-15T13:00:00Z", c.UpdatedAt)
}

func TestApplyFeedbackTargetsNewestMatch(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	rec := domain.Recommendation{
		ContextID:     "ctx-1",
		PrimaryAction: domain.PrimaryAction{Action: "Review PR"},
	}
	require.NoError(t, r.InsertRecommendation(ctx, "rec-old", nil, rec, "2025-06-15T10:00:00Z"))
	require.NoError(t, r.InsertRecommendation(ctx, "rec-new", nil, rec, "2025-06-15T11:00:00Z"))

	outcome := "completed"
	id, err := r.ApplyFeedback(ctx, "ctx-1", Feedback{Outcome: &outcome}, "2025-06-15T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "rec-new", id)

	_, err = r.ApplyFeedback(ctx, "ctx-missing", Feedback{}, "2025-06-15T12:00:00Z")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := r.ListRecentRecommendations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "rec-new", history[0].ID)
	require.NotNil(t, history[0].Outcome)
	assert.Equal(t, "completed", *history[0].Outcome)
	assert.Nil(t, history[1].Outcome)
}

func TestJourneyUpsertAndActive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.ActiveJourney(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	j := domain.Journey{
		ID:           "j-1",
		DesiredState: domain.JourneyDesiredState{Role: "Staff Engineer", Priorities: []string{"Ship"}},
		CurrentState: domain.JourneyCurrentState{Status: "heads_down"},
		Preferences:  domain.JourneyPreferences{EnergyPattern: "morning_peak"},
		IsActive:     true,
		CreatedAt:    "2025-06-15T10:00:00Z",
		UpdatedAt:    "2025-06-15T10:00:00Z",
	}
	require.NoError(t, r.UpsertJourney(ctx, j))

	got, err := r.ActiveJourney(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j-1", got.ID)
	assert.Equal(t, []string{"Ship"}, got.DesiredState.Priorities)

	j.DesiredState.Role = "Principal Engineer"
	j.UpdatedAt = "2025-06-15T11:00:00Z"
	require.NoError(t, r.UpsertJourney(ctx, j))

	got, err = r.GetJourney(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, "Principal Engineer", got.DesiredState.Role)
	assert.Equal(t, "2025-06-15T11:00:00Z", got.UpdatedAt)
}
