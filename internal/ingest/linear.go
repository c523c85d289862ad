package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulse/internal/domain"
	"pulse/internal/repo"
)

const (
	linearBaseURL   = "https://api.linear.app/graphql"
	linearCursorKey = "linear.updatedAfter"
	linearPageSize  = 50
)

const workflowStatesQuery = `query WorkflowStates($teamId: String!) {
  team(id: $teamId) {
    states { nodes { id name type } }
  }
}`

const issuesQuery = `query Issues($teamId: String!, $updatedAfter: DateTime!, $after: String) {
  issues(
    filter: { team: { id: { eq: $teamId } }, updatedAt: { gt: $updatedAfter } }
    orderBy: updatedAt
    first: 50
    after: $after
  ) {
    pageInfo { hasNextPage endCursor }
    nodes {
      id
      identifier
      title
      url
      createdAt
      updatedAt
      state { id name type }
      previousIdentifiers
      branchName
      priority
      assignees { nodes { id name displayName } }
      labels { nodes { id name } }
    }
  }
}`

// Linear fetches team issues from the Linear GraphQL API.
type Linear struct {
	APIKey             string
	TeamID             string
	BaseURL            string
	Client             *http.Client
	Log                *zap.Logger
	Now                func() time.Time
	DefaultCursorHours int
}

func NewLinear(apiKey, teamID string, log *zap.Logger) *Linear {
	return &Linear{
		APIKey:             apiKey,
		TeamID:             teamID,
		BaseURL:            linearBaseURL,
		Client:             newHTTPClient(),
		Log:                log,
		Now:                time.Now,
		DefaultCursorHours: 72,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (l *Linear) query(ctx context.Context, query string, variables map[string]any) (map[string]any, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", l.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linear request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linear api error (%d)", resp.StatusCode)
	}

	var envelope struct {
		Data   map[string]any   `json:"data"`
		Errors []map[string]any `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode linear response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("%w: linear api error: %v", ErrInvalidRequest, envelope.Errors)
	}
	return envelope.Data, nil
}

// FetchWorkflowStates returns the workflow states configured for the team.
func (l *Linear) FetchWorkflowStates(ctx context.Context) ([]map[string]any, error) {
	data, err := l.query(ctx, workflowStatesQuery, map[string]any{"teamId": l.TeamID})
	if err != nil {
		return nil, err
	}
	team := getMap(data, "team")
	if team == nil {
		return nil, fmt.Errorf("%w: team %s not found", ErrInvalidRequest, l.TeamID)
	}
	nodes, _ := getMap(team, "states")["nodes"].([]any)
	states := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if m, ok := n.(map[string]any); ok {
			states = append(states, m)
		}
	}
	l.Log.Info("fetched linear workflow states", zap.String("team", l.TeamID), zap.Int("count", len(states)))
	return states, nil
}

// FetchIssues pages through issues updated after the given timestamp.
func (l *Linear) FetchIssues(ctx context.Context, updatedAfterISO string) ([]map[string]any, error) {
	var (
		all         []map[string]any
		afterCursor any
		hasNext     = true
	)
	for hasNext {
		data, err := l.query(ctx, issuesQuery, map[string]any{
			"teamId":       l.TeamID,
			"updatedAfter": updatedAfterISO,
			"after":        afterCursor,
		})
		if err != nil {
			return nil, err
		}
		issuesData := getMap(data, "issues")
		pageInfo := getMap(issuesData, "pageInfo")
		nodes, _ := issuesData["nodes"].([]any)
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				all = append(all, m)
			}
		}
		hasNext, _ = pageInfo["hasNextPage"].(bool)
		afterCursor = pageInfo["endCursor"]
	}
	l.Log.Info("fetched linear issues", zap.String("updated_after", updatedAfterISO), zap.Int("count", len(all)))
	return all, nil
}

// NormalizeLinearIssue expands one issue into lifecycle events. A single
// fetch has no state history, so a state change is inferred whenever the
// issue was updated after creation.
func NormalizeLinearIssue(issue map[string]any, lastState string) []domain.Event {
	issueID := getString(issue, "id")
	identifier := getString(issue, "identifier")
	title := getString(issue, "title")
	url := getString(issue, "url")
	createdAt := getString(issue, "createdAt")
	updatedAt := getString(issue, "updatedAt")

	state := getMap(issue, "state")
	stateName := getString(state, "name")

	var assignees []map[string]any
	if nodes, ok := getMap(issue, "assignees")["nodes"].([]any); ok {
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				assignees = append(assignees, map[string]any{
					"id":          m["id"],
					"name":        m["name"],
					"displayName": m["displayName"],
				})
			}
		}
	}

	var labels []map[string]any
	if nodes, ok := getMap(issue, "labels")["nodes"].([]any); ok {
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				labels = append(labels, map[string]any{"id": m["id"], "name": m["name"]})
			}
		}
	}

	// Priority is stored as {"value": n} so downstream consumers read one shape.
	var priority map[string]any
	if v, ok := issue["priority"].(float64); ok {
		priority = map[string]any{"value": v}
	}

	meta := func(eventType string, extra map[string]any) map[string]any {
		m := map[string]any{
			"identifier":          identifier,
			"state":               state,
			"priority":            priority,
			"assignees":           assignees,
			"labels":              labels,
			"branchName":          issue["branchName"],
			"previousIdentifiers": issue["previousIdentifiers"],
			"event_type":          eventType,
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	displayTitle := title
	if identifier != "" {
		displayTitle = identifier + " " + title
	}

	var events []domain.Event

	if createdAt != "" {
		events = append(events, domain.Event{
			TS:     createdAt,
			Source: "linear",
			Type:   "ISSUE_CREATED",
			RefID:  issueID,
			Title:  strPtr(displayTitle),
			URL:    strPtr(url),
			Meta:   meta("created", nil),
		})
	}

	if updatedAt != "" && updatedAt != createdAt {
		events = append(events, domain.Event{
			TS:     updatedAt,
			Source: "linear",
			Type:   "ISSUE_UPDATED",
			RefID:  issueID,
			Title:  strPtr(displayTitle),
			URL:    strPtr(url),
			Meta:   meta("updated", nil),
		})
	}

	if changed, explicit := inferStateChanged(lastState, stateName, createdAt, updatedAt); changed {
		ts := updatedAt
		if ts == "" {
			ts = createdAt
		}
		var extra map[string]any
		if explicit {
			extra = map[string]any{"last_state": lastState}
		}
		events = append(events, domain.Event{
			TS:     ts,
			Source: "linear",
			Type:   "ISSUE_STATE_CHANGED",
			RefID:  issueID,
			Title:  strPtr(fmt.Sprintf("%s state changed to %s", identifier, stateName)),
			URL:    strPtr(url),
			Meta:   meta("state_changed", extra),
		})
	}

	blocked := strings.Contains(strings.ToLower(stateName), "blocked")
	for _, label := range labels {
		if name, _ := label["name"].(string); strings.Contains(strings.ToLower(name), "blocked") {
			blocked = true
		}
	}
	if blocked {
		ts := updatedAt
		if ts == "" {
			ts = createdAt
		}
		events = append(events, domain.Event{
			TS:     ts,
			Source: "linear",
			Type:   "ISSUE_BLOCKED",
			RefID:  issueID,
			Title:  strPtr(identifier + " blocked"),
			URL:    strPtr(url),
			Meta:   meta("blocked", nil),
		})
	}

	return events
}

// inferStateChanged decides whether to emit a state-change event. With a
// known previous state the change is explicit; otherwise it is inferred from
// the update timestamp, which can overreport for non-state edits.
func inferStateChanged(lastState, stateName, createdAt, updatedAt string) (changed, explicit bool) {
	if lastState != "" && stateName != lastState {
		return true, true
	}
	if lastState == "" && updatedAt != createdAt && stateName != "" {
		return true, false
	}
	return false, false
}

// Run loads the cursor, fetches updated issues, and stores their events. The
// cursor never moves past the oldest issue whose inserts failed, so the next
// run refetches it. Inserts are idempotent, making the retry safe.
func (l *Linear) Run(ctx context.Context, store repo.Repo, dryRun bool) (Result, error) {
	if l.APIKey == "" {
		return Result{}, fmt.Errorf("%w: linear api key is required", ErrMissingCredentials)
	}
	if l.TeamID == "" {
		return Result{}, fmt.Errorf("%w: linear team id is required", ErrMissingCredentials)
	}

	updatedAfter := l.cursor(ctx, store)
	l.Log.Info("starting linear ingest", zap.String("cursor", updatedAfter))

	issues, err := l.FetchIssues(ctx, updatedAfter)
	if err != nil {
		return Result{}, err
	}
	if len(issues) == 0 {
		return Result{Cursor: updatedAfter}, nil
	}

	if dryRun {
		var all []domain.Event
		maxUpdated := updatedAfter
		for _, issue := range issues {
			if u := getString(issue, "updatedAt"); u > maxUpdated {
				maxUpdated = u
			}
			all = append(all, NormalizeLinearIssue(issue, "")...)
		}
		sample := all
		if len(sample) > 3 {
			sample = sample[:3]
		}
		return Result{
			Cursor:          maxUpdated,
			IssuesProcessed: len(issues),
			EventsGenerated: len(all),
			Sample:          sample,
		}, nil
	}

	var (
		res          Result
		minFailed    string
		cleanUpdated []string
	)
	for _, issue := range issues {
		events := NormalizeLinearIssue(issue, "")
		failed := false
		for _, e := range events {
			inserted, err := store.InsertEvent(ctx, e)
			if err != nil {
				l.Log.Error("failed to store linear event",
					zap.String("ref_id", e.RefID), zap.String("type", e.Type), zap.Error(err))
				res.Skipped++
				failed = true
				continue
			}
			if inserted {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
		u := getString(issue, "updatedAt")
		if failed {
			if minFailed == "" || u < minFailed {
				minFailed = u
			}
		} else {
			cleanUpdated = append(cleanUpdated, u)
		}
	}

	// RFC3339 timestamps order lexicographically. The cursor stays strictly
	// below the oldest failed issue even when a later issue stored cleanly.
	cursor := updatedAfter
	for _, u := range cleanUpdated {
		if u > cursor && (minFailed == "" || u < minFailed) {
			cursor = u
		}
	}
	res.IssuesProcessed = len(issues)
	res.Cursor = cursor

	if cursor > updatedAfter {
		now := l.Now().UTC().Format(time.RFC3339)
		if err := store.SetCursor(ctx, linearCursorKey, cursor, now); err != nil {
			l.Log.Error("failed to set linear cursor", zap.Error(err))
			return res, err
		}
		l.Log.Info("advanced linear cursor", zap.String("cursor", cursor))
	}

	l.Log.Info("linear ingest completed", zap.Int("inserted", res.Inserted), zap.Int("skipped", res.Skipped))
	return res, nil
}

func (l *Linear) cursor(ctx context.Context, store repo.Repo) string {
	c, err := store.GetCursor(ctx, linearCursorKey)
	if err == nil && c.Value != "" {
		return c.Value
	}
	if err != nil && err != repo.ErrNotFound {
		l.Log.Warn("failed to read linear cursor", zap.Error(err))
	}
	hours := l.DefaultCursorHours
	if hours <= 0 {
		hours = 72
	}
	return l.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)
}
