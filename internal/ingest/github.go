package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"pulse/internal/domain"
	"pulse/internal/metrics"
	"pulse/internal/repo"
)

const githubBaseURL = "https://api.github.com"

// GitHub fetches repository events from the GitHub REST API.
type GitHub struct {
	Token   string
	BaseURL string
	Client  *http.Client
	Log     *zap.Logger
}

func NewGitHub(token string, log *zap.Logger) *GitHub {
	return &GitHub{
		Token:   token,
		BaseURL: githubBaseURL,
		Client:  newHTTPClient(),
		Log:     log,
	}
}

// FetchEvents retrieves recent events for a repository. The events API has no
// server-side since filter, so sinceISO is applied client-side.
func (g *GitHub) FetchEvents(ctx context.Context, owner, repoName, sinceISO string) ([]map[string]any, error) {
	if g.Token == "" {
		return nil, fmt.Errorf("%w: github token is required", ErrMissingCredentials)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/events?per_page=100", g.BaseURL, owner, repoName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+g.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "pulse-github-ingest/1.0")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("github api error (%d): %s", resp.StatusCode, string(body))
	}

	var events []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode github response: %w", err)
	}

	if sinceISO != "" {
		since, err := metrics.ParseTS(sinceISO)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid since timestamp %q", ErrInvalidRequest, sinceISO)
		}
		filtered := events[:0]
		for _, e := range events {
			ts, err := metrics.ParseTS(getString(e, "created_at"))
			if err != nil {
				continue
			}
			if !ts.Before(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	g.Log.Info("fetched github events",
		zap.String("owner", owner), zap.String("repo", repoName), zap.Int("count", len(events)))
	return events, nil
}

// NormalizeGitHubEvent maps a raw GitHub event onto the common event schema.
func NormalizeGitHubEvent(raw map[string]any) domain.Event {
	eventType := getString(raw, "type")
	if eventType == "" {
		eventType = "unknown"
	}
	refID := getString(raw, "id")
	if refID == "" {
		refID = "unknown"
	}

	var actor *string
	if a := getMap(raw, "actor"); a != nil {
		actor = strPtr(getString(a, "login"))
	}

	payload := getMap(raw, "payload")
	repoInfo := getMap(raw, "repo")
	repoName := getString(repoInfo, "name")

	var title, url string

	switch eventType {
	case "PushEvent":
		commits, _ := payload["commits"].([]any)
		if len(commits) > 0 {
			first, _ := commits[0].(map[string]any)
			msg := getString(first, "message")
			if msg == "" {
				msg = "No message"
			}
			title = "Push: " + truncate(msg, 100)
			if sha := getString(first, "sha"); sha != "" {
				refID = sha
			}
			url = fmt.Sprintf("https://github.com/%s/commits/%s", repoName, refID)
		} else {
			ref := getString(payload, "ref")
			if ref == "" {
				ref = "unknown ref"
			}
			title = "Push to " + ref
		}

	case "PullRequestEvent":
		pr := getMap(payload, "pull_request")
		action := getString(payload, "action")
		if action == "" {
			action = "unknown"
		}
		prTitle := getString(pr, "title")
		if prTitle == "" {
			prTitle = "No title"
		}
		title = fmt.Sprintf("PR %s: %s", action, truncate(prTitle, 100))
		if id, ok := pr["id"].(float64); ok {
			refID = fmt.Sprintf("%.0f", id)
		}
		url = getString(pr, "html_url")
		eventType = "PullRequestEvent_" + action

	case "IssuesEvent":
		issue := getMap(payload, "issue")
		action := getString(payload, "action")
		if action == "" {
			action = "unknown"
		}
		issueTitle := getString(issue, "title")
		if issueTitle == "" {
			issueTitle = "No title"
		}
		title = fmt.Sprintf("Issue %s: %s", action, truncate(issueTitle, 100))
		if id, ok := issue["id"].(float64); ok {
			refID = fmt.Sprintf("%.0f", id)
		}
		url = getString(issue, "html_url")
		eventType = "IssuesEvent_" + action

	case "CreateEvent", "DeleteEvent":
		verb := "Created"
		if eventType == "DeleteEvent" {
			verb = "Deleted"
		}
		refType := getString(payload, "ref_type")
		if refType == "" {
			refType = "unknown"
		}
		if ref := getString(payload, "ref"); ref != "" {
			title = fmt.Sprintf("%s %s: %s", verb, refType, ref)
			refID = refType + "_" + ref
		} else {
			title = fmt.Sprintf("%s %s", verb, refType)
		}
		url = "https://github.com/" + repoName

	default:
		title = eventType + " event"
		if repoName != "" {
			url = "https://github.com/" + repoName
		}
	}

	return domain.Event{
		TS:     getString(raw, "created_at"),
		Source: "github",
		Actor:  actor,
		Type:   eventType,
		RefID:  refID,
		Title:  strPtr(title),
		URL:    strPtr(url),
		Meta:   raw,
	}
}

// Run fetches, normalizes, and stores GitHub events. Individual insert
// failures count as skipped rather than aborting the run.
func (g *GitHub) Run(ctx context.Context, store repo.Repo, owner, repoName, sinceISO string) (Result, error) {
	events, err := g.FetchEvents(ctx, owner, repoName, sinceISO)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, raw := range events {
		e := NormalizeGitHubEvent(raw)
		inserted, err := store.InsertEvent(ctx, e)
		if err != nil {
			g.Log.Error("failed to store github event", zap.String("ref_id", e.RefID), zap.Error(err))
			res.Skipped++
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}

	g.Log.Info("github ingest completed", zap.Int("inserted", res.Inserted), zap.Int("skipped", res.Skipped))
	return res, nil
}
