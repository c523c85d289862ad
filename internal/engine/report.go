package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulse/internal/domain"
	"pulse/internal/metrics"
)

// PublicEvent is an event stripped for public consumption: no meta, no
// ref ids, allowlisted URLs only.
type PublicEvent struct {
	TS     string  `json:"ts" format:"date-time"`
	Source string  `json:"source"`
	Actor  *string `json:"actor,omitempty"`
	Type   string  `json:"type"`
	Title  *string `json:"title,omitempty"`
	URL    *string `json:"url,omitempty"`
}

type PublicReport struct {
	AsOf         string                `json:"as_of" format:"date-time"`
	Metrics      domain.MetricsSummary `json:"metrics"`
	RecentEvents []PublicEvent         `json:"recent_events"`
}

// BuildPublicReport produces the read-only public view. Failures degrade to
// empty sections rather than erroring.
func (e *Engine) BuildPublicReport(ctx context.Context) PublicReport {
	now := e.now()
	report := PublicReport{
		AsOf:         now.Format(time.RFC3339),
		RecentEvents: []PublicEvent{},
	}

	since := now.Add(-48 * time.Hour).Format(time.RFC3339)
	if events, err := e.Repo.ListEventsSince(ctx, since); err != nil {
		e.Log.Error("failed to compute report metrics", zap.Error(err))
	} else {
		report.Metrics = metrics.Compute48hMetrics(events, now)
	}

	events, err := e.Repo.ListRecentEvents(ctx, 50)
	if err != nil {
		e.Log.Error("failed to fetch report events", zap.Error(err))
		return report
	}
	for _, ev := range events {
		if ev.TS == "" || ev.Source == "" {
			continue
		}
		report.RecentEvents = append(report.RecentEvents, PublicEvent{
			TS:     ev.TS,
			Source: ev.Source,
			Actor:  sanitizeActor(ev.Actor),
			Type:   publicEventType(ev.Type),
			Title:  sanitizeTitle(ev.Title),
			URL:    sanitizeURL(ev.URL),
		})
	}
	return report
}

func sanitizeActor(actor *string) *string {
	if actor == nil {
		return nil
	}
	a := strings.TrimSpace(*actor)
	if len(a) < 1 || len(a) > 50 {
		return nil
	}
	return &a
}

var publicEventTypes = map[string]string{
	"PullRequestEvent_opened": "PR_OPENED",
	"PullRequestEvent_closed": "PR_CLOSED",
	"PullRequestEvent_merged": "PR_MERGED",
	"PushEvent":               "PUSH",
}

func publicEventType(eventType string) string {
	if public, ok := publicEventTypes[eventType]; ok {
		return public
	}
	return eventType
}

func sanitizeTitle(title *string) *string {
	if title == nil {
		return nil
	}
	t := strings.TrimSpace(*title)
	if t == "" {
		return nil
	}
	if len(t) > 200 {
		t = t[:197] + "..."
	}
	return &t
}

var publicURLPrefixes = []string{
	"https://github.com/",
	"https://linear.app/",
	"https://app.linear.app/",
}

func sanitizeURL(url *string) *string {
	if url == nil {
		return nil
	}
	u := strings.TrimSpace(*url)
	for _, prefix := range publicURLPrefixes {
		if strings.HasPrefix(u, prefix) {
			return &u
		}
	}
	return nil
}
