// Package metrics computes rolling activity metrics from normalized events.
package metrics

import (
	"sort"
	"time"

	"pulse/internal/domain"
)

// ParseTS parses an event timestamp. Accepts RFC3339 with either a Z suffix
// or a numeric offset, and bare timestamps which are taken as UTC.
func ParseTS(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Compute48hMetrics aggregates PR activity over the 48 hours before now.
// Events with unparseable timestamps are skipped. The review-time and ticket
// counters are carried as explicit fields but not yet populated.
func Compute48hMetrics(events []domain.Event, now time.Time) domain.MetricsSummary {
	cutoff := now.UTC().Add(-48 * time.Hour)
	var m domain.MetricsSummary

	for _, e := range events {
		if e.TS == "" {
			continue
		}
		ts, err := ParseTS(e.TS)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			continue
		}
		if e.Source != "github" {
			continue
		}
		switch e.Type {
		case "PullRequestEvent_opened":
			m.PRsOpen48h++
		case "PullRequestEvent_closed", "PullRequestEvent_merged":
			if prMerged(e) {
				m.PRsMerged48h++
			}
		}
	}
	return m
}

// prMerged reports whether a close event actually merged the PR. The raw
// payload is authoritative when present; an explicit merged type counts when
// it is not.
func prMerged(e domain.Event) bool {
	if e.Meta != nil {
		payload, _ := e.Meta["payload"].(map[string]any)
		pr, _ := payload["pull_request"].(map[string]any)
		merged, _ := pr["merged"].(bool)
		return merged
	}
	return e.Type == "PullRequestEvent_merged"
}

// FilterRecentEvents returns up to limit events sorted newest first. Events
// with invalid timestamps sort last.
func FilterRecentEvents(events []domain.Event, limit int) []domain.Event {
	sorted := make([]domain.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sortKey(sorted[i]).After(sortKey(sorted[j]))
	})
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func sortKey(e domain.Event) time.Time {
	ts, err := ParseTS(e.TS)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return ts
}
