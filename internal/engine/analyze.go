package engine

import (
	"context"
	"time"

	"pulse/internal/domain"
	"pulse/internal/metrics"
)

const analyzeEventLimit = 50

// Analyze computes metrics over the trailing 48 hours plus the most recent
// events in that window.
func (e *Engine) Analyze(ctx context.Context) (domain.MetricsSummary, []domain.Event, error) {
	now := e.now()
	since := now.Add(-48 * time.Hour).Format(time.RFC3339)
	events, err := e.Repo.ListEventsSince(ctx, since)
	if err != nil {
		return domain.MetricsSummary{}, nil, err
	}
	m := metrics.Compute48hMetrics(events, now)
	recent := metrics.FilterRecentEvents(events, analyzeEventLimit)
	if recent == nil {
		recent = []domain.Event{}
	}
	return m, recent, nil
}
