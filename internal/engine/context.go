package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"pulse/internal/domain"
	"pulse/internal/metrics"
	"pulse/internal/repo"
)

// contextLayerNames lists the snapshot layers in build order.
var contextLayerNames = []string{
	"metrics", "recent_events", "active_issues", "blocked_items", "pr_status",
	"journey", "momentum", "patterns", "time_context", "recent_recommendations",
}

const recentEventsLimit = 20

// localUTCOffset approximates the user's timezone. Should come from journey
// preferences once those carry a timezone.
const localUTCOffset = -8 * time.Hour

// BuildContext assembles the full decision snapshot. Every layer degrades
// independently: a failed query yields that layer's empty or default value
// and the rest of the snapshot is still built.
func (e *Engine) BuildContext(ctx context.Context, journeyID string) domain.ContextSnapshot {
	now := e.now()
	return domain.ContextSnapshot{
		Metrics:               e.metricsLayer(ctx, now),
		RecentEvents:          e.recentEventsLayer(ctx),
		ActiveIssues:          e.activeIssuesLayer(ctx, now),
		BlockedItems:          e.blockedItemsLayer(ctx, now),
		PRStatus:              e.prStatusLayer(ctx, now),
		Journey:               e.journeyLayer(ctx, journeyID, now),
		Momentum:              e.momentumLayer(ctx, now),
		Patterns:              e.patternsLayer(ctx, now),
		TimeContext:           e.timeContextLayer(now),
		RecentRecommendations: e.recentRecommendationsLayer(ctx),
	}
}

func (e *Engine) metricsLayer(ctx context.Context, now time.Time) domain.MetricsSummary {
	since := now.Add(-48 * time.Hour).Format(time.RFC3339)
	events, err := e.Repo.ListEventsSince(ctx, since)
	if err != nil {
		e.Log.Error("failed to get 48h metrics", zap.Error(err))
		return domain.MetricsSummary{}
	}
	return metrics.Compute48hMetrics(events, now)
}

func (e *Engine) recentEventsLayer(ctx context.Context) []domain.Event {
	events, err := e.Repo.ListRecentEvents(ctx, recentEventsLimit)
	if err != nil {
		e.Log.Error("failed to get recent events", zap.Error(err))
		return []domain.Event{}
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events
}

func (e *Engine) activeIssuesLayer(ctx context.Context, now time.Time) []domain.EnrichedIssue {
	since := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	events, err := e.Repo.LatestIssueEvents(ctx, since)
	if err != nil {
		e.Log.Error("failed to get enriched issues", zap.Error(err))
		return []domain.EnrichedIssue{}
	}
	issues := make([]domain.EnrichedIssue, 0, len(events))
	for _, ev := range events {
		daysOld := 0.0
		if ts, err := metrics.ParseTS(ev.TS); err == nil {
			daysOld = now.Sub(ts).Hours() / 24
		}
		issues = append(issues, domain.EnrichedIssue{
			RefID:       ev.RefID,
			Title:       ev.Title,
			URL:         ev.URL,
			DaysOld:     daysOld,
			LastUpdated: ev.TS,
			Priority:    extractPriority(ev.Meta),
			State:       extractState(ev.Meta),
		})
	}
	return issues
}

func (e *Engine) blockedItemsLayer(ctx context.Context, now time.Time) []domain.BlockedItem {
	since := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	events, err := e.Repo.ListBlockedEvents(ctx, since)
	if err != nil {
		e.Log.Error("failed to get blocked context", zap.Error(err))
		return []domain.BlockedItem{}
	}
	items := make([]domain.BlockedItem, 0, len(events))
	for _, ev := range events {
		items = append(items, domain.BlockedItem{
			RefID:        ev.RefID,
			Title:        ev.Title,
			URL:          ev.URL,
			BlockedSince: ev.TS,
			Reason:       extractBlockedReason(ev.Meta),
		})
	}
	return items
}

func (e *Engine) prStatusLayer(ctx context.Context, now time.Time) []domain.PRStatus {
	since := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	events, err := e.Repo.ListPROpenedEvents(ctx, since)
	if err != nil {
		e.Log.Error("failed to get pr review status", zap.Error(err))
		return []domain.PRStatus{}
	}
	prs := make([]domain.PRStatus, 0, len(events))
	for _, ev := range events {
		hoursOld := 0.0
		if ts, err := metrics.ParseTS(ev.TS); err == nil {
			hoursOld = now.Sub(ts).Hours()
		}
		prs = append(prs, domain.PRStatus{
			RefID:       ev.RefID,
			Title:       ev.Title,
			URL:         ev.URL,
			HoursOld:    hoursOld,
			NeedsReview: hoursOld > 24,
			OpenedAt:    ev.TS,
		})
	}
	return prs
}

func (e *Engine) journeyLayer(ctx context.Context, journeyID string, now time.Time) domain.Journey {
	var (
		j   domain.Journey
		err error
	)
	if journeyID != "" {
		j, err = e.Repo.GetJourney(ctx, journeyID)
	} else {
		j, err = e.Repo.ActiveJourney(ctx)
	}
	if err != nil {
		if err != repo.ErrNotFound {
			e.Log.Error("failed to get journey state", zap.Error(err))
		}
		return DefaultJourney(now)
	}
	return j
}

// DefaultJourney is the journey used when none is stored.
func DefaultJourney(now time.Time) domain.Journey {
	ts := now.UTC().Format(time.RFC3339)
	return domain.Journey{
		ID: "default",
		DesiredState: domain.JourneyDesiredState{
			Role:       "$200k+ Staff/Senior Role",
			Timeline:   "3 months",
			Priorities: []string{"Build impressive portfolio", "Demonstrate system design skills"},
		},
		CurrentState: domain.JourneyCurrentState{
			Status:         "building_portfolio",
			Momentum:       "high",
			CurrentProject: "Pulse AI Priority Engine",
		},
		Preferences: domain.JourneyPreferences{
			WorkHours:     "9:00-17:00",
			EnergyPattern: "morning_peak",
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func (e *Engine) momentumLayer(ctx context.Context, now time.Time) domain.Momentum {
	threeDaysAgo := now.Add(-3 * 24 * time.Hour).Format(time.RFC3339)
	sixDaysAgo := now.Add(-6 * 24 * time.Hour).Format(time.RFC3339)

	recent, err := e.Repo.CountEventsBetween(ctx, threeDaysAgo, "")
	if err != nil {
		e.Log.Error("failed to calculate momentum", zap.Error(err))
		return domain.Momentum{Trend: "unknown"}
	}
	previous, err := e.Repo.CountEventsBetween(ctx, sixDaysAgo, threeDaysAgo)
	if err != nil {
		e.Log.Error("failed to calculate momentum", zap.Error(err))
		return domain.Momentum{Trend: "unknown"}
	}

	var velocity float64
	if previous == 0 {
		if recent > 0 {
			velocity = 1.0
		}
	} else {
		velocity = float64(recent) / float64(previous)
	}

	trend := "stable"
	if velocity > 1.2 {
		trend = "increasing"
	} else if velocity < 0.8 {
		trend = "decreasing"
	}

	return domain.Momentum{
		RecentActivity:   recent,
		PreviousActivity: previous,
		VelocityChange:   velocity,
		Trend:            trend,
	}
}

func (e *Engine) patternsLayer(ctx context.Context, now time.Time) domain.WorkPatterns {
	fallback := domain.WorkPatterns{PeakHours: []int{9, 10, 14}, MostProductiveHour: 9}

	since := now.Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	times, err := e.Repo.ListEventTimesSince(ctx, since)
	if err != nil {
		e.Log.Error("failed to get work patterns", zap.Error(err))
		return fallback
	}

	counts := map[int]int{}
	for _, ts := range times {
		t, err := metrics.ParseTS(ts)
		if err != nil {
			continue
		}
		counts[t.Hour()]++
	}
	if len(counts) == 0 {
		return fallback
	}

	hours := make([]int, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if counts[hours[i]] != counts[hours[j]] {
			return counts[hours[i]] > counts[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > 3 {
		hours = hours[:3]
	}

	return domain.WorkPatterns{
		PeakHours:          hours,
		MostProductiveHour: hours[0],
		PatternConfidence:  float64(len(hours)) / 24.0,
	}
}

func (e *Engine) timeContextLayer(now time.Time) domain.TimeContext {
	local := now.Add(localUTCOffset)
	hour := local.Hour()

	remaining := 0.0
	if hour < 17 {
		remaining = float64(17 - hour)
	}

	weekday := local.Weekday()

	return domain.TimeContext{
		CurrentUTC:       now.Format(time.RFC3339),
		LocalTime:        local.Format(time.RFC3339),
		HourOfDay:        hour,
		IsWorkHours:      hour >= 9 && hour <= 17,
		WorkDayRemaining: remaining,
		EnergyLevel:      estimateEnergyLevel(hour),
		DayOfWeek:        weekday.String(),
		IsWeekend:        weekday == time.Saturday || weekday == time.Sunday,
	}
}

func estimateEnergyLevel(hour int) string {
	switch {
	case hour >= 9 && hour <= 11:
		return "high"
	case hour >= 13 && hour <= 15:
		return "medium"
	case hour >= 16 && hour <= 17:
		return "medium"
	default:
		return "low"
	}
}

func (e *Engine) recentRecommendationsLayer(ctx context.Context) []domain.RecommendationHistory {
	recs, err := e.Repo.ListRecentRecommendations(ctx, 5)
	if err != nil {
		e.Log.Error("failed to get recent recommendations", zap.Error(err))
		return []domain.RecommendationHistory{}
	}
	if recs == nil {
		recs = []domain.RecommendationHistory{}
	}
	return recs
}

var priorityNames = map[int]string{
	0: "none",
	1: "urgent",
	2: "high",
	3: "normal",
	4: "low",
}

func extractPriority(meta map[string]any) string {
	value := 3
	if meta != nil {
		if p, ok := meta["priority"].(map[string]any); ok {
			if v, ok := p["value"].(float64); ok {
				value = int(v)
			}
		}
	}
	if name, ok := priorityNames[value]; ok {
		return name
	}
	return "normal"
}

func extractState(meta map[string]any) string {
	if meta != nil {
		if s, ok := meta["state"].(map[string]any); ok {
			if name, ok := s["name"].(string); ok && name != "" {
				return name
			}
		}
	}
	return "unknown"
}

func extractBlockedReason(meta map[string]any) string {
	if meta != nil {
		if reason, ok := meta["blocked_reason"].(string); ok && reason != "" {
			return reason
		}
	}
	return "No reason specified"
}
