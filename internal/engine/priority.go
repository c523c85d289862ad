package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/domain"
	"pulse/internal/reason"
	"pulse/internal/repo"
)

// GenerateRecommendation builds context, scores candidate actions, and
// assembles the ranked recommendation. It never fails hard: reasoning errors
// fall back to deterministic text and a persistence failure is only logged.
func (e *Engine) GenerateRecommendation(ctx context.Context, journeyID string) domain.Recommendation {
	snapshot := e.BuildContext(ctx, journeyID)
	actions := identifyActions(snapshot)
	scored := scoreActions(actions, snapshot)
	if len(scored) == 0 {
		e.Log.Error("no candidate actions produced")
		return e.FallbackRecommendation()
	}

	reasoning := e.generateReasoning(ctx, scored, snapshot)
	primary := scored[0]

	alternatives := make([]domain.Alternative, 0, 2)
	for _, alt := range scored[1:min(len(scored), 3)] {
		alternatives = append(alternatives, domain.Alternative{
			Action:         alt.Action,
			Why:            alt.Reasoning,
			WhenToConsider: "If primary action is blocked",
			TimeEstimate:   alt.TimeEstimate,
		})
	}

	rec := domain.Recommendation{
		GeneratedAt: e.now().Format(time.RFC3339),
		ContextID:   contextID(snapshot),
		PrimaryAction: domain.PrimaryAction{
			Action:         primary.Action,
			Why:            reasoning.Primary,
			ExpectedImpact: primary.ImpactScore,
			TimeEstimate:   primary.TimeEstimate,
			Confidence:     primary.Confidence,
			Urgency:        primary.Urgency,
			Importance:     primary.Importance,
		},
		Alternatives:     alternatives,
		ContextSummary:   reasoning.Situation,
		JourneyAlignment: reasoning.Goal,
		MomentumInsight:  momentumInsight(snapshot),
		EnergyMatch:      energyMatch(primary, snapshot),
		DebugInfo: domain.DebugInfo{
			TotalActionsConsidered: len(actions),
			ContextLayers:          contextLayerNames,
			AIReasoningUsed:        reasoning.AIUsed,
		},
	}

	e.persistRecommendation(ctx, journeyID, rec)

	e.Log.Info("generated recommendation", zap.String("action", truncateStr(primary.Action, 50)))
	return rec
}

// identifyActions enumerates candidates from the snapshot: up to 2 blocked
// items, 2 aging PRs, 3 active issues, and 2 journey priorities, plus two
// maintenance tasks when energy or remaining hours are low, and a planning
// fallback when nothing else surfaced.
func identifyActions(snapshot domain.ContextSnapshot) []domain.CandidateAction {
	var actions []domain.CandidateAction

	for _, item := range snapshot.BlockedItems[:min(len(snapshot.BlockedItems), 2)] {
		since := item.BlockedSince
		if since == "" {
			since = "recently"
		}
		actions = append(actions, domain.CandidateAction{
			Action:       "Unblock: " + titleOr(item.Title, "Unknown item"),
			Type:         "unblock",
			Source:       "linear",
			RefID:        item.RefID,
			URL:          item.URL,
			Reasoning:    "Item blocked since " + since,
			Urgency:      0.8,
			Importance:   0.6,
			TimeEstimate: "30-60 minutes",
		})
	}

	var aging []domain.PRStatus
	for _, pr := range snapshot.PRStatus {
		if pr.NeedsReview {
			aging = append(aging, pr)
		}
	}
	for _, pr := range aging[:min(len(aging), 2)] {
		actions = append(actions, domain.CandidateAction{
			Action:       "Review PR: " + titleOr(pr.Title, "Unknown PR"),
			Type:         "pr_review",
			Source:       "github",
			RefID:        pr.RefID,
			URL:          pr.URL,
			Reasoning:    fmt.Sprintf("PR aging for %.0f hours", pr.HoursOld),
			Urgency:      minFloat(0.9, pr.HoursOld/48),
			Importance:   0.5,
			TimeEstimate: "15-30 minutes",
		})
	}

	for _, issue := range snapshot.ActiveIssues[:min(len(snapshot.ActiveIssues), 3)] {
		mult := priorityMultiplier(issue.Priority)
		actions = append(actions, domain.CandidateAction{
			Action:       "Advance: " + titleOr(issue.Title, "Unknown issue"),
			Type:         "issue_work",
			Source:       "linear",
			RefID:        issue.RefID,
			URL:          issue.URL,
			Reasoning:    fmt.Sprintf("Issue in %s state for %.0f days", issue.State, issue.DaysOld),
			Urgency:      minFloat(0.8, issue.DaysOld/7) * mult,
			Importance:   mult,
			TimeEstimate: "1-3 hours",
		})
	}

	role := snapshot.Journey.DesiredState.Role
	if role == "" {
		role = "career objectives"
	}
	priorities := snapshot.Journey.DesiredState.Priorities
	for i, p := range priorities[:min(len(priorities), 2)] {
		actions = append(actions, domain.CandidateAction{
			Action:       "Advance journey goal: " + p,
			Type:         "journey_goal",
			Source:       "journey",
			RefID:        fmt.Sprintf("journey_priority_%d", i),
			Reasoning:    "Strategic goal aligned with " + role,
			Urgency:      0.4,
			Importance:   0.9,
			TimeEstimate: "2-4 hours",
		})
	}

	tc := snapshot.TimeContext
	if tc.EnergyLevel == "low" || tc.WorkDayRemaining < 2 {
		actions = append(actions,
			domain.CandidateAction{
				Action:       "Review and update documentation",
				Type:         "maintenance",
				Source:       "system",
				Reasoning:    "Low-energy task for end of day",
				Urgency:      0.2,
				Importance:   0.4,
				TimeEstimate: "30-60 minutes",
			},
			domain.CandidateAction{
				Action:       "Organize and clean up local development environment",
				Type:         "maintenance",
				Source:       "system",
				Reasoning:    "Maintenance task suitable for low energy",
				Urgency:      0.1,
				Importance:   0.3,
				TimeEstimate: "15-45 minutes",
			})
	}

	if len(actions) == 0 {
		actions = append(actions, domain.CandidateAction{
			Action:       "Review project status and plan next steps",
			Type:         "planning",
			Source:       "fallback",
			Reasoning:    "No specific actions identified, time for strategic review",
			Urgency:      0.5,
			Importance:   0.6,
			TimeEstimate: "30-60 minutes",
		})
	}

	return actions
}

// scoreActions applies the multi-factor score and returns candidates ranked
// descending. The sort is stable, so ties keep enumeration order.
func scoreActions(actions []domain.CandidateAction, snapshot domain.ContextSnapshot) []domain.CandidateAction {
	role := strings.ToLower(snapshot.Journey.DesiredState.Role)
	roleMatch := strings.Contains(role, "staff") || strings.Contains(role, "senior")

	momentumMultiplier := 1.0
	if snapshot.Momentum.Trend == "increasing" {
		momentumMultiplier = 1.2
	}

	energyLevel := snapshot.TimeContext.EnergyLevel
	if energyLevel == "" {
		energyLevel = "medium"
	}
	workRemaining := snapshot.TimeContext.WorkDayRemaining

	scored := make([]domain.CandidateAction, len(actions))
	copy(scored, actions)

	for i := range scored {
		a := &scored[i]

		alignment := 0.6
		if roleMatch {
			switch a.Type {
			case "journey_goal", "issue_work":
				alignment = 0.8
			case "pr_review", "unblock":
				alignment = 0.7
			default:
				alignment = 0.5
			}
		}

		energyFit := calculateEnergyFit(a.Type, energyLevel)
		timeFit := calculateTimeFit(a.TimeEstimate, workRemaining)

		a.Score = (a.Urgency*0.25 + a.Importance*0.25 + alignment*0.20 + energyFit*0.15 + timeFit*0.15) * momentumMultiplier
		a.Alignment = alignment
		a.EnergyFit = energyFit
		a.TimeFit = timeFit
		a.Confidence = minFloat(0.95, (a.Urgency+a.Importance+alignment)/3)
		a.ImpactScore = a.Importance * alignment
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

var energyRequirements = map[string]map[string]float64{
	"journey_goal": {"high": 0.9, "medium": 0.7, "low": 0.3},
	"issue_work":   {"high": 0.8, "medium": 0.8, "low": 0.4},
	"unblock":      {"high": 0.7, "medium": 0.8, "low": 0.6},
	"pr_review":    {"high": 0.6, "medium": 0.8, "low": 0.7},
	"maintenance":  {"high": 0.4, "medium": 0.6, "low": 0.9},
	"planning":     {"high": 0.7, "medium": 0.8, "low": 0.5},
}

func calculateEnergyFit(actionType, energyLevel string) float64 {
	table, ok := energyRequirements[actionType]
	if !ok {
		return 0.6
	}
	fit, ok := table[energyLevel]
	if !ok {
		return 0.6
	}
	return fit
}

func calculateTimeFit(timeEstimate string, hoursRemaining float64) float64 {
	var maxHours float64
	switch {
	case strings.Contains(timeEstimate, "15-") || strings.Contains(timeEstimate, "30-"):
		maxHours = 1.0
	case strings.Contains(timeEstimate, "1-2") || strings.Contains(timeEstimate, "1-3"):
		maxHours = 2.5
	case strings.Contains(timeEstimate, "2-4"):
		maxHours = 4.0
	default:
		maxHours = 2.0
	}

	switch {
	case maxHours <= hoursRemaining:
		return 1.0
	case maxHours <= hoursRemaining+1:
		return 0.7
	default:
		return 0.3
	}
}

func priorityMultiplier(priority string) float64 {
	switch priority {
	case "urgent":
		return 1.0
	case "high":
		return 0.8
	case "normal":
		return 0.6
	case "low":
		return 0.4
	case "none":
		return 0.3
	default:
		return 0.6
	}
}

type reasoningResult struct {
	Situation string
	Primary   string
	Goal      string
	AIUsed    bool
}

func (e *Engine) generateReasoning(ctx context.Context, scored []domain.CandidateAction, snapshot domain.ContextSnapshot) reasoningResult {
	if e.Reason == nil || !e.Reason.Available() || len(scored) == 0 {
		return fallbackReasoning(scored, snapshot)
	}

	prompt := buildReasoningPrompt(scored[0], snapshot)
	text, err := e.Reason.Generate(ctx, prompt)
	if err != nil {
		switch {
		case errors.Is(err, reason.ErrRateLimited):
			e.Log.Warn("reasoning rate limit exceeded", zap.Error(err))
		case errors.Is(err, reason.ErrTimeout):
			e.Log.Warn("reasoning timeout", zap.Error(err))
		default:
			e.Log.Error("reasoning failed", zap.Error(err))
		}
		return fallbackReasoning(scored, snapshot)
	}

	sections := reason.ParseSections(text)
	if sections.SituationAnalysis == "" {
		sections.SituationAnalysis = "Current context analyzed"
	}
	if sections.PrimaryReasoning == "" {
		sections.PrimaryReasoning = scored[0].Reasoning
		if sections.PrimaryReasoning == "" {
			sections.PrimaryReasoning = "Best available action"
		}
	}
	if sections.GoalAlignment == "" {
		sections.GoalAlignment = "Supports overall objectives"
	}

	return reasoningResult{
		Situation: sections.SituationAnalysis,
		Primary:   sections.PrimaryReasoning,
		Goal:      sections.GoalAlignment,
		AIUsed:    true,
	}
}

func buildReasoningPrompt(primary domain.CandidateAction, snapshot domain.ContextSnapshot) string {
	journey := snapshot.Journey
	tc := snapshot.TimeContext
	momentum := snapshot.Momentum
	m := snapshot.Metrics

	role := journey.DesiredState.Role
	if role == "" {
		role = "Career advancement"
	}
	status := journey.CurrentState.Status
	if status == "" {
		status = "Working"
	}
	timeline := journey.DesiredState.Timeline
	if timeline == "" {
		timeline = "Unknown"
	}

	return fmt.Sprintf(`I need to prioritize my next action. Here's the context:

RECOMMENDED ACTION: %s
Action Type: %s
Urgency: %.2f
Importance: %.2f
Score: %.2f

JOURNEY CONTEXT:
Goal: %s
Current Status: %s
Timeline: %s

TIME CONTEXT:
Current Time: %s
Energy Level: %s
Work Hours Remaining: %.0f
Is Weekend: %t

MOMENTUM:
Trend: %s
Recent Activity: %d events
Velocity Change: %.1fx

CURRENT METRICS:
PRs opened (48h): %d
PRs merged (48h): %d
Tickets moved (48h): %d
Blocked tickets: %d

Please provide reasoning in this format:
SITUATION_ANALYSIS: [Brief analysis of current situation]
PRIMARY_REASONING: [Why this specific action is the best choice right now]
GOAL_ALIGNMENT: [How this action advances the journey goals]
`,
		primary.Action, primary.Type, primary.Urgency, primary.Importance, primary.Score,
		role, status, timeline,
		tc.LocalTime, tc.EnergyLevel, tc.WorkDayRemaining, tc.IsWeekend,
		momentum.Trend, momentum.RecentActivity, momentum.VelocityChange,
		m.PRsOpen48h, m.PRsMerged48h, m.TicketsMoved48h, m.TicketsBlockedNow)
}

func fallbackReasoning(scored []domain.CandidateAction, snapshot domain.ContextSnapshot) reasoningResult {
	if len(scored) == 0 {
		return reasoningResult{
			Situation: "No specific actions identified from current context",
			Primary:   "Time for strategic planning and review",
			Goal:      "Planning supports all objectives",
		}
	}

	primary := scored[0]
	tc := snapshot.TimeContext
	role := snapshot.Journey.DesiredState.Role
	if role == "" {
		role = "career goals"
	}
	reasoning := primary.Reasoning
	if reasoning == "" {
		reasoning = "Highest priority action"
	}

	return reasoningResult{
		Situation: fmt.Sprintf("Based on %d possible actions. Current energy: %s. %.0f hours remaining.",
			len(scored), tc.EnergyLevel, tc.WorkDayRemaining),
		Primary: fmt.Sprintf("%s Score: %.2f", reasoning, primary.Score),
		Goal:    fmt.Sprintf("This %s supports your journey toward %s.", primary.Type, role),
	}
}

func momentumInsight(snapshot domain.ContextSnapshot) string {
	trend := snapshot.Momentum.Trend
	velocity := snapshot.Momentum.VelocityChange

	switch trend {
	case "increasing":
		return fmt.Sprintf("Momentum is strong (↑%.1fx). Great time to tackle challenging work.", velocity)
	case "decreasing":
		return fmt.Sprintf("Activity has slowed (↓%.1fx). Consider quick wins to rebuild momentum.", velocity)
	default:
		return "Activity is steady. Good time for consistent progress on priorities."
	}
}

func energyMatch(primary domain.CandidateAction, snapshot domain.ContextSnapshot) string {
	level := snapshot.TimeContext.EnergyLevel
	if level == "" {
		level = "medium"
	}
	switch {
	case primary.EnergyFit >= 0.8:
		return fmt.Sprintf("Perfect match for %s energy level", level)
	case primary.EnergyFit >= 0.6:
		return fmt.Sprintf("Good fit for current %s energy", level)
	default:
		return fmt.Sprintf("May be challenging given %s energy level", level)
	}
}

// contextID derives a short stable id from the canonical subset of the
// snapshot: current time, journey id, metrics, and issue/blocked counts.
func contextID(snapshot domain.ContextSnapshot) string {
	payload, _ := json.Marshal(map[string]any{
		"time":                snapshot.TimeContext.CurrentUTC,
		"journey_id":          snapshot.Journey.ID,
		"metrics":             snapshot.Metrics,
		"active_issues_count": len(snapshot.ActiveIssues),
		"blocked_count":       len(snapshot.BlockedItems),
	})
	h := fnv.New64a()
	h.Write(payload)
	return fmt.Sprintf("%016x", h.Sum64())[:12]
}

func (e *Engine) persistRecommendation(ctx context.Context, journeyID string, rec domain.Recommendation) {
	var jid *string
	if journeyID != "" {
		jid = &journeyID
	} else if j, err := e.Repo.ActiveJourney(ctx); err == nil {
		jid = &j.ID
	}

	now := e.now().Format(time.RFC3339)
	if err := e.Repo.InsertRecommendation(ctx, uuid.NewString(), jid, rec, now); err != nil {
		e.Log.Error("failed to store recommendation", zap.Error(err))
	}
}

// FallbackRecommendation is returned when the pipeline cannot produce a
// contextual recommendation at all.
func (e *Engine) FallbackRecommendation() domain.Recommendation {
	return domain.Recommendation{
		GeneratedAt: e.now().Format(time.RFC3339),
		ContextID:   "fallback",
		PrimaryAction: domain.PrimaryAction{
			Action:         "Review project status and plan next steps",
			Why:            "System unable to analyze current context. Time for manual review.",
			ExpectedImpact: 0.6,
			TimeEstimate:   "30-60 minutes",
			Confidence:     0.5,
			Urgency:        0.5,
			Importance:     0.6,
		},
		Alternatives: []domain.Alternative{
			{
				Action:         "Check for urgent notifications or messages",
				Why:            "Ensure nothing critical is waiting",
				WhenToConsider: "If planning feels premature",
				TimeEstimate:   "10-15 minutes",
			},
		},
		ContextSummary:   "Unable to analyze current context. Recommending strategic review.",
		JourneyAlignment: "Planning supports all objectives.",
		MomentumInsight:  "Context analysis unavailable.",
		EnergyMatch:      "Default recommendation suitable for any energy level",
		DebugInfo: domain.DebugInfo{
			TotalActionsConsidered: 1,
			ContextLayers:          []string{},
			AIReasoningUsed:        false,
		},
	}
}

// FeedbackInput carries feedback on a previously generated recommendation,
// identified by its context id.
type FeedbackInput struct {
	RecommendationID      string
	ActionTaken           *string
	Outcome               *string
	FeedbackScore         *int
	TimeToCompleteMinutes *int
}

// RecordFeedback updates the matching stored recommendation in place and
// returns its row id. Returns repo.ErrNotFound when nothing matches.
func (e *Engine) RecordFeedback(ctx context.Context, in FeedbackInput) (string, error) {
	return e.Repo.ApplyFeedback(ctx, in.RecommendationID, repo.Feedback{
		ActionTaken:           in.ActionTaken,
		Outcome:               in.Outcome,
		FeedbackScore:         in.FeedbackScore,
		TimeToCompleteMinutes: in.TimeToCompleteMinutes,
	}, e.now().Format(time.RFC3339))
}

// JourneyState returns the journey by id, or the active one when id is empty.
func (e *Engine) JourneyState(ctx context.Context, journeyID string) (domain.Journey, error) {
	if journeyID != "" {
		return e.Repo.GetJourney(ctx, journeyID)
	}
	return e.Repo.ActiveJourney(ctx)
}

func titleOr(title *string, fallback string) string {
	if title != nil && *title != "" {
		return *title
	}
	return fallback
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func truncateStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
