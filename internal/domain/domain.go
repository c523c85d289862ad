package domain

// Event is a normalized activity record ingested from an external source.
type Event struct {
	ID     int64          `json:"id,omitempty"`
	TS     string         `json:"ts" format:"date-time"`
	Source string         `json:"source" enum:"github,linear"`
	Actor  *string        `json:"actor,omitempty"`
	Type   string         `json:"type"`
	RefID  string         `json:"ref_id"`
	Title  *string        `json:"title,omitempty"`
	URL    *string        `json:"url,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Cursor is an ingest watermark keyed by source.
type Cursor struct {
	Key       string `json:"key"`
	Value     string `json:"value" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type MetricsSummary struct {
	PRsOpen48h        int     `json:"prs_open_48h"`
	PRsMerged48h      int     `json:"prs_merged_48h"`
	AvgReviewHours48h float64 `json:"avg_review_hours_48h"`
	TicketsMoved48h   int     `json:"tickets_moved_48h"`
	TicketsBlockedNow int     `json:"tickets_blocked_now"`
}

type JourneyDesiredState struct {
	Role       string   `json:"role"`
	Timeline   string   `json:"timeline"`
	Priorities []string `json:"priorities,omitempty"`
}

type JourneyCurrentState struct {
	Status         string `json:"status"`
	Momentum       string `json:"momentum,omitempty"`
	CurrentProject string `json:"current_project,omitempty"`
}

type JourneyPreferences struct {
	WorkHours     string `json:"work_hours,omitempty"`
	EnergyPattern string `json:"energy_pattern,omitempty"`
}

type Journey struct {
	ID           string              `json:"id"`
	DesiredState JourneyDesiredState `json:"desired_state"`
	CurrentState JourneyCurrentState `json:"current_state"`
	Preferences  JourneyPreferences  `json:"preferences"`
	IsActive     bool                `json:"is_active,omitempty"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	UpdatedAt    string              `json:"updated_at" format:"date-time"`
}

// EnrichedIssue is the latest known view of a tracked issue.
type EnrichedIssue struct {
	RefID       string  `json:"ref_id"`
	Title       *string `json:"title,omitempty"`
	URL         *string `json:"url,omitempty"`
	DaysOld     float64 `json:"days_old"`
	LastUpdated string  `json:"last_updated"`
	Priority    string  `json:"priority" enum:"none,urgent,high,normal,low"`
	State       string  `json:"state"`
}

type BlockedItem struct {
	RefID        string  `json:"ref_id"`
	Title        *string `json:"title,omitempty"`
	URL          *string `json:"url,omitempty"`
	BlockedSince string  `json:"blocked_since"`
	Reason       string  `json:"reason"`
}

type PRStatus struct {
	RefID       string  `json:"ref_id"`
	Title       *string `json:"title,omitempty"`
	URL         *string `json:"url,omitempty"`
	HoursOld    float64 `json:"hours_old"`
	NeedsReview bool    `json:"needs_review"`
	OpenedAt    string  `json:"opened_at"`
}

type Momentum struct {
	RecentActivity   int     `json:"recent_activity"`
	PreviousActivity int     `json:"previous_activity"`
	VelocityChange   float64 `json:"velocity_change"`
	Trend            string  `json:"trend" enum:"increasing,decreasing,stable,unknown"`
}

type WorkPatterns struct {
	PeakHours          []int   `json:"peak_hours"`
	MostProductiveHour int     `json:"most_productive_hour"`
	PatternConfidence  float64 `json:"pattern_confidence"`
}

type TimeContext struct {
	CurrentUTC       string  `json:"current_utc" format:"date-time"`
	LocalTime        string  `json:"local_time" format:"date-time"`
	HourOfDay        int     `json:"hour_of_day"`
	IsWorkHours      bool    `json:"is_work_hours"`
	WorkDayRemaining float64 `json:"work_day_remaining"`
	EnergyLevel      string  `json:"energy_level" enum:"high,medium,low"`
	DayOfWeek        string  `json:"day_of_week"`
	IsWeekend        bool    `json:"is_weekend"`
}

// RecommendationHistory is a prior recommendation with any recorded feedback.
type RecommendationHistory struct {
	ID             string         `json:"id"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	Recommendation Recommendation `json:"recommendations"`
	ActionTaken    *string        `json:"action_taken,omitempty"`
	Outcome        *string        `json:"outcome,omitempty"`
	FeedbackScore  *int           `json:"feedback_score,omitempty"`
}

// ContextSnapshot is the full input to a priority decision.
type ContextSnapshot struct {
	Metrics               MetricsSummary          `json:"metrics"`
	RecentEvents          []Event                 `json:"recent_events"`
	ActiveIssues          []EnrichedIssue         `json:"active_issues"`
	BlockedItems          []BlockedItem           `json:"blocked_items"`
	PRStatus              []PRStatus              `json:"pr_status"`
	Journey               Journey                 `json:"journey"`
	Momentum              Momentum                `json:"momentum"`
	Patterns              WorkPatterns            `json:"patterns"`
	TimeContext           TimeContext             `json:"time_context"`
	RecentRecommendations []RecommendationHistory `json:"recent_recommendations"`
}

// CandidateAction is a scored action under consideration.
type CandidateAction struct {
	Action       string  `json:"action"`
	Type         string  `json:"type" enum:"unblock,pr_review,issue_work,journey_goal,maintenance,planning"`
	Source       string  `json:"source"`
	RefID        string  `json:"ref_id,omitempty"`
	URL          *string `json:"url,omitempty"`
	Reasoning    string  `json:"reasoning"`
	Urgency      float64 `json:"urgency"`
	Importance   float64 `json:"importance"`
	TimeEstimate string  `json:"time_estimate"`

	Score       float64 `json:"score"`
	Alignment   float64 `json:"alignment"`
	EnergyFit   float64 `json:"energy_fit"`
	TimeFit     float64 `json:"time_fit"`
	Confidence  float64 `json:"confidence"`
	ImpactScore float64 `json:"impact_score"`
}

type PrimaryAction struct {
	Action         string  `json:"action"`
	Why            string  `json:"why"`
	ExpectedImpact float64 `json:"expected_impact"`
	TimeEstimate   string  `json:"time_estimate"`
	Confidence     float64 `json:"confidence"`
	Urgency        float64 `json:"urgency"`
	Importance     float64 `json:"importance"`
}

type Alternative struct {
	Action         string `json:"action"`
	Why            string `json:"why"`
	WhenToConsider string `json:"when_to_consider"`
	TimeEstimate   string `json:"time_estimate"`
}

type DebugInfo struct {
	TotalActionsConsidered int      `json:"total_actions_considered"`
	ContextLayers          []string `json:"context_layers"`
	AIReasoningUsed        bool     `json:"ai_reasoning_used"`
}

type Recommendation struct {
	GeneratedAt      string        `json:"generated_at" format:"date-time"`
	ContextID        string        `json:"context_id"`
	PrimaryAction    PrimaryAction `json:"primary_action"`
	Alternatives     []Alternative `json:"alternatives"`
	ContextSummary   string        `json:"context_summary"`
	JourneyAlignment string        `json:"journey_alignment"`
	MomentumInsight  string        `json:"momentum_insight"`
	EnergyMatch      string        `json:"energy_match"`
	DebugInfo        DebugInfo     `json:"debug_info"`
}

// StoredRecommendation is a persisted recommendation row.
type StoredRecommendation struct {
	ID                    string         `json:"id"`
	JourneyID             *string        `json:"journey_id,omitempty"`
	ContextID             string         `json:"context_id"`
	Recommendation        Recommendation `json:"recommendation"`
	ActionTaken           *string        `json:"action_taken,omitempty"`
	Outcome               *string        `json:"outcome,omitempty"`
	FeedbackScore         *int           `json:"feedback_score,omitempty"`
	TimeToCompleteMinutes *int           `json:"time_to_complete_minutes,omitempty"`
	CompletedAt           *string        `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt             string         `json:"created_at" format:"date-time"`
}
