package server

import (
	"pulse/internal/domain"
	"pulse/internal/ingest"
)

// IngestGitHubRequest selects a GitHub repository to pull events from.
type IngestGitHubRequest struct {
	Owner    string `json:"owner" example:"acme"`
	Repo     string `json:"repo" example:"pulse"`
	SinceISO string `json:"since_iso,omitempty" format:"date-time"`
}

// IngestRequest names the sources to run. At least one must be set.
type IngestRequest struct {
	GitHub *IngestGitHubRequest `json:"github,omitempty"`
	Linear bool                 `json:"linear,omitempty"`
}

type IngestResponse struct {
	GitHub *ingest.Result `json:"github,omitempty"`
	Linear *ingest.Result `json:"linear,omitempty"`
}

type AnalyzeResponse struct {
	Metrics domain.MetricsSummary `json:"metrics"`
	Events  []domain.Event        `json:"events"`
}

// FeedbackRequest reports what happened with a prior recommendation,
// identified by the context id it was generated under.
type FeedbackRequest struct {
	RecommendationID      string  `json:"recommendation_id" example:"a3f2c18e90b1"`
	ActionTaken           *string `json:"action_taken,omitempty"`
	Outcome               *string `json:"outcome,omitempty" enum:"completed,partial,skipped,blocked"`
	FeedbackScore         *int    `json:"feedback_score,omitempty" minimum:"1" maximum:"5"`
	TimeToCompleteMinutes *int    `json:"time_to_complete_minutes,omitempty" minimum:"0"`
}

type FeedbackResponse struct {
	Status string `json:"status" example:"recorded"`
	ID     string `json:"id"`
}

// JourneyUpsertRequest replaces the stored journey state. An empty id
// targets a fresh journey.
type JourneyUpsertRequest struct {
	ID           string                     `json:"id,omitempty"`
	DesiredState domain.JourneyDesiredState `json:"desired_state"`
	CurrentState domain.JourneyCurrentState `json:"current_state"`
	Preferences  domain.JourneyPreferences  `json:"preferences"`
	IsActive     *bool                      `json:"is_active,omitempty"`
}
