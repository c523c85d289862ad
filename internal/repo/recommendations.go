package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pulse/internal/domain"
)

// Feedback carries the optional fields recorded against a recommendation.
type Feedback struct {
	ActionTaken           *string
	Outcome               *string
	FeedbackScore         *int
	TimeToCompleteMinutes *int
}

type contextSnapshotRecord struct {
	ContextID   string           `json:"context_id"`
	GeneratedAt string           `json:"generated_at"`
	DebugInfo   domain.DebugInfo `json:"debug_info"`
}

type recommendationRecord struct {
	PrimaryAction    domain.PrimaryAction `json:"primary_action"`
	Alternatives     []domain.Alternative `json:"alternatives"`
	ContextSummary   string               `json:"context_summary"`
	JourneyAlignment string               `json:"journey_alignment"`
	MomentumInsight  string               `json:"momentum_insight"`
	EnergyMatch      string               `json:"energy_match"`
}

// InsertRecommendation persists a generated recommendation for later learning.
func (r Repo) InsertRecommendation(ctx context.Context, id string, journeyID *string, rec domain.Recommendation, now string) error {
	snapshot, err := json.Marshal(contextSnapshotRecord{
		ContextID:   rec.ContextID,
		GeneratedAt: rec.GeneratedAt,
		DebugInfo:   rec.DebugInfo,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(recommendationRecord{
		PrimaryAction:    rec.PrimaryAction,
		Alternatives:     rec.Alternatives,
		ContextSummary:   rec.ContextSummary,
		JourneyAlignment: rec.JourneyAlignment,
		MomentumInsight:  rec.MomentumInsight,
		EnergyMatch:      rec.EnergyMatch,
	})
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO priority_recommendations(id,journey_id,context_id,context_snapshot,recommendations,created_at)
VALUES (?,?,?,?,?,?)`,
		id, nullableStringPtr(journeyID), rec.ContextID, string(snapshot), string(payload), now)
	return err
}

// ApplyFeedback records feedback on the recommendation identified by its
// context id. Returns the row id, or ErrNotFound if no recommendation matches.
func (r Repo) ApplyFeedback(ctx context.Context, contextID string, fb Feedback, now string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM priority_recommendations WHERE context_id=? ORDER BY created_at DESC LIMIT 1`, contextID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE priority_recommendations
SET action_taken=?, outcome=?, feedback_score=?, time_to_complete_minutes=?, completed_at=?
WHERE id=?`,
		nullableStringPtr(fb.ActionTaken), nullableStringPtr(fb.Outcome), nullableIntPtr(fb.FeedbackScore),
		nullableIntPtr(fb.TimeToCompleteMinutes), now, id)
	return id, err
}

// ListRecentRecommendations returns the latest recommendations with feedback.
func (r Repo) ListRecentRecommendations(ctx context.Context, limit int) ([]domain.RecommendationHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,context_id,created_at,recommendations,action_taken,outcome,feedback_score
FROM priority_recommendations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecommendationHistory
	for rows.Next() {
		var (
			h                    domain.RecommendationHistory
			contextID, payload   string
			taken, outcome       sql.NullString
			score                sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &contextID, &h.CreatedAt, &payload, &taken, &outcome, &score); err != nil {
			return nil, err
		}
		var rec recommendationRecord
		if err := json.Unmarshal([]byte(payload), &rec); err == nil {
			h.Recommendation = domain.Recommendation{
				ContextID:        contextID,
				PrimaryAction:    rec.PrimaryAction,
				Alternatives:     rec.Alternatives,
				ContextSummary:   rec.ContextSummary,
				JourneyAlignment: rec.JourneyAlignment,
				MomentumInsight:  rec.MomentumInsight,
				EnergyMatch:      rec.EnergyMatch,
			}
		}
		h.ActionTaken = stringPtr(taken)
		h.Outcome = stringPtr(outcome)
		h.FeedbackScore = intPtr(score)
		res = append(res, h)
	}
	return res, rows.Err()
}
