package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pulse/internal/domain"
)

func scanJourney(row *sql.Row) (domain.Journey, error) {
	var (
		j                       domain.Journey
		desired, current, prefs string
		active                  int
	)
	err := row.Scan(&j.ID, &desired, &current, &prefs, &active, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.IsActive = active != 0
	if err := json.Unmarshal([]byte(desired), &j.DesiredState); err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(current), &j.CurrentState); err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(prefs), &j.Preferences); err != nil {
		return j, err
	}
	return j, nil
}

const journeyColumns = `id,desired_state,current_state,preferences,is_active,created_at,updated_at`

// GetJourney returns the journey with the given id.
func (r Repo) GetJourney(ctx context.Context, id string) (domain.Journey, error) {
	return scanJourney(r.DB.QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM user_journey WHERE id=?`, id))
}

// ActiveJourney returns the most recently created active journey.
func (r Repo) ActiveJourney(ctx context.Context) (domain.Journey, error) {
	return scanJourney(r.DB.QueryRowContext(ctx,
		`SELECT `+journeyColumns+` FROM user_journey WHERE is_active=1 ORDER BY created_at DESC LIMIT 1`))
}

// UpsertJourney inserts or replaces a journey row.
func (r Repo) UpsertJourney(ctx context.Context, j domain.Journey) error {
	desired, err := json.Marshal(j.DesiredState)
	if err != nil {
		return err
	}
	current, err := json.Marshal(j.CurrentState)
	if err != nil {
		return err
	}
	prefs, err := json.Marshal(j.Preferences)
	if err != nil {
		return err
	}
	active := 0
	if j.IsActive {
		active = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO user_journey(id,desired_state,current_state,preferences,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET desired_state=excluded.desired_state, current_state=excluded.current_state,
preferences=excluded.preferences, is_active=excluded.is_active, updated_at=excluded.updated_at`,
		j.ID, string(desired), string(current), string(prefs), active, j.CreatedAt, j.UpdatedAt)
	return err
}
