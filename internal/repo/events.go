package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pulse/internal/domain"
)

const eventColumns = `id,ts,source,actor,type,ref_id,title,url,meta`

// InsertEvent stores a normalized event. Duplicate events, keyed on
// (source, ref_id, type, ts), are ignored. Returns whether a row was written.
func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (bool, error) {
	var meta any
	if e.Meta != nil {
		payload, err := json.Marshal(e.Meta)
		if err != nil {
			return false, err
		}
		meta = string(payload)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,source,actor,type,ref_id,title,url,meta) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(source,ref_id,type,ts) DO NOTHING`,
		e.TS, e.Source, nullableStringPtr(e.Actor), e.Type, e.RefID, nullableStringPtr(e.Title), nullableStringPtr(e.URL), meta)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                 domain.Event
			actor, title, url sql.NullString
			meta              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Source, &actor, &e.Type, &e.RefID, &title, &url, &meta); err != nil {
			return nil, err
		}
		e.Actor = stringPtr(actor)
		e.Title = stringPtr(title)
		e.URL = stringPtr(url)
		if meta.Valid && meta.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
				e.Meta = m
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEventsSince returns events with ts >= since, newest first.
// RFC3339 timestamps compare lexicographically, so the bound is a plain string.
func (r Repo) ListEventsSince(ctx context.Context, since string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE ts >= ? ORDER BY ts DESC`, since)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListRecentEvents returns the newest events up to limit.
func (r Repo) ListRecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// CountEventsBetween counts events with from <= ts < to. Empty to means unbounded.
func (r Repo) CountEventsBetween(ctx context.Context, from, to string) (int, error) {
	var (
		n   int
		err error
	)
	if to == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE ts >= ?`, from).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE ts >= ? AND ts < ?`, from, to).Scan(&n)
	}
	return n, err
}

// LatestIssueEvents returns the newest issue-lifecycle event per ref_id for
// linear issues seen since the given timestamp.
func (r Repo) LatestIssueEvents(ctx context.Context, since string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM (
SELECT `+eventColumns+`, ROW_NUMBER() OVER (PARTITION BY ref_id ORDER BY ts DESC) AS rn
FROM events
WHERE source='linear' AND type IN ('ISSUE_CREATED','ISSUE_UPDATED','ISSUE_STATE_CHANGED') AND ts >= ?
) WHERE rn=1 ORDER BY ts DESC`, since)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListBlockedEvents returns linear ISSUE_BLOCKED events since the given timestamp.
func (r Repo) ListBlockedEvents(ctx context.Context, since string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE source='linear' AND type='ISSUE_BLOCKED' AND ts >= ? ORDER BY ts DESC`, since)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListPROpenedEvents returns github PR-opened events since the given timestamp.
func (r Repo) ListPROpenedEvents(ctx context.Context, since string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE source='github' AND type='PullRequestEvent_opened' AND ts >= ? ORDER BY ts DESC`, since)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListEventTimesSince returns only the timestamps of events since the bound,
// for pattern analysis over long windows.
func (r Repo) ListEventTimesSince(ctx context.Context, since string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ts FROM events WHERE ts >= ?`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		res = append(res, ts)
	}
	return res, rows.Err()
}
