package repo

import (
	"context"
	"database/sql"

	"pulse/internal/domain"
)

// GetCursor returns the stored watermark for a key, or ErrNotFound.
func (r Repo) GetCursor(ctx context.Context, key string) (domain.Cursor, error) {
	c := domain.Cursor{Key: key}
	err := r.DB.QueryRowContext(ctx, `SELECT value,updated_at FROM ingest_cursors WHERE key=?`, key).
		Scan(&c.Value, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// SetCursor upserts a watermark value for a key.
func (r Repo) SetCursor(ctx context.Context, key, value, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ingest_cursors(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}
