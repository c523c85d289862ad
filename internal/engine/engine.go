// Package engine builds decision context and generates priority
// recommendations from it.
package engine

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/reason"
	"pulse/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Reason *reason.Client
	Log    *zap.Logger

	// Now is the clock used for all window math. Tests pin it.
	Now func() time.Time
}

func New(db *sql.DB, cfg *config.Config, rc *reason.Client, log *zap.Logger) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Reason: rc,
		Log:    log,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
