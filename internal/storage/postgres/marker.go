package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultMarkerKey is the scheduler_state row owned by the daily task
// check.
const DefaultMarkerKey = "daily_task_check"

// MarkerStore persists short state values keyed by name; the scheduler
// keeps its last-run calendar date here. One active writer per key is
// assumed — there is no compare-and-swap lease.
type MarkerStore struct {
	db  *sqlx.DB
	key string
}

func NewMarkerStore(db *sqlx.DB, key string) *MarkerStore {
	return &MarkerStore{db: db, key: key}
}

func (s *MarkerStore) Get(ctx context.Context) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM scheduler_state WHERE key = $1", s.key)
	if errors.Is(err, sql.ErrNoRows) {
		// No marker yet: the first trigger of the day runs.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *MarkerStore) Set(ctx context.Context, value string) error {
	query := `
		INSERT INTO scheduler_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, s.key, value, time.Now())
	return err
}
