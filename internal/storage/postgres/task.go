package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"pipetrack/internal/domain"
)

type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

type taskRow struct {
	ID          uuid.UUID      `db:"id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Type        string         `db:"type"`
	ContentID   sql.NullInt64  `db:"content_id"`
	RuleID      sql.NullString `db:"rule_id"`
	Link        sql.NullString `db:"link"`
	CreatedAt   time.Time      `db:"created_at"`
	ExpiresAt   time.Time      `db:"expires_at"`
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Type:        domain.TaskType(r.Type),
		ContentID:   r.ContentID.Int64,
		RuleID:      r.RuleID.String,
		Link:        r.Link.String,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, title, description, type, content_id, rule_id, link, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var contentID sql.NullInt64
	if task.ContentID != 0 {
		contentID = sql.NullInt64{Int64: task.ContentID, Valid: true}
	}
	var ruleID sql.NullString
	if task.RuleID != "" {
		ruleID = sql.NullString{String: task.RuleID, Valid: true}
	}
	var link sql.NullString
	if task.Link != "" {
		link = sql.NullString{String: task.Link, Valid: true}
	}

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		string(task.Type),
		contentID,
		ruleID,
		link,
		task.CreatedAt,
		task.ExpiresAt,
	)
	return err
}

func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `
		SELECT id, title, description, type, content_id, rule_id, link, created_at, expires_at
		FROM tasks
		WHERE id = $1`

	var row taskRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "task", Key: id.String()}
	}
	if err != nil {
		return nil, err
	}
	task := row.toDomain()
	return &task, nil
}

// Delete removes a task. Deleting a task that is already gone is a
// no-op, so an offline replay of a completion cannot fail on its own
// earlier success.
func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := executor(ctx, s.db).ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
	return err
}

func (s *TaskStore) ListByType(ctx context.Context, taskType domain.TaskType) ([]domain.Task, error) {
	query := `
		SELECT id, title, description, type, content_id, rule_id, link, created_at, expires_at
		FROM tasks
		WHERE type = $1
		ORDER BY created_at`

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, string(taskType)); err != nil {
		return nil, err
	}

	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toDomain())
	}
	return tasks, nil
}

// DeleteExpired removes system tasks whose expiry has passed and
// returns the number deleted. User tasks are never swept.
func (s *TaskStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := executor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM tasks WHERE type = $1 AND expires_at <= $2",
		string(domain.TaskTypeSystem), now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
