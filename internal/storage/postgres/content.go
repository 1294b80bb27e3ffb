package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"pipetrack/internal/domain"
)

type ContentStore struct {
	db *sqlx.DB
}

func NewContentStore(db *sqlx.DB) *ContentStore {
	return &ContentStore{db: db}
}

type contentRow struct {
	ID        int64          `db:"id"`
	Topic     string         `db:"topic"`
	Stage     int            `db:"stage"`
	Flags     pq.StringArray `db:"flags"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r contentRow) toDomain() domain.Content {
	flags := make([]domain.Flag, 0, len(r.Flags))
	for _, f := range r.Flags {
		flags = append(flags, domain.Flag(f))
	}
	return domain.Content{
		ID:        r.ID,
		Topic:     r.Topic,
		Stage:     domain.Stage(r.Stage),
		Flags:     flags,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *ContentStore) Create(ctx context.Context, content *domain.Content) (int64, error) {
	query := `
		INSERT INTO content (topic, stage, flags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	now := time.Now()
	if content.CreatedAt.IsZero() {
		content.CreatedAt = now
	}
	if content.UpdatedAt.IsZero() {
		content.UpdatedAt = now
	}

	flags := make(pq.StringArray, 0, len(content.Flags))
	for _, f := range content.Flags {
		flags = append(flags, string(f))
	}

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		content.Topic,
		int(content.Stage),
		flags,
		content.CreatedAt,
		content.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	content.ID = id
	return id, nil
}

func (s *ContentStore) ListByStage(ctx context.Context, stage domain.Stage) ([]domain.Content, error) {
	query := `
		SELECT id, topic, stage, flags, created_at, updated_at
		FROM content
		WHERE stage = $1
		ORDER BY updated_at`

	var rows []contentRow
	if err := s.db.SelectContext(ctx, &rows, query, int(stage)); err != nil {
		return nil, err
	}

	contents := make([]domain.Content, 0, len(rows))
	for _, r := range rows {
		contents = append(contents, r.toDomain())
	}
	return contents, nil
}

func (s *ContentStore) GetByID(ctx context.Context, id int64) (*domain.Content, error) {
	query := `
		SELECT id, topic, stage, flags, created_at, updated_at
		FROM content
		WHERE id = $1`

	var row contentRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "content", Key: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, err
	}
	content := row.toDomain()
	return &content, nil
}

func (s *ContentStore) GetByTopic(ctx context.Context, topic string) (*domain.Content, error) {
	query := `
		SELECT id, topic, stage, flags, created_at, updated_at
		FROM content
		WHERE topic = $1`

	var row contentRow
	err := s.db.GetContext(ctx, &row, query, topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "content", Key: topic}
	}
	if err != nil {
		return nil, err
	}
	content := row.toDomain()
	return &content, nil
}

// AddFlag appends a flag if it is not already present. Flags are
// monotonic; re-adding an existing flag is a no-op, and updated_at is
// left alone since it tracks stage transitions only.
func (s *ContentStore) AddFlag(ctx context.Context, contentID int64, flag domain.Flag) error {
	query := `
		UPDATE content
		SET flags = array_append(flags, $2)
		WHERE id = $1 AND NOT ($2 = ANY(flags))`

	res, err := executor(ctx, s.db).ExecContext(ctx, query, contentID, string(flag))
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the flag was already set or the row is gone;
		// distinguish so callers see a proper NotFound.
		var exists bool
		err := sqlx.GetContext(ctx, executor(ctx, s.db), &exists,
			"SELECT EXISTS (SELECT 1 FROM content WHERE id = $1)", contentID)
		if err != nil {
			return err
		}
		if !exists {
			return &domain.NotFoundError{Kind: "content", Key: fmt.Sprintf("%d", contentID)}
		}
	}
	return nil
}

// AdvanceStage moves a content item forward. The stage guard keeps the
// stage monotonically non-decreasing at the database level.
func (s *ContentStore) AdvanceStage(ctx context.Context, contentID int64, stage domain.Stage) error {
	query := `
		UPDATE content
		SET stage = $2, updated_at = $3
		WHERE id = $1 AND stage <= $2`

	res, err := executor(ctx, s.db).ExecContext(ctx, query, contentID, int(stage), time.Now())
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &domain.PermanentError{
			Op:  "advance stage",
			Err: fmt.Errorf("content %d missing or already past stage %s", contentID, stage),
		}
	}
	return nil
}
