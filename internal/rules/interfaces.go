package rules

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pipetrack/internal/domain"
)

type ContentStore interface {
	ListByStage(ctx context.Context, stage domain.Stage) ([]domain.Content, error)
	GetByID(ctx context.Context, id int64) (*domain.Content, error)
	AddFlag(ctx context.Context, contentID int64, flag domain.Flag) error
}

type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByType(ctx context.Context, taskType domain.TaskType) ([]domain.Task, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.TaskEvent) error
	Close() error
}
