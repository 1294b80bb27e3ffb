package rules

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"pipetrack/internal/config"
	"pipetrack/internal/domain"
	"pipetrack/internal/offline"
	"pipetrack/internal/report"
	"pipetrack/internal/retry"
	"pipetrack/internal/rules/mocks"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *recordingReporter) Report(err error, context string, meta report.Meta) {
	r.mu.Lock()
	r.reports = append(r.reports, context)
	r.mu.Unlock()
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type EngineTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	content   *mocks.MockContentStore
	tasks     *mocks.MockTaskStore
	txManager *mocks.MockTransactionManager
	publisher *mocks.MockEventPublisher

	reporter *recordingReporter
	queue    *offline.Queue
	engine   *Engine
	logger   *slog.Logger
}

func (s *EngineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.content = mocks.NewMockContentStore(s.ctrl)
	s.tasks = mocks.NewMockTaskStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.publisher = mocks.NewMockEventPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.reporter = &recordingReporter{}
	s.queue = offline.NewQueue(s.logger)

	exec := retry.New(retry.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, s.reporter, s.logger)

	s.engine = NewEngine(
		s.content,
		s.tasks,
		s.txManager,
		s.publisher,
		exec,
		s.queue,
		s.reporter,
		s.logger,
		config.EngineConfig{
			FansFeedbackThreshold:    48 * time.Hour,
			OverallFeedbackThreshold: 240 * time.Hour,
			TaskTTL:                  7 * 24 * time.Hour,
		},
	)
}

func (s *EngineTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func publishedContent(id int64, topic string, age time.Duration, flags ...domain.Flag) domain.Content {
	return domain.Content{
		ID:        id,
		Topic:     topic,
		Stage:     domain.StagePublished,
		Flags:     flags,
		UpdatedAt: time.Now().Add(-age),
	}
}

func (s *EngineTestSuite) TestEvaluateRules_CreatesFansFeedbackTask() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 48*time.Hour)}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	var saved *domain.Task
	s.tasks.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, task *domain.Task) error {
			saved = task
			return nil
		},
	)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Len(created, 1)
	s.Require().NotNil(saved)
	s.Equal("Analyse Fans Feedback on C", saved.Title)
	s.Equal(domain.TaskTypeSystem, saved.Type)
	s.Equal(int64(1), saved.ContentID)
	s.Equal(domain.RuleFansFeedback, saved.RuleID)
	s.False(saved.ExpiresAt.IsZero())
}

func (s *EngineTestSuite) TestEvaluateRules_DedupAgainstOutstandingTask() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 72*time.Hour)}
	existing := []domain.Task{{
		ID:        uuid.New(),
		Title:     "Analyse Fans Feedback on C",
		Type:      domain.TaskTypeSystem,
		ContentID: 1,
		RuleID:    domain.RuleFansFeedback,
	}}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(existing, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Empty(created)
}

func (s *EngineTestSuite) TestEvaluateRules_FlaggedContentNeverRequalifies() {
	// Even with the prior task deleted out-of-band, a set flag keeps
	// the pair quiet.
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 72*time.Hour, domain.FlagFansFeedbackAnalysed)}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Empty(created)
}

func (s *EngineTestSuite) TestEvaluateRules_BelowThreshold() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 1*time.Hour)}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Empty(created)
}

func (s *EngineTestSuite) TestEvaluateRules_BothRulesFire() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 300*time.Hour)}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)
	s.tasks.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Len(created, 2)
	s.Equal("Analyse Fans Feedback on C", created[0].Title)
	s.Equal("Analyse Overall Feedback on C", created[1].Title)
}

func (s *EngineTestSuite) TestEvaluateRules_PerItemFailureDoesNotAbortBatch() {
	ctx := context.Background()
	content := []domain.Content{
		publishedContent(1, "Broken", 72*time.Hour),
		publishedContent(2, "Fine", 72*time.Hour),
	}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	permErr := &domain.PermanentError{Op: "create task", Err: errors.New("title too long")}
	s.tasks.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, task *domain.Task) error {
			if task.ContentID == 1 {
				return permErr
			}
			return nil
		},
	).Times(2)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Len(created, 1)
	s.Equal(int64(2), created[0].ContentID)
	s.Equal(1, s.reporter.count())
}

func (s *EngineTestSuite) TestEvaluateRules_ListFailureSkipsRuleOnly() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 300*time.Hour)}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	gomock.InOrder(
		s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(nil, errors.New("boom")),
		s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil),
	)
	s.tasks.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	created, err := s.engine.EvaluateRules(ctx)

	s.NoError(err)
	s.Len(created, 1)
	s.Equal("Analyse Overall Feedback on C", created[0].Title)
	s.Equal(1, s.reporter.count())
}

func (s *EngineTestSuite) TestCompleteDerivedTask_SetsFlagAndDeletes() {
	ctx := context.Background()
	taskID := uuid.New()
	task := &domain.Task{
		ID:        taskID,
		Title:     "Analyse Fans Feedback on C",
		Type:      domain.TaskTypeSystem,
		ContentID: 1,
		RuleID:    domain.RuleFansFeedback,
	}
	content := publishedContent(1, "C", 72*time.Hour)

	s.tasks.EXPECT().GetByID(ctx, taskID).Return(task, nil)
	s.content.EXPECT().GetByID(ctx, int64(1)).Return(&content, nil)
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
	s.content.EXPECT().AddFlag(gomock.Any(), int64(1), domain.FlagFansFeedbackAnalysed).Return(nil)
	s.tasks.EXPECT().Delete(gomock.Any(), taskID).Return(nil)

	var event domain.TaskEvent
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ev domain.TaskEvent) error {
			event = ev
			return nil
		},
	)

	err := s.engine.CompleteDerivedTask(ctx, taskID)

	s.NoError(err)
	s.Equal(domain.TaskEventCompleted, event.Action)
	s.Equal("C", event.Topic)
}

func (s *EngineTestSuite) TestCompleteDerivedTask_NotFound() {
	ctx := context.Background()
	taskID := uuid.New()

	s.tasks.EXPECT().GetByID(ctx, taskID).Return(nil, &domain.NotFoundError{Kind: "task", Key: taskID.String()})

	err := s.engine.CompleteDerivedTask(ctx, taskID)

	var nf *domain.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *EngineTestSuite) TestCompleteDerivedTask_MissingContentStillDeletes() {
	ctx := context.Background()
	taskID := uuid.New()
	task := &domain.Task{
		ID:        taskID,
		Type:      domain.TaskTypeSystem,
		ContentID: 9,
		RuleID:    domain.RuleOverallFeedback,
	}

	s.tasks.EXPECT().GetByID(ctx, taskID).Return(task, nil)
	s.content.EXPECT().GetByID(ctx, int64(9)).Return(nil, &domain.NotFoundError{Kind: "content", Key: "9"})
	s.tasks.EXPECT().Delete(gomock.Any(), taskID).Return(nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	err := s.engine.CompleteDerivedTask(ctx, taskID)

	s.NoError(err)
}

func (s *EngineTestSuite) TestCompleteDerivedTask_OfflineCapturesAndReplays() {
	ctx := context.Background()
	taskID := uuid.New()
	task := &domain.Task{
		ID:        taskID,
		Type:      domain.TaskTypeSystem,
		ContentID: 1,
		RuleID:    domain.RuleFansFeedback,
	}
	content := publishedContent(1, "C", 72*time.Hour)

	s.queue.SetOnline(ctx, false)

	s.tasks.EXPECT().GetByID(ctx, taskID).Return(task, nil)
	s.content.EXPECT().GetByID(ctx, int64(1)).Return(&content, nil)

	// No mutation and no completed event while captured.
	err := s.engine.CompleteDerivedTask(ctx, taskID)
	s.NoError(err)
	s.Equal(1, s.queue.Len())

	// Reconnect: the captured mutation replays through the retry
	// executor, and only then is the completed event published.
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
	s.content.EXPECT().AddFlag(gomock.Any(), int64(1), domain.FlagFansFeedbackAnalysed).Return(nil)
	s.tasks.EXPECT().Delete(gomock.Any(), taskID).Return(nil)

	var event domain.TaskEvent
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ev domain.TaskEvent) error {
			event = ev
			return nil
		},
	)

	s.queue.SetOnline(ctx, true)
	s.Equal(0, s.queue.Len())
	s.Equal(domain.TaskEventCompleted, event.Action)
}

func (s *EngineTestSuite) TestEvaluateRules_OfflineDefersCreationAndEvent() {
	ctx := context.Background()
	content := []domain.Content{publishedContent(1, "C", 72*time.Hour)}

	s.queue.SetOnline(ctx, false)

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(nil, nil)
	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	// Captured, not created: no store write, no created event yet.
	created, err := s.engine.EvaluateRules(ctx)
	s.NoError(err)
	s.Empty(created)
	s.Equal(1, s.queue.Len())

	s.tasks.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	s.queue.SetOnline(ctx, true)
	s.Equal(0, s.queue.Len())
}

func (s *EngineTestSuite) TestPendingTasksByRule() {
	ctx := context.Background()
	tasks := []domain.Task{
		{ID: uuid.New(), Type: domain.TaskTypeSystem, ContentID: 1, RuleID: domain.RuleFansFeedback},
		{ID: uuid.New(), Type: domain.TaskTypeSystem, ContentID: 2, RuleID: domain.RuleFansFeedback},
		{ID: uuid.New(), Type: domain.TaskTypeSystem, ContentID: 3, RuleID: domain.RuleOverallFeedback},
		{ID: uuid.New(), Type: domain.TaskTypeSystem, ContentID: 4, RuleID: "legacy_rule"},
	}

	s.tasks.EXPECT().ListByType(ctx, domain.TaskTypeSystem).Return(tasks, nil)

	grouped, err := s.engine.PendingTasksByRule(ctx)

	s.NoError(err)
	s.Len(grouped[domain.RuleFansFeedback], 2)
	s.Len(grouped[domain.RuleOverallFeedback], 1)
	s.Len(grouped["unknown"], 1)
}

func (s *EngineTestSuite) TestContentNeedingAnalysis_IgnoresExistingTasks() {
	ctx := context.Background()
	content := []domain.Content{
		publishedContent(1, "Due", 72*time.Hour),
		publishedContent(2, "Fresh", 1*time.Hour),
		publishedContent(3, "Done", 72*time.Hour, domain.FlagFansFeedbackAnalysed),
	}

	s.content.EXPECT().ListByStage(ctx, domain.StagePublished).Return(content, nil).Times(2)

	result, err := s.engine.ContentNeedingAnalysis(ctx)

	s.NoError(err)
	s.Len(result[domain.RuleFansFeedback], 1)
	s.Equal("Due", result[domain.RuleFansFeedback][0].Topic)
	s.Empty(result[domain.RuleOverallFeedback])
}

func (s *EngineTestSuite) TestSweepExpiredTasks() {
	ctx := context.Background()

	s.tasks.EXPECT().DeleteExpired(gomock.Any(), gomock.Any()).Return(int64(3), nil)

	swept, err := s.engine.SweepExpiredTasks(ctx)

	s.NoError(err)
	s.Equal(int64(3), swept)
}
