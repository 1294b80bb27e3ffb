// Package rules derives follow-up tasks from content state. For each
// rule, a published content item that has sat past the rule's threshold
// without the rule's flag gets exactly one outstanding system task;
// completing that task sets the flag and removes the task.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pipetrack/internal/config"
	"pipetrack/internal/domain"
	"pipetrack/internal/offline"
	"pipetrack/internal/report"
	"pipetrack/internal/retry"
)

type Engine struct {
	content   ContentStore
	tasks     TaskStore
	txManager TransactionManager
	publisher EventPublisher
	exec      *retry.Executor
	queue     *offline.Queue
	reporter  report.Reporter
	logger    *slog.Logger
	rules     []domain.Rule
	taskTTL   time.Duration
}

func NewEngine(
	content ContentStore,
	tasks TaskStore,
	txManager TransactionManager,
	publisher EventPublisher,
	exec *retry.Executor,
	queue *offline.Queue,
	reporter report.Reporter,
	logger *slog.Logger,
	cfg config.EngineConfig,
) *Engine {
	return &Engine{
		content:   content,
		tasks:     tasks,
		txManager: txManager,
		publisher: publisher,
		exec:      exec,
		queue:     queue,
		reporter:  reporter,
		logger:    logger.With("component", "rules_engine"),
		rules:     domain.DefaultRules(cfg.FansFeedbackThreshold, cfg.OverallFeedbackThreshold),
		taskTTL:   cfg.TaskTTL,
	}
}

func correlationKey(contentID int64, ruleID string) string {
	return fmt.Sprintf("%d/%s", contentID, ruleID)
}

// mutate routes a repository mutation through the resilience layer:
// while offline the operation is captured (already retry-wrapped) for
// replay and ErrDeferred is returned; otherwise it runs under the retry
// executor.
func (e *Engine) mutate(ctx context.Context, name string, op retry.Operation) error {
	if e.queue != nil && !e.queue.Online() {
		e.queue.Add(name, func(ctx context.Context) error {
			return e.exec.Do(ctx, name, op)
		})
		return offline.ErrDeferred
	}
	return e.exec.Do(ctx, name, op)
}

// EvaluateRules runs every rule over the published content and returns
// the newly created tasks. A failure on one content item is reported
// and skipped; the batch continues.
//
// Under sequential invocation this yields exactly one outstanding task
// per (content, rule) pair. Concurrent invocations are not mutually
// excluded.
func (e *Engine) EvaluateRules(ctx context.Context) ([]domain.Task, error) {
	start := time.Now()
	stats := domain.EvaluationStats{RulesRun: len(e.rules)}

	existing, err := e.tasks.ListByType(ctx, domain.TaskTypeSystem)
	if err != nil {
		return nil, fmt.Errorf("list system tasks: %w", err)
	}

	outstanding := make(map[string]bool, len(existing))
	for _, t := range existing {
		if t.RuleID != "" {
			outstanding[correlationKey(t.ContentID, t.RuleID)] = true
		}
	}

	var created []domain.Task
	for _, rule := range e.rules {
		contents, err := e.content.ListByStage(ctx, domain.StagePublished)
		if err != nil {
			stats.Errors++
			e.reporter.Report(err, fmt.Sprintf("list published content for rule %s", rule.ID), report.Meta{})
			continue
		}

		now := time.Now()
		for i := range contents {
			c := &contents[i]
			stats.ContentSeen++

			if c.HasFlag(rule.Flag) || now.Sub(c.UpdatedAt) < rule.Threshold {
				stats.Skipped++
				continue
			}
			if outstanding[correlationKey(c.ID, rule.ID)] {
				stats.Skipped++
				continue
			}

			task, err := e.createTask(ctx, rule, c, now)
			if errors.Is(err, offline.ErrDeferred) {
				stats.Deferred++
				outstanding[correlationKey(c.ID, rule.ID)] = true
				continue
			}
			if err != nil {
				// Terminal failure was already reported by the retry
				// executor; skip the item and keep going.
				stats.Errors++
				e.logger.Warn("task creation failed, skipping item",
					"rule", rule.ID,
					"topic", c.Topic,
					"error", err,
				)
				continue
			}

			created = append(created, *task)
			outstanding[correlationKey(c.ID, rule.ID)] = true
			stats.Created++
		}
	}

	stats.Duration = time.Since(start)
	e.logger.Info("rules evaluation completed",
		"rules", stats.RulesRun,
		"content_seen", stats.ContentSeen,
		"created", stats.Created,
		"skipped", stats.Skipped,
		"deferred", stats.Deferred,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)

	return created, nil
}

func (e *Engine) createTask(ctx context.Context, rule domain.Rule, c *domain.Content, now time.Time) (*domain.Task, error) {
	task := &domain.Task{
		ID:          uuid.New(),
		Title:       rule.Title(c.Topic),
		Description: rule.Description(c.Topic),
		Type:        domain.TaskTypeSystem,
		ContentID:   c.ID,
		RuleID:      rule.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.taskTTL),
	}

	// The event and log follow the store write inside the operation, so
	// a deferred create announces itself on replay, not on capture.
	name := fmt.Sprintf("create task for content %q", c.Topic)
	if err := e.mutate(ctx, name, func(ctx context.Context) error {
		if err := e.tasks.Create(ctx, task); err != nil {
			return err
		}
		e.publish(ctx, domain.TaskEvent{
			Action:    domain.TaskEventCreated,
			Task:      *task,
			Topic:     c.Topic,
			Timestamp: time.Now().UTC(),
		})
		e.logger.Info("derived task created",
			"rule", rule.ID,
			"topic", c.Topic,
			"task_id", task.ID,
		)
		return nil
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteDerivedTask resolves a system task back into its content
// flag, then deletes the task. A task whose content no longer exists is
// logged and deleted anyway; only a missing task is an error.
func (e *Engine) CompleteDerivedTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	rule, ok := e.ruleByID(task.RuleID)
	if !ok && task.Type == domain.TaskTypeSystem {
		e.logger.Warn("system task has no known rule, deleting without flagging",
			"task_id", taskID,
			"rule_id", task.RuleID,
		)
	}

	var content *domain.Content
	if ok && task.ContentID != 0 {
		content, err = e.content.GetByID(ctx, task.ContentID)
		if err != nil {
			var nf *domain.NotFoundError
			if !errors.As(err, &nf) {
				return fmt.Errorf("get content: %w", err)
			}
			e.logger.Warn("content for completed task not found, deleting task anyway",
				"task_id", taskID,
				"content_id", task.ContentID,
			)
			content = nil
		}
	}

	var mutation retry.Operation
	name := fmt.Sprintf("complete task %s", taskID)
	if content != nil {
		mutation = func(ctx context.Context) error {
			return e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
				if err := e.content.AddFlag(ctx, content.ID, rule.Flag); err != nil {
					return fmt.Errorf("add flag: %w", err)
				}
				if err := e.tasks.Delete(ctx, taskID); err != nil {
					return fmt.Errorf("delete task: %w", err)
				}
				return nil
			})
		}
	} else {
		name = fmt.Sprintf("delete task %s", taskID)
		mutation = func(ctx context.Context) error {
			return e.tasks.Delete(ctx, taskID)
		}
	}

	// The completed event follows the applied mutation: a deferred
	// completion is only announced when its replay succeeds.
	err = e.mutate(ctx, name, func(ctx context.Context) error {
		if err := mutation(ctx); err != nil {
			return err
		}
		e.publish(ctx, domain.TaskEvent{
			Action:    domain.TaskEventCompleted,
			Task:      *task,
			Topic:     topicOf(content),
			Timestamp: time.Now().UTC(),
		})
		e.logger.Info("derived task completed", "task_id", taskID, "rule", task.RuleID)
		return nil
	})
	if errors.Is(err, offline.ErrDeferred) {
		e.logger.Info("task completion deferred until reconnect", "task_id", taskID)
		return nil
	}
	return err
}

// PendingTasksByRule groups outstanding system tasks by rule for
// display. Tasks without a known rule are grouped under "unknown".
func (e *Engine) PendingTasksByRule(ctx context.Context) (map[string][]domain.Task, error) {
	tasks, err := e.tasks.ListByType(ctx, domain.TaskTypeSystem)
	if err != nil {
		return nil, fmt.Errorf("list system tasks: %w", err)
	}

	grouped := make(map[string][]domain.Task)
	for _, t := range tasks {
		key := t.RuleID
		if _, ok := e.ruleByID(key); !ok {
			key = "unknown"
		}
		grouped[key] = append(grouped[key], t)
	}
	return grouped, nil
}

// ContentNeedingAnalysis returns, per rule, the published content past
// the rule's threshold and still unflagged, regardless of whether a
// task currently exists for it. Useful when a task was deleted
// out-of-band.
func (e *Engine) ContentNeedingAnalysis(ctx context.Context) (map[string][]domain.Content, error) {
	result := make(map[string][]domain.Content, len(e.rules))
	for _, rule := range e.rules {
		contents, err := e.content.ListByStage(ctx, domain.StagePublished)
		if err != nil {
			return nil, fmt.Errorf("list published content: %w", err)
		}

		now := time.Now()
		for _, c := range contents {
			if c.HasFlag(rule.Flag) || now.Sub(c.UpdatedAt) < rule.Threshold {
				continue
			}
			result[rule.ID] = append(result[rule.ID], c)
		}
	}
	return result, nil
}

// SweepExpiredTasks deletes system tasks past their expiry and returns
// how many were removed.
func (e *Engine) SweepExpiredTasks(ctx context.Context) (int64, error) {
	var swept int64
	err := e.mutate(ctx, "sweep expired tasks", func(ctx context.Context) error {
		n, err := e.tasks.DeleteExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		swept = n
		return nil
	})
	if errors.Is(err, offline.ErrDeferred) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		e.logger.Info("expired tasks swept", "count", swept)
	}
	return swept, nil
}

func (e *Engine) ruleByID(id string) (domain.Rule, bool) {
	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Rule{}, false
}

func (e *Engine) publish(ctx context.Context, event domain.TaskEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("task event publish failed", "action", event.Action, "error", err)
	}
}

func topicOf(c *domain.Content) string {
	if c == nil {
		return ""
	}
	return c.Topic
}
