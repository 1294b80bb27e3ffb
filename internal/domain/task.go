package domain

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeUser   TaskType = "user"
	TaskTypeSystem TaskType = "system"
)

// Task is a unit of manual work shown to the user. System tasks are
// produced by the rules engine and carry an explicit correlation back
// to the content item and rule that derived them; titles are rendered
// for display only and are never parsed.
type Task struct {
	ID          uuid.UUID
	Title       string
	Description string
	Type        TaskType
	ContentID   int64  // zero for user tasks
	RuleID      string // empty for user tasks
	Link        string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Task event actions published to the message bus.
const (
	TaskEventCreated   = "created"
	TaskEventCompleted = "completed"
)

// TaskEvent describes a task lifecycle change for downstream consumers.
type TaskEvent struct {
	Action    string    `json:"action"`
	Task      Task      `json:"task"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
