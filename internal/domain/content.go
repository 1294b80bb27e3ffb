package domain

import "time"

// Stage is an ordinal position in the fixed production pipeline.
// Stages only move forward; the terminal stage is Published.
type Stage int

const (
	StageIdea Stage = iota
	StageResearch
	StageOutline
	StageDraft
	StageInternalReview
	StageRevision
	StageCopyEdit
	StageFactCheck
	StageApproval
	StageAssetPrep
	StageScheduled
	StagePublished
)

var stageNames = [...]string{
	"Idea",
	"Research",
	"Outline",
	"Draft",
	"Internal Review",
	"Revision",
	"Copy Edit",
	"Fact Check",
	"Approval",
	"Asset Prep",
	"Scheduled",
	"Published",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "Unknown"
	}
	return stageNames[s]
}

// Terminal reports whether the stage is the last one in the pipeline.
func (s Stage) Terminal() bool {
	return s == StagePublished
}

// Flag marks a completed review step on a content item. Flags are
// monotonic: once set they are never removed by the engine.
type Flag string

const (
	FlagFansFeedbackAnalysed    Flag = "fans_feedback_analysed"
	FlagOverallFeedbackAnalysed Flag = "overall_feedback_analysed"
)

type Content struct {
	ID        int64
	Topic     string // unique human-readable key
	Stage     Stage
	Flags     []Flag
	CreatedAt time.Time
	UpdatedAt time.Time // last stage transition
}

func (c *Content) HasFlag(f Flag) bool {
	for _, have := range c.Flags {
		if have == f {
			return true
		}
	}
	return false
}
