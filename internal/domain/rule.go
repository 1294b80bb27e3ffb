package domain

import (
	"fmt"
	"time"
)

// Rule identifiers. These are stable keys persisted on system tasks.
const (
	RuleFansFeedback    = "fans_feedback"
	RuleOverallFeedback = "overall_feedback"
)

// Rule describes when a derived task should exist for a published
// content item and what that task should look like. Rules are
// configuration, not persisted entities.
type Rule struct {
	ID                  string
	Threshold           time.Duration // age in Published before the task is due
	Flag                Flag          // set when the task is completed
	TitleTemplate       string
	DescriptionTemplate string
}

func (r Rule) Title(topic string) string {
	return fmt.Sprintf(r.TitleTemplate, topic)
}

func (r Rule) Description(topic string) string {
	return fmt.Sprintf(r.DescriptionTemplate, topic)
}

// DefaultRules returns the two built-in feedback-review rules with the
// given thresholds.
func DefaultRules(fansThreshold, overallThreshold time.Duration) []Rule {
	return []Rule{
		{
			ID:                  RuleFansFeedback,
			Threshold:           fansThreshold,
			Flag:                FlagFansFeedbackAnalysed,
			TitleTemplate:       "Analyse Fans Feedback on %s",
			DescriptionTemplate: "Collect and analyse fans feedback for %q, then mark the review as done.",
		},
		{
			ID:                  RuleOverallFeedback,
			Threshold:           overallThreshold,
			Flag:                FlagOverallFeedbackAnalysed,
			TitleTemplate:       "Analyse Overall Feedback on %s",
			DescriptionTemplate: "Review overall reception and performance of %q, then mark the review as done.",
		},
	}
}
