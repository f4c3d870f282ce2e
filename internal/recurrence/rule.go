// Package recurrence evaluates structured recurrence rules into concrete
// occurrence dates. Evaluation is pure: no clock, no I/O.
package recurrence

import (
	"fmt"
	"time"
)

const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

// Rule is the stored recurrence document.
//
// Shapes:
//   - daily: Interval
//   - weekly: Interval + Weekdays (an empty set means the start date's weekday)
//   - monthly: Interval + either MonthDay, or WeekOfMonth + WeekOfMonthDay
//     ("nth weekday of the month", negative WeekOfMonth counts from the end)
//   - yearly: Interval + Month + MonthDay
type Rule struct {
	Frequency      string         `json:"frequency"`
	Interval       int            `json:"interval,omitempty"`
	Weekdays       []time.Weekday `json:"weekdays,omitempty"`
	MonthDay       int            `json:"month_day,omitempty"`
	WeekOfMonth    int            `json:"week_of_month,omitempty"`
	WeekOfMonthDay *time.Weekday  `json:"week_of_month_day,omitempty"`
	Month          time.Month     `json:"month,omitempty"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        *time.Time     `json:"end_date,omitempty"`
	TimeOfDay      *string        `json:"time_of_day,omitempty"` // "15:04"
}

// Validate checks that the rule describes one of the supported shapes.
func (r *Rule) Validate() error {
	// Zero means "unset" and evaluates as 1; only negative values are invalid.
	if r.Interval < 0 {
		return fmt.Errorf("recurrence: interval must not be negative, got %d", r.Interval)
	}
	if r.StartDate.IsZero() {
		return fmt.Errorf("recurrence: start date is required")
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("recurrence: end date precedes start date")
	}

	switch r.Frequency {
	case FreqDaily:
	case FreqWeekly:
		for _, wd := range r.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("recurrence: invalid weekday %d", wd)
			}
		}
	case FreqMonthly:
		byDay := r.MonthDay != 0
		byNth := r.WeekOfMonth != 0 && r.WeekOfMonthDay != nil
		if byDay == byNth {
			return fmt.Errorf("recurrence: monthly rule needs exactly one of month_day or week_of_month+weekday")
		}
		if byDay && (r.MonthDay < 1 || r.MonthDay > 31) {
			return fmt.Errorf("recurrence: invalid month day %d", r.MonthDay)
		}
		if byNth && (r.WeekOfMonth < -1 || r.WeekOfMonth == 0 || r.WeekOfMonth > 5) {
			return fmt.Errorf("recurrence: invalid week of month %d", r.WeekOfMonth)
		}
	case FreqYearly:
		if r.Month < time.January || r.Month > time.December {
			return fmt.Errorf("recurrence: invalid month %d", r.Month)
		}
		if r.MonthDay < 1 || r.MonthDay > 31 {
			return fmt.Errorf("recurrence: invalid month day %d", r.MonthDay)
		}
	default:
		return fmt.Errorf("recurrence: unknown frequency %q", r.Frequency)
	}

	return nil
}

// EffectiveTime resolves the time of day for an occurrence: the rule's time
// wins over the task-level time. Returns nil when neither is set.
func EffectiveTime(rule *Rule, taskTime *string) *string {
	if rule != nil && rule.TimeOfDay != nil {
		return rule.TimeOfDay
	}
	return taskTime
}

// Date normalizes a timestamp to its civil date at midnight UTC. All
// occurrence arithmetic is done on these normalized dates.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
