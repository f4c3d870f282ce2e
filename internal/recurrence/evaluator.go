package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Safety cap so a bad rule cannot expand without bound.
const maxOccurrences = 1000

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Occurrences expands the rule into the ascending set of occurrence dates
// inside [rangeStart, rangeEnd] (inclusive, civil dates). Dates never fall
// outside the window or the rule's own start/end bounds, and contain no
// duplicates.
//
// A monthly rule anchored on day 29-31 skips months without that day; a
// weekly rule with no explicit weekday set recurs on the start date's
// weekday.
func Occurrences(rule *Rule, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rangeStart = Date(rangeStart)
	rangeEnd = Date(rangeEnd)
	if rangeEnd.Before(rangeStart) {
		return nil, fmt.Errorf("recurrence: range end precedes range start")
	}

	opt, err := rule.toROption()
	if err != nil {
		return nil, err
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: build rule: %w", err)
	}

	// Between is exclusive of the boundaries unless inc is set; the window
	// here is inclusive on both ends.
	raw := r.Between(rangeStart, rangeEnd.Add(24*time.Hour-time.Second), true)

	out := make([]time.Time, 0, len(raw))
	var last time.Time
	for _, t := range raw {
		d := Date(t)
		if d.Before(rangeStart) || d.After(rangeEnd) {
			continue
		}
		if d.Before(Date(rule.StartDate)) {
			continue
		}
		if rule.EndDate != nil && d.After(Date(*rule.EndDate)) {
			continue
		}
		if !last.IsZero() && !d.After(last) {
			continue // defend against duplicate timestamps on one date
		}
		out = append(out, d)
		last = d
		if len(out) >= maxOccurrences {
			break
		}
	}

	return out, nil
}

func (r *Rule) toROption() (rrule.ROption, error) {
	interval := r.Interval
	if interval == 0 {
		interval = 1
	}

	opt := rrule.ROption{
		Interval: interval,
		Dtstart:  Date(r.StartDate),
	}
	if r.EndDate != nil {
		opt.Until = Date(*r.EndDate)
	}

	switch r.Frequency {
	case FreqDaily:
		opt.Freq = rrule.DAILY

	case FreqWeekly:
		opt.Freq = rrule.WEEKLY
		// Without Byweekday, rrule anchors on Dtstart's weekday, which is
		// exactly the documented default for an empty set.
		for _, wd := range r.Weekdays {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[wd])
		}

	case FreqMonthly:
		opt.Freq = rrule.MONTHLY
		if r.MonthDay != 0 {
			// BYMONTHDAY skips months that lack the day; no clamping.
			opt.Bymonthday = []int{r.MonthDay}
		} else {
			// Nth has a pointer receiver; the map value needs a home first.
			wd := rruleWeekdays[*r.WeekOfMonthDay]
			opt.Byweekday = []rrule.Weekday{wd.Nth(r.WeekOfMonth)}
		}

	case FreqYearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(r.Month)}
		opt.Bymonthday = []int{r.MonthDay}

	default:
		return rrule.ROption{}, fmt.Errorf("recurrence: unknown frequency %q", r.Frequency)
	}

	return opt, nil
}
