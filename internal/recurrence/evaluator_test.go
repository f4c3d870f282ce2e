package recurrence

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func wdPtr(wd time.Weekday) *time.Weekday {
	return &wd
}

func assertDates(t *testing.T, got []time.Time, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d occurrences, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence[%d] = %s, want %s", i, got[i].Format("2006-01-02"), want[i].Format("2006-01-02"))
		}
	}
}

func TestOccurrences_DailyIntervalOne(t *testing.T) {
	rule := &Rule{Frequency: FreqDaily, StartDate: date(2026, 1, 1)}

	got, err := Occurrences(rule, date(2026, 2, 1), date(2026, 2, 7))
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 7 {
		t.Fatalf("daily window [Feb 1, Feb 7] = %d occurrences, want 7", len(got))
	}
	for i, d := range got {
		want := date(2026, 2, 1+i)
		if !d.Equal(want) {
			t.Errorf("occurrence[%d] = %s, want %s", i, d, want)
		}
	}
}

func TestOccurrences_DailyIntervalTwo(t *testing.T) {
	rule := &Rule{Frequency: FreqDaily, Interval: 2, StartDate: date(2026, 1, 1)}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 1, 8))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{
		date(2026, 1, 1), date(2026, 1, 3), date(2026, 1, 5), date(2026, 1, 7),
	})
}

func TestOccurrences_WeeklyExplicitDays(t *testing.T) {
	rule := &Rule{
		Frequency: FreqWeekly,
		Weekdays:  []time.Weekday{time.Monday, time.Friday},
		StartDate: date(2026, 1, 1), // Thursday
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 1, 14))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{
		date(2026, 1, 2),  // Fri
		date(2026, 1, 5),  // Mon
		date(2026, 1, 9),  // Fri
		date(2026, 1, 12), // Mon
	})
}

func TestOccurrences_WeeklyDefaultsToStartWeekday(t *testing.T) {
	// No explicit weekday set: the rule recurs on its start weekday.
	rule := &Rule{
		Frequency: FreqWeekly,
		StartDate: date(2026, 1, 7), // Wednesday
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 1, 31))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{
		date(2026, 1, 7), date(2026, 1, 14), date(2026, 1, 21), date(2026, 1, 28),
	})
	for _, d := range got {
		if d.Weekday() != time.Wednesday {
			t.Errorf("%s is %s, want Wednesday", d.Format("2006-01-02"), d.Weekday())
		}
	}
}

func TestOccurrences_MonthlyDay31SkipsShortMonths(t *testing.T) {
	rule := &Rule{
		Frequency: FreqMonthly,
		MonthDay:  31,
		StartDate: date(2026, 1, 31),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 4, 30))
	if err != nil {
		t.Fatal(err)
	}

	// February (non-leap) and April have no day 31: skipped, not clamped.
	assertDates(t, got, []time.Time{
		date(2026, 1, 31), date(2026, 3, 31),
	})
}

func TestOccurrences_MonthlyDay31FebruaryAlone(t *testing.T) {
	rule := &Rule{
		Frequency: FreqMonthly,
		MonthDay:  31,
		StartDate: date(2026, 1, 31),
	}

	got, err := Occurrences(rule, date(2026, 2, 1), date(2026, 2, 28))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("February of a non-leap year yielded %d occurrences, want 0", len(got))
	}
}

func TestOccurrences_MonthlyNthWeekday(t *testing.T) {
	rule := &Rule{
		Frequency:      FreqMonthly,
		WeekOfMonth:    2,
		WeekOfMonthDay: wdPtr(time.Tuesday),
		StartDate:      date(2026, 1, 1),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 3, 31))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{
		date(2026, 1, 13), date(2026, 2, 10), date(2026, 3, 10),
	})
}

func TestOccurrences_MonthlyLastWeekday(t *testing.T) {
	rule := &Rule{
		Frequency:      FreqMonthly,
		WeekOfMonth:    -1,
		WeekOfMonthDay: wdPtr(time.Friday),
		StartDate:      date(2026, 2, 1),
	}

	got, err := Occurrences(rule, date(2026, 2, 1), date(2026, 2, 28))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{date(2026, 2, 27)})
}

func TestOccurrences_YearlyMonthDay(t *testing.T) {
	rule := &Rule{
		Frequency: FreqYearly,
		Month:     time.March,
		MonthDay:  15,
		StartDate: date(2026, 1, 1),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2027, 12, 31))
	if err != nil {
		t.Fatal(err)
	}

	assertDates(t, got, []time.Time{
		date(2026, 3, 15), date(2027, 3, 15),
	})
}

func TestOccurrences_RespectsRuleBounds(t *testing.T) {
	rule := &Rule{
		Frequency: FreqDaily,
		StartDate: date(2026, 1, 10),
		EndDate:   datePtr(2026, 1, 20),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 1, 31))
	if err != nil {
		t.Fatal(err)
	}

	if len(got) == 0 {
		t.Fatal("expected occurrences inside the rule bounds")
	}
	if !got[0].Equal(date(2026, 1, 10)) {
		t.Errorf("first occurrence = %s, want rule start 2026-01-10", got[0].Format("2006-01-02"))
	}
	if !got[len(got)-1].Equal(date(2026, 1, 20)) {
		t.Errorf("last occurrence = %s, want rule end 2026-01-20", got[len(got)-1].Format("2006-01-02"))
	}
}

func TestOccurrences_AscendingAndUnique(t *testing.T) {
	rule := &Rule{
		Frequency: FreqWeekly,
		Weekdays:  []time.Weekday{time.Monday, time.Wednesday, time.Friday},
		StartDate: date(2026, 1, 1),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 6, 30))
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < len(got); i++ {
		if !got[i].After(got[i-1]) {
			t.Fatalf("occurrences not strictly ascending at %d: %s then %s",
				i, got[i-1].Format("2006-01-02"), got[i].Format("2006-01-02"))
		}
	}
}

func TestOccurrences_EmptyOutsideWindow(t *testing.T) {
	rule := &Rule{
		Frequency: FreqDaily,
		StartDate: date(2026, 6, 1),
	}

	got, err := Occurrences(rule, date(2026, 1, 1), date(2026, 1, 31))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("window before rule start yielded %d occurrences, want 0", len(got))
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown frequency", Rule{Frequency: "fortnightly", StartDate: date(2026, 1, 1)}},
		{"negative interval", Rule{Frequency: FreqDaily, Interval: -1, StartDate: date(2026, 1, 1)}},
		{"missing start", Rule{Frequency: FreqDaily}},
		{"end before start", Rule{Frequency: FreqDaily, StartDate: date(2026, 2, 1), EndDate: datePtr(2026, 1, 1)}},
		{"monthly without shape", Rule{Frequency: FreqMonthly, StartDate: date(2026, 1, 1)}},
		{"monthly with both shapes", Rule{Frequency: FreqMonthly, MonthDay: 5, WeekOfMonth: 2, WeekOfMonthDay: wdPtr(time.Monday), StartDate: date(2026, 1, 1)}},
		{"monthly day out of range", Rule{Frequency: FreqMonthly, MonthDay: 32, StartDate: date(2026, 1, 1)}},
		{"yearly month out of range", Rule{Frequency: FreqYearly, Month: 13, MonthDay: 1, StartDate: date(2026, 1, 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}

	// Zero means unset and evaluates as every-1.
	unset := Rule{Frequency: FreqDaily, StartDate: date(2026, 1, 1)}
	if err := unset.Validate(); err != nil {
		t.Errorf("zero interval should validate, got %v", err)
	}
}

func TestEffectiveTime(t *testing.T) {
	ruleTime := "08:30"
	taskTime := "18:00"

	tests := []struct {
		name     string
		rule     *Rule
		taskTime *string
		want     *string
	}{
		{"rule time wins", &Rule{TimeOfDay: &ruleTime}, &taskTime, &ruleTime},
		{"falls back to task time", &Rule{}, &taskTime, &taskTime},
		{"nil rule falls back", nil, &taskTime, &taskTime},
		{"neither set", &Rule{}, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveTime(tt.rule, tt.taskTime)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("EffectiveTime = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("EffectiveTime = %q, want %q", *got, *tt.want)
			}
		})
	}
}
