// Package recur expands a submitted event into its repeat dates.
package recur

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"gigcal/internal/model"
)

// Frequency is how often a submitted event repeats.
type Frequency string

const (
	None    Frequency = "none"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

const (
	MinCount = 1
	MaxCount = 4
)

var ErrUnknownFrequency = errors.New("unknown recurrence frequency")

// ParseFrequency validates user input. An empty string means None.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case "", None:
		return None, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
}

// ClampCount forces n into [MinCount, MaxCount].
func ClampCount(n int) int {
	if n < MinCount {
		return MinCount
	}
	if n > MaxCount {
		return MaxCount
	}
	return n
}

// Plan is a recurrence built at submission time. It is never stored.
type Plan struct {
	Start     model.Date
	Frequency Frequency
	Count     int
}

// Dates returns the occurrence dates of p. A None plan yields just Start.
func (p Plan) Dates() []model.Date {
	if p.Frequency == None || p.Frequency == "" {
		return []model.Date{p.Start}
	}
	return Generate(p.Start, p.Frequency, ClampCount(p.Count))
}

// RRule renders the rule behind p in iCalendar RRULE syntax, or "" for None.
func (p Plan) RRule() string {
	r, err := buildRule(p.Start, p.Frequency, ClampCount(p.Count))
	if err != nil {
		return ""
	}
	return r.OrigOptions.RRuleString()
}

// Generate returns up to count dates starting at start.
//
// Weekly dates are exactly seven days apart. Monthly dates keep start's
// "Nth weekday of the month" over count consecutive months; a month that
// has no Nth such weekday is skipped, so fewer than count dates may come
// back.
//
// count must already be clamped and freq must be Weekly or Monthly;
// anything else panics.
func Generate(start model.Date, freq Frequency, count int) []model.Date {
	r, err := buildRule(start, freq, count)
	if err != nil {
		panic(fmt.Sprintf("recur: %v", err))
	}

	times := r.All()
	out := make([]model.Date, 0, len(times))
	for _, t := range times {
		out = append(out, model.DateOf(t))
	}
	return out
}

// NthWeekday reports which occurrence of its weekday d is within its
// month (1 for days 1-7, 2 for 8-14, ...).
func NthWeekday(d model.Date) int {
	return (d.Day-1)/7 + 1
}

func buildRule(start model.Date, freq Frequency, count int) (*rrule.RRule, error) {
	if !start.IsValid() {
		return nil, model.ErrInvalidDate
	}
	if count < MinCount || count > MaxCount {
		return nil, fmt.Errorf("count %d outside [%d,%d]", count, MinCount, MaxCount)
	}

	// Calendar arithmetic runs in UTC so DST never shifts a date.
	dtstart := start.In(time.UTC)

	switch freq {
	case Weekly:
		return rrule.NewRRule(rrule.ROption{
			Freq:    rrule.WEEKLY,
			Dtstart: dtstart,
			Count:   count,
		})

	case Monthly:
		wd := rruleWeekday(start.Weekday())
		// Bound by the end of the last target month instead of COUNT so
		// that months without an Nth weekday are dropped, not replaced.
		firstOfMonth := time.Date(start.Year, start.Month, 1, 0, 0, 0, 0, time.UTC)
		until := firstOfMonth.AddDate(0, count, 0).Add(-time.Second)
		return rrule.NewRRule(rrule.ROption{
			Freq:      rrule.MONTHLY,
			Dtstart:   dtstart,
			Byweekday: []rrule.Weekday{wd.Nth(NthWeekday(start))},
			Until:     until,
		})
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	days := []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}
	return days[wd]
}
