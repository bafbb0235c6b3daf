// Package calendar filters event listings for the public calendar and
// tracks each visitor's view (selected day, view mode, search text).
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

// Mode selects which dates a calendar view shows.
type Mode string

const (
	ModeDay  Mode = "day"
	ModeWeek Mode = "week"
	ModeAll  Mode = "all"
)

// ParseMode validates a view name from a URL or cache.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDay, ModeWeek, ModeAll:
		return m, nil
	}
	return "", fmt.Errorf("calendar: unknown view %q", s)
}

// FilterConfig controls a single Filter call.
type FilterConfig struct {
	// Reference is the selected date for day and week views.
	Reference model.Date

	Mode Mode

	// Query is matched case-insensitively against title, genre, venue
	// and location. Empty matches everything.
	Query string

	// Today is the current date in the reference timezone; the all view
	// shows events on or after it.
	Today model.Date

	// WeekStart is the first day of the week view. Defaults to Sunday.
	WeekStart time.Weekday
}

// Filter returns the events matching cfg in their input order.
//
// Events with an unparseable date are skipped with a warning. events is
// not modified.
func Filter(events []model.Event, cfg FilterConfig) []model.Event {
	query := strings.ToLower(strings.TrimSpace(cfg.Query))

	var weekFrom, weekTo model.Date
	if cfg.Mode == ModeWeek {
		weekFrom, weekTo = WeekBounds(cfg.Reference, cfg.WeekStart)
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Date.IsValid() {
			appLog.Warn("calendar: skipping event with unparseable date",
				"id", ev.ID,
				"title", ev.Title,
				"raw_date", ev.Date.Raw(),
			)
			continue
		}

		if query != "" && !matchesQuery(ev, query) {
			continue
		}

		switch cfg.Mode {
		case ModeDay:
			if !ev.Date.Equal(cfg.Reference) {
				continue
			}
		case ModeWeek:
			if ev.Date.Before(weekFrom) || !ev.Date.Before(weekTo) {
				continue
			}
		case ModeAll:
			if ev.Date.Before(cfg.Today) {
				continue
			}
		default:
			continue
		}

		out = append(out, ev)
	}
	return out
}

// WeekBounds returns the half-open range [from, to) of the week holding d.
func WeekBounds(d model.Date, weekStart time.Weekday) (model.Date, model.Date) {
	back := (int(d.Weekday()) - int(weekStart) + 7) % 7
	from := d.AddDays(-back)
	return from, from.AddDays(7)
}

func matchesQuery(ev model.Event, lowered string) bool {
	for _, field := range []string{ev.Title, ev.Genre, ev.VenueName, ev.Location} {
		if strings.Contains(strings.ToLower(field), lowered) {
			return true
		}
	}
	return false
}

// Approved drops events that have not passed moderation.
func Approved(events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.IsApproved {
			out = append(out, ev)
		}
	}
	return out
}

// SortByDate orders events in place by date, then start time. Events with
// an invalid date sink to the end; ties keep their order.
func SortByDate(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		switch {
		case !a.Date.IsValid() || !b.Date.IsValid():
			return a.Date.IsValid() && !b.Date.IsValid()
		case !a.Date.Equal(b.Date):
			return a.Date.Before(b.Date)
		}
		return clockMinutes(a.StartTime) < clockMinutes(b.StartTime)
	})
}

// clockMinutes sorts missing start times last within a day.
func clockMinutes(s string) int {
	h, m, ok := model.ParseClock(s)
	if !ok {
		return 24 * 60
	}
	return h*60 + m
}
