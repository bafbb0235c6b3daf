package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

const defaultMaxOccurrences = 500

// ExpandConfig bounds recurrence expansion of a feed.
type ExpandConfig struct {
	// Location is the zone event dates are taken in. Defaults to the
	// reference zone.
	Location *time.Location

	// RangeStart and RangeEnd bound occurrence start times, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps a single recurring VEVENT.
	MaxOccurrences int
}

// Expand turns parsed VEVENTs into dated, approved listings inside the
// configured range. Feed events are curated, so they skip moderation.
func Expand(feed Feed, vevents []VEvent, cfg ExpandConfig) ([]model.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("ics: range end before range start")
	}
	if cfg.Location == nil {
		cfg.Location = model.ReferenceLocation()
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	overrides := make(map[string][]VEvent)
	for _, ve := range vevents {
		if ve.RecurrenceID != nil {
			overrides[ve.UID] = append(overrides[ve.UID], ve)
		}
	}

	out := make([]model.Event, 0, len(vevents))
	for _, ve := range vevents {
		if ve.RecurrenceID != nil {
			continue
		}
		if ve.RawRRule == "" {
			if inRange(ve.Start, cfg) {
				out = append(out, toEvent(feed, pickOverride(ve, overrides[ve.UID], ve.Start), cfg.Location))
			}
			continue
		}
		out = append(out, expandRecurring(feed, ve, overrides[ve.UID], cfg)...)
	}
	return out, nil
}

func expandRecurring(feed Feed, ve VEvent, ovs []VEvent, cfg ExpandConfig) []model.Event {
	r, err := rrule.StrToRRule(ve.RawRRule)
	if err != nil {
		appLog.Warn("ics: bad RRULE; skipping", "feed", feed.ID, "uid", ve.UID, "rrule", ve.RawRRule)
		return nil
	}
	r.DTStart(ve.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ve.ExDates {
		set.ExDate(ex.In(ve.Start.Location()))
	}

	starts := set.Between(cfg.RangeStart.In(ve.Start.Location()), cfg.RangeEnd.In(ve.Start.Location()), true)
	if len(starts) > cfg.MaxOccurrences {
		appLog.Warn("ics: occurrence cap reached", "feed", feed.ID, "uid", ve.UID, "cap", cfg.MaxOccurrences)
		starts = starts[:cfg.MaxOccurrences]
	}

	dur := ve.End.Sub(ve.Start)
	out := make([]model.Event, 0, len(starts))
	for _, s := range starts {
		inst := ve
		inst.Start = s
		inst.End = s.Add(dur)
		out = append(out, toEvent(feed, pickOverride(inst, ovs, s), cfg.Location))
	}
	return out
}

// pickOverride returns the override whose RECURRENCE-ID is start, or ve.
func pickOverride(ve VEvent, ovs []VEvent, start time.Time) VEvent {
	for _, ov := range ovs {
		if ov.RecurrenceID.Equal(start) {
			return ov
		}
	}
	return ve
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

func toEvent(feed Feed, ve VEvent, loc *time.Location) model.Event {
	start := ve.Start.In(loc)
	date := model.DateOf(start)

	ev := model.Event{
		ID:         model.EventID(ve.UID + "@" + date.String()),
		Title:      ve.Summary,
		VenueName:  feed.Name,
		Location:   ve.Location,
		Genre:      ve.Categories,
		Date:       date,
		IsApproved: true,
		Source:     feed.ID,
	}
	if ev.Genre == "" {
		ev.Genre = feed.Genre
	}
	if ev.VenueName == "" {
		ev.VenueName = ve.Location
	}
	if ve.AllDay {
		// Floating all-day dates keep their own calendar day.
		ev.Date = model.DateOf(ve.Start)
		ev.ID = model.EventID(ve.UID + "@" + ev.Date.String())
		return ev
	}

	ev.StartTime = start.Format("15:04")
	if !ve.End.IsZero() && ve.End.After(ve.Start) {
		ev.EndTime = ve.End.In(loc).Format("15:04")
	}
	return ev
}
