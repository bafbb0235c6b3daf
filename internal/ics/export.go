package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"gigcal/internal/model"
)

const productID = "-//gigcal//live music calendar//EN"

// ExportConfig describes the published feed.
type ExportConfig struct {
	Name     string
	Location *time.Location

	// DefaultDuration is used for events with a start but no end time.
	DefaultDuration time.Duration

	// Now stamps DTSTAMP. Defaults to time.Now.
	Now func() time.Time
}

// Export renders events as an iCalendar document. Events without a valid
// date are left out; events without a start time become all-day entries.
func Export(events []model.Event, cfg ExportConfig) string {
	if cfg.Location == nil {
		cfg.Location = model.ReferenceLocation()
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 3 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if cfg.Name != "" {
		cal.SetXWRCalName(cfg.Name)
	}
	cal.SetXWRTimezone(cfg.Location.String())

	stamp := cfg.Now().UTC()
	for _, ev := range events {
		if !ev.Date.IsValid() {
			continue
		}

		uid := string(ev.ID)
		if uid == "" {
			uid = ev.Date.String() + "-" + ev.Title
		}
		vev := cal.AddEvent(uid + "@gigcal")
		vev.SetDtStampTime(stamp)
		vev.SetSummary(ev.Title)

		if start, ok := ev.StartAt(cfg.Location); ok {
			end, ok := ev.EndAt(cfg.Location)
			if !ok {
				end = start.Add(cfg.DefaultDuration)
			}
			vev.SetStartAt(start)
			vev.SetEndAt(end)
		} else {
			day := ev.Date.In(time.UTC)
			vev.SetAllDayStartAt(day)
			vev.SetAllDayEndAt(day.AddDate(0, 0, 1))
		}

		if loc := venueLine(ev); loc != "" {
			vev.SetLocation(loc)
		}
		if ev.Genre != "" {
			vev.SetProperty(ical.ComponentPropertyCategories, ev.Genre)
		}
	}

	return cal.Serialize()
}

func venueLine(ev model.Event) string {
	switch {
	case ev.VenueName != "" && ev.Location != "" && ev.VenueName != ev.Location:
		return ev.VenueName + ", " + ev.Location
	case ev.VenueName != "":
		return ev.VenueName
	}
	return ev.Location
}
