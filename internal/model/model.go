package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EventID accepts both string and numeric ids from the backend.
type EventID string

func (id *EventID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = EventID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = EventID(n.String())
	return nil
}

// Event is a single dated listing as served by the backend or a venue feed.
type Event struct {
	ID        EventID `json:"id"`
	Title     string  `json:"title"`
	VenueName string  `json:"venue_name"`
	Location  string  `json:"location"`
	Genre     string  `json:"genre"`

	Date      Date   `json:"date"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	IsApproved bool `json:"is_approved"`

	// Source is "backend" or the id of the venue feed the event came from.
	Source string `json:"source,omitempty"`
}

// StartAt combines Date and StartTime in loc. ok is false when either
// part is missing or malformed.
func (e Event) StartAt(loc *time.Location) (time.Time, bool) {
	if !e.Date.IsValid() {
		return time.Time{}, false
	}
	h, m, ok := ParseClock(e.StartTime)
	if !ok {
		return time.Time{}, false
	}
	return e.Date.at(h, m, loc), true
}

// EndAt is like StartAt for EndTime. An end clock earlier than the start
// clock is taken to be after midnight.
func (e Event) EndAt(loc *time.Location) (time.Time, bool) {
	start, ok := e.StartAt(loc)
	if !ok {
		return time.Time{}, false
	}
	h, m, ok := ParseClock(e.EndTime)
	if !ok {
		return time.Time{}, false
	}
	end := e.Date.at(h, m, loc)
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true
}

// ParseClock reads a local clock time such as "19:30", "19:30:00" or "7:30 PM".
func ParseClock(s string) (hour, minute int, ok bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, 0, false
	}

	pm, am := strings.HasSuffix(v, "PM"), strings.HasSuffix(v, "AM")
	if pm || am {
		v = strings.TrimSpace(v[:len(v)-2])
	}

	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}

	if pm || am {
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		h %= 12
		if pm {
			h += 12
		}
	}
	if h < 0 || h > 23 {
		return 0, 0, false
	}
	return h, m, true
}

// RecurrenceRequest is the optional repeat block of a submission.
type RecurrenceRequest struct {
	Frequency string `json:"frequency"`
	Count     int    `json:"count"`
}

// Submission is an event posted by a registered user, before it is sent to
// the backend for moderation.
type Submission struct {
	Title     string `json:"title"`
	VenueName string `json:"venue_name"`
	Location  string `json:"location"`
	Genre     string `json:"genre"`
	Date      Date   `json:"date"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	Recurrence *RecurrenceRequest `json:"recurrence,omitempty"`
}

// OnDate returns a copy of s moved to d without its recurrence block.
func (s Submission) OnDate(d Date) Submission {
	out := s
	out.Date = d
	out.Recurrence = nil
	return out
}
