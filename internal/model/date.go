package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the service region's zone. Every event date is
// interpreted here, both at ingestion and when filtering.
const DefaultTimezone = "America/Denver"

const dateLayout = "2006-01-02"

var (
	refMu  sync.RWMutex
	refLoc = mustLoadLocation(DefaultTimezone)
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("model: load %s: %v", name, err))
	}
	return loc
}

// ReferenceLocation returns the zone used to turn timestamps into calendar dates.
func ReferenceLocation() *time.Location {
	refMu.RLock()
	defer refMu.RUnlock()
	return refLoc
}

// SetReferenceLocation overrides the reference zone (from config). nil is ignored.
func SetReferenceLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	refMu.Lock()
	refLoc = loc
	refMu.Unlock()
}

// Date is a timezone-naive calendar date.
//
// The zero Date is invalid. A Date decoded from unparseable input is also
// invalid but keeps the raw text so it can be reported.
type Date struct {
	Year  int
	Month time.Month
	Day   int

	raw string
}

var ErrInvalidDate = errors.New("invalid calendar date")

// NewDate returns the normalized date for y-m-d (so Jan 32 becomes Feb 1).
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Today returns the current date in loc.
func Today(now time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = ReferenceLocation()
	}
	return DateOf(now.In(loc))
}

// ParseDate parses s as a calendar date.
//
// Accepted forms:
//   - 2006-01-02
//   - RFC 3339 timestamps, converted into loc before taking the date
//   - naive date-times (2006-01-02T15:04:05 or with a space), read in loc
func ParseDate(s string, loc *time.Location) (Date, error) {
	if loc == nil {
		loc = ReferenceLocation()
	}
	v := strings.TrimSpace(s)
	if v == "" {
		return Date{}, ErrInvalidDate
	}

	if t, err := time.Parse(dateLayout, v); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return DateOf(t.In(loc)), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// MustParseDate is ParseDate for literals in tests and defaults.
func MustParseDate(s string) Date {
	d, err := ParseDate(s, nil)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsValid() bool {
	return d.Month >= time.January && d.Month <= time.December && d.Day > 0
}

// Raw returns the original text of an invalid date.
func (d Date) Raw() string { return d.raw }

func (d Date) String() string {
	if !d.IsValid() {
		return d.raw
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = ReferenceLocation()
	}
	return d.at(0, 0, loc)
}

// at is the wall-clock time hour:minute on d in loc, stable across DST.
func (d Date) at(hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = ReferenceLocation()
	}
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Equal(o Date) bool  { return d.Compare(o) == 0 }
func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (d Date) MarshalJSON() ([]byte, error) {
	if !d.IsValid() && d.raw == "" {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON never fails on a bad date: the result is an invalid Date
// carrying the raw text, so one malformed record cannot reject a whole feed.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		*d = Date{raw: string(b)}
		return nil
	}
	parsed, err := ParseDate(s, nil)
	if err != nil {
		*d = Date{raw: s}
		return nil
	}
	*d = parsed
	return nil
}
