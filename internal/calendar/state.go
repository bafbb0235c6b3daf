package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

// DefaultStaleAfter is how long a visitor's cached view is trusted. A
// returning visitor past this age starts again from today.
const DefaultStaleAfter = 3 * time.Hour

const (
	keyDate      = "date"
	keyView      = "view"
	keyQuery     = "q"
	keyUpdatedAt = "updated_at"
)

var (
	ErrNotHydrated  = errors.New("calendar: session not hydrated")
	ErrInvalidState = errors.New("calendar: invalid view state")
)

// Store is the key/value cache that remembers a visitor's view between
// page loads.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// ViewState is what the calendar page is currently showing.
type ViewState struct {
	SelectedDate model.Date `json:"date"`
	Mode         Mode       `json:"view"`
	Query        string     `json:"q"`
}

// DefaultState is today's single-day view with no search.
func DefaultState(today model.Date) ViewState {
	return ViewState{SelectedDate: today, Mode: ModeDay}
}

// Values renders v as the page's URL query.
func (v ViewState) Values() url.Values {
	q := url.Values{}
	q.Set(keyDate, v.SelectedDate.String())
	q.Set(keyView, string(v.Mode))
	if v.Query != "" {
		q.Set(keyQuery, v.Query)
	}
	return q
}

// Validate reports whether v can be shown and stored.
func (v ViewState) Validate() error {
	if !v.SelectedDate.IsValid() {
		return fmt.Errorf("%w: date %q", ErrInvalidState, v.SelectedDate.String())
	}
	if _, err := ParseMode(string(v.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// Phase is the lifecycle position of a Session.
type Phase int

const (
	Uninitialized Phase = iota
	Hydrating
	Active
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Hydrating:
		return "hydrating"
	case Active:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SessionConfig wires a Session to its cache and clock.
type SessionConfig struct {
	Store Store

	// ID namespaces the cache keys of one browsing session.
	ID string

	// Location decides what "today" is. Defaults to the reference zone.
	Location *time.Location

	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is one visitor's calendar view. It is not safe for concurrent use.
type Session struct {
	cfg   SessionConfig
	phase Phase
	state ViewState
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Location == nil {
		cfg.Location = model.ReferenceLocation()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{cfg: cfg}
}

func (s *Session) Phase() Phase     { return s.phase }
func (s *Session) State() ViewState { return s.state }

// Today is the current date in the session's location.
func (s *Session) Today() model.Date {
	return model.Today(s.cfg.Now(), s.cfg.Location)
}

// cached is what the store remembers, field by field.
type cached struct {
	date  model.Date
	mode  Mode
	query string

	hasDate  bool
	hasMode  bool
	hasQuery bool
	isFresh  bool
}

// Hydrate builds the initial view for a page load.
//
// If the cache timestamp is missing or older than StaleAfter the view is
// reset to the defaults, whatever params or the cache say. Otherwise each
// field comes from params, then the cache, then the default; values that
// do not parse fall through to the next source.
//
// The resulting view is always usable. A returned error only means it
// could not be written back to the store.
func (s *Session) Hydrate(ctx context.Context, params url.Values) (ViewState, error) {
	s.phase = Hydrating

	now := s.cfg.Now()
	today := model.Today(now, s.cfg.Location)
	state := DefaultState(today)

	c := s.load(ctx, now)
	if c.isFresh {
		state = resolve(params, c, state)
	} else {
		appLog.Debug("calendar: cached view stale or absent; using defaults", "session", s.cfg.ID)
	}

	s.state = state
	s.phase = Active

	if err := s.persist(ctx, state, now); err != nil {
		return state, err
	}
	return state, nil
}

// Update moves an active session to next and writes it to the store,
// returning the URL query the page should show.
func (s *Session) Update(ctx context.Context, next ViewState) (url.Values, error) {
	if s.phase != Active {
		return nil, ErrNotHydrated
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.state = next
	if err := s.persist(ctx, next, s.cfg.Now()); err != nil {
		return next.Values(), err
	}
	return next.Values(), nil
}

func resolve(params url.Values, c cached, def ViewState) ViewState {
	out := def

	if d, err := model.ParseDate(params.Get(keyDate), time.UTC); err == nil {
		out.SelectedDate = d
	} else if c.hasDate {
		out.SelectedDate = c.date
	}

	if m, err := ParseMode(params.Get(keyView)); err == nil {
		out.Mode = m
	} else if c.hasMode {
		out.Mode = c.mode
	}

	if params.Has(keyQuery) {
		out.Query = params.Get(keyQuery)
	} else if c.hasQuery {
		out.Query = c.query
	}

	return out
}

// load reads the cached view. Store failures are logged and treated as an
// empty cache.
func (s *Session) load(ctx context.Context, now time.Time) cached {
	var c cached

	raw, ok := s.get(ctx, keyUpdatedAt)
	if !ok {
		return c
	}
	stamp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		appLog.Warn("calendar: unreadable cache timestamp", "session", s.cfg.ID, "value", raw)
		return c
	}
	if now.Sub(stamp) > s.cfg.StaleAfter {
		return c
	}
	c.isFresh = true

	if v, ok := s.get(ctx, keyDate); ok {
		if d, err := model.ParseDate(v, time.UTC); err == nil {
			c.date, c.hasDate = d, true
		}
	}
	if v, ok := s.get(ctx, keyView); ok {
		if m, err := ParseMode(v); err == nil {
			c.mode, c.hasMode = m, true
		}
	}
	if v, ok := s.get(ctx, keyQuery); ok {
		c.query, c.hasQuery = v, true
	}
	return c
}

func (s *Session) get(ctx context.Context, field string) (string, bool) {
	v, ok, err := s.cfg.Store.Get(ctx, s.key(field))
	if err != nil {
		appLog.Error("calendar: state store read failed", err, "session", s.cfg.ID, "field", field)
		return "", false
	}
	return v, ok
}

func (s *Session) persist(ctx context.Context, v ViewState, now time.Time) error {
	fields := [][2]string{
		{keyDate, v.SelectedDate.String()},
		{keyView, string(v.Mode)},
		{keyQuery, v.Query},
		{keyUpdatedAt, now.UTC().Format(time.RFC3339Nano)},
	}
	for _, f := range fields {
		if err := s.cfg.Store.Set(ctx, s.key(f[0]), f[1]); err != nil {
			return fmt.Errorf("calendar: persist %s: %w", f[0], err)
		}
	}
	return nil
}

func (s *Session) key(field string) string {
	return "calendar:" + s.cfg.ID + ":" + field
}
