package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigcal/internal/backend"
	"gigcal/internal/config"
	"gigcal/internal/listing"
	"gigcal/internal/model"
	"gigcal/internal/store"
)

type fakeListing struct {
	events    []model.Event
	err       error
	refreshes int
}

func (f *fakeListing) Events(context.Context) ([]model.Event, error) { return f.events, f.err }

func (f *fakeListing) Refresh(context.Context) (listing.Snapshot, error) {
	f.refreshes++
	if f.err != nil {
		return listing.Snapshot{}, f.err
	}
	return listing.Snapshot{Events: f.events, UpdatedAt: time.Unix(0, 0).UTC()}, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	tokens []string
	subs   []model.Submission
	failAt int
	err    error
}

func (f *fakeSubmitter) SubmitEvent(_ context.Context, token string, sub model.Submission) (model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && len(f.subs) == f.failAt {
		return model.Event{}, f.err
	}
	f.tokens = append(f.tokens, token)
	f.subs = append(f.subs, sub)
	return model.Event{
		ID:    model.EventID(fmt.Sprint(len(f.subs))),
		Title: sub.Title,
		Date:  sub.Date,
	}, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	srv       http.Handler
	listing   *fakeListing
	submitter *fakeSubmitter
	clock     *clock
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{
		listing: &fakeListing{events: []model.Event{
			{ID: "1", Title: "Blues Jam", Genre: "Blues", VenueName: "Ziggies", Date: model.NewDate(2024, time.May, 12), StartTime: "20:00", IsApproved: true},
			{ID: "2", Title: "Jazz Trio", Genre: "Jazz", VenueName: "Dazzle", Date: model.NewDate(2024, time.May, 14), StartTime: "19:00", IsApproved: true},
			{ID: "3", Title: "Punk Matinee", Genre: "Punk", VenueName: "Lion's Lair", Date: model.NewDate(2024, time.May, 25), IsApproved: true},
			{ID: "4", Title: "Old Show", Date: model.NewDate(2024, time.April, 1), IsApproved: true},
		}},
		submitter: &fakeSubmitter{},
		clock:     &clock{now: time.Date(2024, time.May, 12, 12, 0, 0, 0, cfg.Location())},
	}
	h.srv = NewServer(Options{
		Config:    cfg,
		Listing:   h.listing,
		Submitter: h.submitter,
		Store:     store.NewMemory(0),
		Now:       h.clock.Now,
	}).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeCalendar(t *testing.T, rec *httptest.ResponseRecorder) calendarResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp calendarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func titles(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Title)
	}
	return out
}

func sessionCookieOf(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie set", sessionCookie)
	return nil
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCalendarFirstVisitShowsToday(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/calendar", "", nil)
	resp := decodeCalendar(t, rec)

	assert.NotEmpty(t, sessionCookieOf(t, rec).Value)
	assert.Equal(t, model.NewDate(2024, time.May, 12), resp.State.SelectedDate)
	assert.Equal(t, "day", string(resp.State.Mode))
	assert.Equal(t, "active", resp.Phase)
	assert.Equal(t, []string{"Blues Jam"}, titles(resp.Events))
	assert.Equal(t, "?date=2024-05-12&view=day", resp.URL)
}

// newSession makes the first visit, which always lands on the defaults,
// and returns the session cookie.
func (h *harness) newSession(t *testing.T) *http.Cookie {
	t.Helper()
	return sessionCookieOf(t, h.do(t, http.MethodGet, "/api/calendar", "", nil))
}

func TestCalendarFirstVisitIgnoresURL(t *testing.T) {
	h := newHarness(t, nil)
	resp := decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar?view=all&date=2024-05-25", "", nil))
	assert.Equal(t, "day", string(resp.State.Mode))
	assert.Equal(t, model.NewDate(2024, time.May, 12), resp.State.SelectedDate)
}

func TestCalendarRemembersViewWithinSession(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.newSession(t)

	resp := decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar?view=all&q=JAZZ", "", cookie))
	assert.Equal(t, []string{"Jazz Trio"}, titles(resp.Events))

	h.clock.now = h.clock.now.Add(time.Hour)
	resp = decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar", "", cookie))
	assert.Equal(t, "all", string(resp.State.Mode))
	assert.Equal(t, "JAZZ", resp.State.Query)

	h.clock.now = h.clock.now.Add(3*time.Hour + time.Minute)
	resp = decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar?view=all", "", cookie))
	assert.Equal(t, "day", string(resp.State.Mode), "stale session resets to defaults")
	assert.Empty(t, resp.State.Query)
}

func TestCalendarWeekView(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.newSession(t)
	resp := decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar?view=week&date=2024-05-15", "", cookie))
	assert.Equal(t, []string{"Blues Jam", "Jazz Trio"}, titles(resp.Events))
	require.NotNil(t, resp.Range)
	assert.Equal(t, model.NewDate(2024, time.May, 12), resp.Range.From)
	assert.Equal(t, model.NewDate(2024, time.May, 18), resp.Range.To)
}

func TestCalendarListingUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.listing.err = errors.New("down")
	rec := h.do(t, http.MethodGet, "/api/calendar", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCalendarState(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.newSession(t)

	rec := h.do(t, http.MethodPost, "/api/calendar/state", `{"date":"2024-05-25","view":"day","q":""}`, cookie)
	resp := decodeCalendar(t, rec)
	assert.Equal(t, []string{"Punk Matinee"}, titles(resp.Events))
	assert.Equal(t, "?date=2024-05-25&view=day", resp.URL)

	resp = decodeCalendar(t, h.do(t, http.MethodGet, "/api/calendar", "", cookie))
	assert.Equal(t, model.NewDate(2024, time.May, 25), resp.State.SelectedDate)

	rec = h.do(t, http.MethodPost, "/api/calendar/state", `{"date":"2024-05-25","view":"month"}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/calendar/state", `{"date":"someday","view":"day"}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecurrencePreview(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantDates []string
	}{
		{"monthly second tuesday", `{"start_date":"2024-05-14","frequency":"monthly","count":3}`, http.StatusOK,
			[]string{"2024-05-14", "2024-06-11", "2024-07-09"}},
		{"weekly clamped", `{"start_date":"2024-05-14","frequency":"weekly","count":9}`, http.StatusOK,
			[]string{"2024-05-14", "2024-05-21", "2024-05-28", "2024-06-04"}},
		{"none", `{"start_date":"2024-05-14"}`, http.StatusOK, []string{"2024-05-14"}},
		{"bad frequency", `{"start_date":"2024-05-14","frequency":"daily","count":2}`, http.StatusBadRequest, nil},
		{"bad date", `{"start_date":"May 14","frequency":"weekly","count":2}`, http.StatusBadRequest, nil},
		{"unknown field", `{"start":"2024-05-14"}`, http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/recurrence/preview", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantDates == nil {
				return
			}
			var resp struct {
				Dates []string `json:"dates"`
				Count int      `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantDates, resp.Dates)
		})
	}
}

func submitRequest(t *testing.T, h *harness, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func TestSubmitEventRepeats(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"title":"Songwriter Night","venue_name":"Walnut Room","date":"2024-05-14","start_time":"19:00",
		"recurrence":{"frequency":"weekly","count":3}}`

	rec := submitRequest(t, h, body, "Bearer user-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Created, 3)
	assert.Contains(t, resp.RRule, "FREQ=WEEKLY")

	require.Len(t, h.submitter.subs, 3)
	assert.Equal(t, []string{"user-1", "user-1", "user-1"}, h.submitter.tokens)
	for i, want := range []string{"2024-05-14", "2024-05-21", "2024-05-28"} {
		assert.Equal(t, want, h.submitter.subs[i].Date.String())
		assert.Nil(t, h.submitter.subs[i].Recurrence)
	}
}

func TestSubmitEventValidation(t *testing.T) {
	h := newHarness(t, nil)

	rec := submitRequest(t, h, `{"title":"x","date":"2024-05-14"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = submitRequest(t, h, `{"title":"","date":"2024-05-14"}`, "Bearer u")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = submitRequest(t, h, `{"title":"x","date":"tomorrow"}`, "Bearer u")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = submitRequest(t, h, `{"title":"x","date":"2024-05-14","recurrence":{"frequency":"yearly","count":2}}`, "Bearer u")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, h.submitter.subs)
}

func TestSubmitEventStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.failAt = 1
	h.submitter.err = fmt.Errorf("%w: venue is required", backend.ErrRejected)

	rec := submitRequest(t, h, `{"title":"x","date":"2024-05-14","recurrence":{"frequency":"monthly","count":4}}`, "Bearer u")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Created, 1)
	assert.Contains(t, resp.Error, "venue is required")

	h.submitter.subs = nil
	h.submitter.failAt = 0
	h.submitter.err = backend.ErrUnauthorized
	rec = submitRequest(t, h, `{"title":"x","date":"2024-05-14"}`, "Bearer expired")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestICSExport(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/calendar.ics?q=jazz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "SUMMARY:Jazz Trio")
	assert.NotContains(t, body, "Blues Jam")
	assert.Empty(t, rec.Result().Cookies())

	rec = h.do(t, http.MethodGet, "/calendar.ics", "", nil)
	assert.Contains(t, rec.Body.String(), "Punk Matinee")
	assert.NotContains(t, rec.Body.String(), "Old Show")

	rec = h.do(t, http.MethodGet, "/calendar.ics?view=year", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRefresh(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "hunter2"}
	})

	rec := h.do(t, http.MethodPost, "/api/admin/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/refresh", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.listing.refreshes)
	assert.Contains(t, rec.Body.String(), `"events":4`)
}

func TestAdminRefreshDisabledWithoutCredentials(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/admin/refresh", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
