package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gigcal/internal/backend"
	"gigcal/internal/calendar"
	"gigcal/internal/ics"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
	"gigcal/internal/recur"
)

const feedName = "Live music"

type dateRange struct {
	From model.Date `json:"from"`
	To   model.Date `json:"to"`
}

// calendarResponse is the JSON shape for /api/calendar and
// /api/calendar/state.
type calendarResponse struct {
	State  calendar.ViewState `json:"state"`
	Phase  string             `json:"phase"`
	Today  model.Date         `json:"today"`
	URL    string             `json:"url"`
	Range  *dateRange         `json:"range,omitempty"`
	Count  int                `json:"count"`
	Events []model.Event      `json:"events"`
}

// handleCalendar hydrates the visitor's view from the URL and their cached
// state and returns the matching events.
//
// GET /api/calendar?date=2024-05-12&view=day&q=jazz
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	state, err := sess.Hydrate(r.Context(), r.URL.Query())
	if err != nil {
		// The view is still usable; it just won't be remembered.
		appLog.Error("calendar: view not persisted", err)
	}
	s.writeCalendar(w, r, sess, state)
}

type stateRequest struct {
	Date  string `json:"date"`
	View  string `json:"view"`
	Query string `json:"q"`
}

// handleCalendarState applies a user interaction (new date, view or
// search) to an active session.
func (s *Server) handleCalendarState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	date, err := model.ParseDate(req.Date, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", req.Date))
		return
	}
	mode, err := calendar.ParseMode(req.View)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.session(w, r)
	if _, err := sess.Hydrate(r.Context(), nil); err != nil {
		appLog.Error("calendar: view not persisted", err)
	}

	next := calendar.ViewState{SelectedDate: date, Mode: mode, Query: req.Query}
	if _, err := sess.Update(r.Context(), next); err != nil {
		if errors.Is(err, calendar.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("calendar: view not persisted", err)
	}
	s.writeCalendar(w, r, sess, sess.State())
}

func (s *Server) writeCalendar(w http.ResponseWriter, r *http.Request, sess *calendar.Session, state calendar.ViewState) {
	events, err := s.listing.Events(r.Context())
	if err != nil {
		appLog.Error("calendar: listing unavailable", err)
		writeError(w, http.StatusBadGateway, "event listing unavailable")
		return
	}

	today := sess.Today()
	weekStart := s.cfg.Weekday()
	filtered := calendar.Filter(events, calendar.FilterConfig{
		Reference: state.SelectedDate,
		Mode:      state.Mode,
		Query:     state.Query,
		Today:     today,
		WeekStart: weekStart,
	})

	resp := calendarResponse{
		State:  state,
		Phase:  sess.Phase().String(),
		Today:  today,
		URL:    "?" + state.Values().Encode(),
		Count:  len(filtered),
		Events: filtered,
	}
	if state.Mode == calendar.ModeWeek {
		from, to := calendar.WeekBounds(state.SelectedDate, weekStart)
		resp.Range = &dateRange{From: from, To: to.AddDays(-1)}
	}
	writeJSON(w, http.StatusOK, resp)
}

type previewRequest struct {
	StartDate string `json:"start_date"`
	Frequency string `json:"frequency"`
	Count     int    `json:"count"`
}

type previewResponse struct {
	StartDate model.Date     `json:"start_date"`
	Frequency recur.Frequency `json:"frequency"`
	Count     int            `json:"count"`
	Dates     []model.Date   `json:"dates"`
	RRule     string         `json:"rrule,omitempty"`
}

// handleRecurrencePreview shows the dates a repeating submission would
// create, before anything is sent to the backend.
func (s *Server) handleRecurrencePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	start, err := model.ParseDate(req.StartDate, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start_date %q", req.StartDate))
		return
	}
	freq, err := recur.ParseFrequency(req.Frequency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan := recur.Plan{Start: start, Frequency: freq, Count: recur.ClampCount(req.Count)}
	writeJSON(w, http.StatusOK, previewResponse{
		StartDate: start,
		Frequency: freq,
		Count:     plan.Count,
		Dates:     plan.Dates(),
		RRule:     plan.RRule(),
	})
}

type submitResponse struct {
	Created []model.Event `json:"created"`
	RRule   string        `json:"rrule,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// handleSubmitEvent turns one submission (optionally repeating) into one
// backend submission per date, on behalf of the caller's bearer token.
// Submissions stop at the first failure; the ones already created are
// reported alongside the error.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "submissions are disabled")
		return
	}

	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "sign in to submit events")
		return
	}

	var sub model.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(sub.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if !sub.Date.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", sub.Date.Raw()))
		return
	}

	plan := recur.Plan{Start: sub.Date, Frequency: recur.None, Count: 1}
	if sub.Recurrence != nil {
		freq, err := recur.ParseFrequency(sub.Recurrence.Frequency)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		plan.Frequency = freq
		plan.Count = recur.ClampCount(sub.Recurrence.Count)
	}

	resp := submitResponse{Created: []model.Event{}}
	if plan.Frequency != recur.None {
		resp.RRule = plan.RRule()
	}

	for _, d := range plan.Dates() {
		created, err := s.submitter.SubmitEvent(r.Context(), token, sub.OnDate(d))
		if err != nil {
			appLog.Error("submit: backend refused event", err, "date", d.String(), "created", len(resp.Created))
			resp.Error = err.Error()
			writeJSON(w, submitStatus(err), resp)
			return
		}
		resp.Created = append(resp.Created, created)
	}

	appLog.Info("submit: events created", "count", len(resp.Created), "frequency", string(plan.Frequency))
	writeJSON(w, http.StatusCreated, resp)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrRejected):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

// handleICS exports a filtered view as an iCalendar feed. It does not
// touch the visitor's session; the view defaults to everything upcoming.
//
// GET /calendar.ics?view=all&q=jazz&date=2024-05-12
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	today := model.Today(s.now(), s.loc)

	mode := calendar.ModeAll
	if v := q.Get("view"); v != "" {
		m, err := calendar.ParseMode(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}
	ref := today
	if v := q.Get("date"); v != "" {
		d, err := model.ParseDate(v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", v))
			return
		}
		ref = d
	}

	events, err := s.listing.Events(r.Context())
	if err != nil {
		appLog.Error("ics export: listing unavailable", err)
		writeError(w, http.StatusBadGateway, "event listing unavailable")
		return
	}

	filtered := calendar.Filter(events, calendar.FilterConfig{
		Reference: ref,
		Mode:      mode,
		Query:     q.Get("q"),
		Today:     today,
		WeekStart: s.cfg.Weekday(),
	})

	body := ics.Export(filtered, ics.ExportConfig{Name: feedName, Location: s.loc, Now: s.now})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="gigcal.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

type refreshResponse struct {
	Events    int       `json:"events"`
	UpdatedAt time.Time `json:"updated_at"`
	Errors    []string  `json:"errors,omitempty"`
}

func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.listing.Refresh(r.Context())
	if err != nil {
		appLog.Error("admin refresh failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Events:    len(snap.Events),
		UpdatedAt: snap.UpdatedAt,
		Errors:    snap.Errors,
	})
}
