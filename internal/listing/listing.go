// Package listing keeps the merged, approved, date-ordered event list the
// calendar is filtered from.
package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gigcal/internal/calendar"
	"gigcal/internal/fetch"
	"gigcal/internal/ics"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultHorizonDays  = 90
	defaultBackfillDays = 1
)

// ErrNoSources is returned by Refresh when every source failed.
var ErrNoSources = errors.New("listing: no source produced events")

// EventSource is the community backend.
type EventSource interface {
	ListEvents(ctx context.Context) ([]model.Event, error)
}

// Config controls which feeds are merged and how long a snapshot lives.
type Config struct {
	Feeds []ics.Feed

	// Location is the zone feed occurrences are dated in.
	Location *time.Location

	// HorizonDays and BackfillDays bound feed expansion around today.
	HorizonDays  int
	BackfillDays int

	// TTL is how old a snapshot may get before Events refreshes it.
	TTL time.Duration

	Now func() time.Time
}

// Snapshot is one merged listing.
type Snapshot struct {
	Events    []model.Event
	UpdatedAt time.Time

	// Errors holds per-source failures of the refresh that built it.
	Errors []string
}

// Listing merges the backend with venue feeds and caches the result.
type Listing struct {
	cfg     Config
	backend EventSource
	fetcher *fetch.Fetcher

	refreshMu sync.Mutex

	mu   sync.RWMutex
	snap *Snapshot
}

// New builds a Listing. backend may be nil when only feeds are configured.
func New(cfg Config, backend EventSource, fetcher *fetch.Fetcher) *Listing {
	if cfg.Location == nil {
		cfg.Location = model.ReferenceLocation()
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = defaultHorizonDays
	}
	if cfg.BackfillDays < 0 {
		cfg.BackfillDays = 0
	} else if cfg.BackfillDays == 0 {
		cfg.BackfillDays = defaultBackfillDays
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if fetcher == nil {
		fetcher = fetch.NewFetcher("", nil)
	}
	return &Listing{cfg: cfg, backend: backend, fetcher: fetcher}
}

// Events returns the current snapshot's events, refreshing first when the
// snapshot is missing or older than the TTL. A failed refresh falls back
// to the previous snapshot when there is one.
func (l *Listing) Events(ctx context.Context) ([]model.Event, error) {
	if snap, ok := l.Snapshot(); ok && l.cfg.Now().Sub(snap.UpdatedAt) < l.cfg.TTL {
		return snap.Events, nil
	}

	snap, err := l.Refresh(ctx)
	if err != nil {
		if prev, ok := l.Snapshot(); ok {
			appLog.Warn("listing: refresh failed; serving previous snapshot", "updated_at", prev.UpdatedAt, "reason", err.Error())
			return prev.Events, nil
		}
		return nil, err
	}
	return snap.Events, nil
}

// Snapshot returns the cached snapshot without refreshing.
func (l *Listing) Snapshot() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snap == nil {
		return Snapshot{}, false
	}
	return *l.snap, true
}

// Refresh rebuilds the snapshot from every source. One failing source is
// logged and recorded; the snapshot is only kept unchanged when all of
// them fail.
func (l *Listing) Refresh(ctx context.Context) (Snapshot, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	started := l.cfg.Now()
	var (
		merged    []model.Event
		failures  []error
		succeeded int
	)

	if l.backend != nil {
		events, err := l.backend.ListEvents(ctx)
		if err != nil {
			appLog.Error("listing: backend failed", err)
			failures = append(failures, fmt.Errorf("backend: %w", err))
		} else {
			merged = append(merged, events...)
			succeeded++
		}
	}

	feedEvents, ok, feedErrs := l.feedEvents(ctx, started)
	merged = append(merged, feedEvents...)
	succeeded += ok
	failures = append(failures, feedErrs...)

	if succeeded == 0 && len(failures) > 0 {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrNoSources, errors.Join(failures...))
	}

	approved := calendar.Approved(merged)
	calendar.SortByDate(approved)

	snap := Snapshot{
		Events:    approved,
		UpdatedAt: l.cfg.Now(),
	}
	for _, err := range failures {
		snap.Errors = append(snap.Errors, err.Error())
	}

	l.mu.Lock()
	l.snap = &snap
	l.mu.Unlock()

	appLog.Info("listing refreshed",
		"events", len(approved),
		"dropped_unapproved", len(merged)-len(approved),
		"failed_sources", len(failures),
		"took", l.cfg.Now().Sub(started).String(),
	)
	return snap, nil
}

// feedEvents fetches, parses and expands every configured feed, returning
// the events, how many feeds succeeded and the per-feed errors.
func (l *Listing) feedEvents(ctx context.Context, now time.Time) ([]model.Event, int, []error) {
	if len(l.cfg.Feeds) == 0 {
		return nil, 0, nil
	}

	byID := make(map[string]ics.Feed, len(l.cfg.Feeds))
	sources := make([]fetch.Source, 0, len(l.cfg.Feeds))
	for _, f := range l.cfg.Feeds {
		if f.URL == "" {
			continue
		}
		byID[f.ID] = f
		sources = append(sources, fetch.Source{
			ID:     f.ID,
			URL:    f.URL,
			Header: http.Header{"Accept": {"text/calendar"}},
		})
	}

	results, errs := l.fetcher.FetchAll(ctx, sources)

	today := model.Today(now, l.cfg.Location).In(l.cfg.Location)
	expandCfg := ics.ExpandConfig{
		Location:   l.cfg.Location,
		RangeStart: today.AddDate(0, 0, -l.cfg.BackfillDays),
		RangeEnd:   today.AddDate(0, 0, l.cfg.HorizonDays),
	}

	var out []model.Event
	succeeded := 0
	for _, res := range results {
		feed := byID[res.Source.ID]
		vevents, err := ics.Parse(feed, res.Body)
		if err != nil {
			appLog.Error("listing: feed parse failed", err, "feed", feed.ID)
			errs = append(errs, fmt.Errorf("%s: %w", feed.ID, err))
			continue
		}
		events, err := ics.Expand(feed, vevents, expandCfg)
		if err != nil {
			appLog.Error("listing: feed expand failed", err, "feed", feed.ID)
			errs = append(errs, fmt.Errorf("%s: %w", feed.ID, err))
			continue
		}
		out = append(out, events...)
		succeeded++
	}
	return out, succeeded, errs
}
