// Package backend talks to the community site's REST API, which owns
// events, accounts and moderation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gigcal/internal/fetch"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

const eventsPath = "/api/events"

var (
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrRejected     = errors.New("backend: submission rejected")
)

// Config describes how to reach the backend.
type Config struct {
	BaseURL string

	// Token authenticates listing requests. Submissions use the end
	// user's own token instead.
	Token string

	Timeout time.Duration
}

// Client lists and submits events.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	fetcher *fetch.Fetcher
}

// NewClient builds a client; listings go through fetcher so the last good
// copy survives a backend outage.
func NewClient(cfg Config, fetcher *fetch.Fetcher) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if fetcher == nil {
		fetcher = fetch.NewFetcher("", httpClient)
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    httpClient,
		fetcher: fetcher,
	}, nil
}

// eventsEnvelope covers backends that wrap the list in an object.
type eventsEnvelope struct {
	Events []model.Event `json:"events"`
}

// ListEvents returns every event the backend exposes. Events whose date
// does not parse are kept (and counted in the log); the calendar filter
// drops them later.
func (c *Client) ListEvents(ctx context.Context) ([]model.Event, error) {
	src := fetch.Source{
		ID:     "backend",
		URL:    c.baseURL + eventsPath,
		Header: http.Header{"Accept": {"application/json"}},
	}
	if c.token != "" {
		src.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.fetcher.Fetch(ctx, src)
	if err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("backend: list events: %w", err)
	}

	events, err := DecodeEvents(res.Body)
	if err != nil {
		return nil, err
	}

	invalid := 0
	for i := range events {
		events[i].Source = "backend"
		if !events[i].Date.IsValid() {
			invalid++
		}
	}
	if invalid > 0 {
		appLog.Warn("backend: events with unparseable dates", "count", invalid, "total", len(events))
	}
	appLog.Info("backend: events loaded", "count", len(events), "from_cache", res.FromCache)
	return events, nil
}

// DecodeEvents accepts either a bare JSON array or {"events": [...]}.
func DecodeEvents(body []byte) ([]model.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("backend: empty events body")
	}

	if trimmed[0] == '[' {
		var events []model.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("backend: decode events: %w", err)
		}
		return events, nil
	}

	var env eventsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("backend: decode events: %w", err)
	}
	return env.Events, nil
}

// SubmitEvent posts one dated submission on behalf of the user whose
// bearer token is authToken. The backend stores it unapproved.
func (c *Client) SubmitEvent(ctx context.Context, authToken string, sub model.Submission) (model.Event, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return model.Event{}, fmt.Errorf("backend: encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+eventsPath, bytes.NewReader(payload))
	if err != nil {
		return model.Event{}, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Event{}, fmt.Errorf("backend: submit event: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Event{}, fmt.Errorf("backend: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Event{}, ErrUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return model.Event{}, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return model.Event{}, fmt.Errorf("backend: submit event: unexpected status %s", resp.Status)
	}

	var created model.Event
	if err := json.Unmarshal(body, &created); err != nil {
		return model.Event{}, fmt.Errorf("backend: decode created event: %w", err)
	}
	created.Source = "backend"
	return created, nil
}
