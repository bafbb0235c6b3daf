// Package fetch downloads remote feeds with HTTP revalidation and a disk
// cache, so a flaky upstream still leaves the calendar with its last copy.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "gigcal/internal/log"
)

const (
	metaFile = "meta.json"
	bodyFile = "body"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 32 << 20
)

var (
	// ErrNoCache is returned when upstream failed and nothing is cached yet.
	ErrNoCache = errors.New("fetch: upstream unavailable and no cached copy")

	ErrTooLarge = errors.New("fetch: body exceeds size limit")
)

// Source is one remote document.
type Source struct {
	// ID is used in logs only.
	ID  string
	URL string

	// Header is added to the request (e.g. Accept, Authorization).
	Header http.Header
}

// Result is a fetched or cached body.
type Result struct {
	Source    Source
	Body      []byte
	FromCache bool
	FetchedAt time.Time
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher performs conditional GETs and keeps one cache directory per URL.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	maxBody  int64
}

// NewFetcher returns a Fetcher caching under cacheDir. A nil client gets a
// default one with a 15s timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir, maxBody: maxBodyBytes}
}

// FetchAll fetches every source, logging and collecting per-source errors.
// Results only contain sources that produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]Result, []error) {
	results := make([]Result, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.Fetch(ctx, src)
		if err != nil {
			appLog.Error("feed fetch failed", err, "id", src.ID, "url", RedactURL(src.URL))
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// Fetch gets src, sending If-None-Match / If-Modified-Since from the
// cache. On 304, network errors, oversized bodies and non-2xx answers the
// cached body is returned instead when there is one. 401 and 403 are
// returned as a StatusError even with a cache, so revoked credentials
// surface.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Result, error) {
	if src.URL == "" {
		return Result{}, errors.New("fetch: source URL is empty")
	}

	dir := f.cachePath(src.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Result{}, fmt.Errorf("fetch: cache dir: %w", err)
	}

	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, bodyFile))

	fallback := func(reason error) (Result, error) {
		if len(cached) == 0 {
			return Result{}, fmt.Errorf("%w: %w", ErrNoCache, reason)
		}
		appLog.Warn("feed fetch failed; serving cached copy",
			"id", src.ID,
			"url", RedactURL(src.URL),
			"reason", reason.Error(),
			"cached_at", meta.UpdatedAt,
		)
		return Result{Source: src, Body: cached, FromCache: true, FetchedAt: meta.UpdatedAt}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, vs := range src.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("feed fetch start", "id", src.ID, "url", RedactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return Result{}, fmt.Errorf("%w: 304 without cached body", ErrNoCache)
		}
		appLog.Debug("feed not modified; using cache", "id", src.ID)
		return Result{Source: src, Body: cached, FromCache: true, FetchedAt: meta.UpdatedAt}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
		if err != nil {
			return fallback(err)
		}
		if int64(len(body)) > f.maxBody {
			return fallback(fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxBody))
		}
		now := time.Now().UTC()
		newMeta := cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    now,
		}
		if err := saveCache(dir, newMeta, body); err != nil {
			appLog.Error("feed cache save failed", err, "id", src.ID)
		}
		appLog.Info("feed fetched", "id", src.ID, "status", resp.StatusCode, "bytes", len(body))
		return Result{Source: src, Body: body, FetchedAt: now}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}

	default:
		return fallback(&StatusError{Code: resp.StatusCode, Status: resp.Status})
	}
}

// StatusError is an unexpected HTTP status from upstream.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected status " + e.Status }

func (f *Fetcher) cachePath(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

// saveCache writes the body before the metadata so meta never points at a
// missing body.
func saveCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, bodyFile), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFile), data, 0o600)
}

// RedactURL keeps scheme and host only; feed URLs often embed tokens.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
