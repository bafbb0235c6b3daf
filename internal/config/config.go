package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides are applied on top by ApplyEnv.

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ICSConfig describes a single curated venue feed.
type ICSConfig struct {
	// ID tags every event imported from this feed and names it in logs.
	ID string `yaml:"id" json:"id"`
	// Name is the venue name shown for the feed's events.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Genre is applied to events that carry no CATEGORIES.
	Genre string `yaml:"genre,omitempty" json:"genre,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the admin API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BackendConfig locates the community site's REST API.
type BackendConfig struct {
	URL        string `yaml:"url" json:"url"`
	Token      string `yaml:"token,omitempty" json:"-"`
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// Timeout returns the request timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSec) * time.Second
}

// StateConfig controls where visitors' calendar views are remembered.
type StateConfig struct {
	// Store is "memory" (default) or "redis".
	Store string `yaml:"store" json:"store"`

	// StaleAfter is a Go duration; older cached views reset to today.
	StaleAfter string `yaml:"stale_after" json:"stale_after"`

	// KeyTTL is a Go duration applied to Redis keys.
	KeyTTL string `yaml:"key_ttl" json:"key_ttl"`
}

// StaleAfterDuration parses StaleAfter. Call Validate first.
func (s StateConfig) StaleAfterDuration() time.Duration {
	d, _ := time.ParseDuration(s.StaleAfter)
	return d
}

// KeyTTLDuration parses KeyTTL. Call Validate first.
func (s StateConfig) KeyTTLDuration() time.Duration {
	d, _ := time.ParseDuration(s.KeyTTL)
	return d
}

// RedisConfig is used when state.store is "redis".
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir holds the last good copy of every fetched feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Timezone is the IANA timezone every event date and "today" is
	// reckoned in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday begins the week view. Supported
	// values:
	//   - "sunday" (default)
	//   - "monday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron-style schedule string (e.g. "*/10 * * * *")
	// used for periodic listing refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is how far ahead venue feeds are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	Backend BackendConfig `yaml:"backend" json:"backend"`
	State   StateConfig   `yaml:"state" json:"state"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`

	// ICS is the list of curated venue feeds.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, protects the admin endpoints.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/feed-cache"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Denver"
	}

	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to sunday, as printed calendars do here.
		c.WeekStart = "sunday"
	}

	if c.RefreshCron == "" {
		c.RefreshCron = "*/10 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 90
	}
	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = 15
	}

	c.State.Store = strings.ToLower(strings.TrimSpace(c.State.Store))
	if c.State.Store == "" {
		c.State.Store = StoreMemory
	}
	if c.State.StaleAfter == "" {
		c.State.StaleAfter = "3h"
	}
	if c.State.KeyTTL == "" {
		c.State.KeyTTL = "168h"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}

	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// ApplyEnv overrides selected fields from GIGCAL_* environment variables.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set("GIGCAL_LISTEN", &c.Listen)
	set("GIGCAL_LOG_LEVEL", &c.LogLevel)
	set("GIGCAL_BACKEND_URL", &c.Backend.URL)
	set("GIGCAL_BACKEND_TOKEN", &c.Backend.Token)
	set("GIGCAL_STATE_STORE", &c.State.Store)
	set("GIGCAL_REDIS_ADDRESS", &c.Redis.Address)
	set("GIGCAL_REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := lookup("GIGCAL_REDIS_DB"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Redis.DB = n
		}
	}

	c.Normalize()
}

// Validate reports every setting that cannot be used as given.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: unknown level", c.LogLevel))
	}
	switch c.State.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("redis.address is required for the redis state store"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.store %q: must be %q or %q", c.State.Store, StoreMemory, StoreRedis))
	}
	if d, err := time.ParseDuration(c.State.StaleAfter); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("state.stale_after %q: must be a positive duration", c.State.StaleAfter))
	}
	if d, err := time.ParseDuration(c.State.KeyTTL); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("state.key_ttl %q: must be a non-negative duration", c.State.KeyTTL))
	}

	seen := make(map[string]bool, len(c.ICS))
	for i, f := range c.ICS {
		switch {
		case f.ID == "":
			errs = append(errs, fmt.Errorf("ics[%d]: id is required", i))
		case seen[f.ID]:
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, f.ID))
		}
		seen[f.ID] = true
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is required", i))
		}
	}

	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth: username and password are both required"))
	}

	return errors.Join(errs...)
}

// Location loads the configured timezone. Call Validate first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Weekday returns WeekStart as a time.Weekday.
func (c *Config) Weekday() time.Weekday {
	if c.WeekStart == "monday" {
		return time.Monday
	}
	return time.Sunday
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".gigcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
