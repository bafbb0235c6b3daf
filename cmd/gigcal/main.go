package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"gigcal/internal/backend"
	"gigcal/internal/calendar"
	"gigcal/internal/config"
	"gigcal/internal/fetch"
	"gigcal/internal/ics"
	"gigcal/internal/listing"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
	"gigcal/internal/store"
	"gigcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

type stateStore interface {
	calendar.Store
	Close() error
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.LookupEnv)

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	defer appLog.Sync()

	loc := conf.Location()
	model.SetReferenceLocation(loc)

	appLog.Info("gigcal starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backend", fetch.RedactURL(conf.Backend.URL),
		"ics_count", len(conf.ICS),
		"state_store", conf.State.Store,
		"once", flags.once,
	)

	fetcher := fetch.NewFetcher(conf.CacheDir, &http.Client{Timeout: conf.Backend.Timeout()})

	var (
		source    listing.EventSource
		submitter web.Submitter
	)
	if conf.Backend.URL != "" {
		client, err := backend.NewClient(backend.Config{
			BaseURL: conf.Backend.URL,
			Token:   conf.Backend.Token,
			Timeout: conf.Backend.Timeout(),
		}, fetcher)
		if err != nil {
			appLog.Error("failed to create backend client", err)
			os.Exit(1)
		}
		source, submitter = client, client
	} else {
		appLog.Warn("backend.url is empty; serving venue feeds only and refusing submissions")
	}

	feeds := make([]ics.Feed, 0, len(conf.ICS))
	for _, f := range conf.ICS {
		feeds = append(feeds, ics.Feed{ID: f.ID, Name: f.Name, URL: f.URL, Genre: f.Genre})
	}

	events := listing.New(listing.Config{
		Feeds:       feeds,
		Location:    loc,
		HorizonDays: conf.HorizonDays,
	}, source, fetcher)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		if err := runOnce(ctx, os.Stdout, events, conf); err != nil {
			appLog.Error("refresh failed", err)
			os.Exit(1)
		}
		return
	}

	st, err := openStore(conf)
	if err != nil {
		appLog.Error("failed to open state store", err, "store", conf.State.Store)
		os.Exit(1)
	}
	defer st.Close()

	if _, err := events.Refresh(ctx); err != nil {
		// The API still starts; Events retries on the first request.
		appLog.Error("initial refresh failed", err)
	}

	sched := cron.New(cron.WithLocation(loc))
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if _, err := events.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(web.Options{
			Config:    conf,
			Listing:   events,
			Submitter: submitter,
			Store:     st,
		}).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
	}

	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("graceful shutdown failed", err)
	}
	appLog.Info("gigcal exiting")
}

func openStore(conf *config.Config) (stateStore, error) {
	if conf.State.Store != config.StoreRedis {
		return store.NewMemory(conf.State.KeyTTLDuration()), nil
	}
	rs, err := store.NewRedis(&store.RedisConfig{
		Address:   conf.Redis.Address,
		Password:  conf.Redis.Password,
		DB:        conf.Redis.DB,
		PoolSize:  conf.Redis.PoolSize,
		KeyPrefix: "gigcal:",
		KeyTTL:    conf.State.KeyTTLDuration(),
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// runOnce refreshes the listing and prints today's events.
func runOnce(ctx context.Context, out io.Writer, events *listing.Listing, conf *config.Config) error {
	snap, err := events.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, e := range snap.Errors {
		appLog.Warn("source failed during refresh", "error", e)
	}

	today := model.Today(time.Now(), conf.Location())
	todays := calendar.Filter(snap.Events, calendar.FilterConfig{
		Reference: today,
		Mode:      calendar.ModeDay,
		Today:     today,
		WeekStart: conf.Weekday(),
	})

	fmt.Fprintf(out, "%s: %d event(s), %d in listing\n", today, len(todays), len(snap.Events))
	for _, ev := range todays {
		start := ev.StartTime
		if start == "" {
			start = "all day"
		}
		fmt.Fprintf(out, "  %-8s %s @ %s\n", start, ev.Title, ev.VenueName)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/gigcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the listing once, print today's events and exit")

	flag.Parse()

	return cfg
}
