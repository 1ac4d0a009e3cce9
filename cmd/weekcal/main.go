package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"weekcal/internal/config"
	"weekcal/internal/feed"
	appLog "weekcal/internal/log"
	"weekcal/internal/merge"
	"weekcal/internal/model"
	"weekcal/internal/store"
	"weekcal/internal/syncer"
	"weekcal/internal/web"
)

const (
	version       = "0.1.0"
	defaultConfig = "./weekcal.yaml"

	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitConfigError  = 2
)

func main() {
	app := &cli.App{
		Name:    "weekcal",
		Usage:   "Sync external calendars into a weekly planner",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfig,
				Usage:   "Path to config file",
				EnvVars: []string{"WEEKCAL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				EnvVars: []string{"WEEKCAL_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API with background refresh",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "HTTP listen address (overrides config if set)",
					},
				},
				Action: serve,
			},
			{
				Name:  "week",
				Usage: "Print the merged week",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "start",
						Aliases: []string{"s"},
						Usage:   "First day of the week (YYYY-MM-DD); defaults to the current week",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print JSON instead of text",
					},
				},
				Action: printWeek,
			},
			{
				Name:  "sync",
				Usage: "Force a refresh of every source, or of one source",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Only refresh the source with this id",
					},
				},
				Action: syncSources,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) || errors.Is(err, config.ErrNoSources) {
			os.Exit(ExitConfigError)
		}
		os.Exit(ExitGeneralError)
	}
}

// deps bundles the collaborators every command needs.
type deps struct {
	cfg      *config.Config
	provider *config.Provider
	registry *syncer.Registry
	loc      *time.Location
}

func setup(c *cli.Context) (*deps, error) {
	path := c.String("config")
	provider, err := config.NewProvider(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg, err := provider.Config()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if l := c.String("log-level"); l != "" {
		level = l
	}
	parsed, err := appLog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if err := appLog.Configure(appLog.Options{Level: parsed, File: cfg.Log.File}); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	fetcher := feed.New(feed.Options{
		Timeout:       cfg.FetchTimeout(),
		Relays:        cfg.Fetch.Relays,
		RatePerMinute: cfg.Fetch.RatePerMinute,
		APIEndpoint:   cfg.Fetch.APIEndpoint,
		Credentials:   config.EnvCredentials{},
	})
	registry := syncer.New(fetcher, syncer.Options{
		RefreshInterval: cfg.Interval(),
		Location:        loc,
		OnUpdate: func(id string, events []model.Event) {
			appLog.Debug("source updated", "id", id, "events", len(events))
		},
	})

	appLog.Info("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", loc.String(),
		"week_start", cfg.WeekStart,
		"refresh_interval", cfg.Interval().String(),
		"refresh_cron", cfg.RefreshCron,
		"relays", len(cfg.Fetch.Relays),
		"source_count", len(cfg.Sources),
	)
	return &deps{cfg: cfg, provider: provider, registry: registry, loc: loc}, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func serve(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	appLog.Info("weekcal starting", "version", version)

	listen := rt.cfg.Listen
	if l := c.String("listen"); l != "" {
		listen = l
	}

	schedule, err := store.New(rt.cfg.ScheduleDB)
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	defer schedule.Close()

	ctx, cancel := signalContext()
	defer cancel()

	refresher := syncer.NewRefresher(rt.registry, rt.provider, syncer.ScheduleSpec(rt.cfg.RefreshCron, rt.cfg.Interval()))
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	defer refresher.Stop()

	srv := web.NewServer(web.Deps{
		Config:   rt.cfg,
		Sources:  rt.provider,
		Registry: rt.registry,
		Schedule: schedule,
	})
	err = web.Run(ctx, listen, srv)
	appLog.Info("weekcal exiting")
	return err
}

func printWeek(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	start := merge.WeekStart(time.Now().In(rt.loc), rt.cfg.FirstWeekday())
	if s := c.String("start"); s != "" {
		start, err = time.ParseInLocation("2006-01-02", s, rt.loc)
		if err != nil {
			return fmt.Errorf("invalid --start %q: %w", s, err)
		}
	}

	schedule, err := store.New(rt.cfg.ScheduleDB)
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	defer schedule.Close()

	manual, err := schedule.Week(ctx, start)
	if err != nil {
		return err
	}
	sources, err := rt.provider.Sources(ctx)
	if err != nil {
		return err
	}
	if _, err := config.EnabledSources(sources); err != nil {
		return err
	}

	week, viewErr := merge.New(rt.registry, rt.loc).WeekView(ctx, start, sources, manual)
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(week); err != nil {
			return err
		}
	} else {
		for i := 0; i < 7; i++ {
			date := week.Start.AddDate(0, 0, i)
			fmt.Println(date.Format("Mon 2006-01-02"))
			for _, item := range week.Days[date.Weekday()] {
				fmt.Printf("  %s\n", item.Label)
			}
		}
		for _, st := range week.Sources {
			if st.Error != "" {
				fmt.Fprintf(os.Stderr, "warning: source %s: %s (showing cached events)\n", st.SourceID, st.Error)
			}
		}
	}
	return viewErr
}

func syncSources(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sources, err := rt.provider.Sources(ctx)
	if err != nil {
		return err
	}
	if sources, err = config.EnabledSources(sources); err != nil {
		return err
	}
	if id := c.String("source"); id != "" {
		var picked []model.CalendarSource
		for _, s := range sources {
			if s.ID == id {
				picked = append(picked, s)
			}
		}
		if len(picked) == 0 {
			return fmt.Errorf("unknown or disabled source %q", id)
		}
		sources = picked
	}

	results, err := rt.registry.Refresh(ctx, sources, true)
	for _, s := range sources {
		res := results[s.ID]
		switch {
		case res.Err != nil:
			fmt.Printf("%-20s %-6s %s\n", s.ID, res.Status, res.Err)
		default:
			fmt.Printf("%-20s %-6s %d events\n", s.ID, res.Status, len(res.Events))
		}
	}
	return err
}
