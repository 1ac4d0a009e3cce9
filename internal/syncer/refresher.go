package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

// SourceProvider supplies the current list of configured sources. It is
// asked again on every tick so edits to the settings are picked up.
type SourceProvider interface {
	Sources(ctx context.Context) ([]model.CalendarSource, error)
}

// Refresher proactively refreshes every source on a cron schedule. It only
// warms the Registry; on-demand reads keep working without it.
type Refresher struct {
	reg     *Registry
	sources SourceProvider
	spec    string

	mu   sync.Mutex
	cron *cron.Cron
}

// ScheduleSpec returns cronSpec when set, otherwise an "@every" schedule
// for interval.
func ScheduleSpec(cronSpec string, interval time.Duration) string {
	if s := strings.TrimSpace(cronSpec); s != "" {
		return s
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return "@every " + interval.String()
}

// NewRefresher creates a Refresher. spec is a standard five-field cron
// expression or a descriptor such as "@every 30m".
func NewRefresher(reg *Registry, sources SourceProvider, spec string) *Refresher {
	return &Refresher{reg: reg, sources: sources, spec: spec}
}

// Start schedules the refresh job and runs one pass immediately. The job
// stops when ctx is cancelled or Stop is called.
func (f *Refresher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cron != nil {
		return fmt.Errorf("refresher: already started")
	}

	c := cron.New(cron.WithLocation(f.reg.Location()))
	if _, err := c.AddFunc(f.spec, func() {
		if err := f.Tick(ctx); err != nil {
			appLog.Warn("scheduled refresh reported problems", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("refresher: invalid schedule %q: %w", f.spec, err)
	}
	f.cron = c
	c.Start()
	appLog.Info("background refresh scheduled", "spec", f.spec)

	go func() {
		if err := f.Tick(ctx); err != nil {
			appLog.Warn("initial refresh reported problems", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		f.Stop()
	}()
	return nil
}

// Stop removes the schedule and waits for a running pass to finish.
func (f *Refresher) Stop() {
	f.mu.Lock()
	c := f.cron
	f.cron = nil
	f.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	appLog.Info("background refresh stopped")
}

// Tick runs one refresh pass: re-read the sources, drop cache entries of
// sources that disappeared, then refresh the rest without forcing.
func (f *Refresher) Tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	sources, err := f.sources.Sources(ctx)
	if err != nil {
		return fmt.Errorf("refresher: read sources: %w", err)
	}
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			ids = append(ids, s.ID)
		}
	}
	f.reg.Retain(ids)

	_, err = f.reg.Refresh(ctx, sources, false)
	return err
}
