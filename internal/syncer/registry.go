// Package syncer caches normalized events per calendar source and decides
// when a source has to be fetched again.
package syncer

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"weekcal/internal/feed"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
	"weekcal/internal/normalize"
)

const (
	DefaultRefreshInterval = 30 * time.Minute
	defaultCycleTimeout    = time.Minute
	maxParallelRefresh     = 4
)

// Fetcher retrieves the raw payload for a source. *feed.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, src model.CalendarSource, w feed.Window) (feed.Payload, error)
}

// Status is the cache state of one source.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusFresh         Status = "fresh"
	StatusStale         Status = "stale"
	StatusError         Status = "error"
)

// Options configures a Registry.
type Options struct {
	// RefreshInterval is the minimum time between two fetches of a source.
	RefreshInterval time.Duration
	// FetchTimeout bounds one fetch+parse+normalize cycle.
	FetchTimeout time.Duration
	// Location is the viewer timezone used by the normalizer.
	Location *time.Location
	// Now overrides the clock in tests.
	Now func() time.Time
	// OnUpdate, if set, is called after every successful refresh with a copy
	// of the source's events.
	OnUpdate func(sourceID string, events []model.Event)
}

// Result is what a caller gets back for one source. Err carries the last
// fetch failure; Events are then the last successfully fetched events.
type Result struct {
	Events    []model.Event
	Status    Status
	FetchedAt time.Time
	Err       error
}

// SourceStatus is a snapshot of one cache entry for diagnostics.
type SourceStatus struct {
	SourceID      string      `json:"source_id"`
	Status        Status      `json:"status"`
	LastFetchedAt time.Time   `json:"last_fetched_at"`
	LastSuccessAt time.Time   `json:"last_success_at"`
	LastError     string      `json:"last_error,omitempty"`
	EventCount    int         `json:"event_count"`
	Window        feed.Window `json:"-"`
}

type entry struct {
	source      model.CalendarSource
	events      []model.Event
	window      feed.Window
	lastFetched time.Time
	lastSuccess time.Time
	lastErr     error
}

// Registry holds the per-source cache. All methods are safe for concurrent
// use; an entry is only ever replaced as a whole.
type Registry struct {
	fetcher  Fetcher
	interval time.Duration
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
	onUpdate func(string, []model.Event)

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// New creates an empty Registry.
func New(fetcher Fetcher, opts Options) *Registry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultCycleTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		fetcher:  fetcher,
		interval: opts.RefreshInterval,
		timeout:  opts.FetchTimeout,
		loc:      opts.Location,
		now:      opts.Now,
		onUpdate: opts.OnUpdate,
		entries:  make(map[string]*entry),
	}
}

// Location returns the viewer timezone the registry normalizes with.
func (r *Registry) Location() *time.Location { return r.loc }

// GetEvents returns the events of src, fetching when force is set, when
// nothing is cached yet or when the cached entry is older than the refresh
// interval.
//
// Fetch failures are reported in Result.Err together with the previously
// cached events. The returned error is non-nil only for a
// *model.ConfigError, or ctx.Err() when the caller stopped waiting.
func (r *Registry) GetEvents(ctx context.Context, src model.CalendarSource, force bool) (Result, error) {
	return r.GetEventsCovering(ctx, src, time.Time{}, time.Time{}, force)
}

// GetEventsCovering is GetEvents for a caller interested in [from, to).
// Range-queried sources are also refetched when the cached window does not
// cover the range.
func (r *Registry) GetEventsCovering(ctx context.Context, src model.CalendarSource, from, to time.Time, force bool) (Result, error) {
	if err := src.Validate(); err != nil {
		return Result{Status: StatusError, Err: err}, err
	}

	if !force {
		if res, ok, err := r.cached(src, from, to); ok {
			return res, err
		}
	}

	ch := r.group.DoChan(src.ID, func() (any, error) {
		return r.fetchOrCached(ctx, src, from, to, force)
	})

	select {
	case <-ctx.Done():
		r.mu.RLock()
		res := r.resultOf(r.entries[src.ID])
		r.mu.RUnlock()
		return res, ctx.Err()
	case out := <-ch:
		res, _ := out.Val.(Result)
		if out.Err != nil {
			return res, out.Err
		}
		return res, nil
	}
}

// Refresh runs GetEvents for every enabled source in parallel. Config
// problems are joined into the returned error; fetch failures are only in
// the per-source results.
func (r *Registry) Refresh(ctx context.Context, sources []model.CalendarSource, force bool) (map[string]Result, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(sources))
		errs    []error
	)
	p := pool.New().WithMaxGoroutines(maxParallelRefresh)
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		p.Go(func() {
			res, err := r.GetEvents(ctx, src, force)
			mu.Lock()
			defer mu.Unlock()
			results[src.ID] = res
			if err != nil {
				errs = append(errs, err)
			}
		})
	}
	p.Wait()
	return results, errors.Join(errs...)
}

// Status reports the cache state of one source.
func (r *Registry) Status(sourceID string) SourceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusOf(sourceID, r.entries[sourceID])
}

// Statuses reports every cached source, ordered by id.
func (r *Registry) Statuses() []SourceStatus {
	r.mu.RLock()
	out := make([]SourceStatus, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.statusOf(id, e))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Forget drops the entry of a source that no longer exists.
func (r *Registry) Forget(sourceID string) {
	r.mu.Lock()
	delete(r.entries, sourceID)
	r.mu.Unlock()
}

// Retain drops every entry whose source id is not in ids.
func (r *Registry) Retain(ids []string) {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	r.mu.Lock()
	for id := range r.entries {
		if !keep[id] {
			delete(r.entries, id)
			appLog.Info("sync cache entry dropped", "id", id)
		}
	}
	r.mu.Unlock()
}

// cached returns the cached result of src when no fetch is due. A
// configuration error recorded by the last cycle is returned again until the
// next cycle runs.
func (r *Registry) cached(src model.CalendarSource, from, to time.Time) (Result, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[src.ID]
	if r.needsFetch(e, src, from, to) {
		return Result{}, false, nil
	}
	res := r.resultOf(e)
	var cfgErr *model.ConfigError
	if errors.As(e.lastErr, &cfgErr) {
		return res, true, e.lastErr
	}
	return res, true, nil
}

// fetchOrCached runs inside the coalescing group. The cache is checked again
// because a cycle may have completed after the caller's first look.
func (r *Registry) fetchOrCached(ctx context.Context, src model.CalendarSource, from, to time.Time, force bool) (Result, error) {
	if !force {
		if res, ok, err := r.cached(src, from, to); ok {
			return res, err
		}
	}
	return r.cycle(ctx, src, r.fetchWindow(src, from, to))
}

func (r *Registry) needsFetch(e *entry, src model.CalendarSource, from, to time.Time) bool {
	if e == nil || !sameSource(e.source, src) {
		return true
	}
	if r.now().Sub(e.lastFetched) >= r.interval {
		return true
	}
	// A failed fetch waits for the interval like a successful one.
	if e.lastErr != nil || from.IsZero() || to.IsZero() {
		return false
	}
	return src.Kind == model.KindCalendarAPI && !e.window.Covers(from, to)
}

// fetchWindow picks the range for range-queried sources: the requested range
// widened to include the current week, so a "this week" view and a browsed
// week share one cache entry.
func (r *Registry) fetchWindow(src model.CalendarSource, from, to time.Time) feed.Window {
	if src.Kind != model.KindCalendarAPI || from.IsZero() || to.IsZero() {
		return feed.Window{}
	}
	now := r.now()
	w := feed.Window{From: now.AddDate(0, 0, -7), To: now.AddDate(0, 0, 14)}
	if from.Before(w.From) {
		w.From = from
	}
	if to.After(w.To) {
		w.To = to
	}
	return w
}

// cycle performs fetch, parse and normalize for one source and replaces its
// entry. It runs detached from the caller's cancellation so callers that
// stop waiting do not abort the shared fetch.
func (r *Registry) cycle(parent context.Context, src model.CalendarSource, w feed.Window) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	defer cancel()

	started := r.now()
	payload, err := r.fetcher.Fetch(ctx, src, w)
	var events []model.Event
	if err == nil {
		events, err = normalize.Payload(payload, r.loc)
	}

	now := r.now()
	r.mu.Lock()
	prev := r.entries[src.ID]
	next := &entry{source: src, lastFetched: now}
	if prev != nil && sameSource(prev.source, src) {
		next.events = prev.events
		next.window = prev.window
		next.lastSuccess = prev.lastSuccess
	}
	if err != nil {
		next.lastErr = err
	} else {
		next.events = normalize.MergeByID(next.events, events, payload.Window)
		next.window = mergeWindow(next.window, payload.Window)
		next.lastSuccess = now
	}
	r.entries[src.ID] = next
	res := r.resultOf(next)
	r.mu.Unlock()

	if err != nil {
		appLog.Error("sync failed; keeping previous events", err,
			"id", src.ID,
			"reason", feed.ReasonOf(err),
			"cached", len(next.events),
		)
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			return res, err
		}
		return res, nil
	}

	appLog.Info("sync complete",
		"id", src.ID,
		"events", len(next.events),
		"window", next.window.String(),
		"took", now.Sub(started).String(),
	)
	if r.onUpdate != nil {
		r.onUpdate(src.ID, slices.Clone(next.events))
	}
	return res, nil
}

// resultOf must be called with r.mu held or with an entry no longer
// reachable from the map.
func (r *Registry) resultOf(e *entry) Result {
	if e == nil {
		return Result{Status: StatusUninitialized}
	}
	return Result{
		Events:    slices.Clone(e.events),
		Status:    r.stateOf(e),
		FetchedAt: e.lastFetched,
		Err:       e.lastErr,
	}
}

func (r *Registry) statusOf(id string, e *entry) SourceStatus {
	st := SourceStatus{SourceID: id, Status: r.stateOf(e)}
	if e == nil {
		return st
	}
	st.LastFetchedAt = e.lastFetched
	st.LastSuccessAt = e.lastSuccess
	st.EventCount = len(e.events)
	st.Window = e.window
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (r *Registry) stateOf(e *entry) Status {
	switch {
	case e == nil:
		return StatusUninitialized
	case e.lastErr != nil:
		return StatusError
	case r.now().Sub(e.lastFetched) >= r.interval:
		return StatusStale
	default:
		return StatusFresh
	}
}

// sameSource reports whether cached events of a still belong to b. A source
// whose address changed starts over.
func sameSource(a, b model.CalendarSource) bool {
	return a.Kind == b.Kind && a.URL == b.URL && a.CredentialRef == b.CredentialRef
}

// mergeWindow returns the range covered after merging a fetch of next into
// events covering prev.
func mergeWindow(prev, next feed.Window) feed.Window {
	if !next.Bounded() || !prev.Bounded() {
		return next
	}
	if next.From.After(prev.To) || prev.From.After(next.To) {
		return next
	}
	out := next
	if prev.From.Before(out.From) {
		out.From = prev.From
	}
	if prev.To.After(out.To) {
		out.To = prev.To
	}
	return out
}
