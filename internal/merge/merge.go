// Package merge builds the weekly view: calendar events of every enabled
// source bucketed by local day, next to the user's own schedule lines.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
	"weekcal/internal/syncer"
)

const maxParallelSources = 4

// EventSource is the part of *syncer.Registry the merge layer needs.
type EventSource interface {
	GetEventsCovering(ctx context.Context, src model.CalendarSource, from, to time.Time, force bool) (syncer.Result, error)
}

// ItemKind distinguishes calendar events from manual schedule lines.
type ItemKind string

const (
	ItemCalendar ItemKind = "calendar"
	ItemManual   ItemKind = "manual"
)

// DisplayItem is one line of a day.
type DisplayItem struct {
	Kind  ItemKind     `json:"kind"`
	Text  string       `json:"text"`
	Label string       `json:"label"`
	Event *model.Event `json:"event,omitempty"`
}

// SourceState tells the UI how fresh a source's contribution is.
type SourceState struct {
	SourceID  string        `json:"source_id"`
	Status    syncer.Status `json:"status"`
	FetchedAt time.Time     `json:"fetched_at"`
	Error     string        `json:"error,omitempty"`
}

// Week is the merged view of seven consecutive days. Days has an entry for
// every weekday, possibly empty.
type Week struct {
	Start   time.Time                      `json:"start"`
	Days    map[time.Weekday][]DisplayItem `json:"days"`
	Sources []SourceState                  `json:"sources"`
}

// Date returns the calendar date of weekday wd within the week.
func (w Week) Date(wd time.Weekday) time.Time {
	offset := (int(wd) - int(w.Start.Weekday()) + 7) % 7
	return w.Start.AddDate(0, 0, offset)
}

// Merger builds week views in one viewer timezone.
type Merger struct {
	events EventSource
	loc    *time.Location
}

// New creates a Merger. loc decides which local day a timed event falls on.
func New(events EventSource, loc *time.Location) *Merger {
	if loc == nil {
		loc = time.Local
	}
	return &Merger{events: events, loc: loc}
}

type sourceOut struct {
	index  int
	src    model.CalendarSource
	result syncer.Result
	err    error
}

// WeekView merges the events of every enabled source with manual lines for
// the seven days starting on weekStart's calendar date.
//
// Within a day, calendar items come first (all-day, then by start time),
// followed by the manual lines in their given order. Config problems of
// individual sources are joined into the returned error; the week is still
// filled from every other source.
func (m *Merger) WeekView(ctx context.Context, weekStart time.Time, sources []model.CalendarSource, manual map[time.Weekday][]string) (Week, error) {
	y, mo, d := weekStart.Date()
	first := time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
	firstDate := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	from, to := first, first.AddDate(0, 0, 7)

	p := pool.NewWithResults[sourceOut]().WithMaxGoroutines(maxParallelSources)
	for i, src := range sources {
		if !src.Enabled {
			continue
		}
		p.Go(func() sourceOut {
			// One day of slack on both sides catches all-day dates whose
			// UTC midnight lies outside the local week.
			res, err := m.events.GetEventsCovering(ctx, src, from.AddDate(0, 0, -1), to.AddDate(0, 0, 1), false)
			return sourceOut{index: i, src: src, result: res, err: err}
		})
	}
	outs := p.Wait()
	sort.Slice(outs, func(i, j int) bool { return outs[i].index < outs[j].index })

	week := Week{
		Start:   first,
		Days:    make(map[time.Weekday][]DisplayItem, 7),
		Sources: make([]SourceState, 0, len(outs)),
	}
	for i := 0; i < 7; i++ {
		week.Days[first.AddDate(0, 0, i).Weekday()] = []DisplayItem{}
	}

	var errs []error
	calendar := make(map[time.Weekday][]model.Event, 7)
	for _, out := range outs {
		state := SourceState{SourceID: out.src.ID, Status: out.result.Status, FetchedAt: out.result.FetchedAt}
		if out.result.Err != nil {
			state.Error = out.result.Err.Error()
		}
		week.Sources = append(week.Sources, state)
		if out.err != nil {
			errs = append(errs, out.err)
		}

		instances, err := expandOccurrences(out.result.Events, expandConfig{
			Location:   m.loc,
			RangeStart: from.AddDate(0, 0, -1),
			RangeEnd:   to.AddDate(0, 0, 1),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("merge: source %s: %w", out.src.ID, err))
			continue
		}
		for _, ev := range instances {
			day := model.DayOf(ev, m.loc)
			offset := int(day.Sub(firstDate) / (24 * time.Hour))
			if day.Before(firstDate) || offset >= 7 {
				continue
			}
			calendar[day.Weekday()] = append(calendar[day.Weekday()], ev)
		}
	}

	for wd, items := range week.Days {
		events := calendar[wd]
		sortEvents(events)
		for i := range events {
			ev := events[i]
			items = append(items, DisplayItem{
				Kind:  ItemCalendar,
				Text:  ev.Title,
				Label: Label(ev, m.loc),
				Event: &ev,
			})
		}
		for _, line := range manual[wd] {
			items = append(items, DisplayItem{Kind: ItemManual, Text: line, Label: line})
		}
		week.Days[wd] = items
	}

	appLog.Debug("week view built",
		"start", first.Format("2006-01-02"),
		"sources", len(outs),
		"config_errors", len(errs),
	)
	return week, errors.Join(errs...)
}

// sortEvents orders all-day events first, then by start, title and id.
func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.AllDay != b.AllDay {
			return a.AllDay
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}

// Label formats a calendar event for a planner line, e.g.
// "[Calendar] Dentist (09:00 - 10:00)" or "[Calendar] Holiday (All Day)".
func Label(ev model.Event, loc *time.Location) string {
	if ev.AllDay {
		return fmt.Sprintf("[Calendar] %s (All Day)", ev.Title)
	}
	return fmt.Sprintf("[Calendar] %s (%s - %s)", ev.Title,
		ev.Start.In(loc).Format("15:04"),
		ev.End.In(loc).Format("15:04"))
}

// WeekStart returns local midnight of the first day of the week that
// contains t, in t's location.
func WeekStart(t time.Time, first time.Weekday) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	back := (int(day.Weekday()) - int(first) + 7) % 7
	return day.AddDate(0, 0, -back)
}
