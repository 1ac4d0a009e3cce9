package merge

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// expandConfig controls how recurrence expansion is performed.
type expandConfig struct {
	// Location is the zone recurrence rules of timed events are evaluated
	// in, so a weekly 09:00 meeting stays at 09:00 across DST changes.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps one series. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// expandOccurrences turns events into the concrete instances that can
// appear inside the configured range. It handles:
//
//   - single events, passed through unchanged
//   - RRULE series, expanded with EXDATEs removed
//   - RECURRENCE-ID overrides, which replace the instance they name
//
// Events that fail to expand are passed through as single events.
func expandOccurrences(events []model.Event, cfg expandConfig) ([]model.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Instances replaced by an override, per series UID.
	overridden := make(map[string]map[int64]bool)
	for _, ev := range events {
		if !ev.IsOverride() || ev.UID == "" {
			continue
		}
		if overridden[ev.UID] == nil {
			overridden[ev.UID] = make(map[int64]bool)
		}
		overridden[ev.UID][ev.RecurrenceID.Unix()] = true
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" || ev.IsOverride() {
			out = append(out, ev)
			continue
		}
		occ, hitCap := expandSeries(ev, overridden[ev.UID], cfg)
		if hitCap {
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}
	return out, nil
}

func expandSeries(ev model.Event, skip map[int64]bool, cfg expandConfig) ([]model.Event, bool) {
	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return []model.Event{ev}, false
	}

	// All-day dates are stored as UTC midnight and recur in UTC.
	dtstart := ev.Start
	if !ev.AllDay {
		dtstart = ev.Start.In(cfg.Location)
	}
	opt.Dtstart = dtstart

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return []model.Event{ev}, false
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(dtstart.Location()))
	}

	// Between is inclusive; drop an instance sitting exactly on RangeEnd.
	times := set.Between(cfg.RangeStart.In(dtstart.Location()), cfg.RangeEnd.In(dtstart.Location()), true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.Event, 0, len(times))
	for _, start := range times {
		if !start.Before(cfg.RangeEnd) || skip[start.Unix()] {
			continue
		}
		occ := ev
		occ.ID = ev.ID + "@" + start.UTC().Format("20060102T150405Z")
		occ.RRule = ""
		occ.ExDates = nil
		if ev.AllDay {
			y, m, d := start.Date()
			occ.Start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
			occ.End = occ.Start
		} else {
			occ.Start = start.UTC()
			occ.End = occ.Start.Add(dur)
		}
		out = append(out, occ)
	}
	return out, hitCap
}
