// Package normalize turns provider-specific records (iCal VEVENTs and
// calendar API events) into model.Event values.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"weekcal/internal/feed"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

// DefaultTitle is shown for events that carry no summary.
const DefaultTitle = "No Title"

const (
	layoutDate      = "20060102"
	layoutLocal     = "20060102T150405"
	layoutUTC       = "20060102T150405Z"
	layoutLocalNoS  = "20060102T1504"
	layoutUTCNoS    = "20060102T1504Z"
	layoutAPIDate   = "2006-01-02"
	hashIDNamespace = "weekcal:event"
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(hashIDNamespace))

// Payload dispatches p to the parser/normalizer for its provider shape.
// loc is the viewer's timezone, used for date-times without a zone.
func Payload(p feed.Payload, loc *time.Location) ([]model.Event, error) {
	switch p.Kind {
	case feed.PayloadICal:
		records, err := ics.Parse(p.Text)
		if err != nil {
			return nil, err
		}
		return Records(records, p.SourceID, loc), nil
	case feed.PayloadAPI:
		return APIEvents(p.Events, p.SourceID, loc), nil
	default:
		return nil, fmt.Errorf("normalize: unknown payload kind %q", p.Kind)
	}
}

// Records converts parsed VEVENTs into events. Records whose dates cannot be
// interpreted are skipped. Duplicate ids keep the last record.
func Records(records []ics.Record, sourceID string, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.Local
	}
	out := make([]model.Event, 0, len(records))
	for _, rec := range records {
		ev, err := fromRecord(rec, sourceID, loc)
		if err != nil {
			appLog.Debug("normalize: ical record skipped", "source", sourceID, "uid", rec.UID, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return Dedupe(out)
}

func fromRecord(rec ics.Record, sourceID string, loc *time.Location) (model.Event, error) {
	start, allDay, err := ParseDateValue(rec.Start, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("DTSTART: %w", err)
	}

	ev := model.Event{
		UID:         rec.UID,
		SourceID:    sourceID,
		Title:       titleOr(rec.Summary),
		Description: rec.Description,
		Location:    strings.TrimSpace(rec.Location),
		AllDay:      allDay,
		Start:       start,
		RRule:       rec.RRule,
	}

	switch {
	case allDay:
		ev.End = start
	case rec.End.Value != "":
		end, _, err := ParseDateValue(rec.End, loc)
		if err != nil {
			end = start
		}
		ev.End = end
	case rec.Duration != "":
		d, err := ParseDuration(rec.Duration)
		if err != nil {
			d = 0
		}
		ev.End = start.Add(d)
	default:
		ev.End = start
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	for _, ex := range rec.ExDates {
		if t, _, err := ParseDateValue(ex, loc); err == nil {
			ev.ExDates = append(ev.ExDates, t)
		}
	}
	if rec.RecurrenceID != nil {
		if t, _, err := ParseDateValue(*rec.RecurrenceID, loc); err == nil {
			ev.RecurrenceID = &t
		}
	}

	ev.ID = eventID(ev)
	return ev, nil
}

// APIEvents converts calendar API events. start.date marks an all-day
// event, start.dateTime a timed one.
func APIEvents(events []feed.APIEvent, sourceID string, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.Local
	}
	out := make([]model.Event, 0, len(events))
	for _, item := range events {
		ev, err := fromAPI(item, sourceID, loc)
		if err != nil {
			appLog.Debug("normalize: api event skipped", "source", sourceID, "id", item.ID, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return Dedupe(out)
}

func fromAPI(item feed.APIEvent, sourceID string, loc *time.Location) (model.Event, error) {
	ev := model.Event{
		UID:         item.ID,
		SourceID:    sourceID,
		Title:       titleOr(item.Summary),
		Description: item.Description,
		Location:    strings.TrimSpace(item.Location),
	}

	switch {
	case item.Start.DateTime != "":
		start, err := parseAPIDateTime(item.Start, loc)
		if err != nil {
			return ev, fmt.Errorf("start.dateTime: %w", err)
		}
		ev.Start = start
		ev.End = start
		if item.End.DateTime != "" {
			if end, err := parseAPIDateTime(item.End, loc); err == nil {
				ev.End = end
			}
		}
	case item.Start.Date != "":
		d, err := time.ParseInLocation(layoutAPIDate, item.Start.Date, time.UTC)
		if err != nil {
			return ev, fmt.Errorf("start.date: %w", err)
		}
		ev.AllDay = true
		ev.Start = d
		ev.End = d
	default:
		return ev, errors.New("event has no start")
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	ev.ID = eventID(ev)
	return ev, nil
}

// parseAPIDateTime reads an RFC 3339 dateTime. Values without an offset are
// local to the item's timeZone, or loc when that is missing or unknown.
func parseAPIDateTime(d feed.APIDate, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, d.DateTime); err == nil {
		return t.UTC(), nil
	}
	zone := loc
	if d.TimeZone != "" {
		if z, err := time.LoadLocation(d.TimeZone); err == nil {
			zone = z
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", d.DateTime, zone)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ParseDateValue interprets an iCal date or date-time.
//
//   - "20250115" is an all-day date, returned as UTC midnight.
//   - "20250115T140000Z" is a UTC instant.
//   - "20250115T140000" with TZID is local time in that zone; an unknown
//     zone falls back to loc.
//   - "20250115T140000" without TZID is local time in loc.
func ParseDateValue(v ics.DateValue, loc *time.Location) (time.Time, bool, error) {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return time.Time{}, false, errors.New("empty date value")
	}

	if v.IsDate() {
		t, err := time.ParseInLocation(layoutDate, s, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}

	if strings.HasSuffix(s, "Z") {
		t, err := time.Parse(layoutUTC, s)
		if err != nil {
			t, err = time.Parse(layoutUTCNoS, s)
		}
		return t, false, err
	}

	zone := loc
	if v.TZID != "" {
		if z, err := time.LoadLocation(v.TZID); err == nil {
			zone = z
		} else {
			appLog.Debug("normalize: unknown TZID, using viewer zone", "tzid", v.TZID)
		}
	}
	t, err := time.ParseInLocation(layoutLocal, s, zone)
	if err != nil {
		t, err = time.ParseInLocation(layoutLocalNoS, s, zone)
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// ParseDuration parses the RFC 5545 DURATION subset used by feeds:
// [+-]P[nW] or [+-]P[nD][T[nH][nM][nS]].
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var (
		total  time.Duration
		n      int
		digits bool
		inTime bool
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
			digits = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !digits {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, digits = 0, false
	}
	if digits {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return sign * total, nil
}

func titleOr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTitle
	}
	return s
}

// eventID uses the provider UID when present. Overrides of a recurring
// series get the UID plus their RECURRENCE-ID so they do not replace the
// series itself. Without a UID the id is a UUIDv5 of title, start and end.
func eventID(ev model.Event) string {
	if ev.UID != "" {
		if ev.RecurrenceID != nil {
			return ev.UID + "#" + ev.RecurrenceID.UTC().Format(layoutUTC)
		}
		return ev.UID
	}
	key := ev.Title + "\x00" + ev.Start.UTC().Format(time.RFC3339) + "\x00" + ev.End.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}
