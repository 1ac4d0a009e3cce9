package ics

import (
	"errors"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "weekcal/internal/log"
)

// ErrEmptyFeed is returned when the payload contains no text at all.
var ErrEmptyFeed = errors.New("ics: empty feed")

// DateValue is a DTSTART/DTEND/EXDATE/RECURRENCE-ID value exactly as it
// appeared in the feed, together with the parameters needed to interpret it.
type DateValue struct {
	Value string // e.g. "20250115" or "20250115T140000Z"
	TZID  string // TZID parameter, if any
}

// IsDate reports whether v is a bare calendar date (no time component).
// The VALUE=DATE parameter is not consulted; only the shape of the value is.
func (v DateValue) IsDate() bool {
	return v.Value != "" && !strings.Contains(v.Value, "T")
}

// Record is one VEVENT with its fields extracted but not yet interpreted.
type Record struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start    DateValue
	End      DateValue // zero when DTEND is absent
	Duration string    // DURATION, used when DTEND is absent

	RRule        string
	ExDates      []DateValue
	RecurrenceID *DateValue
}

// Parse extracts every VEVENT from an iCalendar document in feed order.
//
// Events without UID or DTSTART are skipped. When the document as a whole
// cannot be parsed, each BEGIN:VEVENT..END:VEVENT span is parsed on its own
// so one broken block does not hide the rest of the feed.
func Parse(text string) ([]Record, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyFeed
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err == nil && (len(cal.Events()) > 0 || !strings.Contains(text, "BEGIN:VEVENT")) {
		return collect(cal.Events()), nil
	}
	if err != nil {
		appLog.Warn("ics document rejected; parsing events one by one", "err", err)
	}

	records := make([]Record, 0)
	spans := eventSpans(Unfold(text))
	for i, span := range spans {
		c, perr := ical.ParseCalendar(strings.NewReader(wrapEvent(span)))
		if perr != nil {
			appLog.Debug("ics vevent skipped", "index", i, "err", perr)
			continue
		}
		records = append(records, collect(c.Events())...)
	}
	return records, nil
}

func collect(events []*ical.VEvent) []Record {
	out := make([]Record, 0, len(events))
	skipped := 0
	for _, ve := range events {
		rec, ok := recordFrom(ve)
		if !ok {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	if skipped > 0 {
		appLog.Debug("ics events without UID or DTSTART skipped", "count", skipped)
	}
	return out
}

// recordFrom copies TEXT values as the library decoded them.
func recordFrom(ve *ical.VEvent) (Record, bool) {
	var rec Record

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return rec, false
	}
	rec.UID = strings.TrimSpace(uid.Value)

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil || strings.TrimSpace(start.Value) == "" {
		return rec, false
	}
	rec.Start = dateValue(start)

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		rec.End = dateValue(p)
	}
	if p := ve.GetProperty("DURATION"); p != nil {
		rec.Duration = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		rec.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		rec.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		rec.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rec.RRule = strings.TrimSpace(p.Value)
	}

	// EXDATE can appear several times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := param(p, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			rec.ExDates = append(rec.ExDates, DateValue{Value: part, TZID: tzid})
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil && strings.TrimSpace(p.Value) != "" {
		rid := dateValue(p)
		rec.RecurrenceID = &rid
	}

	return rec, true
}

func dateValue(p *ical.IANAProperty) DateValue {
	return DateValue{
		Value: strings.TrimSpace(p.Value),
		TZID:  param(p, "TZID"),
	}
}

func param(p *ical.IANAProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	vs, ok := p.ICalParameters[name]
	if !ok || len(vs) == 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(vs[0]), `"`)
}
