package model

import (
	"fmt"
	"time"
)

// SourceKind identifies how a calendar source is reached.
type SourceKind string

const (
	KindICal        SourceKind = "ical"
	KindCalendarAPI SourceKind = "calendar-api"
)

// CalendarSource is a configured external calendar. It is owned by the
// settings store; the sync engine only reads it.
type CalendarSource struct {
	ID   string
	Name string
	Kind SourceKind

	// URL is the feed address for ical sources and the provider calendar id
	// for calendar-api sources.
	URL string

	// CredentialRef names the credential the auth layer resolves for
	// calendar-api sources.
	CredentialRef string

	Enabled bool
}

// Validate reports configuration problems that prevent any fetch.
func (s CalendarSource) Validate() error {
	if s.ID == "" {
		return &ConfigError{SourceID: s.ID, Reason: "source has no id"}
	}
	switch s.Kind {
	case KindICal:
		if s.URL == "" {
			return &ConfigError{SourceID: s.ID, Reason: "ical source has no feed URL"}
		}
	case KindCalendarAPI:
		if s.CredentialRef == "" {
			return &ConfigError{SourceID: s.ID, Reason: "calendar-api source has no credential"}
		}
	default:
		return &ConfigError{SourceID: s.ID, Reason: fmt.Sprintf("unknown source kind %q", s.Kind)}
	}
	return nil
}

// ConfigError means a source cannot be used until the user fixes its setup.
type ConfigError struct {
	SourceID string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.SourceID == "" {
		return "config: " + e.Reason
	}
	return "config: source " + e.SourceID + ": " + e.Reason
}

// Event is the canonical, provider-independent calendar event.
//
// Timed events hold absolute instants in Start/End. All-day events hold a
// single calendar date as UTC midnight in Start, and End equals Start.
type Event struct {
	ID       string `json:"id"`            // unique within one source's event set
	UID      string `json:"uid,omitempty"` // provider UID, empty when the provider had none
	SourceID string `json:"source_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	AllDay bool      `json:"all_day"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	// Recurrence data as supplied by the feed; expanded per week by the
	// merge layer.
	RRule        string      `json:"rrule,omitempty"`
	ExDates      []time.Time `json:"exdates,omitempty"`
	RecurrenceID *time.Time  `json:"recurrence_id,omitempty"`
}

// Date returns the calendar date of an all-day event.
func (e Event) Date() (int, time.Month, int) {
	return e.Start.UTC().Date()
}

// IsOverride reports whether the event replaces one instance of a
// recurring series.
func (e Event) IsOverride() bool {
	return e.RecurrenceID != nil
}

// DayOf returns the local calendar day on which ev starts, as UTC midnight.
// All-day events keep their stored date regardless of loc.
func DayOf(ev Event, loc *time.Location) time.Time {
	if ev.AllDay {
		y, m, d := ev.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	y, m, d := ev.Start.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
