package feed

import (
	"fmt"
	"time"
)

// PayloadKind tags which provider shape a Payload carries.
type PayloadKind string

const (
	PayloadICal PayloadKind = "ical"
	PayloadAPI  PayloadKind = "api"
)

// Window is a half-open time range [From, To). The zero Window means the
// payload is a full snapshot of the source rather than a range query.
type Window struct {
	From time.Time
	To   time.Time
}

// Bounded reports whether w limits the covered range.
func (w Window) Bounded() bool {
	return !w.From.IsZero() || !w.To.IsZero()
}

// Covers reports whether w contains the whole of [from, to).
func (w Window) Covers(from, to time.Time) bool {
	if !w.Bounded() {
		return true
	}
	return !from.Before(w.From) && !to.After(w.To)
}

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	if !w.Bounded() {
		return true
	}
	return !t.Before(w.From) && t.Before(w.To)
}

func (w Window) String() string {
	if !w.Bounded() {
		return "all"
	}
	return fmt.Sprintf("%s/%s", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// APIDate is the start or end of a calendar API event. Exactly one of Date
// (all-day, "2006-01-02") or DateTime (RFC 3339) is set.
type APIDate struct {
	Date     string
	DateTime string
	TimeZone string
}

// APIEvent is a calendar API event reduced to the fields the normalizer uses.
type APIEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       APIDate
	End         APIDate
	Status      string
}

// Payload is the raw result of one fetch. Kind selects which of Text or
// Events is populated.
type Payload struct {
	Kind      PayloadKind
	SourceID  string
	FetchedAt time.Time
	Window    Window

	Text   string     // PayloadICal
	Events []APIEvent // PayloadAPI
}
