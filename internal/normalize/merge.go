package normalize

import (
	"weekcal/internal/feed"
	"weekcal/internal/model"
)

// Dedupe keeps one event per id. A later event replaces an earlier one
// with the same id but keeps the earlier one's position.
func Dedupe(events []model.Event) []model.Event {
	index := make(map[string]int, len(events))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if i, ok := index[ev.ID]; ok {
			out[i] = ev
			continue
		}
		index[ev.ID] = len(out)
		out = append(out, ev)
	}
	return out
}

// MergeByID folds a new fetch into the previously cached events.
//
// A full snapshot (unbounded window) replaces prev entirely. For a bounded
// range query, cached events starting outside the window are kept, because
// the new fetch says nothing about them; everything inside comes from next.
// Ids present in both resolve to next (last write wins).
func MergeByID(prev, next []model.Event, w feed.Window) []model.Event {
	if !w.Bounded() {
		return Dedupe(next)
	}
	merged := make([]model.Event, 0, len(prev)+len(next))
	for _, ev := range prev {
		if !w.Contains(ev.Start) {
			merged = append(merged, ev)
		}
	}
	merged = append(merged, next...)
	return Dedupe(merged)
}
