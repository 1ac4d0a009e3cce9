package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	appLog "weekcal/internal/log"
	"weekcal/internal/merge"
	"weekcal/internal/model"
	"weekcal/internal/syncer"
)

const (
	dateLayout      = "2006-01-02"
	maxScheduleBody = 64 << 10
)

// weekResponse is the JSON response shape for /api/week.
type weekResponse struct {
	Start    string              `json:"start"`
	Timezone string              `json:"timezone"`
	Days     []dayDTO            `json:"days"`
	Sources  []merge.SourceState `json:"sources"`
	Warnings []string            `json:"warnings,omitempty"`
}

type dayDTO struct {
	Date    string              `json:"date"`
	Weekday string              `json:"weekday"`
	Items   []merge.DisplayItem `json:"items"`
}

type scheduleRequest struct {
	Items []string `json:"items"`
}

type syncResponse struct {
	Sources []syncer.SourceStatus `json:"sources"`
	Errors  []string              `json:"errors,omitempty"`
}

// handleWeek returns the merged week.
//
// GET /api/week?start=2025-01-13
//   - start: first day of the week; defaults to the current week.
func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start, err := s.weekParam(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start date, expected YYYY-MM-DD")
		return
	}

	sources, err := s.sources.Sources(ctx)
	if err != nil {
		appLog.Error("api week: failed to read sources", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendar sources")
		return
	}

	manual, err := s.schedule.Week(ctx, start)
	if err != nil {
		appLog.Error("api week: failed to read schedule", err, "start", start.Format(dateLayout))
		writeError(w, http.StatusInternalServerError, "failed to read schedule")
		return
	}

	week, err := s.merger.WeekView(ctx, start, sources, manual)
	resp := weekResponse{
		Start:    week.Start.Format(dateLayout),
		Timezone: s.loc.String(),
		Days:     make([]dayDTO, 0, 7),
		Sources:  week.Sources,
		Warnings: warnings(err),
	}
	for i := 0; i < 7; i++ {
		date := week.Start.AddDate(0, 0, i)
		resp.Days = append(resp.Days, dayDTO{
			Date:    date.Format(dateLayout),
			Weekday: date.Weekday().String(),
			Items:   week.Days[date.Weekday()],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetSchedule replaces one day's manual lines.
//
// PUT /api/schedule?week=2025-01-13&day=wednesday  {"items": ["Gym"]}
func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.ParseInLocation(dateLayout, q.Get("week"), s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid week, expected YYYY-MM-DD")
		return
	}
	day, err := parseWeekday(q.Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScheduleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.schedule.SetDay(r.Context(), start, day, req.Items); err != nil {
		appLog.Error("api schedule: save failed", err, "week", start.Format(dateLayout), "day", day.String())
		writeError(w, http.StatusInternalServerError, "failed to save schedule")
		return
	}

	week, err := s.schedule.Week(r.Context(), start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read schedule")
		return
	}
	items := week[day]
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, scheduleRequest{Items: items})
}

// handleSync forces a refresh of every enabled source, or of one source.
//
// POST /api/sync?source=home
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := s.sources.Sources(ctx)
	if err != nil {
		appLog.Error("api sync: failed to read sources", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendar sources")
		return
	}

	if id := r.URL.Query().Get("source"); id != "" {
		var picked []model.CalendarSource
		for _, src := range sources {
			if src.ID == id {
				picked = append(picked, src)
			}
		}
		if len(picked) == 0 {
			writeError(w, http.StatusNotFound, "unknown source "+strconv.Quote(id))
			return
		}
		sources = picked
	}

	appLog.Info("manual sync requested", "sources", len(sources))
	results, err := s.reg.Refresh(ctx, sources, true)

	resp := syncResponse{Sources: make([]syncer.SourceStatus, 0, len(results)), Errors: warnings(err)}
	for _, src := range sources {
		if _, ok := results[src.ID]; ok {
			resp.Sources = append(resp.Sources, s.reg.Status(src.ID))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports the cache state of every known source.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, syncResponse{Sources: s.reg.Statuses()})
}

// weekParam parses the start query parameter, defaulting to the current
// week in the viewer timezone.
func (s *Server) weekParam(v string) (time.Time, error) {
	if v == "" {
		return merge.WeekStart(s.now().In(s.loc), s.first), nil
	}
	return time.ParseInLocation(dateLayout, v, s.loc)
}

func parseWeekday(v string) (time.Weekday, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || (len(v) >= 3 && strings.HasPrefix(name, v)) {
			return d, nil
		}
	}
	return 0, errors.New("invalid day, expected a weekday name or 0-6")
}

// warnings flattens a joined error into messages for the UI.
func warnings(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
