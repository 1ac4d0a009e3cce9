package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekcal/internal/config"
	"weekcal/internal/feed"
	"weekcal/internal/model"
	"weekcal/internal/store"
	"weekcal/internal/syncer"
)

const feedText = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\nUID:dentist\r\nDTSTART:20250115T160000Z\r\nDTEND:20250115T170000Z\r\nSUMMARY:Dentist\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:holiday\r\nDTSTART;VALUE=DATE:20250117\r\nSUMMARY:Holiday\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(_ context.Context, src model.CalendarSource, _ feed.Window) (feed.Payload, error) {
	f.calls.Add(1)
	return feed.Payload{Kind: feed.PayloadICal, SourceID: src.ID, Text: feedText}, nil
}

type staticSources []model.CalendarSource

func (s staticSources) Sources(context.Context) ([]model.CalendarSource, error) {
	return s, nil
}

type testEnv struct {
	srv     *Server
	fetcher *countingFetcher
	store   *store.Store
}

func newEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &countingFetcher{}
	now := func() time.Time { return time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC) }
	reg := syncer.New(f, syncer.Options{Location: time.UTC, Now: now})
	srv := NewServer(Deps{
		Config:   cfg,
		Sources:  staticSources{{ID: "home", Kind: model.KindICal, URL: "https://example.com/cal.ics", Enabled: true}},
		Registry: reg,
		Schedule: st,
		Now:      now,
	})
	return &testEnv{srv: srv, fetcher: f, store: st}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeWeek(t *testing.T, rec *httptest.ResponseRecorder) weekResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp weekResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func itemTexts(d dayDTO) []string {
	out := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		out = append(out, it.Text)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestWeekMergesCalendarAndSchedule(t *testing.T) {
	env := newEnv(t, nil)
	monday := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.store.SetDay(context.Background(), monday, time.Wednesday, []string{"Gym"}))

	resp := decodeWeek(t, env.do(t, http.MethodGet, "/api/week?start=2025-01-13", ""))
	assert.Equal(t, "2025-01-13", resp.Start)
	assert.Equal(t, "UTC", resp.Timezone)
	require.Len(t, resp.Days, 7)
	assert.Equal(t, "Monday", resp.Days[0].Weekday)
	assert.Equal(t, "2025-01-15", resp.Days[2].Date)
	assert.Equal(t, []string{"Dentist", "Gym"}, itemTexts(resp.Days[2]))
	assert.Equal(t, "[Calendar] Dentist (16:00 - 17:00)", resp.Days[2].Items[0].Label)
	assert.Equal(t, []string{"Holiday"}, itemTexts(resp.Days[4]))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, syncer.StatusFresh, resp.Sources[0].Status)

	// A second view is served from the cache.
	decodeWeek(t, env.do(t, http.MethodGet, "/api/week?start=2025-01-13", ""))
	assert.EqualValues(t, 1, env.fetcher.calls.Load())
}

func TestWeekDefaultsToCurrentWeek(t *testing.T) {
	env := newEnv(t, nil)
	resp := decodeWeek(t, env.do(t, http.MethodGet, "/api/week", ""))
	assert.Equal(t, "2025-01-13", resp.Start)

	env = newEnv(t, func(c *config.Config) { c.WeekStart = "sunday" })
	resp = decodeWeek(t, env.do(t, http.MethodGet, "/api/week", ""))
	assert.Equal(t, "2025-01-12", resp.Start)
}

func TestWeekRejectsBadDate(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/week?start=13/01/2025", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetScheduleThenRead(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/api/schedule?week=2025-01-13&day=fri", `{"items":["Pay rent"," ","Date night"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved scheduleRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, []string{"Pay rent", "Date night"}, saved.Items)

	resp := decodeWeek(t, env.do(t, http.MethodGet, "/api/week?start=2025-01-13", ""))
	assert.Equal(t, []string{"Holiday", "Pay rent", "Date night"}, itemTexts(resp.Days[4]))
}

func TestSetScheduleValidation(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/schedule?week=bad&day=1", `{"items":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/schedule?week=2025-01-13&day=funday", `{"items":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/schedule?week=2025-01-13&day=1", `{"lines":[]}`).Code)
}

func TestSyncForcesRefresh(t *testing.T) {
	env := newEnv(t, nil)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/sync", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.EqualValues(t, 2, env.fetcher.calls.Load())

	rec := env.do(t, http.MethodPost, "/api/sync?source=home", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "home", resp.Sources[0].SourceID)
	assert.Equal(t, 2, resp.Sources[0].EventCount)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/sync?source=nope", "").Code)
}

func TestStatus(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sources)

	env.do(t, http.MethodPost, "/api/sync", "")
	rec = env.do(t, http.MethodGet, "/api/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, syncer.StatusFresh, resp.Sources[0].Status)
}

func TestBasicAuth(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})
	h := env.srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseWeekday(t *testing.T) {
	cases := map[string]time.Weekday{
		"0": time.Sunday, "3": time.Wednesday, "monday": time.Monday, "Tue": time.Tuesday, "SATURDAY": time.Saturday,
	}
	for in, want := range cases {
		got, err := parseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "7", "mo", "funday"} {
		_, err := parseWeekday(bad)
		assert.Error(t, err, bad)
	}
}
