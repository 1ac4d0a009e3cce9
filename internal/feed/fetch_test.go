package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekcal/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:1\r\nDTSTART:20250115T140000Z\r\nSUMMARY:Team Sync\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func icalSource(url string) model.CalendarSource {
	return model.CalendarSource{ID: "home", Kind: model.KindICal, URL: url, Enabled: true}
}

func TestNormalizeFeedURL(t *testing.T) {
	cases := map[string]string{
		"webcal://example.com/cal.ics":           "https://example.com/cal.ics",
		"WEBCAL://example.com/cal.ics?token=abc": "https://example.com/cal.ics?token=abc",
		"webcals://example.com/cal.ics":          "https://example.com/cal.ics",
		"https://example.com/cal.ics":            "https://example.com/cal.ics",
		"  http://example.com/cal.ics ":          "http://example.com/cal.ics",
	}
	for in, want := range cases {
		got, err := NormalizeFeedURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://example.com/cal.ics", "webcal://", "not a url"} {
		_, err := NormalizeFeedURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestRelayURL(t *testing.T) {
	target := "https://example.com/cal.ics?a=1"
	assert.Equal(t, "https://relay.example/raw?url=https%3A%2F%2Fexample.com%2Fcal.ics%3Fa%3D1",
		RelayURL("https://relay.example/raw?url={url}", target))
	assert.Equal(t, "https://corsproxy.example/?https%3A%2F%2Fexample.com%2Fcal.ics%3Fa%3D1",
		RelayURL("https://corsproxy.example/?", target))
	assert.Equal(t, target, RelayURL(DirectRelay, target))
}

func TestFetchWebcalGoesThroughRelayAsHTTPS(t *testing.T) {
	var requested atomic.Value
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Store(r.URL.Query().Get("url"))
		assert.Contains(t, r.Header.Get("Accept"), "text/calendar")
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer relay.Close()

	f := New(Options{Relays: []string{relay.URL + "/raw?url={url}"}})
	p, err := f.Fetch(context.Background(), icalSource("webcal://example.com/cal.ics"), Window{})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/cal.ics", requested.Load())
	assert.Equal(t, PayloadICal, p.Kind)
	assert.Equal(t, "home", p.SourceID)
	assert.Equal(t, sampleICS, p.Text)
	assert.False(t, p.Window.Bounded())
	assert.False(t, p.FetchedAt.IsZero())
}

func TestFetchFallsBackToNextRelay(t *testing.T) {
	var badHits, goodHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer good.Close()

	f := New(Options{Relays: []string{bad.URL + "/?url={url}", good.URL + "/?url={url}"}})
	p, err := f.Fetch(context.Background(), icalSource("https://example.com/cal.ics"), Window{})
	require.NoError(t, err)
	assert.Equal(t, sampleICS, p.Text)
	assert.EqualValues(t, 1, atomic.LoadInt32(&badHits))
	assert.EqualValues(t, 1, atomic.LoadInt32(&goodHits))
}

func TestFetchRelayHTMLIsCORSFailure(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Access denied</body></html>"))
	}))
	defer relay.Close()

	f := New(Options{Relays: []string{relay.URL + "/?url={url}"}})
	_, err := f.Fetch(context.Background(), icalSource("https://example.com/cal.ics"), Window{})
	require.Error(t, err)
	assert.Equal(t, ReasonCORS, ReasonOf(err))
}

func TestFetchDirectHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(Options{})
	_, err := f.Fetch(context.Background(), icalSource(srv.URL+"/cal.ics"), Window{})
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ReasonHTTPStatus, fe.Reason)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, "home", fe.SourceID)
}

func TestFetchTimeoutIsNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Options{Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), icalSource(srv.URL+"/cal.ics"), Window{})
	require.Error(t, err)
	assert.Equal(t, ReasonNetwork, ReasonOf(err))
}

func TestFetchEmptyURLIsConfigError(t *testing.T) {
	f := New(Options{})
	_, err := f.Fetch(context.Background(), icalSource(""), Window{})
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, Reason(""), ReasonOf(err))
}

type staticCreds map[string]string

func (c staticCreds) Token(_ context.Context, src model.CalendarSource) (string, error) {
	tok, ok := c[src.CredentialRef]
	if !ok {
		return "", &model.ConfigError{SourceID: src.ID, Reason: "missing token"}
	}
	return tok, nil
}

func apiSource() model.CalendarSource {
	return model.CalendarSource{ID: "work", Kind: model.KindCalendarAPI, URL: "primary", CredentialRef: "WORK", Enabled: true}
}

func TestFetchCalendarAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "2025-01-13T00:00:00Z", q.Get("timeMin"))
		assert.Equal(t, "2025-01-20T00:00:00Z", q.Get("timeMax"))
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "startTime", q.Get("orderBy"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"evt-1","summary":"Dinner","location":"Home","status":"confirmed",
			 "start":{"dateTime":"2025-01-15T18:00:00-07:00"},"end":{"dateTime":"2025-01-15T19:30:00-07:00"}},
			{"id":"evt-2","summary":"Holiday","status":"confirmed",
			 "start":{"date":"2025-01-17"},"end":{"date":"2025-01-18"}},
			{"id":"evt-3","summary":"Gone","status":"cancelled",
			 "start":{"date":"2025-01-18"},"end":{"date":"2025-01-19"}}
		]}`))
	}))
	defer srv.Close()

	f := New(Options{APIEndpoint: srv.URL + "/", Credentials: staticCreds{"WORK": "tok-123"}})
	w := Window{
		From: time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
	}
	p, err := f.Fetch(context.Background(), apiSource(), w)
	require.NoError(t, err)

	assert.Equal(t, PayloadAPI, p.Kind)
	assert.Equal(t, w, p.Window)
	require.Len(t, p.Events, 2)
	assert.Equal(t, "evt-1", p.Events[0].ID)
	assert.Equal(t, "2025-01-15T18:00:00-07:00", p.Events[0].Start.DateTime)
	assert.Equal(t, "Home", p.Events[0].Location)
	assert.Equal(t, "2025-01-17", p.Events[1].Start.Date)
	assert.Empty(t, p.Events[1].Start.DateTime)
}

func TestFetchCalendarAPIRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer srv.Close()

	f := New(Options{APIEndpoint: srv.URL + "/", Credentials: staticCreds{"WORK": "expired"}})
	_, err := f.Fetch(context.Background(), apiSource(), Window{})
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ReasonAuth, fe.Reason)
	assert.Equal(t, http.StatusUnauthorized, fe.StatusCode)
}

func TestFetchCalendarAPIMissingCredential(t *testing.T) {
	f := New(Options{Credentials: staticCreds{}})
	_, err := f.Fetch(context.Background(), apiSource(), Window{})
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://p12-caldav.icloud.com/...(redacted)",
		RedactURL("https://p12-caldav.icloud.com/published/2/secret?token=abc"))
	assert.Equal(t, "ics://...(redacted)", RedactURL("garbage"))
}

func TestWindow(t *testing.T) {
	from := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	w := Window{From: from, To: from.AddDate(0, 0, 7)}
	assert.True(t, w.Covers(from, from.AddDate(0, 0, 7)))
	assert.False(t, w.Covers(from.AddDate(0, 0, 1), from.AddDate(0, 0, 8)))
	assert.True(t, w.Contains(from))
	assert.False(t, w.Contains(from.AddDate(0, 0, 7)))
	assert.True(t, Window{}.Covers(from, from.AddDate(1, 0, 0)))
}
