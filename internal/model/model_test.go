package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := CalendarSource{ID: "home", Kind: KindICal, URL: "webcal://example.com/cal.ics", Enabled: true}
	assert.NoError(t, ok.Validate())

	api := CalendarSource{ID: "work", Kind: KindCalendarAPI, URL: "primary", CredentialRef: "WORK_TOKEN"}
	assert.NoError(t, api.Validate())

	for _, src := range []CalendarSource{
		{ID: "empty", Kind: KindICal},
		{ID: "nocred", Kind: KindCalendarAPI},
		{ID: "odd", Kind: "caldav", URL: "https://example.com"},
		{Kind: KindICal, URL: "https://example.com"},
	} {
		err := src.Validate()
		require.Error(t, err, src.ID)
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr), src.ID)
	}
}

func TestDayOf(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:30 UTC on the 16th is still the 15th in New York.
	timed := Event{Start: time.Date(2025, 1, 16, 3, 30, 0, 0, time.UTC)}
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), DayOf(timed, ny))
	assert.Equal(t, time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC), DayOf(timed, time.UTC))

	allDay := Event{AllDay: true, Start: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, DayOf(allDay, ny), DayOf(allDay, tokyo))
}
