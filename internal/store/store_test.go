package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetDayAndWeek(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetDay(ctx, monday, time.Wednesday, []string{"Call mom", " ", "Gym "}))
	require.NoError(t, s.SetDay(ctx, monday, time.Monday, []string{"Plan week"}))
	require.NoError(t, s.SetDay(ctx, monday.AddDate(0, 0, 7), time.Monday, []string{"Other week"}))

	week, err := s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, map[time.Weekday][]string{
		time.Monday:    {"Plan week"},
		time.Wednesday: {"Call mom", "Gym"},
	}, week)
}

func TestSetDayReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetDay(ctx, monday, time.Friday, []string{"a", "b", "c"}))
	require.NoError(t, s.SetDay(ctx, monday, time.Friday, []string{"c", "a"}))
	week, err := s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, week[time.Friday])

	require.NoError(t, s.SetDay(ctx, monday, time.Friday, nil))
	week, err = s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Empty(t, week)
}

func TestWeekKeyUsesCalendarDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	require.NoError(t, s.SetDay(ctx, time.Date(2025, 1, 13, 0, 0, 0, 0, tokyo), time.Monday, []string{"x"}))
	week, err := s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, week[time.Monday])
}

func TestClearWeek(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetDay(ctx, monday, time.Monday, []string{"x"}))
	require.NoError(t, s.ClearWeek(ctx, monday))
	week, err := s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Empty(t, week)
}

func TestInvalidWeekday(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SetDay(context.Background(), monday, time.Weekday(9), []string{"x"}))
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "weekcal.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.SetDay(ctx, monday, time.Sunday, []string{"Rest"}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	week, err := s.Week(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rest"}, week[time.Sunday])
}
