// Package store persists the user's manual schedule lines in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	appLog "weekcal/internal/log"
)

const (
	currentVersion = 1
	dateLayout     = "2006-01-02"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps ":memory:" databases alive across queries.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	appLog.Debug("schedule store opened", "path", dbPath)
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		const ddl = `
		CREATE TABLE IF NOT EXISTS schedule_lines (
			week_start  TEXT    NOT NULL,
			weekday     INTEGER NOT NULL,
			position    INTEGER NOT NULL,
			text        TEXT    NOT NULL,
			updated_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
			PRIMARY KEY (week_start, weekday, position)
		);`
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

// Week returns the manual lines of the week starting on weekStart's
// calendar date, keyed by weekday in their stored order.
func (s *Store) Week(ctx context.Context, weekStart time.Time) (map[time.Weekday][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT weekday, text FROM schedule_lines WHERE week_start = ? ORDER BY weekday, position`,
		weekKey(weekStart))
	if err != nil {
		return nil, fmt.Errorf("query week: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Weekday][]string)
	for rows.Next() {
		var (
			wd   int
			text string
		)
		if err := rows.Scan(&wd, &text); err != nil {
			return nil, fmt.Errorf("scan schedule line: %w", err)
		}
		out[time.Weekday(wd)] = append(out[time.Weekday(wd)], text)
	}
	return out, rows.Err()
}

// SetDay replaces the lines of one day. Blank lines are dropped; an empty
// list clears the day.
func (s *Store) SetDay(ctx context.Context, weekStart time.Time, day time.Weekday, lines []string) error {
	if day < time.Sunday || day > time.Saturday {
		return fmt.Errorf("invalid weekday %d", day)
	}
	key := weekKey(weekStart)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedule_lines WHERE week_start = ? AND weekday = ?`, key, int(day)); err != nil {
		return fmt.Errorf("clear day: %w", err)
	}
	pos := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_lines (week_start, weekday, position, text) VALUES (?, ?, ?, ?)`,
			key, int(day), pos, line); err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
		pos++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	appLog.Debug("schedule day saved", "week", key, "day", day.String(), "lines", pos)
	return nil
}

// ClearWeek removes every line of a week.
func (s *Store) ClearWeek(ctx context.Context, weekStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_lines WHERE week_start = ?`, weekKey(weekStart))
	if err != nil {
		return fmt.Errorf("clear week: %w", err)
	}
	return nil
}

func weekKey(t time.Time) string {
	return t.Format(dateLayout)
}
