package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pixels (
	id            INTEGER PRIMARY KEY,
	x             INTEGER NOT NULL,
	y             INTEGER NOT NULL,
	color         TEXT    NOT NULL,
	modify_times  INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pixels_xy ON pixels (x, y);
`

const maxBusyRetries = 3

// SQLite stores the grid in a single SQLite table. Timestamps are kept as
// unix nanoseconds.
type SQLite struct {
	db   *sql.DB
	size int
	now  func() time.Time
}

// OpenSQLite opens (or creates) the database at path with WAL and a busy
// timeout applied. ":memory:" is pinned to one connection so every query
// sees the same database.
func OpenSQLite(path string, size int) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: sqlite %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}

	return &SQLite{db: db, size: size, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, x, y int) (Pixel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, x, y, color, modify_times, last_modified FROM pixels WHERE x = ? AND y = ?`, x, y)
	p, err := scanPixel(row)
	if err != nil {
		return Pixel{}, fmt.Errorf("store: get (%d,%d): %w", x, y, err)
	}
	return p, nil
}

func (s *SQLite) Set(ctx context.Context, id int64, color string) (Pixel, error) {
	var p Pixel
	err := s.retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE pixels SET color = ?, modify_times = modify_times + 1, last_modified = ?
			 WHERE id = ?
			 RETURNING id, x, y, color, modify_times, last_modified`,
			color, s.now().UTC().UnixNano(), id)
		var err error
		p, err = scanPixel(row)
		return err
	})
	if err != nil {
		return Pixel{}, fmt.Errorf("store: set %d: %w", id, err)
	}
	return p, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pixels`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

func (s *SQLite) BulkInit(ctx context.Context, n int, color string) error {
	return s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer tx.Rollback()

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pixels)`).Scan(&exists); err != nil {
			return fmt.Errorf("store: bulk init: %w", err)
		}
		if exists {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pixels (id, x, y, color, modify_times, last_modified) VALUES (?, ?, ?, ?, 0, ?)`)
		if err != nil {
			return fmt.Errorf("store: bulk init: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC().UnixNano()
		for x := 1; x <= n; x++ {
			for y := 1; y <= n; y++ {
				if _, err := stmt.ExecContext(ctx, PixelID(n, x, y), x, y, color, now); err != nil {
					return fmt.Errorf("store: bulk init (%d,%d): %w", x, y, err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		s.size = n
		return nil
	})
}

func (s *SQLite) Colors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT color FROM pixels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: colors: %w", err)
	}
	defer rows.Close()

	colors := make([]string, 0, s.size*s.size)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: colors: %w", err)
		}
		colors = append(colors, c)
	}
	return colors, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// retry runs fn again with a growing backoff while SQLite reports the
// database as busy.
func (s *SQLite) retry(ctx context.Context, fn func() error) error {
	for i := 0; ; i++ {
		err := fn()
		if err == nil || !isBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func scanPixel(row *sql.Row) (Pixel, error) {
	var (
		p  Pixel
		ts int64
	)
	err := row.Scan(&p.ID, &p.X, &p.Y, &p.Color, &p.ModifyTimes, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Pixel{}, ErrNotFound
	}
	if err != nil {
		return Pixel{}, err
	}
	p.LastModified = time.Unix(0, ts).UTC()
	return p, nil
}
