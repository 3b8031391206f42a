package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"provlog/internal/domain"
	"provlog/internal/storage"
)

const (
	recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	event_time INTEGER NOT NULL,
	publish_id TEXT NOT NULL DEFAULT '',
	feed_id INTEGER NOT NULL DEFAULT 0,
	request_uri TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	content_length INTEGER NOT NULL DEFAULT 0,
	subscriber_id INTEGER NOT NULL DEFAULT 0,
	source_ip TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	result INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	content_length_received INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_records_event_time ON records(event_time);
`
	recordColumns = `id, type, event_time, publish_id, feed_id, request_uri, method, content_type,
	content_length, subscriber_id, source_ip, user, status, result, reason, attempts,
	content_length_received, error`

	msPerDay = int64(24 * time.Hour / time.Millisecond)
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	// BorrowAttempts bounds how many times a connection borrow is tried
	// before the store reports storage.ErrUnavailable.
	BorrowAttempts int
	BorrowBackoff  time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.BorrowAttempts <= 0 {
		o.BorrowAttempts = 3
	}
	if o.BorrowBackoff <= 0 {
		o.BorrowBackoff = 50 * time.Millisecond
	}
}

// Store keeps log records in a single sqlite database file.
type Store struct {
	path string
	opts Options
	db   *sql.DB
}

var _ storage.Engine = (*Store)(nil)

func NewStore(path string, opts Options) (*Store, error) {
	opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store dir: %w", err)
	}
	db, err := openSQLite(path, opts.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{path: path, opts: opts, db: db}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertRecord(ctx context.Context, id uint64, row domain.Row) error {
	if id > math.MaxInt64 {
		return fmt.Errorf("%w: record id %d exceeds column range", storage.ErrConstraint, id)
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO records(`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(id), string(row.Type), row.EventTimeMs, row.PublishID, row.FeedID, row.RequestURI, row.Method, row.ContentType,
			row.ContentLength, row.SubscriberID, row.SourceIP, row.User, row.Status, row.Result, row.Reason, row.Attempts,
			row.ContentLengthReceived, row.Error)
		if isConstraint(err) {
			return fmt.Errorf("%w: insert record %d: %v", storage.ErrConstraint, id, err)
		}
		return err
	})
}

func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT count(*) FROM records`).Scan(&n)
	})
	return n, err
}

func (s *Store) DayHistogram(ctx context.Context) ([]storage.DayCount, error) {
	var out []storage.DayCount
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT (event_time - ((event_time % ?1) + ?1) % ?1) / ?1 AS day, count(*)
FROM records
GROUP BY day
ORDER BY day ASC`, msPerDay)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var dc storage.DayCount
			if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
				return err
			}
			out = append(out, dc)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) DeleteBefore(ctx context.Context, beforeMs int64, limit int) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
DELETE FROM records
WHERE id IN (SELECT id FROM records WHERE event_time < ? ORDER BY event_time LIMIT ?)`, beforeMs, limit)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *Store) Optimize(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `VACUUM;`)
		return err
	})
}

func (s *Store) ScanIDs(ctx context.Context, from uint64, limit int) ([]uint64, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	var out []uint64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM records WHERE id >= ? ORDER BY id ASC LIMIT ?`, int64(from), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, uint64(id))
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) GetRecords(ctx context.Context, from, to uint64) ([]storage.StoredRecord, error) {
	if from > math.MaxInt64 || from > to {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	var out []storage.StoredRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM records
WHERE id BETWEEN ? AND ?
ORDER BY id ASC`, int64(from), int64(to))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id  int64
				typ string
				r   domain.Row
			)
			if err := rows.Scan(
				&id, &typ, &r.EventTimeMs, &r.PublishID, &r.FeedID, &r.RequestURI, &r.Method, &r.ContentType,
				&r.ContentLength, &r.SubscriberID, &r.SourceIP, &r.User, &r.Status, &r.Result, &r.Reason, &r.Attempts,
				&r.ContentLengthReceived, &r.Error,
			); err != nil {
				return err
			}
			r.Type = domain.RecordType(typ)
			out = append(out, storage.StoredRecord{ID: uint64(id), Row: r})
		}
		return rows.Err()
	})
	return out, err
}

// withConn borrows a pooled connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.borrow(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *Store) borrow(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.BorrowBackoff), uint64(s.opts.BorrowAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		c, err := s.db.Conn(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: borrow connection after %d attempts: %w", storage.ErrUnavailable, s.opts.BorrowAttempts, err)
	}
	return conn, nil
}

func isConstraint(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func openSQLite(path string, maxOpen int) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
