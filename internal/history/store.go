// Package history keeps a local SQLite log of sensor readings and upload
// outcomes, pruned on a schedule.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// Reading is one stored reading pair.
type Reading struct {
	ID       int64             `json:"id"`
	Readings protocol.Readings `json:"readings"`
	At       time.Time         `json:"at"`
}

// Upload is one stored upload attempt.
type Upload struct {
	ID         int64     `json:"id"`
	Field1     string    `json:"field1"`
	Field2     string    `json:"field2"`
	StatusCode int       `json:"status_code"`
	EntryID    int64     `json:"entry_id"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Succeeded reports whether the attempt went through.
func (u Upload) Succeeded() bool {
	return u.Error == ""
}

// Store is the SQLite-backed history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the migration.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			label1  TEXT NOT NULL DEFAULT '',
			sensor1 TEXT NOT NULL,
			label2  TEXT NOT NULL DEFAULT '',
			sensor2 TEXT NOT NULL,
			at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_readings_at ON readings(at);

		CREATE TABLE IF NOT EXISTS uploads (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			field1      TEXT NOT NULL,
			field2      TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			entry_id    INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_at ON uploads(at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordReading stores one reading pair.
func (s *Store) RecordReading(ctx context.Context, r protocol.Readings, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO readings (label1, sensor1, label2, sensor2, at) VALUES (?, ?, ?, ?, ?)",
		r.Label1, r.Sensor1, r.Label2, r.Sensor2, at.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: record reading: %w", err)
	}
	return nil
}

// RecordUpload stores the outcome of one upload attempt.
func (s *Store) RecordUpload(ctx context.Context, field1, field2 string, res telemetry.Result, uploadErr error, at time.Time) error {
	var msg string
	if uploadErr != nil {
		msg = uploadErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO uploads (field1, field2, status_code, entry_id, error, at) VALUES (?, ?, ?, ?, ?, ?)",
		field1, field2, res.StatusCode, res.EntryID, msg, at.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: record upload: %w", err)
	}
	return nil
}

// RecentReadings returns up to limit readings, newest first.
func (s *Store) RecentReadings(ctx context.Context, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label1, sensor1, label2, sensor2, at FROM readings ORDER BY at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query readings: %w", err)
	}
	defer rows.Close()

	out := []Reading{}
	for rows.Next() {
		var (
			r  Reading
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Readings.Label1, &r.Readings.Sensor1, &r.Readings.Label2, &r.Readings.Sensor2, &at); err != nil {
			return nil, fmt.Errorf("history: scan reading: %w", err)
		}
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentUploads returns up to limit upload attempts, newest first.
func (s *Store) RecentUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, field1, field2, status_code, entry_id, error, at FROM uploads ORDER BY at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query uploads: %w", err)
	}
	defer rows.Close()

	out := []Upload{}
	for rows.Next() {
		var (
			u  Upload
			at int64
		)
		if err := rows.Scan(&u.ID, &u.Field1, &u.Field2, &u.StatusCode, &u.EntryID, &u.Error, &at); err != nil {
			return nil, fmt.Errorf("history: scan upload: %w", err)
		}
		u.At = time.Unix(0, at).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune deletes rows recorded before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"readings", "uploads"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE at < ?", cutoff.UTC().UnixNano())
		if err != nil {
			return total, fmt.Errorf("history: prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ErrInvalidLimit is returned for non-positive limits.
var ErrInvalidLimit = errors.New("history: limit must be positive")

// CheckLimit validates a query limit and caps it at ceiling.
func CheckLimit(limit, ceiling int) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidLimit
	}
	if limit > ceiling {
		return ceiling, nil
	}
	return limit, nil
}
