package ban

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists ban records so escalation state survives restarts.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ban state database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ban db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ban_records (
			ip TEXT PRIMARY KEY,
			hits INTEGER NOT NULL,
			level INTEGER NOT NULL,
			state TEXT NOT NULL,
			expiry INTEGER NOT NULL DEFAULT 0,
			last_failure INTEGER NOT NULL DEFAULT 0,
			whitelisted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ban_state ON ban_records(state);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ban table: %w", err)
	}

	return &Store{db: db}, nil
}

// Upsert writes one record.
func (s *Store) Upsert(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO ban_records (ip, hits, level, state, expiry, last_failure, whitelisted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			hits = excluded.hits,
			level = excluded.level,
			state = excluded.state,
			expiry = excluded.expiry,
			last_failure = excluded.last_failure,
			whitelisted = excluded.whitelisted
	`, rec.IP, rec.Hits, rec.Level, string(rec.State),
		unixOrZero(rec.Expiry), unixOrZero(rec.LastFailure), boolToInt(rec.Whitelisted))
	if err != nil {
		return fmt.Errorf("upsert ban record %s: %w", rec.IP, err)
	}
	return nil
}

// Delete removes one record (the IP is Clean again).
func (s *Store) Delete(ip string) error {
	if _, err := s.db.Exec(`DELETE FROM ban_records WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("delete ban record %s: %w", ip, err)
	}
	return nil
}

// Load returns all persisted records.
func (s *Store) Load() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT ip, hits, level, state, expiry, last_failure, whitelisted
		FROM ban_records`)
	if err != nil {
		return nil, fmt.Errorf("load ban records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var state string
		var expiry, lastFailure int64
		var whitelisted int
		if err := rows.Scan(&rec.IP, &rec.Hits, &rec.Level, &state, &expiry, &lastFailure, &whitelisted); err != nil {
			return nil, err
		}
		rec.State = RecordState(state)
		rec.Expiry = timeOrZero(expiry)
		rec.LastFailure = timeOrZero(lastFailure)
		rec.Whitelisted = whitelisted != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
