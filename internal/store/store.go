// Package store implements a sqlite-backed EventSink: coalesced RFID
// detections, locked-only mass persistence, and the §6.4 head_revision
// start-up check. The schema here belongs to this repo's own tests
// only — schema evolution itself is an external migration tool's
// concern, out of scope per spec.md §1.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

// headRevision is the schema version this repo's queries are written
// against; Open fails fast if the database disagrees, mirroring
// original_source/starfeeder/constants.py's WRONG_DATABASE_VERSION_STUB.
const headRevision = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (revision INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS rfid_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reader_id INTEGER NOT NULL,
	reader_name TEXT NOT NULL,
	tag INTEGER NOT NULL,
	first_detected_at DATETIME NOT NULL,
	last_detected_at DATETIME NOT NULL,
	n_events INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mass_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	balance_id INTEGER NOT NULL,
	balance_name TEXT NOT NULL,
	reader_id INTEGER NOT NULL,
	reader_name TEXT NOT NULL,
	tag INTEGER,
	mass_kg REAL NOT NULL,
	recorded_at DATETIME NOT NULL
);
`

// Store is a sqlite-backed events.Sink. Broadcast is a no-op here;
// internal/whisker implements the TCP side of EventSink separately and
// the two are combined by an events.FanOut built in cmd/starfeeder.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	coalesced map[coalesceKey]*coalescedRfid
	window    time.Duration
}

type coalesceKey struct {
	readerID int
	tag      int64
}

type coalescedRfid struct {
	firstDetectedAt time.Time
	lastDetectedAt  time.Time
	nEvents         int
	readerName      string
}

// Open opens (creating if necessary) a sqlite database at path,
// ensures the schema exists, and checks its revision against
// headRevision.
func Open(path string, coalesceWindow time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_version (revision) VALUES (?)", headRevision); err != nil {
			db.Close()
			return nil, fmt.Errorf("seeding schema_version: %w", err)
		}
	} else {
		var revision int
		if err := db.QueryRow("SELECT revision FROM schema_version LIMIT 1").Scan(&revision); err != nil {
			db.Close()
			return nil, fmt.Errorf("reading schema_version: %w", err)
		}
		if revision != headRevision {
			db.Close()
			return nil, fmt.Errorf("database schema revision %d does not match expected head revision %d", revision, headRevision)
		}
	}

	return &Store{
		db:        db,
		coalesced: make(map[coalesceKey]*coalescedRfid),
		window:    coalesceWindow,
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordRfid coalesces consecutive detections of the same
// (reader, tag) within the configured window into one row.
func (s *Store) RecordRfid(d events.RfidDetection) {
	s.mu.Lock()
	key := coalesceKey{readerID: d.ReaderID, tag: d.Tag}
	existing, ok := s.coalesced[key]
	if ok && d.Timestamp.Sub(existing.lastDetectedAt) <= s.window {
		existing.lastDetectedAt = d.Timestamp
		existing.nEvents++
		record := *existing
		s.mu.Unlock()
		s.upsertRfid(key, record)
		return
	}
	fresh := &coalescedRfid{
		firstDetectedAt: d.Timestamp,
		lastDetectedAt:  d.Timestamp,
		nEvents:         1,
		readerName:      d.ReaderName,
	}
	s.coalesced[key] = fresh
	record := *fresh
	s.mu.Unlock()
	s.insertRfid(key, record)
}

func (s *Store) insertRfid(key coalesceKey, r coalescedRfid) {
	_, err := s.db.Exec(
		`INSERT INTO rfid_event (reader_id, reader_name, tag, first_detected_at, last_detected_at, n_events)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.readerID, r.readerName, key.tag, r.firstDetectedAt, r.lastDetectedAt, r.nEvents,
	)
	_ = err // persistence failures are discarded: not logged and not reported to the caller
}

func (s *Store) upsertRfid(key coalesceKey, r coalescedRfid) {
	_, err := s.db.Exec(
		`UPDATE rfid_event SET last_detected_at = ?, n_events = ?
		 WHERE reader_id = ? AND tag = ? AND first_detected_at = ?`,
		r.lastDetectedAt, r.nEvents, key.readerID, key.tag, r.firstDetectedAt,
	)
	_ = err
}

// RecordMass persists a reading only if it is locked, per §4.7.
func (s *Store) RecordMass(m events.MassReading) {
	if !m.Locked {
		return
	}
	var tag any
	if m.Tag != nil {
		tag = *m.Tag
	}
	_, err := s.db.Exec(
		`INSERT INTO mass_event (balance_id, balance_name, reader_id, reader_name, tag, mass_kg, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.BalanceID, m.BalanceName, m.ReaderID, m.ReaderName, tag, m.MassKg, m.Timestamp,
	)
	_ = err
}

// Broadcast is a no-op: the database is not the Whisker relay.
func (s *Store) Broadcast(string) {}
