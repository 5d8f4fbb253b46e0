// Package auditdb implements sqlite3 storage for the client's connection and
// handshake audit trail: every AUTH round, trust decision, and Supervisor
// state transition is appended as one row for later forensic review.
package auditdb

import (
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores audit events in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 path, creating it if absent.
func Open(name string) (*DB, error) {
	// WAL plus a larger page size keeps single-row appends fast even on a
	// device's slow flash-backed filesystem.
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	if _, err := x.Exec(`PRAGMA page_size = 8192`); err != nil {
		panic(err)
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Event is one row of the audit trail.
type Event struct {
	ID          int64     `db:"id"`
	Time        time.Time `db:"time"`
	DeviceAddr  string    `db:"device_addr"`
	Fingerprint string    `db:"fingerprint"`
	Kind        string    `db:"kind"` // auth_token, auth_signature, auth_pubkey, trusted, reconnect_attempt, reconnect_ok, circuit_open, supervisor_<state>
	Detail      string    `db:"detail"`
}

// Append records one audit event.
func (db *DB) Append(e Event) error {
	_, err := db.x.NamedExec(`
		INSERT INTO audit_events (time, device_addr, fingerprint, kind, detail)
		VALUES (:time, :device_addr, :fingerprint, :kind, :detail)
	`, e)
	return err
}

// Recent returns the most recent n audit events for a device, newest first.
func (db *DB) Recent(fingerprint string, n int) ([]Event, error) {
	var events []Event
	err := db.x.Select(&events, `
		SELECT id, time, device_addr, fingerprint, kind, detail
		FROM audit_events
		WHERE fingerprint = ?
		ORDER BY id DESC
		LIMIT ?
	`, fingerprint, n)
	return events, err
}
