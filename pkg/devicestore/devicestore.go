// Package devicestore implements in-memory storage for known ADB devices,
// keyed by their key-store fingerprint.
package devicestore

import (
	"sync"
	"time"
)

// Record is what the client remembers about one device it has connected to.
type Record struct {
	Fingerprint     string
	Addr            string
	FirstTrustedAt  time.Time
	LastConnectedAt time.Time
	LastError       string
}

// Store holds Records in memory, keyed by fingerprint.
type Store struct {
	devices sync.Map
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Get returns the record for fingerprint, if known.
func (s *Store) Get(fingerprint string) (*Record, bool) {
	v, ok := s.devices.Load(fingerprint)
	if !ok {
		return nil, false
	}
	r := v.(Record)
	return &r, true
}

// MarkTrusted records that fingerprint completed a trust-establishing
// handshake for the first time, preserving any existing FirstTrustedAt.
func (s *Store) MarkTrusted(fingerprint, addr string, at time.Time) {
	existing, _ := s.Get(fingerprint)
	firstTrusted := at
	if existing != nil && !existing.FirstTrustedAt.IsZero() {
		firstTrusted = existing.FirstTrustedAt
	}
	s.devices.Store(fingerprint, Record{
		Fingerprint:     fingerprint,
		Addr:            addr,
		FirstTrustedAt:  firstTrusted,
		LastConnectedAt: at,
	})
}

// MarkConnected updates the last-connected timestamp for an already-known
// device, clearing any prior error.
func (s *Store) MarkConnected(fingerprint, addr string, at time.Time) {
	existing, _ := s.Get(fingerprint)
	firstTrusted := at
	if existing != nil && !existing.FirstTrustedAt.IsZero() {
		firstTrusted = existing.FirstTrustedAt
	}
	s.devices.Store(fingerprint, Record{
		Fingerprint:     fingerprint,
		Addr:            addr,
		FirstTrustedAt:  firstTrusted,
		LastConnectedAt: at,
	})
}

// MarkError records the most recent connection failure for fingerprint,
// leaving the rest of the record intact.
func (s *Store) MarkError(fingerprint string, err error) {
	existing, ok := s.Get(fingerprint)
	if !ok {
		s.devices.Store(fingerprint, Record{Fingerprint: fingerprint, LastError: err.Error()})
		return
	}
	existing.LastError = err.Error()
	s.devices.Store(fingerprint, *existing)
}

// All returns every known device record, in no particular order.
func (s *Store) All() []Record {
	var out []Record
	s.devices.Range(func(_, v any) bool {
		out = append(out, v.(Record))
		return true
	})
	return out
}
