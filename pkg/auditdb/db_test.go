package auditdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openMigrated(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version = %d, want 0 on a fresh db", cur)
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return db
}

func TestAppendAndRecent(t *testing.T) {
	db := openMigrated(t)

	events := []Event{
		{Time: time.Now(), DeviceAddr: "192.168.1.5:5555", Fingerprint: "fp1", Kind: "auth_token", Detail: "round 1"},
		{Time: time.Now(), DeviceAddr: "192.168.1.5:5555", Fingerprint: "fp1", Kind: "auth_signature", Detail: "round 1"},
		{Time: time.Now(), DeviceAddr: "192.168.1.5:5555", Fingerprint: "fp1", Kind: "trusted", Detail: ""},
		{Time: time.Now(), DeviceAddr: "10.0.0.2:5555", Fingerprint: "fp2", Kind: "auth_token", Detail: "round 1"},
	}
	for _, e := range events {
		if err := db.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := db.Recent("fp1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(got))
	}
	if got[0].Kind != "trusted" {
		t.Fatalf("Recent[0].Kind = %q, want newest-first ordering (trusted)", got[0].Kind)
	}
}

func TestRecentScopesByFingerprint(t *testing.T) {
	db := openMigrated(t)

	if err := db.Append(Event{Time: time.Now(), Fingerprint: "fpA", Kind: "auth_token"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := db.Append(Event{Time: time.Now(), Fingerprint: "fpB", Kind: "auth_token"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := db.Recent("fpA", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent(fpA) returned %d rows, want 1", len(got))
	}
}

func TestEnsureLatestIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.EnsureLatest(context.Background()); err != nil {
		t.Fatalf("EnsureLatest: %v", err)
	}
	if err := db.EnsureLatest(context.Background()); err != nil {
		t.Fatalf("EnsureLatest (second call): %v", err)
	}
}
