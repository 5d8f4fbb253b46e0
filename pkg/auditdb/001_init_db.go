package auditdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE audit_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			time        TEXT NOT NULL,
			device_addr TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			kind        TEXT NOT NULL COLLATE NOCASE,
			detail      TEXT NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create audit_events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX audit_events_fingerprint_idx ON audit_events(fingerprint, id)`); err != nil {
		return fmt.Errorf("create audit_events index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX audit_events_fingerprint_idx`); err != nil {
		return fmt.Errorf("drop audit_events index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE audit_events`); err != nil {
		return fmt.Errorf("drop audit_events table: %w", err)
	}
	return nil
}
