// Package sqlite persists the devices a provisioner admits.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"meshnode"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	uuid TEXT PRIMARY KEY,
	unicast INTEGER NOT NULL,
	elements INTEGER NOT NULL,
	admitted_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS admission_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	reason TEXT NOT NULL,
	failed_at TEXT NOT NULL
);`

// Failure is one recorded failed admission.
type Failure struct {
	UUID     uuid.UUID
	Reason   string
	FailedAt time.Time
}

// Registry implements provision.Recorder backed by SQLite.
type Registry struct {
	db *sql.DB
}

func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set registry journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set registry busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// RecordAdmitted stores rec, replacing an earlier record for the same UUID.
func (r *Registry) RecordAdmitted(ctx context.Context, rec meshnode.NodeRecord) error {
	admittedAt := rec.AdmittedAt
	if admittedAt.IsZero() {
		admittedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO nodes (uuid, unicast, elements, admitted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET
		 unicast = excluded.unicast,
		 elements = excluded.elements,
		 admitted_at = excluded.admitted_at`,
		rec.UUID.String(),
		int(rec.Unicast),
		int(rec.Elements),
		admittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record admitted node %s: %w", rec.UUID, err)
	}
	return nil
}

func (r *Registry) RecordFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admission_failures (uuid, reason, failed_at) VALUES (?, ?, ?)`,
		id.String(), reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record admission failure %s: %w", id, err)
	}
	return nil
}

// ListNodes returns admitted nodes ordered by unicast address.
func (r *Registry) ListNodes(ctx context.Context) ([]meshnode.NodeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uuid, unicast, elements, admitted_at FROM nodes ORDER BY unicast`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]meshnode.NodeRecord, 0)
	for rows.Next() {
		var (
			rawUUID, rawTime string
			unicast, elems   int
		)
		if err := rows.Scan(&rawUUID, &unicast, &elems, &rawTime); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		id, err := uuid.Parse(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("parse node uuid %q: %w", rawUUID, err)
		}
		admittedAt, err := time.Parse(time.RFC3339Nano, rawTime)
		if err != nil {
			return nil, fmt.Errorf("parse admitted_at for %s: %w", id, err)
		}
		out = append(out, meshnode.NodeRecord{
			UUID:       id,
			Unicast:    meshnode.Address(unicast),
			Elements:   uint8(elems),
			AdmittedAt: admittedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}

// Failures returns recorded admission failures, oldest first.
func (r *Registry) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uuid, reason, failed_at FROM admission_failures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admission failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var rawUUID, reason, rawTime string
		if err := rows.Scan(&rawUUID, &reason, &rawTime); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		id, err := uuid.Parse(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("parse failure uuid %q: %w", rawUUID, err)
		}
		failedAt, err := time.Parse(time.RFC3339Nano, rawTime)
		if err != nil {
			return nil, fmt.Errorf("parse failed_at for %s: %w", id, err)
		}
		out = append(out, Failure{UUID: id, Reason: reason, FailedAt: failedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure rows: %w", err)
	}
	return out, nil
}

// AssignedCount returns how many unicast addresses the network uses: the
// provisioner's own element plus every element of every admitted node.
func (r *Registry) AssignedCount(ctx context.Context) (uint16, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(elements), 0) FROM nodes`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count assigned addresses: %w", err)
	}
	return uint16(total + 1), nil
}
