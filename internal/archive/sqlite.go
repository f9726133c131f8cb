// Package archive keeps a local SQLite copy of every detection record a
// dashboard has seen, so views can still load while the backend is down.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trafficwatch-dashboard/internal/data"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
	label      TEXT PRIMARY KEY,
	id         TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS records (
	label       TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	car         INTEGER NOT NULL DEFAULT 0,
	bus         INTEGER NOT NULL DEFAULT 0,
	motorbike   INTEGER NOT NULL DEFAULT 0,
	archived_at INTEGER NOT NULL,
	PRIMARY KEY (label, timestamp)
);
CREATE INDEX IF NOT EXISTS records_label_idx ON records (label);
`

// SQLiteArchive stores records keyed by (camera label, timestamp). Writing a
// record that already exists replaces it, the same rule the in-memory store uses.
type SQLiteArchive struct {
	path string
	conn *sql.DB
	now  func() time.Time
}

// Open opens the archive at path, creating the file and schema when needed.
func Open(path string) (*SQLiteArchive, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	// SQLite allows a single writer.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to archive: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteArchive{path: path, conn: conn, now: time.Now}, nil
}

func (a *SQLiteArchive) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *SQLiteArchive) Path() string {
	return a.path
}

// Append upserts one record.
func (a *SQLiteArchive) Append(ctx context.Context, r data.DetectionRecord) error {
	_, err := a.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (label, timestamp, car, bus, motorbike, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.CameraLabel, r.Timestamp, r.Counts.Car, r.Counts.Bus, r.Counts.Motorbike, a.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("archiving record %s@%s: %w", r.CameraLabel, r.Timestamp, err)
	}
	return nil
}

// AppendBatch upserts records inside a single transaction.
func (a *SQLiteArchive) AppendBatch(ctx context.Context, records []data.DetectionRecord) error {
	tx, err := a.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO records (label, timestamp, car, bus, motorbike, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := a.now().UnixNano()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.CameraLabel, r.Timestamp, r.Counts.Car, r.Counts.Bus, r.Counts.Motorbike, now); err != nil {
			return fmt.Errorf("archiving record %s@%s: %w", r.CameraLabel, r.Timestamp, err)
		}
	}
	return tx.Commit()
}

// SaveCameras upserts camera metadata by label.
func (a *SQLiteArchive) SaveCameras(ctx context.Context, cams []data.CameraDetails) error {
	tx, err := a.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range cams {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cameras (label, id, location, status, resolution) VALUES (?, ?, ?, ?, ?)`,
			c.Label, c.ID, c.Location, c.Status, c.Resolution)
		if err != nil {
			return fmt.Errorf("saving camera %s: %w", c.Label, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of archived records.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// Cameras rebuilds cameras with their nested records from the archive. Records
// whose camera was never saved come back under a camera identified by its label.
func (a *SQLiteArchive) Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error) {
	cams, err := a.loadCameras(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := a.conn.QueryContext(ctx,
		`SELECT label, timestamp, car, bus, motorbike FROM records ORDER BY label, timestamp`)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int, len(cams))
	for i, c := range cams {
		index[c.Label] = i
	}
	for rows.Next() {
		var label, ts string
		var counts data.Counts
		if err := rows.Scan(&label, &ts, &counts.Car, &counts.Bus, &counts.Motorbike); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		i, ok := index[label]
		if !ok {
			i = len(cams)
			index[label] = i
			cams = append(cams, data.WireCamera{ID: label, Label: label})
		}
		// Nested records carry no label of their own.
		r := data.DetectionRecord{Timestamp: ts, Counts: counts}
		cams[i].Records = append(cams[i].Records, r.ToWire())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if cameraID == "" {
		return cams, nil
	}
	for _, c := range cams {
		if c.ID == cameraID {
			return []data.WireCamera{c}, nil
		}
	}
	return nil, fmt.Errorf("camera %q not in archive", cameraID)
}

func (a *SQLiteArchive) loadCameras(ctx context.Context) ([]data.WireCamera, error) {
	rows, err := a.conn.QueryContext(ctx,
		`SELECT label, id, location, status, resolution FROM cameras ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("querying cameras: %w", err)
	}
	defer rows.Close()

	var cams []data.WireCamera
	for rows.Next() {
		var c data.WireCamera
		if err := rows.Scan(&c.Label, &c.ID, &c.Location, &c.Status, &c.Resolution); err != nil {
			return nil, fmt.Errorf("scanning camera: %w", err)
		}
		if c.ID == "" {
			c.ID = c.Label
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}
