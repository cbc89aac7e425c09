// Package ledger records per-case reconstruction outcomes in a SQLite
// database so thresholds and mesh sizes can be audited after a batch.
package ledger

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger is a thin wrapper over the results database
type Ledger struct {
	*sql.DB
}

// Entry is one processed case
type Entry struct {
	RunID     string
	CaseID    string
	Structure string
	Status    string // "ok", "empty_mesh" or the failure kind
	Threshold float64
	Voxels    int
	Faces     int
	Mesh      string
	Error     string
	Duration  time.Duration
}

// Open opens or creates the database at path
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cases (
			run_id TEXT NOT NULL,
			case_id TEXT NOT NULL,
			structure TEXT NOT NULL,
			status TEXT NOT NULL,
			threshold DOUBLE,
			voxels INTEGER,
			faces INTEGER,
			mesh TEXT,
			error TEXT,
			duration_ms INTEGER,
			recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS cases_run ON cases (run_id);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db}, nil
}

// Record appends e
func (l *Ledger) Record(e Entry) error {
	_, err := l.Exec(`INSERT INTO cases
		(run_id, case_id, structure, status, threshold, voxels, faces, mesh, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.CaseID, e.Structure, e.Status, e.Threshold, e.Voxels, e.Faces, e.Mesh, e.Error,
		e.Duration.Milliseconds())
	return err
}

// Run returns the entries recorded for runID in insertion order
func (l *Ledger) Run(runID string) ([]Entry, error) {
	rows, err := l.Query(`SELECT run_id, case_id, structure, status, threshold, voxels, faces,
		mesh, error, duration_ms FROM cases WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.RunID, &e.CaseID, &e.Structure, &e.Status, &e.Threshold, &e.Voxels,
			&e.Faces, &e.Mesh, &e.Error, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
