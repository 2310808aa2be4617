package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

// SQLiteStore implements TableStore and HintArchive on a SQLite database.
// It stands in for the distributed transactional table store the cold tier
// is built on: per-record atomic puts, predicate selects, and dynamic host
// registration, with replica rows keyed by (trace, host).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// schema migrations. Pass ":memory:" for an in-memory database (useful for
// tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite serializes writers anyway; a single connection keeps the
	// in-memory variant coherent across the pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates all required tables if they do not already exist.
func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS traces (
    trace_id TEXT NOT NULL,
    host_id TEXT NOT NULL,
    hologram_id TEXT NOT NULL,
    purpose TEXT NOT NULL,
    origin TEXT NOT NULL,
    importance TEXT NOT NULL,
    fragment INTEGER NOT NULL,
    body BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (trace_id, host_id)
);

CREATE TABLE IF NOT EXISTS hosts (
    id TEXT PRIMARY KEY,
    joined_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hint_shards (
    trace_id TEXT NOT NULL,
    shard_index INTEGER NOT NULL,
    host_id TEXT NOT NULL,
    original_size INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (trace_id, shard_index)
);

CREATE INDEX IF NOT EXISTS idx_traces_purpose ON traces(purpose);
CREATE INDEX IF NOT EXISTS idx_traces_hologram ON traces(hologram_id);
CREATE INDEX IF NOT EXISTS idx_traces_fragment ON traces(fragment);`
	_, err := s.db.Exec(schema)
	return err
}

// Put writes one replica row, replacing any existing (trace, host) row.
func (s *SQLiteStore) Put(rec Record) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO traces
		 (trace_id, host_id, hologram_id, purpose, origin, importance, fragment, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.HostID, rec.HologramID, rec.Purpose, rec.Origin,
		string(rec.Importance), rec.Fragment, rec.Body, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put trace %s: %w", rec.TraceID, err)
	}
	return nil
}

// Get retrieves a record by trace ID from any hosting replica.
func (s *SQLiteStore) Get(traceID string) (Record, bool, error) {
	var rec Record
	var imp string
	err := s.db.QueryRow(
		`SELECT trace_id, host_id, hologram_id, purpose, origin, importance, fragment, body, created_at
		 FROM traces WHERE trace_id = ? LIMIT 1`, traceID,
	).Scan(&rec.TraceID, &rec.HostID, &rec.HologramID, &rec.Purpose, &rec.Origin,
		&imp, &rec.Fragment, &rec.Body, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	rec.Importance = importanceFrom(imp)
	return rec, true, nil
}

// Select returns matching records, collapsed to one row per trace.
func (s *SQLiteStore) Select(sel Selector) ([]Record, error) {
	query := `SELECT trace_id, host_id, hologram_id, purpose, origin, importance, fragment, body, created_at
	 FROM traces`
	var conds []string
	var args []any
	if sel.Purpose != "" {
		conds = append(conds, "purpose = ?")
		args = append(args, sel.Purpose)
	}
	if sel.HologramID != "" {
		conds = append(conds, "hologram_id = ?")
		args = append(args, sel.HologramID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " GROUP BY trace_id ORDER BY created_at DESC"
	if sel.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, sel.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select traces: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var imp string
		if err := rows.Scan(&rec.TraceID, &rec.HostID, &rec.HologramID, &rec.Purpose, &rec.Origin,
			&imp, &rec.Fragment, &rec.Body, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		rec.Importance = importanceFrom(imp)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes all replica rows and archived shards for a trace.
func (s *SQLiteStore) Delete(traceID string) error {
	if _, err := s.db.Exec(`DELETE FROM traces WHERE trace_id = ?`, traceID); err != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM hint_shards WHERE trace_id = ?`, traceID); err != nil {
		return fmt.Errorf("delete shards %s: %w", traceID, err)
	}
	return nil
}

// UpdateFragment reassigns a trace's fragment number.
func (s *SQLiteStore) UpdateFragment(traceID string, fragment int) error {
	_, err := s.db.Exec(`UPDATE traces SET fragment = ? WHERE trace_id = ?`, fragment, traceID)
	if err != nil {
		return fmt.Errorf("update fragment %s: %w", traceID, err)
	}
	return nil
}

// AddHost registers a node as a partition host. Re-registering is a no-op.
func (s *SQLiteStore) AddHost(hostID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO hosts (id, joined_at) VALUES (?, ?)`,
		hostID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add host %s: %w", hostID, err)
	}
	return nil
}

// Hosts lists registered partition hosts in join order.
func (s *SQLiteStore) Hosts() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM hosts ORDER BY joined_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, id)
	}
	return hosts, rows.Err()
}

// CountTraces returns the number of distinct traces in the cold tier.
func (s *SQLiteStore) CountTraces() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT trace_id) FROM traces`).Scan(&n)
	return n, err
}

// CountRows returns the total row count including replicas.
func (s *SQLiteStore) CountRows() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM traces`).Scan(&n)
	return n, err
}

// PutShard stores one erasure-coded hint shard.
func (s *SQLiteStore) PutShard(traceID string, index, originalSize int, hostID string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO hint_shards (trace_id, shard_index, host_id, original_size, data)
		 VALUES (?, ?, ?, ?, ?)`,
		traceID, index, hostID, originalSize, data,
	)
	if err != nil {
		return fmt.Errorf("put shard %s[%d]: %w", traceID, index, err)
	}
	return nil
}

// Shards returns the shard slice for a trace, padded with nils at missing
// indexes, plus the original payload size.
func (s *SQLiteStore) Shards(traceID string) ([][]byte, int, error) {
	rows, err := s.db.Query(
		`SELECT shard_index, original_size, data FROM hint_shards WHERE trace_id = ?`, traceID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("load shards %s: %w", traceID, err)
	}
	defer rows.Close()

	shards := make([][]byte, archiveDataShards+archiveParityShards)
	size := 0
	found := false
	for rows.Next() {
		var idx, origSize int
		var data []byte
		if err := rows.Scan(&idx, &origSize, &data); err != nil {
			return nil, 0, fmt.Errorf("scan shard: %w", err)
		}
		if idx >= 0 && idx < len(shards) {
			shards[idx] = data
			size = origSize
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, nil
	}
	return shards, size, nil
}

// DropShard removes a single shard row. Used by tests to simulate losing a
// fragment host.
func (s *SQLiteStore) DropShard(traceID string, index int) error {
	_, err := s.db.Exec(
		`DELETE FROM hint_shards WHERE trace_id = ? AND shard_index = ?`, traceID, index,
	)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func importanceFrom(s string) (imp trace.Importance) {
	imp = trace.Importance(s)
	if !imp.Valid() {
		imp = trace.ImportanceNormal
	}
	return imp
}
