// Package index provides a rebuildable, non-authoritative secondary index
// over a ledger file, so callers can query by agent, record type, or
// sequence range without a full replay. The ledger file remains the only
// source of truth; the index can always be dropped and rebuilt from it.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/replay"
)

// Index is a read-only query surface backed by a SQL database.
type Index struct {
	db *sql.DB
}

// Open connects to the database identified by driver ("sqlite" or
// "postgres") and dsn, and creates the entries table if it doesn't exist.
func Open(driver, dsn string) (*Index, error) {
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("index: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s database: %w", driver, err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(driver); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// OpenDB wraps an already-open *sql.DB, for callers supplying their own
// connection (and for tests using go-sqlmock).
func OpenDB(db *sql.DB, driver string) (*Index, error) {
	idx := &Index{db: db}
	if err := idx.migrate(driver); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate(driver string) error {
	serialType := "INTEGER"
	if driver == "postgres" {
		serialType = "BIGINT"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS gef_entries (
		sequence %s PRIMARY KEY,
		record_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		causal_hash TEXT NOT NULL
	)`, serialType)
	_, err := idx.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("index: migrating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Rebuild truncates the index and repopulates it from entries, in
// sequence order.
func (idx *Index) Rebuild(ctx context.Context, entries []*envelope.Envelope) error {
	if _, err := idx.db.ExecContext(ctx, "DELETE FROM gef_entries"); err != nil {
		return fmt.Errorf("index: clearing table: %w", err)
	}
	for _, env := range entries {
		if err := idx.insert(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// RebuildFromLedger loads path via pkg/replay and rebuilds the index from
// its sequence-sorted entries.
func (idx *Index) RebuildFromLedger(ctx context.Context, path string) error {
	eng, err := replay.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("index: loading ledger: %w", err)
	}
	return idx.Rebuild(ctx, eng.Entries())
}

func (idx *Index) insert(ctx context.Context, env *envelope.Envelope) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO gef_entries (sequence, record_id, record_type, agent_id, timestamp, causal_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		env.Sequence, env.RecordID, env.RecordType, env.AgentID, env.Timestamp, env.CausalHash,
	)
	if err != nil {
		return fmt.Errorf("index: inserting sequence %d: %w", env.Sequence, err)
	}
	return nil
}

// Entry is one row of the index: enough to locate and label a record
// without the full envelope.
type Entry struct {
	Sequence   int64  `json:"sequence"`
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
	AgentID    string `json:"agent_id"`
	Timestamp  string `json:"timestamp"`
	CausalHash string `json:"causal_hash"`
}

// ByAgent returns every indexed entry for agentID, ordered by sequence.
func (idx *Index) ByAgent(ctx context.Context, agentID string) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT sequence, record_id, record_type, agent_id, timestamp, causal_hash
		 FROM gef_entries WHERE agent_id = ? ORDER BY sequence`, agentID)
	if err != nil {
		return nil, fmt.Errorf("index: querying by agent: %w", err)
	}
	return scanEntries(rows)
}

// ByRecordType returns every indexed entry of the given record type,
// ordered by sequence.
func (idx *Index) ByRecordType(ctx context.Context, recordType string) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT sequence, record_id, record_type, agent_id, timestamp, causal_hash
		 FROM gef_entries WHERE record_type = ? ORDER BY sequence`, recordType)
	if err != nil {
		return nil, fmt.Errorf("index: querying by record_type: %w", err)
	}
	return scanEntries(rows)
}

// Range returns every indexed entry with from <= sequence <= to.
func (idx *Index) Range(ctx context.Context, from, to int64) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT sequence, record_id, record_type, agent_id, timestamp, causal_hash
		 FROM gef_entries WHERE sequence >= ? AND sequence <= ? ORDER BY sequence`, from, to)
	if err != nil {
		return nil, fmt.Errorf("index: querying range: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Sequence, &e.RecordID, &e.RecordType, &e.AgentID, &e.Timestamp, &e.CausalHash); err != nil {
			return nil, fmt.Errorf("index: scanning row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterating rows: %w", err)
	}
	return out, nil
}

// EntriesJSON renders entries as indented JSON, for CLI output.
func EntriesJSON(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
