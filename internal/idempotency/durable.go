package idempotency

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Durable is an external atomic-set backend satisfying Store: a
// SQLite-file-backed delivery_claims table with an embedded schema,
// opened on startup. Durable dedup lets multiple ticketarc instances
// share one claim window instead of each having its own in-memory set.
type Durable struct {
	db *sql.DB
}

// OpenDurable opens (creating if needed) a SQLite database at dbPath and
// ensures the delivery_claims schema exists.
func OpenDurable(dbPath string) (*Durable, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("idempotency: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency: apply schema: %w", err)
	}

	return &Durable{db: db}, nil
}

// Close releases the underlying database handle.
func (d *Durable) Close() error {
	return d.db.Close()
}

// Claim implements Store using an INSERT-then-check strategy scoped in a
// transaction so concurrent claimers for the same id see exactly one Fresh.
func (d *Durable) Claim(deliveryID string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: begin tx: %w", err)
	}
	defer tx.Rollback()

	nowUnix := now.Unix()
	if _, err := tx.Exec(`DELETE FROM delivery_claims WHERE delivery_id = ? AND expires_at <= ?`, deliveryID, nowUnix); err != nil {
		return Duplicate, fmt.Errorf("idempotency: evict expired claim: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO delivery_claims (delivery_id, expires_at) VALUES (?, ?)
		 ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, now.Add(ttl).Unix(),
	)
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: insert claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Duplicate, fmt.Errorf("idempotency: commit: %w", err)
	}

	if rows == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

// Sweep deletes expired claims. Callers may run this periodically; it is
// not required for correctness since Claim evicts lazily per delivery id.
func (d *Durable) Sweep(now time.Time) error {
	_, err := d.db.Exec(`DELETE FROM delivery_claims WHERE expires_at <= ?`, now.Unix())
	return err
}
