package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/l0p7/readerguard/internal/exchange"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name    TEXT PRIMARY KEY,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	partition TEXT NOT NULL,
	key       TEXT NOT NULL,
	payload   BLOB NOT NULL,
	stored    INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
);
`

// sqliteStorage persists partitions in a single database file so cached
// chapters survive a restart of the process.
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite open: %w", err)
	}
	// A single connection serializes writers; sqlite would otherwise report
	// SQLITE_BUSY under concurrent fills.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: sqlite pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Partition, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite open %s: %w", name, err)
	}
	return &sqlitePartition{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: sqlite has %s: %w", name, err)
	}
	return true, nil
}

// Names lists partitions in creation order.
func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY created, name")
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite names: %w", err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: sqlite names scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, fmt.Errorf("storage: sqlite delete %s entries: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: sqlite delete %s commit: %w", name, err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close(context.Context) error {
	return s.db.Close()
}

type sqlitePartition struct {
	db   *sql.DB
	name string
}

func (p *sqlitePartition) Name() string { return p.name }

// Match reads through the partition row so a deleted partition is reported
// rather than looking like an empty one.
func (p *sqlitePartition) Match(ctx context.Context, key string) (*exchange.Response, bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT e.payload FROM partitions p
		 LEFT JOIN entries e ON e.partition = p.name AND e.key = ?
		 WHERE p.name = ?`, key, p.name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrPartitionNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: sqlite match: %w", err)
	}
	if payload == nil {
		return nil, false, nil
	}
	stored, err := decodeResponse(payload)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Put only writes while the partition row still exists so a handle outliving
// a reap cannot leave orphaned entries behind.
func (p *sqlitePartition) Put(ctx context.Context, key string, resp *exchange.Response) error {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := encodeResponse(stored)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (partition, key, payload, stored)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM partitions WHERE name = ?)`,
		p.name, key, payload, stored.StoredAt.UnixNano(), p.name)
	if err != nil {
		return fmt.Errorf("storage: sqlite put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: sqlite put: %w", err)
	}
	if affected == 0 {
		return ErrPartitionNotFound
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete entry: %w", err)
	}
	defer tx.Rollback()
	if err := partitionExists(ctx, tx, p.name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: sqlite delete entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: sqlite delete entry commit: %w", err)
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT e.key FROM partitions p
		 LEFT JOIN entries e ON e.partition = p.name
		 WHERE p.name = ? ORDER BY e.key`, p.name)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite keys: %w", err)
	}
	defer rows.Close()
	found := false
	keys := []string{}
	for rows.Next() {
		found = true
		var key sql.NullString
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage: sqlite keys scan: %w", err)
		}
		if key.Valid {
			keys = append(keys, key.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: sqlite keys: %w", err)
	}
	if !found {
		return nil, ErrPartitionNotFound
	}
	return keys, nil
}

func partitionExists(ctx context.Context, tx *sql.Tx, name string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPartitionNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: sqlite lookup %s: %w", name, err)
	}
	return nil
}
