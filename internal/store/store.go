package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrBadRange = errors.New("store: invalid block range")

// DB wraps sqlite (block catalog).
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one connection: ":memory:" databases are per connection
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			app_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			path TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			byte_length INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (app_id, block_id)
		);
		CREATE INDEX IF NOT EXISTS idx_blocks_path ON blocks(path);
	`)
	return err
}

// Block: a byte range of a local file served as one chunk.
type Block struct {
	AppID     string
	ID        string
	Path      string
	Offset    int64
	Length    int64
	CreatedAt time.Time
}

// PutBlock inserts or replaces b.
func (db *DB) PutBlock(b Block) error {
	if b.Offset < 0 || b.Length < 0 {
		return fmt.Errorf("%w: offset %d length %d", ErrBadRange, b.Offset, b.Length)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`INSERT INTO blocks (app_id, block_id, path, byte_offset, byte_length, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id, block_id) DO UPDATE SET path = excluded.path, byte_offset = excluded.byte_offset, byte_length = excluded.byte_length`,
		b.AppID, b.ID, b.Path, b.Offset, b.Length, now)
	return err
}

// BlockByID returns the block or nil.
func (db *DB) BlockByID(appID, blockID string) (*Block, error) {
	var b Block
	var t string
	err := db.QueryRow("SELECT app_id, block_id, path, byte_offset, byte_length, created_at FROM blocks WHERE app_id = ? AND block_id = ?",
		appID, blockID).Scan(&b.AppID, &b.ID, &b.Path, &b.Offset, &b.Length, &t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, t)
	return &b, nil
}

// BlocksByApp lists an app's blocks ordered by id.
func (db *DB) BlocksByApp(appID string) ([]Block, error) {
	rows, err := db.Query("SELECT app_id, block_id, path, byte_offset, byte_length, created_at FROM blocks WHERE app_id = ? ORDER BY block_id", appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Block
	for rows.Next() {
		var b Block
		var t string
		if err := rows.Scan(&b.AppID, &b.ID, &b.Path, &b.Offset, &b.Length, &t); err != nil {
			return nil, err
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, t)
		list = append(list, b)
	}
	return list, rows.Err()
}

// DeleteBlock removes a block; false if it did not exist.
func (db *DB) DeleteBlock(appID, blockID string) (bool, error) {
	res, err := db.Exec("DELETE FROM blocks WHERE app_id = ? AND block_id = ?", appID, blockID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
