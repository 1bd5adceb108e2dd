// Package graphdb provides the embedded SQLite store backing one local graph.
//
// The store keeps everything the sync engine needs between runs:
//
//   - graph_meta: key/value metadata (graph UUID, schema versions, device
//     UUID, local/remote logical clocks)
//   - pending_ops: local edit operations not yet acknowledged by the remote
//   - pending_assets: binary asset transfers not yet completed
//   - users: materialized identity records for presence diffing
//
// The database runs in embedded mode with WAL so readers (snapshot publisher,
// CLI) can query while the sync loop writes. The sync loop is the only
// writer of sync-related metadata; callers must not run two loops against
// the same file (see the engine package's exclusivity lock).
package graphdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Metadata keys stored in graph_meta.
const (
	metaGraphUUID           = "graph-uuid"
	metaSchemaVersion       = "schema-version"
	metaRemoteSchemaVersion = "remote-schema-version"
	metaDeviceUUID          = "device-uuid"
	metaLocalClock          = "local-clock"
	metaRemoteClock         = "remote-clock"
)

// DB wraps the SQLite connection for one local graph database.
type DB struct {
	conn *sql.DB
	path string
}

// User is a materialized identity record, compared against presence updates
// to decide whether the server needs fresh user info injected.
type User struct {
	ID     string
	Name   string
	Email  string
	Avatar string
}

// PendingOp is one queued local edit awaiting a push to the remote.
type PendingOp struct {
	ID        int64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// PendingAsset is one queued asset transfer.
type PendingAsset struct {
	ID        int64
	AssetUUID string
	Action    string // "upload" or "download"
	Path      string
	CreatedAt time.Time
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = "file:" + path
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads during sync writes
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection, checkpointing the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload BLOB,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		asset_uuid TEXT NOT NULL,
		action TEXT NOT NULL,  -- upload, download
		path TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_created ON pending_ops(created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_assets_uuid ON pending_assets(asset_uuid);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// getMeta returns the metadata value for key, or "" if the key is unset.
func (db *DB) getMeta(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM graph_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

// setMeta writes the metadata value for key.
func (db *DB) setMeta(key, value string) error {
	_, err := db.conn.Exec(`
		INSERT INTO graph_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// GraphUUID returns the remote graph identifier, or "" if this database
// has never been bound to a remote graph.
func (db *DB) GraphUUID() (string, error) {
	return db.getMeta(metaGraphUUID)
}

// SetGraphUUID binds this database to a remote graph.
func (db *DB) SetGraphUUID(id string) error {
	return db.setMeta(metaGraphUUID, id)
}

// SchemaVersion returns the local data-model version ("v<major>.<minor>"),
// or "" if unset.
func (db *DB) SchemaVersion() (string, error) {
	return db.getMeta(metaSchemaVersion)
}

// SetSchemaVersion records the local data-model version.
func (db *DB) SetSchemaVersion(v string) error {
	return db.setMeta(metaSchemaVersion, v)
}

// RemoteSchemaVersion returns the last-known remote data-model version,
// or "" if the remote has never reported one.
func (db *DB) RemoteSchemaVersion() (string, error) {
	return db.getMeta(metaRemoteSchemaVersion)
}

// SetRemoteSchemaVersion records the remote data-model version reported by
// the server on connection open.
func (db *DB) SetRemoteSchemaVersion(v string) error {
	return db.setMeta(metaRemoteSchemaVersion, v)
}

// DeviceUUID returns this device's registered identifier, or "" if the
// device has never registered with the server.
func (db *DB) DeviceUUID() (string, error) {
	return db.getMeta(metaDeviceUUID)
}

// SetDeviceUUID persists the device identifier after registration.
func (db *DB) SetDeviceUUID(id string) error {
	return db.setMeta(metaDeviceUUID, id)
}

// Clocks returns the local and remote logical clocks. Missing values
// read as zero.
func (db *DB) Clocks() (local, remote int64, err error) {
	lv, err := db.getMeta(metaLocalClock)
	if err != nil {
		return 0, 0, err
	}
	rv, err := db.getMeta(metaRemoteClock)
	if err != nil {
		return 0, 0, err
	}
	if lv != "" {
		if _, err := fmt.Sscanf(lv, "%d", &local); err != nil {
			return 0, 0, fmt.Errorf("corrupt local clock %q: %w", lv, err)
		}
	}
	if rv != "" {
		if _, err := fmt.Sscanf(rv, "%d", &remote); err != nil {
			return 0, 0, fmt.Errorf("corrupt remote clock %q: %w", rv, err)
		}
	}
	return local, remote, nil
}

// BumpLocalClock increments and returns the local logical clock.
func (db *DB) BumpLocalClock() (int64, error) {
	local, _, err := db.Clocks()
	if err != nil {
		return 0, err
	}
	local++
	if err := db.setMeta(metaLocalClock, fmt.Sprintf("%d", local)); err != nil {
		return 0, err
	}
	return local, nil
}

// SetRemoteClock records the remote logical clock observed in an update.
func (db *DB) SetRemoteClock(v int64) error {
	return db.setMeta(metaRemoteClock, fmt.Sprintf("%d", v))
}

// EnqueueOp appends a local operation to the push queue.
func (db *DB) EnqueueOp(kind string, payload []byte) error {
	_, err := db.conn.Exec(
		"INSERT INTO pending_ops (kind, payload, created_at) VALUES (?, ?, ?)",
		kind, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue op: %w", err)
	}
	return nil
}

// PendingOpCount returns the number of local operations awaiting push.
func (db *DB) PendingOpCount() (int64, error) {
	var n int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM pending_ops").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return n, nil
}

// PeekPendingOps returns up to limit queued operations in insertion order
// without removing them. Ops stay queued under their original ids until
// DeletePendingOps confirms the remote accepted them, so a failed or
// interrupted push retries the same batch ahead of anything enqueued since.
func (db *DB) PeekPendingOps(limit int) ([]PendingOp, error) {
	rows, err := db.conn.Query(
		"SELECT id, kind, payload, created_at FROM pending_ops ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ops: %w", err)
	}
	defer rows.Close()

	var ops []PendingOp
	for rows.Next() {
		var op PendingOp
		var createdAt string
		if err := rows.Scan(&op.ID, &op.Kind, &op.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.CreatedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending ops: %w", err)
	}
	return ops, nil
}

// DeletePendingOps removes acknowledged operations by id. All deletes run in
// one transaction so a crash cannot leave a half-cleared batch.
func (db *DB) DeletePendingOps(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM pending_ops WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete pending op %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// EnqueueAsset appends an asset transfer to the asset queue.
func (db *DB) EnqueueAsset(assetUUID, action, path string) error {
	_, err := db.conn.Exec(
		"INSERT INTO pending_assets (asset_uuid, action, path, created_at) VALUES (?, ?, ?, ?)",
		assetUUID, action, path, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue asset: %w", err)
	}
	return nil
}

// PendingAssetCount returns the number of asset transfers awaiting completion.
func (db *DB) PendingAssetCount() (int64, error) {
	var n int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM pending_assets").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending assets: %w", err)
	}
	return n, nil
}

// TakePendingAssets removes and returns up to limit queued asset transfers
// in insertion order.
func (db *DB) TakePendingAssets(limit int) ([]PendingAsset, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		"SELECT id, asset_uuid, action, path, created_at FROM pending_assets ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending assets: %w", err)
	}

	var assets []PendingAsset
	for rows.Next() {
		var a PendingAsset
		var createdAt string
		if err := rows.Scan(&a.ID, &a.AssetUUID, &a.Action, &a.Path, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan pending asset: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate pending assets: %w", err)
	}
	_ = rows.Close()

	for _, a := range assets {
		if _, err := tx.Exec("DELETE FROM pending_assets WHERE id = ?", a.ID); err != nil {
			return nil, fmt.Errorf("failed to delete pending asset %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return assets, nil
}

// UpsertUsers inserts or updates materialized identity records.
func (db *DB) UpsertUsers(users []User) error {
	if len(users) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, u := range users {
		_, err := tx.Exec(`
			INSERT INTO users (id, name, email, avatar, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				avatar = excluded.avatar,
				updated_at = excluded.updated_at`,
			u.ID, u.Name, u.Email, u.Avatar, now)
		if err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// UsersByIDs returns materialized identity records for the given identifiers.
// Unknown identifiers are simply absent from the result.
func (db *DB) UsersByIDs(ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.Query(
		"SELECT id, name, email, avatar FROM users WHERE id IN ("+placeholders+") ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// DeleteSyncMetadata removes all sync state for the current graph: metadata
// keys bound to the remote graph, queued operations, queued assets, and
// materialized users. The device UUID survives - it identifies the device,
// not the graph.
func (db *DB) DeleteSyncMetadata() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range []string{
		metaGraphUUID, metaSchemaVersion, metaRemoteSchemaVersion,
		metaLocalClock, metaRemoteClock,
	} {
		if _, err := tx.Exec("DELETE FROM graph_meta WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete meta %q: %w", key, err)
		}
	}

	for _, table := range []string{"pending_ops", "pending_assets", "users"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
