package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "imgcache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store     TEXT NOT NULL,
	key       TEXT NOT NULL,
	payload   BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);`

// NewSQLiteRegistry 在 basePath/imgcache.db 中保存所有缓存库。
func NewSQLiteRegistry(basePath string) (Registry, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(basePath, SQLiteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteRegistry{db: db}, nil
}

type sqliteRegistry struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (r *sqliteRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, storageError("open", name, err)
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, storageError("open", name, err)
	}
	return &sqliteStore{db: r.db, name: name}, nil
}

func (r *sqliteRegistry) Names(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, storageError("list", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageError("list", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", "", err)
	}
	return names, nil
}

func (r *sqliteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError("delete", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, storageError("delete", name, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, storageError("delete", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageError("delete", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageError("delete", name, err)
	}
	return affected > 0, nil
}

func (r *sqliteRegistry) Close() error {
	return r.db.Close()
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Get(ctx context.Context, key Key) (*StoredResponse, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM entries WHERE store = ? AND key = ?",
		s.name, key.String()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageError("get", s.name, err)
	}
	stored, err := decodeResponse(payload)
	if err != nil {
		return nil, storageError("get", s.name, err)
	}
	return stored, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	payload, err := encodeResponse(resp)
	if err != nil {
		return storageError("put", s.name, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("put", s.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		s.name, time.Now().Unix()); err != nil {
		return storageError("put", s.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (store, key, payload, stored_at) VALUES (?, ?, ?, ?)",
		s.name, key.String(), payload, time.Now().Unix()); err != nil {
		return storageError("put", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("put", s.name, err)
	}
	return nil
}
