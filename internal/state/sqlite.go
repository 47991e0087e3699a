package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteKV SQLite持久化的KV
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV 打开(必要时创建)数据库
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单连接避免 database is locked
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return &SQLiteKV{db: db}, nil
}

// Load 读取键值
func (s *SQLiteKV) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询键 %s 失败: %w", key, err)
	}
	return value, nil
}

// Save 写入键值
func (s *SQLiteKV) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("写入键 %s 失败: %w", key, err)
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
