// Package state 提供分页游标状态的持久化存储
//
// Store 以父实体为键记录已输出的子实体ID、计数和续传游标;
// KV 抽象了底层持久化后端(本地JSON文件、SQLite、Redis),
// 进程重启后通过 Load 恢复,已输出的子实体不会被再次输出。
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("键不存在")

// KV 持久化键值存储
type KV interface {
	// Load 读取键值,不存在时返回ErrNotFound
	Load(ctx context.Context, key string) ([]byte, error)
	// Save 覆盖写入键值
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileKV 基于目录的KV,每个键一个JSON文件
type FileKV struct {
	dir string
}

// NewFileKV 创建文件KV
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

// Load 读取键值
func (f *FileKV) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取状态文件失败: %w", err)
	}
	return data, nil
}

// Save 先写临时文件再重命名,避免崩溃时留下半个文件
func (f *FileKV) Save(_ context.Context, key string, value []byte) error {
	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("写入状态文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("写入状态文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("替换状态文件失败: %w", err)
	}
	return nil
}

// Close 无需释放资源
func (f *FileKV) Close() error { return nil }
