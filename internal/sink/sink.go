// Package sink 输出记录的落地方式
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed 输出已关闭
var ErrClosed = errors.New("输出已关闭")

// Sink 追加写入的输出端
// 对调用方而言是至少一次语义,去重由调用方负责
type Sink interface {
	Emit(ctx context.Context, record any) error
	Close() error
}

// FileSink JSON Lines文件输出
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// NewFileSink 以追加方式打开输出文件
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Emit 写入一行JSON并立即刷盘
func (s *FileSink) Emit(_ context.Context, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入记录失败: %w", err)
	}
	return s.w.Flush()
}

// Close 刷新并关闭文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// Memory 内存输出,用于测试和演练
type Memory struct {
	mu      sync.Mutex
	records []any
}

// NewMemory 创建内存输出
func NewMemory() *Memory {
	return &Memory{}
}

// Emit 记录
func (m *Memory) Emit(_ context.Context, record any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records 已输出记录的副本
func (m *Memory) Records() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.records...)
}

// Len 已输出记录数
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close 无操作
func (m *Memory) Close() error { return nil }
