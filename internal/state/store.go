package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultStateKey 分页状态的持久化键
const DefaultStateKey = "STATE-SCROLLING"

// EmitResult TryEmit的判定结果
type EmitResult int

const (
	Emitted      EmitResult = iota // 首次出现,已记录(Reserve时表示已预留)
	Duplicate                      // 已输出过或正在输出
	LimitReached                   // 已达上限,未记录
)

// Snapshot 某个父实体的分页快照
type Snapshot struct {
	Cursor  string
	Count   int
	Drained bool
}

// persistedParent 持久化格式
type persistedParent struct {
	Cursor    string    `json:"cursor"`
	Seen      []string  `json:"seen"`
	Count     int       `json:"count"`
	Drained   bool      `json:"drained"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type parentState struct {
	cursor    string
	seen      map[string]struct{}
	order     []string
	pending   map[string]struct{} // 已预留但尚未写入输出
	drained   bool
	updatedAt time.Time

	encoded json.RawMessage // 最近一次序列化结果,dirty为false时可复用
	dirty   bool
}

func newParentState() *parentState {
	return &parentState{
		seen:    make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

func (st *parentState) touch() {
	st.updatedAt = time.Now()
	st.dirty = true
}

// Store 分页游标状态存储
// 所有修改都是单调的: 已见集合只增不减,计数只增不减
type Store struct {
	kv  KV
	key string

	mu      sync.Mutex
	parents map[string]*parentState
	version uint64 // 每次修改递增
	saved   uint64 // 最近一次持久化的版本

	saveMu sync.Mutex // 串行化Save,保证新快照不会被旧快照覆盖
}

// NewStore 创建状态存储,kv为nil时仅在内存中保存
func NewStore(kv KV, key string) *Store {
	if key == "" {
		key = DefaultStateKey
	}
	return &Store{
		kv:      kv,
		key:     key,
		parents: make(map[string]*parentState),
	}
}

// Load 从KV恢复状态,与内存中的状态合并
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	data, err := s.kv.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("加载分页状态失败: %w", err)
	}

	var persisted map[string]persistedParent
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("解析分页状态失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for parent, p := range persisted {
		st := s.get(parent)
		for _, child := range p.Seen {
			if _, ok := st.seen[child]; !ok {
				st.seen[child] = struct{}{}
				st.order = append(st.order, child)
			}
		}
		if st.cursor == "" {
			st.cursor = p.Cursor
		}
		st.drained = st.drained || p.Drained
		if p.UpdatedAt.After(st.updatedAt) {
			st.updatedAt = p.UpdatedAt
		}
		st.dirty = true
	}
	return nil
}

// Save 持久化当前状态,没有变化时跳过
// 只重新序列化有修改的父实体,其余复用上次的结果
// 并发调用会排队,排在后面的调用发现版本已保存时直接返回
func (s *Store) Save(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	version := s.version
	persisted := make(map[string]json.RawMessage, len(s.parents))
	for parent, st := range s.parents {
		if st.dirty || st.encoded == nil {
			encoded, err := json.Marshal(persistedParent{
				Cursor:    st.cursor,
				Seen:      st.order,
				Count:     len(st.order),
				Drained:   st.drained,
				UpdatedAt: st.updatedAt,
			})
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("序列化分页状态失败: %w", err)
			}
			st.encoded = encoded
			st.dirty = false
		}
		persisted[parent] = st.encoded
	}
	s.mu.Unlock()

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("序列化分页状态失败: %w", err)
	}
	if err := s.kv.Save(ctx, s.key, data); err != nil {
		return fmt.Errorf("保存分页状态失败: %w", err)
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()
	return nil
}

// TryEmit 原子的"不存在则插入"
// limit<=0 表示不限制数量
func (s *Store) TryEmit(parent, child string, limit int) EmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.reserveLocked(parent, child, limit)
	if res == Emitted {
		s.commitLocked(parent, child)
	}
	return res
}

// Reserve 预留一个子实体,写入输出成功后Commit,失败后Cancel
// 预留中的子实体计入上限,并发的重复预留返回Duplicate
func (s *Store) Reserve(parent, child string, limit int) EmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(parent, child, limit)
}

// Commit 确认预留的子实体已输出
func (s *Store) Commit(parent, child string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(parent, child)
}

// Cancel 撤销预留,之后可以再次输出
func (s *Store) Cancel(parent, child string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.get(parent).pending, child)
}

func (s *Store) reserveLocked(parent, child string, limit int) EmitResult {
	st := s.get(parent)
	if _, ok := st.seen[child]; ok {
		return Duplicate
	}
	if _, ok := st.pending[child]; ok {
		return Duplicate
	}
	if limit > 0 && len(st.order)+len(st.pending) >= limit {
		return LimitReached
	}
	st.pending[child] = struct{}{}
	return Emitted
}

func (s *Store) commitLocked(parent, child string) {
	st := s.get(parent)
	if _, ok := st.pending[child]; !ok {
		return
	}
	delete(st.pending, child)
	st.seen[child] = struct{}{}
	st.order = append(st.order, child)
	st.touch()
	s.version++
}

// Advance 记录接口返回的续传游标,hasNext为false时标记为已取尽
func (s *Store) Advance(parent, cursor string, hasNext bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(parent)
	changed := false
	if cursor != "" && cursor != st.cursor {
		st.cursor = cursor
		changed = true
	}
	if !hasNext && !st.drained {
		st.drained = true
		changed = true
	}
	if changed {
		st.touch()
		s.version++
	}
}

// MarkDrained 标记父实体已取尽(例如已越过截止日期)
func (s *Store) MarkDrained(parent string) {
	s.Advance(parent, "", false)
}

// Snapshot 获取父实体当前快照
func (s *Store) Snapshot(parent string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.parents[parent]
	if !ok {
		return Snapshot{}
	}
	return Snapshot{Cursor: st.cursor, Count: len(st.order), Drained: st.drained}
}

// Seen 子实体是否已输出
func (s *Store) Seen(parent, child string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.parents[parent]
	if !ok {
		return false
	}
	_, seen := st.seen[child]
	return seen
}

// Parents 已跟踪的父实体数量
func (s *Store) Parents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parents)
}

func (s *Store) get(parent string) *parentState {
	st, ok := s.parents[parent]
	if !ok {
		st = newParentState()
		s.parents[parent] = st
	}
	return st
}
