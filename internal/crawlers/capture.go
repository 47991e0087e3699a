package crawlers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/metrics"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/rs/zerolog/log"
)

// SpecSignal 一次性设置的ItemSpec
// 响应处理在Set之前到达时阻塞等待
type SpecSignal struct {
	once  sync.Once
	ready chan struct{}
	spec  *models.ItemSpec
}

// NewSpecSignal 创建未设置的信号
func NewSpecSignal() *SpecSignal {
	return &SpecSignal{ready: make(chan struct{})}
}

// Set 设置ItemSpec,只有第一次调用生效
func (s *SpecSignal) Set(spec *models.ItemSpec) bool {
	set := false
	s.once.Do(func() {
		s.spec = spec
		close(s.ready)
		set = true
	})
	return set
}

// Get 非阻塞读取,未设置时返回nil
func (s *SpecSignal) Get() *models.ItemSpec {
	select {
	case <-s.ready:
		return s.spec
	default:
		return nil
	}
}

// Wait 等待ItemSpec,超时返回ErrSpecTimeout
func (s *SpecSignal) Wait(ctx context.Context, timeout time.Duration) (*models.ItemSpec, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return s.spec, nil
	case <-timer.C:
		return nil, ErrSpecTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ParseFunc 接口响应解析函数
type ParseFunc func(body []byte, spec *models.ItemSpec) (*extract.Batch, error)

// ParserFor 结果类型对应的响应解析器,不需要解析接口响应时返回nil
func ParserFor(rt models.ResultType) ParseFunc {
	switch rt {
	case models.ResultPosts:
		return extract.ParsePosts
	case models.ResultComments:
		return extract.ParseComments
	default:
		return nil
	}
}

// CaptureDeps Capture依赖的共享组件
type CaptureDeps struct {
	Cache   *ResourceCache
	Store   *state.Store
	Sink    sink.Sink
	Metrics *metrics.Metrics
}

// Capture 单个导航的响应处理
// 缓存静态脚本包,解析数据接口响应,去重后输出
type Capture struct {
	CaptureDeps
	signal   *SpecSignal
	parse    ParseFunc
	specWait time.Duration

	updates chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	err      error

	emitted    atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// NewCapture 创建响应处理器
func NewCapture(deps CaptureDeps, signal *SpecSignal, parse ParseFunc, specWait time.Duration) *Capture {
	return &Capture{
		CaptureDeps: deps,
		signal:      signal,
		parse:       parse,
		specWait:    specWait,
		updates:     make(chan struct{}, 1),
		failed:      make(chan struct{}),
	}
}

// Failed 响应处理失败时关闭,处理器据此停止滚动
func (c *Capture) Failed() <-chan struct{} {
	return c.failed
}

// Err 第一个导致导航失败的错误
func (c *Capture) Err() error {
	select {
	case <-c.failed:
		return c.err
	default:
		return nil
	}
}

func (c *Capture) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
	})
}

// Updates 有新数据写入时收到通知,多次写入合并为一次
func (c *Capture) Updates() <-chan struct{} {
	return c.updates
}

// Run 按到达顺序处理响应,直到通道关闭或ctx取消
func (c *Capture) Run(ctx context.Context, responses <-chan CapturedResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			c.Handle(ctx, resp)
		}
	}
}

// Handle 处理单个响应
func (c *Capture) Handle(ctx context.Context, resp CapturedResponse) {
	if IsStaticBundle(resp.URL) {
		entry := CacheEntry{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
		if entry.Valid() && c.Cache != nil {
			c.Cache.Put(resp.URL, entry)
		}
		return
	}
	if !IsAPIResponse(resp.URL) || c.parse == nil {
		return
	}

	spec, err := c.signal.Wait(ctx, c.specWait)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("url", resp.URL).Msg("丢弃接口响应")
			c.drop()
			c.fail(err)
		}
		return
	}

	batch, err := c.parse(resp.Body, spec)
	if err != nil {
		log.Warn().Err(err).Str("url", resp.URL).Int("status", resp.Status).Msg("解析接口响应失败")
		c.drop()
		return
	}
	if _, err := c.Ingest(ctx, spec, batch); err != nil {
		c.fail(err)
	}
}

func (c *Capture) drop() {
	c.dropped.Add(1)
	c.Metrics.ResponseDropped()
}

// Ingest 去重输出一批实体并推进分页游标,返回新输出的数量
// 子实体在写入输出成功后才记为已输出,写入失败时不推进游标并返回ErrSinkFailed
func (c *Capture) Ingest(ctx context.Context, spec *models.ItemSpec, batch *extract.Batch) (int, error) {
	parent := spec.ParentKey()
	cutoff := false
	emitted := 0

	for _, e := range batch.Entities {
		if e.Kind == "post" && spec.Expired(e.Timestamp) {
			cutoff = true
			continue
		}

		switch c.Store.Reserve(parent, e.ID, spec.Limit) {
		case state.Duplicate:
			c.duplicates.Add(1)
			c.Metrics.Duplicate()
			continue
		case state.LimitReached:
			continue
		}

		if err := c.Sink.Emit(ctx, e.Record(spec)); err != nil {
			c.Store.Cancel(parent, e.ID)
			log.Error().Err(err).Str("id", e.ID).Str("parent", parent).Msg("写入输出失败")
			c.notify()
			return emitted, fmt.Errorf("%w: %v", ErrSinkFailed, err)
		}
		c.Store.Commit(parent, e.ID)
		emitted++
		c.emitted.Add(1)
		c.Metrics.EntityEmitted(e.Kind)
	}

	c.Store.Advance(parent, batch.Cursor, batch.HasNext && !cutoff)
	c.save(ctx)

	if emitted > 0 {
		log.Debug().Str("parent", parent).Int("new", emitted).Int("batch", len(batch.Entities)).Msg("输出新实体")
	}
	c.notify()
	return emitted, nil
}

func (c *Capture) save(ctx context.Context) {
	if err := c.Store.Save(ctx); err != nil {
		log.Warn().Err(err).Msg("保存分页状态失败")
	}
}

func (c *Capture) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Progress 当前父实体的分页快照
func (c *Capture) Progress(spec *models.ItemSpec) state.Snapshot {
	return c.Store.Snapshot(spec.ParentKey())
}

// Emitted 本次导航输出的实体数
func (c *Capture) Emitted() int { return int(c.emitted.Load()) }

// Duplicates 本次导航丢弃的重复实体数
func (c *Capture) Duplicates() int { return int(c.duplicates.Load()) }

// Dropped 本次导航丢弃的响应数
func (c *Capture) Dropped() int { return int(c.dropped.Load()) }

// EmitOnce 按key去重输出单条记录,已输出过返回false
func (c *Capture) EmitOnce(ctx context.Context, parent, key string, rec map[string]any, kind string) (bool, error) {
	if c.Store.Reserve(parent, key, 0) != state.Emitted {
		c.duplicates.Add(1)
		c.Metrics.Duplicate()
		return false, nil
	}
	if err := c.Sink.Emit(ctx, rec); err != nil {
		c.Store.Cancel(parent, key)
		log.Error().Err(err).Str("key", key).Msg("写入输出失败")
		return false, fmt.Errorf("%w: %v", ErrSinkFailed, err)
	}
	c.Store.Commit(parent, key)
	c.emitted.Add(1)
	c.Metrics.EntityEmitted(kind)
	c.save(ctx)
	return true, nil
}
