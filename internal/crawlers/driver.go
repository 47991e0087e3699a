package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DriverConfig 调度器配置
type DriverConfig struct {
	ResultType            models.ResultType
	MaxConcurrency        int
	CookiesPerConcurrency int // 每个并发导航分配的登录Cookie组数
	MaxRetries            int // 失败后最多重试次数

	PageTimeout        time.Duration // 页面操作超时,也是等待ItemSpec的上限
	ViewerTimeout      time.Duration
	InitialDataTimeout time.Duration
	HandleTimeout      time.Duration // 单个目标的总处理时间

	RetryBase time.Duration
	RetryMax  time.Duration

	Limit             int
	Until             time.Time
	ScrollWait        time.Duration
	MaxIdleScrolls    int
	IncludeHasStories bool
}

// DefaultDriverConfig 默认配置
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		ResultType:            models.ResultPosts,
		MaxConcurrency:        100,
		CookiesPerConcurrency: 1,
		MaxRetries:            3,
		PageTimeout:           60 * time.Second,
		ViewerTimeout:         15 * time.Second,
		InitialDataTimeout:    20 * time.Second,
		HandleTimeout:         5 * time.Hour,
		RetryBase:             2 * time.Second,
		RetryMax:              30 * time.Second,
		Limit:                 200,
		ScrollWait:            15 * time.Second,
		MaxIdleScrolls:        3,
	}
}

// Driver 抓取调度器
// 从队列取目标,分配会话,打开导航并运行处理器,按失败类型决定跳过、重试或终止
type Driver struct {
	cfg      DriverConfig
	browser  Browser
	pool     *SessionPool
	deps     CaptureDeps
	monitor  *ResourceMonitor
	progress *utils.Progress

	queue *WorkQueue

	mu    sync.Mutex
	stats models.RunStats
}

// NewDriver 创建调度器,monitor可以为nil
func NewDriver(cfg DriverConfig, browser Browser, pool *SessionPool, deps CaptureDeps, monitor *ResourceMonitor) *Driver {
	def := DefaultDriverConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.CookiesPerConcurrency <= 0 {
		cfg.CookiesPerConcurrency = def.CookiesPerConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.ViewerTimeout <= 0 {
		cfg.ViewerTimeout = def.ViewerTimeout
	}
	if cfg.InitialDataTimeout <= 0 {
		cfg.InitialDataTimeout = def.InitialDataTimeout
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = def.HandleTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.MaxIdleScrolls <= 0 {
		cfg.MaxIdleScrolls = def.MaxIdleScrolls
	}

	return &Driver{
		cfg:     cfg,
		browser: browser,
		pool:    pool,
		deps:    deps,
		monitor: monitor,
	}
}

// SetProgress 设置进度条
func (d *Driver) SetProgress(p *utils.Progress) {
	d.progress = p
}

// Workers 本次运行的并发导航数
func (d *Driver) Workers() int {
	n := d.cfg.MaxConcurrency
	if d.pool.Credentialed() {
		// 每CookiesPerConcurrency组Cookie支撑一个并发导航,向上取整
		per := max(d.cfg.CookiesPerConcurrency, 1)
		n = min(n, (d.pool.Capacity()+per-1)/per)
	} else if d.monitor != nil {
		n = min(n, d.monitor.CalculateMaxNavigations())
	}
	return max(n, 1)
}

// Run 处理所有目标,直到全部终结或遇到致命错误
func (d *Driver) Run(ctx context.Context, items []models.WorkItem) (models.RunStats, error) {
	start := time.Now()
	d.queue = NewWorkQueue()

	for _, item := range items {
		if err := d.queue.Push(item); err != nil {
			log.Warn().Err(err).Msg("忽略目标")
			continue
		}
		d.stats.Items++
	}
	if d.queue.Outstanding() == 0 {
		utils.Warnf("没有需要处理的目标")
		return d.finish(start), nil
	}

	workers := d.Workers()
	utils.Infof("开始抓取: %d个目标, %d个并发导航", d.stats.Items, workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return d.worker(gctx, id)
		})
	}

	err := g.Wait()
	d.queue.Close()
	return d.finish(start), err
}

func (d *Driver) finish(start time.Time) models.RunStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Duration = time.Since(start).Seconds()
	d.stats.InvalidSessions = d.pool.InvalidCount()
	return d.stats
}

// Stats 当前统计快照
func (d *Driver) Stats() models.RunStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Driver) record(fn func(s *models.RunStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.stats)
}

func (d *Driver) worker(ctx context.Context, id int) error {
	for {
		item, ok := d.queue.Pop(ctx)
		if !ok {
			return nil
		}

		d.deps.Metrics.WorkerBusy(1)
		err := d.process(ctx, item)
		d.deps.Metrics.WorkerBusy(-1)

		switch {
		case err == nil:
			d.record(func(s *models.RunStats) { s.Succeeded++ })
			d.deps.Metrics.ItemDone("succeeded")
			d.terminal()
		case IsFatal(err):
			log.Error().Err(err).Int("worker", id).Str("url", item.URL).Msg("致命错误,停止运行")
			d.terminal()
			return err
		case IsSkip(err):
			utils.Infof("跳过 %s: %v", item.URL, err)
			d.record(func(s *models.RunStats) { s.Skipped++ })
			d.deps.Metrics.ItemDone("skipped")
			d.terminal()
		case ctx.Err() != nil:
			d.terminal()
			return nil
		default:
			d.fail(ctx, item, err)
		}
	}
}

func (d *Driver) terminal() {
	d.queue.Done()
	if d.progress != nil {
		d.progress.Done()
	}
}

// fail 重试或进入死信
func (d *Driver) fail(ctx context.Context, item models.WorkItem, err error) {
	next := item.Retry(err)
	if next.Attempt > d.cfg.MaxRetries {
		log.Error().Err(err).Str("url", item.URL).Int("attempts", next.Attempt).Msg("重试次数耗尽")
		if emitErr := d.deps.Sink.Emit(ctx, models.NewDeadLetter(next)); emitErr != nil {
			log.Error().Err(emitErr).Str("url", item.URL).Msg("写入死信失败")
		}
		d.record(func(s *models.RunStats) { s.DeadLettered++ })
		d.deps.Metrics.ItemDone("failed")
		d.terminal()
		return
	}

	delay := d.backoff(next.Attempt)
	log.Warn().Err(err).Str("url", item.URL).Int("attempt", next.Attempt).Dur("delay", delay).Msg("处理失败,稍后重试")
	d.record(func(s *models.RunStats) { s.Retries++ })
	d.queue.Requeue(next, delay)
}

// backoff 指数退避,attempt从1开始
func (d *Driver) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempt && delay < d.cfg.RetryMax; i++ {
		delay *= 2
	}
	return min(delay, d.cfg.RetryMax)
}

// process 在会话上处理单个目标
func (d *Driver) process(ctx context.Context, item models.WorkItem) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandleTimeout)
	defer cancel()

	if d.monitor != nil && !d.pool.Credentialed() {
		if err := d.monitor.WaitAvailable(ctx, d.cfg.PageTimeout); err != nil {
			return err
		}
	}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = d.visit(ctx, session, item)
	d.pool.Release(session, outcomeFor(err))
	return err
}

// outcomeFor 根据处理结果评价会话
func outcomeFor(err error) Outcome {
	switch {
	case err == nil, IsSkip(err), errors.Is(err, ErrSinkFailed):
		return OutcomeGood
	case errors.Is(err, ErrLoginRedirect), errors.Is(err, ErrCredentialsExhausted):
		return OutcomeRetire
	default:
		return OutcomeBad
	}
}

func (d *Driver) visit(ctx context.Context, session *Session, item models.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBrowserCrashed, r)
			log.Error().Str("url", item.URL).Interface("panic", r).Msg("导航过程中发生panic")
		}
	}()

	start := time.Now()
	nav, err := d.browser.Open(ctx, OpenOptions{Session: session, PageType: item.PageType})
	if err != nil {
		return err
	}
	defer nav.Close()

	signal := NewSpecSignal()
	capture := NewCapture(d.deps, signal, ParserFor(d.cfg.ResultType), d.cfg.PageTimeout)

	capCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()
	captured := make(chan struct{})
	go func() {
		defer close(captured)
		capture.Run(capCtx, nav.Responses())
	}()

	err = d.navigate(ctx, nav, capture, signal, session, item)
	if err != nil {
		stopCapture()
	}
	// 关闭后处理完已缓冲的响应
	nav.Close()
	<-captured
	if err == nil {
		err = capture.Err()
	}

	d.record(func(s *models.RunStats) {
		s.Emitted += capture.Emitted()
		s.Duplicates += capture.Duplicates()
		s.DroppedResponses += capture.Dropped()
	})
	d.deps.Metrics.ObserveNavigation(time.Since(start))
	return err
}

func (d *Driver) navigate(ctx context.Context, nav Navigation, capture *Capture, signal *SpecSignal, session *Session, item models.WorkItem) error {
	status, err := nav.Goto(ctx, item.URL)
	if err != nil {
		return err
	}
	if status == 0 {
		return ErrNoResponse
	}

	if session.Credentialed {
		viewer, err := nav.ViewerID(ctx, d.cfg.ViewerTimeout)
		if err != nil {
			return err
		}
		if viewer == "" {
			if !d.pool.HasOtherUsable(session) {
				return fmt.Errorf("%w: 会话 %s 未登录且没有其他可用会话", ErrCredentialsExhausted, session.ID)
			}
			return ErrViewerMissing
		}
	}

	if status == 404 {
		return ErrNotFound
	}
	private, err := nav.IsPrivate(ctx)
	if err != nil {
		return err
	}
	if private {
		return ErrPrivatePage
	}

	data, err := nav.InitialData(ctx, d.cfg.InitialDataTimeout)
	if err != nil {
		return err
	}
	if extract.IsLoginPage(data) {
		return ErrLoginRedirect
	}

	spec, err := extract.ItemSpecFromInitialData(data, item.URL)
	if err != nil {
		return err
	}
	spec.ResultType = d.cfg.ResultType
	spec.Limit = d.cfg.Limit
	spec.Until = d.cfg.Until
	spec.ScrollWait = d.cfg.ScrollWait
	signal.Set(spec)

	h, err := handlerFor(item.Label, d.cfg.ResultType)
	if err != nil {
		return err
	}
	return h(ctx, &pageContext{
		nav:               nav,
		capture:           capture,
		spec:              spec,
		data:              data,
		maxIdle:           d.cfg.MaxIdleScrolls,
		includeHasStories: d.cfg.IncludeHasStories,
	})
}
