package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/crawlers"
	"github.com/RecoveryAshes/igscrape/internal/discovery"
	"github.com/RecoveryAshes/igscrape/internal/metrics"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/rs/zerolog/log"
)

// BrowserFactory 创建浏览器
type BrowserFactory func(cfg crawlers.RodConfig, gate *crawlers.Gate, cache *crawlers.ResourceCache) (crawlers.Browser, error)

func launchRod(cfg crawlers.RodConfig, gate *crawlers.Gate, cache *crawlers.ResourceCache) (crawlers.Browser, error) {
	return crawlers.LaunchRodBrowser(cfg, gate, cache)
}

// Scraper 一次抓取运行的编排器
type Scraper struct {
	config  *Config
	metrics *metrics.Metrics

	// NewBrowser 可替换,默认启动rod浏览器
	NewBrowser BrowserFactory
	// Search 可替换,默认使用topsearch接口
	Search func(ctx context.Context, term string, typ discovery.SearchType, limit int) ([]string, error)
	// ShowProgress 是否在终端显示进度条
	ShowProgress bool

	stats models.RunStats
}

// NewScraper 创建编排器,config需已通过Validate
func NewScraper(config *Config) *Scraper {
	s := &Scraper{
		config:     config,
		metrics:    metrics.New(),
		NewBrowser: launchRod,
	}
	s.Search = s.defaultSearch
	return s
}

// Stats 最近一次运行的统计
func (s *Scraper) Stats() models.RunStats {
	return s.stats
}

// Metrics 指标集合
func (s *Scraper) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Scraper) defaultSearch(ctx context.Context, term string, typ discovery.SearchType, limit int) ([]string, error) {
	proxy := ""
	if len(s.config.Proxy.URLs) > 0 {
		proxy = s.config.Proxy.URLs[0]
	}
	searcher := discovery.NewSearcher(discovery.SearchConfig{
		Proxy:   proxy,
		Timeout: time.Duration(s.config.Input.PageTimeoutSecs) * time.Second,
	})
	return searcher.Search(ctx, term, typ, limit)
}

// Run 执行抓取
func (s *Scraper) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	if s.config.Metrics.Addr != "" {
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := s.metrics.Serve(metricsCtx, s.config.Metrics.Addr); err != nil {
				log.Warn().Err(err).Msg("指标服务异常退出")
			}
		}()
	}

	kv, err := s.openKV(ctx)
	if err != nil {
		return err
	}
	defer kv.Close()

	out, err := s.openSink()
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭输出失败")
		}
	}()

	if s.config.ResultType() == models.ResultCookies {
		return s.runLogin(ctx, out, kv)
	}
	return s.runScrape(ctx, out, kv)
}

// runLogin 登录模式: 登录后导出Cookie
func (s *Scraper) runLogin(ctx context.Context, out sink.Sink, kv state.KV) error {
	cache := crawlers.NewResourceCache()
	gate := crawlers.NewGate(crawlers.DefaultBlockPolicy(), cache, models.ResultCookies, s.metrics)
	browser, err := s.NewBrowser(s.rodConfig(), gate, cache)
	if err != nil {
		return fmt.Errorf("启动浏览器失败: %w", err)
	}
	defer browser.Close()

	record, err := crawlers.CaptureCookies(ctx, browser, out, kv, crawlers.LoginOptions{
		Username: s.config.Input.LoginUsername,
		Password: s.config.Input.LoginPassword,
	})
	if err != nil {
		return err
	}
	utils.Infof("已导出 %d 个Cookie", len(record.Cookies))
	return nil
}

// runScrape 抓取模式
func (s *Scraper) runScrape(ctx context.Context, out sink.Sink, kv state.KV) error {
	items, err := s.discover(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		log.Warn().Msg("No URLs,没有可抓取的目标")
		return nil
	}

	store := state.NewStore(kv, s.config.Storage.StateKey)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("加载分页状态失败: %w", err)
	}
	// 中断时也要保存已完成的进度
	defer func() {
		if err := store.Save(context.WithoutCancel(ctx)); err != nil {
			utils.Error(err, "保存分页状态失败")
		}
	}()

	cookieSets, err := s.config.LoadCookieSets()
	if err != nil {
		return err
	}
	proxies, err := crawlers.NewProxyRotator(s.config.Proxy.URLs)
	if err != nil {
		return &ConfigError{Field: "proxy.urls", Err: err}
	}

	pool := crawlers.NewSessionPool(crawlers.SessionPoolConfig{
		CookieSets:    cookieSets,
		MaxErrorScore: float64(s.config.Input.MaxErrorCount),
	}, proxies, s.metrics)
	defer pool.Close()

	cache := crawlers.NewResourceCache()
	policy := crawlers.DefaultBlockPolicy()
	policy.Aggressive = s.config.Input.BlockMoreAssets
	gate := crawlers.NewGate(policy, cache, s.config.ResultType(), s.metrics)

	browser, err := s.NewBrowser(s.rodConfig(), gate, cache)
	if err != nil {
		return fmt.Errorf("启动浏览器失败: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭浏览器失败")
		}
	}()

	var monitor *crawlers.ResourceMonitor
	if !pool.Credentialed() {
		monitor = crawlers.NewResourceMonitor(s.config.ResourceMonitorConfig())
		monitor.StartMonitoring(2 * time.Second)
		defer monitor.StopMonitoring()
	}

	driver := crawlers.NewDriver(s.config.DriverConfig(), browser, pool, crawlers.CaptureDeps{
		Cache:   cache,
		Store:   store,
		Sink:    out,
		Metrics: s.metrics,
	}, monitor)

	if s.ShowProgress {
		progress := utils.NewProgress(os.Stderr, len(items), "抓取中")
		defer progress.Finish()
		driver.SetProgress(progress)
	}

	utils.Infof("开始抓取: %d 个目标, %d 个并发, 结果类型 %s", len(items), driver.Workers(), s.config.ResultType())
	stats, runErr := driver.Run(ctx, items)
	s.stats = stats

	logger := utils.Component("scraper")
	if data, err := stats.ToJSON(); err == nil {
		logger.Info().RawJSON("stats", data).Msg("抓取结束")
	}
	if stats.InvalidSessions > 0 {
		logger.Warn().Int("invalid_sessions", stats.InvalidSessions).Msg("部分登录Cookie已失效,请更新")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// discover 生成工作项,直接URL优先于搜索
func (s *Scraper) discover(ctx context.Context) ([]models.WorkItem, error) {
	rt := s.config.ResultType()
	urls := s.config.Input.DirectURLs

	if len(urls) > 0 {
		if s.config.Input.Search != "" {
			log.Warn().Msg("已提供直接URL,搜索被禁用")
		}
		return discovery.FromDirectURLs(urls, rt), nil
	}

	if s.config.Input.Search == "" {
		return nil, nil
	}
	typ, err := discovery.ParseSearchType(s.config.Input.SearchType)
	if err != nil {
		return nil, &ConfigError{Field: "input.search_type", Err: err}
	}
	found, err := s.Search(ctx, s.config.Input.Search, typ, s.config.Input.SearchLimit)
	if err != nil {
		if errors.Is(err, discovery.ErrNoResults) {
			return nil, nil
		}
		return nil, fmt.Errorf("搜索失败: %w", err)
	}
	utils.Infof("搜索 %q 得到 %d 个结果", s.config.Input.Search, len(found))
	return discovery.FromDirectURLs(found, rt), nil
}

func (s *Scraper) rodConfig() crawlers.RodConfig {
	return crawlers.RodConfig{
		Headless:    s.config.Browser.Headless,
		Bin:         s.config.Browser.Bin,
		PageTimeout: time.Duration(s.config.Input.PageTimeoutSecs) * time.Second,
		MaxRestarts: s.config.Browser.MaxRestarts,
	}
}

func (s *Scraper) openKV(ctx context.Context) (state.KV, error) {
	st := s.config.Storage
	switch st.Backend {
	case "sqlite":
		return state.NewSQLiteKV(st.SQLitePath)
	case "redis":
		return state.NewRedisKV(ctx, st.RedisAddr, st.RedisPassword, st.RedisDB, st.RedisPrefix)
	default:
		return state.NewFileKV(st.Dir)
	}
}

func (s *Scraper) openSink() (sink.Sink, error) {
	if s.config.Output.Sink == "kafka" {
		return sink.NewKafkaSink(s.config.Output.KafkaBrokers, s.config.Output.KafkaTopic), nil
	}
	return sink.NewFileSink(s.config.Output.Path)
}
