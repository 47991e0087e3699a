// Package metrics 运行指标和健康检查
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics 抓取指标,nil接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	Items           *prometheus.CounterVec
	Entities        *prometheus.CounterVec
	Duplicates      prometheus.Counter
	DroppedResponse prometheus.Counter
	Requests        *prometheus.CounterVec
	SessionsRetired prometheus.Counter
	NavDuration     prometheus.Histogram
	ActiveWorkers   prometheus.Gauge
}

// New 在独立的registry上注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "igscrape_items_total",
			Help: "Work items by final outcome",
		}, []string{"outcome"}),
		Entities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "igscrape_entities_emitted_total",
			Help: "Entities written to the sink",
		}, []string{"kind"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "igscrape_entities_duplicate_total",
			Help: "Entities discarded because they were already emitted",
		}),
		DroppedResponse: f.NewCounter(prometheus.CounterOpts{
			Name: "igscrape_responses_dropped_total",
			Help: "Captured API responses that failed to parse",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "igscrape_intercepted_requests_total",
			Help: "Intercepted browser requests by decision",
		}, []string{"decision"}),
		SessionsRetired: f.NewCounter(prometheus.CounterOpts{
			Name: "igscrape_sessions_retired_total",
			Help: "Sessions retired from the pool",
		}),
		NavDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "igscrape_navigation_duration_seconds",
			Help:    "Time spent on one work item attempt",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "igscrape_active_workers",
			Help: "Workers currently handling a work item",
		}),
	}
}

// Registry 指标registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ItemDone 记录目标的最终结果: success, skipped, dead_letter, retry
func (m *Metrics) ItemDone(outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(outcome).Inc()
}

// EntityEmitted 记录输出实体
func (m *Metrics) EntityEmitted(kind string) {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(kind).Inc()
}

// Duplicate 记录重复实体
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// ResponseDropped 记录被丢弃的响应
func (m *Metrics) ResponseDropped() {
	if m == nil {
		return
	}
	m.DroppedResponse.Inc()
}

// Request 记录拦截决策
func (m *Metrics) Request(decision string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(decision).Inc()
}

// SessionRetired 记录会话退役
func (m *Metrics) SessionRetired() {
	if m == nil {
		return
	}
	m.SessionsRetired.Inc()
}

// ObserveNavigation 记录一次尝试耗时
func (m *Metrics) ObserveNavigation(d time.Duration) {
	if m == nil {
		return
	}
	m.NavDuration.Observe(d.Seconds())
}

// WorkerBusy 调整活跃worker数
func (m *Metrics) WorkerBusy(delta float64) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(delta)
}

// Router /metrics 和 /healthz 路由
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve 在addr上提供指标服务,直到ctx取消
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("指标服务已启动")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
