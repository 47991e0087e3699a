package crawlers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceMonitor 系统资源监控器
// 匿名模式下按可用内存和CPU负载限制同时进行的导航数
type ResourceMonitor struct {
	config ResourceMonitorConfig

	// 系统总内存(字节)
	totalMemory uint64

	mu           sync.RWMutex
	lastMemStats runtime.MemStats
	lastCPUUsage float64

	cacheMu       sync.Mutex
	cachedMax     int
	lastCacheTime time.Time

	cancelFunc context.CancelFunc
	isRunning  bool

	// 便于测试替换
	cpuPercent func() float64
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	SafetyThreshold     int64 // 安全阈值(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200时不检查
	MaxNavigations      int   // 绝对最大并发导航数
	NavigationMemory    int64 // 单个浏览器上下文平均内存消耗(字节)
}

// NewResourceMonitor 创建资源监控器
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.NavigationMemory == 0 {
		config.NavigationMemory = 150 * 1024 * 1024
	}
	if config.MaxNavigations <= 0 {
		config.MaxNavigations = 16
	}

	var totalMem uint64
	vmStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,使用默认值4GB")
		totalMem = 4 * 1024 * 1024 * 1024
	} else {
		totalMem = vmStat.Total
		log.Debug().Msgf("系统总内存: %.2f GB", float64(totalMem)/(1024*1024*1024))
	}

	rm := &ResourceMonitor{
		config:      config,
		totalMemory: totalMem,
	}
	runtime.ReadMemStats(&rm.lastMemStats)
	rm.cpuPercent = sampleCPU
	return rm
}

// StartMonitoring 启动后台采样,重复调用无副作用
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			usage := rm.cpuPercent()

			rm.mu.Lock()
			rm.lastMemStats = memStats
			rm.lastCPUUsage = usage
			rm.mu.Unlock()
		}
	}
}

func sampleCPU() float64 {
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percentages) == 0 {
		log.Debug().Err(err).Msg("获取CPU使用率失败")
		return 0
	}
	return percentages[0]
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

func (rm *ResourceMonitor) availableMemory() int64 {
	rm.mu.RLock()
	alloc := rm.lastMemStats.Alloc
	rm.mu.RUnlock()
	return int64(rm.totalMemory) - int64(alloc) - rm.config.SafetyReserveMemory
}

// CalculateMaxNavigations 当前允许的最大并发导航数,结果缓存1秒
func (rm *ResourceMonitor) CalculateMaxNavigations() int {
	rm.cacheMu.Lock()
	defer rm.cacheMu.Unlock()

	if time.Since(rm.lastCacheTime) < time.Second && rm.cachedMax > 0 {
		return rm.cachedMax
	}

	byMemory := 1
	if available := rm.availableMemory(); available > rm.config.SafetyThreshold {
		byMemory = int((available - rm.config.SafetyThreshold) / rm.config.NavigationMemory)
	}

	result := min(byMemory, runtime.NumCPU(), rm.config.MaxNavigations)
	if result < 1 {
		result = 1
	}

	rm.cachedMax = result
	rm.lastCacheTime = time.Now()
	return result
}

// CheckResourceAvailability 当前资源是否允许开启新的导航
func (rm *ResourceMonitor) CheckResourceAvailability() (bool, string) {
	available := rm.availableMemory()
	if available < rm.config.SafetyThreshold {
		availableMB := available / (1024 * 1024)
		log.Warn().Msgf("可用内存不足(当前%dMB),暂缓新的导航", availableMB)
		return false, fmt.Sprintf("内存不足(当前%dMB)", availableMB)
	}

	if rm.config.CPULoadThreshold < 200 {
		rm.mu.RLock()
		usage := rm.lastCPUUsage
		rm.mu.RUnlock()
		if usage > float64(rm.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", usage)
		}
	}

	return true, ""
}

// WaitAvailable 等待资源可用,最长等待maxWait后放行
func (rm *ResourceMonitor) WaitAvailable(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		ok, reason := rm.CheckResourceAvailability()
		if ok || time.Now().After(deadline) {
			return nil
		}
		log.Debug().Str("reason", reason).Msg("资源紧张,等待后重试")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
