package crawlers

import (
	"net/url"
	"path"
	"strings"

	"github.com/RecoveryAshes/igscrape/internal/metrics"
	"github.com/RecoveryAshes/igscrape/internal/models"
)

// ResourceType 浏览器资源类型,取值与CDP一致
type ResourceType string

const (
	ResourceDocument   ResourceType = "Document"
	ResourceStylesheet ResourceType = "Stylesheet"
	ResourceImage      ResourceType = "Image"
	ResourceMedia      ResourceType = "Media"
	ResourceFont       ResourceType = "Font"
	ResourceScript     ResourceType = "Script"
	ResourceXHR        ResourceType = "XHR"
	ResourceFetch      ResourceType = "Fetch"
)

// Request 待决策的资源请求
type Request struct {
	URL  string
	Type ResourceType
}

// Decision 拦截决策
type Decision int

const (
	DecisionPass Decision = iota
	DecisionBlock
	DecisionServeCache
)

func (d Decision) String() string {
	switch d {
	case DecisionBlock:
		return "block"
	case DecisionServeCache:
		return "cache"
	default:
		return "pass"
	}
}

// BlockPolicy 拦截策略表
type BlockPolicy struct {
	ResourceTypes []ResourceType // 直接拦截的资源类型
	URLIncludes   []string       // URL包含即拦截(统计、追踪)
	Extensions    []string       // 图片、视频扩展名

	// 激进模式: 拦截非必需脚本包
	Aggressive bool
	// 依赖滚动加载的结果类型,只有这些类型才可能保留脚本包
	ScrollResultTypes []models.ResultType
	// 滚动时需要全部脚本包的页面类型
	BundlePageTypes []models.PageType
	// 滚动时始终需要的脚本包
	RequiredBundles []string
}

// DefaultBlockPolicy 默认策略
func DefaultBlockPolicy() BlockPolicy {
	return BlockPolicy{
		ResourceTypes: []ResourceType{ResourceImage, ResourceMedia, ResourceFont},
		URLIncludes: []string{
			"facebook.com/tr",
			"connect.facebook.net",
			"google-analytics.com",
			"googletagmanager.com",
			"doubleclick.net",
			"/logging_client_events",
			"/ajax/bz",
			"/falco",
		},
		Extensions:        []string{".ico", ".png", ".mp4", ".avi", ".webp", ".jpg", ".jpeg", ".gif", ".svg"},
		ScrollResultTypes: []models.ResultType{models.ResultPosts, models.ResultComments},
		BundlePageTypes:   []models.PageType{models.PageHashtag, models.PagePlace},
		RequiredBundles: []string{
			"Consumer.js",
			"ConsumerLibCommons.js",
			"ConsumerUICommons.js",
			"Vendor.js",
			"en_US.js",
			"ProfilePageContainer.js",
			"PostPageContainer.js",
			"PostPageComments.js",
		},
	}
}

// Gate 单次运行共享的拦截决策层
type Gate struct {
	policy     BlockPolicy
	cache      *ResourceCache
	resultType models.ResultType
	metrics    *metrics.Metrics

	blockedTypes map[ResourceType]bool
	extensions   map[string]bool
}

// NewGate 创建拦截决策层
func NewGate(policy BlockPolicy, cache *ResourceCache, resultType models.ResultType, m *metrics.Metrics) *Gate {
	g := &Gate{
		policy:       policy,
		cache:        cache,
		resultType:   resultType,
		metrics:      m,
		blockedTypes: make(map[ResourceType]bool, len(policy.ResourceTypes)),
		extensions:   make(map[string]bool, len(policy.Extensions)),
	}
	for _, t := range policy.ResourceTypes {
		g.blockedTypes[t] = true
	}
	for _, ext := range policy.Extensions {
		g.extensions[strings.ToLower(ext)] = true
	}
	return g
}

// Decide 对一个请求给出决策,命中缓存时一并返回缓存条目
func (g *Gate) Decide(req Request, pageType models.PageType) (Decision, CacheEntry) {
	decision, entry := g.decide(req, pageType)
	g.metrics.Request(decision.String())
	return decision, entry
}

func (g *Gate) decide(req Request, pageType models.PageType) (Decision, CacheEntry) {
	if g.blockedTypes[req.Type] {
		return DecisionBlock, CacheEntry{}
	}

	lower := strings.ToLower(req.URL)
	for _, pattern := range g.policy.URLIncludes {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return DecisionBlock, CacheEntry{}
		}
	}
	if g.extensions[urlExtension(req.URL)] {
		return DecisionBlock, CacheEntry{}
	}

	if !IsStaticBundle(req.URL) {
		return DecisionPass, CacheEntry{}
	}

	if g.policy.Aggressive && !g.bundleAllowed(req.URL, pageType) {
		return DecisionBlock, CacheEntry{}
	}

	if g.cache != nil {
		if entry, ok := g.cache.Get(req.URL); ok {
			if entry.Valid() {
				return DecisionServeCache, entry
			}
			// 缓存条目损坏时放行
		}
	}
	return DecisionPass, CacheEntry{}
}

// bundleAllowed 激进模式下脚本包是否保留
func (g *Gate) bundleAllowed(rawURL string, pageType models.PageType) bool {
	scrolling := false
	for _, rt := range g.policy.ScrollResultTypes {
		if rt == g.resultType {
			scrolling = true
			break
		}
	}
	if !scrolling {
		return false
	}
	for _, pt := range g.policy.BundlePageTypes {
		if pt == pageType {
			return true
		}
	}
	for _, name := range g.policy.RequiredBundles {
		if strings.Contains(rawURL, name) {
			return true
		}
	}
	return false
}

func urlExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}
