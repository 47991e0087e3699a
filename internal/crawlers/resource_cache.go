package crawlers

import (
	"strings"
	"sync"
	"sync/atomic"
)

// staticBundlePattern 静态脚本包的URL特征
const staticBundlePattern = "instagram.com/static/bundles"

// 缓存时丢弃的响应头,响应体已解码,原有的编码和长度不再成立
var droppedCacheHeaders = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
	"set-cookie":        true,
}

// IsStaticBundle URL是否为可缓存的静态脚本包
func IsStaticBundle(rawURL string) bool {
	return strings.Contains(rawURL, staticBundlePattern)
}

// CacheEntry 缓存的响应
type CacheEntry struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Valid 条目是否可用于直接响应
func (e CacheEntry) Valid() bool {
	return len(e.Body) > 0 && (e.Status == 0 || (e.Status >= 200 && e.Status < 300))
}

// ResourceCache 进程级静态资源缓存
// 每个URL只写一次,先写者胜出,之后只读
type ResourceCache struct {
	entries sync.Map // url -> CacheEntry
	size    atomic.Int64
	hits    atomic.Int64
}

// NewResourceCache 创建缓存
func NewResourceCache() *ResourceCache {
	return &ResourceCache{}
}

// Get 读取缓存
func (c *ResourceCache) Get(url string) (CacheEntry, bool) {
	v, ok := c.entries.Load(url)
	if !ok {
		return CacheEntry{}, false
	}
	c.hits.Add(1)
	return v.(CacheEntry), true
}

// Put 写入缓存,已存在时不覆盖并返回false
func (c *ResourceCache) Put(url string, entry CacheEntry) bool {
	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		if !droppedCacheHeaders[strings.ToLower(k)] {
			headers[k] = v
		}
	}
	entry.Headers = headers

	if _, loaded := c.entries.LoadOrStore(url, entry); loaded {
		return false
	}
	c.size.Add(1)
	return true
}

// Len 缓存条目数
func (c *ResourceCache) Len() int {
	return int(c.size.Load())
}

// Hits 命中次数
func (c *ResourceCache) Hits() int64 {
	return c.hits.Load()
}
