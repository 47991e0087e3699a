package crawlers

import (
	"fmt"
	"hash/fnv"
	"net/url"
)

// ProxyRotator 按会话分配代理
// 同一会话始终使用同一代理,保持Cookie与IP的对应关系
type ProxyRotator struct {
	proxies []string
}

// NewProxyRotator 校验并创建代理轮换器
// 浏览器上下文的代理参数不支持内嵌凭据
func NewProxyRotator(proxyURLs []string) (*ProxyRotator, error) {
	proxies := make([]string, 0, len(proxyURLs))
	for _, raw := range proxyURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("代理地址无效 %q: %w", raw, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("代理地址缺少主机: %q", raw)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("不支持的代理协议: %s", u.Scheme)
		}
		if u.User != nil {
			return nil, fmt.Errorf("代理地址不支持内嵌用户名密码: %s", u.Host)
		}
		proxies = append(proxies, u.Scheme+"://"+u.Host)
	}
	return &ProxyRotator{proxies: proxies}, nil
}

// ForSession 返回会话对应的代理,未配置代理时返回空串
func (r *ProxyRotator) ForSession(sessionID string) string {
	if r == nil || len(r.proxies) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.proxies[int(h.Sum32()%uint32(len(r.proxies)))]
}

// Len 代理数量
func (r *ProxyRotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.proxies)
}
