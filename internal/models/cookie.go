package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DefaultCookieDomain 注入Cookie时使用的域
const DefaultCookieDomain = ".instagram.com"

// Cookie 浏览器Cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NormalizeCookieDomain 将Cookie域归一化为可注册域,带前导点
// 例如 www.instagram.com -> .instagram.com
func NormalizeCookieDomain(domain string) string {
	host := strings.TrimPrefix(strings.TrimSpace(domain), ".")
	if host == "" {
		return DefaultCookieDomain
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "." + host
	}
	return "." + etld1
}

// Normalized 返回适合注入的副本
func (c Cookie) Normalized() Cookie {
	c.Domain = NormalizeCookieDomain(c.Domain)
	if c.Path == "" {
		c.Path = "/"
	}
	return c
}

// ParseCookieSets 解析登录Cookie
// 兼容单组 [{...}] 和多组 [[{...}], [{...}]] 两种格式
func ParseCookieSets(data []byte) ([][]Cookie, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var sets [][]Cookie
	if err := json.Unmarshal([]byte(trimmed), &sets); err == nil {
		return dropEmptySets(sets), nil
	}

	var single []Cookie
	if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
		return nil, fmt.Errorf("Cookie格式无效: %w", err)
	}
	return dropEmptySets([][]Cookie{single}), nil
}

func dropEmptySets(sets [][]Cookie) [][]Cookie {
	out := sets[:0]
	for _, set := range sets {
		if len(set) > 0 {
			out = append(out, set)
		}
	}
	return out
}
