package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/gocolly/colly/v2"
)

// DefaultBaseURL 站点地址
const DefaultBaseURL = "https://www.instagram.com"

// ErrNoResults 搜索没有结果
var ErrNoResults = errors.New("搜索没有结果")

// SearchType 搜索类型
type SearchType string

const (
	SearchUser    SearchType = "user"
	SearchHashtag SearchType = "hashtag"
	SearchPlace   SearchType = "place"
)

// ParseSearchType 解析搜索类型
func ParseSearchType(s string) (SearchType, error) {
	switch st := SearchType(s); st {
	case SearchUser, SearchHashtag, SearchPlace:
		return st, nil
	default:
		return "", fmt.Errorf("不支持的搜索类型: %q (有效值: user, hashtag, place)", s)
	}
}

// SearchConfig 搜索配置
type SearchConfig struct {
	BaseURL   string
	Proxy     string
	UserAgent string
	Timeout   time.Duration
}

// Searcher 通过topsearch接口发现目标
type Searcher struct {
	cfg SearchConfig
}

// NewSearcher 创建搜索器
func NewSearcher(cfg SearchConfig) *Searcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}
	return &Searcher{cfg: cfg}
}

// topsearch响应
type searchResponse struct {
	Users []struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	} `json:"users"`
	Hashtags []struct {
		Hashtag struct {
			Name string `json:"name"`
		} `json:"hashtag"`
	} `json:"hashtags"`
	Places []struct {
		Place struct {
			Slug     string `json:"slug"`
			Location struct {
				PK json.Number `json:"pk"`
			} `json:"location"`
		} `json:"place"`
	} `json:"places"`
}

// Search 搜索并返回最多limit个页面URL
func (s *Searcher) Search(ctx context.Context, term string, typ SearchType, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/web/search/topsearch/?context=%s&query=%s",
		s.cfg.BaseURL, url.QueryEscape(string(typ)), url.QueryEscape(term))

	c := colly.NewCollector(colly.UserAgent(s.cfg.UserAgent))
	c.SetRequestTimeout(s.cfg.Timeout)
	if s.cfg.Proxy != "" {
		if err := c.SetProxy(s.cfg.Proxy); err != nil {
			return nil, fmt.Errorf("设置搜索代理失败: %w", err)
		}
	}

	var (
		body   []byte
		reqErr error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
		utils.Debugf("搜索请求: %s", r.URL)
	})
	c.OnResponse(func(r *colly.Response) {
		body = decodeBody(r.Headers.Get("Content-Encoding"), r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		reqErr = fmt.Errorf("搜索请求失败(状态码%d): %w", r.StatusCode, err)
	})

	if err := c.Visit(endpoint); err != nil {
		return nil, fmt.Errorf("搜索请求失败: %w", err)
	}
	c.Wait()
	if reqErr != nil {
		return nil, reqErr
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析搜索结果失败: %w", err)
	}

	urls := resultURLs(&resp, typ)
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, term)
	}
	utils.Infof("搜索 %q 找到%d个%s", term, len(urls), typ)
	return urls, nil
}

// resultURLs 结果页面地址,始终指向站点而不是接口地址
func resultURLs(resp *searchResponse, typ SearchType) []string {
	base := DefaultBaseURL
	var urls []string
	switch typ {
	case SearchUser:
		for _, u := range resp.Users {
			if u.User.Username != "" {
				urls = append(urls, fmt.Sprintf("%s/%s/", base, u.User.Username))
			}
		}
	case SearchHashtag:
		for _, h := range resp.Hashtags {
			if h.Hashtag.Name != "" {
				urls = append(urls, fmt.Sprintf("%s/explore/tags/%s/", base, url.PathEscape(h.Hashtag.Name)))
			}
		}
	case SearchPlace:
		for _, p := range resp.Places {
			pk := p.Place.Location.PK.String()
			if pk == "" {
				continue
			}
			u := fmt.Sprintf("%s/explore/locations/%s/", base, pk)
			if p.Place.Slug != "" {
				u += p.Place.Slug + "/"
			}
			urls = append(urls, u)
		}
	}
	return urls
}
