// Package discovery 将直接URL或搜索词转换为抓取目标
package discovery

import (
	"net/url"
	"strings"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/utils"
)

const siteHost = "instagram.com"

// 非用户名的一级路径
var reservedPaths = map[string]bool{
	"accounts": true,
	"explore":  true,
	"direct":   true,
	"about":    true,
	"legal":    true,
	"web":      true,
	"graphql":  true,
}

// ClassifyURL 根据URL路径判断页面类型
func ClassifyURL(raw string) models.PageType {
	u, err := url.Parse(raw)
	if err != nil || !isSiteHost(u.Host) {
		return models.PageUnknown
	}

	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return models.PageUnknown
	}

	switch parts[0] {
	case "p", "reel", "tv":
		if len(parts) >= 2 {
			return models.PagePost
		}
	case "stories":
		if len(parts) >= 2 {
			return models.PageStory
		}
	case "explore":
		if len(parts) >= 3 && parts[1] == "tags" {
			return models.PageHashtag
		}
		if len(parts) >= 3 && parts[1] == "locations" {
			return models.PagePlace
		}
	default:
		if !reservedPaths[parts[0]] && len(parts) == 1 {
			return models.PageProfile
		}
	}
	return models.PageUnknown
}

func isSiteHost(host string) bool {
	host = strings.ToLower(host)
	return host == siteHost || strings.HasSuffix(host, "."+siteHost)
}

// FromDirectURLs 将直接URL转换为抓取目标,无效或无法识别的URL被忽略
// 帖子页在posts模式下只能产出帖子本身,因此使用postDetail标签
func FromDirectURLs(urls []string, rt models.ResultType) []models.WorkItem {
	items := make([]models.WorkItem, 0, len(urls))
	seen := make(map[string]bool, len(urls))

	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true

		if err := models.ValidateURL(raw); err != nil {
			utils.Warnf("忽略无效URL %q: %v", raw, err)
			continue
		}
		pageType := ClassifyURL(raw)
		if pageType == models.PageUnknown {
			utils.Warnf("无法识别的页面类型,忽略: %s", raw)
			continue
		}

		label := models.LabelListing
		if pageType == models.PagePost && rt == models.ResultPosts {
			label = models.LabelPostDetail
		}
		items = append(items, models.NewWorkItem(raw, pageType, label))
	}
	return items
}
