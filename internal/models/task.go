package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultType 抓取结果类型
type ResultType string

const (
	ResultPosts    ResultType = "posts"    // 帖子列表
	ResultComments ResultType = "comments" // 评论列表
	ResultDetails  ResultType = "details"  // 页面详情
	ResultStories  ResultType = "stories"  // 快拍
	ResultCookies  ResultType = "cookies"  // 登录并导出Cookie
)

// ParseResultType 解析结果类型
func ParseResultType(s string) (ResultType, error) {
	switch rt := ResultType(s); rt {
	case ResultPosts, ResultComments, ResultDetails, ResultStories, ResultCookies:
		return rt, nil
	default:
		return "", fmt.Errorf("不支持的结果类型: %q (有效值: posts, comments, details, stories, cookies)", s)
	}
}

// IsScrolling 该结果类型是否依赖滚动分页
func (rt ResultType) IsScrolling() bool {
	return rt == ResultPosts || rt == ResultComments
}

// PageType 页面类型
type PageType string

const (
	PageProfile PageType = "profile"
	PagePost    PageType = "post"
	PageHashtag PageType = "hashtag"
	PagePlace   PageType = "place"
	PageStory   PageType = "story"
	PageUnknown PageType = "unknown"
)

// Label 路由标签,决定使用哪个处理器
type Label string

const (
	LabelListing    Label = "listing"
	LabelPostDetail Label = "postDetail"
)

// WorkItem 一个抓取目标
// 入队后不可修改,重试时通过Retry生成新的副本
type WorkItem struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	PageType PageType  `json:"page_type"`
	Label    Label     `json:"label"`
	Attempt  int       `json:"attempt"`          // 已失败次数
	Errors   []string  `json:"errors,omitempty"` // 历次失败原因
	QueuedAt time.Time `json:"queued_at"`
}

// NewWorkItem 创建抓取目标
func NewWorkItem(url string, pageType PageType, label Label) WorkItem {
	if label == "" {
		label = LabelListing
	}
	return WorkItem{
		ID:       generateID(),
		URL:      url,
		PageType: pageType,
		Label:    label,
		QueuedAt: time.Now(),
	}
}

// Retry 返回记录了本次失败的新副本
func (w WorkItem) Retry(cause error) WorkItem {
	next := w
	next.Attempt++
	next.Errors = append(append([]string(nil), w.Errors...), cause.Error())
	next.QueuedAt = time.Now()
	return next
}

// RunStats 运行统计
type RunStats struct {
	Items            int     `json:"items"`             // 目标总数
	Succeeded        int     `json:"succeeded"`         // 成功
	Skipped          int     `json:"skipped"`           // 404/私密跳过
	Retries          int     `json:"retries"`           // 重试次数
	DeadLettered     int     `json:"dead_lettered"`     // 进入死信
	Emitted          int     `json:"emitted"`           // 输出记录数
	Duplicates       int     `json:"duplicates"`        // 去重丢弃数
	DroppedResponses int     `json:"dropped_responses"` // 解析失败丢弃的响应
	InvalidSessions  int     `json:"invalid_sessions"`  // 失效的登录会话
	Duration         float64 `json:"duration"`          // 总耗时(秒)
}

// ToJSON 序列化为JSON
func (s RunStats) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
