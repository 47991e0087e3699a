package models

import "time"

// ItemSpec 单个页面的只读上下文快照
// 由初始页面数据和全局限制合成,每个导航只创建一次
type ItemSpec struct {
	PageType   PageType      `json:"pageType"`
	ID         string        `json:"id"`   // 父实体ID: 用户ID、标签名、地点ID或帖子shortcode
	Name       string        `json:"name"` // 用户名、标签名或地点名
	URL        string        `json:"url"`
	ResultType ResultType    `json:"resultType"`
	Limit      int           `json:"limit"`
	Until      time.Time     `json:"until,omitempty"` // 零值表示不限制日期
	ScrollWait time.Duration `json:"scrollWait"`
}

// ParentKey 分页状态的键
// 快拍单独记录,不影响同一用户帖子的游标、取尽标记和上限
func (s *ItemSpec) ParentKey() string {
	key := string(s.PageType) + ":" + s.ID
	if s.ResultType == ResultStories {
		key += ":" + string(ResultStories)
	}
	return key
}

// Expired 实体时间是否早于截止日期
func (s *ItemSpec) Expired(t time.Time) bool {
	if s.Until.IsZero() || t.IsZero() {
		return false
	}
	return t.Before(s.Until)
}
