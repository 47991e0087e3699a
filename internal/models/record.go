package models

import "time"

// Entity 从接口响应或初始数据中提取的子实体
type Entity struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"` // post, comment, story
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Record 生成输出记录
func (e Entity) Record(spec *ItemSpec) map[string]any {
	rec := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		rec[k] = v
	}
	rec["id"] = e.ID
	rec["#kind"] = e.Kind
	if spec != nil {
		rec["#parent"] = spec.ID
		rec["#pageType"] = spec.PageType
		rec["#url"] = spec.URL
	}
	return rec
}

// DeadLetter 重试耗尽的目标
type DeadLetter struct {
	URL   string         `json:"#error"`
	Debug map[string]any `json:"#debug"`
}

// NewDeadLetter 由失败的WorkItem生成死信记录
func NewDeadLetter(item WorkItem) DeadLetter {
	return DeadLetter{
		URL: item.URL,
		Debug: map[string]any{
			"id":       item.ID,
			"pageType": item.PageType,
			"label":    item.Label,
			"retries":  item.Attempt,
			"errors":   item.Errors,
		},
	}
}

// CookieSetRecord 登录模式的最终输出
type CookieSetRecord struct {
	Username  string    `json:"username"`
	Cookies   []Cookie  `json:"cookies"`
	CreatedAt time.Time `json:"createdAt"`
}
