// Package extract 把站点的页面数据和接口响应转换为实体
//
// 所有函数都是纯函数,不访问网络也不持有状态。
// 输入是 window.__initialData.data 或 GraphQL 响应体,
// 均通过 gson 按路径读取,字段缺失时返回零值。
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ysmood/gson"
)

// ErrUnexpectedShape 响应结构不符合预期
var ErrUnexpectedShape = errors.New("响应结构不符合预期")

// parseBody 校验并解析响应体
func parseBody(body []byte) (gson.JSON, error) {
	if !json.Valid(body) {
		return gson.JSON{}, fmt.Errorf("响应不是合法JSON (%d字节)", len(body))
	}
	return gson.New(body), nil
}

// at 按路径取值,路径可以混合字段名和数组下标
func at(j gson.JSON, sections ...interface{}) (gson.JSON, bool) {
	v, ok := j.Gets(sections...)
	if !ok || v.Val() == nil {
		return gson.JSON{}, false
	}
	return v, true
}

func str(j gson.JSON, sections ...interface{}) string {
	v, ok := at(j, sections...)
	if !ok {
		return ""
	}
	switch x := v.Val().(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func num(j gson.JSON, sections ...interface{}) float64 {
	v, ok := at(j, sections...)
	if !ok {
		return 0
	}
	switch x := v.Val().(type) {
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func boolean(j gson.JSON, sections ...interface{}) bool {
	v, ok := at(j, sections...)
	if !ok {
		return false
	}
	b, _ := v.Val().(bool)
	return b
}

func arr(j gson.JSON, sections ...interface{}) []gson.JSON {
	v, ok := at(j, sections...)
	if !ok {
		return nil
	}
	items, _ := v.Val().([]interface{})
	out := make([]gson.JSON, 0, len(items))
	for _, item := range items {
		out = append(out, gson.New(item))
	}
	return out
}

func unix(j gson.JSON, sections ...interface{}) time.Time {
	sec := num(j, sections...)
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func isoTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}
