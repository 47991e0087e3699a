package crawlers

import (
	"context"
	"strings"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/ysmood/gson"
)

// graphQLEndpoint 站点数据接口
const graphQLEndpoint = "instagram.com/graphql/query"

// IsAPIResponse URL是否为目标数据接口
func IsAPIResponse(rawURL string) bool {
	return strings.Contains(rawURL, graphQLEndpoint)
}

// CapturedResponse 一次已完成的网络响应
type CapturedResponse struct {
	URL     string
	Status  int
	Type    ResourceType
	Headers map[string]string
	Body    []byte
}

// OpenOptions 打开导航上下文的参数
type OpenOptions struct {
	Session  *Session
	PageType models.PageType
}

// Browser 浏览器,每次Open得到一个隔离的导航上下文
type Browser interface {
	Open(ctx context.Context, opts OpenOptions) (Navigation, error)
	Close() error
}

// Navigation 单个导航上下文
// Responses 按到达顺序投递静态脚本包和数据接口的响应,Close后关闭
type Navigation interface {
	Responses() <-chan CapturedResponse

	// Goto 打开URL并等待加载,返回主文档状态码,没有响应时为0
	Goto(ctx context.Context, url string) (int, error)
	// ViewerID 在timeout内等待登录用户标记,超时返回空串
	ViewerID(ctx context.Context, timeout time.Duration) (string, error)
	// IsPrivate 页面是否为私密或不可用
	IsPrivate(ctx context.Context) (bool, error)
	// InitialData 等待页面内嵌的初始数据
	InitialData(ctx context.Context, timeout time.Duration) (gson.JSON, error)
	// Scroll 向下滚动一屏触发分页请求
	Scroll(ctx context.Context) error
	// FetchJSON 在页面内带Cookie请求接口
	FetchJSON(ctx context.Context, url string) ([]byte, error)

	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Cookies(ctx context.Context) ([]models.Cookie, error)

	Close() error
}
