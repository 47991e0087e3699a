package crawlers

import "errors"

// 导航过程中的错误分类
var (
	// 终止性跳过: 记录后不重试,不输出
	ErrNotFound    = errors.New("页面不存在(404)")
	ErrPrivatePage = errors.New("私密或不可用页面")

	// 可重试
	ErrNoResponse         = errors.New("页面没有响应")
	ErrLoginRedirect      = errors.New("被重定向到登录页")
	ErrInitialDataTimeout = errors.New("等待初始数据超时")
	ErrNoEntryData        = errors.New("初始数据缺少entry_data")
	ErrViewerMissing      = errors.New("未检测到登录用户标记")
	ErrSpecTimeout        = errors.New("等待ItemSpec超时")
	ErrBrowserCrashed     = errors.New("浏览器崩溃")
	ErrSinkFailed         = errors.New("写入输出失败")

	// 致命: 终止整个运行
	ErrCredentialsExhausted = errors.New("没有可用的登录会话")

	ErrPoolClosed  = errors.New("会话池已关闭")
	ErrLoginFailed = errors.New("登录失败")
)

// IsSkip 是否为终止性跳过
func IsSkip(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrivatePage)
}

// IsFatal 是否应终止整个运行
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialsExhausted)
}
