package crawlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

const (
	viewerMarkerJS = `() => !!(window._sharedData && window._sharedData.config && window._sharedData.config.viewerId)`
	viewerIDJS     = `() => String(window._sharedData.config.viewerId)`
	initialReadyJS = `() => !!(window.__initialData && !window.__initialData.pending && window.__initialData.data)`
	initialDataJS  = `() => window.__initialData.data`
	scrollJS       = `() => window.scrollBy(0, document.body.scrollHeight)`
	fetchJSONJS    = `async (u) => {
		const r = await fetch(u, {credentials: 'include', headers: {'x-ig-app-id': '936619743392459'}});
		if (!r.ok) throw new Error('HTTP ' + r.status);
		return await r.text();
	}`

	cookieOrigin = "https://www.instagram.com/"
)

// RodConfig 浏览器配置
type RodConfig struct {
	Headless    bool
	Bin         string        // 浏览器可执行文件,为空时自动下载
	PageTimeout time.Duration // 单次页面操作超时
	MaxRestarts int           // 浏览器崩溃后最多重启次数
}

// RodBrowser 基于go-rod的浏览器
// 每个导航使用独立的浏览器上下文,Cookie和代理互不影响
type RodBrowser struct {
	cfg   RodConfig
	gate  *Gate
	cache *ResourceCache

	mu       sync.Mutex
	browser  *rod.Browser
	restarts int
}

// LaunchRodBrowser 启动浏览器
func LaunchRodBrowser(cfg RodConfig, gate *Gate, cache *ResourceCache) (*RodBrowser, error) {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}

	b := &RodBrowser{cfg: cfg, gate: gate, cache: cache}
	browser, err := b.launch()
	if err != nil {
		return nil, err
	}
	b.browser = browser
	return b, nil
}

func (b *RodBrowser) launch() (*rod.Browser, error) {
	l := launcher.New().Headless(b.cfg.Headless)
	if b.cfg.Bin != "" {
		l = l.Bin(b.cfg.Bin)
	}
	l = l.Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	utils.Debugf("浏览器已启动: %s", controlURL)
	return browser, nil
}

func (b *RodBrowser) current() *rod.Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browser
}

// restart 重启崩溃的浏览器,old已被其他goroutine替换时直接返回
func (b *RodBrowser) restart(old *rod.Browser) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != old {
		return nil
	}
	if b.restarts >= b.cfg.MaxRestarts {
		return fmt.Errorf("%w: 已重启%d次", ErrBrowserCrashed, b.restarts)
	}
	b.restarts++
	utils.Warnf("浏览器无响应,准备重启(重试%d/%d)", b.restarts, b.cfg.MaxRestarts)

	_ = old.Close()
	browser, err := b.launch()
	if err != nil {
		return err
	}
	b.browser = browser
	return nil
}

// Open 创建隔离的浏览器上下文并安装拦截
func (b *RodBrowser) Open(ctx context.Context, opts OpenOptions) (Navigation, error) {
	browser := b.current()
	nav, err := b.open(ctx, browser, opts)
	if err == nil {
		return nav, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	log.Warn().Err(err).Msg("打开浏览器上下文失败,尝试重启浏览器")
	if restartErr := b.restart(browser); restartErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserCrashed, restartErr)
	}
	return b.open(ctx, b.current(), opts)
}

func (b *RodBrowser) open(ctx context.Context, browser *rod.Browser, opts OpenOptions) (*rodNavigation, error) {
	proxy := ""
	if opts.Session != nil {
		proxy = opts.Session.Proxy
	}

	res, err := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
		ProxyServer:     proxy,
	}.Call(browser)
	if err != nil {
		return nil, fmt.Errorf("创建浏览器上下文失败: %w", err)
	}

	// 与Browser.Incognito相同的做法,但可以指定代理
	isolated := *browser
	isolated.BrowserContextID = res.BrowserContextID

	raw, err := isolated.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: res.BrowserContextID}.Call(browser)
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}

	navCtx, cancel := context.WithCancel(ctx)
	n := &rodNavigation{
		raw:       raw,
		page:      raw.Context(navCtx),
		browser:   browser,
		contextID: res.BrowserContextID,
		ctx:       navCtx,
		cancel:    cancel,
		gate:      b.gate,
		cache:     b.cache,
		pageType:  opts.PageType,
		timeout:   b.cfg.PageTimeout,
		responses: make(chan CapturedResponse, 256),
		docStatus: make(chan int, 1),
		inflight:  make(map[proto.NetworkRequestID]*CapturedResponse),
	}

	if err := n.setup(opts.Session); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Close 关闭浏览器
func (b *RodBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	utils.Debugf("浏览器已关闭")
	return err
}

// rodNavigation 单个标签页及其拦截和事件监听
type rodNavigation struct {
	raw       *rod.Page // 不绑定ctx,用于关闭
	page      *rod.Page
	browser   *rod.Browser
	contextID proto.BrowserBrowserContextID
	router    *rod.HijackRouter

	ctx    context.Context
	cancel context.CancelFunc

	gate     *Gate
	cache    *ResourceCache
	pageType models.PageType
	timeout  time.Duration

	responses chan CapturedResponse
	docStatus chan int
	inflight  map[proto.NetworkRequestID]*CapturedResponse // 仅在事件goroutine中访问

	closeOnce sync.Once
}

func (n *rodNavigation) setup(session *Session) error {
	if session != nil && len(session.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(session.Cookies))
		for _, c := range session.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
				Expires:  proto.TimeSinceEpoch(c.Expires),
			})
		}
		if err := n.page.SetCookies(params); err != nil {
			return fmt.Errorf("设置Cookie失败: %w", err)
		}
	}

	if err := (proto.NetworkEnable{}).Call(n.page); err != nil {
		return fmt.Errorf("启用网络域失败: %w", err)
	}

	n.router = n.page.HijackRequests()
	n.router.MustAdd("*", n.intercept)
	go n.router.Run()

	wait := n.page.EachEvent(
		n.onResponse,
		n.onFinished,
		func(e *proto.NetworkLoadingFailed) {
			delete(n.inflight, e.RequestID)
		},
	)
	go func() {
		wait()
		close(n.responses)
	}()

	return nil
}

// intercept 根据拦截决策处理每个请求
func (n *rodNavigation) intercept(h *rod.Hijack) {
	req := Request{URL: h.Request.URL().String(), Type: ResourceType(h.Request.Type())}
	decision, entry := n.gate.Decide(req, n.pageType)

	switch decision {
	case DecisionBlock:
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	case DecisionServeCache:
		status := entry.Status
		if status == 0 {
			status = 200
		}
		h.Response.Payload().ResponseCode = status
		for name, value := range entry.Headers {
			h.Response.SetHeader(name, value)
		}
		h.Response.SetBody(entry.Body)
	default:
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
}

func (n *rodNavigation) onResponse(e *proto.NetworkResponseReceived) {
	if e.Type == proto.NetworkResourceTypeDocument && (e.FrameID == "" || e.FrameID == n.raw.FrameID) {
		select {
		case n.docStatus <- e.Response.Status:
		default:
		}
	}

	u := e.Response.URL
	if !IsStaticBundle(u) && !IsAPIResponse(u) {
		return
	}

	headers := make(map[string]string, len(e.Response.Headers))
	for name, value := range e.Response.Headers {
		if s, ok := value.Val().(string); ok {
			headers[name] = s
		}
	}
	n.inflight[e.RequestID] = &CapturedResponse{
		URL:     u,
		Status:  e.Response.Status,
		Type:    ResourceType(e.Type),
		Headers: headers,
	}
}

func (n *rodNavigation) onFinished(e *proto.NetworkLoadingFinished) {
	resp, ok := n.inflight[e.RequestID]
	if !ok {
		return
	}
	delete(n.inflight, e.RequestID)

	body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(n.page)
	if err != nil {
		log.Debug().Err(err).Str("url", resp.URL).Msg("获取响应体失败")
		return
	}
	if body.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body.Body)
		if err != nil {
			log.Debug().Err(err).Str("url", resp.URL).Msg("解码Base64失败")
			return
		}
		resp.Body = decoded
	} else {
		resp.Body = []byte(body.Body)
	}

	select {
	case n.responses <- *resp:
	case <-n.ctx.Done():
	}
}

func (n *rodNavigation) Responses() <-chan CapturedResponse {
	return n.responses
}

func (n *rodNavigation) Goto(ctx context.Context, url string) (int, error) {
	select {
	case <-n.docStatus:
	default:
	}

	p := n.page.Context(ctx).Timeout(n.timeout)
	if err := p.Navigate(url); err != nil {
		return 0, fmt.Errorf("导航失败: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return 0, fmt.Errorf("等待页面加载失败: %w", err)
	}

	select {
	case status := <-n.docStatus:
		return status, nil
	case <-time.After(2 * time.Second):
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// waitTrue 在timeout内等待js返回true,超时返回false
func (n *rodNavigation) waitTrue(ctx context.Context, js string, timeout time.Duration) (bool, error) {
	err := n.page.Context(ctx).Timeout(timeout).Wait(rod.Eval(js))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, err
}

func (n *rodNavigation) ViewerID(ctx context.Context, timeout time.Duration) (string, error) {
	found, err := n.waitTrue(ctx, viewerMarkerJS, timeout)
	if err != nil || !found {
		return "", err
	}
	obj, err := n.page.Context(ctx).Eval(viewerIDJS)
	if err != nil {
		return "", fmt.Errorf("读取登录用户失败: %w", err)
	}
	id, _ := obj.Value.Val().(string)
	return id, nil
}

func (n *rodNavigation) IsPrivate(ctx context.Context) (bool, error) {
	has, _, err := n.page.Context(ctx).Has("body.p-error")
	if err != nil {
		return false, fmt.Errorf("检查页面状态失败: %w", err)
	}
	return has, nil
}

func (n *rodNavigation) InitialData(ctx context.Context, timeout time.Duration) (gson.JSON, error) {
	ready, err := n.waitTrue(ctx, initialReadyJS, timeout)
	if err != nil {
		return gson.JSON{}, err
	}
	if !ready {
		return gson.JSON{}, ErrInitialDataTimeout
	}

	obj, err := n.page.Context(ctx).Eval(initialDataJS)
	if err != nil {
		return gson.JSON{}, fmt.Errorf("读取初始数据失败: %w", err)
	}
	if !extract.HasEntryData(obj.Value) {
		return gson.JSON{}, ErrNoEntryData
	}
	return obj.Value, nil
}

func (n *rodNavigation) Scroll(ctx context.Context) error {
	_, err := n.page.Context(ctx).Eval(scrollJS)
	return err
}

func (n *rodNavigation) FetchJSON(ctx context.Context, url string) ([]byte, error) {
	obj, err := n.page.Context(ctx).Timeout(n.timeout).Evaluate(&rod.EvalOptions{
		ByValue:      true,
		AwaitPromise: true,
		JS:           fetchJSONJS,
		JSArgs:       []interface{}{url},
	})
	if err != nil {
		return nil, fmt.Errorf("页面内请求失败: %w", err)
	}
	text, _ := obj.Value.Val().(string)
	return []byte(text), nil
}

func (n *rodNavigation) Type(ctx context.Context, selector, text string) error {
	el, err := n.page.Context(ctx).Timeout(n.timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("查找元素 %s 失败: %w", selector, err)
	}
	return el.Input(text)
}

func (n *rodNavigation) Click(ctx context.Context, selector string) error {
	el, err := n.page.Context(ctx).Timeout(n.timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("查找元素 %s 失败: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (n *rodNavigation) Cookies(ctx context.Context) ([]models.Cookie, error) {
	cookies, err := n.page.Context(ctx).Cookies([]string{cookieOrigin})
	if err != nil {
		return nil, fmt.Errorf("读取Cookie失败: %w", err)
	}
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// Close 停止拦截、关闭标签页并销毁浏览器上下文
func (n *rodNavigation) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.router != nil {
			_ = n.router.Stop()
		}
		n.cancel()
		if closeErr := n.raw.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("关闭标签页失败")
		}
		err = proto.TargetDisposeBrowserContext{BrowserContextID: n.contextID}.Call(n.browser)
	})
	return err
}
