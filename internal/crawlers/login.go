package crawlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	loginURL = "https://www.instagram.com/accounts/login/"

	// OutputKey 登录模式输出在KV中的键
	OutputKey = "OUTPUT"
)

// LoginOptions 登录模式参数
type LoginOptions struct {
	Username      string
	Password      string
	ViewerTimeout time.Duration
}

// CaptureCookies 使用用户名密码登录并导出Cookie
// 结果同时写入sink和kv的OUTPUT键,kv可以为nil
func CaptureCookies(ctx context.Context, browser Browser, out sink.Sink, kv state.KV, opts LoginOptions) (*models.CookieSetRecord, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("%w: 缺少用户名或密码", ErrLoginFailed)
	}
	if opts.ViewerTimeout <= 0 {
		opts.ViewerTimeout = 30 * time.Second
	}

	nav, err := browser.Open(ctx, OpenOptions{PageType: models.PageUnknown})
	if err != nil {
		return nil, err
	}
	defer nav.Close()

	status, err := nav.Goto(ctx, loginURL)
	if err != nil {
		return nil, fmt.Errorf("打开登录页失败: %w", err)
	}
	if status == 0 {
		return nil, ErrNoResponse
	}

	if err := nav.Type(ctx, "input[name=username]", opts.Username); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := nav.Type(ctx, "input[name=password]", opts.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := nav.Click(ctx, "button[type=submit]"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	viewer, err := nav.ViewerID(ctx, opts.ViewerTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if viewer == "" {
		return nil, fmt.Errorf("%w: %s 未检测到登录用户", ErrLoginFailed, opts.Username)
	}

	cookies, err := nav.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cookies {
		cookies[i] = cookies[i].Normalized()
	}

	record := &models.CookieSetRecord{
		Username:  opts.Username,
		Cookies:   cookies,
		CreatedAt: time.Now(),
	}
	log.Info().
		Str("username", opts.Username).
		Interface("cookies", utils.NewCookieRedactor().Redact(cookies)).
		Msg("登录成功")

	if err := out.Emit(ctx, record); err != nil {
		return nil, fmt.Errorf("写入Cookie失败: %w", err)
	}
	if kv != nil {
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("序列化Cookie失败: %w", err)
		}
		if err := kv.Save(ctx, OutputKey, data); err != nil {
			return nil, fmt.Errorf("保存Cookie失败: %w", err)
		}
	}
	return record, nil
}
