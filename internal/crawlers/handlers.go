package crawlers

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

// detailsParent 详情记录去重使用的父键
const detailsParent = "details"

// pageContext 处理器的输入
type pageContext struct {
	nav     Navigation
	capture *Capture
	spec    *models.ItemSpec
	data    gson.JSON
	maxIdle int

	includeHasStories bool
}

// handler 页面处理器
type handler func(ctx context.Context, pc *pageContext) error

// handlerFor 根据路由标签和结果类型选择处理器
func handlerFor(label models.Label, rt models.ResultType) (handler, error) {
	if label == models.LabelPostDetail {
		return handleDetails, nil
	}
	switch rt {
	case models.ResultPosts:
		return handlePosts, nil
	case models.ResultComments:
		return handleComments, nil
	case models.ResultDetails:
		return handleDetails, nil
	case models.ResultStories:
		return handleStories, nil
	default:
		return nil, fmt.Errorf("结果类型 %s 没有对应的处理器", rt)
	}
}

func handlePosts(ctx context.Context, pc *pageContext) error {
	batch, err := extract.InitialPosts(pc.data, pc.spec)
	if err != nil {
		return fmt.Errorf("提取首屏帖子失败: %w", err)
	}
	if _, err := pc.capture.Ingest(ctx, pc.spec, batch); err != nil {
		return err
	}
	return scrollLoop(ctx, pc)
}

func handleComments(ctx context.Context, pc *pageContext) error {
	if pc.spec.PageType != models.PagePost {
		log.Warn().Str("url", pc.spec.URL).Msg("评论只能从帖子页面抓取,跳过")
		return nil
	}
	batch, err := extract.InitialComments(pc.data, pc.spec)
	if err != nil {
		return fmt.Errorf("提取首屏评论失败: %w", err)
	}
	if _, err := pc.capture.Ingest(ctx, pc.spec, batch); err != nil {
		return err
	}
	return scrollLoop(ctx, pc)
}

func handleDetails(ctx context.Context, pc *pageContext) error {
	rec, err := extract.Details(pc.data, pc.spec)
	if err != nil {
		return fmt.Errorf("提取详情失败: %w", err)
	}
	if !pc.includeHasStories {
		delete(rec, "hasStories")
	}
	_, err = pc.capture.EmitOnce(ctx, detailsParent, pc.spec.ParentKey(), rec, "details")
	return err
}

func handleStories(ctx context.Context, pc *pageContext) error {
	if pc.spec.PageType != models.PageProfile && pc.spec.PageType != models.PageStory {
		log.Warn().Str("url", pc.spec.URL).Msg("快拍只能从用户页面抓取,跳过")
		return nil
	}
	body, err := pc.nav.FetchJSON(ctx, extract.StoriesURL(pc.spec.ID))
	if err != nil {
		return err
	}
	batch, err := extract.ParseStories(body, pc.spec)
	if err != nil {
		return fmt.Errorf("解析快拍失败: %w", err)
	}
	_, err = pc.capture.Ingest(ctx, pc.spec, batch)
	return err
}

// scrollLoop 滚动页面触发分页请求,直到取尽、达到上限或连续maxIdle轮没有新数据
func scrollLoop(ctx context.Context, pc *pageContext) error {
	spec := pc.spec
	last := pc.capture.Progress(spec).Count
	idle := 0

	for {
		if err := pc.capture.Err(); err != nil {
			return err
		}
		snap := pc.capture.Progress(spec)
		if done(snap, spec) {
			return nil
		}
		if idle >= pc.maxIdle {
			log.Debug().Str("parent", spec.ParentKey()).Int("count", snap.Count).Msg("连续滚动没有新数据,停止")
			return nil
		}

		// 丢弃滚动之前的通知
		select {
		case <-pc.capture.Updates():
		default:
		}

		if err := pc.nav.Scroll(ctx); err != nil {
			return fmt.Errorf("滚动失败: %w", err)
		}

		timer := time.NewTimer(spec.ScrollWait)
		select {
		case <-pc.capture.Updates():
		case <-pc.capture.Failed():
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()

		if count := pc.capture.Progress(spec).Count; count > last {
			last = count
			idle = 0
		} else {
			idle++
		}
	}
}

func done(snap state.Snapshot, spec *models.ItemSpec) bool {
	return snap.Drained || (spec.Limit > 0 && snap.Count >= spec.Limit)
}
