package extract

import (
	"fmt"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/ysmood/gson"
)

// Batch 一次响应中提取出的子实体和分页信息
type Batch struct {
	Entities []models.Entity
	Cursor   string
	HasNext  bool
	Total    int // 接口报告的总数
}

// postEdges 各页面类型在GraphQL响应中的帖子容器路径
var postEdges = map[models.PageType][]interface{}{
	models.PageProfile: {"data", "user", "edge_owner_to_timeline_media"},
	models.PageHashtag: {"data", "hashtag", "edge_hashtag_to_media"},
	models.PagePlace:   {"data", "location", "edge_location_to_media"},
}

// initialPostEdges 初始页面数据中的帖子容器,相对pageRoot
var initialPostEdges = map[models.PageType]string{
	models.PageProfile: "edge_owner_to_timeline_media",
	models.PageHashtag: "edge_hashtag_to_media",
	models.PagePlace:   "edge_location_to_media",
}

// ParsePosts 解析帖子列表的GraphQL响应
func ParsePosts(body []byte, spec *models.ItemSpec) (*Batch, error) {
	j, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	path, ok := postEdges[spec.PageType]
	if !ok {
		return nil, fmt.Errorf("%w: %s页面没有帖子列表", ErrUnexpectedShape, spec.PageType)
	}
	container, ok := at(j, path...)
	if !ok {
		return nil, fmt.Errorf("%w: 缺少帖子容器", ErrUnexpectedShape)
	}
	return edgeBatch(container, "post", postEntity), nil
}

// InitialPosts 提取页面首屏已渲染的帖子
func InitialPosts(data gson.JSON, spec *models.ItemSpec) (*Batch, error) {
	root, ok := pageRoot(data, spec.PageType)
	if !ok {
		return nil, fmt.Errorf("%w: 缺少页面数据", ErrUnexpectedShape)
	}
	key, ok := initialPostEdges[spec.PageType]
	if !ok {
		return nil, fmt.Errorf("%w: %s页面没有帖子列表", ErrUnexpectedShape, spec.PageType)
	}
	container, ok := at(root, key)
	if !ok {
		return &Batch{}, nil
	}
	return edgeBatch(container, "post", postEntity), nil
}

// edgeBatch 解析 {count, page_info, edges[{node}]} 结构
func edgeBatch(container gson.JSON, kind string, toEntity func(gson.JSON) models.Entity) *Batch {
	batch := &Batch{
		Cursor:  str(container, "page_info", "end_cursor"),
		HasNext: boolean(container, "page_info", "has_next_page"),
		Total:   int(num(container, "count")),
	}
	for _, edge := range arr(container, "edges") {
		node, ok := at(edge, "node")
		if !ok {
			continue
		}
		e := toEntity(node)
		if e.ID == "" {
			continue
		}
		e.Kind = kind
		batch.Entities = append(batch.Entities, e)
	}
	return batch
}

func postEntity(node gson.JSON) models.Entity {
	shortcode := str(node, "shortcode")
	taken := unix(node, "taken_at_timestamp")

	likes := num(node, "edge_media_preview_like", "count")
	if likes == 0 {
		likes = num(node, "edge_liked_by", "count")
	}

	data := map[string]any{
		"type":           str(node, "__typename"),
		"shortCode":      shortcode,
		"caption":        str(node, "edge_media_to_caption", "edges", 0, "node", "text"),
		"commentsCount":  int(num(node, "edge_media_to_comment", "count")),
		"likesCount":     int(likes),
		"displayUrl":     str(node, "display_url"),
		"isVideo":        boolean(node, "is_video"),
		"videoViewCount": int(num(node, "video_view_count")),
		"ownerId":        str(node, "owner", "id"),
		"ownerUsername":  str(node, "owner", "username"),
		"timestamp":      isoTime(taken),
	}
	if shortcode != "" {
		data["url"] = "https://www.instagram.com/p/" + shortcode + "/"
	}
	if loc := str(node, "location", "name"); loc != "" {
		data["locationName"] = loc
	}

	return models.Entity{ID: str(node, "id"), Timestamp: taken, Data: data}
}
