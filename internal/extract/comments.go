package extract

import (
	"fmt"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/ysmood/gson"
)

// 新旧两种评论容器
var commentEdgeKeys = []string{"edge_media_to_parent_comment", "edge_media_to_comment"}

// ParseComments 解析评论列表的GraphQL响应
func ParseComments(body []byte, spec *models.ItemSpec) (*Batch, error) {
	j, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	media, ok := at(j, "data", "shortcode_media")
	if !ok {
		return nil, fmt.Errorf("%w: 缺少shortcode_media", ErrUnexpectedShape)
	}
	if sc := str(media, "shortcode"); sc != "" && spec.ID != "" && sc != spec.ID {
		return nil, fmt.Errorf("%w: 响应属于其他帖子 %s", ErrUnexpectedShape, sc)
	}
	return commentBatch(media)
}

// InitialComments 提取帖子页首屏的评论
func InitialComments(data gson.JSON, spec *models.ItemSpec) (*Batch, error) {
	if spec.PageType != models.PagePost {
		return nil, fmt.Errorf("%w: %s页面没有评论", ErrUnexpectedShape, spec.PageType)
	}
	media, ok := pageRoot(data, models.PagePost)
	if !ok {
		return nil, fmt.Errorf("%w: 缺少页面数据", ErrUnexpectedShape)
	}
	batch, err := commentBatch(media)
	if err != nil {
		return &Batch{}, nil
	}
	return batch, nil
}

func commentBatch(media gson.JSON) (*Batch, error) {
	for _, key := range commentEdgeKeys {
		if container, ok := at(media, key); ok {
			return edgeBatch(container, "comment", commentEntity), nil
		}
	}
	return nil, fmt.Errorf("%w: 缺少评论容器", ErrUnexpectedShape)
}

func commentEntity(node gson.JSON) models.Entity {
	created := unix(node, "created_at")
	return models.Entity{
		ID:        str(node, "id"),
		Timestamp: created,
		Data: map[string]any{
			"text":               str(node, "text"),
			"ownerId":            str(node, "owner", "id"),
			"ownerUsername":      str(node, "owner", "username"),
			"ownerProfilePicUrl": str(node, "owner", "profile_pic_url"),
			"likesCount":         int(num(node, "edge_liked_by", "count")),
			"timestamp":          isoTime(created),
		},
	}
}
