package extract

import (
	"fmt"
	"net/url"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/ysmood/gson"
)

type field struct {
	name string
	path []interface{}
	kind byte // s字符串 n数字 b布尔
}

var detailFields = map[models.PageType][]field{
	models.PageProfile: {
		{"id", []interface{}{"id"}, 's'},
		{"username", []interface{}{"username"}, 's'},
		{"fullName", []interface{}{"full_name"}, 's'},
		{"biography", []interface{}{"biography"}, 's'},
		{"externalUrl", []interface{}{"external_url"}, 's'},
		{"followersCount", []interface{}{"edge_followed_by", "count"}, 'n'},
		{"followsCount", []interface{}{"edge_follow", "count"}, 'n'},
		{"postsCount", []interface{}{"edge_owner_to_timeline_media", "count"}, 'n'},
		{"isPrivate", []interface{}{"is_private"}, 'b'},
		{"isVerified", []interface{}{"is_verified"}, 'b'},
		{"isBusinessAccount", []interface{}{"is_business_account"}, 'b'},
		{"profilePicUrl", []interface{}{"profile_pic_url_hd"}, 's'},
	},
	models.PageHashtag: {
		{"id", []interface{}{"id"}, 's'},
		{"name", []interface{}{"name"}, 's'},
		{"postsCount", []interface{}{"edge_hashtag_to_media", "count"}, 'n'},
		{"profilePicUrl", []interface{}{"profile_pic_url"}, 's'},
	},
	models.PagePlace: {
		{"id", []interface{}{"id"}, 's'},
		{"name", []interface{}{"name"}, 's'},
		{"slug", []interface{}{"slug"}, 's'},
		{"lat", []interface{}{"lat"}, 'n'},
		{"lng", []interface{}{"lng"}, 'n'},
		{"postsCount", []interface{}{"edge_location_to_media", "count"}, 'n'},
	},
}

// Details 从初始页面数据生成详情记录
// 帖子页复用帖子字段
func Details(data gson.JSON, spec *models.ItemSpec) (map[string]any, error) {
	root, ok := pageRoot(data, spec.PageType)
	if !ok {
		return nil, fmt.Errorf("%w: 缺少页面数据", ErrUnexpectedShape)
	}

	if spec.PageType == models.PagePost {
		e := postEntity(root)
		e.Kind = "post"
		return e.Record(spec), nil
	}

	fields, ok := detailFields[spec.PageType]
	if !ok {
		return nil, fmt.Errorf("%w: %s页面不支持详情", ErrUnexpectedShape, spec.PageType)
	}
	rec := map[string]any{
		"#pageType": spec.PageType,
		"#url":      spec.URL,
	}
	for _, f := range fields {
		switch f.kind {
		case 'n':
			rec[f.name] = num(root, f.path...)
		case 'b':
			rec[f.name] = boolean(root, f.path...)
		default:
			rec[f.name] = str(root, f.path...)
		}
	}
	if spec.PageType == models.PageProfile {
		rec["hasStories"] = boolean(root, "has_highlight_reels") || boolean(root, "has_channel")
	}
	return rec, nil
}

// StoriesURL 获取用户快拍的接口地址
func StoriesURL(userID string) string {
	return "https://i.instagram.com/api/v1/feed/reels_media/?reel_ids=" + url.QueryEscape(userID)
}

// ParseStories 解析reels_media接口响应
func ParseStories(body []byte, spec *models.ItemSpec) (*Batch, error) {
	j, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	reels, ok := at(j, "reels_media")
	if !ok {
		return nil, fmt.Errorf("%w: 缺少reels_media", ErrUnexpectedShape)
	}

	batch := &Batch{}
	for _, reel := range arr(reels) {
		ownerID := str(reel, "user", "pk")
		for _, item := range arr(reel, "items") {
			taken := unix(item, "taken_at")
			isVideo := num(item, "media_type") == 2
			data := map[string]any{
				"ownerId":       ownerID,
				"ownerUsername": str(reel, "user", "username"),
				"isVideo":       isVideo,
				"timestamp":     isoTime(taken),
				"expiringAt":    isoTime(unix(item, "expiring_at")),
				"displayUrl":    str(item, "image_versions2", "candidates", 0, "url"),
			}
			if isVideo {
				data["videoUrl"] = str(item, "video_versions", 0, "url")
			}
			id := str(item, "id")
			if id == "" {
				continue
			}
			batch.Entities = append(batch.Entities, models.Entity{
				ID: id, Kind: "story", Timestamp: taken, Data: data,
			})
		}
	}
	batch.Total = len(batch.Entities)
	return batch, nil
}
