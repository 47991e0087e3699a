package extract

import (
	"fmt"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/ysmood/gson"
)

// entryPages entry_data下各页面键对应的页面类型
var entryPages = []struct {
	key      string
	pageType models.PageType
}{
	{"ProfilePage", models.PageProfile},
	{"PostPage", models.PagePost},
	{"TagPage", models.PageHashtag},
	{"LocationsPage", models.PagePlace},
	{"StoriesPage", models.PageStory},
}

// HasEntryData 初始数据中是否包含entry_data
func HasEntryData(data gson.JSON) bool {
	_, ok := at(data, "entry_data")
	return ok
}

// IsLoginPage 页面是否被重定向到登录页
func IsLoginPage(data gson.JSON) bool {
	_, ok := at(data, "entry_data", "LoginAndSignupPage")
	return ok
}

// PageTypeFromEntryData 根据entry_data判断页面类型
func PageTypeFromEntryData(data gson.JSON) models.PageType {
	for _, p := range entryPages {
		if _, ok := at(data, "entry_data", p.key, 0); ok {
			return p.pageType
		}
	}
	return models.PageUnknown
}

// pageRoot 返回 entry_data.<Page>[0] 下的主对象
func pageRoot(data gson.JSON, pageType models.PageType) (gson.JSON, bool) {
	switch pageType {
	case models.PageProfile:
		return at(data, "entry_data", "ProfilePage", 0, "graphql", "user")
	case models.PagePost:
		return at(data, "entry_data", "PostPage", 0, "graphql", "shortcode_media")
	case models.PageHashtag:
		return at(data, "entry_data", "TagPage", 0, "graphql", "hashtag")
	case models.PagePlace:
		return at(data, "entry_data", "LocationsPage", 0, "graphql", "location")
	case models.PageStory:
		return at(data, "entry_data", "StoriesPage", 0, "user")
	}
	return gson.JSON{}, false
}

// ItemSpecFromInitialData 从初始页面数据构造ItemSpec的页面部分
// 全局限制(数量、截止日期、滚动等待)由调用方补充
func ItemSpecFromInitialData(data gson.JSON, pageURL string) (*models.ItemSpec, error) {
	pageType := PageTypeFromEntryData(data)
	root, ok := pageRoot(data, pageType)
	if !ok {
		return nil, fmt.Errorf("%w: 无法识别页面类型", ErrUnexpectedShape)
	}

	spec := &models.ItemSpec{PageType: pageType, URL: pageURL}
	switch pageType {
	case models.PageProfile, models.PageStory:
		spec.ID = str(root, "id")
		spec.Name = str(root, "username")
	case models.PagePost:
		spec.ID = str(root, "shortcode")
		spec.Name = str(root, "owner", "username")
	case models.PageHashtag:
		spec.Name = str(root, "name")
		spec.ID = spec.Name
	case models.PagePlace:
		spec.ID = str(root, "id")
		spec.Name = str(root, "name")
	}

	if spec.ID == "" {
		return nil, fmt.Errorf("%w: %s页面缺少ID", ErrUnexpectedShape, pageType)
	}
	return spec, nil
}
