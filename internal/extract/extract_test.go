package extract

import (
	"testing"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

const profileInitialData = `{
  "entry_data": {
    "ProfilePage": [{
      "graphql": {
        "user": {
          "id": "787132",
          "username": "natgeo",
          "full_name": "National Geographic",
          "is_private": false,
          "edge_followed_by": {"count": 1000},
          "edge_follow": {"count": 10},
          "edge_owner_to_timeline_media": {
            "count": 3,
            "page_info": {"has_next_page": true, "end_cursor": "QVFB"},
            "edges": [
              {"node": {"id": "1", "shortcode": "AAA", "taken_at_timestamp": 1577923200,
                "edge_media_to_caption": {"edges": [{"node": {"text": "hello"}}]},
                "edge_media_preview_like": {"count": 5},
                "owner": {"id": "787132", "username": "natgeo"}}},
              {"node": {"id": "2", "shortcode": "BBB", "taken_at_timestamp": 1577836800}}
            ]
          }
        }
      }
    }]
  }
}`

const postInitialData = `{
  "entry_data": {
    "PostPage": [{
      "graphql": {
        "shortcode_media": {
          "id": "99",
          "shortcode": "CxYz",
          "owner": {"id": "5", "username": "someone"},
          "edge_media_to_parent_comment": {
            "count": 120,
            "page_info": {"has_next_page": true, "end_cursor": "c1"},
            "edges": [{"node": {"id": "c-1", "text": "nice", "created_at": 1577836800, "owner": {"id": "7", "username": "fan"}}}]
          }
        }
      }
    }]
  }
}`

func TestItemSpecFromInitialData(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType models.PageType
		wantID   string
		wantName string
		wantErr  bool
	}{
		{"用户主页", profileInitialData, models.PageProfile, "787132", "natgeo", false},
		{"帖子页", postInitialData, models.PagePost, "CxYz", "someone", false},
		{"标签页", `{"entry_data":{"TagPage":[{"graphql":{"hashtag":{"name":"travel"}}}]}}`, models.PageHashtag, "travel", "travel", false},
		{"地点页", `{"entry_data":{"LocationsPage":[{"graphql":{"location":{"id":"213","name":"Paris"}}}]}}`, models.PagePlace, "213", "Paris", false},
		{"未知页面", `{"entry_data":{"Other":[{}]}}`, "", "", "", true},
		{"缺少ID", `{"entry_data":{"ProfilePage":[{"graphql":{"user":{"username":"x"}}}]}}`, "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ItemSpecFromInitialData(gson.NewFrom(tt.data), "https://www.instagram.com/x/")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnexpectedShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, spec.PageType)
			assert.Equal(t, tt.wantID, spec.ID)
			assert.Equal(t, tt.wantName, spec.Name)
		})
	}
}

func TestLoginPageDetection(t *testing.T) {
	login := gson.NewFrom(`{"entry_data":{"LoginAndSignupPage":[{}]}}`)
	assert.True(t, IsLoginPage(login))
	assert.True(t, HasEntryData(login))
	assert.False(t, IsLoginPage(gson.NewFrom(profileInitialData)))
	assert.False(t, HasEntryData(gson.NewFrom(`{"config":{}}`)))
}

func TestParsePosts(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PageProfile, ID: "787132"}
	body := []byte(`{"data":{"user":{"edge_owner_to_timeline_media":{
		"count": 3,
		"page_info": {"has_next_page": false, "end_cursor": null},
		"edges": [{"node": {"id": "3", "shortcode": "CCC", "taken_at_timestamp": 1577750400}}, {"node": {}}]
	}}}}`)

	batch, err := ParsePosts(body, spec)
	require.NoError(t, err)
	require.Len(t, batch.Entities, 1, "缺少ID的节点应被忽略")
	assert.False(t, batch.HasNext)
	assert.Equal(t, "", batch.Cursor)
	assert.Equal(t, 3, batch.Total)

	e := batch.Entities[0]
	assert.Equal(t, "3", e.ID)
	assert.Equal(t, "post", e.Kind)
	assert.Equal(t, time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC), e.Timestamp)
	assert.Equal(t, "https://www.instagram.com/p/CCC/", e.Data["url"])
}

func TestParsePostsErrors(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PageProfile}

	_, err := ParsePosts([]byte(`not json`), spec)
	assert.Error(t, err)

	_, err = ParsePosts([]byte(`{"data":{"viewer":{}}}`), spec)
	assert.ErrorIs(t, err, ErrUnexpectedShape)

	_, err = ParsePosts([]byte(`{}`), &models.ItemSpec{PageType: models.PageStory})
	assert.ErrorIs(t, err, ErrUnexpectedShape)
}

func TestInitialPosts(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PageProfile, ID: "787132"}
	batch, err := InitialPosts(gson.NewFrom(profileInitialData), spec)
	require.NoError(t, err)
	require.Len(t, batch.Entities, 2)
	assert.True(t, batch.HasNext)
	assert.Equal(t, "QVFB", batch.Cursor)

	first := batch.Entities[0]
	assert.Equal(t, "hello", first.Data["caption"])
	assert.Equal(t, 5, first.Data["likesCount"])
	assert.Equal(t, "natgeo", first.Data["ownerUsername"])
}

func TestParseComments(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PagePost, ID: "CxYz"}
	body := []byte(`{"data":{"shortcode_media":{"shortcode":"CxYz","edge_media_to_comment":{
		"page_info": {"has_next_page": true, "end_cursor": "c2"},
		"edges": [{"node": {"id": "c-2", "text": "wow", "owner": {"username": "a"}}}]
	}}}}`)

	batch, err := ParseComments(body, spec)
	require.NoError(t, err)
	require.Len(t, batch.Entities, 1)
	assert.Equal(t, "comment", batch.Entities[0].Kind)
	assert.Equal(t, "wow", batch.Entities[0].Data["text"])
	assert.Equal(t, "c2", batch.Cursor)

	other := []byte(`{"data":{"shortcode_media":{"shortcode":"Other","edge_media_to_comment":{"edges":[]}}}}`)
	_, err = ParseComments(other, spec)
	assert.ErrorIs(t, err, ErrUnexpectedShape, "其他帖子的响应应被拒绝")
}

func TestInitialComments(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PagePost, ID: "CxYz"}
	batch, err := InitialComments(gson.NewFrom(postInitialData), spec)
	require.NoError(t, err)
	require.Len(t, batch.Entities, 1)
	assert.Equal(t, "fan", batch.Entities[0].Data["ownerUsername"])
	assert.Equal(t, 120, batch.Total)
}

func TestDetails(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PageProfile, ID: "787132", URL: "https://www.instagram.com/natgeo/"}
	rec, err := Details(gson.NewFrom(profileInitialData), spec)
	require.NoError(t, err)
	assert.Equal(t, "natgeo", rec["username"])
	assert.Equal(t, float64(1000), rec["followersCount"])
	assert.Equal(t, false, rec["isPrivate"])

	postSpec := &models.ItemSpec{PageType: models.PagePost, ID: "CxYz"}
	postRec, err := Details(gson.NewFrom(postInitialData), postSpec)
	require.NoError(t, err)
	assert.Equal(t, "99", postRec["id"])
	assert.Equal(t, "CxYz", postRec["#parent"])
}

func TestParseStories(t *testing.T) {
	spec := &models.ItemSpec{PageType: models.PageProfile, ID: "787132"}
	body := []byte(`{"reels_media":[{"user":{"pk":"787132","username":"natgeo"},"items":[
		{"id":"s1","taken_at":1577836800,"media_type":1,"image_versions2":{"candidates":[{"url":"https://img/1.jpg"}]}},
		{"id":"s2","taken_at":1577836900,"media_type":2,"video_versions":[{"url":"https://vid/2.mp4"}]}
	]}]}`)

	batch, err := ParseStories(body, spec)
	require.NoError(t, err)
	require.Len(t, batch.Entities, 2)
	assert.Equal(t, "https://img/1.jpg", batch.Entities[0].Data["displayUrl"])
	assert.Equal(t, "https://vid/2.mp4", batch.Entities[1].Data["videoUrl"])
	assert.Equal(t, "https://i.instagram.com/api/v1/feed/reels_media/?reel_ids=787132", StoriesURL("787132"))
}
