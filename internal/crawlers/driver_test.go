package crawlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type driverFixture struct {
	browser *fakeBrowser
	pool    *SessionPool
	store   *state.Store
	out     *sink.Memory
	driver  *Driver
}

func testDriverConfig(rt models.ResultType) DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.ResultType = rt
	cfg.PageTimeout = time.Second
	cfg.RetryBase = 5 * time.Millisecond
	cfg.RetryMax = 20 * time.Millisecond
	cfg.ScrollWait = 300 * time.Millisecond
	cfg.HandleTimeout = 10 * time.Second
	return cfg
}

func newDriverFixture(t *testing.T, cfg DriverConfig, cookieSets [][]models.Cookie) *driverFixture {
	t.Helper()
	f := &driverFixture{
		browser: newFakeBrowser(),
		pool:    NewSessionPool(SessionPoolConfig{CookieSets: cookieSets}, nil, nil),
		store:   state.NewStore(nil, ""),
		out:     sink.NewMemory(),
	}
	deps := CaptureDeps{Cache: NewResourceCache(), Store: f.store, Sink: f.out}
	f.driver = NewDriver(cfg, f.browser, f.pool, deps, nil)
	return f
}

func cookieSets(n int) [][]models.Cookie {
	sets := make([][]models.Cookie, 0, n)
	for i := 0; i < n; i++ {
		sets = append(sets, []models.Cookie{{Name: "sessionid", Value: fmt.Sprintf("s%d", i), Domain: "www.instagram.com"}})
	}
	return sets
}

func profileItem(name string) models.WorkItem {
	return models.NewWorkItem("https://www.instagram.com/"+name+"/", models.PageProfile, models.LabelListing)
}

func TestDriverScrollStopsAtLimit(t *testing.T) {
	cfg := testDriverConfig(models.ResultPosts)
	cfg.Limit = 50
	f := newDriverFixture(t, cfg, nil)

	// 首屏12条,之后每次滚动20条新帖子加5条重复
	item := profileItem("natgeo")
	f.browser.add(item.URL, &fakePage{
		status: 200,
		data:   profileData("100", idRange("p", 0, 12), true),
		batches: [][]byte{
			postsResponse(append(idRange("p", 0, 5), idRange("p", 12, 32)...), "c1", true),
			postsResponse(append(idRange("p", 5, 10), idRange("p", 32, 52)...), "c2", true),
			postsResponse(idRange("p", 52, 72), "c3", true),
		},
	})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 50, f.out.Len())
	assert.Equal(t, 50, stats.Emitted)
	assert.Equal(t, 10, stats.Duplicates)
	snap := f.store.Snapshot("profile:100")
	assert.Equal(t, 50, snap.Count)
	assert.Equal(t, "c2", snap.Cursor)

	seen := map[string]bool{}
	for _, r := range f.out.Records() {
		rec := r.(map[string]any)
		id := rec["id"].(string)
		assert.False(t, seen[id], "重复输出 %s", id)
		seen[id] = true
		assert.Equal(t, "100", rec["#parent"])
	}
}

func TestDriverStopsWhenDrained(t *testing.T) {
	cfg := testDriverConfig(models.ResultPosts)
	f := newDriverFixture(t, cfg, nil)

	item := profileItem("small")
	f.browser.add(item.URL, &fakePage{
		status:  200,
		data:    profileData("7", idRange("a", 0, 3), true),
		batches: [][]byte{postsResponse(idRange("a", 3, 5), "", false)},
	})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Emitted)
	assert.True(t, f.store.Snapshot("profile:7").Drained)
}

func TestDriverResumesFromStoredState(t *testing.T) {
	cfg := testDriverConfig(models.ResultPosts)
	cfg.Limit = 5
	f := newDriverFixture(t, cfg, nil)

	// 上次运行已输出3条
	for _, id := range idRange("p", 0, 3) {
		f.store.TryEmit("profile:9", id, cfg.Limit)
	}

	item := profileItem("resume")
	f.browser.add(item.URL, &fakePage{
		status: 200,
		data:   profileData("9", idRange("p", 0, 10), true),
	})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Emitted)
	assert.Equal(t, 3, stats.Duplicates)
	assert.Equal(t, 5, f.store.Snapshot("profile:9").Count)
}

func TestDriverPrivatePageIsSkipped(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultPosts), nil)

	item := profileItem("private")
	page := &fakePage{status: 200, private: true, data: profileData("1", nil, false)}
	f.browser.add(item.URL, page)

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Retries)
	assert.Equal(t, 0, f.out.Len())
	assert.Equal(t, 1, page.Gotos())
}

func TestDriverNotFoundIsSkipped(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultDetails), nil)

	item := profileItem("gone")
	page := &fakePage{status: 404}
	f.browser.add(item.URL, page)

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, f.out.Len())
	assert.Equal(t, 1, page.Gotos())
}

func TestDriverSoleCredentialWithoutViewer(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultDetails), cookieSets(1))

	item := profileItem("natgeo")
	f.browser.add(item.URL, &fakePage{status: 200, viewer: "", data: profileData("1", nil, false)})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialsExhausted)
	assert.Equal(t, 1, stats.InvalidSessions)
	assert.Equal(t, 0, f.out.Len())
}

func TestDriverViewerMissingWithOtherCredentials(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	cfg.MaxRetries = 1
	f := newDriverFixture(t, cfg, cookieSets(2))

	item := profileItem("natgeo")
	f.browser.add(item.URL, &fakePage{status: 200, viewer: "", data: profileData("1", nil, false)})

	// 两次尝试分别使用两个会话,每次都还有另一个会话可用,因此只进入死信不终止
	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 0, stats.InvalidSessions)
}

func TestDriverDeadLetterAfterRetries(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	cfg.MaxRetries = 2
	f := newDriverFixture(t, cfg, nil)

	item := profileItem("flaky")
	page := &fakePage{gotoErr: errors.New("net::ERR_TIMED_OUT")}
	f.browser.add(item.URL, page)

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Gotos())
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 1, stats.DeadLettered)

	require.Equal(t, 1, f.out.Len())
	dead, ok := f.out.Records()[0].(models.DeadLetter)
	require.True(t, ok)
	assert.Equal(t, item.URL, dead.URL)
	assert.Equal(t, 3, dead.Debug["retries"])
	assert.Len(t, dead.Debug["errors"], 3)
}

func TestDriverRetryThenSucceed(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultDetails), nil)

	item := profileItem("once")
	page := &fakePage{status: 200, failures: 1, data: profileData("5", nil, false)}
	f.browser.add(item.URL, page)

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 2, page.Gotos())
	assert.Equal(t, 1, f.out.Len())
}

func TestDriverRecoversPanic(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	cfg.MaxRetries = 0
	f := newDriverFixture(t, cfg, nil)

	item := profileItem("crash")
	f.browser.add(item.URL, &fakePage{panics: true})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	dead := f.out.Records()[0].(models.DeadLetter)
	errs := dead.Debug["errors"].([]string)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], ErrBrowserCrashed.Error())
}

func TestDriverLoginRedirectRetiresSession(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	cfg.MaxRetries = 0
	f := newDriverFixture(t, cfg, nil)

	item := profileItem("wall")
	f.browser.add(item.URL, &fakePage{status: 200, data: `{"entry_data":{"LoginAndSignupPage":[{}]}}`})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 1, f.pool.Stats().Retired)
}

func TestDriverCredentialConcurrency(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	f := newDriverFixture(t, cfg, cookieSets(3))
	assert.Equal(t, 3, f.driver.Workers())

	var items []models.WorkItem
	for i := 0; i < 12; i++ {
		item := profileItem(fmt.Sprintf("u%d", i))
		f.browser.add(item.URL, &fakePage{
			status: 200,
			viewer: "42",
			hold:   20 * time.Millisecond,
			data:   profileData(fmt.Sprint(i), nil, false),
		})
		items = append(items, item)
	}

	stats, err := f.driver.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Succeeded)
	assert.Equal(t, 12, f.out.Len())
	assert.LessOrEqual(t, f.browser.Peak(), 3)
	assert.False(t, f.browser.overlap, "同一会话被同时使用")
}

func TestDriverDetailsDeduplicated(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultDetails), nil)

	// 同一用户的两个入口
	a := profileItem("natgeo")
	b := models.NewWorkItem("https://www.instagram.com/natgeo/?hl=en", models.PageProfile, models.LabelListing)
	for _, it := range []models.WorkItem{a, b} {
		f.browser.add(it.URL, &fakePage{status: 200, data: profileData("100", nil, false)})
	}

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, f.out.Len())
	assert.Equal(t, 1, stats.Duplicates)
}

func TestDriverStories(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultStories), nil)

	item := profileItem("natgeo")
	f.browser.add(item.URL, &fakePage{
		status:  200,
		data:    profileData("100", nil, false),
		stories: []byte(`{"reels_media":[{"user":{"pk":"100","username":"natgeo"},"items":[{"id":"s1","taken_at":1700000000},{"id":"s2","taken_at":1700000100,"media_type":2}]}]}`),
	})

	stats, err := f.driver.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Emitted)
	assert.True(t, f.store.Snapshot("profile:100:stories").Drained)
	assert.False(t, f.store.Snapshot("profile:100").Drained)
}

func TestDriverStoriesThenPostsShareStore(t *testing.T) {
	store := state.NewStore(nil, "")
	item := profileItem("natgeo")

	run := func(rt models.ResultType, page *fakePage) (models.RunStats, *sink.Memory) {
		t.Helper()
		cfg := testDriverConfig(rt)
		cfg.Limit = 5
		browser := newFakeBrowser()
		browser.add(item.URL, page)
		out := sink.NewMemory()
		deps := CaptureDeps{Cache: NewResourceCache(), Store: store, Sink: out}
		d := NewDriver(cfg, browser, NewSessionPool(SessionPoolConfig{}, nil, nil), deps, nil)
		stats, err := d.Run(context.Background(), []models.WorkItem{item})
		require.NoError(t, err)
		return stats, out
	}

	stats, _ := run(models.ResultStories, &fakePage{
		status:  200,
		data:    profileData("100", nil, false),
		stories: []byte(`{"reels_media":[{"user":{"pk":"100","username":"natgeo"},"items":[{"id":"s1","taken_at":1700000000},{"id":"s2","taken_at":1700000100}]}]}`),
	})
	assert.Equal(t, 2, stats.Emitted)

	// 首屏3条,滚动后再来4条,需要滚动才能达到上限
	stats, out := run(models.ResultPosts, &fakePage{
		status:  200,
		data:    profileData("100", idRange("p", 0, 3), true),
		batches: [][]byte{postsResponse(idRange("p", 3, 7), "c1", true)},
	})
	assert.Equal(t, 5, stats.Emitted)
	assert.Equal(t, 5, out.Len())

	posts := store.Snapshot("profile:100")
	assert.Equal(t, 5, posts.Count)
	assert.False(t, posts.Drained)
	stories := store.Snapshot("profile:100:stories")
	assert.Equal(t, 2, stories.Count)
	assert.True(t, stories.Drained)
}

func TestDriverSinkFailureRetries(t *testing.T) {
	cfg := testDriverConfig(models.ResultPosts)
	store := state.NewStore(nil, "")
	out := newFlakySink(4)
	browser := newFakeBrowser()
	pool := NewSessionPool(SessionPoolConfig{}, nil, nil)
	d := NewDriver(cfg, browser, pool, CaptureDeps{Cache: NewResourceCache(), Store: store, Sink: out}, nil)

	// 第一次导航在滚动批次的第一条写入失败
	item := profileItem("small")
	page := &fakePage{
		status:  200,
		data:    profileData("7", idRange("a", 0, 3), true),
		batches: [][]byte{postsResponse(idRange("a", 3, 5), "", false)},
	}
	browser.add(item.URL, page)

	stats, err := d.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.DeadLettered)
	assert.Equal(t, 2, page.Gotos())
	assert.Equal(t, 5, out.Len())
	assert.Equal(t, 3, stats.Duplicates)

	snap := store.Snapshot("profile:7")
	assert.Equal(t, 5, snap.Count)
	assert.True(t, snap.Drained)
	for _, id := range idRange("a", 0, 5) {
		assert.True(t, store.Seen("profile:7", id), id)
	}
	assert.Equal(t, 0, pool.Stats().Retired)
}

func TestDriverDetailsSinkFailureRetries(t *testing.T) {
	cfg := testDriverConfig(models.ResultDetails)
	out := newFlakySink(1)
	browser := newFakeBrowser()
	d := NewDriver(cfg, browser, NewSessionPool(SessionPoolConfig{}, nil, nil), CaptureDeps{Cache: NewResourceCache(), Store: state.NewStore(nil, ""), Sink: out}, nil)

	item := profileItem("natgeo")
	browser.add(item.URL, &fakePage{status: 200, data: profileData("100", nil, false)})

	stats, err := d.Run(context.Background(), []models.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, out.Len())
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"成功", nil, OutcomeGood},
		{"跳过", ErrPrivatePage, OutcomeGood},
		{"写入输出失败不影响会话", fmt.Errorf("%w: 磁盘已满", ErrSinkFailed), OutcomeGood},
		{"登录跳转", ErrLoginRedirect, OutcomeRetire},
		{"超时", ErrSpecTimeout, OutcomeBad},
		{"网络错误", errors.New("net::ERR_TIMED_OUT"), OutcomeBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeFor(tt.err))
		})
	}
}

func TestDriverWorkers(t *testing.T) {
	tests := []struct {
		name           string
		sets           int
		perConcurrency int
		maxConcurrency int
		want           int
	}{
		{"每组Cookie一个导航", 6, 1, 100, 6},
		{"两组Cookie一个导航", 6, 2, 100, 3},
		{"向上取整", 5, 2, 100, 3},
		{"Cookie组数少于每导航所需", 1, 3, 100, 1},
		{"受最大并发限制", 6, 1, 2, 2},
		{"匿名模式", 0, 2, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testDriverConfig(models.ResultDetails)
			cfg.CookiesPerConcurrency = tt.perConcurrency
			cfg.MaxConcurrency = tt.maxConcurrency
			var sets [][]models.Cookie
			if tt.sets > 0 {
				sets = cookieSets(tt.sets)
			}
			f := newDriverFixture(t, cfg, sets)
			assert.Equal(t, tt.want, f.driver.Workers())
		})
	}
}

func TestDriverNoItems(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(models.ResultPosts), nil)

	stats, err := f.driver.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Items)
	assert.Equal(t, 0, f.browser.opened)
}

func TestBackoff(t *testing.T) {
	d := NewDriver(DriverConfig{RetryBase: 2 * time.Second, RetryMax: 30 * time.Second}, nil, nil, CaptureDeps{}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
