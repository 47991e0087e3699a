package crawlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/ysmood/gson"
)

const testAPIURL = "https://www.instagram.com/graphql/query/?query_hash=abc"

// fakePage 一个URL的预设行为
type fakePage struct {
	status   int
	viewer   string
	private  bool
	data     string
	gotoErr  error
	failures int // 前几次Goto返回错误
	panics   bool
	hold     time.Duration
	batches  [][]byte // 每次滚动投递一个接口响应
	stories  []byte
	cookies  []models.Cookie

	mu    sync.Mutex
	gotos int
}

func (p *fakePage) Gotos() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotos
}

// fakeBrowser 记录并发情况的内存浏览器
type fakeBrowser struct {
	mu      sync.Mutex
	pages   map[string]*fakePage
	opened  int
	active  int
	peak    int
	inUse   map[string]bool
	overlap bool // 同一会话被同时使用
	typed   map[string]string
	clicked []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages: make(map[string]*fakePage),
		inUse: make(map[string]bool),
		typed: make(map[string]string),
	}
}

func (b *fakeBrowser) add(url string, p *fakePage) {
	b.pages[url] = p
}

func (b *fakeBrowser) Open(_ context.Context, opts OpenOptions) (Navigation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opened++
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	if opts.Session != nil {
		if b.inUse[opts.Session.ID] {
			b.overlap = true
		}
		b.inUse[opts.Session.ID] = true
	}
	return &fakeNav{browser: b, session: opts.Session, responses: make(chan CapturedResponse, 64)}, nil
}

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

type fakeNav struct {
	browser   *fakeBrowser
	session   *Session
	page      *fakePage
	responses chan CapturedResponse

	mu       sync.Mutex
	scrolled int
	closed   bool
}

func (n *fakeNav) Responses() <-chan CapturedResponse { return n.responses }

func (n *fakeNav) Goto(ctx context.Context, url string) (int, error) {
	n.browser.mu.Lock()
	page, ok := n.browser.pages[url]
	n.browser.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("未预设的URL: %s", url)
	}
	n.page = page

	page.mu.Lock()
	page.gotos++
	failing := page.failures > 0
	if failing {
		page.failures--
	}
	page.mu.Unlock()

	if page.hold > 0 {
		select {
		case <-time.After(page.hold):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if page.panics {
		panic("tab crashed")
	}
	if failing {
		return 0, errors.New("net::ERR_CONNECTION_RESET")
	}
	if page.gotoErr != nil {
		return 0, page.gotoErr
	}
	return page.status, nil
}

func (n *fakeNav) ViewerID(context.Context, time.Duration) (string, error) {
	return n.page.viewer, nil
}

func (n *fakeNav) IsPrivate(context.Context) (bool, error) {
	return n.page.private, nil
}

func (n *fakeNav) InitialData(context.Context, time.Duration) (gson.JSON, error) {
	data := gson.NewFrom(n.page.data)
	if !extract.HasEntryData(data) {
		return gson.JSON{}, ErrNoEntryData
	}
	return data, nil
}

func (n *fakeNav) Scroll(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.scrolled >= len(n.page.batches) {
		return nil
	}
	body := n.page.batches[n.scrolled]
	n.scrolled++
	n.responses <- CapturedResponse{URL: testAPIURL, Status: 200, Type: ResourceXHR, Body: body}
	return nil
}

func (n *fakeNav) FetchJSON(context.Context, string) ([]byte, error) {
	return n.page.stories, nil
}

func (n *fakeNav) Type(_ context.Context, selector, text string) error {
	n.browser.mu.Lock()
	defer n.browser.mu.Unlock()
	n.browser.typed[selector] = text
	return nil
}

func (n *fakeNav) Click(_ context.Context, selector string) error {
	n.browser.mu.Lock()
	defer n.browser.mu.Unlock()
	n.browser.clicked = append(n.browser.clicked, selector)
	return nil
}

func (n *fakeNav) Cookies(context.Context) ([]models.Cookie, error) {
	return n.page.cookies, nil
}

func (n *fakeNav) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	close(n.responses)

	n.browser.mu.Lock()
	defer n.browser.mu.Unlock()
	n.browser.active--
	if n.session != nil {
		delete(n.browser.inUse, n.session.ID)
	}
	return nil
}

// flakySink 第failAt次写入返回错误,其余写入内存
type flakySink struct {
	*sink.Memory

	mu     sync.Mutex
	calls  int
	failAt int
}

func newFlakySink(failAt int) *flakySink {
	return &flakySink{Memory: sink.NewMemory(), failAt: failAt}
}

func (s *flakySink) Emit(ctx context.Context, record any) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failAt
	s.mu.Unlock()
	if fail {
		return errors.New("磁盘已满")
	}
	return s.Memory.Emit(ctx, record)
}

// postEdges 生成帖子edges,时间戳按序号递减
func postEdges(ids []string) []map[string]any {
	edges := make([]map[string]any, 0, len(ids))
	for i, id := range ids {
		edges = append(edges, map[string]any{"node": map[string]any{
			"id":                 id,
			"shortcode":          "sc" + id,
			"taken_at_timestamp": 1700000000 - i*60,
		}})
	}
	return edges
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// profileData 用户主页的初始数据
func profileData(userID string, ids []string, hasNext bool) string {
	return mustJSON(map[string]any{
		"entry_data": map[string]any{
			"ProfilePage": []any{map[string]any{
				"graphql": map[string]any{
					"user": map[string]any{
						"id":       userID,
						"username": "user" + userID,
						"edge_owner_to_timeline_media": map[string]any{
							"count":     1000,
							"page_info": map[string]any{"has_next_page": hasNext, "end_cursor": "init"},
							"edges":     postEdges(ids),
						},
					},
				},
			}},
		},
	})
}

// postsResponse 帖子分页接口响应
func postsResponse(ids []string, cursor string, hasNext bool) []byte {
	return []byte(mustJSON(map[string]any{
		"data": map[string]any{
			"user": map[string]any{
				"edge_owner_to_timeline_media": map[string]any{
					"page_info": map[string]any{"has_next_page": hasNext, "end_cursor": cursor},
					"edges":     postEdges(ids),
				},
			},
		},
	}))
}

func idRange(prefix string, from, to int) []string {
	ids := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		ids = append(ids, fmt.Sprintf("%s%d", prefix, i))
	}
	return ids
}
