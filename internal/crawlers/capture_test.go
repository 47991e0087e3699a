package crawlers

import (
	"context"
	"testing"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/extract"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/sink"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCapture(rt models.ResultType) (*Capture, *SpecSignal, *sink.Memory, *state.Store) {
	store := state.NewStore(nil, "")
	out := sink.NewMemory()
	signal := NewSpecSignal()
	c := NewCapture(CaptureDeps{Cache: NewResourceCache(), Store: store, Sink: out}, signal, ParserFor(rt), 200*time.Millisecond)
	return c, signal, out, store
}

func testSpec(limit int) *models.ItemSpec {
	return &models.ItemSpec{
		PageType:   models.PageProfile,
		ID:         "100",
		URL:        "https://www.instagram.com/natgeo/",
		ResultType: models.ResultPosts,
		Limit:      limit,
	}
}

func entities(ids []string) []models.Entity {
	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Entity{ID: id, Kind: "post", Data: map[string]any{}})
	}
	return out
}

func TestSpecSignal(t *testing.T) {
	s := NewSpecSignal()
	assert.Nil(t, s.Get())

	_, err := s.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrSpecTimeout)

	first := testSpec(1)
	assert.True(t, s.Set(first))
	assert.False(t, s.Set(testSpec(2)))

	got, err := s.Wait(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Same(t, first, s.Get())
}

func TestSpecSignalWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSpecSignal().Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngestRespectsLimitAcrossBatches(t *testing.T) {
	c, _, out, store := newTestCapture(models.ResultPosts)
	spec := testSpec(50)
	ctx := context.Background()

	// 每批20条新数据加5条重复
	var emitted int
	for i := 0; i < 3; i++ {
		ids := idRange("p", i*20, i*20+20)
		if i > 0 {
			ids = append(ids, idRange("p", 0, 5)...)
		}
		n, err := c.Ingest(ctx, spec, &extract.Batch{Entities: entities(ids), Cursor: "c", HasNext: true})
		require.NoError(t, err)
		emitted += n
	}

	assert.Equal(t, 50, emitted)
	assert.Equal(t, 50, out.Len())
	assert.Equal(t, 50, store.Snapshot(spec.ParentKey()).Count)
	assert.Equal(t, 10, c.Duplicates())
}

func TestIngestUntilCutoff(t *testing.T) {
	c, _, out, store := newTestCapture(models.ResultPosts)
	spec := testSpec(0)
	spec.Until = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := &extract.Batch{
		Entities: []models.Entity{
			{ID: "new", Kind: "post", Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
			{ID: "old", Kind: "post", Timestamp: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)},
		},
		Cursor:  "next",
		HasNext: true,
	}
	_, err := c.Ingest(context.Background(), spec, batch)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Len())
	snap := store.Snapshot(spec.ParentKey())
	assert.True(t, snap.Drained)
	assert.Equal(t, "next", snap.Cursor)
}

func TestHandleCachesStaticBundles(t *testing.T) {
	c, _, _, _ := newTestCapture(models.ResultPosts)
	url := "https://www.instagram.com/static/bundles/es6/Consumer.js/abc.js"

	c.Handle(context.Background(), CapturedResponse{URL: url, Status: 200, Body: []byte("first")})
	c.Handle(context.Background(), CapturedResponse{URL: url, Status: 200, Body: []byte("second")})
	c.Handle(context.Background(), CapturedResponse{URL: url + "?broken", Status: 500, Body: []byte("x")})

	entry, ok := c.Cache.Get(url)
	require.True(t, ok)
	assert.Equal(t, "first", string(entry.Body))
	assert.Equal(t, 1, c.Cache.Len())
}

func TestHandleWaitsForSpec(t *testing.T) {
	c, signal, out, _ := newTestCapture(models.ResultPosts)

	go func() {
		time.Sleep(30 * time.Millisecond)
		signal.Set(testSpec(0))
	}()
	c.Handle(context.Background(), CapturedResponse{
		URL:    testAPIURL,
		Status: 200,
		Body:   postsResponse([]string{"1", "2"}, "c", true),
	})

	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 0, c.Dropped())
}

func TestHandleDropsUnparseableResponse(t *testing.T) {
	c, signal, out, _ := newTestCapture(models.ResultPosts)
	signal.Set(testSpec(0))

	c.Handle(context.Background(), CapturedResponse{URL: testAPIURL, Status: 200, Body: []byte("<html>")})
	c.Handle(context.Background(), CapturedResponse{URL: testAPIURL, Status: 200, Body: []byte(`{"data":{}}`)})

	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 2, c.Dropped())
}

func TestHandleDropsWhenSpecNeverArrives(t *testing.T) {
	c, _, out, _ := newTestCapture(models.ResultPosts)

	c.Handle(context.Background(), CapturedResponse{URL: testAPIURL, Status: 200, Body: postsResponse([]string{"1"}, "", false)})
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 1, c.Dropped())
	assert.ErrorIs(t, c.Err(), ErrSpecTimeout)

	select {
	case <-c.Failed():
	default:
		t.Fatal("等待ItemSpec超时后应标记失败")
	}
}

func TestHandleSpecWaitCancelledIsNotFailure(t *testing.T) {
	c, _, _, _ := newTestCapture(models.ResultPosts)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Handle(ctx, CapturedResponse{URL: testAPIURL, Status: 200, Body: postsResponse([]string{"1"}, "", false)})
	assert.NoError(t, c.Err())
	assert.Equal(t, 0, c.Dropped())
}

func TestIngestSinkFailure(t *testing.T) {
	store := state.NewStore(nil, "")
	out := newFlakySink(2)
	c := NewCapture(CaptureDeps{Store: store, Sink: out}, NewSpecSignal(), ParserFor(models.ResultPosts), time.Second)
	spec := testSpec(0)
	ctx := context.Background()
	store.Advance(spec.ParentKey(), "init", true)

	batch := &extract.Batch{Entities: entities([]string{"a", "b", "c"}), Cursor: "next", HasNext: true}
	n, err := c.Ingest(ctx, spec, batch)
	require.ErrorIs(t, err, ErrSinkFailed)
	assert.Equal(t, 1, n)
	assert.True(t, store.Seen(spec.ParentKey(), "a"))
	assert.False(t, store.Seen(spec.ParentKey(), "b"))
	assert.False(t, store.Seen(spec.ParentKey(), "c"))

	snap := store.Snapshot(spec.ParentKey())
	assert.Equal(t, "init", snap.Cursor)
	assert.Equal(t, 1, snap.Count)

	// 重试时未写入的记录重新输出
	n, err = c.Ingest(ctx, spec, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, "next", store.Snapshot(spec.ParentKey()).Cursor)
}

func TestHandleSinkFailureMarksCapture(t *testing.T) {
	store := state.NewStore(nil, "")
	c := NewCapture(CaptureDeps{Store: store, Sink: newFlakySink(1)}, NewSpecSignal(), ParserFor(models.ResultPosts), time.Second)
	c.signal.Set(testSpec(0))

	c.Handle(context.Background(), CapturedResponse{URL: testAPIURL, Status: 200, Body: postsResponse([]string{"1"}, "c", true)})
	assert.ErrorIs(t, c.Err(), ErrSinkFailed)
	assert.False(t, store.Seen("profile:100", "1"))
}

func TestEmitOnceSinkFailure(t *testing.T) {
	store := state.NewStore(nil, "")
	out := newFlakySink(1)
	c := NewCapture(CaptureDeps{Store: store, Sink: out}, NewSpecSignal(), nil, time.Second)
	ctx := context.Background()
	rec := map[string]any{"id": "100"}

	ok, err := c.EmitOnce(ctx, detailsParent, "profile:100", rec, "details")
	require.ErrorIs(t, err, ErrSinkFailed)
	assert.False(t, ok)
	assert.False(t, store.Seen(detailsParent, "profile:100"))

	ok, err = c.EmitOnce(ctx, detailsParent, "profile:100", rec, "details")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.EmitOnce(ctx, detailsParent, "profile:100", rec, "details")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, out.Len())
}

func TestRunProcessesInOrder(t *testing.T) {
	c, signal, out, store := newTestCapture(models.ResultPosts)
	signal.Set(testSpec(0))

	ch := make(chan CapturedResponse, 2)
	ch <- CapturedResponse{URL: testAPIURL, Body: postsResponse([]string{"1"}, "c1", true)}
	ch <- CapturedResponse{URL: testAPIURL, Body: postsResponse([]string{"2"}, "c2", true)}
	close(ch)

	c.Run(context.Background(), ch)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, "c2", store.Snapshot("profile:100").Cursor)
}

func TestParserFor(t *testing.T) {
	assert.NotNil(t, ParserFor(models.ResultPosts))
	assert.NotNil(t, ParserFor(models.ResultComments))
	assert.Nil(t, ParserFor(models.ResultDetails))
	assert.Nil(t, ParserFor(models.ResultStories))
}
