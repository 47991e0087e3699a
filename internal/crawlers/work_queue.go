package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/models"
)

// WorkQueue 抓取目标队列
// 职责: 并发安全的Push/Pop,失败目标延迟重新入队,所有目标终结后自动关闭
type WorkQueue struct {
	mu sync.Mutex

	// 待处理目标
	pending []models.WorkItem

	// 已入队的URL+标签,避免重复目标
	visited map[string]bool

	// 尚未终结的目标数(含等待重试的)
	outstanding int

	// 有新目标或队列关闭时关闭并替换
	notify chan struct{}

	closed bool
}

// NewWorkQueue 创建队列
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		visited: make(map[string]bool),
		notify:  make(chan struct{}),
	}
}

// Push 添加新目标,相同URL和标签的目标只接受一次
func (q *WorkQueue) Push(item models.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("队列已关闭")
	}
	key := string(item.Label) + "|" + item.URL
	if q.visited[key] {
		return fmt.Errorf("目标已入队: %s", item.URL)
	}
	q.visited[key] = true
	q.outstanding++
	q.pushLocked(item)
	return nil
}

// Requeue 在delay之后重新放回队列,不改变未终结计数
func (q *WorkQueue) Requeue(item models.WorkItem, delay time.Duration) {
	if delay <= 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.pushLocked(item)
		}
		return
	}
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.pushLocked(item)
		}
	})
}

// Pop 取出下一个目标,队列为空时阻塞,关闭或ctx取消时返回false
func (q *WorkQueue) Pop(ctx context.Context) (models.WorkItem, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return models.WorkItem{}, false
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.WorkItem{}, false
		case <-wait:
		}
	}
}

// Done 标记一个目标已终结(成功、跳过或进入死信)
// 最后一个目标终结时关闭队列
func (q *WorkQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.outstanding--
	if q.outstanding <= 0 {
		q.closeLocked()
	}
}

// PendingCount 当前待处理数量
func (q *WorkQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Outstanding 尚未终结的目标数
func (q *WorkQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Close 关闭队列,丢弃未处理目标
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *WorkQueue) pushLocked(item models.WorkItem) {
	q.pending = append(q.pending, item)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *WorkQueue) closeLocked() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
	q.notify = make(chan struct{})
}
