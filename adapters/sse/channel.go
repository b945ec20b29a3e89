package sse

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/chanx"
)

// Queue 是單一訂閱者專屬的事件佇列：多個發布者寫入，一個 Stream Session 讀取。
// 底層使用無界通道，發布者不會被慢速的消費者阻塞。
type Queue struct {
	ch     *chanx.UnboundedChan[Event]
	done   <-chan struct{}
	cancel context.CancelFunc

	mu     sync.RWMutex // 保護 closed，避免寫入已關閉的通道
	closed bool
}

func newQueue(bufferSize int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		ch:     chanx.NewUnboundedChan[Event](ctx, bufferSize),
		done:   ctx.Done(),
		cancel: cancel,
	}
}

// Out 返回唯讀通道，佇列關閉後通道也會關閉。
func (q *Queue) Out() <-chan Event {
	return q.ch.Out
}

// Len 返回尚未被讀取的事件數量。
func (q *Queue) Len() int {
	return q.ch.Len()
}

// push 將事件放入佇列，佇列已關閉時返回 false。
func (q *Queue) push(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.ch.In <- ev:
		return true
	case <-q.done:
		return false
	}
}

// close 關閉佇列並丟棄尚未送出的事件，可重複呼叫。
func (q *Queue) close() {
	// 先取消，讓卡在 push 中的發布者可以離開
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch.In)
}

// group 保存某個 group 在本節點上的所有訂閱者。
type group struct {
	name        string
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Queue
	removed     bool // 已從 manager 移除，不再接受新的訂閱者
}

func newGroup(name string) *group {
	return &group{
		name:        name,
		subscribers: make(map[uuid.UUID]*Queue),
	}
}

// add 加入訂閱者。group 已被移除時返回 false，呼叫者應重新取得 group。
func (g *group) add(id uuid.UUID, q *Queue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return false
	}
	g.subscribers[id] = q
	return true
}

// remove 移除並關閉訂閱者的佇列。
// onEmpty 在最後一個訂閱者離開時於鎖內呼叫，確保不會與 add 交錯。
func (g *group) remove(id uuid.UUID, onEmpty func()) (removed bool, remaining int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.subscribers[id]
	if ok {
		delete(g.subscribers, id)
		q.close()
	}
	if len(g.subscribers) == 0 && !g.removed {
		g.removed = true
		onEmpty()
	}
	return ok, len(g.subscribers)
}

// snapshot 返回目前訂閱者的佇列，之後的增減不影響這份快照。
func (g *group) snapshot() []*Queue {
	g.mu.RLock()
	defer g.mu.RUnlock()
	queues := make([]*Queue, 0, len(g.subscribers))
	for _, q := range g.subscribers {
		queues = append(queues, q)
	}
	return queues
}

// broadcast 將事件送給快照中的每個訂閱者，返回成功與失敗的數量。
func (g *group) broadcast(ev Event) (delivered, dropped int) {
	for _, q := range g.snapshot() {
		if q.push(ev) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// count 返回訂閱者數量。
func (g *group) count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subscribers)
}

// closeAll 關閉所有訂閱者的佇列並清空訂閱清單。
func (g *group) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.removed = true
	for _, q := range g.subscribers {
		q.close()
	}
	clear(g.subscribers)
}
