package sse

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// subscriptionManager 管理本節點上 group 與訂閱者的對應關係。
// LocalBackplane 與 RelayBackplane 共用同一套實作，差別只在事件從哪裡進來。
type subscriptionManager struct {
	logger     *slog.Logger
	bufferSize int

	groups sync.Map // string -> *group，不同 group 之間互不阻塞

	mu     sync.RWMutex // 保護 closed
	closed bool
}

func newSubscriptionManager(logger *slog.Logger, bufferSize int) *subscriptionManager {
	return &subscriptionManager{
		logger:     logger,
		bufferSize: bufferSize,
	}
}

// subscribe 在 name 下註冊新的訂閱者。
func (m *subscriptionManager) subscribe(name string) (<-chan Event, uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, uuid.Nil, ErrBackplaneClosed
	}

	id := uuid.New()
	q := newQueue(m.bufferSize)
	for {
		g := m.loadOrCreate(name)
		if g.add(id, q) {
			m.logger.Debug("subscriber added",
				slog.String("group", name),
				slog.String("subscriberId", id.String()),
				slog.Int("localSubscribers", g.count()))
			return q.Out(), id, nil
		}
		// group 剛好在最後一個訂閱者離開時被移除，重新建立
	}
}

func (m *subscriptionManager) loadOrCreate(name string) *group {
	if v, ok := m.groups.Load(name); ok {
		return v.(*group)
	}
	v, _ := m.groups.LoadOrStore(name, newGroup(name))
	return v.(*group)
}

// unsubscribe 移除訂閱者；group 或訂閱者不存在時不做任何事。
func (m *subscriptionManager) unsubscribe(name string, id uuid.UUID) {
	v, ok := m.groups.Load(name)
	if !ok {
		return
	}
	g := v.(*group)

	removed, remaining := g.remove(id, func() {
		m.groups.CompareAndDelete(name, g)
	})
	if !removed {
		return
	}
	m.logger.Debug("subscriber removed",
		slog.String("group", name),
		slog.String("subscriberId", id.String()),
		slog.Int("localSubscribers", remaining))
	if remaining == 0 {
		m.logger.Debug("no subscribers left, group removed", slog.String("group", name))
	}
}

// publish 將事件送給 name 目前所有的訂閱者。
func (m *subscriptionManager) publish(name string, ev Event) {
	v, ok := m.groups.Load(name)
	if !ok {
		m.logger.Debug("published to group without subscribers",
			slog.String("group", name),
			slog.String("eventType", ev.Type))
		return
	}
	m.deliver(v.(*group), ev)
}

func (m *subscriptionManager) deliver(g *group, ev Event) {
	delivered, dropped := g.broadcast(ev)
	m.logger.Debug("event delivered",
		slog.String("group", g.name),
		slog.String("eventType", ev.Type),
		slog.Int("delivered", delivered))
	if dropped > 0 {
		// 訂閱者在快照之後才取消訂閱，視為已離開
		m.logger.Debug("subscribers already gone",
			slog.String("group", g.name),
			slog.Int("dropped", dropped))
	}
}

// publishMany 平行地對每個 group 發布，任一 group 的失敗不影響其他 group。
func (m *subscriptionManager) publishMany(names []string, ev Event) {
	var wg conc.WaitGroup
	for _, name := range slices.Compact(slices.Sorted(slices.Values(names))) {
		wg.Go(func() {
			m.publish(name, ev)
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		m.logger.Error("panic while publishing to groups", slog.Any("error", r.AsError()))
	}
}

// publishAll 將事件送給本節點上所有 group 的訂閱者。
func (m *subscriptionManager) publishAll(ev Event) {
	var wg conc.WaitGroup
	m.groups.Range(func(_, v any) bool {
		g := v.(*group)
		wg.Go(func() {
			m.deliver(g, ev)
		})
		return true
	})
	if r := wg.WaitAndRecover(); r != nil {
		m.logger.Error("panic while publishing to all groups", slog.Any("error", r.AsError()))
	}
}

func (m *subscriptionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// count 返回 name 在本節點的訂閱者數量。
func (m *subscriptionManager) count(name string) int {
	v, ok := m.groups.Load(name)
	if !ok {
		return 0
	}
	return v.(*group).count()
}

// close 關閉所有佇列，之後的 subscribe 會返回 ErrBackplaneClosed。
func (m *subscriptionManager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.groups.Range(func(k, v any) bool {
		v.(*group).closeAll()
		m.groups.Delete(k)
		return true
	})
}
