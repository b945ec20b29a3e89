package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

var _ IBackplane = (*RelayBackplane)(nil)

// RelayBackplane 將發布的事件經由外部匯流排送往所有節點，
// 每個節點收到後再分發給自己的本地訂閱者。
type RelayBackplane struct {
	bus     IBus
	channel string
	codec   Codec
	now     func() time.Time
	m       *subscriptionManager
	logger  *slog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRelayBackplane 創建一個新的 RelayBackplane，需呼叫 Start 才會接收其他節點的事件。
// bus 的生命週期由呼叫者管理。
func NewRelayBackplane(bus IBus, opts ...Option) (*RelayBackplane, error) {
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	channel := o.prefix + ":events"
	logger := o.logger.With(slog.String("caller", "RelayBackplane"), slog.String("channel", channel))
	return &RelayBackplane{
		bus:     bus,
		channel: channel,
		codec:   o.codec,
		now:     o.now,
		m:       newSubscriptionManager(logger, o.bufferSize),
		logger:  logger,
	}, nil
}

// Channel 返回匯流排上使用的頻道名稱。
func (b *RelayBackplane) Channel() string {
	return b.channel
}

// Start 訂閱匯流排頻道並開始分發收到的事件。
// 匯流排無法訂閱時返回錯誤，應視為啟動失敗。
func (b *RelayBackplane) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackplaneClosed
	}
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe relay channel %q: %w", b.channel, err)
	}
	b.started = true
	b.cancelFunc = cancel
	b.logger.Info("starting relay backplane", slog.String("codec", b.codec.Name()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.logger.Info("relay listener stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-messages:
				if !ok {
					b.logger.Warn("relay channel closed by bus")
					return
				}
				b.handle(data)
			}
		}
	}()
	return nil
}

// handle 將匯流排上的一則訊息套用到本地訂閱者，格式錯誤的訊息只記錄後丟棄。
func (b *RelayBackplane) handle(data []byte) {
	env, err := b.codec.Decode(data)
	if err != nil {
		b.logger.Error("failed to decode relay message",
			slog.Int("size", len(data)),
			slog.Any("error", err))
		return
	}

	if env.GroupID == AllGroups {
		b.m.publishAll(env.Event())
		return
	}
	b.m.publish(env.GroupID, env.Event())
}

func (b *RelayBackplane) Subscribe(group string) (<-chan Event, uuid.UUID, error) {
	return b.m.subscribe(group)
}

func (b *RelayBackplane) Unsubscribe(group string, id uuid.UUID) {
	b.m.unsubscribe(group, id)
}

func (b *RelayBackplane) PublishToGroup(ctx context.Context, group string, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}
	return b.send(ctx, group, ev)
}

// PublishToGroups 對每個不重複的 group 各發送一則信封，所有失敗以 errors.Join 合併返回。
func (b *RelayBackplane) PublishToGroups(ctx context.Context, groups []string, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}

	p := pool.New().WithErrors()
	for _, group := range lo.Uniq(groups) {
		p.Go(func() error {
			return b.send(ctx, group, ev)
		})
	}
	return p.Wait()
}

// PublishToAll 以萬用 groupId 廣播，每個節點都會分發給自己所有的 group。
func (b *RelayBackplane) PublishToAll(ctx context.Context, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}
	return b.send(ctx, AllGroups, ev)
}

func (b *RelayBackplane) send(ctx context.Context, group string, ev Event) error {
	data, err := b.codec.Encode(Envelope{
		GroupID:     group,
		EventType:   ev.Type,
		Payload:     ev.Data,
		PublishedAt: b.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope for group %q: %w", group, err)
	}
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		b.logger.Error("failed to publish relay message",
			slog.String("group", group),
			slog.Any("error", err))
		return fmt.Errorf("publish to group %q: %w", group, err)
	}
	b.logger.Debug("relay message published",
		slog.String("group", group),
		slog.String("eventType", ev.Type))
	return nil
}

func (b *RelayBackplane) prepare(ctx context.Context, event any) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if b.m.isClosed() {
		return Event{}, ErrBackplaneClosed
	}
	ev, err := NewEvent(event)
	if err != nil {
		return Event{}, fmt.Errorf("prepare event: %w", err)
	}
	return ev, nil
}

func (b *RelayBackplane) GetLocalSubscriberCount(group string) int {
	return b.m.count(group)
}

func (b *RelayBackplane) GetLocalGroups() []string {
	return b.m.localGroups()
}

func (b *RelayBackplane) GetDiagnostics() Diagnostics {
	return b.m.diagnostics()
}

// Close 停止接收匯流排訊息並關閉所有訂閱者的通道，不會關閉 bus。
func (b *RelayBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.logger.Info("closing relay backplane")
	b.closed = true
	if b.cancelFunc != nil {
		b.cancelFunc()
	}
	b.wg.Wait()
	b.m.close()
	b.logger.Info("relay backplane closed")
	return nil
}
