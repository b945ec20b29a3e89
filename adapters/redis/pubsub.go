package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

type pubSubOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type PubSubOption func(*pubSubOptions)

// WithPubSubLogger 設置日誌記錄器
func WithPubSubLogger(logger *slog.Logger) PubSubOption {
	return func(o *pubSubOptions) {
		o.logger = logger
	}
}

// WithPubSubBufferSize 設置每個訂閱的下游緩衝大小
func WithPubSubBufferSize(size int) PubSubOption {
	return func(o *pubSubOptions) {
		o.bufferSize = size
	}
}

// PubSubBus 使用 Redis PUBLISH/SUBSCRIBE 作為跨節點匯流排。
// 訊息不落地，訂閱之前或斷線期間發布的訊息會遺失。
type PubSubBus struct {
	client *redis.Client
	logger *slog.Logger
	opts   pubSubOptions

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewPubSubBus(client *redis.Client, opts ...PubSubOption) (*PubSubBus, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := pubSubOptions{
		logger:     slog.Default(),
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &PubSubBus{
		client: client,
		logger: options.logger.With(slog.String("caller", "PubSubBus")),
		opts:   options,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish 發布資料到頻道。
func (b *PubSubBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe 訂閱頻道，等到 Redis 確認訂閱後才返回，無法連線時返回錯誤。
// ctx 取消或 bus 關閉時停止訂閱並關閉返回的通道。
func (b *PubSubBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	sub := &subscription{
		ps:     ps,
		out:    make(chan []byte, b.opts.bufferSize),
		done:   make(chan struct{}),
		logger: b.logger.With(slog.String("channel", channel)),
	}
	b.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() {
		b.remove(sub)
	})

	sub.wg.Add(1)
	go sub.run()
	sub.logger.Info("subscribed")
	return sub.out, nil
}

func (b *PubSubBus) remove(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Close 結束所有訂閱。Redis client 由呼叫者關閉。
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
		sub.close()
	}
	b.logger.Info("pubsub bus closed")
	return nil
}

type subscription struct {
	ps     *redis.PubSub
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	stop   func() bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

func (s *subscription) run() {
	defer s.wg.Done()
	defer close(s.out)

	messages := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.ps.Close(); err != nil {
			s.logger.Debug("failed to close pubsub", slog.Any("error", err))
		}
		s.wg.Wait()
		s.logger.Info("unsubscribed")
	})
}
