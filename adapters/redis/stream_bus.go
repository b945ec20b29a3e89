package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type streamBusOptions struct {
	logger       *slog.Logger
	maxLen       int64
	blockTimeout time.Duration
	bufferSize   int
}

type StreamBusOption func(*streamBusOptions)

// WithStreamBusLogger 設置日誌記錄器
func WithStreamBusLogger(logger *slog.Logger) StreamBusOption {
	return func(o *streamBusOptions) {
		o.logger = logger
	}
}

// WithStreamBusMaxLen 設置 XADD 的大約長度上限
func WithStreamBusMaxLen(n int64) StreamBusOption {
	return func(o *streamBusOptions) {
		o.maxLen = n
	}
}

// WithStreamBusBlockTimeout 設置 XREAD 的阻塞時間
func WithStreamBusBlockTimeout(d time.Duration) StreamBusOption {
	return func(o *streamBusOptions) {
		o.blockTimeout = d
	}
}

// WithStreamBusBufferSize 設置 Producer 與 Consumer 的緩衝大小
func WithStreamBusBufferSize(size int) StreamBusOption {
	return func(o *streamBusOptions) {
		o.bufferSize = size
	}
}

// StreamBus 使用 Redis Stream 作為跨節點匯流排，頻道名稱即為 stream key。
// 發布經由非同步的 Producer 寫入，每個訂閱各自以 Consumer 從最新位置開始讀取。
type StreamBus struct {
	client *redis.Client
	logger *slog.Logger
	opts   streamBusOptions

	mu        sync.Mutex
	producers map[string]IProducer
	consumers map[IConsumer]func() bool
	closed    bool
}

func NewStreamBus(client *redis.Client, opts ...StreamBusOption) (*StreamBus, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := streamBusOptions{
		logger:       slog.Default(),
		maxLen:       10000,
		blockTimeout: time.Second,
		bufferSize:   100,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &StreamBus{
		client:    client,
		logger:    options.logger.With(slog.String("caller", "StreamBus")),
		opts:      options,
		producers: make(map[string]IProducer),
		consumers: make(map[IConsumer]func() bool),
	}, nil
}

// Publish 將資料交給該 stream 的 Producer，不等待寫入完成。
func (b *StreamBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := b.producer(channel)
	if err != nil {
		return err
	}
	return p.Publish(payload)
}

func (b *StreamBus) producer(stream string) (IProducer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if p, ok := b.producers[stream]; ok {
		return p, nil
	}

	p, err := NewProducer(b.client, stream,
		WithProducerLogger(b.opts.logger),
		WithProducerBufferSize(b.opts.bufferSize),
		WithProducerMaxLen(b.opts.maxLen))
	if err != nil {
		return nil, err
	}
	p.Start()
	b.producers[stream] = p
	return p, nil
}

// Subscribe 先以 PING 確認連線，再從 stream 的最新位置開始讀取。
func (b *StreamBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	c, err := NewConsumer(b.client, channel,
		WithConsumerLogger(b.opts.logger),
		WithConsumerBufferSize(b.opts.bufferSize),
		WithConsumerBlockTimeout(b.opts.blockTimeout))
	if err != nil {
		return nil, err
	}
	c.Start()
	b.consumers[c] = context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.consumers, c)
		b.mu.Unlock()
		c.Close()
	})
	return c.Subscribe(), nil
}

// Close 關閉所有 Producer 與 Consumer。尚未寫入的資料會被丟棄。
func (b *StreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	producers, consumers := b.producers, b.consumers
	b.producers = make(map[string]IProducer)
	b.consumers = make(map[IConsumer]func() bool)
	b.mu.Unlock()

	for c, stop := range consumers {
		stop()
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	b.logger.Info("stream bus closed")
	return nil
}
