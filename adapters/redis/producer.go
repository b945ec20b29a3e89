package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

type producerOptions struct {
	logger     *slog.Logger
	bufferSize int
	maxLen     int64
}

type ProducerOption func(*producerOptions)

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(o *producerOptions) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置緩衝大小
func WithProducerBufferSize(size int) ProducerOption {
	return func(o *producerOptions) {
		o.bufferSize = size
	}
}

// WithProducerMaxLen 設置 stream 的大約長度上限，0 表示不限制
func WithProducerMaxLen(n int64) ProducerOption {
	return func(o *producerOptions) {
		o.maxLen = n
	}
}

// Producer 以背景 goroutine 將資料 XADD 到 stream，Publish 不等待 Redis 回應。
type Producer struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[[]byte]
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	options    producerOptions
}

func NewProducer(client *redis.Client, stream string, opts ...ProducerOption) (*Producer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := producerOptions{
		logger:     slog.Default(),
		bufferSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	producer := &Producer{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}

	return producer, nil
}

func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[[]byte](ctx, p.options.bufferSize)
	p.ctx = ctx
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("producer goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-p.upstream.Out:
				if !ok {
					return
				}
				id, err := p.client.XAdd(ctx, p.addArgs(data)).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					p.logger.Error("publish message error", slog.Any("error", err))
					continue
				}

				p.logger.Debug("message published", slog.String("messageId", id))
			}
		}
	}()
}

func (p *Producer) addArgs(data []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: ToStreamValues(data),
	}
	if p.options.maxLen > 0 {
		args.MaxLen = p.options.maxLen
		args.Approx = true
	}
	return args
}

// Publish 將資料放入上游緩衝，實際寫入在背景完成。
func (p *Producer) Publish(data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrBusClosed
	}

	select {
	case p.upstream.In <- data:
		return nil
	case <-p.ctx.Done():
		return ErrBusClosed
	}
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.logger.Info("closing stream producer")
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("stream producer closed")
}
