package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

type consumerOptions struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	retryDelay   time.Duration
	startID      string
}

type ConsumerOption func(*consumerOptions)

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize(size int) ConsumerOption {
	return func(o *consumerOptions) {
		o.bufferSize = size
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.blockTimeout = d
	}
}

// WithConsumerRetryDelay 設置讀取失敗後的等待時間
func WithConsumerRetryDelay(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.retryDelay = d
	}
}

// WithConsumerStartID 設置開始讀取的 ID，預設 "$" 只讀新資料
func WithConsumerStartID(id string) ConsumerOption {
	return func(o *consumerOptions) {
		o.startID = id
	}
}

// Consumer 以 XREAD 讀取 stream，不使用 consumer group，每個 Consumer 都會收到所有 entry。
type Consumer struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan []byte
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	closed     bool
	logger     *slog.Logger
	options    consumerOptions
}

func NewConsumer(client *redis.Client, stream string, opts ...ConsumerOption) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := consumerOptions{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		retryDelay:   time.Second,
		startID:      "$",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	consumer := &Consumer{
		client:     client,
		stream:     stream,
		lastID:     options.startID,
		downStream: make(chan []byte, options.bufferSize),
		logger:     options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options:    options,
	}

	return consumer, nil
}

func (s *Consumer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 下游通道只會關閉一次，不支援重新啟動
	if s.started || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancelFunc = cancel
	s.logger.Info("starting stream consumer")

	// 啟動消費者 goroutine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("consumer goroutine stopped")
		defer close(s.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			message, err := s.fetchNextMessage(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("fetch message error", slog.Any("error", err))
				// 連線異常時稍候再試，避免空轉
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.options.retryDelay):
				}
				continue
			}

			data, err := FromStreamValues(message.Values)
			if err != nil {
				s.logger.Error("failed to parse message",
					slog.String("messageId", message.ID),
					slog.Any("error", err))
				continue
			}

			// 發送到下游
			select {
			case <-ctx.Done():
				return
			case s.downStream <- data:
				s.logger.Debug("message sent to downstream",
					slog.String("messageId", message.ID))
			}
		}
	}()
}

func (s *Consumer) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   1,
		Block:   s.options.blockTimeout,
	}).Result()

	if err != nil {
		return redis.XMessage{}, err
	}

	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		message := streams[0].Messages[0]
		s.lastID = message.ID
		s.logger.Debug("received message", slog.String("messageId", message.ID))
		return message, nil
	}

	return redis.XMessage{}, redis.Nil
}

// Subscribe 返回下游通道，Close 之後關閉。
func (s *Consumer) Subscribe() <-chan []byte {
	return s.downStream
}

// Close 關閉消費者
func (s *Consumer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !s.started {
		close(s.downStream)
		return
	}
	s.logger.Info("closing stream consumer")
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("stream consumer closed")
}
