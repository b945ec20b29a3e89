package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var ErrBusClosed = errors.New("bus is closed")

type busOptions struct {
	logger     *slog.Logger
	bufferSize int
	name       string
	timeout    time.Duration
}

type BusOption func(*busOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithBufferSize 設置每個訂閱的緩衝大小
func WithBufferSize(size int) BusOption {
	return func(o *busOptions) {
		o.bufferSize = size
	}
}

// WithName 設置連線名稱，方便在 NATS 監控中辨識節點
func WithName(name string) BusOption {
	return func(o *busOptions) {
		o.name = name
	}
}

// WithConnectTimeout 設置連線逾時
func WithConnectTimeout(d time.Duration) BusOption {
	return func(o *busOptions) {
		o.timeout = d
	}
}

// Bus 使用 NATS core publish/subscribe 作為跨節點匯流排，頻道名稱即為 subject。
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
	opts   busOptions

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewBus 連線到 url，無法連線時返回錯誤。
func NewBus(url string, opts ...BusOption) (*Bus, error) {
	if url == "" {
		return nil, errors.New("url cannot be empty")
	}

	// 默認選項
	options := busOptions{
		logger:     slog.Default(),
		bufferSize: 64,
		name:       "statelesse",
		timeout:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger.With(slog.String("caller", "NatsBus"))

	conn, err := nats.Connect(url,
		nats.Name(options.name),
		nats.Timeout(options.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fail to connect to nats, err=%w", err)
	}

	return &Bus{
		conn:   conn,
		logger: logger,
		opts:   options,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish 發布資料到 subject。
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("fail to publish to nats, err=%w", err)
	}
	return nil
}

// Subscribe 訂閱 subject 並以 Flush 確認伺服器已收到訂閱。
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	in := make(chan *nats.Msg, b.opts.bufferSize)
	natsSub, err := b.conn.ChanSubscribe(channel, in)
	if err != nil {
		return nil, fmt.Errorf("fail to subscribe to nats, err=%w", err)
	}
	if err := b.conn.FlushTimeout(b.opts.timeout); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("fail to confirm nats subscription, err=%w", err)
	}

	sub := &subscription{
		sub:    natsSub,
		in:     in,
		out:    make(chan []byte, b.opts.bufferSize),
		done:   make(chan struct{}),
		logger: b.logger.With(slog.String("subject", channel)),
	}
	b.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	})

	sub.wg.Add(1)
	go sub.run()
	return sub.out, nil
}

// Close 結束所有訂閱並關閉連線。
func (b *Bus) Close() error {
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
	if err := b.conn.Drain(); err != nil {
		b.logger.Debug("failed to drain nats connection", slog.Any("error", err))
		b.conn.Close()
	}
	b.logger.Info("nats bus closed")
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	in     chan *nats.Msg
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

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.in:
			select {
			case s.out <- msg.Data:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("failed to unsubscribe", slog.Any("error", err))
		}
		s.wg.Wait()
	})
}
