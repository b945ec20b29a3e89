package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type leaseOptions struct {
	logger        *slog.Logger
	expiry        time.Duration
	renewInterval time.Duration
	retryDelay    time.Duration
}

type LeaseOption func(*leaseOptions)

// WithLeaseLogger 設置日誌記錄器
func WithLeaseLogger(logger *slog.Logger) LeaseOption {
	return func(o *leaseOptions) {
		o.logger = logger
	}
}

// WithLeaseExpiry 設置鎖過期時間
func WithLeaseExpiry(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		o.expiry = d
	}
}

// WithLeaseRenewInterval 設置續期間隔，預設為過期時間的 1/3
func WithLeaseRenewInterval(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		o.renewInterval = d
	}
}

// WithLeaseRetryDelay 設置鎖被佔用時的重試間隔
func WithLeaseRetryDelay(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		o.retryDelay = d
	}
}

// Lease 是會自動續期的分散式鎖，同一時間只有一個行程持有。
// 續期失敗時 Acquire 返回的 context 會被取消，持有者應停止工作。
type Lease struct {
	mutex  *redsync.Mutex
	key    string
	logger *slog.Logger
	opts   leaseOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	held   bool
	until  time.Time
	wg     sync.WaitGroup
}

// NewLease 創建一個以 key 為名的 Lease。
func NewLease(client *redis.Client, key string, opts ...LeaseOption) (*Lease, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	// 默認選項
	options := leaseOptions{
		logger:     slog.Default(),
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.expiry <= 0 {
		options.expiry = 8 * time.Second
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
	)

	return &Lease{
		mutex:  mutex,
		key:    key,
		logger: options.logger.With(slog.String("caller", "Lease"), slog.String("key", key)),
		opts:   options,
	}, nil
}

// Acquire 阻塞直到取得鎖或 ctx 取消。返回的 context 在釋放鎖或續期失敗時取消。
// Redis 本身的錯誤會直接返回，由呼叫者決定是否重試。
func (l *Lease) Acquire(ctx context.Context) (context.Context, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			err := l.mutex.TryLockContext(ctx)
			if err == nil {
				leaseCtx := l.startRenew(ctx, l.mutex.Until())
				l.logger.Debug("lease acquired")
				return leaseCtx, nil
			}
			var redisErr *redsync.RedisError
			if errors.As(err, &redisErr) {
				return nil, fmt.Errorf("failed to acquire lease: %w", err)
			}
			// 其他行程持有中
			timer.Reset(l.opts.retryDelay)
		}
	}
}

// startRenew 啟動續期，mutex 之後只由續期的 goroutine 存取，直到 Release 等待其結束。
func (l *Lease) startRenew(ctx context.Context, until time.Time) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()

	leaseCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.held = true
	l.until = until

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.opts.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := l.mutex.ExtendContext(leaseCtx)
				if err != nil || !ok {
					if leaseCtx.Err() != nil {
						return
					}
					l.logger.Warn("lease lost", slog.Any("error", err))
					l.stopRenew()
					return
				}
				l.extendUntil(l.mutex.Until())
			}
		}
	}()
	return leaseCtx
}

func (l *Lease) extendUntil(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		l.until = until
	}
}

func (l *Lease) stopRenew() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.held = false
	if l.cancel != nil {
		l.cancel()
	}
}

// Release 停止續期並釋放鎖。
func (l *Lease) Release() (bool, error) {
	l.stopRenew()
	l.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}
	l.logger.Debug("lease released")
	return ok, nil
}

// Held 判斷目前是否仍持有鎖。
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && time.Now().Before(l.until)
}
