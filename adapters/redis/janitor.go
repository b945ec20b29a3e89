package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type janitorOptions struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	lease    []LeaseOption
}

type JanitorOption func(*janitorOptions)

// WithJanitorLogger 設置日誌記錄器
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(o *janitorOptions) {
		o.logger = logger
	}
}

// WithJanitorInterval 設置清理間隔
func WithJanitorInterval(d time.Duration) JanitorOption {
	return func(o *janitorOptions) {
		o.interval = d
	}
}

// WithJanitorClock 設置計算保留期限使用的時鐘
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(o *janitorOptions) {
		o.now = now
	}
}

// WithJanitorLeaseOptions 設置分散式鎖的選項
func WithJanitorLeaseOptions(opts ...LeaseOption) JanitorOption {
	return func(o *janitorOptions) {
		o.lease = append(o.lease, opts...)
	}
}

// Janitor 定期以 XTRIM MINID 移除超過保留期限的 stream entry。
// 多個行程同時執行時，只有持有 "{stream}:janitor" 鎖的行程會清理。
type Janitor struct {
	client    *redis.Client
	stream    string
	retention time.Duration
	lease     ILease
	logger    *slog.Logger
	opts      janitorOptions

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

func NewJanitor(client *redis.Client, stream string, retention time.Duration, opts ...JanitorOption) (*Janitor, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}

	// 默認選項
	options := janitorOptions{
		logger:   slog.Default(),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lease, err := NewLease(client, stream+":janitor",
		append([]LeaseOption{WithLeaseLogger(options.logger)}, options.lease...)...)
	if err != nil {
		return nil, err
	}

	return &Janitor{
		client:    client,
		stream:    stream,
		retention: retention,
		lease:     lease,
		logger:    options.logger.With(slog.String("caller", "Janitor"), slog.String("stream", stream)),
		opts:      options,
	}, nil
}

// Trim 移除早於保留期限的 entry，返回移除的數量。
func (j *Janitor) Trim(ctx context.Context) (int64, error) {
	minID := MinIDBefore(j.opts.now().Add(-j.retention))
	n, err := j.client.XTrimMinID(ctx, j.stream, minID).Result()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Debug("stream trimmed", slog.String("minId", minID), slog.Int64("removed", n))
	}
	return n, nil
}

// Start 在背景競爭鎖，取得後每個間隔清理一次，直到 Close 或失去鎖。
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancelFunc = cancel
	j.running = true
	j.logger.Info("starting stream janitor", slog.Duration("retention", j.retention))

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.logger.Info("janitor goroutine stopped")

		for ctx.Err() == nil {
			leaseCtx, err := j.lease.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				j.logger.Error("failed to acquire janitor lease", slog.Any("error", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(j.opts.interval):
				}
				continue
			}

			j.run(leaseCtx)

			if _, err := j.lease.Release(); err != nil {
				j.logger.Debug("failed to release janitor lease", slog.Any("error", err))
			}
		}
	}()
}

// run 在持有鎖期間定期清理。
func (j *Janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.interval)
	defer ticker.Stop()

	for {
		if _, err := j.Trim(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("failed to trim stream", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close 停止清理並釋放鎖。
func (j *Janitor) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	j.logger.Info("closing stream janitor")
	j.running = false
	j.cancelFunc()
	j.wg.Wait()
	j.logger.Info("stream janitor closed")
}
