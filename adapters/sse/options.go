package sse

import (
	"log/slog"
	"time"
)

const (
	defaultBufferSize    = 16
	defaultChannelPrefix = "backplane"
)

type options struct {
	logger     *slog.Logger
	bufferSize int
	prefix     string
	codec      Codec
	now        func() time.Time
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
		prefix:     defaultChannelPrefix,
		codec:      JSONCodec{},
		now:        time.Now,
	}
}

// Option 是 backplane 的設定選項。
type Option func(*options)

// WithLogger 設置日誌記錄器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithQueueBufferSize 設置每個訂閱者佇列的初始緩衝大小。
func WithQueueBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithChannelPrefix 設置中繼頻道的前綴，實際頻道為 "{prefix}:events"。
// 只有 RelayBackplane 使用。
func WithChannelPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithCodec 設置中繼信封的編碼方式。只有 RelayBackplane 使用。
func WithCodec(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithClock 設置 publishedAt 使用的時鐘。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
