package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultKeepaliveInterval = 30 * time.Second
	defaultRetryInterval     = 3000 * time.Millisecond
)

type streamOptions struct {
	logger       *slog.Logger
	keepalive    time.Duration
	retry        time.Duration
	initialState func(ctx context.Context) (any, error)
	allowOrigin  string
	newTicker    func(d time.Duration) (<-chan time.Time, func())
}

// StreamOption 是 ServeStream 的設定選項。
type StreamOption func(*streamOptions)

// WithKeepaliveInterval 設置 keepalive 註解行的發送間隔，須小於代理伺服器的閒置逾時。
func WithKeepaliveInterval(d time.Duration) StreamOption {
	return func(o *streamOptions) {
		if d > 0 {
			o.keepalive = d
		}
	}
}

// WithRetryInterval 設置送給客戶端的重新連線間隔。
func WithRetryInterval(d time.Duration) StreamOption {
	return func(o *streamOptions) {
		if d > 0 {
			o.retry = d
		}
	}
}

// WithInitialState 在開始串流前先送出一筆不帶 id 的資料。
func WithInitialState(fn func(ctx context.Context) (any, error)) StreamOption {
	return func(o *streamOptions) {
		o.initialState = fn
	}
}

// WithStreamLogger 設置日誌記錄器
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(o *streamOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCORSAllowOrigin 設置 Access-Control-Allow-Origin 標頭。
func WithCORSAllowOrigin(origin string) StreamOption {
	return func(o *streamOptions) {
		o.allowOrigin = origin
	}
}

func newTimeTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ServeStream 將 group 的事件以 SSE 格式串流給客戶端，直到請求被取消、
// 寫入失敗或 backplane 關閉為止。只有型別標籤與 T 相符的事件會被送出，
// T 為介面型別時不做過濾。沒有型別標籤的事件一律送出，其型別由 group 名稱決定。
//
// 連線中斷不視為錯誤；只有無法開始串流時才返回錯誤。
func ServeStream[T any](w http.ResponseWriter, r *http.Request, backplane IBackplane, group string, opts ...StreamOption) error {
	o := streamOptions{
		logger:    slog.Default(),
		keepalive: defaultKeepaliveInterval,
		retry:     defaultRetryInterval,
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("caller", "ServeStream"), slog.String("group", group))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return ErrStreamingUnsupported
	}

	events, id, err := backplane.Subscribe(group)
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return fmt.Errorf("subscribe %q: %w", group, err)
	}
	defer backplane.Unsubscribe(group, id)
	logger = logger.With(slog.String("subscriberId", id.String()))

	// 長連線不受伺服器 WriteTimeout 限制
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("failed to clear write deadline", slog.Any("error", err))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if o.allowOrigin != "" {
		h.Set("Access-Control-Allow-Origin", o.allowOrigin)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &streamWriter{w: w, flusher: flusher}
	if err := sw.retry(o.retry); err != nil {
		logger.Debug("client gone before streaming", slog.Any("error", err))
		return nil
	}

	ctx := r.Context()
	if o.initialState != nil {
		state, err := o.initialState(ctx)
		if err != nil {
			logger.Error("failed to load initial state", slog.Any("error", err))
			return nil
		}
		ev, err := NewEvent(state)
		if err != nil {
			logger.Error("failed to encode initial state", slog.Any("error", err))
			return nil
		}
		if err := sw.data(ev.Data); err != nil {
			return nil
		}
	}

	logger.Debug("stream started")
	defer logger.Debug("stream closed")

	wantType := EventType[T]()
	tick, stop := o.newTicker(o.keepalive)
	defer stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := sw.keepalive(); err != nil {
				logger.Debug("keepalive write failed", slog.Any("error", err))
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				// backplane 已關閉
				return nil
			}
			if wantType != "" && ev.Type != "" && ev.Type != wantType {
				logger.Debug("event type mismatch, skipped",
					slog.String("eventType", ev.Type),
					slog.String("want", wantType))
				continue
			}
			seq++
			if err := sw.record(seq, ev.Data); err != nil {
				logger.Debug("event write failed", slog.Any("error", err))
				return nil
			}
		}
	}
}

// streamWriter 負責 SSE 的文字格式，每筆記錄寫完立即 flush。
type streamWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (sw *streamWriter) retry(d time.Duration) error {
	return sw.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (sw *streamWriter) keepalive() error {
	return sw.write(": keepalive\n\n")
}

func (sw *streamWriter) record(id uint64, data []byte) error {
	return sw.write(fmt.Sprintf("id: %d\ndata: %s\n\n", id, singleLine(data)))
}

func (sw *streamWriter) data(data []byte) error {
	return sw.write(fmt.Sprintf("data: %s\n\n", singleLine(data)))
}

func (sw *streamWriter) write(s string) error {
	if _, err := io.WriteString(sw.w, s); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
