package sse_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"statelesse/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Message 是聊天室的訊息事件。
type Message struct {
	Content string `json:"content"`
}

// Notice 是另一種事件，用來驗證型別過濾。
type Notice struct {
	Text string `json:"text"`
}

type scoreEvent struct {
	Score int `json:"score"`
}

func (*scoreEvent) EventType() string { return "ScoreChanged" }

// recorder 是可在串流進行中安全讀取的 ResponseWriter。
type recorder struct {
	mu     sync.Mutex
	header http.Header
	code   int
	buf    bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == 0 {
		r.code = code
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.buf.Write(p)
}

func (r *recorder) Flush() {}

func (r *recorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *recorder) Code() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

func (r *recorder) Count(substr string) int {
	return strings.Count(r.Body(), substr)
}

// countingBackplane 記錄 Unsubscribe 的呼叫次數。
type countingBackplane struct {
	sse.IBackplane
	unsubscribes atomic.Int32
}

func (b *countingBackplane) Unsubscribe(group string, id uuid.UUID) {
	b.unsubscribes.Add(1)
	b.IBackplane.Unsubscribe(group, id)
}

// session 是在背景執行中的 ServeStream。
type session struct {
	rec    *recorder
	cancel context.CancelFunc
	done   chan error
}

func startSession[T any](t *testing.T, backplane sse.IBackplane, group string, opts ...sse.StreamOption) *session {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/stream", nil)
	require.NoError(t, err)

	s := &session{rec: newRecorder(), cancel: cancel, done: make(chan error, 1)}
	go func() {
		s.done <- sse.ServeStream[T](s.rec, req, backplane, group, opts...)
	}()

	require.Eventually(t, func() bool {
		return strings.HasPrefix(s.rec.Body(), "retry: ")
	}, time.Second, 5*time.Millisecond, "stream did not start")
	return s
}

// stop 取消請求並等待 ServeStream 結束。
func (s *session) stop(t *testing.T) error {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("stream did not stop in time")
		return nil
	}
}

// receive 從通道讀取一個事件，逾時則測試失敗。
func receive(t *testing.T, ch <-chan sse.Event) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("did not receive event in time")
		return sse.Event{}
	}
}

// assertClosed 確認通道已關閉且沒有剩餘的事件。
func assertClosed(t *testing.T, ch <-chan sse.Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.False(t, ok, "unexpected event %q", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

// memBus 是行程內的 IBus，多個 RelayBackplane 共用時模擬不同節點。
type memBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]chan []byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, chs := range b.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	return nil
}
