package sse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

var _ IBackplane = (*LocalBackplane)(nil)

// LocalBackplane 只在本行程內分發事件，適用於單一節點部署。
type LocalBackplane struct {
	m      *subscriptionManager
	logger *slog.Logger
}

// NewLocalBackplane 創建一個新的 LocalBackplane。
func NewLocalBackplane(opts ...Option) *LocalBackplane {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("caller", "LocalBackplane"))
	return &LocalBackplane{
		m:      newSubscriptionManager(logger, o.bufferSize),
		logger: logger,
	}
}

func (b *LocalBackplane) Subscribe(group string) (<-chan Event, uuid.UUID, error) {
	return b.m.subscribe(group)
}

func (b *LocalBackplane) Unsubscribe(group string, id uuid.UUID) {
	b.m.unsubscribe(group, id)
}

func (b *LocalBackplane) PublishToGroup(ctx context.Context, group string, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}
	b.m.publish(group, ev)
	return nil
}

func (b *LocalBackplane) PublishToGroups(ctx context.Context, groups []string, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}
	b.m.publishMany(groups, ev)
	return nil
}

func (b *LocalBackplane) PublishToAll(ctx context.Context, event any) error {
	ev, err := b.prepare(ctx, event)
	if err != nil {
		return err
	}
	b.m.publishAll(ev)
	return nil
}

func (b *LocalBackplane) GetLocalSubscriberCount(group string) int {
	return b.m.count(group)
}

func (b *LocalBackplane) GetLocalGroups() []string {
	return b.m.localGroups()
}

func (b *LocalBackplane) GetDiagnostics() Diagnostics {
	return b.m.diagnostics()
}

// Close 關閉所有訂閱者的通道。
func (b *LocalBackplane) Close() error {
	b.m.close()
	b.logger.Info("local backplane closed")
	return nil
}

func (b *LocalBackplane) prepare(ctx context.Context, event any) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if b.m.isClosed() {
		return Event{}, ErrBackplaneClosed
	}
	ev, err := NewEvent(event)
	if err != nil {
		return Event{}, fmt.Errorf("prepare event: %w", err)
	}
	return ev, nil
}
