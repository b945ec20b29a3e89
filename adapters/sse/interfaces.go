package sse

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrBackplaneClosed 表示 backplane 已關閉
	ErrBackplaneClosed = errors.New("backplane is closed")
	// ErrStreamingUnsupported 表示 ResponseWriter 不支援 flush
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// IBackplane 定義了 SSE backplane 的介面。
// 所有 Local 開頭的查詢只反映本節點的狀態。
type IBackplane interface {
	// Subscribe 在 group 下註冊新的訂閱者，返回接收事件的通道和訂閱者 ID。
	Subscribe(group string) (<-chan Event, uuid.UUID, error)
	// Unsubscribe 移除訂閱者並關閉其通道，重複呼叫不會出錯。
	Unsubscribe(group string, id uuid.UUID)
	// PublishToGroup 將事件送給 group 目前所有的訂閱者。
	PublishToGroup(ctx context.Context, group string, event any) error
	// PublishToGroups 對每個 group 各自執行 PublishToGroup。
	PublishToGroups(ctx context.Context, groups []string, event any) error
	// PublishToAll 將事件送給所有 group 的所有訂閱者。
	PublishToAll(ctx context.Context, event any) error
	// GetLocalSubscriberCount 返回本節點上 group 的訂閱者數量。
	GetLocalSubscriberCount(group string) int
	// GetLocalGroups 返回本節點上仍有訂閱者的 group。
	GetLocalGroups() []string
	// GetDiagnostics 返回本節點 backplane 狀態的快照。
	GetDiagnostics() Diagnostics
	// Close 關閉 backplane，結束所有訂閱。
	Close() error
}

// IBus 定義了跨節點中繼所使用的外部訊息匯流排。
type IBus interface {
	// Publish 將資料發布到指定頻道。
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe 訂閱指定頻道，返回的通道在匯流排關閉後關閉。
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Close 關閉匯流排，釋放所有資源。
	Close() error
}
