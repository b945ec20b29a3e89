package redis

import (
	"context"
)

// IProducer 定義了 Producer 的操作介面
type IProducer interface {
	Start()
	Publish(data []byte) error
	Close()
}

// IConsumer 定義了 Consumer 的操作介面
type IConsumer interface {
	Start()
	Subscribe() <-chan []byte
	Close()
}

// ILease 定義了 Lease 的操作介面
type ILease interface {
	Acquire(ctx context.Context) (context.Context, error)
	Release() (bool, error)
	Held() bool
}
