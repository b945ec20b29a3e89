package redis

import (
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewConsumer(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []ConsumerOption
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			client:  client,
			stream:  "test-stream",
			wantErr: false,
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "test-stream",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  client,
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
		{
			name:   "with all options",
			client: client,
			stream: "test-stream",
			opts: []ConsumerOption{
				WithConsumerLogger(slog.Default()),
				WithConsumerBufferSize(200),
				WithConsumerBlockTimeout(2 * time.Second),
				WithConsumerRetryDelay(10 * time.Millisecond),
				WithConsumerStartID("0"),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			consumer, err := NewConsumer(tt.client, tt.stream, tt.opts...)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, consumer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, consumer)
				consumer.Close()

				// 未啟動就關閉，下游通道也會關閉
				_, ok := <-consumer.Subscribe()
				assert.False(t, ok)
			}
		})
	}
}

func TestConsumer_StartStop(t *testing.T) {
	t.Run("normal start and stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer(client, "test-stream")
		require.NoError(t, err)

		consumer.Start()
		time.Sleep(100 * time.Millisecond)
		consumer.Close()

		_, ok := <-consumer.Subscribe()
		assert.False(t, ok, "downstream should be closed")
	})

	t.Run("multiple start calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer(client, "test-stream")
		require.NoError(t, err)

		consumer.Start()
		consumer.Start() // Should be no-op
		time.Sleep(100 * time.Millisecond)
		consumer.Close()
	})

	t.Run("multiple stop calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer(client, "test-stream")
		require.NoError(t, err)

		consumer.Start()
		time.Sleep(100 * time.Millisecond)
		consumer.Close()
		consumer.Close() // Should be no-op
		consumer.Start() // 關閉後不會重新啟動
	})
}

func TestConsumer_MessageConsumption(t *testing.T) {
	t.Run("successful message consumption", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		payload := []byte(`{"groupId":"g"}`)
		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "test-stream",
				Messages: []redis.XMessage{
					{
						ID:     "1234-0",
						Values: ToStreamValues(payload),
					},
				},
			},
		})
		// 之後從上一筆的 ID 繼續讀取
		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "1234-0"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.Nil)

		consumer, err := NewConsumer(client, "test-stream",
			WithConsumerBlockTimeout(time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		select {
		case msg := <-consumer.Subscribe():
			assert.Equal(t, payload, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}

		require.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("redis error handling", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(redis.ErrClosed)

		consumer, err := NewConsumer(client, "test-stream",
			WithConsumerBlockTimeout(time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		time.Sleep(100 * time.Millisecond)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid message format", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXRead(&redis.XReadArgs{
			Streams: []string{"test-stream", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]redis.XStream{
			{
				Stream: "test-stream",
				Messages: []redis.XMessage{
					{
						ID: "1234-0",
						Values: map[string]interface{}{
							"payload": "wrong field",
						},
					},
				},
			},
		})

		consumer, err := NewConsumer(client, "test-stream",
			WithConsumerBlockTimeout(time.Second),
		)
		require.NoError(t, err)

		consumer.Start()
		defer consumer.Close()

		select {
		case <-consumer.Subscribe():
			t.Fatal("should not receive invalid message")
		case <-time.After(300 * time.Millisecond):
			// Expected timeout
		}

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
