package api

import (
	"errors"
	"fmt"
	"time"

	"statelesse/adapters/sse"
)

const (
	BackplaneMemory      = "memory"
	BackplaneRedis       = "redis"
	BackplaneRedisStream = "redis-stream"
	BackplaneNATS        = "nats"
)

type ServerConfig struct {
	Backplane BackplaneConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Stream    StreamConfig
	HTTP      HTTPConfig
}

type BackplaneConfig struct {
	Kind            string
	ChannelPrefix   string
	Codec           string
	QueueBufferSize int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	StreamMaxLen    int64
	StreamRetention time.Duration
}

type NATSConfig struct {
	URL string
}

type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryInterval     time.Duration
	AllowOrigin       string
}

type HTTPConfig struct {
	// 發布請求內容與訊息的大小上限，0 代表不限制
	MaxBodyBytes int64
}

// Validate 檢查設定是否足以啟動伺服器
func (config ServerConfig) Validate() error {
	switch config.Backplane.Kind {
	case BackplaneMemory:
	case BackplaneRedis, BackplaneRedisStream:
		if config.Redis.Addr == "" {
			return fmt.Errorf("backplane %q requires redis address", config.Backplane.Kind)
		}
	case BackplaneNATS:
		if config.NATS.URL == "" {
			return errors.New("backplane \"nats\" requires nats url")
		}
	default:
		return fmt.Errorf("unknown backplane %q", config.Backplane.Kind)
	}
	if _, err := sse.CodecByName(config.Backplane.Codec); err != nil {
		return err
	}
	if config.Redis.StreamRetention < 0 {
		return errors.New("redis stream retention cannot be negative")
	}
	return nil
}
