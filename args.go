package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"statelesse/api"
)

func ParseArgs() Args {
	// 讀取.env，檔案不存在時忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Fail to load .env", slog.Any("error", err))
	}

	// server config
	pflag.String("server-url", "0.0.0.0:8080", "address the HTTP server listens on")
	pflag.Int64("max-body-bytes", 64*1024, "size limit of publish requests, 0 disables")

	// backplane config
	pflag.String("backplane", api.BackplaneMemory, "memory | redis | redis-stream | nats")
	pflag.String("channel-prefix", "backplane", "relay channel is {prefix}:events")
	pflag.String("relay-codec", "json", "json | msgpack")
	pflag.Int("queue-buffer-size", 16, "initial buffer of each subscriber queue")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 0, "")
	pflag.Int64("redis-stream-max-len", 10000, "approximate MAXLEN of the relay stream")
	pflag.Duration("redis-stream-retention", 10*time.Minute, "entries older than this are trimmed, 0 disables")

	// nats config
	pflag.String("nats-url", "", "")

	// stream config
	pflag.Duration("keepalive-interval", 30*time.Second, "")
	pflag.Duration("retry-interval", 3000*time.Millisecond, "")
	pflag.String("cors-allow-origin", "", "")

	// log config
	pflag.String("log-level", "info", "debug | info | warn | error")
	pflag.String("log-format", "text", "text | json")
	pflag.String("log-file", "", "also write logs to this rotated file")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("STATELESSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		Log: LogConfig{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
			File:   viper.GetString("log-file"),
		},
		ServerConfig: api.ServerConfig{
			Backplane: api.BackplaneConfig{
				Kind:            viper.GetString("backplane"),
				ChannelPrefix:   viper.GetString("channel-prefix"),
				Codec:           viper.GetString("relay-codec"),
				QueueBufferSize: viper.GetInt("queue-buffer-size"),
			},
			Redis: api.RedisConfig{
				Addr:            viper.GetString("redis-addr"),
				Password:        viper.GetString("redis-password"),
				DB:              viper.GetInt("redis-db"),
				StreamMaxLen:    viper.GetInt64("redis-stream-max-len"),
				StreamRetention: viper.GetDuration("redis-stream-retention"),
			},
			NATS: api.NATSConfig{
				URL: viper.GetString("nats-url"),
			},
			Stream: api.StreamConfig{
				KeepaliveInterval: viper.GetDuration("keepalive-interval"),
				RetryInterval:     viper.GetDuration("retry-interval"),
				AllowOrigin:       viper.GetString("cors-allow-origin"),
			},
			HTTP: api.HTTPConfig{
				MaxBodyBytes: viper.GetInt64("max-body-bytes"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	Log          LogConfig
	ServerConfig api.ServerConfig
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

func (args Args) Validate() error {
	if args.ServerURL == "" {
		return errors.New("server-url cannot be empty")
	}
	return args.ServerConfig.Validate()
}
