package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"

	natsAdapter "statelesse/adapters/nats"
	redisAdapter "statelesse/adapters/redis"
	"statelesse/adapters/sse"
	"statelesse/api/openapi"
	"statelesse/models"
)

// chatDomain 是聊天室 group 名稱的 domain 部分
const chatDomain = "chat"

type ServerImpl struct {
	backplane   sse.IBackplane
	relay       *sse.RelayBackplane
	bus         sse.IBus
	janitor     *redisAdapter.Janitor
	redisClient *redis.Client
	htmlChecker *bluemonday.Policy
	doc         *openapi3.T
	validator   gin.HandlerFunc
	streamOpts  []sse.StreamOption
	logger      *slog.Logger

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("[%s] Invalid config, err=%w", op, err)
	}
	logger := slog.Default().With(slog.String("caller", "Server"))

	// 載入OpenAPI文件
	doc, err := openapi.Load()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load OpenAPI document, err=%w", op, err)
	}
	validator, err := openapi.Validator(doc)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create request validator, err=%w", op, err)
	}

	codec, err := sse.CodecByName(config.Backplane.Codec)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to select relay codec, err=%w", op, err)
	}
	backplaneOpts := []sse.Option{
		sse.WithLogger(slog.Default()),
		sse.WithQueueBufferSize(config.Backplane.QueueBufferSize),
		sse.WithChannelPrefix(config.Backplane.ChannelPrefix),
		sse.WithCodec(codec),
	}

	impl := &ServerImpl{
		htmlChecker: bluemonday.StrictPolicy(),
		doc:         doc,
		validator:   validator,
		streamOpts: []sse.StreamOption{
			sse.WithKeepaliveInterval(config.Stream.KeepaliveInterval),
			sse.WithRetryInterval(config.Stream.RetryInterval),
			sse.WithCORSAllowOrigin(config.Stream.AllowOrigin),
			sse.WithStreamLogger(slog.Default()),
		},
		logger: logger,
		config: config,
	}

	// 初始化匯流排
	if config.Backplane.Kind == BackplaneMemory {
		impl.backplane = sse.NewLocalBackplane(backplaneOpts...)
		logger.Info("Use in-memory backplane")
		return impl, nil
	}
	if err := impl.initBus(); err != nil {
		impl.closeClients()
		return nil, fmt.Errorf("[%s] Fail to create %s bus, err=%w", op, config.Backplane.Kind, err)
	}

	impl.relay, err = sse.NewRelayBackplane(impl.bus, backplaneOpts...)
	if err != nil {
		impl.closeClients()
		return nil, fmt.Errorf("[%s] Fail to create relay backplane, err=%w", op, err)
	}
	impl.backplane = impl.relay

	// 初始化stream清理
	if config.Backplane.Kind == BackplaneRedisStream && config.Redis.StreamRetention > 0 {
		impl.janitor, err = redisAdapter.NewJanitor(impl.redisClient, impl.relay.Channel(), config.Redis.StreamRetention,
			redisAdapter.WithJanitorLogger(slog.Default()),
		)
		if err != nil {
			impl.closeClients()
			return nil, fmt.Errorf("[%s] Fail to create stream janitor, err=%w", op, err)
		}
	}
	logger.Info("Use relay backplane", slog.String("kind", config.Backplane.Kind), slog.String("channel", impl.relay.Channel()))
	return impl, nil
}

func (impl *ServerImpl) initBus() error {
	config := impl.config
	switch config.Backplane.Kind {
	case BackplaneRedis, BackplaneRedisStream:
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if config.Backplane.Kind == BackplaneRedis {
			bus, err := redisAdapter.NewPubSubBus(impl.redisClient, redisAdapter.WithPubSubLogger(slog.Default()))
			if err != nil {
				return err
			}
			impl.bus = bus
			return nil
		}
		opts := []redisAdapter.StreamBusOption{redisAdapter.WithStreamBusLogger(slog.Default())}
		if config.Redis.StreamMaxLen > 0 {
			opts = append(opts, redisAdapter.WithStreamBusMaxLen(config.Redis.StreamMaxLen))
		}
		bus, err := redisAdapter.NewStreamBus(impl.redisClient, opts...)
		if err != nil {
			return err
		}
		impl.bus = bus
	case BackplaneNATS:
		bus, err := natsAdapter.NewBus(config.NATS.URL, natsAdapter.WithLogger(slog.Default()))
		if err != nil {
			return err
		}
		impl.bus = bus
	default:
		return fmt.Errorf("unknown backplane %q", config.Backplane.Kind)
	}
	return nil
}

// Start 開始接收其他節點的事件，匯流排無法訂閱時返回錯誤。
func (impl *ServerImpl) Start() error {
	const op = "Start"
	if impl.relay != nil {
		if err := impl.relay.Start(); err != nil {
			return fmt.Errorf("[%s] Fail to start relay backplane, err=%w", op, err)
		}
	}
	if impl.janitor != nil {
		impl.janitor.Start()
	}
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉stream清理
	if impl.janitor != nil {
		impl.janitor.Close()
	}
	// 關閉backplane，所有串流隨之結束
	if err := impl.backplane.Close(); err != nil {
		impl.logger.Warn("Fail to close backplane", slog.Any("error", err))
	}
	impl.closeClients()
}

func (impl *ServerImpl) closeClients() {
	if impl.bus != nil {
		if err := impl.bus.Close(); err != nil {
			impl.logger.Warn("Fail to close bus", slog.Any("error", err))
		}
	}
	if impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil {
			impl.logger.Warn("Fail to close redis client", slog.Any("error", err))
		}
	}
}

// Backplane 返回伺服器使用的 backplane
func (impl *ServerImpl) Backplane() sse.IBackplane {
	return impl.backplane
}

// RegisterHandlers 註冊所有路由
func (impl *ServerImpl) RegisterHandlers(router gin.IRouter) {
	router.GET("/healthz", impl.Healthz)
	router.GET("/openapi.json", impl.GetOpenAPI)

	documented := router.Group("", LimitBody(impl.config.HTTP.MaxBodyBytes), impl.validator)
	documented.GET("/StreamMessages", impl.StreamMessages())
	documented.POST("/CreateMessage", impl.CreateMessage)
	documented.POST("/Broadcast", impl.Broadcast)
	documented.GET("/diagnostics", impl.GetDiagnostics)
}

// Stream chat messages of a group
// (GET /StreamMessages)
func (impl *ServerImpl) StreamMessages() gin.HandlerFunc {
	return sse.GinStream[models.Message](impl.backplane, func(c *gin.Context) (string, error) {
		groupID := c.Query("groupId")
		if groupID == "" {
			return "", errors.New("groupId is required")
		}
		return sse.GroupFor[models.Message](chatDomain, groupID), nil
	}, impl.streamOpts...)
}

// Publish a chat message to a group
// (POST /CreateMessage)
func (impl *ServerImpl) CreateMessage(c *gin.Context) {
	const op = "CreateMessage"
	groupID := c.Query("groupId")
	if groupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "groupId is required"})
		return
	}
	// 處理訊息內容
	raw := c.Query("content")
	if limit := impl.config.HTTP.MaxBodyBytes; limit > 0 && int64(len(raw)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": (&ReachLimitError{MaxBytes: limit}).Error()})
		return
	}
	content := strings.TrimSpace(impl.htmlChecker.Sanitize(raw))
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "content is required"})
		return
	}

	group := sse.GroupFor[models.Message](chatDomain, groupID)
	if err := impl.backplane.PublishToGroup(c.Request.Context(), group, models.Message{Content: content}); err != nil {
		impl.publishFailed(c, op, err)
		return
	}
	impl.logger.Debug("Message published", slog.String("group", group))
	c.Status(http.StatusOK)
}

// Publish a message to every group
// (POST /Broadcast)
func (impl *ServerImpl) Broadcast(c *gin.Context) {
	const op = "Broadcast"
	var request models.BroadcastRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	content := strings.TrimSpace(impl.htmlChecker.Sanitize(request.Content))
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "content is required"})
		return
	}

	if err := impl.backplane.PublishToAll(c.Request.Context(), models.Message{Content: content}); err != nil {
		impl.publishFailed(c, op, err)
		return
	}
	c.Status(http.StatusOK)
}

func (impl *ServerImpl) publishFailed(c *gin.Context, op string, err error) {
	slog.Error("Fail to publish message", slog.String("op", op), slog.Any("error", err))
	if errors.Is(err, sse.ErrBackplaneClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
}

// Local backplane state of this instance
// (GET /diagnostics)
func (impl *ServerImpl) GetDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, impl.backplane.GetDiagnostics())
}

// (GET /openapi.json)
func (impl *ServerImpl) GetOpenAPI(c *gin.Context) {
	c.JSON(http.StatusOK, impl.doc)
}

// (GET /healthz)
func (impl *ServerImpl) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
