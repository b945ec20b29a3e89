package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// AllGroups 是廣播給本節點所有 group 的萬用 groupId。
const AllGroups = "*"

// ErrInvalidEnvelope 表示從匯流排收到的信封缺少必要欄位
var ErrInvalidEnvelope = errors.New("invalid relay envelope")

// Envelope 是 RelayBackplane 在匯流排上傳遞的訊息。
type Envelope struct {
	GroupID     string          `json:"groupId" msgpack:"groupId"`
	EventType   string          `json:"eventType,omitempty" msgpack:"eventType,omitempty"`
	Payload     json.RawMessage `json:"payload" msgpack:"payload"`
	PublishedAt time.Time       `json:"publishedAt" msgpack:"publishedAt"`
}

// Event 還原信封中攜帶的事件。
func (e Envelope) Event() Event {
	return Event{Type: e.EventType, Data: e.Payload}
}

func (e Envelope) validate() error {
	if e.GroupID == "" {
		return fmt.Errorf("%w: missing groupId", ErrInvalidEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	return nil
}

// Codec 負責信封與匯流排位元組之間的轉換。
type Codec interface {
	Name() string
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// JSONCodec 是預設的編碼方式，也是對外公開的匯流排格式。
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env, env.validate()
}

// MsgpackCodec 使用 msgpack 編碼信封，所有節點必須使用相同的 Codec。
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env, env.validate()
}

// CodecByName 依名稱返回 Codec。
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown relay codec %q", name)
	}
}
