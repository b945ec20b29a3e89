package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Event 是在 backplane 中流動的單位：型別標籤加上已編碼的 JSON payload。
// backplane 本身不理解 payload，型別過濾由 Stream Session 依 Type 進行。
type Event struct {
	Type string          `json:"type" msgpack:"type"`
	Data json.RawMessage `json:"data" msgpack:"data"`
}

// Typed 讓 payload 自行決定型別標籤，而非使用 Go 型別名稱。
type Typed interface {
	EventType() string
}

// NewEvent 將任意 payload 編碼為 Event。
// 若 v 已經是 Event 則原樣返回，避免重複編碼。
func NewEvent(v any) (Event, error) {
	switch ev := v.(type) {
	case Event:
		return ev, nil
	case *Event:
		if ev == nil {
			return Event{}, fmt.Errorf("sse: nil event")
		}
		return *ev, nil
	}
	if v == nil {
		return Event{}, fmt.Errorf("sse: nil payload")
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Event{}, fmt.Errorf("sse: nil payload of type %T", v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("sse: marshal %T: %w", v, err)
	}
	return Event{Type: typeName(v), Data: data}, nil
}

// Is 判斷事件是否屬於指定的型別標籤。
func (e Event) Is(eventType string) bool {
	return e.Type == eventType
}

// Decode 將 payload 解碼到 dst。
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// EventType 返回型別 T 對應的標籤，與 NewEvent 產生的 Type 一致。
// T 為介面型別時返回空字串，代表不做型別過濾。
func EventType[T any]() string {
	return typeTag(reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(v any) string {
	return typeTag(reflect.TypeOf(v))
}

// typeTag 以型別的零值決定標籤，值接收者與指標接收者的 EventType 都適用。
func typeTag(rt reflect.Type) string {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() == reflect.Interface {
		return ""
	}
	if t, ok := reflect.New(rt).Interface().(Typed); ok {
		return t.EventType()
	}
	return rt.Name()
}

// singleLine 確保 payload 可以放進一行 data 欄位。
func singleLine(data []byte) []byte {
	if !bytes.ContainsAny(data, "\r\n") {
		return data
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return []byte(strings.NewReplacer("\r", "", "\n", "").Replace(string(data)))
	}
	return buf.Bytes()
}
