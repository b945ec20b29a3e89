package redis

import (
	"errors"
	"fmt"
	"time"
)

// dataField 是 stream entry 中存放 payload 的欄位
const dataField = "data"

var (
	ErrBusClosed    = errors.New("bus is closed")
	ErrMissingField = errors.New("data field not found or invalid type")
)

// ToStreamValues 將 payload 封裝成 stream entry 的欄位。
func ToStreamValues(payload []byte) map[string]any {
	return map[string]any{
		dataField: string(payload),
	}
}

// FromStreamValues 從 stream entry 取出 payload。
func FromStreamValues(values map[string]any) ([]byte, error) {
	data, ok := values[dataField].(string)
	if !ok {
		return nil, ErrMissingField
	}
	return []byte(data), nil
}

// MinIDBefore 返回 t 對應的 stream ID 下界，早於 t 的 entry 會被 XTRIM MINID 移除。
func MinIDBefore(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}
