package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

type ReachLimitError struct {
	MaxBytes int64
}

func (e *ReachLimitError) Error() string {
	return fmt.Sprintf("reach limit of %s", FormatBytes(e.MaxBytes))
}

// NewMaxSizeReader 創建一個新的 MaxSizeReader 實例，
// 用於限制讀取的最大長度；如果讀取的長度超過限制，將返
// 回 ReachLimitError。
func NewMaxSizeReader(r io.Reader, maxSize int64) io.Reader {
	return &maxSizeReader{r, maxSize, maxSize}
}

type maxSizeReader struct {
	reader io.Reader
	i      int64 // 限制的總長度
	n      int64 // 還可以讀取的長度
}

func (r *maxSizeReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 只需要多讀一個位元組就能判斷是否超過限制
	if int64(len(p)) > r.n+1 {
		p = p[:r.n+1]
	}
	n, err = r.reader.Read(p)
	if int64(n) <= r.n {
		r.n -= int64(n)
		return n, err
	}

	n = int(r.n)
	r.n = 0
	return n, &ReachLimitError{r.i}
}

// FormatBytes 以 1024 為單位格式化位元組數
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d bytes", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGT"[exp])
}

// LimitBody 預先讀取請求內容，超過 maxBytes 時回應 413。maxBytes <= 0 時不限制。
func LimitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 || c.Request.Body == nil || c.Request.Body == http.NoBody {
			c.Next()
			return
		}
		body, err := io.ReadAll(NewMaxSizeReader(c.Request.Body, maxBytes))
		c.Request.Body.Close()
		if err != nil {
			var limitErr *ReachLimitError
			if errors.As(err, &limitErr) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"message": limitErr.Error()})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
