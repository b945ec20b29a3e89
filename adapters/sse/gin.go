package sse

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinStream 將 ServeStream 包裝成 gin handler，groupFunc 從請求決定要訂閱的 group。
func GinStream[T any](backplane IBackplane, groupFunc func(c *gin.Context) (string, error), opts ...StreamOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		group, err := groupFunc(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := ServeStream[T](c.Writer, c.Request, backplane, group, opts...); err != nil {
			_ = c.Error(err)
		}
	}
}
