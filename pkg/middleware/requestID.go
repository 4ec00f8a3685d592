package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
)

// ReqId 透传或生成 X-Request-Id，回写到响应头
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(CtxKeyRequestID, rid)
		c.Header(HeaderRequestID, rid)
		c.Next()
	}
}

func RequestID(c *gin.Context) string {
	return c.GetString(CtxKeyRequestID)
}
