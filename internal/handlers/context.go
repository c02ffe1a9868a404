package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
)

// requestContext returns the context of the in-flight request. Handlers
// driven without an *http.Request, as some unit tests do, get Background.
func requestContext(c *gin.Context) context.Context {
	if c != nil && c.Request != nil {
		return c.Request.Context()
	}
	return context.Background()
}
