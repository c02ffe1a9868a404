package middleware

import "github.com/gin-gonic/gin"

const unmatchedRoute = "unmatched"

// routeLabel returns the registered route template for the request. Raw paths
// are never used because activation links embed bearer tokens.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return unmatchedRoute
}
