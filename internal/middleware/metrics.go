package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallgate/recallgate/internal/core"
)

// Metrics records one observation per request. The route template is
// used as the path label so parameterised routes do not explode
// cardinality.
func Metrics(recorder core.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		recorder.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
