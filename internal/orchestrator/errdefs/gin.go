package errdefs

import (
	"github.com/gin-gonic/gin"

	"github.com/mind-ai/mind/pkg/logging/ginlog"
)

// AbortWithError writes the transport form of a kinded error and aborts the
// request. Internal errors never leak their message to clients; the trace id
// lets operators find the full error in the logs.
func AbortWithError(c *gin.Context, err error) {
	kind := KindOf(err)

	message := err.Error()
	if kind == KindInternal {
		message = "internal error"
	}

	body := gin.H{
		"kind":     string(kind),
		"message":  message,
		"trace_id": ginlog.GetOrCreateRequestID(c),
	}
	if field := FieldOf(err); field != "" {
		body["field"] = field
	}
	c.AbortWithStatusJSON(HTTPStatus(kind), gin.H{"error": body})
}
