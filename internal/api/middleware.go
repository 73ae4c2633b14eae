package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ZerologLogger logs one line per request with the route template and, when
// present, the task id and instance the request is about. Busy and conflict
// responses are expected under load and log at warn.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		evt := requestEvent(status)
		if route := c.FullPath(); route != "" {
			evt = evt.Str("route", route)
		} else {
			evt = evt.Str("path", c.Request.URL.Path)
		}
		if id := c.Param("id"); id != "" {
			evt = evt.Str("task_id", id)
		}
		if instance := c.Query("instance"); instance != "" {
			evt = evt.Str("instance", instance)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}

func requestEvent(status int) *zerolog.Event {
	switch {
	case status == http.StatusServiceUnavailable:
		return log.Warn()
	case status >= http.StatusInternalServerError:
		return log.Error()
	case status >= http.StatusBadRequest:
		return log.Warn()
	default:
		return log.Info()
	}
}
