package server

import (
	"strings"
	"time"

	"github.com/formforge/formforge/internal/actorcontext"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorAdmin = "X-Actor-Admin"
)

// ActorContext resolves the caller identity from request headers into the
// actor context services read from. Identity verification belongs to the
// gateway in front of this service; the headers are trusted as-is.
func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		actor := actorcontext.Actor{
			ID:    id,
			Admin: strings.EqualFold(c.GetHeader(HeaderActorAdmin), "true"),
		}
		c.Request = c.Request.WithContext(actorcontext.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorcontext.FromContext(c.Request.Context())
		if !ok || !actor.Admin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.Error(last.Err))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
