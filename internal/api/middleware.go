package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/micrictor/appwall/internal/token"
	"github.com/sirupsen/logrus"
)

func mwLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startTime := time.Now()
		ctx.Next()
		duration := time.Since(startTime)

		log.WithFields(logrus.Fields{
			"method":   ctx.Request.Method,
			"uri":      ctx.Request.RequestURI,
			"code":     ctx.Writer.Status(),
			"client":   ctx.ClientIP(),
			"duration": duration,
		}).Infof("| %3d | %13v | %15s | %-7s %s",
			ctx.Writer.Status(), duration, ctx.ClientIP(), ctx.Request.Method, ctx.Request.RequestURI)
	}
}

// mwBearerAuth rejects requests without a valid bearer token. A nil keyfunc
// disables authentication.
func mwBearerAuth(keyfunc jwt.Keyfunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keyfunc == nil {
			return
		}
		raw, err := token.FromHeader(c.GetHeader("Authorization"))
		if err == nil {
			_, err = token.Verify(raw, keyfunc)
		}
		if err != nil {
			c.Writer.Header().Set("WWW-Authenticate", "Bearer")
			writeError(c, ErrUnauthorized)
		}
	}
}
