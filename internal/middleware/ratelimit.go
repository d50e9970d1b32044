package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"verifyhub/internal/ratelimit"
)

var logger = loggo.GetLogger("verifyhub.middleware")

// RateLimit applies l per caller: the authenticated user when there is one,
// the client address otherwise. onReject, when set, receives the key scope
// ("user" or "ip") of every rejected request. If the counter store fails the
// request is let through.
func RateLimit(l *ratelimit.Limiter, onReject func(scope string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, key := "ip", "ip:"+c.ClientIP()
		if id, ok := UserID(c); ok {
			scope, key = "user", "user:"+strconv.FormatInt(id, 10)
		}

		d, err := l.Allow(c.Request.Context(), key)
		switch {
		case err == nil:
		case errors.Is(err, ratelimit.ErrRateLimited):
			if onReject != nil {
				onReject(scope)
			}
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, try later", "retry_after": secs})
			return
		default:
			logger.Errorf("[ratelimit][middleware] store failure, allowing key=%s: %v", key, err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Next()
	}
}
