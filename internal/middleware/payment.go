package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const PaymentKeyHeader = "X-Payment-Key"

// RequirePaymentKey guards the payment collaborator callback. The shared key
// is compared against its bcrypt hash; with no hash configured the route is
// closed.
func RequirePaymentKey(hash string) gin.HandlerFunc {
	hash = strings.TrimSpace(hash)
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(PaymentKeyHeader))
		if hash == "" || key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing payment key"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			logger.Warningf("[payments][auth] key mismatch from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid payment key"})
			return
		}
		c.Next()
	}
}
