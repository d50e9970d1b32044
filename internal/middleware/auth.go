package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"

	leeway = 2 * time.Minute
)

type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewAuthenticator(secret, issuer string, ttl time.Duration, clk clock.Clock) *Authenticator {
	if clk == nil {
		clk = clock.WallClock
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clk}
}

func (a *Authenticator) IssueToken(userID int64, role string) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Annotate(err, "sign token")
	}
	return signed, nil
}

// Parse validates the signature, issuer and expiry of a bearer token.
func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// HMAC only
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	},
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, errors.Unauthorizedf("invalid or expired token")
	}
	if claims.UserID <= 0 {
		return nil, errors.Unauthorizedf("token without user")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and puts the
// caller's user id and role into the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		tokenStr := bearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}
		claims, err := a.Parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so the access_token query parameter is accepted
// as well.
func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserID returns the authenticated caller, if any.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}

func Role(c *gin.Context) string {
	v, _ := c.Get(ctxRole)
	role, _ := v.(string)
	return role
}
