package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"verifyhub/internal/authz"
	"verifyhub/internal/handlers"
	"verifyhub/internal/middleware"
)

type Handlers struct {
	Verify   *handlers.VerifyHandler
	Rentals  *handlers.RentalHandler
	Balance  *handlers.BalanceHandler
	Payments *handlers.PaymentHandler
	Admin    *handlers.AdminHandler
}

// Guards are the middleware the routes are protected by. RateLimit runs
// after Auth so authenticated callers are limited per user.
type Guards struct {
	Auth       gin.HandlerFunc
	RateLimit  gin.HandlerFunc
	PaymentKey gin.HandlerFunc
}

func SetupRoutes(r *gin.Engine, h Handlers, g Guards, metrics http.Handler) *gin.Engine {
	// ---- public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	// ---- payment collaborator
	r.POST("/payments/credit", g.RateLimit, g.PaymentKey, h.Payments.Credit)

	// ---- protected
	api := r.Group("/", g.Auth, g.RateLimit)

	verify := api.Group("/verify")
	{
		verify.POST("", h.Verify.Create)
		verify.GET("/:id", h.Verify.Get)
		verify.GET("/:id/messages", h.Verify.Messages)
		verify.DELETE("/:id", h.Verify.Cancel)
		verify.GET("/:id/stream", h.Verify.Stream)
	}

	rentals := api.Group("/rentals")
	{
		rentals.POST("", h.Rentals.Create)
		rentals.GET("/:id", h.Rentals.Get)
		rentals.POST("/:id/extend", h.Rentals.Extend)
		rentals.POST("/:id/release", h.Rentals.Release)
		rentals.GET("/:id/stream", h.Rentals.Stream)
	}

	api.GET("/me/balance", h.Balance.Get)

	// ---- operator
	admin := api.Group("/admin", middleware.RequireRoles(authz.RoleOperator))
	{
		admin.GET("/breakers", h.Admin.Breakers)
		admin.POST("/breakers/:endpoint/reset", h.Admin.ResetBreaker)
		admin.GET("/users/:id/reconcile", h.Admin.Reconcile)
	}

	return r
}
