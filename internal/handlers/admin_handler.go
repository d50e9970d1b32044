package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"verifyhub/internal/resilience"
	"verifyhub/internal/services"
)

// AdminHandler serves operator-only endpoints.
type AdminHandler struct {
	breakers *resilience.Registry
	ledger   *services.LedgerService
}

func NewAdminHandler(breakers *resilience.Registry, ledger *services.LedgerService) *AdminHandler {
	return &AdminHandler{breakers: breakers, ledger: ledger}
}

func (h *AdminHandler) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshot()})
}

func (h *AdminHandler) ResetBreaker(c *gin.Context) {
	st, err := h.breakers.Reset(c.Param("endpoint"))
	if err != nil {
		writeError(c, "admin", "reset_breaker", err)
		return
	}
	logger.Infof("[admin][reset_breaker] endpoint=%s", st.Endpoint)
	c.JSON(http.StatusOK, st)
}

func (h *AdminHandler) Reconcile(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	rec, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, "admin", "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
