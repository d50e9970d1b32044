package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"verifyhub/internal/services"
)

// PaymentHandler receives credits from the payment collaborator. The route
// is guarded by middleware.RequirePaymentKey.
type PaymentHandler struct {
	ledger *services.LedgerService
}

func NewPaymentHandler(ledger *services.LedgerService) *PaymentHandler {
	return &PaymentHandler{ledger: ledger}
}

type creditRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	PaymentRef string `json:"payment_ref" binding:"required"`
}

func (h *PaymentHandler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a decimal string"})
		return
	}

	ctx := c.Request.Context()
	tx, err := h.ledger.Credit(ctx, req.UserID, amount, strings.TrimSpace(req.PaymentRef))
	if err != nil {
		writeError(c, "payments", "credit", err)
		return
	}
	u, err := h.ledger.Balance(ctx, req.UserID)
	if err != nil {
		writeError(c, "payments", "balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "credit_balance": u.CreditBalance})
}
