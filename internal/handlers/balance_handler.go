package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/services"
)

type BalanceHandler struct {
	ledger *services.LedgerService
}

func NewBalanceHandler(ledger *services.LedgerService) *BalanceHandler {
	return &BalanceHandler{ledger: ledger}
}

type balanceResponse struct {
	UserID                int64                       `json:"user_id"`
	CreditBalance         decimal.Decimal             `json:"credit_balance"`
	FreeVerificationCount int                         `json:"free_verification_count"`
	Suspended             bool                        `json:"suspended"`
	Transactions          []*models.CreditTransaction `json:"transactions"`
}

// Get returns the caller's balance and the most recent ledger lines
// (?limit=, ?offset=).
func (h *BalanceHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	u, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		writeError(c, "balance", "get", err)
		return
	}
	txs, err := h.ledger.History(ctx, userID, queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		writeError(c, "balance", "history", err)
		return
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	c.JSON(http.StatusOK, balanceResponse{
		UserID:                u.ID,
		CreditBalance:         u.CreditBalance,
		FreeVerificationCount: u.FreeVerificationCount,
		Suspended:             u.Suspended,
		Transactions:          txs,
	})
}
