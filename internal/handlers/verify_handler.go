package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/realtime"
	"verifyhub/internal/services"
)

type VerifyHandler struct {
	verifications *services.VerificationService
	ledger        *services.LedgerService
	hub           *realtime.Hub
}

func NewVerifyHandler(v *services.VerificationService, ledger *services.LedgerService, hub *realtime.Hub) *VerifyHandler {
	return &VerifyHandler{verifications: v, ledger: ledger, hub: hub}
}

type createVerificationResponse struct {
	ID               string          `json:"id"`
	PhoneNumber      string          `json:"phone_number"`
	Status           string          `json:"status"`
	Cost             decimal.Decimal `json:"cost"`
	RemainingCredits decimal.Decimal `json:"remaining_credits"`
	FreeRemaining    int             `json:"free_verifications_remaining"`
}

func (h *VerifyHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req services.CreateVerificationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := h.verifications.Create(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, "verify", "create", err)
		return
	}
	resp := createVerificationResponse{
		ID:          v.ID,
		PhoneNumber: v.PhoneNumber,
		Status:      string(v.Status),
		Cost:        v.Cost,
	}
	if u, err := h.ledger.Balance(c.Request.Context(), userID); err == nil {
		resp.RemainingCredits = u.CreditBalance
		resp.FreeRemaining = u.FreeVerificationCount
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *VerifyHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	v, err := h.verifications.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "verify", "get", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *VerifyHandler) Messages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	v, err := h.verifications.Messages(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "verify", "messages", err)
		return
	}
	messages := v.Messages
	if messages == nil {
		messages = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"id": v.ID, "status": v.Status, "messages": messages})
}

func (h *VerifyHandler) Cancel(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	v, err := h.verifications.Cancel(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "verify", "cancel", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *VerifyHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := h.verifications.Get(c.Request.Context(), userID, id); err != nil {
		writeError(c, "verify", "stream", err)
		return
	}

	sub := h.hub.Subscribe(id)
	v, err := h.verifications.Get(c.Request.Context(), userID, id)
	if err != nil {
		sub.Close()
		writeError(c, "verify", "stream", err)
		return
	}
	stream(c, sub, models.VerificationEvent(v))
}

// stream upgrades the request and hands the connection to realtime.Stream.
// sub must be taken before the snapshot is read.
func stream(c *gin.Context, sub *realtime.Subscription, snapshot models.StatusEvent) {
	conn, err := realtime.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		logger.Debugf("[stream][upgrade] id=%s: %v", snapshot.ID, err)
		return
	}
	defer conn.Close()
	if err := realtime.Stream(c.Request.Context(), conn, snapshot, sub); err != nil {
		logger.Debugf("[stream][%s] id=%s ended: %v", snapshot.Kind, snapshot.ID, err)
	}
}
