package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"verifyhub/internal/models"
	"verifyhub/internal/realtime"
	"verifyhub/internal/services"
)

type RentalHandler struct {
	rentals *services.RentalService
	hub     *realtime.Hub
}

func NewRentalHandler(r *services.RentalService, hub *realtime.Hub) *RentalHandler {
	return &RentalHandler{rentals: r, hub: hub}
}

func (h *RentalHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req services.CreateRentalInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.rentals.Create(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, "rental", "create", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *RentalHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	r, err := h.rentals.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "rental", "get", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RentalHandler) Extend(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req struct {
		Hours int `json:"hours" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.rentals.Extend(c.Request.Context(), userID, c.Param("id"), req.Hours)
	if err != nil {
		writeError(c, "rental", "extend", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RentalHandler) Release(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	res, err := h.rentals.ReleaseEarly(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "rental", "release", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *RentalHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := h.rentals.Get(c.Request.Context(), userID, id); err != nil {
		writeError(c, "rental", "stream", err)
		return
	}
	sub := h.hub.Subscribe(id)
	r, err := h.rentals.Get(c.Request.Context(), userID, id)
	if err != nil {
		sub.Close()
		writeError(c, "rental", "stream", err)
		return
	}
	stream(c, sub, models.RentalEvent(r))
}
