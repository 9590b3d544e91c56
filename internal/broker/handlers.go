package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the broker's read-only status surface.
type Handler struct {
	broker *Broker
}

// NewHandler creates a new broker handler.
func NewHandler(broker *Broker) *Handler {
	return &Handler{broker: broker}
}

// RegisterRoutes sets up broker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/broker/status", h.GetStatus)
	r.GET("/broker/transactions/:id", h.GetTransaction)
}

// GetStatus handles GET /v1/broker/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.broker.Status(c.Request.Context())})
}

// GetTransaction handles GET /v1/broker/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, ok := h.broker.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No shadow transaction for this escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}
