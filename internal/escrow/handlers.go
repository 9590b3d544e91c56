package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crossclaim/crossclaim/internal/intent"
	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.POST("/escrows/:id/claim", h.ClaimEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// CreateEscrowRequest is the signed intent as submitted over HTTP.
// Timestamps are unix seconds; the signature covers the canonical
// intent message, not this JSON shape.
type CreateEscrowRequest struct {
	Sender             string `json:"sender" binding:"required"`
	Recipient          string `json:"recipient" binding:"required"`
	Asset              string `json:"asset" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	SecretHash         string `json:"secretHash" binding:"required"`
	Timelock           int64  `json:"timelock" binding:"required"`
	DatasetRef         string `json:"datasetRef"`
	DestinationChainID int64  `json:"destinationChainId"`
	Nonce              uint64 `json:"nonce"`
	Deadline           int64  `json:"deadline" binding:"required"`
	Signature          string `json:"signature" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sender, recipient, asset, amount, secretHash, timelock, deadline and signature are required",
		})
		return
	}

	if verr := validation.Validate(
		validation.ValidAddress("sender", req.Sender),
		validation.ValidAddress("recipient", req.Recipient),
		validation.ValidAddress("asset", req.Asset),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidHash("secretHash", req.SecretHash),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verr.Error(),
		})
		return
	}

	in := &intent.Intent{
		Sender:             req.Sender,
		Recipient:          req.Recipient,
		Asset:              req.Asset,
		Amount:             req.Amount,
		SecretHash:         req.SecretHash,
		Timelock:           time.Unix(req.Timelock, 0).UTC(),
		DatasetRef:         validation.SanitizeString(req.DatasetRef, 256),
		DestinationChainID: req.DestinationChainID,
		Nonce:              req.Nonce,
		Deadline:           time.Unix(req.Deadline, 0).UTC(),
	}

	rec, err := h.service.Create(c.Request.Context(), in, req.Signature)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, intent.ErrExpiredIntent):
			status = http.StatusUnprocessableEntity
			code = "expired_intent"
		case errors.Is(err, intent.ErrInvalidTimelock):
			status = http.StatusUnprocessableEntity
			code = "invalid_timelock"
		case errors.Is(err, intent.ErrInvalidAmount):
			status = http.StatusUnprocessableEntity
			code = "invalid_amount"
		case errors.Is(err, intent.ErrInvalidSignature):
			status = http.StatusUnauthorized
			code = "invalid_signature"
		case errors.Is(err, nonce.ErrReplayedNonce):
			status = http.StatusConflict
			code = "replayed_nonce"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow found with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListEscrows handles GET /v1/escrows?participant=0x...&limit=50
func (h *Handler) ListEscrows(c *gin.Context) {
	participant := c.Query("participant")
	if !validation.IsValidAddress(participant) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "participant query parameter must be a valid address",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recs, err := h.service.ListByParticipant(c.Request.Context(), participant, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": recs,
		"count":   len(recs),
	})
}

// ClaimEscrow handles POST /v1/escrows/:id/claim
func (h *Handler) ClaimEscrow(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Secret is required",
		})
		return
	}

	rec, err := h.service.Claim(c.Request.Context(), c.Param("id"), req.Secret)
	if err != nil {
		status, code := settlementErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req struct {
		Caller string `json:"caller" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Caller address is required",
		})
		return
	}
	if !validation.IsValidAddress(req.Caller) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Caller must be a valid address",
		})
		return
	}

	rec, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Caller)
	if err != nil {
		status, code := settlementErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func settlementErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, ErrInvalidSecret):
		return http.StatusUnprocessableEntity, "invalid_secret"
	case errors.Is(err, ErrTimelockNotExpired):
		return http.StatusUnprocessableEntity, "timelock_not_expired"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
