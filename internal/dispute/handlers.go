package dispute

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crossclaim/crossclaim/internal/escrow"
	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDisputeRequest is a signed request to open a case against an escrow.
type OpenDisputeRequest struct {
	EscrowID    string `json:"escrowId" binding:"required"`
	Disputant   string `json:"disputant" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	EvidenceRef string `json:"evidenceRef"`
	Nonce       uint64 `json:"nonce"`
	Deadline    int64  `json:"deadline" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId, disputant, reason, deadline and signature are required",
		})
		return
	}
	if !validation.IsValidAddress(req.Disputant) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "disputant must be a valid address",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	cs, err := h.service.Open(c.Request.Context(), req.EscrowID, req.Disputant,
		reason, validation.SanitizeString(req.EvidenceRef, 256),
		req.Signature, req.Nonce, time.Unix(req.Deadline, 0).UTC())
	if err != nil {
		status, code := disputeErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": cs})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	cs, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No dispute case found with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": cs})
}

// ResolveDisputeRequest is an arbiter-signed resolution.
type ResolveDisputeRequest struct {
	Outcome   string `json:"outcome" binding:"required"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome, deadline and signature are required",
		})
		return
	}

	cs, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Outcome(req.Outcome),
		req.Signature, req.Nonce, time.Unix(req.Deadline, 0).UTC())
	if err != nil {
		status, code := disputeErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": cs})
}

func disputeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrCaseResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrCaseAlreadyOpen):
		return http.StatusConflict, "already_disputed"
	case errors.Is(err, ErrEscrowNotDisputable):
		return http.StatusUnprocessableEntity, "not_disputable"
	case errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest, "invalid_outcome"
	case errors.Is(err, ErrExpiredRequest):
		return http.StatusUnprocessableEntity, "expired_request"
	case errors.Is(err, ErrInvalidDisputeSig):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotArbiter):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, nonce.ErrReplayedNonce):
		return http.StatusConflict, "replayed_nonce"
	case errors.Is(err, escrow.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
