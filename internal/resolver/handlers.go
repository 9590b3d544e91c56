package resolver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/validation"
)

// Handler provides HTTP endpoints for the resolver registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new resolver handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up resolver routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/resolvers", h.Authorize)
	r.DELETE("/resolvers/:address", h.Deauthorize)
	r.GET("/resolvers/:address", h.GetResolver)
	r.GET("/resolvers", h.ListResolvers)
}

// AuthorizeRequest is a signed bonding request.
type AuthorizeRequest struct {
	Resolver  string `json:"resolver" binding:"required"`
	Bond      string `json:"bond" binding:"required"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Authorize handles POST /v1/resolvers
func (h *Handler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolver, bond, deadline and signature are required",
		})
		return
	}
	if !validation.IsValidAddress(req.Resolver) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolver must be a valid address",
		})
		return
	}

	auth, err := h.service.Authorize(c.Request.Context(), req.Resolver, req.Bond,
		req.Signature, req.Nonce, time.Unix(req.Deadline, 0).UTC())
	if err != nil {
		status, code := registryErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"authorization": auth})
}

// DeauthorizeRequest is a signed withdrawal request.
type DeauthorizeRequest struct {
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Deauthorize handles DELETE /v1/resolvers/:address
func (h *Handler) Deauthorize(c *gin.Context) {
	var req DeauthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deadline and signature are required",
		})
		return
	}

	auth, err := h.service.Deauthorize(c.Request.Context(), c.Param("address"),
		req.Signature, req.Nonce, time.Unix(req.Deadline, 0).UTC())
	if err != nil {
		status, code := registryErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorization": auth})
}

// GetResolver handles GET /v1/resolvers/:address
func (h *Handler) GetResolver(c *gin.Context) {
	auth, err := h.service.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrResolverNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No resolver registered at this address",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorization": auth})
}

// ListResolvers handles GET /v1/resolvers?active=true
func (h *Handler) ListResolvers(c *gin.Context) {
	onlyActive := c.Query("active") == "true"

	auths, err := h.service.List(c.Request.Context(), onlyActive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resolvers": auths,
		"count":     len(auths),
	})
}

func registryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrResolverNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadyAuthorized):
		return http.StatusConflict, "already_authorized"
	case errors.Is(err, ErrInsufficientBond):
		return http.StatusUnprocessableEntity, "insufficient_bond"
	case errors.Is(err, ErrExpiredRequest):
		return http.StatusUnprocessableEntity, "expired_request"
	case errors.Is(err, ErrInvalidResolverSig):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, nonce.ErrReplayedNonce):
		return http.StatusConflict, "replayed_nonce"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
