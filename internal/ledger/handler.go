package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for the credit ledger
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers credit ledger routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	credits := router.Group("/credits")
	{
		credits.POST("/issue", h.issueCredit)
		credits.GET("", h.listCredits)
		credits.GET("/:id", h.getCredit)
		credits.GET("/:id/holdings", h.getHoldings)
		credits.GET("/:id/retirements", h.getRetirementHistory)
	}
}

// issueCredit handles POST /api/v1/credits/issue.
// Triggered when an MRV report reaches VERIFIED status.
func (h *Handler) issueCredit(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	unit, alreadyIssued, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidQuantity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_QUANTITY"})
			return
		}
		h.logger.Error("Failed to issue credit unit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if alreadyIssued {
		c.JSON(http.StatusOK, gin.H{"status": "already_issued", "credit_unit": unit})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "issued", "credit_unit": unit})
}

// getCredit handles GET /api/v1/credits/:id
func (h *Handler) getCredit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit unit id"})
		return
	}

	unit, err := h.service.GetCreditUnit(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credit unit not found", "code": "NOT_FOUND"})
			return
		}
		h.logger.Error("Failed to get credit unit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, unit)
}

// listCredits handles GET /api/v1/credits?owner_id=
func (h *Handler) listCredits(c *gin.Context) {
	units, err := h.service.ListCreditUnits(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		h.logger.Error("Failed to list credit units", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_units": units, "count": len(units)})
}

// getHoldings handles GET /api/v1/credits/:id/holdings
func (h *Handler) getHoldings(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit unit id"})
		return
	}

	holdings, err := h.service.GetHoldings(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list holdings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}

// getRetirementHistory handles GET /api/v1/credits/:id/retirements
func (h *Handler) getRetirementHistory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit unit id"})
		return
	}

	records, err := h.service.GetRetirementHistory(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list retirement records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retirement_records": records})
}
