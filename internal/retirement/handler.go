package retirement

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
)

// Handler handles HTTP requests for credit retirement
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new retirement handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers retirement routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/retirements")
	{
		group.POST("", h.retireCredits)
		group.GET("/:creditUnitId", h.getHistory)
		group.GET("/:creditUnitId/certificate/:retirementId", h.downloadCertificate)
	}
}

// retireCredits handles POST /api/v1/retirements
func (h *Handler) retireCredits(c *gin.Context) {
	var req RetireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.service.RetireCredits(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_QUANTITY"})
		case errors.Is(err, ledger.ErrInsufficientAvailableQuantity):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INSUFFICIENT_AVAILABLE_QUANTITY"})
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "credit unit not found", "code": "NOT_FOUND"})
		default:
			h.logger.Error("Failed to retire credits", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, record)
}

// getHistory handles GET /api/v1/retirements/:creditUnitId
func (h *Handler) getHistory(c *gin.Context) {
	creditUnitID, err := uuid.Parse(c.Param("creditUnitId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit unit id"})
		return
	}

	records, err := h.service.GetRetirementHistory(c.Request.Context(), creditUnitID)
	if err != nil {
		h.logger.Error("Failed to get retirement history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retirement_records": records})
}

// downloadCertificate handles GET /api/v1/retirements/:creditUnitId/certificate/:retirementId
func (h *Handler) downloadCertificate(c *gin.Context) {
	creditUnitID, err := uuid.Parse(c.Param("creditUnitId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit unit id"})
		return
	}
	retirementID, err := uuid.Parse(c.Param("retirementId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid retirement id"})
		return
	}

	certificate, err := h.service.Certificate(c.Request.Context(), retirementID, creditUnitID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "retirement record not found", "code": "NOT_FOUND"})
			return
		}
		h.logger.Error("Failed to render certificate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	data, err := io.ReadAll(certificate)
	if err != nil {
		h.logger.Error("Failed to read certificate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=retirement-certificate.pdf")
	c.Data(http.StatusOK, "application/pdf", data)
}
