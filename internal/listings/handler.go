package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
)

// Handler handles HTTP requests for marketplace listings
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new listings handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers listing routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/listings")
	{
		group.POST("", h.createListing)
		group.GET("", h.listOpenListings)
		group.GET("/:id", h.getListing)
		group.POST("/:id/cancel", h.cancelListing)
	}
}

// createListing handles POST /api/v1/listings
func (h *Handler) createListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	listing, err := h.service.CreateListing(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrCannotListMoreThanAvailable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "CANNOT_LIST_MORE_THAN_AVAILABLE"})
		case errors.Is(err, ledger.ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_QUANTITY"})
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "credit unit not found", "code": "NOT_FOUND"})
		default:
			h.logger.Error("Failed to create listing", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, listing)
}

// getListing handles GET /api/v1/listings/:id
func (h *Handler) getListing(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return
	}

	listing, err := h.service.GetListing(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found", "code": "NOT_FOUND"})
			return
		}
		h.logger.Error("Failed to get listing", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, listing)
}

// listOpenListings handles GET /api/v1/listings?credit_unit_id=&seller_id=&max_price=
func (h *Handler) listOpenListings(c *gin.Context) {
	var filter Filter
	if raw := c.Query("credit_unit_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credit_unit_id"})
			return
		}
		filter.CreditUnitID = &id
	}
	filter.SellerID = c.Query("seller_id")
	if raw := c.Query("max_price"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_price"})
			return
		}
		filter.MaxPrice = &price
	}

	results, err := h.service.ListOpenListings(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list open listings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": results, "count": len(results)})
}

// cancelListing handles POST /api/v1/listings/:id/cancel
func (h *Handler) cancelListing(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return
	}

	listing, err := h.service.CancelListing(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found", "code": "NOT_FOUND"})
		case errors.Is(err, ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INVALID_STATE_TRANSITION"})
		default:
			h.logger.Error("Failed to cancel listing", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, listing)
}
