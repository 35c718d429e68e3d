package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/listings"
)

// Handler handles HTTP requests for orders and settlement callbacks
type Handler struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

// NewHandler creates a new orders handler
func NewHandler(coordinator *Coordinator, logger *zap.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// RegisterRoutes registers order and market routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/orders")
	{
		group.POST("", h.placeOrder)
		group.GET("", h.listOrders)
		group.GET("/:id", h.getOrder)
		group.POST("/:id/cancel", h.cancelOrder)
	}

	// Settlement providers deliver results here; duplicate deliveries are
	// no-ops.
	router.POST("/settlements/callback", h.settlementCallback)

	market := router.Group("/market")
	{
		market.GET("", h.marketStatus)
		market.POST("/pause", h.pauseMarket)
		market.POST("/resume", h.resumeMarket)
	}
}

// placeOrder handles POST /api/v1/orders
func (h *Handler) placeOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.coordinator.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMarketClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "MARKET_CLOSED"})
		case errors.Is(err, listings.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found", "code": "NOT_FOUND"})
		case errors.Is(err, listings.ErrInsufficientUnfilledQuantity):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INSUFFICIENT_UNFILLED_QUANTITY"})
		case errors.Is(err, listings.ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INVALID_STATE_TRANSITION"})
		case errors.Is(err, ledger.ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_QUANTITY"})
		case errors.Is(err, listings.ErrOverFill):
			h.logger.Error("Invariant violation while placing order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal invariant violation", "code": "OVER_FILL"})
		default:
			h.logger.Error("Failed to place order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles GET /api/v1/orders/:id
func (h *Handler) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.coordinator.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "code": "NOT_FOUND"})
			return
		}
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders handles GET /api/v1/orders?buyer_id=
func (h *Handler) listOrders(c *gin.Context) {
	buyerID := c.Query("buyer_id")
	if buyerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer_id is required"})
		return
	}

	results, err := h.coordinator.ListOrdersByBuyer(c.Request.Context(), buyerID)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": results, "count": len(results)})
}

// cancelOrder handles POST /api/v1/orders/:id/cancel
func (h *Handler) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.coordinator.CancelOrder(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "code": "NOT_FOUND"})
		case errors.Is(err, ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INVALID_STATE_TRANSITION"})
		default:
			h.logger.Error("Failed to cancel order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, order)
}

// settlementCallback handles POST /api/v1/settlements/callback
func (h *Handler) settlementCallback(c *gin.Context) {
	var result SettlementResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.OnSettlementResult(c.Request.Context(), result); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "code": "NOT_FOUND"})
		case errors.Is(err, ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "INVALID_STATE_TRANSITION"})
		default:
			h.logger.Error("Failed to apply settlement result", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// marketStatus handles GET /api/v1/market
func (h *Handler) marketStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"open": h.coordinator.MarketOpen()})
}

// pauseMarket handles POST /api/v1/market/pause
func (h *Handler) pauseMarket(c *gin.Context) {
	h.coordinator.SetMarketOpen(false)
	c.JSON(http.StatusOK, gin.H{"open": false})
}

// resumeMarket handles POST /api/v1/market/resume
func (h *Handler) resumeMarket(c *gin.Context) {
	h.coordinator.SetMarketOpen(true)
	c.JSON(http.StatusOK, gin.H{"open": true})
}
