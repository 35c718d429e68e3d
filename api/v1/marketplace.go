package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/config"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/events"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/listings"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/orders"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/retirement"
	"agricarbon/credit-marketplace/credit-marketplace-backend/pkg/pdf"
)

// MarketplaceAPI holds the marketplace API dependencies
type MarketplaceAPI struct {
	Ledger      *ledger.Service
	Listings    *listings.Service
	Coordinator *orders.Coordinator
	Retirement  *retirement.Service
	Hub         *events.Hub

	ledgerHandler     *ledger.Handler
	listingsHandler   *listings.Handler
	ordersHandler     *orders.Handler
	retirementHandler *retirement.Handler
	logger            *zap.Logger
}

// SetupMarketplaceAPI sets up the marketplace API with all dependencies
func SetupMarketplaceAPI(db *gorm.DB, cfg *config.Config, logger *zap.Logger) (*MarketplaceAPI, error) {
	hub := events.NewHub(logger)

	// Services
	ledgerSvc := ledger.NewService(ledger.NewPostgresRepository(db), logger, hub)
	listingSvc := listings.NewService(listings.NewPostgresRepository(db), ledgerSvc, logger, hub)

	settlement := newSettlementBackend(cfg.Settlement)
	coordinator := orders.NewCoordinator(
		orders.NewPostgresRepository(db),
		listingSvc,
		settlement,
		orders.Config{
			PendingTimeout: cfg.Escrow.PendingTimeout,
			EscrowTimeout:  cfg.Escrow.EscrowTimeout,
			MarketOpen:     cfg.Market.OpenOnStart,
		},
		logger,
		hub,
	)

	certificates := pdf.NewGenerator(cfg.Certificates.IssuerName)
	retirementSvc := retirement.NewService(ledgerSvc, certificates, logger)

	return &MarketplaceAPI{
		Ledger:            ledgerSvc,
		Listings:          listingSvc,
		Coordinator:       coordinator,
		Retirement:        retirementSvc,
		Hub:               hub,
		ledgerHandler:     ledger.NewHandler(ledgerSvc, logger),
		listingsHandler:   listings.NewHandler(listingSvc, logger),
		ordersHandler:     orders.NewHandler(coordinator, logger),
		retirementHandler: retirement.NewHandler(retirementSvc, logger),
		logger:            logger,
	}, nil
}

// newSettlementBackend picks the backend the config asks for.
func newSettlementBackend(cfg config.SettlementConfig) orders.SettlementBackend {
	switch cfg.Backend {
	case "provider":
		return orders.NewProviderSettlementBackend(cfg.ProviderURL, cfg.APIKey)
	default:
		return orders.NewMockSettlementBackend(cfg.MockDelay)
	}
}

// RegisterMarketplaceRoutes registers all marketplace routes on the router group
func RegisterMarketplaceRoutes(router *gin.RouterGroup, api *MarketplaceAPI) {
	api.ledgerHandler.RegisterRoutes(router)
	api.listingsHandler.RegisterRoutes(router)
	api.ordersHandler.RegisterRoutes(router)
	api.retirementHandler.RegisterRoutes(router)

	router.GET("/stats", api.getStats)
	router.GET("/events", api.subscribeEvents)
}

// getStats handles GET /api/v1/stats
func (api *MarketplaceAPI) getStats(c *gin.Context) {
	stats, err := api.Ledger.GetStats(c.Request.Context())
	if err != nil {
		api.logger.Error("Failed to aggregate stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// subscribeEvents handles GET /api/v1/events (WebSocket upgrade)
func (api *MarketplaceAPI) subscribeEvents(c *gin.Context) {
	if err := api.Hub.HandleConnection(c.Writer, c.Request); err != nil {
		api.logger.Error("Failed to upgrade event subscription", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
