package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	v1 "agricarbon/credit-marketplace/credit-marketplace-backend/api/v1"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/config"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/listings"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/orders"
)

func main() {
	// Environment variables from .env for local development
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("Connecting to database",
		zap.String("host", cfg.Database.Host),
		zap.String("db_name", cfg.Database.DBName))
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: cfg.Database.GetDatabaseURL(),
	}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&ledger.CreditUnit{},
		&ledger.Reservation{},
		&ledger.CreditHolding{},
		&ledger.RetirementRecord{},
		&listings.Listing{},
		&orders.Order{},
	); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	api, err := v1.SetupMarketplaceAPI(db, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up marketplace API", zap.Error(err))
	}

	// Setup Router
	router := gin.Default()

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	apiGroup := router.Group("/api/v1")
	{
		v1.RegisterMarketplaceRoutes(apiGroup, api)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	// Periodic sweep of orders stuck in PENDING or ESCROWED
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Escrow.SweepInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Escrow.SweepInterval)
		defer cancel()

		swept, err := api.Coordinator.SweepTimeouts(ctx)
		if err != nil {
			logger.Error("Timeout sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			logger.Info("Timeout sweep completed", zap.Int("swept", swept))
		}
	})
	if err != nil {
		logger.Fatal("Failed to schedule timeout sweeper", zap.Error(err))
	}
	scheduler.Start()

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen: %s\n", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.Int("port", cfg.Server.Port))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown:", zap.Error(err))
	}

	// Let in-flight settlements resolve before dropping the event hub
	api.Coordinator.WaitForSettlements()
	api.Hub.Close()

	logger.Info("Server exiting")
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
