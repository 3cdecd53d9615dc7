package router

import (
	"database/sql"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/handlers"
	"github.com/pagerloop/pagerloop/internal/config"
	"github.com/pagerloop/pagerloop/services"
)

func NewGinRouter(pg *sql.DB, redisClient *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
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

	// Initialize services
	cipher, err := db.NewConfigCipher(config.App.ChannelEncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize channel config cipher: %v", err)
	}

	adapters := map[string]services.ChannelAdapter{
		db.ChannelWebhook: services.NewWebhookChannel(),
		db.ChannelEmail:   services.NewEmailChannel(),
		db.ChannelSlack:   services.NewSlackChannel(),
		db.ChannelPush:    services.NewPushChannel(config.App.FCMCredentialFile),
	}
	dispatchService := services.NewDispatchService(pg, cipher, adapters,
		time.Duration(config.App.DispatchTimeoutSecs)*time.Second)

	rotationService := services.NewRotationService(pg)
	routingService := services.NewRoutingService(pg, rotationService, dispatchService)
	escalationService := services.NewEscalationService(pg, routingService)

	limiter := services.NewRedisRateLimiter(redisClient, config.App.IngestRateLimit,
		time.Duration(config.App.IngestRateWindow)*time.Second)
	alertService := services.NewAlertService(pg, limiter)

	// Initialize handlers
	alertHandler := handlers.NewAlertHandler(alertService, escalationService)
	onCallHandler := handlers.NewOnCallHandler(rotationService)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Ingestion endpoint authenticates with the same bearer token as the
	// rest of the API; sources hold service tokens.
	api := r.Group("/api/v1")
	api.Use(handlers.AuthMiddleware())
	{
		api.POST("/alerts", alertHandler.RecordFailure)
		api.GET("/alerts/:id", alertHandler.GetAlert)
		api.POST("/alerts/:id/ack", alertHandler.AckAlert)
		api.GET("/alerts/:id/escalations", alertHandler.ListEscalations)
		api.GET("/alerts/:id/deliveries", alertHandler.ListDeliveries)

		api.GET("/orgs/:org_id/oncall", onCallHandler.GetOnCall)
		api.POST("/orgs/:org_id/scan", alertHandler.TriggerScan)
	}

	return r
}
