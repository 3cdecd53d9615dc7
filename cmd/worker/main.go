package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/internal/config"
	"github.com/pagerloop/pagerloop/services"
	"github.com/pagerloop/pagerloop/workers"
)

func main() {
	log.Println("Starting PagerLoop scan worker...")

	// Load Config
	configPath := os.Getenv("PAGERLOOP_CONFIG_PATH")

	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("  Connected to database successfully")

	// Redis connection for scan leases
	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		opt, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		log.Println("  Connected to Redis")
	} else {
		log.Println("  REDIS_URL not set, scans serialize in-process only")
	}

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

	scanWorker := workers.NewScanWorker(pg, redisClient, escalationService,
		config.App.ScanSchedule, time.Duration(config.App.ScanLockTTLSecs)*time.Second)
	if err := scanWorker.Start(); err != nil {
		log.Fatalf("Failed to start scan worker: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down scan worker...")
	scanWorker.Stop()
	log.Println("Scan worker stopped")
}
