package config

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Auth
	JWTSecret string `mapstructure:"jwt_secret"`

	// Channel secrets
	ChannelEncryptionKey string `mapstructure:"channel_encryption_key"` // base64, 32 bytes

	// Escalation scanner
	ScanSchedule    string `mapstructure:"scan_schedule"`     // cron expression
	ScanLockTTLSecs int    `mapstructure:"scan_lock_ttl_sec"` // per-org lease TTL

	// Ingestion rate limiting
	IngestRateLimit  int `mapstructure:"ingest_rate_limit"`      // events per window per org
	IngestRateWindow int `mapstructure:"ingest_rate_window_sec"` // window length in seconds

	// Delivery
	DispatchTimeoutSecs int `mapstructure:"dispatch_timeout_sec"`

	// Push notifications (optional)
	FCMCredentialFile string `mapstructure:"fcm_credential_file"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so 'go run' works without exporting
	// env vars; missing .env is not an error (Production/Docker).
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("scan_schedule", "@every 2m")
	v.SetDefault("scan_lock_ttl_sec", 120)
	v.SetDefault("ingest_rate_limit", 120)
	v.SetDefault("ingest_rate_window_sec", 60)
	v.SetDefault("dispatch_timeout_sec", 5)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("pagerloop")
		v.SetConfigType("yaml")
	}

	// Bind standard environment variables (Docker/deploy compatibility)
	v.SetEnvPrefix("pagerloop")
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("channel_encryption_key", "CHANNEL_ENCRYPTION_KEY")
	_ = v.BindEnv("scan_schedule", "SCAN_SCHEDULE")
	_ = v.BindEnv("scan_lock_ttl_sec", "SCAN_LOCK_TTL_SEC")
	_ = v.BindEnv("ingest_rate_limit", "INGEST_RATE_LIMIT")
	_ = v.BindEnv("ingest_rate_window_sec", "INGEST_RATE_WINDOW_SEC")
	_ = v.BindEnv("dispatch_timeout_sec", "DISPATCH_TIMEOUT_SEC")
	_ = v.BindEnv("fcm_credential_file", "FCM_CREDENTIAL_FILE")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	return nil
}
