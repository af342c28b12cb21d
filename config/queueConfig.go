package config

import "time"

// QueueConfig holds the worker knobs. Values come from env:
//   - QUEUE_WORKER_ENABLED (default true)
//   - QUEUE_BATCH_SIZE (default 20)
//   - QUEUE_MAX_RETRIES (default 5)
//   - QUEUE_POLL_INTERVAL_SECONDS (default 30)
//   - QUEUE_ITEM_TIMEOUT_SECONDS (default 120)
//   - QUEUE_STALE_PROCESSING_MINUTES (default 15)
type QueueConfig struct {
	Enabled      bool
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
	ItemTimeout  time.Duration
	StaleAfter   time.Duration
}

func GetQueueConfig() QueueConfig {
	cfg := QueueConfig{
		Enabled:      boolFromEnv("QUEUE_WORKER_ENABLED", true),
		BatchSize:    intFromEnv("QUEUE_BATCH_SIZE", 20),
		MaxRetries:   intFromEnv("QUEUE_MAX_RETRIES", 5),
		PollInterval: secondsFromEnv("QUEUE_POLL_INTERVAL_SECONDS", 30*time.Second),
		ItemTimeout:  secondsFromEnv("QUEUE_ITEM_TIMEOUT_SECONDS", 120*time.Second),
		StaleAfter:   minutesFromEnv("QUEUE_STALE_PROCESSING_MINUTES", 15*time.Minute),
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return cfg
}

// shutdownMargin covers the final status write and lease release that follow
// an item's execution deadline.
const shutdownMargin = 15 * time.Second

// DrainTimeout is how long shutdown waits for the worker before the database
// is closed. It outlasts one in-flight item.
func (c QueueConfig) DrainTimeout() time.Duration {
	itemTimeout := c.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 120 * time.Second
	}
	return itemTimeout + shutdownMargin
}

// DetectorConfig controls the scheduled confirmed-order detector.
//   - ORDER_DETECTOR_ENABLED (default false)
//   - ORDER_DETECTOR_INTERVAL_SECONDS (default 300)
//   - ORDER_DETECTOR_LIMIT (default 100)
type DetectorConfig struct {
	Enabled  bool
	Interval time.Duration
	Limit    int
}

func GetDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Enabled:  boolFromEnv("ORDER_DETECTOR_ENABLED", false),
		Interval: secondsFromEnv("ORDER_DETECTOR_INTERVAL_SECONDS", 300*time.Second),
		Limit:    intFromEnv("ORDER_DETECTOR_LIMIT", 100),
	}
}

// ErpClientConfig configures the ERP document store REST client.
type ErpClientConfig struct {
	BaseURL    string
	CompanyDB  string
	Username   string
	Password   string
	RatePerSec float64
	Timeout    time.Duration
}

func GetErpClientConfig() ErpClientConfig {
	return ErpClientConfig{
		BaseURL:    stringFromEnv("ERP_BASE_URL", ""),
		CompanyDB:  stringFromEnv("ERP_COMPANY_DB", ""),
		Username:   stringFromEnv("ERP_USERNAME", ""),
		Password:   stringFromEnv("ERP_PASSWORD", ""),
		RatePerSec: floatFromEnv("ERP_RATE_LIMIT_PER_SEC", 5),
		Timeout:    secondsFromEnv("ERP_TIMEOUT_SECONDS", 60*time.Second),
	}
}

// AppClientConfig configures the business application JSON-RPC client.
type AppClientConfig struct {
	URL        string
	Database   string
	Username   string
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
}

func GetAppClientConfig() AppClientConfig {
	return AppClientConfig{
		URL:        stringFromEnv("APP_RPC_URL", ""),
		Database:   stringFromEnv("APP_DB", ""),
		Username:   stringFromEnv("APP_USERNAME", ""),
		APIKey:     stringFromEnv("APP_API_KEY", ""),
		RatePerSec: floatFromEnv("APP_RATE_LIMIT_PER_SEC", 5),
		Timeout:    secondsFromEnv("APP_TIMEOUT_SECONDS", 30*time.Second),
	}
}
