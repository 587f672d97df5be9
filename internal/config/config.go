package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	AverageConsultMinutes int
	DayStartHour          int
	DayEndHour            int
	RecallLimit           int
	TokenRetryLimit       int
	SweepInterval         time.Duration

	RateLimitPerMinute     int
	UserRateLimitPerMinute int
	RateLimitBurst         int

	PaymentBaseURL   string
	PaymentKeyID     string
	PaymentKeySecret string

	NotifyPollInterval time.Duration
	NotifyBatchSize    int
	SMSProvider        string
	EmailProvider      string
	NotifyWebhookURL   string
	NotifyWebhookToken string

	SFUBaseURL string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		AverageConsultMinutes: readInt("AVG_CONSULT_MINUTES", 15),
		DayStartHour:          readInt("DAY_START_HOUR", 9),
		DayEndHour:            readInt("DAY_END_HOUR", 17),
		RecallLimit:           readInt("RECALL_LIMIT", 2),
		TokenRetryLimit:       readInt("TOKEN_RETRY_LIMIT", 10),
		SweepInterval:         readDurationSeconds("SESSION_SWEEP_INTERVAL_SECONDS", 60),

		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		UserRateLimitPerMinute: readInt("USER_RATE_LIMIT_PER_MIN", 60),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 20),

		PaymentBaseURL:   os.Getenv("PAYMENT_BASE_URL"),
		PaymentKeyID:     os.Getenv("PAYMENT_KEY_ID"),
		PaymentKeySecret: os.Getenv("PAYMENT_KEY_SECRET"),

		NotifyPollInterval: readDurationSeconds("NOTIFY_POLL_INTERVAL_SECONDS", 5),
		NotifyBatchSize:    readInt("NOTIFY_BATCH_SIZE", 50),
		SMSProvider:        os.Getenv("SMS_PROVIDER"),
		EmailProvider:      os.Getenv("EMAIL_PROVIDER"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),

		SFUBaseURL: os.Getenv("SFU_BASE_URL"),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
