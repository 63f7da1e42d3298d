package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        string
	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	StaffToken           string
	RateLimitPerMinute   int
	RateLimitBurst       int
	SignupLimitPerMinute int
	SignupLimitBurst     int
	TrustedProxies       []string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StatusCacheTTL time.Duration

	PhotoBaseURL       string
	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string
	KafkaBrokers       []string
	KafkaTopic         string
	NotifierEmbedded   bool
	NotifyPollInterval time.Duration
	NotifyBatchSize    int
	NotifyMaxAttempts  int

	TxMaxAttempts int
	LogLevel      string
	LogFormat     string

	// EnvFileLoaded reports whether a .env file contributed to this config.
	EnvFileLoaded bool
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set in the environment win.
func Load() (Config, error) {
	envFile := true
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
		envFile = false
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg := Config{
		Port:        port,
		DBDriver:    strings.ToLower(readString("DB_DRIVER", DriverSQLite)),
		DatabaseURL: os.Getenv("DB_DSN"),
		SQLitePath:  readString("SQLITE_PATH", "photoline.db"),

		StaffToken:           os.Getenv("STAFF_TOKEN"),
		RateLimitPerMinute:   readInt("RATE_LIMIT_PER_MIN", 600),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 100),
		SignupLimitPerMinute: readInt("SIGNUP_RATE_LIMIT_PER_MIN", 120),
		SignupLimitBurst:     readInt("SIGNUP_RATE_LIMIT_BURST", 30),
		TrustedProxies:       readList("TRUSTED_PROXIES"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        readInt("REDIS_DB", 0),
		StatusCacheTTL: readDurationSeconds("STATUS_CACHE_SECONDS", 2),

		PhotoBaseURL:       os.Getenv("PHOTO_BASE_URL"),
		NotifyProvider:     strings.ToLower(readString("NOTIFY_PROVIDER", "log")),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		KafkaBrokers:       readList("KAFKA_BROKERS"),
		KafkaTopic:         readString("KAFKA_TOPIC", "photoline-sms"),
		NotifierEmbedded:   readBool("NOTIFIER_EMBEDDED", true),
		NotifyPollInterval: readDurationSeconds("NOTIF_POLL_SECONDS", 1),
		NotifyBatchSize:    readInt("NOTIF_BATCH_SIZE", 50),
		NotifyMaxAttempts:  readInt("NOTIF_MAX_ATTEMPTS", 3),

		TxMaxAttempts: readInt("TX_MAX_ATTEMPTS", 5),
		LogLevel:      readString("LOG_LEVEL", "info"),
		LogFormat:     readString("LOG_FORMAT", "json"),

		EnvFileLoaded: envFile,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
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

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
