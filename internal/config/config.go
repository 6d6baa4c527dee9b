package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	ServiceName    = "stock-reservation-service"
	ServiceVersion = "0.1.0"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Storage     StorageConfig
	Reservation ReservationConfig
	Sweeper     SweeperConfig
	Kafka       KafkaConfig
	Otel        OtelConfig
	Shipping    ShippingConfig
}

type ServerConfig struct {
	Env string
}

type DatabaseConfig struct {
	URL      string // Full database URL
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StorageConfig selects the persistence backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string
}

type ReservationConfig struct {
	PurchaseLimit int
	MaxRetries    int
	LockTimeout   time.Duration
}

type SweeperConfig struct {
	Interval            time.Duration
	InactivityThreshold time.Duration
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	BatchSize    int
	QueueSize    int
}

type OtelConfig struct {
	Endpoint   string
	AuthHeader string
	LogsPath   string
	TracesPath string
}

// Enabled reports whether telemetry export is configured.
func (c OtelConfig) Enabled() bool {
	return c.Endpoint != ""
}

type ShippingConfig struct {
	DefaultRate decimal.Decimal
	Rates       map[string]decimal.Decimal // keyed by upper-case country code
}

// RateFor returns the shipping charge for a country, falling back to the
// default rate for unknown or empty countries.
func (c ShippingConfig) RateFor(country string) decimal.Decimal {
	if rate, ok := c.Rates[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return rate
	}
	return c.DefaultRate
}

func Load() (*Config, error) {
	// Load .env files if they exist (try .env.local first, then .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	config := &Config{
		Server: ServerConfig{
			Env: getEnv("ENV", "development"),
		},
		Database: parseDatabaseConfig(),
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "postgres"),
		},
		Reservation: ReservationConfig{
			PurchaseLimit: getEnvAsInt("RESERVATION_PURCHASE_LIMIT", 10),
			MaxRetries:    getEnvAsInt("RESERVATION_MAX_RETRIES", 3),
			LockTimeout:   getEnvAsDuration("RESERVATION_LOCK_TIMEOUT", 2*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:            getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			InactivityThreshold: getEnvAsDuration("INACTIVITY_THRESHOLD", 3*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsList("KAFKA_BROKERS"),
			Topic:        getEnv("KAFKA_TOPIC", "cart-notifications"),
			BatchTimeout: getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 10*time.Millisecond),
			BatchSize:    getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			QueueSize:    getEnvAsInt("NOTIFY_QUEUE_SIZE", 1024),
		},
		Otel: OtelConfig{
			Endpoint:   getEnv("OTEL_ENDPOINT", ""),
			AuthHeader: getEnv("OTEL_AUTH_HEADER", ""),
			LogsPath:   getEnv("OTEL_LOGS_PATH", "/otlp/v1/logs"),
			TracesPath: getEnv("OTEL_TRACES_PATH", "/otlp/v1/traces"),
		},
		Shipping: ShippingConfig{
			DefaultRate: getEnvAsDecimal("SHIPPING_DEFAULT_RATE", decimal.Zero),
			Rates:       parseRates(getEnv("SHIPPING_RATES", "")),
		},
	}

	return config, nil
}

func parseDatabaseConfig() DatabaseConfig {
	// Check if DATABASE_URL is provided
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL != "" {
		return parseDatabaseURL(databaseURL)
	}

	// Fall back to individual environment variables
	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		DBName:   getEnv("DB_NAME", "tienda"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

func parseDatabaseURL(databaseURL string) DatabaseConfig {
	config := DatabaseConfig{
		URL: databaseURL,
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		// If parsing fails, return the URL as-is
		return config
	}

	config.Host = u.Hostname()
	if u.Port() != "" {
		config.Port, _ = strconv.Atoi(u.Port())
	} else {
		config.Port = 5432
	}

	if u.User != nil {
		config.User = u.User.Username()
		config.Password, _ = u.User.Password()
	}

	config.DBName = strings.TrimPrefix(u.Path, "/")

	config.SSLMode = u.Query().Get("sslmode")
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	return config
}

// parseRates reads "HN=5.00,US=12.50" into a rate table. Malformed pairs are ignored.
func parseRates(raw string) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		country, amount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil || rate.IsNegative() {
			continue
		}
		rates[strings.ToUpper(strings.TrimSpace(country))] = rate
	}
	return rates
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
