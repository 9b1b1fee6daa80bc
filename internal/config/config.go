package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPPort string
	LogLevel string

	// PostgreSQL / TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event bus
	BusDriver        string // "memory" or "jetstream"
	NATSURL          string
	BusPartitions    int
	BusBufferSize    int
	BusMaxDeliveries int
	BusRetryDelay    time.Duration

	// Status engine
	StatusCacheTTL time.Duration
	SweepInterval  time.Duration

	// External collaborators
	GeoBaseURL          string
	DirectoryBaseURL    string
	TransportBaseURL    string
	CollaboratorTimeout time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Dispatch retry
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration

	// MQTT ingest (optional)
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string

	// Auth
	AuthCacheTTL time.Duration
	ValidAPIKeys []string
}

// Load reads configuration from the environment, with a best-effort .env
// file first.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8001"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "fleet_user"),
		DBPassword: getEnv("DB_PASSWORD", "fleet_password"),
		DBName:     getEnv("DB_NAME", "trucktrack"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 15)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		BusDriver:        getEnv("BUS_DRIVER", "memory"),
		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),
		BusPartitions:    getEnvInt("BUS_PARTITIONS", 3),
		BusBufferSize:    getEnvInt("BUS_BUFFER_SIZE", 10000),
		BusMaxDeliveries: getEnvInt("BUS_MAX_DELIVERIES", 5),
		BusRetryDelay:    getEnvDuration("BUS_RETRY_DELAY", 200*time.Millisecond),

		StatusCacheTTL: getEnvDuration("STATUS_CACHE_TTL", 30*time.Second),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		GeoBaseURL:          getEnv("GEO_BASE_URL", "http://localhost:8010"),
		DirectoryBaseURL:    getEnv("DIRECTORY_BASE_URL", "http://localhost:8011"),
		TransportBaseURL:    getEnv("TRANSPORT_BASE_URL", "http://localhost:8012"),
		CollaboratorTimeout: getEnvDuration("COLLABORATOR_TIMEOUT", 3*time.Second),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),

		DispatchMaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoff:     getEnvDuration("DISPATCH_BACKOFF", 200*time.Millisecond),

		MQTTEnabled:  getEnvBool("MQTT_ENABLED", false),
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "trucktrackd"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "fleet/+/positions"),

		AuthCacheTTL: getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		ValidAPIKeys: splitNonEmpty(getEnv("VALID_API_KEYS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
