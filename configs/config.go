package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Peer
	Scope      string
	ClientID   string
	Transports []string

	// Brokers
	NatsURL        string
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	EtcdEndpoints  []string
	EtcdLeaseTTL   int
	RelayURL       string
	RelayDiscovery bool
	RelayPort      int
	RelayAdvertise bool

	// Inbound flood protection
	InboundOpsPerSecond float64
	InboundBurst        int

	// API
	APIPort   string
	JWTSecret string

	// Logging and tracing
	LogLevel          string
	LogEncoding       string
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	// Leader duty
	DutyName     string
	DutySchedule string
	DutyCommand  string
	DutyTimeout  time.Duration

	// Storage
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	OutputDir   string
}

func LoadConfig() *Config {
	return &Config{
		Scope:      getEnv("PEER_SCOPE", "default"),
		ClientID:   getEnv("PEER_CLIENT_ID", ""),
		Transports: getEnvAsList("PEER_TRANSPORTS", []string{"nats", "redis", "etcd", "websocket"}),

		NatsURL:        getEnv("NATS_URL", ""),
		RedisHost:      getEnv("REDIS_HOST", ""),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		EtcdEndpoints:  getEnvAsList("ETCD_ENDPOINTS", nil),
		EtcdLeaseTTL:   getEnvAsInt("ETCD_LEASE_TTL", 10),
		RelayURL:       getEnv("RELAY_URL", ""),
		RelayDiscovery: getEnvAsBool("RELAY_DISCOVERY", false),
		RelayPort:      getEnvAsInt("RELAY_PORT", 8090),
		RelayAdvertise: getEnvAsBool("RELAY_ADVERTISE", false),

		InboundOpsPerSecond: getEnvAsFloat("INBOUND_OPS_PER_SECOND", 20),
		InboundBurst:        getEnvAsInt("INBOUND_BURST", 50),

		APIPort:   getEnv("API_PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogEncoding:       getEnv("LOG_ENCODING", "json"),
		TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),

		DutyName:     getEnv("DUTY_NAME", "leader-duty"),
		DutySchedule: getEnv("DUTY_SCHEDULE", ""),
		DutyCommand:  getEnv("DUTY_COMMAND", ""),
		DutyTimeout:  getEnvAsDuration("DUTY_TIMEOUT", time.Minute),

		DBHost:      getEnv("DB_HOST", ""),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "peerelect"),
		DBPassword:  getEnv("DB_PASSWORD", "password"),
		DBName:      getEnv("DB_NAME", "peerelect"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		OutputDir:   getEnv("OUTPUT_DIR", "./data/outputs"),
	}
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

// PostgresDSN returns the connection string, or "" when no database host is set.
func (c *Config) PostgresDSN() string {
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
