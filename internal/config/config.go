package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Identifies this process among nodes sharing a registry or Kafka topic
	NodeID string

	// HTTP ingestion + WebSocket transport
	HTTPHost string
	HTTPPort int

	// Event log
	LogDBPath      string
	Retention      time.Duration
	Partitions     int
	JanitorEvery   time.Duration
	TopicRulesPath string

	// Change feed
	FeedBackend   string // "sqlite" or "kafka"
	FeedBatchSize int
	FeedPoll      time.Duration
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string

	// Connection registry
	RegistryBackend string // "memory" or "redis"
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	ConnTTL         time.Duration

	// Broadcaster
	MaxInFlight     int
	MaxPending      int
	DeliveryTimeout time.Duration
	RetryDelay      time.Duration
	ShutdownGrace   time.Duration

	// Producer limits
	IngestRatePerSource float64
	IngestBurst         int

	// Alerts
	DiscordWebhookURL string
	BackoffAlertAfter int

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		NodeID: envStr("NODE_ID", hostname()),

		HTTPHost: envStr("HTTP_HOST", "0.0.0.0"),
		HTTPPort: envInt("HTTP_PORT", 8765),

		LogDBPath:      envStr("LOG_DB_PATH", "data/eventlog.db"),
		Retention:      time.Duration(envInt("RETENTION_HOURS", 24)) * time.Hour,
		Partitions:     envInt("FEED_PARTITIONS", 4),
		JanitorEvery:   time.Duration(envInt("JANITOR_INTERVAL_SEC", 60)) * time.Second,
		TopicRulesPath: envStr("TOPIC_RULES_PATH", ""),

		FeedBackend:   envStr("FEED_BACKEND", "sqlite"),
		FeedBatchSize: envInt("FEED_BATCH_SIZE", 100),
		FeedPoll:      time.Duration(envInt("FEED_POLL_MS", 500)) * time.Millisecond,
		KafkaBrokers:  envCSV("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:    envStr("KAFKA_TOPIC", "sports_changes"),
		KafkaGroupID:  envStr("KAFKA_GROUP_ID", "sports-stream"),

		RegistryBackend: envStr("REGISTRY_BACKEND", "memory"),
		RedisAddr:       envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   envStr("REDIS_PASSWORD", ""),
		RedisDB:         envInt("REDIS_DB", 0),
		RedisPrefix:     envStr("REDIS_PREFIX", "sports:registry"),
		ConnTTL:         time.Duration(envInt("CONN_TTL_SEC", 90)) * time.Second,

		MaxInFlight:     envInt("MAX_INFLIGHT", 64),
		MaxPending:      envInt("MAX_PENDING_DISPATCHES", 1024),
		DeliveryTimeout: time.Duration(envInt("DELIVERY_TIMEOUT_MS", 3000)) * time.Millisecond,
		RetryDelay:      time.Duration(envInt("RETRY_DELAY_MS", 250)) * time.Millisecond,
		ShutdownGrace:   time.Duration(envInt("SHUTDOWN_GRACE_SEC", 5)) * time.Second,

		IngestRatePerSource: envFloat("INGEST_RATE_PER_SOURCE", 50),
		IngestBurst:         envInt("INGEST_BURST", 100),

		DiscordWebhookURL: envStr("DISCORD_WEBHOOK_URL", ""),
		BackoffAlertAfter: envInt("BACKOFF_ALERT_AFTER", 5),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// KafkaConsumerGroup is this node's own consumer group. Every node delivers
// only to its local sockets, so each must read every change rather than
// share partitions with the others.
func (c *Config) KafkaConsumerGroup() string {
	return c.KafkaGroupID + "-" + c.NodeID
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envCSV(key, fallback string) []string {
	raw := envStr(key, fallback)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
