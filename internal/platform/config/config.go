package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pstrings "subsidy/pkg/platform/strings"
)

// Server captures everything main needs to wire the engine.
type Server struct {
	Addr            string
	DatabaseURL     string
	Redis           RedisConfig
	Kafka           KafkaConfig
	Blob            BlobConfig
	JWTSigningKey   string
	JWTIssuer       string
	SealKey         string
	TxTimeout       time.Duration
	LogLevel        string
	LogFormat       string
	FormSchemaPath  string
	CatalogPath     string
	DirectoryPath   string
	MaxUploadBytes  int64
	RateLimitPerSec float64
	RateLimitBurst  int
}

// RedisConfig configures the sequencer's redis client. An empty URL disables redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the audit outbox relay. No brokers disables the relay.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	RelayInterval time.Duration
}

// BlobConfig picks where uploaded documents live.
type BlobConfig struct {
	Backend    string // fs or s3
	UploadPath string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

const (
	BlobBackendFS = "fs"
	BlobBackendS3 = "s3"
)

// DefaultTxTimeout bounds a single unit of work.
var DefaultTxTimeout = 5 * time.Second

// FromEnv builds a Server config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
func FromEnv() (Server, error) {
	_ = godotenv.Load()

	txTimeout, err := durationEnv("TX_TIMEOUT", DefaultTxTimeout)
	if err != nil {
		return Server{}, err
	}
	relayInterval, err := durationEnv("AUDIT_RELAY_INTERVAL", time.Second)
	if err != nil {
		return Server{}, err
	}
	rps, err := floatEnv("RATE_LIMIT_RPS", 20)
	if err != nil {
		return Server{}, err
	}
	burst, err := intEnv("RATE_LIMIT_BURST", 40)
	if err != nil {
		return Server{}, err
	}
	poolSize, err := intEnv("REDIS_POOL_SIZE", 10)
	if err != nil {
		return Server{}, err
	}
	maxUploadMB, err := intEnv("MAX_UPLOAD_MB", 20)
	if err != nil {
		return Server{}, err
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}
	sealKey := os.Getenv("SIGNATURE_SEAL_KEY")
	if sealKey == "" {
		sealKey = "dev-seal-key-change-in-production"
	}

	cfg := Server{
		Addr:        envOr("SUBSIDY_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     poolSize,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       pstrings.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:         envOr("AUDIT_TOPIC", "subsidy.audit-events"),
			RelayInterval: relayInterval,
		},
		Blob: BlobConfig{
			Backend:    strings.ToLower(envOr("BLOB_BACKEND", BlobBackendFS)),
			UploadPath: envOr("UPLOAD_PATH", "./uploads"),
			S3Bucket:   os.Getenv("S3_BUCKET"),
			S3Prefix:   os.Getenv("S3_PREFIX"),
			S3Region:   os.Getenv("AWS_REGION"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
		},
		JWTSigningKey:   jwtSigningKey,
		JWTIssuer:       envOr("JWT_ISSUER", "subsidy"),
		SealKey:         sealKey,
		TxTimeout:       txTimeout,
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		FormSchemaPath:  os.Getenv("FORM_SCHEMA_PATH"),
		CatalogPath:     os.Getenv("CATALOG_PATH"),
		DirectoryPath:   os.Getenv("DIRECTORY_PATH"),
		MaxUploadBytes:  int64(maxUploadMB) << 20,
		RateLimitPerSec: rps,
		RateLimitBurst:  burst,
	}
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	switch c.Blob.Backend {
	case BlobBackendFS:
	case BlobBackendS3:
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.Blob.Backend)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	return nil
}

// RelayEnabled reports whether audit events should be shipped to Kafka.
func (c Server) RelayEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}
