package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Storage StorageConfig
	Batch   BatchConfig
}

// StorageConfig selects the file-store backend.
type StorageConfig struct {
	Backend  string // "local" or "s3"
	LocalDir string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3KeyID     string
	S3SecretKey string
}

// BatchConfig carries the batch pipeline tunables.
type BatchConfig struct {
	WorkerCount    int
	RowTimeout     time.Duration
	PerRowCost     int64
	AuditBuffer    int
	ReserveRetry   int
	ReserveBackoff time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "formforge"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "formforge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt(os.Getenv("DATABASE_MAX_IDLE_CONN"), 5),
		DBMaxOpenConn:     getenvInt(os.Getenv("DATABASE_MAX_OPEN_CONN"), 25),
		DBConnMaxLifetime: getenvInt(os.Getenv("DATABASE_CONN_MAX_LIFETIME"), 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt(os.Getenv("REDIS_DB"), 0),

		Storage: StorageConfig{
			Backend:     strings.ToLower(getenv("STORAGE_BACKEND", "local")),
			LocalDir:    getenv("STORAGE_LOCAL_DIR", "data/artifacts"),
			S3Bucket:    getenv("STORAGE_S3_BUCKET", ""),
			S3Region:    getenv("STORAGE_S3_REGION", "us-east-1"),
			S3Endpoint:  getenv("STORAGE_S3_ENDPOINT", ""),
			S3KeyID:     getenv("STORAGE_S3_KEY_ID", ""),
			S3SecretKey: getenv("STORAGE_S3_SECRET_KEY", ""),
		},
		Batch: BatchConfig{
			WorkerCount:    getenvInt(os.Getenv("BATCH_WORKER_COUNT"), 4),
			RowTimeout:     getenvDuration("BATCH_ROW_TIMEOUT", 30*time.Second),
			PerRowCost:     int64(getenvInt(os.Getenv("BATCH_PER_ROW_COST"), 1)),
			AuditBuffer:    getenvInt(os.Getenv("AUDIT_BUFFER_SIZE"), 256),
			ReserveRetry:   getenvInt(os.Getenv("LEDGER_RESERVE_RETRY"), 5),
			ReserveBackoff: getenvDuration("LEDGER_RESERVE_BACKOFF", 20*time.Millisecond),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(value string, def int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
