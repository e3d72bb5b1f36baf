package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BlobBackendMinIO = "minio"
	BlobBackendS3    = "s3"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	BaseURL     string
	LogLevel    string
	LogFormat   string

	// Transfer behaviour
	Retention              time.Duration
	RetentionSweepInterval time.Duration
	UploadConcurrency      int
	MemberFailurePolicy    string
	PrefetchDepth          int
	ZipCompressionLevel    int
	MaxFilesPerUpload      int
	MaxFileSizeMB          int64
	MaxTotalSizeMB         int64

	// Blob store
	BlobBackend string

	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	S3Region    string
	S3Bucket    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Metadata store
	DBDialect  string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBDatabase string
	SQLitePath string
	DBMigrate  bool

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
}

// LoadConfig reads an optional .env file (ENV_FILE, default ".env") and then
// builds the configuration from the environment. Variables already set in the
// environment win over the file.
func LoadConfig() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	config := &Config{
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "transferbox"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		Retention:              getEnvAsDuration("RETENTION", 7*24*time.Hour),
		RetentionSweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		UploadConcurrency:      getEnvAsInt("UPLOAD_CONCURRENCY", 4),
		MemberFailurePolicy:    getEnv("MEMBER_FAILURE_POLICY", "skip"),
		PrefetchDepth:          getEnvAsInt("PREFETCH_DEPTH", 0),
		ZipCompressionLevel:    getEnvAsInt("ZIP_COMPRESSION_LEVEL", 1),
		MaxFilesPerUpload:      getEnvAsInt("MAX_FILES_PER_UPLOAD", 20),
		MaxFileSizeMB:          int64(getEnvAsInt("MAX_FILE_SIZE_MB", 1000)),
		MaxTotalSizeMB:         int64(getEnvAsInt("MAX_TOTAL_SIZE_MB", 2000)),

		BlobBackend: strings.ToLower(getEnv("BLOB_BACKEND", BlobBackendMinIO)),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "transferbox"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "transferbox"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),

		DBDialect:  strings.ToLower(getEnv("DB_DIALECT", "mysql")),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "4000"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBDatabase: getEnv("DB_DATABASE", "transferbox"),
		SQLitePath: getEnv("SQLITE_PATH", "transferbox.db"),
		DBMigrate:  getEnvAsBool("DB_MIGRATE", true),

		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		CacheTTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	var errs []error
	switch c.BlobBackend {
	case BlobBackendMinIO, BlobBackendS3:
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND must be %q or %q, got %q", BlobBackendMinIO, BlobBackendS3, c.BlobBackend))
	}
	switch c.DBDialect {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DIALECT must be \"mysql\" or \"sqlite\", got %q", c.DBDialect))
	}
	switch strings.ToLower(c.MemberFailurePolicy) {
	case "skip", "abort":
	default:
		errs = append(errs, fmt.Errorf("MEMBER_FAILURE_POLICY must be \"skip\" or \"abort\", got %q", c.MemberFailurePolicy))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("RETENTION must be positive"))
	}
	if c.UploadConcurrency <= 0 {
		errs = append(errs, errors.New("UPLOAD_CONCURRENCY must be positive"))
	}
	if c.PrefetchDepth < 0 {
		errs = append(errs, errors.New("PREFETCH_DEPTH must not be negative"))
	}
	if c.ZipCompressionLevel < 0 || c.ZipCompressionLevel > 9 {
		errs = append(errs, errors.New("ZIP_COMPRESSION_LEVEL must be between 0 and 9"))
	}
	if c.MaxFilesPerUpload <= 0 || c.MaxFileSizeMB <= 0 || c.MaxTotalSizeMB <= 0 {
		errs = append(errs, errors.New("upload limits must be positive"))
	}
	return errors.Join(errs...)
}

// GetDSN returns the metadata store connection string for the configured dialect
func (c *Config) GetDSN() string {
	if c.DBDialect == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// MaxFileSizeBytes returns the per-file upload limit in bytes
func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// MaxTotalSizeBytes returns the per-request upload limit in bytes
func (c *Config) MaxTotalSizeBytes() int64 {
	return c.MaxTotalSizeMB * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("36h") and bare integers as seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
