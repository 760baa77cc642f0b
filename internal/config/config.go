// Package config centralizes how CiteDrop reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config represents runtime configuration for the server, worker and CLI.
type Config struct {
	Address string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	S3Region    string

	GitHubToken         string
	GitHubOwner         string
	GitHubRepo          string
	GitHubBaseURL       string
	GitHubWebhookSecret []byte
	IntakeLabel         string
	PollInterval        time.Duration

	RosterFile string
	SchemaFile string

	IngestEndpoint string
	IngestToken    string
	IngestTimeout  time.Duration

	MaxAttempts  int
	StuckTimeout time.Duration
	BatchWorkers int
	BatchCron    string
	ArchiveCron  string
	NoticeCron   string
	Concurrency  int

	// InlineIntake handles POST /deposits in the API process instead of
	// handing the event to the worker queue.
	InlineIntake bool

	LogLevel  string
	LogFormat string
}

const (
	defaultAddress      = ":8080"
	defaultDataDir      = "./data"
	defaultRedisAddr    = "localhost:6379"
	defaultS3Endpoint   = "localhost:9000"
	defaultS3Bucket     = "citedrop-archive"
	defaultIntakeLabel  = "deposit"
	defaultPollInterval = time.Minute
	defaultIngestTTL    = 30 * time.Second
	defaultMaxAttempts  = 3
	defaultStuckTimeout = 30 * time.Minute
	defaultBatchWorkers = 4
	defaultConcurrency  = 4
	defaultBatchCron    = "@monthly"
	defaultArchiveCron  = "@weekly"
	defaultNoticeCron   = "@every 5m"
)

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	dataDir := readEnv("CITEDROP_DATA_DIR", defaultDataDir)
	cfg := &Config{
		Address: readEnv("CITEDROP_ADDRESS", defaultAddress),

		StoreDriver: strings.ToLower(readEnv("CITEDROP_STORE", StoreSQLite)),
		DatabaseURL: readEnv("CITEDROP_DATABASE_URL", ""),
		SQLitePath:  readEnv("CITEDROP_SQLITE_PATH", filepath.Join(dataDir, "citedrop.db")),
		DataDir:     dataDir,

		RedisAddr:     readEnv("CITEDROP_REDIS_ADDR", defaultRedisAddr),
		RedisPassword: readEnv("CITEDROP_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("CITEDROP_REDIS_DB", 0),

		S3Endpoint:  readEnv("CITEDROP_S3_ENDPOINT", defaultS3Endpoint),
		S3AccessKey: readEnv("CITEDROP_S3_ACCESS_KEY", ""),
		S3SecretKey: readEnv("CITEDROP_S3_SECRET_KEY", ""),
		S3Bucket:    readEnv("CITEDROP_S3_BUCKET", defaultS3Bucket),
		S3UseSSL:    parseBool("CITEDROP_S3_USE_SSL", false),
		S3Region:    readEnv("CITEDROP_S3_REGION", ""),

		GitHubToken:         readEnv("CITEDROP_GITHUB_TOKEN", ""),
		GitHubOwner:         readEnv("CITEDROP_GITHUB_OWNER", ""),
		GitHubRepo:          readEnv("CITEDROP_GITHUB_REPO", ""),
		GitHubBaseURL:       readEnv("CITEDROP_GITHUB_BASE_URL", ""),
		GitHubWebhookSecret: parseSecret("CITEDROP_GITHUB_WEBHOOK_SECRET"),
		IntakeLabel:         readEnv("CITEDROP_INTAKE_LABEL", defaultIntakeLabel),
		PollInterval:        parseDuration("CITEDROP_POLL_INTERVAL", defaultPollInterval),

		RosterFile: readEnv("CITEDROP_ROSTER_FILE", filepath.Join(dataDir, "roster.txt")),
		SchemaFile: readEnv("CITEDROP_SCHEMA_FILE", ""),

		IngestEndpoint: readEnv("CITEDROP_INGEST_ENDPOINT", ""),
		IngestToken:    readEnv("CITEDROP_INGEST_TOKEN", ""),
		IngestTimeout:  parseDuration("CITEDROP_INGEST_TIMEOUT", defaultIngestTTL),

		MaxAttempts:  parseInt("CITEDROP_MAX_ATTEMPTS", defaultMaxAttempts),
		StuckTimeout: parseDuration("CITEDROP_STUCK_TIMEOUT", defaultStuckTimeout),
		BatchWorkers: parseInt("CITEDROP_BATCH_WORKERS", defaultBatchWorkers),
		BatchCron:    readEnv("CITEDROP_BATCH_CRON", defaultBatchCron),
		ArchiveCron:  readEnv("CITEDROP_ARCHIVE_CRON", defaultArchiveCron),
		NoticeCron:   readEnv("CITEDROP_NOTICE_CRON", defaultNoticeCron),
		Concurrency:  parseInt("CITEDROP_WORKER_CONCURRENCY", defaultConcurrency),
		InlineIntake: parseBool("CITEDROP_INLINE_INTAKE", false),

		LogLevel:  readEnv("CITEDROP_LOG_LEVEL", "info"),
		LogFormat: readEnv("CITEDROP_LOG_FORMAT", "auto"),
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = defaultIngestTTL
	}
	return cfg, cfg.Validate()
}

// GitHubEnabled reports whether the ticketing integration is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != "" && c.GitHubOwner != "" && c.GitHubRepo != ""
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("CITEDROP_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("CITEDROP_DATABASE_URL is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("CITEDROP_STORE: unknown driver %q", c.StoreDriver))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CITEDROP_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.StuckTimeout <= 0 {
		errs = append(errs, errors.New("CITEDROP_STUCK_TIMEOUT must be positive"))
	}
	if (c.GitHubOwner == "") != (c.GitHubRepo == "") {
		errs = append(errs, errors.New("CITEDROP_GITHUB_OWNER and CITEDROP_GITHUB_REPO must be set together"))
	}
	if c.GitHubOwner != "" && c.GitHubToken == "" {
		errs = append(errs, errors.New("CITEDROP_GITHUB_TOKEN is required when a repository is configured"))
	}
	if c.IntakeLabel == "" {
		errs = append(errs, errors.New("CITEDROP_INTAKE_LABEL must not be empty"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("CITEDROP_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}
