package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "receiptflow.yaml"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Retry      RetryConfig      `yaml:"retry"`
	Worker     WorkerConfig     `yaml:"worker"`
	Paperless  PaperlessConfig  `yaml:"paperless"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Workflows  WorkflowsConfig  `yaml:"workflows"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// Warnings collects environment overrides that could not be parsed and
	// were ignored. They are logged once the logger exists.
	Warnings []string `yaml:"-"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RetryConfig struct {
	DSN        string          `yaml:"dsn"`
	MaxRetries int             `yaml:"max_retries"`
	Backoff    []time.Duration `yaml:"backoff"`
}

type WorkerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	WebhookRetention  time.Duration `yaml:"webhook_retention"`
	StaleWebhookAfter time.Duration `yaml:"stale_webhook_after"`
	Cooldown          time.Duration `yaml:"cooldown"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	Concurrency       int           `yaml:"concurrency"`
}

type PaperlessConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	AuthScheme string        `yaml:"auth_scheme"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type ExtractionConfig struct {
	Provider  string        `yaml:"provider"`
	ProjectID string        `yaml:"project_id"`
	Region    string        `yaml:"region"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

type WorkflowsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type APIConfig struct {
	Addr              string        `yaml:"addr"`
	JWTSecret         string        `yaml:"jwt_secret"`
	WebhookToken      string        `yaml:"webhook_token"`
	WebhookHMACSecret string        `yaml:"webhook_hmac_secret"`
	WebhookMaxSkew    time.Duration `yaml:"webhook_max_skew"`
	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	StreamInterval    time.Duration `yaml:"stream_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Database: DatabaseConfig{DSN: "sqlite://./data/receiptflow.db"},
		Retry: RetryConfig{
			DSN:        "table",
			MaxRetries: 3,
			Backoff:    []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		},
		Worker: WorkerConfig{
			PollInterval:      5 * time.Second,
			ScanInterval:      10 * time.Minute,
			CleanupInterval:   time.Hour,
			WebhookRetention:  24 * time.Hour,
			StaleWebhookAfter: 30 * time.Minute,
			Cooldown:          60 * time.Second,
			LockTTL:           10 * time.Minute,
			Concurrency:       1,
		},
		Paperless: PaperlessConfig{
			AuthScheme: "Token",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Extraction: ExtractionConfig{
			Provider: "vertex",
			Region:   "us-central1",
			Model:    "gemini-1.5-pro",
			Timeout:  2 * time.Minute,
		},
		Workflows: WorkflowsConfig{File: "workflows.yaml", Watch: true},
		API: APIConfig{
			Addr:            ":8080",
			WebhookMaxSkew:  5 * time.Minute,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
			StreamInterval:  2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies RECEIPTFLOW_* overrides. A
// missing file is not an error when path is the default location.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = c.stringEnv("RECEIPTFLOW_DATABASE_DSN", c.Database.DSN)
	c.Retry.DSN = c.stringEnv("RECEIPTFLOW_RETRY_DSN", c.Retry.DSN)
	c.Retry.MaxRetries = c.intEnv("RECEIPTFLOW_MAX_RETRIES", c.Retry.MaxRetries)
	c.Worker.PollInterval = c.durationEnv("RECEIPTFLOW_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.ScanInterval = c.durationEnv("RECEIPTFLOW_SCAN_INTERVAL", c.Worker.ScanInterval)
	c.Worker.CleanupInterval = c.durationEnv("RECEIPTFLOW_CLEANUP_INTERVAL", c.Worker.CleanupInterval)
	c.Worker.WebhookRetention = c.durationEnv("RECEIPTFLOW_WEBHOOK_RETENTION", c.Worker.WebhookRetention)
	c.Worker.StaleWebhookAfter = c.durationEnv("RECEIPTFLOW_STALE_WEBHOOK_AFTER", c.Worker.StaleWebhookAfter)
	c.Worker.Cooldown = c.durationEnv("RECEIPTFLOW_COOLDOWN", c.Worker.Cooldown)
	c.Worker.LockTTL = c.durationEnv("RECEIPTFLOW_LOCK_TTL", c.Worker.LockTTL)
	c.Worker.Concurrency = c.intEnv("RECEIPTFLOW_CONCURRENCY", c.Worker.Concurrency)
	c.Paperless.BaseURL = c.stringEnv("RECEIPTFLOW_PAPERLESS_URL", c.Paperless.BaseURL)
	c.Paperless.Token = c.stringEnv("RECEIPTFLOW_PAPERLESS_TOKEN", c.Paperless.Token)
	c.Paperless.Timeout = c.durationEnv("RECEIPTFLOW_PAPERLESS_TIMEOUT", c.Paperless.Timeout)
	c.Extraction.ProjectID = c.stringEnv("RECEIPTFLOW_VERTEX_PROJECT", c.Extraction.ProjectID)
	c.Extraction.Region = c.stringEnv("RECEIPTFLOW_VERTEX_REGION", c.Extraction.Region)
	c.Extraction.Model = c.stringEnv("RECEIPTFLOW_VERTEX_MODEL", c.Extraction.Model)
	c.Extraction.Timeout = c.durationEnv("RECEIPTFLOW_EXTRACTION_TIMEOUT", c.Extraction.Timeout)
	c.Workflows.File = c.stringEnv("RECEIPTFLOW_WORKFLOWS_FILE", c.Workflows.File)
	c.API.Addr = c.stringEnv("RECEIPTFLOW_ADDR", c.API.Addr)
	c.API.JWTSecret = c.stringEnv("RECEIPTFLOW_JWT_SECRET", c.API.JWTSecret)
	c.API.WebhookToken = c.stringEnv("RECEIPTFLOW_WEBHOOK_TOKEN", c.API.WebhookToken)
	c.API.WebhookHMACSecret = c.stringEnv("RECEIPTFLOW_WEBHOOK_HMAC_SECRET", c.API.WebhookHMACSecret)
	c.API.RateLimitMax = c.intEnv("RECEIPTFLOW_RATE_LIMIT_MAX", c.API.RateLimitMax)
	c.API.RateLimitWindow = c.durationEnv("RECEIPTFLOW_RATE_LIMIT_WINDOW", c.API.RateLimitWindow)
	c.API.MaxBodyBytes = c.int64Env("RECEIPTFLOW_MAX_BODY_BYTES", c.API.MaxBodyBytes)
	c.Logging.Level = c.stringEnv("RECEIPTFLOW_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = c.stringEnv("RECEIPTFLOW_LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = c.stringEnv("RECEIPTFLOW_METRICS_ADDR", c.Metrics.Addr)
}

func (c *Config) stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (c *Config) intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}

// Validate checks the structural settings every process needs. Missing
// credentials are reported separately by WorkerCredentialsError.
func (c Config) Validate() error {
	problems := []string{}
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Retry.MaxRetries < 1 {
		problems = append(problems, "retry.max_retries must be at least 1")
	}
	for i, d := range c.Retry.Backoff {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("retry.backoff[%d] must be positive", i))
		}
	}
	positive := map[string]time.Duration{
		"worker.poll_interval":       c.Worker.PollInterval,
		"worker.scan_interval":       c.Worker.ScanInterval,
		"worker.cleanup_interval":    c.Worker.CleanupInterval,
		"worker.webhook_retention":   c.Worker.WebhookRetention,
		"worker.stale_webhook_after": c.Worker.StaleWebhookAfter,
		"worker.cooldown":            c.Worker.Cooldown,
		"worker.lock_ttl":            c.Worker.LockTTL,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Worker.Concurrency < 1 {
		problems = append(problems, "worker.concurrency must be at least 1")
	}
	if c.Worker.LockTTL > 0 && c.Worker.LockTTL <= c.Worker.PollInterval {
		problems = append(problems, "worker.lock_ttl must exceed worker.poll_interval")
	}
	if budget := c.DocumentBudget(); c.Worker.LockTTL > 0 && c.Worker.LockTTL <= budget {
		problems = append(problems, fmt.Sprintf("worker.lock_ttl must exceed the per-document worst case of %s", budget))
	}
	if raw := strings.TrimSpace(c.Paperless.BaseURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "paperless.base_url must be an absolute URL")
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Extraction.Provider)) {
	case "vertex", "":
	default:
		problems = append(problems, fmt.Sprintf("extraction.provider %q is not supported", c.Extraction.Provider))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "json", "console", "":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.API.MaxBodyBytes < 0 {
		problems = append(problems, "api.max_body_bytes must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DocumentBudget is the longest one document may hold the scan lock between
// lease renewals: extraction plus the thumbnail download and the write-back,
// each with every document-store retry timing out.
func (c Config) DocumentBudget() time.Duration {
	attempts := time.Duration(max(c.Paperless.MaxRetries, 0) + 1)
	return c.Extraction.Timeout + 2*attempts*c.Paperless.Timeout
}

// WorkerCredentialsError reports missing document-store or extraction
// settings. The worker keeps running but does no document work while it is
// non-nil.
func (c Config) WorkerCredentialsError() error {
	missing := []string{}
	if strings.TrimSpace(c.Paperless.BaseURL) == "" {
		missing = append(missing, "paperless.base_url")
	}
	if strings.TrimSpace(c.Paperless.Token) == "" {
		missing = append(missing, "paperless.token")
	}
	if strings.TrimSpace(c.Extraction.ProjectID) == "" {
		missing = append(missing, "extraction.project_id")
	}
	if strings.TrimSpace(c.Extraction.Model) == "" {
		missing = append(missing, "extraction.model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
