package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gyeh/volumetria/internal/model"
)

const (
	DefaultLotSize    = 1000
	MaxLotSize        = 10000
	DefaultBudget     = 50 * time.Second
	DefaultRowTimeout = 2 * time.Second
	DefaultListenAddr = ":8080"
)

// Lock backends serializing work on one batch.
const (
	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockLocal    = "local"
)

// Config holds all runtime configuration for a volload run.
type Config struct {
	DSN             string
	LogFormat       string // "text" or "json"
	FilePath        string
	FileCategory    string
	ReferencePeriod string
	CatalogPath     string // empty = embedded default catalog
	LotSize         int
	Budget          time.Duration // per invocation
	RowTimeout      time.Duration
	FailOpen        bool // let malformed dates through, audited
	LockBackend     string
	RedisAddr       string
	ListenAddr      string
	Force           bool // re-stage a file that was already staged
	KeepStaging     bool // skip archiving after a clean run
	Process         bool // drive the processor to completion after staging
}

// yamlConfig is the on-disk YAML structure. Values fill settings that were
// not given on the command line.
type yamlConfig struct {
	DSN         string        `yaml:"dsn"`
	LogFormat   string        `yaml:"log_format"`
	CatalogPath string        `yaml:"catalog"`
	LotSize     int           `yaml:"lot_size"`
	Budget      time.Duration `yaml:"budget"`
	RowTimeout  time.Duration `yaml:"row_timeout"`
	FailOpen    *bool         `yaml:"fail_open"`
	LockBackend string        `yaml:"lock"`
	RedisAddr   string        `yaml:"redis_addr"`
	ListenAddr  string        `yaml:"listen"`
}

// LoadFromFile reads a YAML config file and merges its values into Config.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	fill(&c.DSN, yc.DSN)
	fill(&c.LogFormat, yc.LogFormat)
	fill(&c.CatalogPath, yc.CatalogPath)
	fill(&c.LockBackend, yc.LockBackend)
	fill(&c.RedisAddr, yc.RedisAddr)
	fill(&c.ListenAddr, yc.ListenAddr)
	fill(&c.LotSize, yc.LotSize)
	fill(&c.Budget, yc.Budget)
	fill(&c.RowTimeout, yc.RowTimeout)
	if yc.FailOpen != nil && !c.FailOpen {
		c.FailOpen = *yc.FailOpen
	}
	return c.ValidateProcessing()
}

func fill[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

// ApplyDefaults sets every unset processing option to its default.
func (c *Config) ApplyDefaults() {
	fill(&c.LogFormat, "text")
	fill(&c.LotSize, DefaultLotSize)
	fill(&c.Budget, DefaultBudget)
	fill(&c.RowTimeout, DefaultRowTimeout)
	fill(&c.ListenAddr, DefaultListenAddr)
}

// ValidateProcessing checks the processor settings.
func (c *Config) ValidateProcessing() error {
	if c.LotSize < 0 || c.LotSize > MaxLotSize {
		return fmt.Errorf("lot size %d out of range 1..%d", c.LotSize, MaxLotSize)
	}
	if c.Budget < 0 || c.RowTimeout < 0 {
		return fmt.Errorf("budget and row timeout must not be negative")
	}
	switch c.LockBackend {
	case "", LockPostgres, LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("--redis-addr is required for the redis lock")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	return nil
}

// Category returns the parsed file category.
func (c *Config) Category() (model.FileCategory, error) {
	cat, ok := model.ParseFileCategory(c.FileCategory)
	if !ok {
		return "", fmt.Errorf("unknown file category %q", c.FileCategory)
	}
	return cat, nil
}

// Period returns the parsed reference period.
func (c *Config) Period() (model.Period, error) {
	return model.ParsePeriod(c.ReferencePeriod)
}

// Validate checks required fields and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.FilePath == "" {
		return fmt.Errorf("--file is required")
	}
	if _, err := os.Stat(c.FilePath); err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}
	if _, err := c.Category(); err != nil {
		return err
	}
	if _, err := c.Period(); err != nil {
		return err
	}
	return c.ValidateProcessing()
}

// ValidateWithDSN checks both file and DSN fields.
func (c *Config) ValidateWithDSN() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.RequireDSN()
}

// RequireDSN checks the DSN and processor settings for commands that work on
// an already staged batch.
func (c *Config) RequireDSN() error {
	if c.DSN == "" {
		return fmt.Errorf("--dsn or VOLUMETRIA_DB_URL is required")
	}
	return c.ValidateProcessing()
}
