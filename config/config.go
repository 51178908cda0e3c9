package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pricewatch/models"
)

const DefaultSearchTerm = "airpods pro"

type Config struct {
	Catalog    CatalogConfig
	Reconcile  ReconcileConfig
	Aggregate  AggregateConfig
	Scheduler  SchedulerConfig
	Redis      RedisConfig
	S3         S3Config
	DBPath     string
	DBURL      string
	HTTPAddr   string
	LogLevel   string
	LogPath    string
	CycleLimit time.Duration
	Terms      map[string]*TermConfig
}

type CatalogConfig struct {
	Country     string
	BaseURL     string
	PerPage     int
	MaxPages    int
	Concurrency int
	UserAgent   string
	ProxyURL    string
	PageTimeout time.Duration
	Headers     map[string]string
	Retry       RetryConfig
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type ReconcileConfig struct {
	AbsenceThreshold   int
	EmptyConfirmations int
	SoldFrom           []models.ListingStatus
}

type AggregateConfig struct {
	HistogramBucket int64 // minor units
	ListingLimit    int
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// TermConfig is one tracked search term, loaded from config/terms/*.yaml.
// Zero fields fall back to the global settings.
type TermConfig struct {
	Term             string `yaml:"term"`
	Cron             string `yaml:"cron"`
	PerPage          int    `yaml:"per_page"`
	AbsenceThreshold int    `yaml:"absence_threshold"`
	Disabled         bool   `yaml:"disabled"`
}

func Load() (*Config, error) {
	return LoadFrom("config/terms")
}

func LoadFrom(termsDir string) (*Config, error) {
	_ = godotenv.Load()

	country := getEnv("CATALOG_COUNTRY", "be")
	cfg := &Config{
		Catalog: CatalogConfig{
			Country:     country,
			BaseURL:     getEnv("CATALOG_BASE_URL", fmt.Sprintf("https://www.vinted.%s/api/v2/catalog/items", country)),
			PerPage:     getEnvInt("CATALOG_PER_PAGE", 50),
			MaxPages:    getEnvInt("CATALOG_MAX_PAGES", 20),
			Concurrency: getEnvInt("CATALOG_CONCURRENCY", 3),
			UserAgent:   getEnv("CATALOG_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"),
			ProxyURL:    os.Getenv("PROXY_URL"),
			PageTimeout: getEnvDuration("PAGE_TIMEOUT", 10*time.Second),
			Headers: map[string]string{
				"Accept": "application/json",
			},
			Retry: RetryConfig{
				MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
				BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),
			},
		},
		Reconcile: ReconcileConfig{
			AbsenceThreshold:   getEnvInt("ABSENCE_THRESHOLD", 1),
			EmptyConfirmations: getEnvInt("EMPTY_CONFIRMATIONS", 2),
			SoldFrom:           parseStatuses(getEnv("SOLD_FROM", "available")),
		},
		Aggregate: AggregateConfig{
			HistogramBucket: int64(getEnvInt("HISTOGRAM_BUCKET", 500)),
			ListingLimit:    getEnvInt("DASHBOARD_LISTING_LIMIT", 500),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("SCRAPE_CRON"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "eu-west-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		DBPath:     getEnv("DB_PATH", "pricewatch.db"),
		DBURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", "pricewatch.log"),
		CycleLimit: getEnvDuration("CYCLE_TIMEOUT", 2*time.Minute),
		Terms:      make(map[string]*TermConfig),
	}

	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadTermConfigs(termsDir); err != nil {
		return nil, err
	}

	for _, term := range strings.Split(os.Getenv("SEARCH_TERMS"), ",") {
		cfg.AddTerm(term)
	}
	if len(cfg.Terms) == 0 {
		cfg.AddTerm(DefaultSearchTerm)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadTermConfigs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yaml" && filepath.Ext(entry.Name()) != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var term TermConfig
		if err := yaml.Unmarshal(data, &term); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		term.Term = strings.TrimSpace(term.Term)
		if term.Term == "" {
			return fmt.Errorf("%s: term is required", path)
		}
		if term.Disabled {
			continue
		}

		c.Terms[term.Term] = &term
	}

	return nil
}

// AddTerm registers a term with default settings unless it is already known.
func (c *Config) AddTerm(term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}
	if _, ok := c.Terms[term]; ok {
		return
	}
	c.Terms[term] = &TermConfig{Term: term}
}

// TermNames returns the configured terms in a stable order.
func (c *Config) TermNames() []string {
	names := make([]string, 0, len(c.Terms))
	for name := range c.Terms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReconcileFor returns the reconcile settings with any per-term override applied.
func (c *Config) ReconcileFor(term string) ReconcileConfig {
	rc := c.Reconcile
	if tc, ok := c.Terms[term]; ok && tc.AbsenceThreshold > 0 {
		rc.AbsenceThreshold = tc.AbsenceThreshold
	}
	return rc
}

func (c *Config) Validate() error {
	switch {
	case c.Catalog.BaseURL == "":
		return fmt.Errorf("catalog base url is required")
	case c.Catalog.PerPage < 1:
		return fmt.Errorf("CATALOG_PER_PAGE must be positive, got %d", c.Catalog.PerPage)
	case c.Catalog.MaxPages < 1:
		return fmt.Errorf("CATALOG_MAX_PAGES must be positive, got %d", c.Catalog.MaxPages)
	case c.Catalog.Concurrency < 1:
		return fmt.Errorf("CATALOG_CONCURRENCY must be positive, got %d", c.Catalog.Concurrency)
	case c.Catalog.Retry.MaxAttempts < 1:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.Catalog.Retry.MaxAttempts)
	case c.Catalog.PageTimeout <= 0:
		return fmt.Errorf("PAGE_TIMEOUT must be positive")
	case c.Reconcile.AbsenceThreshold < 1:
		return fmt.Errorf("ABSENCE_THRESHOLD must be at least 1, got %d", c.Reconcile.AbsenceThreshold)
	case c.Reconcile.EmptyConfirmations < 1:
		return fmt.Errorf("EMPTY_CONFIRMATIONS must be at least 1, got %d", c.Reconcile.EmptyConfirmations)
	case c.Aggregate.HistogramBucket < 1:
		return fmt.Errorf("HISTOGRAM_BUCKET must be positive, got %d", c.Aggregate.HistogramBucket)
	}
	return nil
}

func parseStatuses(s string) []models.ListingStatus {
	var out []models.ListingStatus
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, models.ListingStatus(strings.ToLower(part)))
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
