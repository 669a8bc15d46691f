package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxNumberedEntries caps how many numbered credential entries are scanned
// from configuration (serpapi.key_1 .. serpapi.key_20 and so on).
const maxNumberedEntries = 20

// CredentialEntry is one configured provider credential.
type CredentialEntry struct {
	Secret       string
	EngineID     string // custom search engine id, empty for native SERP
	DailyLimit   int
	MonthlyLimit int
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type PoolConfig struct {
	Strategy         string `mapstructure:"strategy"` // priority | least_used | round_robin
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
	MaxRetries       int    `mapstructure:"max_retries"`
	PauseMS          int    `mapstructure:"pause_ms"`
}

func (p PoolConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMS) * time.Millisecond
}

func (p PoolConfig) Pause() time.Duration {
	return time.Duration(p.PauseMS) * time.Millisecond
}

type BulkConfig struct {
	BatchSize         int  `mapstructure:"batch_size"`
	InterBatchDelayMS int  `mapstructure:"inter_batch_delay_ms"`
	MaxConcurrent     int  `mapstructure:"max_concurrent"`
	RetryEnabled      bool `mapstructure:"retry_enabled"`
	MaxRetries        int  `mapstructure:"max_retries"`
	AdaptiveDelay     bool `mapstructure:"adaptive_delay"`
	BudgetMS          int  `mapstructure:"budget_ms"`
}

func (b BulkConfig) InterBatchDelay() time.Duration {
	return time.Duration(b.InterBatchDelayMS) * time.Millisecond
}

func (b BulkConfig) Budget() time.Duration {
	return time.Duration(b.BudgetMS) * time.Millisecond
}

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	MinIO struct {
		Enabled         bool   `mapstructure:"enabled"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		BucketName      string `mapstructure:"bucket_name"`
		UseSSL          bool   `mapstructure:"use_ssl"`
		ArchiveRaw      bool   `mapstructure:"archive_raw"`
	} `mapstructure:"minio"`
	SerpAPI struct {
		BaseURL             string `mapstructure:"base_url"`
		DefaultDailyLimit   int    `mapstructure:"default_daily_limit"`
		DefaultMonthlyLimit int    `mapstructure:"default_monthly_limit"`
	} `mapstructure:"serpapi"`
	CustomSearch struct {
		BaseURL             string `mapstructure:"base_url"`
		DefaultDailyLimit   int    `mapstructure:"default_daily_limit"`
		DefaultMonthlyLimit int    `mapstructure:"default_monthly_limit"`
	} `mapstructure:"custom_search"`
	Pool    PoolConfig `mapstructure:"pool"`
	Bulk    BulkConfig `mapstructure:"bulk"`
	Cleanup struct {
		RetentionDays int `mapstructure:"retention_days"`
	} `mapstructure:"cleanup"`
	RateLimit struct {
		WindowMS int `mapstructure:"window_ms"`
		Max      int `mapstructure:"max"`
	} `mapstructure:"rate_limit"`
}

// DSN builds the postgres connection string from the database section.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
	)
}

func LoadConfig(path string) (config Config, err error) {
	setDefaults()

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindNumberedEntries()

	if err = viper.ReadInConfig(); err != nil {
		// The config file is optional: every key has a default and can be
		// supplied through the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.max_body_bytes", 1<<20)

	viper.SetDefault("log.level", "info")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "serptrack")
	viper.SetDefault("database.dbname", "serptrack")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("minio.enabled", false)
	viper.SetDefault("minio.bucket_name", "serptrack-raw")
	viper.SetDefault("minio.archive_raw", false)

	viper.SetDefault("serpapi.base_url", "https://serpapi.com")
	viper.SetDefault("serpapi.default_daily_limit", 100)
	viper.SetDefault("serpapi.default_monthly_limit", 250)

	viper.SetDefault("custom_search.base_url", "https://www.googleapis.com")
	viper.SetDefault("custom_search.default_daily_limit", 100)
	viper.SetDefault("custom_search.default_monthly_limit", 0)

	viper.SetDefault("pool.strategy", "priority")
	viper.SetDefault("pool.request_timeout_ms", 30_000)
	viper.SetDefault("pool.max_retries", 3)
	viper.SetDefault("pool.pause_ms", 60_000)

	viper.SetDefault("bulk.batch_size", 5)
	viper.SetDefault("bulk.inter_batch_delay_ms", 2_000)
	viper.SetDefault("bulk.max_concurrent", 2)
	viper.SetDefault("bulk.retry_enabled", true)
	viper.SetDefault("bulk.max_retries", 2)
	viper.SetDefault("bulk.adaptive_delay", true)
	viper.SetDefault("bulk.budget_ms", 290_000)

	viper.SetDefault("cleanup.retention_days", 90)

	viper.SetDefault("rate_limit.window_ms", 60_000)
	viper.SetDefault("rate_limit.max", 120)
}

// bindNumberedEntries makes serpapi.key_N style keys visible to AutomaticEnv.
// Viper only resolves env vars for keys it knows about, so the numbered
// entries are bound explicitly.
func bindNumberedEntries() {
	for i := 1; i <= maxNumberedEntries; i++ {
		for _, key := range []string{
			fmt.Sprintf("serpapi.key_%d", i),
			fmt.Sprintf("serpapi.daily_limit_%d", i),
			fmt.Sprintf("serpapi.monthly_limit_%d", i),
			fmt.Sprintf("custom_search.key_%d", i),
			fmt.Sprintf("custom_search.engine_id_%d", i),
			fmt.Sprintf("custom_search.daily_limit_%d", i),
			fmt.Sprintf("custom_search.monthly_limit_%d", i),
		} {
			_ = viper.BindEnv(key)
		}
	}
}

// SerpAPIEntries returns the configured native SERP credentials in entry
// order. Gaps in numbering are skipped, not treated as terminators.
func (c Config) SerpAPIEntries() []CredentialEntry {
	var entries []CredentialEntry
	for i := 1; i <= maxNumberedEntries; i++ {
		secret := strings.TrimSpace(viper.GetString(fmt.Sprintf("serpapi.key_%d", i)))
		if secret == "" {
			continue
		}
		entry := CredentialEntry{
			Secret:       secret,
			DailyLimit:   c.SerpAPI.DefaultDailyLimit,
			MonthlyLimit: c.SerpAPI.DefaultMonthlyLimit,
		}
		if v := viper.GetInt(fmt.Sprintf("serpapi.daily_limit_%d", i)); v > 0 {
			entry.DailyLimit = v
		}
		if v := viper.GetInt(fmt.Sprintf("serpapi.monthly_limit_%d", i)); v > 0 {
			entry.MonthlyLimit = v
		}
		entries = append(entries, entry)
	}
	return entries
}

// CustomSearchEntries returns the configured custom-search credentials.
// An entry without an engine id is invalid and skipped by the pool loader.
func (c Config) CustomSearchEntries() []CredentialEntry {
	var entries []CredentialEntry
	for i := 1; i <= maxNumberedEntries; i++ {
		secret := strings.TrimSpace(viper.GetString(fmt.Sprintf("custom_search.key_%d", i)))
		if secret == "" {
			continue
		}
		entry := CredentialEntry{
			Secret:       secret,
			EngineID:     strings.TrimSpace(viper.GetString(fmt.Sprintf("custom_search.engine_id_%d", i))),
			DailyLimit:   c.CustomSearch.DefaultDailyLimit,
			MonthlyLimit: c.CustomSearch.DefaultMonthlyLimit,
		}
		if v := viper.GetInt(fmt.Sprintf("custom_search.daily_limit_%d", i)); v > 0 {
			entry.DailyLimit = v
		}
		if v := viper.GetInt(fmt.Sprintf("custom_search.monthly_limit_%d", i)); v > 0 {
			entry.MonthlyLimit = v
		}
		entries = append(entries, entry)
	}
	return entries
}
