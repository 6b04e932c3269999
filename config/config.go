package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/venoajie/ws-streamer/internal/symbols"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Logging    LoggingConfig    `yaml:"logging"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Deribit    DeribitConfig    `yaml:"deribit"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Downloader DownloaderConfig `yaml:"downloader"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type DeribitConfig struct {
	WSURL             string               `yaml:"ws_url"`
	RestURL           string               `yaml:"rest_url"`
	Testnet           bool                 `yaml:"testnet"`
	Currencies        []string             `yaml:"currencies"`
	Resolutions       []string             `yaml:"resolutions"`
	SettlementPeriods []string             `yaml:"settlement_periods"`
	CloseTimeout      time.Duration        `yaml:"close_timeout"`
	Timeout           time.Duration        `yaml:"timeout"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
	Accounts          []AccountConfig      `yaml:"accounts"`
}

// AccountConfig names one sub-account. Credentials are usually left out of
// the YAML and resolved from DERIBIT_<ID>_CLIENT_ID / _CLIENT_SECRET.
type AccountConfig struct {
	ID           string `yaml:"id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	DB       int           `yaml:"db"`
	Channels RedisChannels `yaml:"channels"`
}

// RedisChannels names the pub/sub channels consumed by downstream services.
type RedisChannels struct {
	Portfolio   string `yaml:"portfolio"`
	SubAccounts string `yaml:"sub_accounts"`
	Ticker      string `yaml:"ticker"`
	MyTrades    string `yaml:"my_trades"`
	Trades      string `yaml:"trades"`
	Orders      string `yaml:"orders"`
	Chart       string `yaml:"chart"`
	Revision    string `yaml:"revision"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
	S3     S3Config     `yaml:"s3"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type DownloaderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	MaxWorkers        int           `yaml:"max_workers"`
	MaxRetries        int           `yaml:"max_retries"`
	KlinesLimit       int           `yaml:"klines_limit"`
	WeightLimit       int64         `yaml:"weight_limit"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerReset      time.Duration `yaml:"breaker_reset"`
}

// Environment specific configuration files override the default path when
// APP_ENV selects them.
var environmentConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.EventBuffer == 0 {
		cfg.Channels.EventBuffer = 1024
	}
	if cfg.Deribit.CloseTimeout == 0 {
		cfg.Deribit.CloseTimeout = 60 * time.Second
	}
	if cfg.Deribit.Timeout == 0 {
		cfg.Deribit.Timeout = 30 * time.Second
	}
	if len(cfg.Deribit.SettlementPeriods) == 0 {
		cfg.Deribit.SettlementPeriods = []string{"perpetual", "month", "week", "day"}
	}
	if cfg.Deribit.ConnectionPool.MaxIdleConns == 0 {
		cfg.Deribit.ConnectionPool.MaxIdleConns = 16
	}
	if cfg.Deribit.ConnectionPool.MaxConnsPerHost == 0 {
		cfg.Deribit.ConnectionPool.MaxConnsPerHost = 8
	}
	if cfg.Deribit.ConnectionPool.IdleConnTimeout == 0 {
		cfg.Deribit.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}

	ch := &cfg.Redis.Channels
	if ch.Portfolio == "" {
		ch.Portfolio = "portfolio"
	}
	if ch.SubAccounts == "" {
		ch.SubAccounts = "sub_accounts_update"
	}
	if ch.Ticker == "" {
		ch.Ticker = "ticker_update"
	}
	if ch.MyTrades == "" {
		ch.MyTrades = "my_trades_any"
	}
	if ch.Trades == "" {
		ch.Trades = "trades_rt"
	}
	if ch.Orders == "" {
		ch.Orders = "orders_rt"
	}
	if ch.Chart == "" {
		ch.Chart = "chart_update"
	}
	if ch.Revision == "" {
		ch.Revision = "chart_low_high_tick"
	}

	dl := &cfg.Downloader
	if dl.BaseURL == "" {
		dl.BaseURL = "https://api.binance.com"
	}
	if dl.MaxWorkers == 0 {
		dl.MaxWorkers = 15
	}
	if dl.MaxRetries == 0 {
		dl.MaxRetries = 5
	}
	if dl.KlinesLimit == 0 {
		dl.KlinesLimit = 1000
	}
	if dl.WeightLimit == 0 {
		dl.WeightLimit = 1200
	}
	if dl.RequestsPerSecond == 0 {
		dl.RequestsPerSecond = 10
	}
	if dl.BurstSize == 0 {
		dl.BurstSize = 5
	}
	if dl.BreakerThreshold == 0 {
		dl.BreakerThreshold = 5
	}
	if dl.BreakerReset == 0 {
		dl.BreakerReset = 300 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}

	for i := range cfg.Deribit.Accounts {
		cfg.Deribit.Accounts[i].resolveCredentials()
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

// resolveCredentials fills credentials from DERIBIT_<ID>_CLIENT_ID and
// DERIBIT_<ID>_CLIENT_SECRET so secrets stay out of the YAML file.
func (a *AccountConfig) resolveCredentials() {
	key := strings.ToUpper(strings.ReplaceAll(a.ID, "-", "_"))
	if v := os.Getenv("DERIBIT_" + key + "_CLIENT_ID"); v != "" {
		a.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DERIBIT_" + key + "_CLIENT_SECRET"); v != "" {
		a.ClientSecret = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.Version == "" {
		return fmt.Errorf("service.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Deribit.WSURL == "" {
		return fmt.Errorf("deribit.ws_url is required")
	}
	if cfg.Deribit.Testnet && IsProductionLike(AppEnvironment()) {
		return fmt.Errorf("deribit.testnet must be false in %s", AppEnvironment())
	}
	if cfg.Deribit.RestURL == "" {
		return fmt.Errorf("deribit.rest_url is required")
	}
	if len(cfg.Deribit.Currencies) == 0 {
		return fmt.Errorf("deribit.currencies must not be empty")
	}
	if len(cfg.Deribit.Resolutions) == 0 {
		return fmt.Errorf("deribit.resolutions must not be empty")
	}
	for _, resolution := range cfg.Deribit.Resolutions {
		if _, err := symbols.ResolutionMs(resolution); err != nil {
			return fmt.Errorf("deribit.resolutions: %w", err)
		}
	}
	if len(cfg.Deribit.Accounts) == 0 {
		return fmt.Errorf("deribit.accounts must not be empty")
	}
	for _, account := range cfg.Deribit.Accounts {
		if account.ID == "" {
			return fmt.Errorf("deribit.accounts entries require an id")
		}
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if cfg.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
