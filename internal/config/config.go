package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"marketsync/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	Logging logging.Config `mapstructure:"logging"`
	Network NetworkConfig  `mapstructure:"network"`
	Prices  PricesConfig   `mapstructure:"prices"`
	Remote  RemoteConfig   `mapstructure:"remote"`
	Sync    SyncConfig     `mapstructure:"sync"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Server  ServerConfig   `mapstructure:"server"`
	Export  ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata and local data placement.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	DataDir     string `mapstructure:"data_dir"`
}

// NetworkConfig governs outbound request policy.
type NetworkConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// PricesConfig points at the price feed endpoints.
type PricesConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// RemoteConfig points at the application content endpoints
// (channel lists, resources, pinned news, ads, update manifest).
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// SyncConfig tunes the orchestrator timers.
type SyncConfig struct {
	NamesRefresh       time.Duration `mapstructure:"names_refresh"`
	SavePrices         time.Duration `mapstructure:"save_prices"`
	ChannelListRefresh time.Duration `mapstructure:"channel_list_refresh"`
	Housekeeping       time.Duration `mapstructure:"housekeeping"`
	FirstUpdateCheck   time.Duration `mapstructure:"first_update_check"`
	UpdateCheck        time.Duration `mapstructure:"update_check"`
	ValuesPageSize     int           `mapstructure:"values_page_size"`
}

// ArchiveConfig selects and configures the price-sample archive.
type ArchiveConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig configures the local snapshot API.
type ServerConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Archive driver names accepted by ArchiveConfig.Driver.
const (
	ArchiveDriverOff      = "off"
	ArchiveDriverSQLite   = "sqlite"
	ArchiveDriverPostgres = "postgres"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketsync")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("network.timeout", "10s")
	v.SetDefault("network.user_agent", "marketsync/1.0")

	v.SetDefault("prices.base_url", "https://http-api.livecoinwatch.com")
	v.SetDefault("remote.base_url", "https://api.bettergram.io/v1")

	v.SetDefault("sync.names_refresh", "24h")
	v.SetDefault("sync.save_prices", "2h")
	v.SetDefault("sync.channel_list_refresh", "2h")
	v.SetDefault("sync.housekeeping", "24h")
	v.SetDefault("sync.first_update_check", "2m")
	v.SetDefault("sync.update_check", "10h")
	v.SetDefault("sync.values_page_size", 50)

	v.SetDefault("archive.driver", ArchiveDriverSQLite)
	v.SetDefault("archive.sqlite_path", "data/archive.db")
	v.SetDefault("archive.max_open_conns", 10)
	v.SetDefault("archive.min_idle_conns", 2)
	v.SetDefault("archive.conn_max_lifetime", "30m")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.App.DataDir == "" {
		return fmt.Errorf("app.data_dir must be set")
	}
	if c.Network.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be greater than zero")
	}
	if c.Prices.BaseURL == "" {
		return fmt.Errorf("prices.base_url must be set")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url must be set")
	}
	if c.Sync.ValuesPageSize <= 0 {
		return fmt.Errorf("sync.values_page_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	switch c.Archive.Driver {
	case ArchiveDriverOff:
	case ArchiveDriverSQLite:
		if c.Archive.SQLitePath == "" {
			return fmt.Errorf("archive.sqlite_path must be set for the sqlite driver")
		}
	case ArchiveDriverPostgres:
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("archive.driver must be one of off, sqlite, postgres")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when the server is enabled")
	}
	return nil
}

// PricesURL joins a path below the price feed base.
func (c *Config) PricesURL(path string) string {
	return strings.TrimRight(c.Prices.BaseURL, "/") + path
}

// RemoteURL joins a path below the content API base.
func (c *Config) RemoteURL(path string) string {
	return strings.TrimRight(c.Remote.BaseURL, "/") + path
}

// ResourcesCachePath is the on-disk cache for the raw resource-group payload.
func (c *Config) ResourcesCachePath() string {
	return filepath.Join(c.App.DataDir, "resources.json")
}
