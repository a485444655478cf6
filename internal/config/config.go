package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the daemon.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Market    MarketConfig    `mapstructure:"market"`
	Collector CollectorConfig `mapstructure:"collector"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// MarketConfig selects the Binance venue and the symbols to record.
type MarketConfig struct {
	Venue   string   `mapstructure:"venue"`
	Testnet bool     `mapstructure:"testnet"`
	Symbols []string `mapstructure:"symbols"`
	TopN    int      `mapstructure:"top_n"`
}

// CollectorConfig tunes backfill and reconnect behaviour.
type CollectorConfig struct {
	Interval       string        `mapstructure:"interval"`
	BackfillLimit  int           `mapstructure:"backfill_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// HTTPConfig defines the listen address for metrics and health probes.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig defines the logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Credentials is the Binance API key pair. It is read from the environment
// only and never written to config files or the database.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Present reports whether both halves of the key pair are set.
func (c Credentials) Present() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// LoadCredentials reads the Binance key pair from the environment.
func LoadCredentials() Credentials {
	return Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		APISecret: os.Getenv("BINANCE_API_SECRET"),
	}
}

// LoadConfig reads configuration from a yaml file and environment variables.
// With an empty path it searches the working directory and falls back to
// defaults when no file exists; an explicit path must exist. BINFEED_-prefixed
// environment variables override file values.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("BINFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("market.venue", "futures")
	v.SetDefault("market.testnet", false)
	v.SetDefault("market.top_n", 5)
	v.SetDefault("collector.interval", "1m")
	v.SetDefault("collector.backfill_limit", 300)
	v.SetDefault("collector.request_timeout", "10s")
	v.SetDefault("collector.reconnect_min", "1s")
	v.SetDefault("collector.reconnect_max", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "binfeed")
	// Unmarshal only visits keys viper knows about, so even an empty-valued
	// key needs a default for its environment override to be seen.
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "binfeed")
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// Validate rejects settings that would otherwise fail deep inside the daemon.
func (c *Config) Validate() error {
	switch c.Market.Venue {
	case "spot", "futures":
	default:
		return fmt.Errorf("market.venue must be spot or futures, got %q", c.Market.Venue)
	}
	if strings.TrimSpace(c.Collector.Interval) == "" {
		return fmt.Errorf("collector.interval must not be empty")
	}
	if c.Collector.BackfillLimit <= 0 {
		return fmt.Errorf("collector.backfill_limit must be positive")
	}
	if c.Collector.ReconnectMin <= 0 || c.Collector.ReconnectMax < c.Collector.ReconnectMin {
		return fmt.Errorf("collector reconnect bounds are invalid")
	}
	if len(c.Market.Symbols) == 0 && c.Market.TopN <= 0 {
		return fmt.Errorf("market.top_n must be positive when no symbols are configured")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	return nil
}
