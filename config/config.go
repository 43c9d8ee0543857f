package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	OrderStore OrderStoreConfig `mapstructure:"order_store"`
	Market     MarketConfig     `mapstructure:"market"`
	Bybit      BybitConfig      `mapstructure:"bybit"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
}

type EngineConfig struct {
	Symbol       string        `mapstructure:"symbol"`
	QuoteAsset   string        `mapstructure:"quote_asset"`
	BaseAsset    string        `mapstructure:"base_asset"`
	InitialQuote float64       `mapstructure:"initial_quote"`
	InitialBase  float64       `mapstructure:"initial_base"`
	InitialPrice float64       `mapstructure:"initial_price"`
	FillLatency  time.Duration `mapstructure:"fill_latency"`
	FillInterval time.Duration `mapstructure:"fill_interval"`
}

type RiskConfig struct {
	MaxOrderQty      string   `mapstructure:"max_order_qty"`      // decimal string, empty disables
	MaxOrderNotional string   `mapstructure:"max_order_notional"` // decimal string, empty disables
	OrderThrottle    float64  `mapstructure:"order_throttle"`     // orders per second, 0 disables
	AllowedSymbols   []string `mapstructure:"allowed_symbols"`
}

type SnapshotConfig struct {
	Dir          string        `mapstructure:"dir"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxSnapshots int           `mapstructure:"max_snapshots"`
	RestoreMode  string        `mapstructure:"restore_mode"` // "price" or "full"
}

type OrderStoreConfig struct {
	Backend   string `mapstructure:"backend"` // "memory", "pebble" or "postgres"
	PebbleDir string `mapstructure:"pebble_dir"`
}

type MarketConfig struct {
	Source       string        `mapstructure:"source"` // "simulated" or "bybit"
	Category     string        `mapstructure:"category"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Volatility   float64       `mapstructure:"volatility"`
}

type BybitConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}
type WSConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"` // empty disables the query API
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.symbol", "BTCUSDT")
	v.SetDefault("engine.quote_asset", "USDT")
	v.SetDefault("engine.base_asset", "BTC")
	v.SetDefault("engine.initial_quote", 100000.0)
	v.SetDefault("engine.initial_base", 0.0)
	v.SetDefault("engine.initial_price", 50000.0)
	v.SetDefault("engine.fill_latency", 300*time.Millisecond)
	v.SetDefault("engine.fill_interval", 20*time.Millisecond)

	v.SetDefault("risk.order_throttle", 0.0)

	v.SetDefault("snapshot.dir", "./snapshots")
	v.SetDefault("snapshot.interval", 10*time.Second)
	v.SetDefault("snapshot.max_snapshots", 10)
	v.SetDefault("snapshot.restore_mode", "price")

	v.SetDefault("order_store.backend", "memory")
	v.SetDefault("order_store.pebble_dir", "./data/orders")

	v.SetDefault("market.source", "simulated")
	v.SetDefault("market.category", "linear")
	v.SetDefault("market.tick_interval", time.Second)
	v.SetDefault("market.volatility", 0.0005)

	v.SetDefault("bybit.rest.base_url", "https://api.bybit.com")
	v.SetDefault("bybit.rest.timeout", 10*time.Second)
	v.SetDefault("bybit.ws.url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("bybit.ws.timeout", 10*time.Second)

	v.SetDefault("http.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.dbname", "simtrader")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
}

// Load loads application configuration using Viper.
// It reads .env, then config.yaml, and overrides with environment variables.
func Load() *Config {
	ex, _ := os.Executable()
	var dir string
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		dir = filepath.Join(pwd, "../../config")
	} else {
		dir = filepath.Join(filepath.Dir(ex), "../config")
	}
	if p := os.Getenv("SIMTRADER_CONFIG_PATH"); p != "" {
		dir = p
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom reads config.yaml from dir. A missing file is not an error; defaults apply.
func LoadFrom(dir string) (*Config, error) {
	// .env is optional and never overrides variables already set.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	// Support environment variables with dot notation (e.g., SNAPSHOT_DIR)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
