package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the chore trader.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Broker     Broker     `yaml:"broker"`
	Logging    Logging    `yaml:"logging"`
	Trading    Trading    `yaml:"trading"`
	MarketData MarketData `yaml:"marketdata"`
	Kafka      Kafka      `yaml:"kafka"`
}

// Storage holds paths for data persistence.
type Storage struct {
	// DataDir is the root of the parquet ledger archive.
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	BoltPath   string `yaml:"bolt_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr is the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr is the health service listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Paper     bool   `yaml:"paper"`
}

// Broker selects and tunes the broker adapter.
type Broker struct {
	Kind            string        `yaml:"kind"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Trading holds the order-control policy and basket cycle parameters.
type Trading struct {
	BreachPct          float64       `yaml:"breach_pct"`
	BreachTicks        int           `yaml:"breach_ticks"`
	MaxQty             int64         `yaml:"max_qty"`
	MaxNotional        float64       `yaml:"max_notional"`
	SoftAmend          bool          `yaml:"soft_amend"`
	SoftAmendRetries   int           `yaml:"soft_amend_retries"`
	SoftAmendSleep     time.Duration `yaml:"soft_amend_sleep"`
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	FastCycleInterval  time.Duration `yaml:"fast_cycle_interval"`
	MDStaleAfter       time.Duration `yaml:"md_stale_after"`
	MDMaxResubscribe   int           `yaml:"md_max_resubscribe"`
	MaxSubmitRetries   int           `yaml:"max_submit_retries"`
	BatchCancelTimeout time.Duration `yaml:"batch_cancel_timeout"`
	DefaultAccount     string        `yaml:"default_account"`
	DefaultExchange    string        `yaml:"default_exchange"`
}

// MarketData selects where top-of-book quotes come from.
type MarketData struct {
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Symbols      []string      `yaml:"symbols"`
	TickSize     float64       `yaml:"tick_size"`
	Redis        Redis         `yaml:"redis"`
}

// Redis locates the externally-owned quote hashes.
type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// Kafka configures ledger publishing. An empty topic disables it.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether ledger entries should be published.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	setDefault(&c.Storage.DataDir, "data")
	setDefault(&c.Storage.SQLitePath, "chorelink.db")
	setDefault(&c.Storage.BoltPath, "basket.db")
	setDefault(&c.Server.Host, "127.0.0.1")
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	setDefault(&c.Broker.Kind, "simulator")
	setDuration(&c.Broker.ConnectTimeout, 10*time.Second)
	setDuration(&c.Broker.RequestTimeout, 5*time.Second)
	setDuration(&c.Broker.SettleDelay, time.Second)
	if c.Broker.RateLimitPerMin == 0 {
		c.Broker.RateLimitPerMin = 200
	}
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")

	t := &c.Trading
	if t.BreachPct == 0 && t.BreachTicks == 0 {
		t.BreachPct = 0.01
		t.BreachTicks = 10
	}
	if t.SoftAmendRetries == 0 {
		t.SoftAmendRetries = 10
	}
	setDuration(&t.SoftAmendSleep, 500*time.Millisecond)
	setDuration(&t.CycleInterval, 5*time.Second)
	setDuration(&t.FastCycleInterval, 500*time.Millisecond)
	setDuration(&t.MDStaleAfter, 30*time.Second)
	if t.MDMaxResubscribe == 0 {
		t.MDMaxResubscribe = 3
	}
	if t.MaxSubmitRetries == 0 {
		t.MaxSubmitRetries = 3
	}
	setDuration(&t.BatchCancelTimeout, 10*time.Second)
	setDefault(&t.DefaultExchange, "SMART")

	setDefault(&c.MarketData.Source, "static")
	setDuration(&c.MarketData.PollInterval, time.Second)
	if c.MarketData.TickSize == 0 {
		c.MarketData.TickSize = 0.01
	}
}

// Validate rejects settings the trader cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "alpaca", "simulator":
	default:
		return fmt.Errorf("broker.kind %q: want alpaca or simulator", c.Broker.Kind)
	}
	switch c.MarketData.Source {
	case "alpaca", "redis", "static":
	default:
		return fmt.Errorf("marketdata.source %q: want alpaca, redis or static", c.MarketData.Source)
	}
	if c.MarketData.Source == "redis" && len(c.MarketData.Redis.Addrs) == 0 {
		return fmt.Errorf("marketdata.redis.addrs is required for the redis source")
	}
	if c.Broker.Kind == "alpaca" && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca credentials are required for the alpaca broker")
	}
	if c.Trading.BreachPct < 0 || c.Trading.BreachTicks < 0 {
		return fmt.Errorf("trading breach thresholds must not be negative")
	}
	return nil
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func setDuration(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHORELINK_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("CHORELINK_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv("REDIS_ADDRS"); v != "" {
		cfg.MarketData.Redis.Addrs = splitList(v)
	}

	// Standard Alpaca env vars take precedence; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
