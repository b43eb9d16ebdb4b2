// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds fleet configuration.
type Config struct {
	RPCURL  string `toml:"rpc_url" yaml:"rpc_url"`
	ChainID int64  `toml:"chain_id" yaml:"chain_id"` // 0 = ask the node

	KeysFile  string `toml:"keys_file" yaml:"keys_file"` // empty = built-in test keys
	ProxyFile string `toml:"proxy_file" yaml:"proxy_file"`

	// Lease pool
	ConnectionLimit int           `toml:"connection_limit" yaml:"connection_limit"`
	Cooldown        time.Duration `toml:"cooldown" yaml:"cooldown"`
	MinCooldown     time.Duration `toml:"min_cooldown" yaml:"min_cooldown"`
	NonceShards     int           `toml:"nonce_shards" yaml:"nonce_shards"`

	// Proxies
	ProxyBan          time.Duration `toml:"proxy_ban" yaml:"proxy_ban"`
	RecheckInterval   time.Duration `toml:"recheck_interval" yaml:"recheck_interval"`
	ScanConcurrency   int           `toml:"scan_concurrency" yaml:"scan_concurrency"`
	MinHealthyProxies int           `toml:"min_healthy_proxies" yaml:"min_healthy_proxies"`
	ProbeTimeout      time.Duration `toml:"probe_timeout" yaml:"probe_timeout"`

	// Workers
	Workers     int           `toml:"workers" yaml:"workers"`
	TaskTimeout time.Duration `toml:"task_timeout" yaml:"task_timeout"`
	IntervalMin time.Duration `toml:"interval_min" yaml:"interval_min"`
	IntervalMax time.Duration `toml:"interval_max" yaml:"interval_max"`
	TPS         float64       `toml:"tps" yaml:"tps"` // 0 = unlimited
	GasTipCap   int64         `toml:"gas_tip_cap" yaml:"gas_tip_cap"` // 0 = from eth_gasPrice
	GasFeeCap   int64         `toml:"gas_fee_cap" yaml:"gas_fee_cap"` // 0 = 2x eth_gasPrice
	LegacyTx    bool          `toml:"legacy_tx" yaml:"legacy_tx"`

	// Result sink
	ChannelCapacity int           `toml:"channel_capacity" yaml:"channel_capacity"`
	BatchSize       int           `toml:"batch_size" yaml:"batch_size"`
	FlushInterval   time.Duration `toml:"flush_interval" yaml:"flush_interval"`
	OverflowPolicy  string        `toml:"overflow_policy" yaml:"overflow_policy"`
	DatabasePath    string        `toml:"database_path" yaml:"database_path"`
	KafkaBrokers    string        `toml:"kafka_brokers" yaml:"kafka_brokers"` // comma-separated, empty = disabled
	KafkaTopic      string        `toml:"kafka_topic" yaml:"kafka_topic"`

	// HTTP API and logging
	ListenAddr         string `toml:"listen" yaml:"listen"`
	CORSAllowedOrigins string `toml:"cors_allowed_origins" yaml:"cors_allowed_origins"`
	LogLevel           string `toml:"log_level" yaml:"log_level"`
	LogFile            string `toml:"log_file" yaml:"log_file"` // empty = stdout only
}

// Defaults
const (
	DefaultRPCURL             = "http://localhost:8545"
	DefaultConnectionLimit    = 500
	DefaultCooldown           = 4 * time.Second
	DefaultMinCooldown        = 1 * time.Second
	DefaultNonceShards        = 16
	DefaultProxyBan           = 10 * time.Minute
	DefaultRecheckInterval    = time.Minute
	DefaultScanConcurrency    = 50
	DefaultMinHealthyProxies  = 10
	DefaultProbeTimeout       = 5 * time.Second
	DefaultWorkers            = 10
	DefaultTaskTimeout        = 60 * time.Second
	DefaultIntervalMin        = 500 * time.Millisecond
	DefaultIntervalMax        = 2 * time.Second
	DefaultChannelCapacity    = 1000
	DefaultBatchSize          = 200
	DefaultFlushInterval      = 200 * time.Millisecond
	DefaultOverflowPolicy     = "drop-warn"
	DefaultDatabasePath       = "./data/txfleet.db"
	DefaultKafkaTopic         = "txfleet-results"
	DefaultListenAddr         = ":3001"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
)

// Default returns a config with every field at its default.
func Default() *Config {
	return &Config{
		RPCURL:             DefaultRPCURL,
		ConnectionLimit:    DefaultConnectionLimit,
		Cooldown:           DefaultCooldown,
		MinCooldown:        DefaultMinCooldown,
		NonceShards:        DefaultNonceShards,
		ProxyBan:           DefaultProxyBan,
		RecheckInterval:    DefaultRecheckInterval,
		ScanConcurrency:    DefaultScanConcurrency,
		MinHealthyProxies:  DefaultMinHealthyProxies,
		ProbeTimeout:       DefaultProbeTimeout,
		Workers:            DefaultWorkers,
		TaskTimeout:        DefaultTaskTimeout,
		IntervalMin:        DefaultIntervalMin,
		IntervalMax:        DefaultIntervalMax,
		ChannelCapacity:    DefaultChannelCapacity,
		BatchSize:          DefaultBatchSize,
		FlushInterval:      DefaultFlushInterval,
		OverflowPolicy:     DefaultOverflowPolicy,
		DatabasePath:       DefaultDatabasePath,
		KafkaTopic:         DefaultKafkaTopic,
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads configuration from the process arguments and environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:], os.Getenv)
}

// LoadArgs builds a config from defaults, then the -config file, then
// environment variables, then command-line flags; each layer overrides the
// one before it.
func LoadArgs(args []string, getenv func(string) string) (*Config, error) {
	// First pass only discovers -config.
	var path string
	probe := newFlagSet(Default(), &path)
	if err := probe.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := newFlagSet(cfg, &path)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("txfleet", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(path, "config", *path, "Config file (.toml, .yaml or .yml)")
	fs.StringVar(&cfg.RPCURL, "rpc", cfg.RPCURL, "Node RPC URL")
	fs.Int64Var(&cfg.ChainID, "chainid", cfg.ChainID, "Chain ID (0 = ask the node)")
	fs.StringVar(&cfg.KeysFile, "keys", cfg.KeysFile, "Private key file, one hex key per line")
	fs.StringVar(&cfg.ProxyFile, "proxies", cfg.ProxyFile, "Proxy list file")

	fs.IntVar(&cfg.ConnectionLimit, "connection-limit", cfg.ConnectionLimit, "Maximum concurrent wallet leases")
	fs.DurationVar(&cfg.Cooldown, "cooldown", cfg.Cooldown, "Wallet cooldown after a send")
	fs.DurationVar(&cfg.MinCooldown, "min-cooldown", cfg.MinCooldown, "Cooldown floor")
	fs.IntVar(&cfg.NonceShards, "nonce-shards", cfg.NonceShards, "Nonce manager shards")

	fs.DurationVar(&cfg.ProxyBan, "proxy-ban", cfg.ProxyBan, "How long a failing proxy stays banned")
	fs.DurationVar(&cfg.RecheckInterval, "recheck-interval", cfg.RecheckInterval, "Banned proxy recheck interval")
	fs.IntVar(&cfg.ScanConcurrency, "scan-concurrency", cfg.ScanConcurrency, "Concurrent proxy probes")
	fs.IntVar(&cfg.MinHealthyProxies, "min-healthy-proxies", cfg.MinHealthyProxies, "Healthy proxies needed before start")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Proxy probe timeout")

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent workers")
	fs.DurationVar(&cfg.TaskTimeout, "task-timeout", cfg.TaskTimeout, "Per-task timeout")
	fs.DurationVar(&cfg.IntervalMin, "interval-min", cfg.IntervalMin, "Minimum pause between tasks")
	fs.DurationVar(&cfg.IntervalMax, "interval-max", cfg.IntervalMax, "Maximum pause between tasks")
	fs.Float64Var(&cfg.TPS, "tps", cfg.TPS, "Fleet-wide task start rate (0 = unlimited)")
	fs.Int64Var(&cfg.GasTipCap, "gastipcap", cfg.GasTipCap, "EIP-1559 priority fee in wei (0 = auto)")
	fs.Int64Var(&cfg.GasFeeCap, "gasfeecap", cfg.GasFeeCap, "EIP-1559 max fee per gas in wei (0 = auto)")
	fs.BoolVar(&cfg.LegacyTx, "legacy", cfg.LegacyTx, "Send legacy transactions")

	fs.IntVar(&cfg.ChannelCapacity, "result-capacity", cfg.ChannelCapacity, "Result queue capacity")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Results per database batch")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Result flush interval")
	fs.StringVar(&cfg.OverflowPolicy, "overflow", cfg.OverflowPolicy, "Result queue overflow policy (drop, drop-warn, block)")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite database path")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Comma-separated Kafka brokers for results")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for results")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address (empty = disabled)")
	fs.StringVar(&cfg.CORSAllowedOrigins, "cors", cfg.CORSAllowedOrigins, "Allowed CORS origins")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Rotated log file")
	return fs
}

func (c *Config) loadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file %q (want .toml, .yaml or .yml)", path)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("RPC_URL", &c.RPCURL)
	str("KEYS_FILE", &c.KeysFile)
	str("PROXY_FILE", &c.ProxyFile)
	str("OVERFLOW_POLICY", &c.OverflowPolicy)
	str("DATABASE_PATH", &c.DatabasePath)
	str("KAFKA_BROKERS", &c.KafkaBrokers)
	str("KAFKA_TOPIC", &c.KafkaTopic)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)

	if v := getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		c.ChainID = id
	}
	if v := getenv("TPS"); v != "" {
		tps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TPS: %w", err)
		}
		c.TPS = tps
	}

	return errors.Join(
		num("WORKERS", &c.Workers),
		num("CONNECTION_LIMIT", &c.ConnectionLimit),
		num("NONCE_SHARDS", &c.NonceShards),
		num("SCAN_CONCURRENCY", &c.ScanConcurrency),
		num("BATCH_SIZE", &c.BatchSize),
		num("RESULT_CAPACITY", &c.ChannelCapacity),
		dur("COOLDOWN", &c.Cooldown),
		dur("MIN_COOLDOWN", &c.MinCooldown),
		dur("PROXY_BAN", &c.ProxyBan),
		dur("TASK_TIMEOUT", &c.TaskTimeout),
		dur("FLUSH_INTERVAL", &c.FlushInterval),
	)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.ChainID < 0 {
		return fmt.Errorf("chain ID cannot be negative")
	}
	if c.ConnectionLimit <= 0 {
		return fmt.Errorf("connection limit must be positive")
	}
	if c.Cooldown < 0 || c.MinCooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if c.NonceShards <= 0 {
		return fmt.Errorf("nonce shards must be positive")
	}
	if c.ProxyBan <= 0 {
		return fmt.Errorf("proxy ban duration must be positive")
	}
	if c.ScanConcurrency <= 0 {
		return fmt.Errorf("scan concurrency must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive")
	}
	if c.IntervalMin < 0 || c.IntervalMax < c.IntervalMin {
		return fmt.Errorf("invalid task interval [%s, %s]", c.IntervalMin, c.IntervalMax)
	}
	if c.TPS < 0 {
		return fmt.Errorf("TPS cannot be negative")
	}
	if c.GasTipCap < 0 || c.GasFeeCap < 0 {
		return fmt.Errorf("gas caps cannot be negative")
	}
	if c.GasFeeCap > 0 && c.GasTipCap > c.GasFeeCap {
		return fmt.Errorf("gas tip cap %d exceeds fee cap %d", c.GasTipCap, c.GasFeeCap)
	}
	if c.ChannelCapacity <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("result capacity and batch size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	switch strings.ToLower(c.OverflowPolicy) {
	case "drop", "drop-warn", "hybrid", "block":
	default:
		return fmt.Errorf("invalid overflow policy: %s", c.OverflowPolicy)
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Brokers returns the Kafka broker list, or nil when Kafka is disabled.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}
