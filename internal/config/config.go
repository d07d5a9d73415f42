package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

type Config struct {
	// DBSource is optional; when empty the ledger and the state stores are kept in memory.
	DBSource          string            `yaml:"db_source"`
	Port              string            `yaml:"port"`
	Env               string            `yaml:"env"`
	LogLevel          string            `yaml:"log_level"`
	Network           ledger.Network    `yaml:"network"`
	Commitment        ledger.Commitment `yaml:"commitment"`
	SubmitTimeout     time.Duration     `yaml:"submit_timeout"`
	PollInterval      time.Duration     `yaml:"poll_interval"`
	DefaultNetworkFee uint64            `yaml:"default_network_fee"`
	CleanupInterval   time.Duration     `yaml:"cleanup_interval"`
	StatusCacheSize   int               `yaml:"status_cache_size"`
	// LedgerFee and MaxCheckpointAge configure the bundled ledger backends.
	LedgerFee        uint64 `yaml:"ledger_fee"`
	MaxCheckpointAge uint64 `yaml:"max_checkpoint_age"`
}

func Default() Config {
	return Config{
		Port:              "8080",
		Env:               "development",
		LogLevel:          "info",
		Network:           ledger.Devnet,
		Commitment:        ledger.Confirmed,
		SubmitTimeout:     30 * time.Second,
		PollInterval:      50 * time.Millisecond,
		DefaultNetworkFee: 5000,
		CleanupInterval:   5 * time.Minute,
		StatusCacheSize:   1024,
		LedgerFee:         5000,
		MaxCheckpointAge:  150,
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if
// any), then environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := mergeYAML(&cfg, f); err != nil {
			return nil, err
		}
	}

	if err := mergeEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// mergeYAML expands ${VAR} and ${VAR:-default} references before decoding.
func mergeYAML(cfg *Config, src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			if val, ok := os.LookupEnv(key[:i]); ok {
				return val
			}
			return key[i+2:]
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("config file expects environment variables %v", missing)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

var envMappings = map[string]func(cfg *Config, val string) error{
	"DB_SOURCE":   func(cfg *Config, val string) error { cfg.DBSource = val; return nil },
	"SERVER_PORT": func(cfg *Config, val string) error { cfg.Port = val; return nil },
	"ENVIRONMENT": func(cfg *Config, val string) error { cfg.Env = val; return nil },
	"LOG_LEVEL":   func(cfg *Config, val string) error { cfg.LogLevel = val; return nil },
	"LEDGER_NETWORK": func(cfg *Config, val string) error {
		cfg.Network = ledger.Network(val)
		return nil
	},
	"COMMITMENT": func(cfg *Config, val string) error {
		cfg.Commitment = ledger.Commitment(val)
		return nil
	},
	"SUBMIT_TIMEOUT":      durationEnv(func(cfg *Config) *time.Duration { return &cfg.SubmitTimeout }),
	"POLL_INTERVAL":       durationEnv(func(cfg *Config) *time.Duration { return &cfg.PollInterval }),
	"CLEANUP_INTERVAL":    durationEnv(func(cfg *Config) *time.Duration { return &cfg.CleanupInterval }),
	"DEFAULT_NETWORK_FEE": uintEnv(func(cfg *Config) *uint64 { return &cfg.DefaultNetworkFee }),
	"LEDGER_FEE":          uintEnv(func(cfg *Config) *uint64 { return &cfg.LedgerFee }),
	"MAX_CHECKPOINT_AGE":  uintEnv(func(cfg *Config) *uint64 { return &cfg.MaxCheckpointAge }),
	"STATUS_CACHE_SIZE": func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		cfg.StatusCacheSize = n
		return nil
	},
}

func durationEnv(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

func uintEnv(field func(*Config) *uint64) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

// mergeEnv applies every set variable and reports all malformed ones together.
func mergeEnv(cfg *Config) error {
	var errs error
	for key, apply := range envMappings {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := apply(cfg, val); err != nil {
			errs = errors.Join(errs, fmt.Errorf("env %s: %w", key, err))
		}
	}
	return errs
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs error
	if c.Port == "" {
		errs = errors.Join(errs, errors.New("port is required"))
	}
	if _, err := ledger.MintFor(c.Network); err != nil {
		errs = errors.Join(errs, err)
	}
	if !c.Commitment.Valid() {
		errs = errors.Join(errs, fmt.Errorf("unknown commitment %q", c.Commitment))
	}
	if c.SubmitTimeout <= 0 {
		errs = errors.Join(errs, errors.New("submit_timeout must be positive"))
	}
	if c.PollInterval <= 0 || c.PollInterval > c.SubmitTimeout {
		errs = errors.Join(errs, errors.New("poll_interval must be positive and below submit_timeout"))
	}
	if c.CleanupInterval <= 0 {
		errs = errors.Join(errs, errors.New("cleanup_interval must be positive"))
	}
	if c.StatusCacheSize < 0 {
		errs = errors.Join(errs, errors.New("status_cache_size cannot be negative"))
	}
	if c.MaxCheckpointAge == 0 {
		errs = errors.Join(errs, errors.New("max_checkpoint_age must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
