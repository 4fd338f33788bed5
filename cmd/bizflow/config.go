package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/eventbus"
)

// Config holds all bizflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath        string               `json:"db_path"`
	LogLevel      string               `json:"log_level"`
	LogFormat     string               `json:"log_format"`
	Workers       int                  `json:"workers"`
	EventBus      string               `json:"event_bus"`
	Kafka         eventbus.KafkaConfig `json:"kafka"`
	SweepInterval Duration             `json:"sweep_interval"`
	SeedTemplates bool                 `json:"seed_templates"`
	Tracing       bool                 `json:"tracing"`
	ServiceName   string               `json:"service_name"`
	Engine        EngineConfig         `json:"engine"`
	Breaker       BreakerConfig        `json:"breaker"`
	VaultSalt     string               `json:"vault_salt"`
	// Read from BIZFLOW_VAULT_PASSPHRASE only, never from settings.json.
	VaultPassphrase string `json:"-"`
}

// EngineConfig is the settings.json form of engine.Config.
type EngineConfig struct {
	MaxStepsPerRun      int      `json:"max_steps_per_run"`
	RetryBaseDelay      Duration `json:"retry_base_delay"`
	MaxRetryDelay       Duration `json:"max_retry_delay"`
	DefaultPollInterval Duration `json:"default_poll_interval"`
	DefaultWaitTimeout  Duration `json:"default_wait_timeout"`
	MaxDepth            int      `json:"max_depth"`
}

// BreakerConfig is the settings.json form of actions.BreakerConfig.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	Cooldown         Duration `json:"cooldown"`
	HalfOpenMax      int      `json:"half_open_max"`
}

// Duration reads "30s"-style strings as well as plain nanosecond numbers.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	eng := engine.DefaultConfig()
	brk := actions.DefaultBreakerConfig()
	return Config{
		DBPath:        filepath.Join(bizflowDir(), "bizflow.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		Workers:       8,
		EventBus:      "channel",
		Kafka:         eventbus.KafkaConfig{ConsumerGroup: "cg-bizflow"},
		SweepInterval: Duration(time.Minute),
		SeedTemplates: true,
		ServiceName:   "bizflow",
		VaultSalt:     "bizflow-vault",
		Engine: EngineConfig{
			MaxStepsPerRun:      eng.MaxStepsPerRun,
			RetryBaseDelay:      Duration(eng.RetryBaseDelay),
			MaxRetryDelay:       Duration(eng.MaxRetryDelay),
			DefaultPollInterval: Duration(eng.DefaultPollInterval),
			DefaultWaitTimeout:  Duration(eng.DefaultWaitTimeout),
			MaxDepth:            eng.MaxDepth,
		},
		Breaker: BreakerConfig{
			FailureThreshold: brk.FailureThreshold,
			Cooldown:         Duration(brk.Cooldown),
			HalfOpenMax:      brk.HalfOpenMax,
		},
	}
}

func bizflowDir() string {
	if v := os.Getenv("BIZFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bizflow"
	}
	return filepath.Join(home, ".bizflow")
}

func settingsPath() string {
	return filepath.Join(bizflowDir(), "settings.json")
}

// loadConfig layers settings.json and BIZFLOW_* env vars over the defaults.
// A settings file that exists but does not parse is an error.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	if v := os.Getenv("BIZFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BIZFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIZFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BIZFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("BIZFLOW_EVENT_BUS"); v != "" {
		cfg.EventBus = v
	}
	if v := os.Getenv("BIZFLOW_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("BIZFLOW_KAFKA_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("BIZFLOW_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("BIZFLOW_SEED_TEMPLATES"); v != "" {
		cfg.SeedTemplates = v == "true" || v == "1"
	}
	if v := os.Getenv("BIZFLOW_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}
	if v := os.Getenv("BIZFLOW_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	cfg.VaultPassphrase = os.Getenv("BIZFLOW_VAULT_PASSPHRASE")
	return cfg, nil
}

// validate rejects settings the wiring cannot honor.
func (c Config) validate() error {
	switch c.EventBus {
	case "channel", "kafka":
	default:
		return fmt.Errorf("unknown event bus %q (want channel or kafka)", c.EventBus)
	}
	if c.EventBus == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("event bus kafka needs at least one broker")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is empty")
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		MaxStepsPerRun:      c.Engine.MaxStepsPerRun,
		RetryBaseDelay:      time.Duration(c.Engine.RetryBaseDelay),
		MaxRetryDelay:       time.Duration(c.Engine.MaxRetryDelay),
		DefaultPollInterval: time.Duration(c.Engine.DefaultPollInterval),
		DefaultWaitTimeout:  time.Duration(c.Engine.DefaultWaitTimeout),
		MaxDepth:            c.Engine.MaxDepth,
	}
}

func (c Config) breakerConfig() actions.BreakerConfig {
	return actions.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         time.Duration(c.Breaker.Cooldown),
		HalfOpenMax:      c.Breaker.HalfOpenMax,
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
