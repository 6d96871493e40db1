package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"autotask/internal/core"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Retention int
}

// DispatchConfig holds the polling loop settings.
type DispatchConfig struct {
	TickInterval time.Duration
	BatchSize    int
	Workers      int
}

// ExecConfig holds process execution settings.
type ExecConfig struct {
	DefaultTimeout time.Duration
	HomeDir        string
	AgentCommand   []string
}

// RetryConfig holds the default backoff policy plus an optional per-task
// policy file.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	PolicyFile      string
}

// AlertConfig holds critical-failure alert settings.
type AlertConfig struct {
	WebhookURL string
	Command    string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Dispatch DispatchConfig
	Exec     ExecConfig
	Retry    RetryConfig
	Alert    AlertConfig

	StateDir      string
	SeedFile      string
	Mode          string
	ShutdownGrace time.Duration
}

const (
	defaultAddr           = "0.0.0.0:7160"
	defaultLogLevel       = "info"
	defaultLogRetention   = 20
	defaultShutdownGrace  = 5 * time.Second
	defaultTickInterval   = 15 * time.Second
	defaultBatchSize      = 5
	defaultWorkers        = 4
	defaultTaskTimeout    = 300 * time.Second
	defaultMaxRetries     = 3
	defaultBaseDelay      = time.Minute
	defaultMaxDelay       = time.Hour
	defaultExpBase        = 2.0
	defaultAgentCommand   = "claude --dangerously-skip-permissions -p"
	defaultMode           = "serve"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvFloat returns the environment variable as float64 or default
func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// Load .env file if exists (silent fail if not present)
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "autotask", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("AUTOTASK_ADDR", defaultAddr),
			AuthToken: getEnvString("AUTOTASK_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("AUTOTASK_LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("AUTOTASK_LOG_RETENTION", defaultLogRetention),
		},
		Dispatch: DispatchConfig{
			TickInterval: getEnvDuration("AUTOTASK_TICK_INTERVAL", defaultTickInterval),
			BatchSize:    getEnvInt("AUTOTASK_BATCH_SIZE", defaultBatchSize),
			Workers:      getEnvInt("AUTOTASK_WORKERS", defaultWorkers),
		},
		Exec: ExecConfig{
			DefaultTimeout: getEnvDuration("AUTOTASK_DEFAULT_TIMEOUT", defaultTaskTimeout),
			HomeDir:        getEnvString("AUTOTASK_HOME_DIR", ""),
			AgentCommand:   strings.Fields(getEnvString("AUTOTASK_AGENT_COMMAND", defaultAgentCommand)),
		},
		Retry: RetryConfig{
			MaxRetries:      getEnvInt("AUTOTASK_MAX_RETRIES", defaultMaxRetries),
			BaseDelay:       getEnvDuration("AUTOTASK_RETRY_BASE_DELAY", defaultBaseDelay),
			MaxDelay:        getEnvDuration("AUTOTASK_RETRY_MAX_DELAY", defaultMaxDelay),
			ExponentialBase: getEnvFloat("AUTOTASK_RETRY_EXP_BASE", defaultExpBase),
			PolicyFile:      getEnvString("AUTOTASK_RETRY_POLICY_FILE", ""),
		},
		Alert: AlertConfig{
			WebhookURL: getEnvString("AUTOTASK_ALERT_WEBHOOK_URL", ""),
			Command:    getEnvString("AUTOTASK_ALERT_COMMAND", ""),
		},
		StateDir:      getEnvString("AUTOTASK_STATE_DIR", ""),
		SeedFile:      getEnvString("AUTOTASK_SEED_FILE", ""),
		Mode:          getEnvString("AUTOTASK_MODE", defaultMode),
		ShutdownGrace: getEnvDuration("AUTOTASK_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, seedFile, mode string
	var logRetention int
	var tickInterval, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store database and run logs")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&seedFile, "seed-file", "", "JSON file of task definitions to seed an empty store")
	flag.StringVar(&mode, "mode", "", "Run mode: serve or mcp")
	flag.IntVar(&logRetention, "log-retention", 0, "Number of recent run logs to retain per task")
	flag.DurationVar(&tickInterval, "tick-interval", 0, "Polling interval of the dispatch loop")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if logRetention > 0 {
		cfg.Log.Retention = logRetention
	}
	if tickInterval > 0 {
		cfg.Dispatch.TickInterval = tickInterval
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.Mode != "serve" && cfg.Mode != "mcp" {
		return nil, fmt.Errorf("invalid mode %q (expected serve or mcp)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Exec.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Exec.HomeDir = home
		}
	}
	if len(cfg.Exec.AgentCommand) == 0 {
		cfg.Exec.AgentCommand = strings.Fields(defaultAgentCommand)
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultLogRetention
	}
	if cfg.Dispatch.BatchSize < 1 {
		cfg.Dispatch.BatchSize = defaultBatchSize
	}
	if cfg.Dispatch.Workers < 1 {
		cfg.Dispatch.Workers = defaultWorkers
	}
	if cfg.Retry.ExponentialBase < 1 {
		cfg.Retry.ExponentialBase = defaultExpBase
	}

	return cfg, nil
}

// Policies builds the backoff policy set from the config, loading named
// per-task overrides from the policy file when one is configured.
func (c *Config) Policies() (core.Policies, error) {
	policies := core.Policies{
		Default: core.Policy{
			MaxRetries:      c.Retry.MaxRetries,
			BaseDelay:       c.Retry.BaseDelay,
			MaxDelay:        c.Retry.MaxDelay,
			ExponentialBase: c.Retry.ExponentialBase,
		},
	}
	if c.Retry.PolicyFile == "" {
		return policies, nil
	}
	data, err := os.ReadFile(c.Retry.PolicyFile)
	if err != nil {
		return policies, fmt.Errorf("read retry policy file: %w", err)
	}
	specs := map[string]retryOverrideSpec{}
	if err := json.Unmarshal(data, &specs); err != nil {
		return policies, fmt.Errorf("parse retry policy file: %w", err)
	}
	policies.ByName = map[string]core.RetryOverride{}
	for name, spec := range specs {
		override, err := spec.toOverride()
		if err != nil {
			return policies, fmt.Errorf("retry policy for %q: %w", name, err)
		}
		policies.ByName[name] = override
	}
	return policies, nil
}

// retryOverrideSpec is the on-disk shape of one named policy entry. Delays
// are Go duration strings ("90s", "5m").
type retryOverrideSpec struct {
	MaxRetries *int   `json:"max_retries"`
	BaseDelay  string `json:"base_delay"`
	MaxDelay   string `json:"max_delay"`
	Critical   *bool  `json:"critical"`
}

func (s retryOverrideSpec) toOverride() (core.RetryOverride, error) {
	override := core.RetryOverride{MaxRetries: s.MaxRetries, Critical: s.Critical}
	if s.BaseDelay != "" {
		d, err := time.ParseDuration(s.BaseDelay)
		if err != nil {
			return override, fmt.Errorf("invalid base_delay %q: %w", s.BaseDelay, err)
		}
		override.BaseDelay = &d
	}
	if s.MaxDelay != "" {
		d, err := time.ParseDuration(s.MaxDelay)
		if err != nil {
			return override, fmt.Errorf("invalid max_delay %q: %w", s.MaxDelay, err)
		}
		override.MaxDelay = &d
	}
	return override, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "autotask")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
