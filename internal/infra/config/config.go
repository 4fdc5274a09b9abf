package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of agentcoord.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Registry    RegistryConfig    `yaml:"registry"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Routing     RoutingConfig     `yaml:"routing"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Activity    ActivityConfig    `yaml:"activity"`
	Includes    []string          `yaml:"includes,omitempty"`

	// Sources lists the files Load read, included fragments first and the
	// main file last.
	Sources []string `yaml:"-"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds OpenTelemetry metrics settings.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Exporter string        `yaml:"exporter"` // "stdout" or "noop"
	Interval time.Duration `yaml:"interval"`
}

// RegistryConfig controls how the agent registry is seeded.
type RegistryConfig struct {
	SeedDefaults    bool          `yaml:"seed_defaults"`
	RosterFile      string        `yaml:"roster_file"`
	WarmStart       bool          `yaml:"warm_start"`
	WarmStartWindow time.Duration `yaml:"warm_start_window"`
}

// CoordinatorConfig tunes candidate selection and queue processing.
type CoordinatorConfig struct {
	CandidateLimit int     `yaml:"candidate_limit"`
	MinScore       float64 `yaml:"min_score"`
	QueueSchedule  string  `yaml:"queue_schedule"` // cron expression or duration
}

// RoutingConfig tunes the routing manager.
type RoutingConfig struct {
	DefaultStrategy   string        `yaml:"default_strategy"`
	LoadBalancingMode string        `yaml:"load_balancing_mode"`
	UseDefaultRules   bool          `yaml:"use_default_rules"`
	RulesFile         string        `yaml:"rules_file"`
	WatchRules        bool          `yaml:"watch_rules"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	DecisionHistory   int           `yaml:"decision_history"`
	LearningRate      float64       `yaml:"learning_rate"`
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	TemplateDir               string        `yaml:"template_dir"`
	StoreDir                  string        `yaml:"store_dir"`
	DefaultMaxConcurrentSteps int           `yaml:"default_max_concurrent_steps"`
	RetryBackoff              time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff           time.Duration `yaml:"max_retry_backoff"`
}

// ExecutorConfig selects and protects the task execution port.
type ExecutorConfig struct {
	Mode           string        `yaml:"mode"` // "simulated"
	SimulatedDelay time.Duration `yaml:"simulated_delay"`
	RateLimit      float64       `yaml:"rate_limit"` // executions per second, 0 = unlimited
	Burst          int           `yaml:"burst"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the executor circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ActivityConfig controls the activity log. Backend is "sqlite" (durable,
// at DBPath) or "memory" (process lifetime only).
type ActivityConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	DBPath        string        `yaml:"db_path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
	BufferSize    int           `yaml:"buffer_size"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentcoord/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentcoord", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Exporter: "noop",
			Interval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			SeedDefaults:    true,
			WarmStart:       true,
			WarmStartWindow: 7 * 24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			CandidateLimit: 5,
			MinScore:       30,
			QueueSchedule:  "15s",
		},
		Routing: RoutingConfig{
			DefaultStrategy:   "best_fit",
			LoadBalancingMode: "adaptive",
			UseDefaultRules:   true,
			SampleInterval:    30 * time.Second,
			ErrorBackoff:      60 * time.Second,
			DecisionHistory:   1000,
			LearningRate:      0.2,
		},
		Workflow: WorkflowConfig{
			StoreDir:                  filepath.Join(dataDir, "workflows"),
			DefaultMaxConcurrentSteps: 3,
			RetryBackoff:              500 * time.Millisecond,
			MaxRetryBackoff:           10 * time.Second,
		},
		Executor: ExecutorConfig{
			Mode:           "simulated",
			SimulatedDelay: 200 * time.Millisecond,
			RateLimit:      20,
			Burst:          5,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Activity: ActivityConfig{
			Enabled:       true,
			Backend:       "sqlite",
			DBPath:        filepath.Join(dataDir, "activity.db"),
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
			BufferSize:    256,
		},
	}
}

// Load reads a YAML config file, merges includes and applies env var overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	var header struct {
		Includes []string `yaml:"includes"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fragments, err := resolveIncludes(absPath, header.Includes)
	if err != nil {
		return nil, err
	}
	for _, f := range fragments {
		if err := applyFragment(cfg, f); err != nil {
			return nil, err
		}
		cfg.Sources = append(cfg.Sources, f.path)
	}

	// The main file is applied last so it overrides every fragment.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Includes = nil
	cfg.Sources = append(cfg.Sources, absPath)

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTCOORD_* env vars to config fields.
// Malformed numeric or duration values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	envString("AGENTCOORD_LOGGER_LEVEL", &cfg.Logger.Level)
	envString("AGENTCOORD_LOGGER_FORMAT", &cfg.Logger.Format)
	envString("AGENTCOORD_LOGGER_OUTPUT", &cfg.Logger.Output)

	envBool("AGENTCOORD_TRACER_ENABLED", &cfg.Tracer.Enabled)
	envString("AGENTCOORD_TRACER_EXPORTER", &cfg.Tracer.Exporter)
	envBool("AGENTCOORD_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("AGENTCOORD_METRICS_EXPORTER", &cfg.Metrics.Exporter)

	envBool("AGENTCOORD_REGISTRY_SEED_DEFAULTS", &cfg.Registry.SeedDefaults)
	envString("AGENTCOORD_REGISTRY_ROSTER_FILE", &cfg.Registry.RosterFile)
	envBool("AGENTCOORD_REGISTRY_WARM_START", &cfg.Registry.WarmStart)

	envString("AGENTCOORD_ROUTING_DEFAULT_STRATEGY", &cfg.Routing.DefaultStrategy)
	envString("AGENTCOORD_ROUTING_RULES_FILE", &cfg.Routing.RulesFile)
	envBool("AGENTCOORD_ROUTING_WATCH_RULES", &cfg.Routing.WatchRules)
	envDuration("AGENTCOORD_ROUTING_SAMPLE_INTERVAL", &cfg.Routing.SampleInterval)

	envString("AGENTCOORD_WORKFLOW_TEMPLATE_DIR", &cfg.Workflow.TemplateDir)
	envString("AGENTCOORD_WORKFLOW_STORE_DIR", &cfg.Workflow.StoreDir)

	envString("AGENTCOORD_EXECUTOR_MODE", &cfg.Executor.Mode)
	envDuration("AGENTCOORD_EXECUTOR_SIMULATED_DELAY", &cfg.Executor.SimulatedDelay)
	if v := os.Getenv("AGENTCOORD_EXECUTOR_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Executor.RateLimit = f
		}
	}

	envBool("AGENTCOORD_ACTIVITY_ENABLED", &cfg.Activity.Enabled)
	envString("AGENTCOORD_ACTIVITY_BACKEND", &cfg.Activity.Backend)
	envString("AGENTCOORD_ACTIVITY_DB_PATH", &cfg.Activity.DBPath)
	if v := os.Getenv("AGENTCOORD_ACTIVITY_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Activity.BufferSize = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
