package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func yamlUnmarshalConfig(data []byte, c *Config) error {
	return yaml.Unmarshal(data, c)
}

// Config holds all configuration for the orchestration plane. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("conductor"),
//	    WithPort(8080),
//	    WithCORS([]string{"https://example.com"}, true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name      string `json:"name" env:"CONDUCTOR_SERVICE_NAME" default:"conductor"`
	ID        string `json:"id" env:"CONDUCTOR_SERVICE_ID"`
	Port      int    `json:"port" env:"CONDUCTOR_PORT" default:"8080"`
	Address   string `json:"address" env:"CONDUCTOR_ADDRESS"`
	Namespace string `json:"namespace" env:"CONDUCTOR_NAMESPACE" default:"default"`

	HTTP HTTPConfig `json:"http"`

	Registry   RegistryConfig   `json:"registry"`
	Health     HealthConfig     `json:"health"`
	Breaker    BreakerConfig    `json:"breaker"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Supervisor SupervisorConfig `json:"supervisor"`
	EventBus   EventBusConfig   `json:"event_bus"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging"`
	Development DevelopmentConfig `json:"development"`
	Kubernetes KubernetesConfig `json:"kubernetes"`

	logger Logger `json:"-"`
}

// HTTPConfig carries the listener and CORS knobs the ambient HTTP server
// needs; httpapi's own router-level options build on top of it.
type HTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout" env:"CONDUCTOR_HTTP_READ_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"CONDUCTOR_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"CONDUCTOR_HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"CONDUCTOR_HTTP_IDLE_TIMEOUT" default:"120s"`
	MaxHeaderBytes    int           `json:"max_header_bytes" env:"CONDUCTOR_HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"CONDUCTOR_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	EnableHealthCheck bool          `json:"enable_health_check" env:"CONDUCTOR_HTTP_HEALTH_CHECK" default:"true"`
	HealthCheckPath   string        `json:"health_check_path" env:"CONDUCTOR_HTTP_HEALTH_PATH" default:"/health"`
	CORS              CORSConfig    `json:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing configuration for the
// Submission/Registration HTTP front end.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" env:"CONDUCTOR_CORS_ENABLED" default:"false"`
	AllowedOrigins   []string `json:"allowed_origins" env:"CONDUCTOR_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" env:"CONDUCTOR_CORS_METHODS" default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `json:"allowed_headers" env:"CONDUCTOR_CORS_HEADERS" default:"Content-Type,Authorization"`
	ExposedHeaders   []string `json:"exposed_headers" env:"CONDUCTOR_CORS_EXPOSED_HEADERS"`
	AllowCredentials bool     `json:"allow_credentials" env:"CONDUCTOR_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" env:"CONDUCTOR_CORS_MAX_AGE" default:"86400"`
}

// RegistryConfig tunes the Capability Registry's default TTL and snapshot
// behavior when a ServerDescription omits its own values.
type RegistryConfig struct {
	DefaultTTL        time.Duration `json:"default_ttl" env:"CONDUCTOR_REGISTRY_DEFAULT_TTL" default:"30s"`
	DefaultWeight     int           `json:"default_weight" env:"CONDUCTOR_REGISTRY_DEFAULT_WEIGHT" default:"100"`
	ExpirySweepPeriod time.Duration `json:"expiry_sweep_period" env:"CONDUCTOR_REGISTRY_SWEEP_PERIOD" default:"10s"`
}

// HealthConfig tunes the independent Health Monitor probe loop.
type HealthConfig struct {
	ProbeInterval      time.Duration `json:"probe_interval" env:"CONDUCTOR_HEALTH_PROBE_INTERVAL" default:"30s"`
	ProbeTimeout       time.Duration `json:"probe_timeout" env:"CONDUCTOR_HEALTH_PROBE_TIMEOUT" default:"5s"`
	SuccessesToHealthy int           `json:"successes_to_healthy" env:"CONDUCTOR_HEALTH_SUCCESSES_TO_HEALTHY" default:"2"`
	FailuresToUnhealthy int          `json:"failures_to_unhealthy" env:"CONDUCTOR_HEALTH_FAILURES_TO_UNHEALTHY" default:"3"`
}

// BreakerConfig carries the Circuit-Breaker Bank's tumbling-window and
// half-open admission defaults. The same values apply to every server;
// a ServerRecord carries no circuit-breaker config of its own.
type BreakerConfig struct {
	WindowDuration     time.Duration `json:"window_duration" env:"CONDUCTOR_BREAKER_WINDOW_DURATION" default:"60s"`
	FailureThreshold   int           `json:"failure_threshold" env:"CONDUCTOR_BREAKER_FAILURE_THRESHOLD" default:"50"`
	VolumeThreshold    int           `json:"volume_threshold" env:"CONDUCTOR_BREAKER_VOLUME_THRESHOLD" default:"10"`
	SleepWindow        time.Duration `json:"sleep_window" env:"CONDUCTOR_BREAKER_SLEEP_WINDOW" default:"30s"`
	HalfOpenMaxInFlight int          `json:"half_open_max_in_flight" env:"CONDUCTOR_BREAKER_HALF_OPEN_MAX_IN_FLIGHT" default:"5"`
}

// DispatchConfig tunes per-call timeout and retry-with-backoff behavior.
type DispatchConfig struct {
	CallTimeout      time.Duration `json:"call_timeout" env:"CONDUCTOR_DISPATCH_CALL_TIMEOUT" default:"30s"`
	MaxRetries       int           `json:"max_retries" env:"CONDUCTOR_DISPATCH_MAX_RETRIES" default:"3"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay" env:"CONDUCTOR_DISPATCH_RETRY_BASE_DELAY" default:"100ms"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay" env:"CONDUCTOR_DISPATCH_RETRY_MAX_DELAY" default:"5s"`
	RetryFactor      float64       `json:"retry_factor" env:"CONDUCTOR_DISPATCH_RETRY_FACTOR" default:"2.0"`
	RetryJitter      bool          `json:"retry_jitter" env:"CONDUCTOR_DISPATCH_RETRY_JITTER" default:"true"`
	Balancer         string        `json:"balancer" env:"CONDUCTOR_DISPATCH_BALANCER" default:"round_robin"`
	MaxInFlightGlobal int          `json:"max_in_flight_global" env:"CONDUCTOR_DISPATCH_MAX_IN_FLIGHT_GLOBAL" default:"2000"`
	MaxInFlightPerServer int       `json:"max_in_flight_per_server" env:"CONDUCTOR_DISPATCH_MAX_IN_FLIGHT_PER_SERVER" default:"1000"`
}

// OrchestratorConfig tunes workflow-level scheduling defaults.
type OrchestratorConfig struct {
	MaxConcurrentSteps int           `json:"max_concurrent_steps" env:"CONDUCTOR_ORCH_MAX_CONCURRENT_STEPS" default:"8"`
	DefaultStepTimeout time.Duration `json:"default_step_timeout" env:"CONDUCTOR_ORCH_DEFAULT_STEP_TIMEOUT" default:"60s"`
	FailureStrategy    string        `json:"failure_strategy" env:"CONDUCTOR_ORCH_FAILURE_STRATEGY" default:"fail_fast"`
}

// SupervisorConfig tunes the Workflow Supervisor's admission ceiling and
// terminal-workflow retention.
type SupervisorConfig struct {
	MaxConcurrentWorkflows int `json:"max_concurrent_workflows" env:"CONDUCTOR_SUPERVISOR_MAX_CONCURRENT_WORKFLOWS" default:"200"`
	TerminalRetention      int `json:"terminal_retention" env:"CONDUCTOR_SUPERVISOR_TERMINAL_RETENTION" default:"10000"`
}

// EventBusConfig configures the optional Redis pub/sub event bus used to
// publish workflow/step lifecycle events to external subscribers. This is
// NOT used for registry or workflow state persistence.
type EventBusConfig struct {
	Enabled  bool   `json:"enabled" env:"CONDUCTOR_EVENTBUS_ENABLED" default:"false"`
	RedisURL string `json:"redis_url" env:"CONDUCTOR_EVENTBUS_REDIS_URL,REDIS_URL"`
	Channel  string `json:"channel" env:"CONDUCTOR_EVENTBUS_CHANNEL" default:"conductor.events"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing. This is an optional module - telemetry is only
// initialized when Enabled=true. Supports OpenTelemetry (OTLP).
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"CONDUCTOR_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"CONDUCTOR_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"CONDUCTOR_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" env:"CONDUCTOR_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" env:"CONDUCTOR_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" env:"CONDUCTOR_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"CONDUCTOR_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats. JSON is recommended under Kubernetes.
type LoggingConfig struct {
	Level      string `json:"level" env:"CONDUCTOR_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"CONDUCTOR_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"CONDUCTOR_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"CONDUCTOR_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
//
// WARNING: Never enable development mode in production.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"CONDUCTOR_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"CONDUCTOR_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"CONDUCTOR_PRETTY_LOGS" default:"false"`
}

// KubernetesConfig holds the subset of Kubernetes-derived environment
// facts useful for logging and bind-address selection. The orchestration
// plane does not use the Kubernetes API itself.
type KubernetesConfig struct {
	Enabled      bool   `json:"enabled" env:"KUBERNETES_SERVICE_HOST"`
	PodName      string `json:"pod_name" env:"HOSTNAME"`
	PodNamespace string `json:"pod_namespace" env:"CONDUCTOR_K8S_NAMESPACE"`
}

// Option is a functional option for configuring the service.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults, adjusted
// for the detected execution environment (Kubernetes vs local).
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "conductor",
		Port:      8080,
		Namespace: "default",
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   10 * time.Second,
			EnableHealthCheck: true,
			HealthCheckPath:   "/health",
			CORS: CORSConfig{
				Enabled:          false,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", "Authorization"},
				AllowCredentials: false,
				MaxAge:           86400,
			},
		},
		Registry: RegistryConfig{
			DefaultTTL:        30 * time.Second,
			DefaultWeight:     100,
			ExpirySweepPeriod: 10 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval:       30 * time.Second,
			ProbeTimeout:        5 * time.Second,
			SuccessesToHealthy:  2,
			FailuresToUnhealthy: 3,
		},
		Breaker: BreakerConfig{
			WindowDuration:      60 * time.Second,
			FailureThreshold:    50,
			VolumeThreshold:     10,
			SleepWindow:         30 * time.Second,
			HalfOpenMaxInFlight: 5,
		},
		Dispatch: DispatchConfig{
			CallTimeout:          30 * time.Second,
			MaxRetries:           3,
			RetryBaseDelay:       100 * time.Millisecond,
			RetryMaxDelay:        5 * time.Second,
			RetryFactor:          2.0,
			RetryJitter:          true,
			Balancer:             "round_robin",
			MaxInFlightGlobal:    2000,
			MaxInFlightPerServer: 1000,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSteps: 8,
			DefaultStepTimeout: 60 * time.Second,
			FailureStrategy:    "fail_fast",
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentWorkflows: 200,
			TerminalRetention:      10000,
		},
		EventBus: EventBusConfig{
			Enabled: false,
			Channel: "conductor.events",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{
			Enabled:      false,
			DebugLogging: false,
			PrettyLogs:   false,
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts defaults based on the detected execution
// environment. Called automatically by DefaultConfig.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
	} else {
		c.Address = "localhost"
		if os.Getenv("CONDUCTOR_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables and validates
// the result. Environment variables take precedence over defaults but are
// overridden by functional options.
func (c *Config) LoadFromEnv() error {
	if c.logger != nil {
		c.logger.Info("loading configuration from environment", map[string]interface{}{
			"config_source": "environment_variables",
		})
	}

	if v := os.Getenv("CONDUCTOR_SERVICE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CONDUCTOR_SERVICE_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("CONDUCTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		} else if c.logger != nil {
			c.logger.Warn("invalid port in environment variable", map[string]interface{}{
				"CONDUCTOR_PORT": v,
				"error":          err.Error(),
			})
		}
	}
	if v := os.Getenv("CONDUCTOR_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("CONDUCTOR_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	if v := os.Getenv("CONDUCTOR_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("CONDUCTOR_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.WriteTimeout = d
		}
	}

	if v := os.Getenv("CONDUCTOR_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}
	if v := os.Getenv("CONDUCTOR_CORS_METHODS"); v != "" {
		c.HTTP.CORS.AllowedMethods = parseStringList(v)
	}
	if v := os.Getenv("CONDUCTOR_CORS_HEADERS"); v != "" {
		c.HTTP.CORS.AllowedHeaders = parseStringList(v)
	}
	if v := os.Getenv("CONDUCTOR_CORS_CREDENTIALS"); v != "" {
		c.HTTP.CORS.AllowCredentials = parseBool(v)
	}

	if v := os.Getenv("CONDUCTOR_REGISTRY_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.DefaultTTL = d
		}
	}
	if v := os.Getenv("CONDUCTOR_REGISTRY_DEFAULT_WEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.DefaultWeight = n
		}
	}

	if v := os.Getenv("CONDUCTOR_HEALTH_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.ProbeInterval = d
		}
	}
	if v := os.Getenv("CONDUCTOR_HEALTH_FAILURES_TO_UNHEALTHY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Health.FailuresToUnhealthy = n
		}
	}
	if v := os.Getenv("CONDUCTOR_HEALTH_SUCCESSES_TO_HEALTHY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Health.SuccessesToHealthy = n
		}
	}

	if v := os.Getenv("CONDUCTOR_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("CONDUCTOR_BREAKER_SLEEP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.SleepWindow = d
		}
	}
	if v := os.Getenv("CONDUCTOR_BREAKER_WINDOW_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.WindowDuration = d
		}
	}

	if v := os.Getenv("CONDUCTOR_DISPATCH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.MaxRetries = n
		}
	}
	if v := os.Getenv("CONDUCTOR_DISPATCH_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatch.CallTimeout = d
		}
	}
	if v := os.Getenv("CONDUCTOR_DISPATCH_BALANCER"); v != "" {
		c.Dispatch.Balancer = v
	}

	if v := os.Getenv("CONDUCTOR_ORCH_MAX_CONCURRENT_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxConcurrentSteps = n
		}
	}
	if v := os.Getenv("CONDUCTOR_ORCH_FAILURE_STRATEGY"); v != "" {
		c.Orchestrator.FailureStrategy = v
	}

	if v := os.Getenv("CONDUCTOR_SUPERVISOR_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("CONDUCTOR_SUPERVISOR_TERMINAL_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.TerminalRetention = n
		}
	}

	if v := os.Getenv("CONDUCTOR_EVENTBUS_ENABLED"); v != "" {
		c.EventBus.Enabled = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_EVENTBUS_REDIS_URL"); v != "" {
		c.EventBus.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.EventBus.RedisURL = v
	}

	if v := os.Getenv("CONDUCTOR_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("CONDUCTOR_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("CONDUCTOR_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("CONDUCTOR_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("CONDUCTOR_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		if v := os.Getenv("HOSTNAME"); v != "" {
			c.Kubernetes.PodName = v
		}
		if v := os.Getenv("CONDUCTOR_K8S_NAMESPACE"); v != "" {
			c.Kubernetes.PodNamespace = v
		}
	}

	if err := c.Validate(); err != nil {
		if c.logger != nil {
			c.logger.Error("configuration validation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return err
	}

	if c.logger != nil {
		c.logger.Info("configuration loading completed", map[string]interface{}{
			"namespace":        c.Namespace,
			"development_mode": c.Development.Enabled,
			"logging_level":    c.Logging.Level,
		})
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. File settings
// override environment variables but are overridden by functional options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated above
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yamlUnmarshalConfig(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: fmt.Sprintf("invalid port: %d", c.Port), Err: ErrInvalidConfiguration}
	}
	if c.Name == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "service name is required", Err: ErrMissingConfiguration}
	}
	if c.Orchestrator.MaxConcurrentSteps < 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "orchestrator.max_concurrent_steps must be >= 1", Err: ErrInvalidConfiguration}
	}
	if c.Supervisor.MaxConcurrentWorkflows < 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "supervisor.max_concurrent_workflows must be >= 1", Err: ErrInvalidConfiguration}
	}
	if c.Breaker.HalfOpenMaxInFlight < 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "breaker.half_open_max_in_flight must be >= 1", Err: ErrInvalidConfiguration}
	}
	if c.EventBus.Enabled && c.EventBus.RedisURL == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "event_bus redis URL is required when the event bus is enabled", Err: ErrMissingConfiguration}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "telemetry endpoint is required when telemetry is enabled", Err: ErrMissingConfiguration}
	}
	return nil
}

// Helper functions

func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

func WithName(name string) Option {
	return func(c *Config) error { c.Name = name; return nil }
}

func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &FrameworkError{Op: "WithPort", Kind: "config", Message: fmt.Sprintf("invalid port: %d", port), Err: ErrInvalidConfiguration}
		}
		c.Port = port
		return nil
	}
}

func WithAddress(address string) Option {
	return func(c *Config) error { c.Address = address; return nil }
}

func WithNamespace(namespace string) Option {
	return func(c *Config) error { c.Namespace = namespace; return nil }
}

// WithCORS enables CORS with specific allowed origins. Supports wildcard
// patterns ("*", "*.example.com", "http://localhost:*").
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

func WithCORSDefaults() Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = []string{"*"}
		c.HTTP.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}
		c.HTTP.CORS.AllowedHeaders = []string{"*"}
		c.HTTP.CORS.AllowCredentials = true
		return nil
	}
}

// WithEventBus enables the Redis-backed event bus used to publish
// workflow/step lifecycle events to external subscribers.
func WithEventBus(redisURL string) Option {
	return func(c *Config) error {
		c.EventBus.Enabled = true
		c.EventBus.RedisURL = redisURL
		return nil
	}
}

func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = c.Name
		}
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

func WithLogFormat(format string) Option {
	return func(c *Config) error { c.Logging.Format = format; return nil }
}

// WithBreakerDefaults overrides the Circuit-Breaker Bank's failure threshold
// (percent) and sleep window, which apply to every server.
func WithBreakerDefaults(failureThreshold int, sleepWindow time.Duration) Option {
	return func(c *Config) error {
		c.Breaker.FailureThreshold = failureThreshold
		c.Breaker.SleepWindow = sleepWindow
		return nil
	}
}

func WithDispatchRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Config) error {
		c.Dispatch.MaxRetries = maxRetries
		c.Dispatch.RetryBaseDelay = baseDelay
		return nil
	}
}

func WithBalancer(policy string) Option {
	return func(c *Config) error { c.Dispatch.Balancer = policy; return nil }
}

func WithMaxConcurrentSteps(n int) Option {
	return func(c *Config) error { c.Orchestrator.MaxConcurrentSteps = n; return nil }
}

func WithMaxConcurrentWorkflows(n int) Option {
	return func(c *Config) error { c.Supervisor.MaxConcurrentWorkflows = n; return nil }
}

func WithConfigFile(path string) Option {
	return func(c *Config) error { return c.LoadFromFile(path) }
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithLogger sets a logger to use while loading and validating config. If
// unset, config loading proceeds silently.
func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

// NewConfig creates a new configuration with the provided options. Applied
// in order: defaults, environment variables, functional options, then
// validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Name
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the logger the config was built with.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// ============================================================================
// ProductionLogger Implementation - Layered Observability Architecture
// ============================================================================

// ProductionLogger provides layered, component-aware structured logging.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		component:      "conductor",
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
}

// WithComponent returns a logger tagged with the given component name,
// sharing the same level/format/output configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called once a metrics registry becomes available.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "server_id", "capability", "workflow_id":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "conductor.operations", 1.0, labels...)
	} else {
		emitMetric("conductor.operations", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
