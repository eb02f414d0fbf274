package fleet

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Discovery backend names accepted by DiscoveryConfig.Backend.
const (
	BackendStatic     = "static"
	BackendSwarm      = "swarm"
	BackendKubernetes = "kubernetes"
	BackendNATSKV     = "natskv"
)

// DiscoveryConfig selects and configures the fleet discovery backend.
//
// The Coordinator itself takes a ready Discovery; this section is read by
// binaries that build the backend from configuration.
type DiscoveryConfig struct {
	// Backend is one of "static", "swarm", "kubernetes" or "natskv".
	Backend string `yaml:"backend"`

	// Endpoint is the discovery transport endpoint.
	//
	// swarm: Docker Engine API, e.g. "unix:///var/run/docker.sock" or "http://manager:2375".
	// kubernetes: API server URL; empty means in-cluster configuration.
	Endpoint string `yaml:"endpoint"`

	// Namespace is the Kubernetes namespace to list pods in.
	Namespace string `yaml:"namespace"`

	// LabelSelector selects worker pods. Default: "app.kubernetes.io/name=<ServiceName>".
	LabelSelector string `yaml:"labelSelector"`

	// Static lists "host:port" worker addresses for the static backend.
	Static []string `yaml:"static"`

	// NATSURL is the NATS server URL for the natskv backend.
	NATSURL string `yaml:"natsUrl"`

	// Bucket is the JetStream KV bucket workers heartbeat into.
	Bucket string `yaml:"bucket"`

	// KeyPrefix prefixes every heartbeat key in Bucket.
	KeyPrefix string `yaml:"keyPrefix"`

	// HeartbeatTTL is the bucket TTL; a worker that stops heartbeating drops out after it.
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`
}

// Config is the configuration for the Coordinator.
//
// All duration fields accept standard Go duration strings like "500ms", "5s", "1m".
type Config struct {
	// ServiceName is the orchestrator service whose tasks are the workers.
	ServiceName string `yaml:"serviceName"`

	// RefreshInterval bounds how often discovery runs. A refresh is due once
	// more than RefreshInterval has passed since the last successful pass.
	RefreshInterval time.Duration `yaml:"refreshInterval"`

	// StaleBusyTimeout is how long a worker may stay busy before it is probed.
	StaleBusyTimeout time.Duration `yaml:"staleBusyTimeout"`

	// RetryDelay is the sleep between acquire attempts that found no free worker.
	RetryDelay time.Duration `yaml:"retryDelay"`

	// MaxRetries is the number of retries after the first acquire attempt.
	// Zero means a single attempt.
	MaxRetries int `yaml:"maxRetries"`

	// ProbeTimeout bounds a single worker health probe.
	ProbeTimeout time.Duration `yaml:"probeTimeout"`

	// ReconcileInterval runs the stale reconciler on a ticker after Start.
	// Zero disables the ticker; reconciliation still runs on every acquire attempt.
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`

	// WorkerPort is the HTTP port workers listen on, used when the backend
	// reports only an address.
	WorkerPort int `yaml:"workerPort"`

	// Discovery configures the discovery backend.
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		ServiceName:       "fleet-worker",
		RefreshInterval:   5 * time.Second,
		StaleBusyTimeout:  60 * time.Second,
		RetryDelay:        2 * time.Second,
		MaxRetries:        5,
		ProbeTimeout:      3 * time.Second,
		ReconcileInterval: 0, // ticker off, acquire-driven only
		WorkerPort:        8080,
		Discovery: DiscoveryConfig{
			Backend:      BackendStatic,
			Namespace:    "default",
			Bucket:       "fleet-workers",
			KeyPrefix:    "workers",
			HeartbeatTTL: 15 * time.Second,
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// MaxRetries and ReconcileInterval are left alone: zero is meaningful for both.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.StaleBusyTimeout == 0 {
		cfg.StaleBusyTimeout = defaults.StaleBusyTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.WorkerPort == 0 {
		cfg.WorkerPort = defaults.WorkerPort
	}
	if cfg.Discovery.Backend == "" {
		cfg.Discovery.Backend = defaults.Discovery.Backend
	}
	if cfg.Discovery.Backend == BackendSwarm && cfg.Discovery.Endpoint == "" {
		cfg.Discovery.Endpoint = "unix:///var/run/docker.sock"
	}
	if cfg.Discovery.Namespace == "" {
		cfg.Discovery.Namespace = defaults.Discovery.Namespace
	}
	if cfg.Discovery.Bucket == "" {
		cfg.Discovery.Bucket = defaults.Discovery.Bucket
	}
	if cfg.Discovery.KeyPrefix == "" {
		cfg.Discovery.KeyPrefix = defaults.Discovery.KeyPrefix
	}
	if cfg.Discovery.HeartbeatTTL == 0 {
		cfg.Discovery.HeartbeatTTL = defaults.Discovery.HeartbeatTTL
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - RefreshInterval, StaleBusyTimeout, RetryDelay, ProbeTimeout > 0
//   - MaxRetries >= 0, ReconcileInterval >= 0
//   - ProbeTimeout < StaleBusyTimeout (a probe must finish before the worker is stale again)
//   - WorkerPort in 1..65535
//   - backend-specific fields (see DiscoveryConfig.Validate)
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	positive := []struct {
		name string
		val  time.Duration
	}{
		{"RefreshInterval", cfg.RefreshInterval},
		{"StaleBusyTimeout", cfg.StaleBusyTimeout},
		{"RetryDelay", cfg.RetryDelay},
		{"ProbeTimeout", cfg.ProbeTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %v", ErrInvalidConfig, p.name, p.val)
		}
	}

	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: MaxRetries must be >= 0, got %d", ErrInvalidConfig, cfg.MaxRetries)
	}

	if cfg.ReconcileInterval < 0 {
		return fmt.Errorf("%w: ReconcileInterval must be >= 0, got %v", ErrInvalidConfig, cfg.ReconcileInterval)
	}

	if cfg.ProbeTimeout >= cfg.StaleBusyTimeout {
		return fmt.Errorf(
			"%w: ProbeTimeout (%v) must be < StaleBusyTimeout (%v)",
			ErrInvalidConfig, cfg.ProbeTimeout, cfg.StaleBusyTimeout,
		)
	}

	if cfg.WorkerPort < 1 || cfg.WorkerPort > 65535 {
		return fmt.Errorf("%w: WorkerPort must be in 1..65535, got %d", ErrInvalidConfig, cfg.WorkerPort)
	}

	return cfg.Discovery.Validate(cfg.ServiceName)
}

// Validate checks the backend-specific fields.
//
// Parameters:
//   - serviceName: Config.ServiceName, required by the swarm backend
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (d *DiscoveryConfig) Validate(serviceName string) error {
	switch d.Backend {
	case BackendStatic:
		for _, addr := range d.Static {
			if _, _, err := splitHostPort(addr); err != nil {
				return fmt.Errorf("%w: static worker %q: %w", ErrInvalidConfig, addr, err)
			}
		}
	case BackendSwarm:
		if serviceName == "" {
			return fmt.Errorf("%w: swarm backend requires ServiceName", ErrInvalidConfig)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("%w: swarm backend requires Discovery.Endpoint", ErrInvalidConfig)
		}
	case BackendKubernetes:
		if d.Namespace == "" {
			return fmt.Errorf("%w: kubernetes backend requires Discovery.Namespace", ErrInvalidConfig)
		}
	case BackendNATSKV:
		if d.NATSURL == "" {
			return fmt.Errorf("%w: natskv backend requires Discovery.NATSURL", ErrInvalidConfig)
		}
		if d.Bucket == "" {
			return fmt.Errorf("%w: natskv backend requires Discovery.Bucket", ErrInvalidConfig)
		}
		if d.HeartbeatTTL <= 0 {
			return fmt.Errorf("%w: Discovery.HeartbeatTTL must be > 0, got %v", ErrInvalidConfig, d.HeartbeatTTL)
		}
	default:
		return fmt.Errorf("%w: unknown discovery backend %q", ErrInvalidConfig, d.Backend)
	}

	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}

	return host, port, nil
}

// ValidateWithWarnings logs warnings for legal but questionable values.
//
// This is called after Validate() in NewCoordinator() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.StaleBusyTimeout < 2*cfg.RefreshInterval {
		logger.Warn(
			"StaleBusyTimeout is shorter than two refresh intervals, long jobs will be probed often",
			"staleBusyTimeout", cfg.StaleBusyTimeout,
			"refreshInterval", cfg.RefreshInterval,
		)
	}

	if worst := time.Duration(cfg.MaxRetries) * cfg.RetryDelay; worst > 5*time.Minute {
		logger.Warn(
			"MaxRetries * RetryDelay is long, callers may wait minutes for capacity",
			"maxRetries", cfg.MaxRetries,
			"retryDelay", cfg.RetryDelay,
			"worstCase", worst,
		)
	}

	if cfg.ReconcileInterval > 0 && cfg.ReconcileInterval < cfg.ProbeTimeout {
		logger.Warn(
			"ReconcileInterval is shorter than ProbeTimeout, passes may overlap",
			"reconcileInterval", cfg.ReconcileInterval,
			"probeTimeout", cfg.ProbeTimeout,
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := fleet.TestConfig()
//	coord, err := fleet.NewCoordinator(&cfg, static.New(workers))
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.StaleBusyTimeout = 2 * time.Second
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.ProbeTimeout = 500 * time.Millisecond

	return cfg
}

// LoadConfig starts from DefaultConfig, overlays a YAML configuration file and
// applies FLEET_* environment overrides.
//
// Parameters:
//   - path: YAML file path; empty skips the file and uses defaults plus environment
//
// Returns:
//   - Config: Loaded configuration (not yet validated)
//   - error: Read, parse or environment error
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	SetDefaults(&cfg)

	return cfg, nil
}

// ApplyEnv overrides cfg from FLEET_* environment variables.
//
// Recognized variables:
//
//	FLEET_SERVICE_NAME, FLEET_REFRESH_INTERVAL, FLEET_STALE_BUSY_TIMEOUT,
//	FLEET_RETRY_DELAY, FLEET_MAX_RETRIES, FLEET_PROBE_TIMEOUT,
//	FLEET_RECONCILE_INTERVAL, FLEET_WORKER_PORT, FLEET_DISCOVERY_BACKEND,
//	FLEET_DISCOVERY_ENDPOINT, FLEET_DISCOVERY_NAMESPACE,
//	FLEET_DISCOVERY_LABEL_SELECTOR, FLEET_DISCOVERY_STATIC (comma separated),
//	FLEET_NATS_URL, FLEET_DISCOVERY_BUCKET, FLEET_DISCOVERY_KEY_PREFIX,
//	FLEET_HEARTBEAT_TTL
//
// Parameters:
//   - cfg: Config to override (modified in place)
//
// Returns:
//   - error: Malformed duration or integer value, wrapping ErrInvalidConfig
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FLEET_SERVICE_NAME":             &cfg.ServiceName,
		"FLEET_DISCOVERY_BACKEND":        &cfg.Discovery.Backend,
		"FLEET_DISCOVERY_ENDPOINT":       &cfg.Discovery.Endpoint,
		"FLEET_DISCOVERY_NAMESPACE":      &cfg.Discovery.Namespace,
		"FLEET_DISCOVERY_LABEL_SELECTOR": &cfg.Discovery.LabelSelector,
		"FLEET_NATS_URL":                 &cfg.Discovery.NATSURL,
		"FLEET_DISCOVERY_BUCKET":         &cfg.Discovery.Bucket,
		"FLEET_DISCOVERY_KEY_PREFIX":     &cfg.Discovery.KeyPrefix,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FLEET_REFRESH_INTERVAL":   &cfg.RefreshInterval,
		"FLEET_STALE_BUSY_TIMEOUT": &cfg.StaleBusyTimeout,
		"FLEET_RETRY_DELAY":        &cfg.RetryDelay,
		"FLEET_PROBE_TIMEOUT":      &cfg.ProbeTimeout,
		"FLEET_RECONCILE_INTERVAL": &cfg.ReconcileInterval,
		"FLEET_HEARTBEAT_TTL":      &cfg.Discovery.HeartbeatTTL,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"FLEET_MAX_RETRIES": &cfg.MaxRetries,
		"FLEET_WORKER_PORT": &cfg.WorkerPort,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("FLEET_DISCOVERY_STATIC"); ok {
		cfg.Discovery.Static = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Discovery.Static = append(cfg.Discovery.Static, addr)
			}
		}
	}

	return nil
}
