// Package config loads the process's environment-variable configuration,
// in the teacher's env-struct-tag idiom, and validates the tenancy and
// network-magic invariants from spec section 6/7 before the coordinator
// starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// knownNetworkMagic maps well-known Cardano network names to their
// required magic number, per spec section 6's network-magic validation
// rule. Unknown network names accept any configured magic.
var knownNetworkMagic = map[string]int64{
	"mainnet": 764824073,
	"preprod": 1,
	"preview": 2,
}

// Config is the process configuration, loaded from environment variables.
type Config struct {
	// Identity and orchestrator coordinates (spec section 6).
	Namespace   string `env:"NAMESPACE,required"`
	ReplicaName string `env:"REPLICA_NAME,required"`
	LeaseName   string `env:"LEASE_NAME"`

	LeaseDurationSeconds int           `env:"LEASE_DURATION" envDefault:"15"`
	SleepInterval        time.Duration `env:"SLEEP_INTERVAL" envDefault:"5s"`

	// Producer liaison.
	SocketPath         string        `env:"SOCKET_PATH" envDefault:"/ipc/node.socket"`
	SocketWaitTimeout  time.Duration `env:"SOCKET_WAIT_TIMEOUT" envDefault:"60s"`
	DisableSocketCheck bool          `env:"DISABLE_SOCKET_CHECK" envDefault:"false"`
	ProducerProcessName string      `env:"PRODUCER_PROCESS_NAME" envDefault:"cardano-node"`
	ProducerSignal     string        `env:"PRODUCER_SIGNAL" envDefault:"SIGHUP"`

	// Credential pairs.
	SourceA string `env:"SOURCE_A"`
	SourceB string `env:"SOURCE_B"`
	SourceC string `env:"SOURCE_C"`
	TargetA string `env:"TARGET_A"`
	TargetB string `env:"TARGET_B"`
	TargetC string `env:"TARGET_C"`

	// Tenancy key and policy-object defaults.
	CardanoNetwork  string `env:"CARDANO_NETWORK,required"`
	PoolID          string `env:"POOL_ID,required"`
	PoolIDHex       string `env:"POOL_ID_HEX"`
	PoolName        string `env:"POOL_NAME"`
	PoolTicker      string `env:"POOL_TICKER"`
	NetworkMagic    int64  `env:"NETWORK_MAGIC,required"`
	ApplicationType string `env:"APPLICATION_TYPE" envDefault:"block-producer"`
	Region          string `env:"REGION,required"`
	Priority        int    `env:"PRIORITY" envDefault:"0"`

	// Policy controller.
	EnableClusterManagement bool          `env:"ENABLE_CLUSTER_MANAGEMENT" envDefault:"true"`
	WatchRestartBackoff     time.Duration `env:"WATCH_RESTART_BACKOFF" envDefault:"5s"`

	// Health prober.
	HealthCheckEndpoint         string        `env:"HEALTH_CHECK_ENDPOINT"`
	HealthCheckInterval         time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	HealthCheckTimeout          time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"5s"`
	HealthCheckFailureThreshold int           `env:"HEALTH_CHECK_FAILURE_THRESHOLD" envDefault:"3"`

	// Observability.
	MetricsPort     int           `env:"METRICS_PORT" envDefault:"8080"`
	MetricsBindAddr string        `env:"METRICS_BIND_ADDR" envDefault:"0.0.0.0"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownDrain   time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" envDefault:"5s"`
}

// Load reads and validates configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the fatal-at-startup checks from spec section 7:
// network-magic mismatch for a known network name is a configuration
// error, not a runtime degradation.
func (c *Config) validate() error {
	if want, known := knownNetworkMagic[c.CardanoNetwork]; known && want != c.NetworkMagic {
		return fmt.Errorf("network magic mismatch for %q: configured %d, expected %d", c.CardanoNetwork, c.NetworkMagic, want)
	}
	if c.HealthCheckEndpoint != "" && c.HealthCheckFailureThreshold <= 0 {
		return fmt.Errorf("HEALTH_CHECK_FAILURE_THRESHOLD must be positive when HEALTH_CHECK_ENDPOINT is set")
	}
	return nil
}

// MetricsListenAddr returns the address the observability HTTP server
// should bind, generalizing spec section 6's METRICS_PORT-only contract
// the way wisbric-nightowl's Config.ListenAddr() combines host and port.
func (c *Config) MetricsListenAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsBindAddr, c.MetricsPort)
}

// HealthCheckEnabled reports whether a health prober should run at all.
func (c *Config) HealthCheckEnabled() bool {
	return c.HealthCheckEndpoint != ""
}
