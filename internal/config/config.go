// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults,
// following the same layered-struct convention the rest of the service uses
// for its other ports: one sub-struct per concern, each field independently
// overridable. A few settings (worker image and network, provider name,
// local files dir, APP_ENV) are read directly by cmd/runctld instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds timeout-related configuration for outbound calls.
type TimeoutConfig struct {
	ExecutorCall    time.Duration // default timeout for ExecutorClient calls
	SyncCall        time.Duration // default timeout for WorkspaceSyncClient calls
	ProviderCall    time.Duration // default timeout for a provider adapter round trip
	ContainerStop   time.Duration
	ContainerCreate time.Duration
	HealthCheck     time.Duration
}

// ContainerConfig holds container resource and retry configuration.
type ContainerConfig struct {
	MemoryLimitBytes    int64
	CPUQuota            int64
	PidsLimit           int64
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
}

// QueueConfig holds run-queue lease/retry configuration.
type QueueConfig struct {
	DefaultLeaseMs      int64
	DefaultRetryDelayMs int64
	DefaultMaxAttempts  int
}

// EventBusConfig holds per-run event bus buffering configuration.
type EventBusConfig struct {
	RingBufferSize          int           // events retained per run
	CloseGrace              time.Duration // retention window after run.closed
	SubscriberHighWaterMark int           // backpressure disconnect threshold
	RedisAddr               string        // optional cross-process fanout; empty = in-process only
	RedisChannelPrefix      string
}

// ReconcileConfig holds the cron schedules and thresholds for the three sweeps.
type ReconcileConfig struct {
	StaleClaimSchedule     string
	StaleClaimRetryDelayMs int64
	StaleSyncSchedule      string
	StaleSyncAfter         time.Duration
	HumanLoopSchedule      string
	HumanLoopTimeout       time.Duration
	SweepLimit             int
}

// WorkerConfig holds session-worker lifecycle configuration.
type WorkerConfig struct {
	IdleTimeout      time.Duration
	RemoveAfter      time.Duration
	CleanupBatchSize int
}

// SSEConfig holds Server-Sent Events configuration.
type SSEConfig struct {
	MaxRequestBodySize int64
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
}

// RetryConfig holds retry-related configuration for durable-store writes.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// S3Config holds the workspace object-storage backend configuration.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for S3-compatible endpoints in dev/test
}

// ProviderConfig holds provider-adapter dispatch configuration.
type ProviderConfig struct {
	GRPCAddr       string
	ConnectTimeout time.Duration
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Config holds all application configuration.
type Config struct {
	Port             string
	DBPath           string
	ContainerRuntime string
	Timeout          TimeoutConfig
	Container        ContainerConfig
	Queue            QueueConfig
	EventBus         EventBusConfig
	Reconcile        ReconcileConfig
	Worker           WorkerConfig
	SSE              SSEConfig
	Retry            RetryConfig
	S3               S3Config
	Provider         ProviderConfig
	Tracing          TracingConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/runctl.db"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		Timeout: TimeoutConfig{
			ExecutorCall:    getEnvDuration("RUNCTL_EXECUTOR_TIMEOUT", 30*time.Second),
			SyncCall:        getEnvDuration("RUNCTL_SYNC_TIMEOUT", 30*time.Second),
			ProviderCall:    getEnvDuration("RUNCTL_PROVIDER_TIMEOUT", 30*time.Second),
			ContainerStop:   getEnvDuration("RUNCTL_CONTAINER_STOP_TIMEOUT", 10*time.Second),
			ContainerCreate: getEnvDuration("RUNCTL_CONTAINER_CREATE_TIMEOUT", 2*time.Minute),
			HealthCheck:     getEnvDuration("RUNCTL_HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		Container: ContainerConfig{
			MemoryLimitBytes:    getEnvInt64("RUNCTL_CONTAINER_MEMORY_LIMIT", 512*1024*1024),
			CPUQuota:            getEnvInt64("RUNCTL_CONTAINER_CPU_QUOTA", 50000),
			PidsLimit:           getEnvInt64("RUNCTL_CONTAINER_PIDS_LIMIT", 256),
			CreateRetryAttempts: getEnvInt("RUNCTL_CONTAINER_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("RUNCTL_CONTAINER_CREATE_RETRY_DELAY", 250*time.Millisecond),
		},
		Queue: QueueConfig{
			DefaultLeaseMs:      getEnvInt64("RUNCTL_QUEUE_LEASE_MS", 60_000),
			DefaultRetryDelayMs: getEnvInt64("RUNCTL_QUEUE_RETRY_DELAY_MS", 2_000),
			DefaultMaxAttempts:  getEnvInt("RUNCTL_QUEUE_MAX_ATTEMPTS", 3),
		},
		EventBus: EventBusConfig{
			RingBufferSize:          getEnvInt("RUNCTL_EVENTBUS_RING_SIZE", 2048),
			CloseGrace:              getEnvDuration("RUNCTL_EVENTBUS_CLOSE_GRACE", 5*time.Minute),
			SubscriberHighWaterMark: getEnvInt("RUNCTL_EVENTBUS_HIGH_WATER_MARK", 1024),
			RedisAddr:               getEnv("RUNCTL_REDIS_ADDR", ""),
			RedisChannelPrefix:      getEnv("RUNCTL_REDIS_CHANNEL_PREFIX", "runctl:run:"),
		},
		Reconcile: ReconcileConfig{
			StaleClaimSchedule:     getEnv("RUNCTL_RECONCILE_STALE_CLAIM_CRON", "@every 30s"),
			StaleClaimRetryDelayMs: getEnvInt64("RUNCTL_RECONCILE_STALE_CLAIM_RETRY_MS", 2_000),
			StaleSyncSchedule:      getEnv("RUNCTL_RECONCILE_STALE_SYNC_CRON", "@every 2m"),
			StaleSyncAfter:         getEnvDuration("RUNCTL_RECONCILE_STALE_SYNC_AFTER", 10*time.Minute),
			HumanLoopSchedule:      getEnv("RUNCTL_RECONCILE_HUMAN_LOOP_CRON", "@every 15s"),
			HumanLoopTimeout:       getEnvDuration("RUNCTL_RECONCILE_HUMAN_LOOP_TIMEOUT", 10*time.Minute),
			SweepLimit:             getEnvInt("RUNCTL_RECONCILE_SWEEP_LIMIT", 100),
		},
		Worker: WorkerConfig{
			IdleTimeout:      getEnvDuration("RUNCTL_WORKER_IDLE_TIMEOUT", 30*time.Minute),
			RemoveAfter:      getEnvDuration("RUNCTL_WORKER_REMOVE_AFTER", 24*time.Hour),
			CleanupBatchSize: getEnvInt("RUNCTL_WORKER_CLEANUP_BATCH_SIZE", 50),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: getEnvInt64("RUNCTL_SSE_MAX_BODY_SIZE", 1<<20),
			RetryDelay:         getEnvDuration("RUNCTL_SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("RUNCTL_SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("RUNCTL_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("RUNCTL_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		S3: S3Config{
			Bucket:   getEnv("RUNCTL_S3_BUCKET", "runctl-workspaces"),
			Region:   getEnv("RUNCTL_S3_REGION", "us-east-1"),
			Endpoint: getEnv("RUNCTL_S3_ENDPOINT", ""),
		},
		Provider: ProviderConfig{
			GRPCAddr:       getEnv("RUNCTL_PROVIDER_GRPC_ADDR", ""),
			ConnectTimeout: getEnvDuration("RUNCTL_PROVIDER_CONNECT_TIMEOUT", 5*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("RUNCTL_TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("RUNCTL_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName:  getEnv("RUNCTL_SERVICE_NAME", "runctl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("RUNCTL_QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("RUNCTL_S3_BUCKET cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
