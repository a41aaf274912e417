// Package config collects process configuration: environment settings,
// the group registry, and the container mount allowlist.
//
// Environment variables are loaded from an optional .env file and decoded
// into Env. The group registry and mount allowlist are JSON files under
// (or, for the allowlist, deliberately outside) the data directory.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MainGroupFolder is the folder name of the privileged group. Commands
// that mutate process state are only accepted from this group.
const MainGroupFolder = "main"

// Env holds settings read from the environment. Defaults follow the
// documented operational defaults; values are validated in Load.
type Env struct {
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	GroupsDir string `envconfig:"GROUPS_DIR" default:"groups"`

	MaxConcurrentContainers int `envconfig:"MAX_CONCURRENT_CONTAINERS" default:"5"`
	MaxQueueSize            int `envconfig:"MAX_QUEUE_SIZE" default:"20"`

	ContainerTimeoutMs      int64 `envconfig:"CONTAINER_TIMEOUT" default:"1800000"`
	IdleTimeoutMs           int64 `envconfig:"IDLE_TIMEOUT" default:"1800000"`
	SchedulerPollIntervalMs int64 `envconfig:"SCHEDULER_POLL_INTERVAL" default:"60000"`

	Timezone string `envconfig:"TIMEZONE" default:""`

	AgentImage   string `envconfig:"AGENT_IMAGE" default:"shepherd-agent:latest"`
	HealthPort   int    `envconfig:"HEALTH_PORT" default:"47779"`
	AssistantTag string `envconfig:"ASSISTANT_NAME" default:"assistant"`

	MountAllowlistFile string `envconfig:"MOUNT_ALLOWLIST_FILE" default:""`

	// Warm-pool sizing hints. Pooling is optional; the runtime treats
	// these as advisory.
	PoolMinSize        int   `envconfig:"POOL_MIN_SIZE" default:"0"`
	PoolMaxSize        int   `envconfig:"POOL_MAX_SIZE" default:"0"`
	PoolIdleTimeoutMs  int64 `envconfig:"POOL_IDLE_TIMEOUT" default:"300000"`
	PoolWarmupInterval int64 `envconfig:"POOL_WARMUP_INTERVAL" default:"60000"`
	PoolMaxReuse       int   `envconfig:"POOL_MAX_REUSE" default:"10"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env (if present) and decodes the environment. Out-of-range
// values are rejected rather than silently clamped so misconfiguration is
// visible at startup.
func Load() (Env, error) {
	// Missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("decode environment: %w", err)
	}

	if env.MaxConcurrentContainers < 1 {
		return Env{}, fmt.Errorf("MAX_CONCURRENT_CONTAINERS must be >= 1, got %d", env.MaxConcurrentContainers)
	}
	if env.MaxQueueSize < 5 {
		return Env{}, fmt.Errorf("MAX_QUEUE_SIZE must be >= 5, got %d", env.MaxQueueSize)
	}
	if env.ContainerTimeoutMs <= 0 || env.IdleTimeoutMs <= 0 {
		return Env{}, fmt.Errorf("timeouts must be positive")
	}
	if env.SchedulerPollIntervalMs <= 0 {
		return Env{}, fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}
	return env, nil
}

// ContainerTimeout returns the global hard timeout as a duration.
func (e Env) ContainerTimeout() time.Duration {
	return time.Duration(e.ContainerTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (e Env) IdleTimeout() time.Duration {
	return time.Duration(e.IdleTimeoutMs) * time.Millisecond
}

// SchedulerPollInterval returns the scheduler poll interval as a duration.
func (e Env) SchedulerPollInterval() time.Duration {
	return time.Duration(e.SchedulerPollIntervalMs) * time.Millisecond
}

// Location resolves the configured timezone, falling back to the system
// local zone when unset or invalid.
func (e Env) Location() *time.Location {
	if e.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
