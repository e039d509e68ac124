// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads canary service configuration from the environment.
//
// Every knob has a production default so the service starts in a compose
// environment with only the upstream URLs set. Values are sanitized (quotes
// and whitespace trimmed) because container runtimes sometimes pass env
// values literally.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings for the canary service.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DBPath is the BadgerDB directory for deployment records.
	DBPath string

	// ModelRegistryURL, FleetRegistryURL, TrafficRouterURL, and
	// RobotGatewayURL are the upstream platform services.
	ModelRegistryURL string
	FleetRegistryURL string
	TrafficRouterURL string
	RobotGatewayURL  string

	// UpstreamTimeout bounds a single call to any upstream service.
	UpstreamTimeout time.Duration

	// SchedulerInterval is the stage scheduler sweep cadence.
	SchedulerInterval time.Duration

	// RollbackGrace is how long a rollback may wait for robot confirmations
	// before being force-finalized.
	RollbackGrace time.Duration

	// MetricsWindow is the rolling aggregation window for deployment
	// metrics.
	MetricsWindow time.Duration

	// MinSampleSize is the rollback guard's confidence floor.
	MinSampleSize int

	// PoolSize bounds concurrent per-robot commands.
	PoolSize int

	// AuditLogDir is the directory for the dedicated transition audit log.
	// Empty means audit entries go to the default logger only.
	AuditLogDir string

	// OTELEndpoint is the OTLP gRPC collector address.
	OTELEndpoint string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		Port:              getEnv("CANARY_PORT", "12300"),
		DBPath:            getEnv("CANARY_DB_PATH", "/var/lib/robofleet/canary"),
		ModelRegistryURL:  getEnv("MODEL_REGISTRY_URL", "http://model-registry:12310"),
		FleetRegistryURL:  getEnv("FLEET_REGISTRY_URL", "http://fleet-registry:12320"),
		TrafficRouterURL:  getEnv("TRAFFIC_ROUTER_URL", "http://traffic-router:12330"),
		RobotGatewayURL:   getEnv("ROBOT_GATEWAY_URL", "http://robot-gateway:12340"),
		UpstreamTimeout:   getEnvDuration("CANARY_UPSTREAM_TIMEOUT", 60*time.Second),
		SchedulerInterval: getEnvDuration("CANARY_SCHEDULER_INTERVAL", time.Minute),
		RollbackGrace:     getEnvDuration("CANARY_ROLLBACK_GRACE", 10*time.Minute),
		MetricsWindow:     getEnvDuration("CANARY_METRICS_WINDOW", 10*time.Minute),
		MinSampleSize:     getEnvInt("CANARY_MIN_SAMPLE_SIZE", 20),
		PoolSize:          getEnvInt("CANARY_POOL_SIZE", 8),
		AuditLogDir:       getEnv("CANARY_AUDIT_LOG_DIR", ""),
		OTELEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "robofleet-otel-collector:4317"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks the configuration for values the service cannot start
// with.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	for name, u := range map[string]string{
		"MODEL_REGISTRY_URL": c.ModelRegistryURL,
		"FLEET_REGISTRY_URL": c.FleetRegistryURL,
		"TRAFFIC_ROUTER_URL": c.TrafficRouterURL,
		"ROBOT_GATEWAY_URL":  c.RobotGatewayURL,
	} {
		if !strings.Contains(u, "http") {
			return fmt.Errorf("%s %q is not a valid URL", name, u)
		}
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.RollbackGrace <= 0 {
		return fmt.Errorf("rollback grace must be positive")
	}
	if c.MetricsWindow <= 0 {
		return fmt.Errorf("metrics window must be positive")
	}
	if c.MinSampleSize <= 0 {
		return fmt.Errorf("minimum sample size must be positive")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	return nil
}

// LogConfig writes the effective configuration to the default logger at
// startup. Secrets are not part of this config, so everything is loggable.
func (c Config) LogConfig() {
	slog.Info("canary service configuration",
		"port", c.Port,
		"db_path", c.DBPath,
		"model_registry_url", c.ModelRegistryURL,
		"fleet_registry_url", c.FleetRegistryURL,
		"traffic_router_url", c.TrafficRouterURL,
		"robot_gateway_url", c.RobotGatewayURL,
		"upstream_timeout", c.UpstreamTimeout.String(),
		"scheduler_interval", c.SchedulerInterval.String(),
		"rollback_grace", c.RollbackGrace.String(),
		"metrics_window", c.MetricsWindow.String(),
		"min_sample_size", c.MinSampleSize,
		"pool_size", c.PoolSize,
		"audit_log_dir", c.AuditLogDir,
		"otel_endpoint", c.OTELEndpoint,
		"log_level", c.LogLevel,
	)
}

// Level converts the configured log level string to a slog.Level.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	v := strings.Trim(os.Getenv(key), "\"' ")
	if v == "" {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.Trim(os.Getenv(key), "\"' ")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default",
			"key", key, "value", v, "default", fallback.String())
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	v := strings.Trim(os.Getenv(key), "\"' ")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default",
			"key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
