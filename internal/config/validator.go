package config

import (
	"fmt"
	"net"
	"strings"

	"ntonix/internal/types"
)

// Validate checks a ProxyConfig for the invariants SPEC_FULL.md §4.9
// requires before the gateway starts serving traffic.
func Validate(cfg *types.ProxyConfig) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("invalid server.listen_addr: %w", err)
	}

	for _, b := range cfg.Backends {
		if b.Host == "" {
			return fmt.Errorf("backend host is required")
		}
		if b.Port == 0 {
			return fmt.Errorf("backend %s: port is required", b.Host)
		}
		if b.Weight <= 0 {
			return fmt.Errorf("backend %s:%d: weight must be >= 1, got %d", b.Host, b.Port, b.Weight)
		}
	}

	if cfg.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if cfg.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}
	if cfg.Health.Timeout >= cfg.Health.Interval {
		return fmt.Errorf("health.timeout must be less than health.interval")
	}
	if cfg.Health.UnhealthyThreshold == 0 {
		return fmt.Errorf("health.unhealthy_threshold must be positive")
	}
	if cfg.Health.HealthyThreshold == 0 {
		return fmt.Errorf("health.healthy_threshold must be positive")
	}
	if cfg.Health.HealthPath == "" {
		return fmt.Errorf("health.health_path is required")
	}

	if cfg.Pool.PoolSizePerBackend < 1 {
		return fmt.Errorf("pool.pool_size_per_backend must be >= 1")
	}
	if cfg.Pool.ConnectTimeout <= 0 {
		return fmt.Errorf("pool.connect_timeout must be positive")
	}
	if cfg.Pool.CleanupInterval <= 0 {
		return fmt.Errorf("pool.cleanup_interval must be positive")
	}

	if cfg.Forwarder.RequestTimeout <= 0 {
		return fmt.Errorf("forwarder.request_timeout must be positive")
	}
	if cfg.Forwarder.ConnectTimeout <= 0 {
		return fmt.Errorf("forwarder.connect_timeout must be positive")
	}

	if cfg.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	if cfg.Stream.ReadTimeout <= 0 {
		return fmt.Errorf("stream.read_timeout must be positive")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.MaxSizeBytes <= 0 {
			return fmt.Errorf("cache.max_size_bytes must be positive when cache is enabled")
		}
	}

	if cfg.Breaker.Enabled {
		if cfg.Breaker.TripThreshold == 0 {
			return fmt.Errorf("breaker.trip_threshold must be positive when breaker is enabled")
		}
		if cfg.Breaker.Cooldown <= 0 {
			return fmt.Errorf("breaker.cooldown must be positive when breaker is enabled")
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.Burst < cfg.RateLimit.RequestsPerSecond {
			return fmt.Errorf("rate_limit.burst must be >= requests_per_second")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[strings.ToLower(cfg.Logging.Format)] {
		return fmt.Errorf("invalid logging.format: %s", cfg.Logging.Format)
	}

	if cfg.Compression.Enabled {
		if cfg.Compression.Level < 1 || cfg.Compression.Level > 11 {
			return fmt.Errorf("compression.level must be between 1 and 11")
		}
		validAlgorithms := map[string]bool{"br": true, "zstd": true, "gzip": true}
		for _, a := range cfg.Compression.Algorithms {
			if !validAlgorithms[a] {
				return fmt.Errorf("invalid compression.algorithms entry: %s", a)
			}
		}
	}

	return nil
}
