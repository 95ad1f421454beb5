// Package config provides configuration loading, validation, and
// hot-reload for NTONIX.
package config

import (
	"github.com/spf13/viper"
)

// setDefaults seeds v with the default configuration values, matching
// the field defaults in the original NTONIX reference implementation.
// It takes the *viper.Viper instance explicitly rather than touching
// viper's package-level global, so a Loader's defaults never leak into
// another Loader's instance (the same reasoning that gives
// internal/metrics.Collector its own *prometheus.Registry instead of
// the default one).
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_grace_period", "30s")

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.timeout", "2s")
	v.SetDefault("health.unhealthy_threshold", 3)
	v.SetDefault("health.healthy_threshold", 2)
	v.SetDefault("health.health_path", "/health")

	v.SetDefault("pool.pool_size_per_backend", 10)
	v.SetDefault("pool.idle_timeout", "60s")
	v.SetDefault("pool.connect_timeout", "5s")
	v.SetDefault("pool.cleanup_interval", "30s")
	v.SetDefault("pool.enable_keep_alive", true)

	v.SetDefault("forwarder.request_timeout", "30s")
	v.SetDefault("forwarder.connect_timeout", "5s")
	v.SetDefault("forwarder.add_forwarded_headers", true)
	v.SetDefault("forwarder.generate_request_id", true)

	v.SetDefault("stream.buffer_size", 8192)
	v.SetDefault("stream.read_timeout", "120s")
	v.SetDefault("stream.detect_done_marker", true)
	v.SetDefault("stream.forward_chunked", true)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size_bytes", 512*1024*1024)
	v.SetDefault("cache.ttl", "3600s")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.trip_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.level", 5)
	v.SetDefault("compression.types", []string{"application/json", "text/plain"})
	v.SetDefault("compression.algorithms", []string{"br", "zstd", "gzip"})
}
