package types

import "time"

// ProxyConfig represents the complete gateway configuration surface
// described in SPEC_FULL.md §6. Backends is reloadable; everything else
// requires a process restart.
type ProxyConfig struct {
	Server struct {
		ListenAddr          string        `yaml:"listen_addr"`
		ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
	} `yaml:"server"`

	Backends []BackendConfig `yaml:"backends"`

	Health struct {
		Interval           time.Duration `yaml:"interval"`
		Timeout            time.Duration `yaml:"timeout"`
		UnhealthyThreshold uint32        `yaml:"unhealthy_threshold"`
		HealthyThreshold   uint32        `yaml:"healthy_threshold"`
		HealthPath         string        `yaml:"health_path"`
	} `yaml:"health"`

	Pool struct {
		PoolSizePerBackend int           `yaml:"pool_size_per_backend"`
		IdleTimeout        time.Duration `yaml:"idle_timeout"`
		ConnectTimeout     time.Duration `yaml:"connect_timeout"`
		CleanupInterval    time.Duration `yaml:"cleanup_interval"`
		EnableKeepAlive    bool          `yaml:"enable_keep_alive"`
	} `yaml:"pool"`

	Forwarder struct {
		RequestTimeout      time.Duration `yaml:"request_timeout"`
		ConnectTimeout      time.Duration `yaml:"connect_timeout"`
		AddForwardedHeaders bool          `yaml:"add_forwarded_headers"`
		GenerateRequestID   bool          `yaml:"generate_request_id"`
	} `yaml:"forwarder"`

	Stream struct {
		BufferSize      int           `yaml:"buffer_size"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		DetectDoneMarker bool         `yaml:"detect_done_marker"`
		ForwardChunked  bool          `yaml:"forward_chunked"`
	} `yaml:"stream"`

	Cache struct {
		Enabled      bool          `yaml:"enabled"`
		MaxSizeBytes int64         `yaml:"max_size_bytes"`
		TTL          time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Breaker struct {
		Enabled      bool          `yaml:"enabled"`
		TripThreshold uint32       `yaml:"trip_threshold"`
		Cooldown     time.Duration `yaml:"cooldown"`
	} `yaml:"breaker"`

	RateLimit struct {
		Enabled           bool `yaml:"enabled"`
		RequestsPerSecond int  `yaml:"requests_per_second"`
		Burst             int  `yaml:"burst"`
	} `yaml:"rate_limit"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json, console
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Compression struct {
		Enabled    bool     `yaml:"enabled"`
		Level      int      `yaml:"level"`
		Types      []string `yaml:"types"`
		Algorithms []string `yaml:"algorithms"`
	} `yaml:"compression"`
}

// BackendConfig is the configuration-file representation of a Backend.
type BackendConfig struct {
	Host   string `yaml:"host"`
	Port   uint16 `yaml:"port"`
	Weight int    `yaml:"weight"`
}

// ToBackend converts a config entry to the runtime Backend value.
func (b BackendConfig) ToBackend() Backend {
	return Backend{Host: b.Host, Port: b.Port, Weight: b.Weight}
}

// ToBackends converts a slice of config entries.
func ToBackends(cfgs []BackendConfig) []Backend {
	out := make([]Backend, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c.ToBackend())
	}
	return out
}
