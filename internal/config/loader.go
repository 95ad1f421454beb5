package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"ntonix/internal/types"
)

// Loader resolves a ProxyConfig from a file path, the standard search
// locations, and NTONIX_-prefixed environment overrides. Each Loader
// owns its own *viper.Viper rather than sharing viper's package-level
// instance, so defaults/overrides set by one Loader (e.g. in a test)
// can never bleed into another's.
type Loader struct {
	configPath string
	logger     types.Logger
	v          *viper.Viper
}

// NewLoader creates a configuration loader rooted at configPath. An
// empty configPath falls back to the standard search locations.
func NewLoader(configPath string, logger types.Logger) *Loader {
	return &Loader{
		configPath: configPath,
		logger:     logger,
		v:          viper.New(),
	}
}

// LoadConfig resolves the on-disk/environment configuration into a
// validated ProxyConfig.
func (l *Loader) LoadConfig() (*types.ProxyConfig, error) {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("ntonix")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/ntonix/")
		l.v.AddConfigPath("$HOME/.ntonix")
	}

	l.v.SetEnvPrefix("NTONIX")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	setDefaults(l.v)

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			l.logger.Warn("no config file found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		l.logger.Info("loaded configuration", "file", l.v.ConfigFileUsed())
	}

	var cfg types.ProxyConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path viper actually resolved and read on
// the last LoadConfig call, or "" if none was found (defaults/env
// only). The watcher uses this to know what file to put under
// fsnotify.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// LoadFromBytes parses an in-memory config blob, for tests that don't
// want to touch the filesystem. It uses a throwaway Viper instance, not
// any Loader's.
func LoadFromBytes(data []byte, format string) (*types.ProxyConfig, error) {
	v := viper.New()
	v.SetConfigType(format)
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg types.ProxyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SaveConfig validates cfg and writes it to the Loader's configPath,
// creating the containing directory if needed.
func (l *Loader) SaveConfig(cfg *types.ProxyConfig) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dir := filepath.Dir(l.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := l.v.WriteConfigAs(l.configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	l.logger.Info("saved configuration", "file", l.configPath)
	return nil
}
