// Package config loads the process configuration: a yaml file layered under
// PAGESYNC_* environment variables, with working defaults for everything.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the effective process configuration.
type Config struct {
	// ServerURL is the sync server's websocket endpoint.
	ServerURL string `mapstructure:"server-url" yaml:"server-url"`

	// Token is the auth token. Usually supplied via PAGESYNC_TOKEN rather
	// than the config file.
	Token string `mapstructure:"token" yaml:"token,omitempty"`

	// DBPath is the local graph database file.
	DBPath string `mapstructure:"db-path" yaml:"db-path"`

	// StagingDir is where the application stages asset uploads.
	StagingDir string `mapstructure:"staging-dir" yaml:"staging-dir"`

	// DownloadDir receives downloaded assets.
	DownloadDir string `mapstructure:"download-dir" yaml:"download-dir"`

	// AppSchemaVersion is this build's data-model version.
	AppSchemaVersion string `mapstructure:"app-schema-version" yaml:"app-schema-version"`

	// LocalCheckInterval is the local-change check period.
	LocalCheckInterval time.Duration `mapstructure:"local-check-interval" yaml:"local-check-interval"`

	// PullInterval is the periodic pull fallback period.
	PullInterval time.Duration `mapstructure:"pull-interval" yaml:"pull-interval"`

	// SnapshotWindow bounds snapshot emission rate.
	SnapshotWindow time.Duration `mapstructure:"snapshot-window" yaml:"snapshot-window"`

	// RequestTimeout bounds each socket request.
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`

	// AutoPush is the initial auto-push setting.
	AutoPush bool `mapstructure:"auto-push" yaml:"auto-push"`

	// LogFile is the rotated log file path. Empty logs to stderr only.
	LogFile string `mapstructure:"log-file" yaml:"log-file,omitempty"`
}

// defaultDir is the per-user data directory.
func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagesync"
	}
	return filepath.Join(home, ".pagesync")
}

func setDefaults(v *viper.Viper) {
	dir := defaultDir()
	v.SetDefault("server-url", "wss://sync.pagegraph.io/rtc")
	v.SetDefault("db-path", filepath.Join(dir, "graph.db"))
	v.SetDefault("staging-dir", filepath.Join(dir, "staging"))
	v.SetDefault("download-dir", filepath.Join(dir, "assets"))
	v.SetDefault("app-schema-version", "v3.2")
	v.SetDefault("local-check-interval", 2*time.Second)
	v.SetDefault("pull-interval", 60*time.Second)
	v.SetDefault("snapshot-window", 300*time.Millisecond)
	v.SetDefault("request-timeout", 15*time.Second)
	v.SetDefault("auto-push", true)
}

// Load reads configuration from the given file (optional), the default
// config location, and PAGESYNC_* environment variables, in ascending
// precedence: defaults < file < env.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultDir())
		if err := v.ReadInConfig(); err != nil {
			// Missing default config is fine; defaults + env carry it.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Dump renders the effective config as yaml, token redacted.
func (c *Config) Dump() (string, error) {
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = "<redacted>"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}
