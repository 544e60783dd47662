// Package config loads the control plane configuration from defaults, an
// optional YAML file, SCANPLANE_* environment variables and bound CLI flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (SCANPLANE_HTTP_ADDR, ...)
const EnvPrefix = "SCANPLANE"

// Config is the control plane configuration
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
		// BaseURL is handed to executors for result callbacks
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"http"`

	Channel struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"channel"`

	Heartbeat struct {
		Timeout       time.Duration `mapstructure:"timeout"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		Jitter        time.Duration `mapstructure:"jitter"`
	} `mapstructure:"heartbeat"`

	Reconcile struct {
		Interval   time.Duration `mapstructure:"interval"`
		StallGrace time.Duration `mapstructure:"stall_grace"`
	} `mapstructure:"reconcile"`

	Runtime struct {
		// Runner is "exec" or "containerd"
		Runner           string `mapstructure:"runner"`
		SandboxRoot      string `mapstructure:"sandbox_root"`
		ContainerdSocket string `mapstructure:"containerd_socket"`
		Namespace        string `mapstructure:"namespace"`
	} `mapstructure:"runtime"`

	Storage struct {
		ArtifactDir  string `mapstructure:"artifact_dir"`
		WorkspaceDir string `mapstructure:"workspace_dir"`
	} `mapstructure:"storage"`

	Secrets struct {
		// Password derives the AES-256 key for stored secrets
		Password string `mapstructure:"password"`
	} `mapstructure:"secrets"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./scanplane-data")
	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.base_url", "")
	v.SetDefault("channel.addr", "127.0.0.1:9090")
	v.SetDefault("heartbeat.timeout", 2*time.Minute)
	v.SetDefault("heartbeat.sweep_interval", 30*time.Second)
	v.SetDefault("heartbeat.jitter", 5*time.Second)
	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.stall_grace", 10*time.Minute)
	v.SetDefault("runtime.runner", "exec")
	v.SetDefault("runtime.sandbox_root", "/workspace")
	v.SetDefault("runtime.containerd_socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.namespace", "scanplane")
	v.SetDefault("storage.artifact_dir", "")
	v.SetDefault("storage.workspace_dir", "")
	v.SetDefault("secrets.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads file (when non-empty) into v and decodes the result
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = filepath.Join(c.DataDir, "artifacts")
	}
	if c.Storage.WorkspaceDir == "" {
		c.Storage.WorkspaceDir = filepath.Join(c.DataDir, "workspaces")
	}
	if c.HTTP.BaseURL == "" {
		c.HTTP.BaseURL = "http://" + c.HTTP.Addr
	}
}

// Validate rejects configurations the control plane cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Channel.Addr == "" {
		errs = append(errs, errors.New("channel.addr is required"))
	}
	if c.Heartbeat.Timeout <= 0 {
		errs = append(errs, errors.New("heartbeat.timeout must be positive"))
	}
	if c.Heartbeat.SweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.sweep_interval must be positive"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	switch c.Runtime.Runner {
	case "exec", "containerd":
	default:
		errs = append(errs, fmt.Errorf("runtime.runner %q is not one of exec, containerd", c.Runtime.Runner))
	}
	if !strings.HasPrefix(c.Runtime.SandboxRoot, "/") {
		errs = append(errs, fmt.Errorf("runtime.sandbox_root %q must be absolute", c.Runtime.SandboxRoot))
	}
	return errors.Join(errs...)
}
