package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuemby/colony/pkg/dispatch"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/sessions"
)

const defaultListen = "127.0.0.1:7420"

// Config is the serve configuration file (colony.yaml)
type Config struct {
	Listen         string        `mapstructure:"listen"`
	DataDir        string        `mapstructure:"data_dir"`
	Profiles       string        `mapstructure:"profiles"`
	Directory      string        `mapstructure:"directory"`
	Host           string        `mapstructure:"host"`
	RuntimeCommand []string      `mapstructure:"runtime_command"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	DeviceTTL      time.Duration `mapstructure:"device_ttl"`

	Health      HealthConfig      `mapstructure:"health"`
	WarmPool    WarmPoolConfig    `mapstructure:"warm_pool"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Forwarder   ForwarderConfig   `mapstructure:"forwarder"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
}

type WarmPoolConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type JobsConfig struct {
	Retention int  `mapstructure:"retention"`
	Archive   bool `mapstructure:"archive"`
}

type AttachmentsConfig struct {
	AllowedRoots   []string `mapstructure:"allowed_roots"`
	AllowFiles     []string `mapstructure:"allow_files"`
	MaxAttachments int      `mapstructure:"max_attachments"`
	MaxFileBytes   int64    `mapstructure:"max_file_bytes"`
}

type ForwarderConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MaxEventsPerPoll int           `mapstructure:"max_events_per_poll"`
}

var envKeys = []string{
	"host", "startup_timeout", "send_timeout", "shutdown_grace", "device_ttl",
	"health.interval", "health.timeout", "health.retries",
	"warm_pool.interval", "jobs.retention",
	"forwarder.interval", "forwarder.max_events_per_poll",
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "colony")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "colony")
}

// loadConfig reads colony.yaml from --config or the search path, then
// applies COLONY_* environment variables and flags
func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", defaultListen)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("profiles", "profiles.yaml")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("runtime_command", []string{"opencode", "serve", "--hostname", "{host}", "--port", "{port}"})
	v.SetDefault("jobs.archive", true)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("colony")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "colony"))
		}
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "colony"))
	}

	v.SetEnvPrefix("COLONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows about.
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	for key, flag := range map[string]string{
		"listen":    "listen",
		"data_dir":  "data-dir",
		"profiles":  "profiles",
		"directory": "directory",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// managerConfig maps the file configuration onto the engine
func (c *Config) managerConfig() manager.Config {
	return manager.Config{
		DataDir:        c.DataDir,
		Directory:      c.Directory,
		Host:           c.Host,
		RuntimeCommand: c.RuntimeCommand,
		StartupTimeout: c.StartupTimeout,
		SendTimeout:    c.SendTimeout,
		ShutdownGrace:  c.ShutdownGrace,
		HealthInterval: c.Health.Interval,
		HealthTimeout:  c.Health.Timeout,
		HealthRetries:  c.Health.Retries,
		WarmPoolEvery:  c.WarmPool.Interval,
		DeviceTTL:      c.DeviceTTL,
		JobRetention:   c.Jobs.Retention,
		ArchiveJobs:    c.Jobs.Archive,
		Sandbox: dispatch.SandboxConfig{
			AllowedRoots:   c.Attachments.AllowedRoots,
			AllowFiles:     c.Attachments.AllowFiles,
			MaxAttachments: c.Attachments.MaxAttachments,
			MaxFileBytes:   c.Attachments.MaxFileBytes,
		},
		Forwarder: sessions.ForwarderConfig{
			Interval:         c.Forwarder.Interval,
			MaxEventsPerPoll: c.Forwarder.MaxEventsPerPoll,
		},
	}
}
