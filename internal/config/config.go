package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the control-plane settings read from config.toml.
// Missing file or missing fields fall back to defaults so a bare
// deployment works without any configuration.
type Config struct {
	// ListenAddr is the primary API/UI listen address.
	ListenAddr string `toml:"listen_addr"`
	// FallbackAddr is the secondary listener toggled by the supervisor.
	FallbackAddr string `toml:"fallback_addr"`
	// InstancesDir holds one subdirectory per deployment instance.
	InstancesDir string `toml:"instances_dir"`
	// SelectionFile persists the name of the selected instance.
	SelectionFile string `toml:"selection_file"`
	// AuthFile stores the login credentials (JSON).
	AuthFile string `toml:"auth_file"`
	// TemplatesFile is the YAML template registry.
	TemplatesFile string `toml:"templates_file"`
	// LogFile receives rotated server logs. Empty means stderr only.
	LogFile string `toml:"log_file"`

	CommandTimeoutSecs int `toml:"command_timeout_secs"`
	StatusTimeoutSecs  int `toml:"status_timeout_secs"`
	PollIntervalSecs   int `toml:"poll_interval_secs"`
	SessionTTLHours    int `toml:"session_ttl_hours"`
}

// Default returns the built-in configuration rooted at baseDir.
func Default(baseDir string) Config {
	return Config{
		ListenAddr:         "0.0.0.0:8181",
		FallbackAddr:       "0.0.0.0:80",
		InstancesDir:       filepath.Join(baseDir, "instances"),
		SelectionFile:      filepath.Join(baseDir, "selected"),
		AuthFile:           filepath.Join(baseDir, "auth.json"),
		TemplatesFile:      filepath.Join(baseDir, "templates.yaml"),
		CommandTimeoutSecs: 180,
		StatusTimeoutSecs:  10,
		PollIntervalSecs:   4,
		SessionTTLHours:    24 * 7,
	}
}

// Load reads config.toml from path, applying defaults for anything unset.
// A missing file is not an error.
func Load(path, baseDir string) (Config, error) {
	cfg := Default(baseDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	d := Default(baseDir)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.FallbackAddr == "" {
		cfg.FallbackAddr = d.FallbackAddr
	}
	if cfg.InstancesDir == "" {
		cfg.InstancesDir = d.InstancesDir
	}
	if cfg.SelectionFile == "" {
		cfg.SelectionFile = d.SelectionFile
	}
	if cfg.AuthFile == "" {
		cfg.AuthFile = d.AuthFile
	}
	if cfg.TemplatesFile == "" {
		cfg.TemplatesFile = d.TemplatesFile
	}
	if cfg.CommandTimeoutSecs <= 0 {
		cfg.CommandTimeoutSecs = d.CommandTimeoutSecs
	}
	if cfg.StatusTimeoutSecs <= 0 {
		cfg.StatusTimeoutSecs = d.StatusTimeoutSecs
	}
	if cfg.PollIntervalSecs <= 0 {
		cfg.PollIntervalSecs = d.PollIntervalSecs
	}
	if cfg.SessionTTLHours <= 0 {
		cfg.SessionTTLHours = d.SessionTTLHours
	}

	return cfg, nil
}

// CommandTimeout is the kill deadline for mutating compose commands.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

// StatusTimeout is the kill deadline for status queries.
func (c Config) StatusTimeout() time.Duration {
	return time.Duration(c.StatusTimeoutSecs) * time.Second
}

// PollInterval is the supervisor tick interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// SessionTTL is the lifetime of a login session.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
