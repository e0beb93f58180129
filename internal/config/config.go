package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Default ports the managed runtime listens on. The coordinator control port
// doubles as the readiness check target during startup.
const (
	DefaultCoordinatorPort = 53290
	DefaultDaemonPort      = 53291
)

// Config is the persistent state stored at <home>/config.toml.
// ActiveVersion is the version string of the currently selected dora build;
// empty means no version has ever been activated.
type Config struct {
	ActiveVersion   string        `toml:"active_version" mapstructure:"active_version"`
	CoordinatorPort int           `toml:"coordinator_port" mapstructure:"coordinator_port"`
	DaemonPort      int           `toml:"daemon_port" mapstructure:"daemon_port"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

// ResolveHome determines the dm home directory.
// Priority: explicit flag > DM_HOME env > ~/.dm
func ResolveHome(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("DM_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".dm"), nil
}

func ConfigPath(home string) string { return filepath.Join(home, "config.toml") }

// VersionsDir holds one subdirectory per installed version.
func VersionsDir(home string) string { return filepath.Join(home, "versions") }

// RunDir holds pid files for the supervised processes.
func RunDir(home string) string { return filepath.Join(home, "run") }

// LogsDir holds rotated stdout/stderr logs of the supervised processes.
func LogsDir(home string) string { return filepath.Join(home, "logs") }

// Load reads config.toml under home. A missing file is not an error and
// yields the zero Config so first-run commands work without setup.
func Load(home string) (Config, error) {
	path := ConfigPath(home)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config.toml atomically: marshal to a temp file in the same
// directory, then rename over the target. Concurrent readers observe either
// the old or the new content, never a partial write.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o750); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(home, ".config-*.toml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, ConfigPath(home)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// CoordinatorPortOr returns the configured coordinator port or the default.
func (c Config) CoordinatorPortOr() int {
	if c.CoordinatorPort > 0 {
		return c.CoordinatorPort
	}
	return DefaultCoordinatorPort
}

// DaemonPortOr returns the configured daemon port or the default.
func (c Config) DaemonPortOr() int {
	if c.DaemonPort > 0 {
		return c.DaemonPort
	}
	return DefaultDaemonPort
}

// StopGraceOr returns the configured stop grace period or def.
func (c Config) StopGraceOr(def time.Duration) time.Duration {
	if c.StopGrace > 0 {
		return c.StopGrace
	}
	return def
}
