package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	minProcessIntervalSeconds = 1
	maxProcessIntervalSeconds = 3600
	minStartupIntervalSeconds = 0
	maxStartupIntervalSeconds = 86400
	minStatusTTLSeconds       = 1
	maxStatusTTLSeconds       = 3600
	minCommandTimeoutSeconds  = 1
	maxCommandTimeoutSeconds  = 300
)

const (
	BusSession = "session"
	BusSystem  = "system"
)

type Config struct {
	Process ProcessConfig `toml:"process"`
	Startup StartupConfig `toml:"startup"`
	DBus    DBusConfig    `toml:"dbus"`
}

type ProcessConfig struct {
	IntervalSeconds int      `toml:"interval_seconds"`
	IncludeSystem   bool     `toml:"include_system"`
	SystemAccounts  []string `toml:"system_accounts"`
}

type StartupConfig struct {
	// IntervalSeconds of 0 disables periodic scans.
	IntervalSeconds        int      `toml:"interval_seconds"`
	DaemonStatusTTLSeconds int      `toml:"daemon_status_ttl_seconds"`
	CommandTimeoutSeconds  int      `toml:"command_timeout_seconds"`
	UserOnly               bool     `toml:"user_only"`
	UserAgentDir           string   `toml:"user_agent_dir"`
	AgentDirs              []string `toml:"agent_dirs"`
	DaemonDirs             []string `toml:"daemon_dirs"`
	WatchDefinitions       bool     `toml:"watch_definitions"`
}

type DBusConfig struct {
	Enabled     bool   `toml:"enabled"`
	Bus         string `toml:"bus"`
	WakeMonitor bool   `toml:"wake_monitor"`
}

func (c ProcessConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c StartupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c StartupConfig) StatusTTL() time.Duration {
	return time.Duration(c.DaemonStatusTTLSeconds) * time.Second
}

func (c StartupConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func DefaultConfig() *Config {
	return &Config{
		Process: ProcessConfig{
			IntervalSeconds: 2,
			SystemAccounts:  []string{"root", "_windowserver", "nobody"},
		},
		Startup: StartupConfig{
			IntervalSeconds:        30,
			DaemonStatusTTLSeconds: 5,
			CommandTimeoutSeconds:  5,
			UserAgentDir:           "~/Library/LaunchAgents",
			AgentDirs:              []string{"/Library/LaunchAgents", "/System/Library/LaunchAgents"},
			DaemonDirs:             []string{"/Library/LaunchDaemons", "/System/Library/LaunchDaemons"},
			WatchDefinitions:       true,
		},
		DBus: DBusConfig{
			Enabled:     true,
			Bus:         BusSession,
			WakeMonitor: true,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
// found reports whether the file existed.
func LoadOrDefault(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = NormalizeAndValidate(DefaultConfig())
		return cfg, false, err
	}
	return cfg, err == nil, err
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	if err := validateRange("process.interval_seconds", sanitized.Process.IntervalSeconds, minProcessIntervalSeconds, maxProcessIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("startup.interval_seconds", sanitized.Startup.IntervalSeconds, minStartupIntervalSeconds, maxStartupIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("startup.daemon_status_ttl_seconds", sanitized.Startup.DaemonStatusTTLSeconds, minStatusTTLSeconds, maxStatusTTLSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("startup.command_timeout_seconds", sanitized.Startup.CommandTimeoutSeconds, minCommandTimeoutSeconds, maxCommandTimeoutSeconds); err != nil {
		return nil, err
	}

	sanitized.Process.SystemAccounts = trimList(sanitized.Process.SystemAccounts)

	var err error
	sanitized.Startup.UserAgentDir, err = sanitizePath("startup.user_agent_dir", sanitized.Startup.UserAgentDir)
	if err != nil {
		return nil, err
	}
	sanitized.Startup.AgentDirs, err = sanitizePaths("startup.agent_dirs", sanitized.Startup.AgentDirs)
	if err != nil {
		return nil, err
	}
	sanitized.Startup.DaemonDirs, err = sanitizePaths("startup.daemon_dirs", sanitized.Startup.DaemonDirs)
	if err != nil {
		return nil, err
	}

	bus := strings.ToLower(strings.TrimSpace(sanitized.DBus.Bus))
	switch bus {
	case "":
		bus = BusSession
	case BusSession, BusSystem:
	default:
		return nil, fmt.Errorf("dbus.bus must be %q or %q, got %q", BusSession, BusSystem, sanitized.DBus.Bus)
	}
	sanitized.DBus.Bus = bus

	return &sanitized, nil
}

// Save validates cfg and writes it to path as TOML. The file is replaced
// atomically so a concurrent Load never sees a partial write.
func Save(path string, cfg *Config) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}
	return writeAtomic(path, buf.Bytes(), 0o644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".procwatch-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// DefaultPath is $XDG_CONFIG_HOME/procwatch/config.toml, or the
// equivalent under the user's home.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "procwatch.toml"
	}
	return filepath.Join(dir, "procwatch", "config.toml")
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	cleaned := filepath.Clean(expanded)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func sanitizePaths(name string, values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		p, err := sanitizePath(fmt.Sprintf("%s[%d]", name, i), v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}
