package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Process.IntervalSeconds != 2 {
		t.Fatalf("unexpected process IntervalSeconds: %d", cfg.Process.IntervalSeconds)
	}
	if cfg.Process.IncludeSystem {
		t.Fatal("IncludeSystem = true, want false")
	}
	if !reflect.DeepEqual(cfg.Process.SystemAccounts, []string{"root", "_windowserver", "nobody"}) {
		t.Fatalf("unexpected SystemAccounts: %v", cfg.Process.SystemAccounts)
	}
	if cfg.Startup.IntervalSeconds != 30 {
		t.Fatalf("unexpected startup IntervalSeconds: %d", cfg.Startup.IntervalSeconds)
	}
	if cfg.Startup.StatusTTL() != 5*time.Second {
		t.Fatalf("unexpected StatusTTL: %v", cfg.Startup.StatusTTL())
	}
	if cfg.Startup.CommandTimeout() != 5*time.Second {
		t.Fatalf("unexpected CommandTimeout: %v", cfg.Startup.CommandTimeout())
	}
	if !cfg.Startup.WatchDefinitions {
		t.Fatal("WatchDefinitions = false, want true")
	}
	if !cfg.DBus.Enabled || cfg.DBus.Bus != BusSession || !cfg.DBus.WakeMonitor {
		t.Fatalf("unexpected DBus config: %+v", cfg.DBus)
	}
}

func TestLoad_OverridesAndKeepsDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[process]
interval_seconds = 3
include_system = true

[startup]
interval_seconds = 0
user_only = true
daemon_dirs = ["/opt/daemons/"]

[dbus]
bus = "System"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Process.Interval() != 3*time.Second {
		t.Fatalf("Process.Interval() = %v, want 3s", cfg.Process.Interval())
	}
	if !cfg.Process.IncludeSystem {
		t.Fatal("IncludeSystem = false, want true")
	}
	if len(cfg.Process.SystemAccounts) != 3 {
		t.Fatalf("SystemAccounts = %v, want defaults", cfg.Process.SystemAccounts)
	}
	if cfg.Startup.Interval() != 0 {
		t.Fatalf("Startup.Interval() = %v, want 0", cfg.Startup.Interval())
	}
	if !cfg.Startup.UserOnly {
		t.Fatal("UserOnly = false, want true")
	}
	if !reflect.DeepEqual(cfg.Startup.DaemonDirs, []string{"/opt/daemons"}) {
		t.Fatalf("DaemonDirs = %v, want [/opt/daemons]", cfg.Startup.DaemonDirs)
	}
	if len(cfg.Startup.AgentDirs) != 2 {
		t.Fatalf("AgentDirs = %v, want defaults", cfg.Startup.AgentDirs)
	}
	if cfg.DBus.Bus != BusSystem {
		t.Fatalf("Bus = %q, want %q", cfg.DBus.Bus, BusSystem)
	}
	if !cfg.DBus.Enabled {
		t.Fatal("DBus.Enabled = false, want default true")
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeTempConfig(t, `
[startup]
user_agent_dir = "~/Library/LaunchAgents"
agent_dirs = ["~/extra"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(home, "Library", "LaunchAgents"); cfg.Startup.UserAgentDir != want {
		t.Fatalf("UserAgentDir = %q, want %q", cfg.Startup.UserAgentDir, want)
	}
	if want := filepath.Join(home, "extra"); cfg.Startup.AgentDirs[0] != want {
		t.Fatalf("AgentDirs[0] = %q, want %q", cfg.Startup.AgentDirs[0], want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("Load() error = nil, want missing file error")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("Load() error = %v, want not-exist error", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if found {
		t.Fatal("found = true for a missing file")
	}
	if strings.HasPrefix(cfg.Startup.UserAgentDir, "~") {
		t.Fatalf("UserAgentDir = %q, want expanded", cfg.Startup.UserAgentDir)
	}

	path := writeTempConfig(t, "[process]\ninterval_seconds = 9\n")
	cfg, found, err = LoadOrDefault(path)
	if err != nil || !found {
		t.Fatalf("LoadOrDefault() = found %v, error %v", found, err)
	}
	if cfg.Process.IntervalSeconds != 9 {
		t.Fatalf("IntervalSeconds = %d, want 9", cfg.Process.IntervalSeconds)
	}

	bad := writeTempConfig(t, "[process]\ninterval_seconds = 0\n")
	if _, _, err := LoadOrDefault(bad); err == nil {
		t.Fatal("LoadOrDefault() error = nil for an invalid file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTempConfig(t, "not = [valid")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want TOML parse error")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		contents   string
		wantErrSub string
	}{
		{
			name: "process interval must be positive",
			contents: `
[process]
interval_seconds = 0
`,
			wantErrSub: "process.interval_seconds must be between 1 and 3600",
		},
		{
			name: "startup interval must not be negative",
			contents: `
[startup]
interval_seconds = -1
`,
			wantErrSub: "startup.interval_seconds must be between 0 and 86400",
		},
		{
			name: "status ttl must be positive",
			contents: `
[startup]
daemon_status_ttl_seconds = 0
`,
			wantErrSub: "startup.daemon_status_ttl_seconds",
		},
		{
			name: "command timeout bounded",
			contents: `
[startup]
command_timeout_seconds = 301
`,
			wantErrSub: "startup.command_timeout_seconds",
		},
		{
			name: "relative agent dir",
			contents: `
[startup]
agent_dirs = ["/Library/LaunchAgents", "relative/dir"]
`,
			wantErrSub: "startup.agent_dirs[1] must be an absolute path",
		},
		{
			name: "empty user agent dir",
			contents: `
[startup]
user_agent_dir = "  "
`,
			wantErrSub: "startup.user_agent_dir must not be empty",
		},
		{
			name: "unknown bus",
			contents: `
[dbus]
bus = "tcp"
`,
			wantErrSub: "dbus.bus must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.contents)

			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErrSub)
			}
			if !strings.Contains(err.Error(), tt.wantErrSub) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tt.wantErrSub)
			}
		})
	}
}

func TestNormalizeAndValidate_TrimsAccounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Startup.UserAgentDir = "/Users/test/Library/LaunchAgents"
	cfg.Process.SystemAccounts = []string{" root ", "", "daemon"}

	got, err := NormalizeAndValidate(cfg)
	if err != nil {
		t.Fatalf("NormalizeAndValidate() error = %v", err)
	}
	if !reflect.DeepEqual(got.Process.SystemAccounts, []string{"root", "daemon"}) {
		t.Fatalf("SystemAccounts = %v", got.Process.SystemAccounts)
	}
	if cfg.Process.SystemAccounts[0] != " root " {
		t.Fatal("NormalizeAndValidate() modified its input")
	}
}

func TestNormalizeAndValidate_Nil(t *testing.T) {
	if _, err := NormalizeAndValidate(nil); err == nil {
		t.Fatal("NormalizeAndValidate(nil) error = nil")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Process.IntervalSeconds = 7
	cfg.Startup.UserOnly = true
	cfg.DBus.Bus = BusSystem
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Process.IntervalSeconds != 7 || !loaded.Startup.UserOnly || loaded.DBus.Bus != BusSystem {
		t.Fatalf("loaded = %+v", loaded)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only the config file", len(entries))
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Process.IntervalSeconds = 0
	if err := Save(path, cfg); err == nil {
		t.Fatal("Save() error = nil, want validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Stat() error = %v, want file not written", err)
	}
	if err := Save("  ", DefaultConfig()); err == nil {
		t.Fatal("Save(empty path) error = nil")
	}
}
