package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/goalproxy/internal/config/loader"
)

type mapLoader map[string]any

func (m mapLoader) Load() (map[string]any, error) { return m, nil }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	want := []string{"lake", "serve", "--", "-D", "pp.showLetValues=true"}
	got := cfg.BackendCommand()
	if len(got) != len(want) {
		t.Fatalf("BackendCommand() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BackendCommand()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadFromLayers(t *testing.T) {
	file := mapLoader{
		"tracker": map[string]any{"debounce": "300ms"},
		"session": map[string]any{"keepAlive": "10s"},
	}
	env, err := envLoader(loader.NewEnvLoaderFrom(EnvPrefix, []string{
		"GOALPROXY_TRACKER_DEBOUNCE=50ms",
		"GOALPROXY_BROADCAST_PER_PROJECT=yes",
	}))
	if err != nil {
		t.Fatalf("envLoader() error = %v", err)
	}
	cfg, err := LoadFrom(file, env)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Tracker.Debounce.Std() != 50*time.Millisecond {
		t.Errorf("debounce = %v, want env override 50ms", cfg.Tracker.Debounce.Std())
	}
	if cfg.Session.KeepAlive.Std() != 10*time.Second {
		t.Errorf("keepAlive = %v, want 10s", cfg.Session.KeepAlive.Std())
	}
	if !cfg.Broadcast.PerProject {
		t.Error("perProject not applied")
	}
	if cfg.Broadcast.QueueSize != 32 {
		t.Errorf("queueSize = %d, want default 32", cfg.Broadcast.QueueSize)
	}
}

func TestLoadFromEnvTyping(t *testing.T) {
	env, err := envLoader(loader.NewEnvLoaderFrom(EnvPrefix, []string{
		"GOALPROXY_LOG_PATH=1234",
		"GOALPROXY_BROADCAST_SOCKET=42",
		"GOALPROXY_BROADCAST_QUEUE_SIZE=8",
		"GOALPROXY_LOG_VERBOSITY=2",
		"GOALPROXY_PROXY_KEEP_RAW=true",
	}))
	if err != nil {
		t.Fatalf("envLoader() error = %v", err)
	}
	cfg, err := LoadFrom(env)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Log.Path != "1234" {
		t.Errorf("log.path = %q, want 1234", cfg.Log.Path)
	}
	if cfg.Broadcast.Socket != "42" {
		t.Errorf("broadcast.socket = %q, want 42", cfg.Broadcast.Socket)
	}
	if cfg.Broadcast.QueueSize != 8 || cfg.Log.Verbosity != 2 || !cfg.Proxy.KeepRaw {
		t.Errorf("typed values not applied: %+v", cfg)
	}

	// A unitless duration reaches the duration parser as text.
	env, err = envLoader(loader.NewEnvLoaderFrom(EnvPrefix, []string{"GOALPROXY_SESSION_KEEP_ALIVE=30"}))
	if err != nil {
		t.Fatalf("envLoader() error = %v", err)
	}
	_, err = LoadFrom(env)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("unitless duration error = %v, want ErrInvalid", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goalproxy.yaml")
	content := "backend:\n  command: lean\n  args: [\"--server\"]\n  env:\n    LAKE_HOME: /opt/lake\nlog:\n  verbosity: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(loader.NewFileLoader(path))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if got := cfg.BackendCommand(); len(got) != 2 || got[0] != "lean" || got[1] != "--server" {
		t.Errorf("BackendCommand() = %v", got)
	}
	if env := cfg.BackendEnv(); len(env) != 1 || env[0] != "LAKE_HOME=/opt/lake" {
		t.Errorf("BackendEnv() = %v", env)
	}
	if cfg.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", cfg.Log.Verbosity)
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings mapLoader
	}{
		{"unknown field", mapLoader{"tracker": map[string]any{"debounse": "1s"}}},
		{"bad duration", mapLoader{"tracker": map[string]any{"debounce": "soon"}}},
		{"negative debounce", mapLoader{"tracker": map[string]any{"debounce": "-1s"}}},
		{"bad mode", mapLoader{"session": map[string]any{"keepAliveMode": "ping"}}},
		{"empty queue", mapLoader{"broadcast": map[string]any{"queueSize": 0}}},
		{"empty command", mapLoader{"backend": map[string]any{"command": ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.settings)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("LoadFrom() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestRestartRequired(t *testing.T) {
	prev := Default()
	next := Default()
	next.Tracker.Debounce = Duration(time.Second)
	next.Log.Verbosity = 2
	if RestartRequired(prev, next) {
		t.Error("reloadable settings should not require a restart")
	}
	next.Broadcast.QueueSize = 4
	if !RestartRequired(prev, next) {
		t.Error("queue size change should require a restart")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	if got := Discover(dir); got != "" {
		t.Errorf("Discover() = %q, want none", got)
	}
	path := filepath.Join(dir, "goalproxy.yml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Discover(dir); got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goalproxy.toml")
	if err := os.WriteFile(path, []byte("[tracker]\ndebounce = \"100ms\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	applied := make(chan Config, 4)
	w, err := Watch(path, func() (Config, error) {
		return LoadFrom(loader.NewFileLoader(path))
	}, func(cfg Config) {
		applied <- cfg
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	// Invalid content is not applied.
	if err := os.WriteFile(path, []byte("[tracker\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * DefaultSettle)
	if err := os.WriteFile(path, []byte("[tracker]\ndebounce = \"400ms\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-applied:
		if cfg.Tracker.Debounce.Std() != 400*time.Millisecond {
			t.Errorf("debounce = %v, want 400ms", cfg.Tracker.Debounce.Std())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not applied")
	}
}
