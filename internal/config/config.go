// Package config loads goalproxy settings.
//
// Settings are layered: built-in defaults, then a TOML or YAML file, then
// GOALPROXY_ environment variables, then command-line flags applied by the
// caller. Only tracker.debounce and log.verbosity are applied on reload; the
// rest take effect at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/goalproxy/internal/config/loader"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "GOALPROXY_"

// ErrInvalid is returned for settings that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string such as "150ms".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every goalproxy setting.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Session   SessionConfig   `toml:"session"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// BackendConfig describes the language server child process.
type BackendConfig struct {
	Command  string            `toml:"command"`
	Args     []string          `toml:"args"`
	Dir      string            `toml:"dir"`
	Env      map[string]string `toml:"env"`
	UnsetEnv []string          `toml:"unsetEnv"`
}

// TrackerConfig configures cursor tracking.
type TrackerConfig struct {
	// Debounce is the live-typing window; zero disables debouncing.
	Debounce Duration `toml:"debounce"`
}

// SessionConfig configures the RPC side channel.
type SessionConfig struct {
	KeepAlive     Duration `toml:"keepAlive"`
	KeepAliveMode string   `toml:"keepAliveMode"`
}

// BroadcastConfig configures the display socket.
type BroadcastConfig struct {
	Disabled bool `toml:"disabled"`

	// Socket overrides the socket path.
	Socket string `toml:"socket"`

	// PerProject derives the socket name from the working directory so that
	// several projects can run side by side.
	PerProject bool `toml:"perProject"`

	QueueSize    int      `toml:"queueSize"`
	WriteTimeout Duration `toml:"writeTimeout"`
}

// ProxyConfig configures the message router.
type ProxyConfig struct {
	// KeepRaw attaches the undecoded goals result to every snapshot.
	KeepRaw       bool     `toml:"keepRaw"`
	ShutdownGrace Duration `toml:"shutdownGrace"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Path      string `toml:"path"`
	Verbosity int    `toml:"verbosity"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Command:  "lake",
			Args:     []string{"serve", "--", "-D", "pp.showLetValues=true"},
			UnsetEnv: []string{"LEAN_PATH", "LEAN_SYSROOT"},
		},
		Tracker: TrackerConfig{Debounce: Duration(150 * time.Millisecond)},
		Session: SessionConfig{
			KeepAlive:     Duration(20 * time.Second),
			KeepAliveMode: "request",
		},
		Broadcast: BroadcastConfig{
			QueueSize:    32,
			WriteTimeout: Duration(5 * time.Second),
		},
		Proxy: ProxyConfig{ShutdownGrace: Duration(2 * time.Second)},
		Log: LogConfig{
			Path:      filepath.Join(os.TempDir(), "goalproxy.log"),
			Verbosity: 1,
		},
	}
}

// Validate checks setting ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.Command == "" {
		errs = append(errs, errors.New("backend.command is empty"))
	}
	if c.Tracker.Debounce < 0 {
		errs = append(errs, errors.New("tracker.debounce is negative"))
	}
	if c.Session.KeepAlive <= 0 {
		errs = append(errs, errors.New("session.keepAlive must be positive"))
	}
	switch c.Session.KeepAliveMode {
	case "request", "notification":
	default:
		errs = append(errs, fmt.Errorf("session.keepAliveMode %q is not request or notification", c.Session.KeepAliveMode))
	}
	if c.Broadcast.QueueSize < 1 {
		errs = append(errs, errors.New("broadcast.queueSize must be at least 1"))
	}
	if c.Broadcast.WriteTimeout <= 0 {
		errs = append(errs, errors.New("broadcast.writeTimeout must be positive"))
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 2 {
		errs = append(errs, fmt.Errorf("log.verbosity %d out of range", c.Log.Verbosity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BackendCommand returns the backend program followed by its arguments.
func (c Config) BackendCommand() []string {
	return append([]string{c.Backend.Command}, c.Backend.Args...)
}

// BackendEnv returns the extra backend environment as KEY=VALUE entries.
func (c Config) BackendEnv() []string {
	env := make([]string, 0, len(c.Backend.Env))
	for k, v := range c.Backend.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// RestartRequired reports whether next differs from prev in settings that
// are not applied on reload.
func RestartRequired(prev, next Config) bool {
	prev.Tracker, next.Tracker = TrackerConfig{}, TrackerConfig{}
	prev.Log.Verbosity, next.Log.Verbosity = 0, 0
	return !reflect.DeepEqual(prev, next)
}

// Load reads the file at path, if any, and the process environment.
func Load(path string) (Config, error) {
	sources := []loader.Loader{}
	if path != "" {
		sources = append(sources, loader.NewFileLoader(path))
	}
	env, err := envLoader(loader.NewEnvLoader(EnvPrefix))
	if err != nil {
		return Config{}, err
	}
	sources = append(sources, env)
	return LoadFrom(sources...)
}

// envLoader types environment values after the defaults, so a numeric log
// path stays a string and "yes" sets a bool.
func envLoader(l *loader.EnvLoader) (*loader.EnvLoader, error) {
	data, err := toml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	schema := map[string]any{}
	if err := toml.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	l.SetSchema(schema)
	return l, nil
}

// LoadFrom merges sources in order over the defaults.
func LoadFrom(sources ...loader.Loader) (Config, error) {
	merged := map[string]any{}
	for _, src := range sources {
		m, err := src.Load()
		if err != nil {
			return Config{}, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	cfg := Default()
	if err := decode(merged, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode applies a settings map onto cfg, leaving absent settings alone.
func decode(settings map[string]any, cfg *Config) error {
	if len(settings) == 0 {
		return nil
	}
	data, err := toml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// FileNames are the names Discover looks for, in order.
var FileNames = []string{"goalproxy.toml", ".goalproxy.toml", "goalproxy.yaml", "goalproxy.yml"}

// Discover returns the first configuration file found in dir or in the user
// configuration directory, or "" if there is none.
func Discover(dir string) string {
	dirs := []string{dir}
	if userDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(userDir, "goalproxy"))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		for _, name := range FileNames {
			path := filepath.Join(d, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}
