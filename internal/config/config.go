// Package config provides YAML configuration loading and validation for
// dirwatch.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StateFileName is the name of the persisted cache snapshot.
const StateFileName = "state.json"

// Sentinel causes carried by *Error.
var (
	ErrUnknownUnit = errors.New("unknown interval unit")
	ErrUnknownMode = errors.New("unknown delivery mode")
	ErrInvalid     = errors.New("invalid value")
	ErrRequired    = errors.New("value is required")
)

// Error describes one invalid configuration field. Validation failures are
// always of this type, possibly several joined with errors.Join.
type Error struct {
	Field string
	Value string
	Err   error
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Mode selects the delivery surface.
type Mode string

const (
	// ModePull serves snapshots at /get_cache only.
	ModePull Mode = "pull"
	// ModePush additionally streams popped entries over /ws.
	ModePush Mode = "push"
)

// ParseMode validates s as a delivery mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePull, ModePush:
		return Mode(s), nil
	default:
		return "", &Error{Field: "mode", Value: s, Err: ErrUnknownMode}
	}
}

// Config is the top-level configuration structure.
type Config struct {
	// WatchPath is the directory tree to watch recursively. Required.
	WatchPath string `yaml:"watch_path"`

	// BindAddr is the HTTP listen address. Defaults to "127.0.0.1:8080".
	BindAddr string `yaml:"bind_addr"`

	// Mode is "push" or "pull". Defaults to "pull".
	Mode Mode `yaml:"mode"`

	Log      LogConfig      `yaml:"log"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Persist  PersistConfig  `yaml:"persist"`
	Watch    WatchConfig    `yaml:"watch"`
	Cache    CacheConfig    `yaml:"cache"`
	Push     PushConfig     `yaml:"push"`
	Journal  JournalConfig  `yaml:"journal"`
	Auth     AuthConfig     `yaml:"auth"`
}

// LogConfig controls runtime logging.
type LogConfig struct {
	// Enabled turns runtime logging on. Off by default.
	Enabled bool `yaml:"enabled"`
	// Level is "debug", "info", "warn", or "error". Defaults to "info".
	Level string `yaml:"level"`
}

// AutosaveConfig controls periodic persistence.
type AutosaveConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is "N:unit" with unit one of nsec, micsec, msec, sec, min,
	// hour, day. Defaults to "5:min".
	Interval string `yaml:"interval"`
}

// PersistConfig names the persistence sinks. The state file is always
// written; the others are optional mirrors.
type PersistConfig struct {
	// StatePath defaults to state.json next to the running executable.
	StatePath string `yaml:"state_path"`
	// Restore reloads StatePath into the cache at startup.
	Restore     bool   `yaml:"restore"`
	SQLitePath  string `yaml:"sqlite_path"`
	BoltPath    string `yaml:"bolt_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// WatchConfig tunes the directory watcher.
type WatchConfig struct {
	// Backend is "native", "fsnotify", or "poll". Defaults to "native".
	Backend      string        `yaml:"backend"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ExitOnFailure ends the process when the watcher fails at runtime.
	// When false the last known cache is served with degraded health.
	ExitOnFailure bool `yaml:"exit_on_failure"`
}

// CacheConfig bounds the event cache.
type CacheConfig struct {
	// MaxEntries is the size limit; 0 means unbounded.
	MaxEntries int `yaml:"max_entries"`
}

// PushConfig tunes the push surface.
type PushConfig struct {
	// Interval is the per-client poll period. Defaults to 10ms.
	Interval time.Duration `yaml:"interval"`
}

// JournalConfig enables the hash-chained change journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig enables bearer-token authentication on the delivery routes.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret. Empty disables authentication.
	JWTSecret string `yaml:"jwt_secret"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends is the set of accepted watch backends.
var validBackends = map[string]bool{
	"native":   true,
	"fsnotify": true,
	"poll":     true,
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		BindAddr: "127.0.0.1:8080",
		Mode:     ModePull,
		Log:      LogConfig{Level: "info"},
		Autosave: AutosaveConfig{Interval: "5:min"},
		Persist:  PersistConfig{Restore: true},
		Watch: WatchConfig{
			Backend:       "native",
			PollTimeout:   100 * time.Millisecond,
			BufferSize:    8192,
			PollInterval:  500 * time.Millisecond,
			ExitOnFailure: true,
		},
		Push: PushConfig{Interval: 10 * time.Millisecond},
	}
}

// Load reads the YAML file at path over the defaults. It does not validate;
// callers apply any overrides and then call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads, defaults and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// Validate fills remaining defaults and checks every field. All problems are
// reported together; each is a *Error.
func (c *Config) Validate() error {
	applyDefaults(c)
	return validate(c)
}

// AutosaveInterval returns the parsed autosave interval. Only meaningful
// after Validate has succeeded.
func (c *Config) AutosaveInterval() time.Duration {
	d, _ := ParseInterval(c.Autosave.Interval)
	return d
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Autosave.Interval == "" {
		cfg.Autosave.Interval = def.Autosave.Interval
	}
	if cfg.Watch.Backend == "" {
		cfg.Watch.Backend = def.Watch.Backend
	}
	if cfg.Watch.PollTimeout == 0 {
		cfg.Watch.PollTimeout = def.Watch.PollTimeout
	}
	if cfg.Watch.BufferSize == 0 {
		cfg.Watch.BufferSize = def.Watch.BufferSize
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = def.Watch.PollInterval
	}
	if cfg.Push.Interval == 0 {
		cfg.Push.Interval = def.Push.Interval
	}
	if cfg.Persist.StatePath == "" {
		cfg.Persist.StatePath = DefaultStatePath()
	}
	if cfg.WatchPath != "" {
		if abs, err := filepath.Abs(cfg.WatchPath); err == nil {
			cfg.WatchPath = abs
		}
	}
}

// DefaultStatePath is state.json in the directory of the running executable,
// or in the working directory if the executable cannot be located.
func DefaultStatePath() string {
	exe, err := os.Executable()
	if err != nil {
		return StateFileName
	}
	return filepath.Join(filepath.Dir(exe), StateFileName)
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.WatchPath == "" {
		errs = append(errs, &Error{Field: "watch_path", Err: ErrRequired})
	} else if info, err := os.Stat(cfg.WatchPath); err != nil || !info.IsDir() {
		errs = append(errs, &Error{Field: "watch_path", Value: cfg.WatchPath,
			Err: fmt.Errorf("%w: must be an existing directory", ErrInvalid)})
	}

	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		errs = append(errs, &Error{Field: "bind_addr", Value: cfg.BindAddr, Err: fmt.Errorf("%w: %v", ErrInvalid, err)})
	}

	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		errs = append(errs, err)
	}

	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, &Error{Field: "log.level", Value: cfg.Log.Level,
			Err: fmt.Errorf("%w: must be one of: debug, info, warn, error", ErrInvalid)})
	}

	if _, err := ParseInterval(cfg.Autosave.Interval); err != nil {
		errs = append(errs, err)
	}

	if !validBackends[cfg.Watch.Backend] {
		errs = append(errs, &Error{Field: "watch.backend", Value: cfg.Watch.Backend,
			Err: fmt.Errorf("%w: must be one of: native, fsnotify, poll", ErrInvalid)})
	}
	if cfg.Watch.PollTimeout < 0 {
		errs = append(errs, &Error{Field: "watch.poll_timeout", Value: cfg.Watch.PollTimeout.String(), Err: ErrInvalid})
	}
	if cfg.Watch.BufferSize < 0 {
		errs = append(errs, &Error{Field: "watch.buffer_size", Value: strconv.Itoa(cfg.Watch.BufferSize), Err: ErrInvalid})
	}
	if cfg.Watch.PollInterval < 0 {
		errs = append(errs, &Error{Field: "watch.poll_interval", Value: cfg.Watch.PollInterval.String(), Err: ErrInvalid})
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, &Error{Field: "cache.max_entries", Value: strconv.Itoa(cfg.Cache.MaxEntries), Err: ErrInvalid})
	}
	if cfg.Push.Interval < 0 {
		errs = append(errs, &Error{Field: "push.interval", Value: cfg.Push.Interval.String(), Err: ErrInvalid})
	}

	return errors.Join(errs...)
}

var intervalUnits = map[string]time.Duration{
	"nsec":   time.Nanosecond,
	"micsec": time.Microsecond,
	"msec":   time.Millisecond,
	"sec":    time.Second,
	"min":    time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseInterval parses an autosave interval of the form "N:unit", where N is
// a positive integer and unit is one of nsec, micsec, msec, sec, min, hour,
// day. Any other unit is rejected with ErrUnknownUnit.
func ParseInterval(s string) (time.Duration, error) {
	fail := func(err error) (time.Duration, error) {
		return 0, &Error{Field: "autosave.interval", Value: s, Err: err}
	}

	magnitude, unit, ok := strings.Cut(s, ":")
	if !ok {
		return fail(fmt.Errorf("%w: expected N:unit", ErrInvalid))
	}

	scale, known := intervalUnits[unit]
	if !known {
		return fail(fmt.Errorf("%w %q: must be one of nsec, micsec, msec, sec, min, hour, day", ErrUnknownUnit, unit))
	}

	n, err := strconv.ParseUint(magnitude, 10, 64)
	if err != nil {
		return fail(fmt.Errorf("%w: magnitude %q is not a non-negative integer", ErrInvalid, magnitude))
	}
	if n == 0 {
		return fail(fmt.Errorf("%w: interval must be positive", ErrInvalid))
	}
	if n > uint64(math.MaxInt64/int64(scale)) {
		return fail(fmt.Errorf("%w: interval overflows", ErrInvalid))
	}

	return time.Duration(n) * scale, nil
}
