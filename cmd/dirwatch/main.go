// Command dirwatch watches a directory tree, caches the latest change per
// path, and serves the cache over HTTP: as a JSON array from /get_cache in
// pull mode, or one entry at a time over the /ws WebSocket in push mode. The
// cache is persisted to state.json on an optional timer and at shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/dirwatch/dirwatch/internal/agent"
	"github.com/dirwatch/dirwatch/internal/config"
)

type cli struct {
	Config        string `help:"Path to a YAML configuration file" type:"path" env:"DIRWATCH_CONFIG"`
	Path          string `short:"p" help:"Directory to watch" env:"DIRWATCH_PATH"`
	Host          string `help:"HTTP listen address (host:port)" env:"DIRWATCH_HOST"`
	Logs          bool   `short:"l" help:"Print a log line for every change"`
	LogLevel      string `help:"Minimum log level (debug, info, warn, error)"`
	Autosave      bool   `short:"a" help:"Save the cache to state.json periodically"`
	AutosaveDelay string `short:"d" help:"Autosave interval as N:unit (nsec, micsec, msec, sec, min, hour, day)"`
	Mode          string `help:"Delivery mode (push or pull)" env:"DIRWATCH_MODE"`
	Backend       string `help:"Watch backend (native, fsnotify, poll)"`
	StatePath     string `help:"State file path (default: state.json next to the executable)"`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("dirwatch"),
		kong.Description("Directory change watcher with a pull endpoint and a push WebSocket."),
	)

	cfg, err := params.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Enabled, cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", params.Config),
		slog.String("watch_path", cfg.WatchPath),
		slog.String("bind_addr", cfg.BindAddr),
		slog.String("mode", string(cfg.Mode)),
		slog.String("state_path", cfg.Persist.StatePath),
	)

	ag, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// load reads the configuration file, if any, applies flag overrides and
// validates the result.
func (c *cli) load() (*config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return nil, err
		}
	}
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overrides cfg with every flag that was given. Boolean flags only
// switch features on.
func (c *cli) apply(cfg *config.Config) {
	if c.Path != "" {
		cfg.WatchPath = c.Path
	}
	if c.Host != "" {
		cfg.BindAddr = c.Host
	}
	if c.Logs {
		cfg.Log.Enabled = true
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.Autosave {
		cfg.Autosave.Enabled = true
	}
	if c.AutosaveDelay != "" {
		cfg.Autosave.Interval = c.AutosaveDelay
	}
	if c.Mode != "" {
		cfg.Mode = config.Mode(c.Mode)
	}
	if c.Backend != "" {
		cfg.Watch.Backend = c.Backend
	}
	if c.StatePath != "" {
		cfg.Persist.StatePath = c.StatePath
	}
}

// newLogger constructs a JSON slog logger on stderr at the requested minimum
// level. A disabled logger discards every record.
func newLogger(enabled bool, level string) *slog.Logger {
	if !enabled {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
