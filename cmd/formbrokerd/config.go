package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// config holds formbrokerd's ambient settings (spec.md §1 explicitly
// leaves "CLI entry points, logging setup" out of the core's scope; this
// is that surrounding layer). The listener port remains the one
// positional argument spec.md §6 specifies; everything else here is
// additive.
type config struct {
	SandboxRoot   string `toml:"sandbox_root"`
	AppAddr       string `toml:"app_addr"`
	LogLevel      string `toml:"log_level"`
	AppMsgBacklog int    `toml:"app_msg_backlog"`
}

func defaultConfig() config {
	return config{
		SandboxRoot:   "formbroker-sessions",
		AppAddr:       "127.0.0.1:8765",
		LogLevel:      "info",
		AppMsgBacklog: 32,
	}
}

// loadConfig reads a TOML config file if path is non-empty and exists,
// layered over defaultConfig. A missing path is not an error — the
// zero-config case is defaultConfig alone.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("formbrokerd: parse config %s: %w", path, err)
	}
	return cfg, nil
}
