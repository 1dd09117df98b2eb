// Package config loads process configuration for the server and stagectl.
package config

import (
	"log/slog"
	"strings"
)

type Log struct {
	Level string `env:"LOG_LEVEL" flag:"log-level" desc:"debug, info, warn or error" validate:"oneof=debug info warn error"`
	JSON  bool   `env:"LOG_JSON" flag:"log-json" desc:"always log JSON"`
}

// SlogLevel maps Level to a slog level.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (l *Log) setDefaults() {
	l.Level = strings.ToLower(l.Level)
	if l.Level == "" {
		l.Level = "info"
	}
}

type Staging struct {
	InterfaceAlias string `env:"INTERFACE_ALIAS" flag:"interface" desc:"network adapter for network changes" validate:"required"`
	ExportDir      string `env:"EXPORT_DIR" flag:"export-dir" desc:"directory for device export files" validate:"required"`
	Runner         string `env:"RUNNER" flag:"runner" desc:"command runner: powershell or wmi" validate:"oneof=powershell wmi"`
	PowerShellPath string `env:"POWERSHELL_PATH" flag:"powershell" desc:"PowerShell executable" validate:"required"`
}

func (s *Staging) setDefaults() {
	if s.InterfaceAlias == "" {
		s.InterfaceAlias = "Ethernet"
	}
	if s.ExportDir == "" {
		s.ExportDir = "."
	}
	s.Runner = strings.ToLower(s.Runner)
	if s.Runner == "" {
		s.Runner = "powershell"
	}
	if s.PowerShellPath == "" {
		s.PowerShellPath = "powershell.exe"
	}
}

type HTTP struct {
	ListenAddr string `env:"LISTEN_ADDR" flag:"listen-addr" desc:"HTTP listen address" validate:"required,hostname_port"`
	APIToken   string `env:"API_TOKEN" flag:"api-token" desc:"bearer token for /api routes" validate:"required"`
}

// Server configures cmd/server.
type Server struct {
	HTTP    HTTP
	Log     Log
	Staging Staging
}

func (c *Server) SetDefaults() {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "127.0.0.1:8080"
	}
	c.Log.setDefaults()
	c.Staging.setDefaults()
}

// CLI configures stagectl. It has no HTTP settings.
type CLI struct {
	Log     Log
	Staging Staging
}

func (c *CLI) SetDefaults() {
	c.Log.setDefaults()
	c.Staging.setDefaults()
}
