package acpbridge

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Settings is the runtime configuration, read from ACP2_* environment
// variables. Flags on the serve command override individual fields.
type Settings struct {
	// AuthToken guards the HTTP surface. Empty disables auth.
	AuthToken string

	LogLevel string

	// DBPath is the SQLite database file.
	DBPath string

	BindAddr string
	BindPort int

	// AgentsConfig is the path to the agent catalog file.
	AgentsConfig string

	// IdleTimeout is how long an agent process may sit unused before
	// the sweeper terminates it.
	IdleTimeout time.Duration

	// WorkDir is the cwd sent to agents on session/new. Defaults to
	// the bridge's working directory.
	WorkDir string
}

// LoadSettings reads settings from the environment, applying defaults.
func LoadSettings() (Settings, error) {
	s := Settings{
		AuthToken:    os.Getenv("ACP2_AUTH_TOKEN"),
		LogLevel:     envOr("ACP2_LOG_LEVEL", "info"),
		DBPath:       envOr("ACP2_DB_PATH", "./acp2.db"),
		BindAddr:     envOr("ACP2_BIND_ADDR", "0.0.0.0"),
		BindPort:     8001,
		AgentsConfig: envOr("ACP2_AGENTS_CONFIG", "config/agents.json"),
		IdleTimeout:  30 * time.Minute,
		WorkDir:      os.Getenv("ACP2_WORKDIR"),
	}

	if v := os.Getenv("ACP2_BIND_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil || port < 1 || port > 65535 {
			return s, Errorf(KindConfig, "invalid ACP2_BIND_PORT %q", v)
		}
		s.BindPort = port
	}
	if v := os.Getenv("ACP2_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return s, Errorf(KindConfig, "invalid ACP2_IDLE_TIMEOUT %q", v)
		}
		s.IdleTimeout = d
	}
	if s.WorkDir == "" {
		s.WorkDir, _ = os.Getwd()
	}
	return s, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// ListenAddr is the host:port the server binds.
func (s Settings) ListenAddr() string {
	return net.JoinHostPort(s.BindAddr, fmt.Sprintf("%d", s.BindPort))
}

// SlogLevel maps the configured level name onto slog.
func (s Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
