package config

import (
	"time"

	"crewwatch/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultAddr              = ":8000"
	DefaultReadTimeout       = 15 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultFlowWaitTimeout   = 5 * time.Second
	DefaultReadLimit         = int64(1 << 20)
	DefaultTerminalTTL       = 30 * time.Minute
	DefaultReapInterval      = time.Minute
	DefaultMaxTerminal       = 256
	DefaultTelemetryEvents   = 500
)

// Config is the complete runtime configuration of the monitoring server.
type Config struct {
	Server        ServerConfig         `mapstructure:"server" yaml:"server"`
	WebSocket     WebSocketConfig      `mapstructure:"websocket" yaml:"websocket"`
	Store         StoreConfig          `mapstructure:"store" yaml:"store"`
	Telemetry     TelemetryConfig      `mapstructure:"telemetry" yaml:"telemetry"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// WebSocketConfig configures client connections.
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	FlowWaitTimeout   time.Duration `mapstructure:"flow_wait_timeout" yaml:"flow_wait_timeout"`
	ReadLimit         int64         `mapstructure:"read_limit" yaml:"read_limit"`
}

// StoreConfig configures retention of terminal executions.
type StoreConfig struct {
	TerminalTTL  time.Duration `mapstructure:"terminal_ttl" yaml:"terminal_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	MaxTerminal  int           `mapstructure:"max_terminal" yaml:"max_terminal"`
}

// TelemetryConfig bounds the per-execution trace buffer.
type TelemetryConfig struct {
	MaxEvents int `mapstructure:"max_events" yaml:"max_events"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           DefaultAddr,
			AllowedOrigins: []string{"*"},
			ReadTimeout:    DefaultReadTimeout,
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			FlowWaitTimeout:   DefaultFlowWaitTimeout,
			ReadLimit:         DefaultReadLimit,
		},
		Store: StoreConfig{
			TerminalTTL:  DefaultTerminalTTL,
			ReapInterval: DefaultReapInterval,
			MaxTerminal:  DefaultMaxTerminal,
		},
		Telemetry: TelemetryConfig{
			MaxEvents: DefaultTelemetryEvents,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Metadata captures provenance for loaded configuration values.
type Metadata struct {
	sources  map[string]ValueSource
	file     string
	loadedAt time.Time
}

// Source returns where key was resolved from.
func (m Metadata) Source(key string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if source, ok := m.sources[key]; ok {
		return source
	}
	return SourceDefault
}

// Sources returns a copy of every non-default provenance entry.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for key, value := range m.sources {
		out[key] = value
	}
	return out
}

// File reports the config file that was read, if any.
func (m Metadata) File() string {
	return m.file
}

// LoadedAt reports when the configuration was resolved.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
