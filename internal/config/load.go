package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. CREWWATCH_SERVER_ADDR.
const EnvPrefix = "CREWWATCH"

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	viper      *viper.Viper
	configFile string
	envLookup  func(string) (string, bool)
	overrides  map[string]any
}

// WithViper loads from an existing viper instance, typically one with cobra
// flags already bound.
func WithViper(v *viper.Viper) Option {
	return func(o *loadOptions) { o.viper = v }
}

// WithConfigFile reads the given YAML file. A missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithEnvLookup replaces os.LookupEnv when computing provenance.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverride pins key to value above every other source.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		o.overrides[key] = value
	}
}

// NewViper returns a viper instance primed with defaults and env bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every known key so env overrides apply on Unmarshal.
func SetDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.allowed_origins", def.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("websocket.heartbeat_interval", def.WebSocket.HeartbeatInterval)
	v.SetDefault("websocket.flow_wait_timeout", def.WebSocket.FlowWaitTimeout)
	v.SetDefault("websocket.read_limit", def.WebSocket.ReadLimit)
	v.SetDefault("store.terminal_ttl", def.Store.TerminalTTL)
	v.SetDefault("store.reap_interval", def.Store.ReapInterval)
	v.SetDefault("store.max_terminal", def.Store.MaxTerminal)
	v.SetDefault("telemetry.max_events", def.Telemetry.MaxEvents)

	obs := def.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}

// Load resolves configuration from defaults, an optional file, environment
// variables and overrides, in increasing precedence.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	v := options.viper
	if v == nil {
		v = NewViper()
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, Metadata{}, fmt.Errorf("read config %s: %w", options.configFile, err)
		}
		meta.file = v.ConfigFileUsed()
	}

	for key, value := range options.overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	for _, key := range v.AllKeys() {
		switch {
		case options.overrides[key] != nil:
			meta.sources[key] = SourceOverride
		case envSet(options.envLookup, key):
			meta.sources[key] = SourceEnv
		case v.InConfig(key):
			meta.sources[key] = SourceFile
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func envSet(lookup func(string) (string, bool), key string) bool {
	if lookup == nil {
		return false
	}
	name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := lookup(name)
	return ok
}

func normalize(cfg *Config) {
	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)
	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		for _, part := range strings.Split(origin, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	cfg.Server.AllowedOrigins = origins
	cfg.Observability.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Level))
	cfg.Observability.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Format))
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	positive := map[string]time.Duration{
		"server.read_timeout":          c.Server.ReadTimeout,
		"websocket.heartbeat_interval": c.WebSocket.HeartbeatInterval,
		"websocket.flow_wait_timeout":  c.WebSocket.FlowWaitTimeout,
		"store.terminal_ttl":           c.Store.TerminalTTL,
		"store.reap_interval":          c.Store.ReapInterval,
	}
	for _, key := range []string{
		"server.read_timeout",
		"websocket.heartbeat_interval",
		"websocket.flow_wait_timeout",
		"store.terminal_ttl",
		"store.reap_interval",
	} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.WebSocket.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("websocket.read_limit must be positive, got %d", c.WebSocket.ReadLimit))
	}
	if c.Store.MaxTerminal <= 0 {
		errs = append(errs, fmt.Errorf("store.max_terminal must be positive, got %d", c.Store.MaxTerminal))
	}
	if c.Telemetry.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.max_events must be positive, got %d", c.Telemetry.MaxEvents))
	}
	switch c.Observability.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.format %q is not one of json, text, console", c.Observability.Logging.Format))
	}
	if rate := c.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_rate must be within [0,1], got %v", rate))
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(yamlView(c))
}

// yaml.v3 writes time.Duration as an integer; render durations as strings so
// the dump can be fed back through Load.
func yamlView(c Config) map[string]any {
	obs := c.Observability
	return map[string]any{
		"server": map[string]any{
			"addr":            c.Server.Addr,
			"allowed_origins": c.Server.AllowedOrigins,
			"read_timeout":    c.Server.ReadTimeout.String(),
		},
		"websocket": map[string]any{
			"heartbeat_interval": c.WebSocket.HeartbeatInterval.String(),
			"flow_wait_timeout":  c.WebSocket.FlowWaitTimeout.String(),
			"read_limit":         c.WebSocket.ReadLimit,
		},
		"store": map[string]any{
			"terminal_ttl":  c.Store.TerminalTTL.String(),
			"reap_interval": c.Store.ReapInterval.String(),
			"max_terminal":  c.Store.MaxTerminal,
		},
		"telemetry": map[string]any{
			"max_events": c.Telemetry.MaxEvents,
		},
		"observability": obs,
	}
}
