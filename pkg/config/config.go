package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// maxConfigSize caps the configuration file read by Load.
const maxConfigSize = 1 << 20

// EnvPrefix prefixes every environment override, e.g. CALC_RUNTIME_TASK_TIMEOUT.
const EnvPrefix = "CALC"

// Config represents the calculator configuration
type Config struct {
	Port       int    `mapstructure:"port" yaml:"port"`
	Host       string `mapstructure:"host" yaml:"host"`
	ServerMode bool   `mapstructure:"server_mode" yaml:"server_mode"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// MetricsConfig holds the metrics and health endpoint settings
type MetricsConfig struct {
	// Port of the /metrics and /health server. Zero disables it.
	Port int `mapstructure:"port" yaml:"port"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Exporter    string `mapstructure:"exporter" yaml:"exporter"` // none, stdout, otlp
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

// RuntimeConfig holds agent runtime and transport settings
type RuntimeConfig struct {
	TaskTimeout    time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	ListenHost     string        `mapstructure:"listen_host" yaml:"listen_host"`
	EnableMetrics  bool          `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// MarshalYAML writes durations in their readable form.
func (r RuntimeConfig) MarshalYAML() (any, error) {
	return struct {
		TaskTimeout    string  `yaml:"task_timeout"`
		ResolveTimeout string  `yaml:"resolve_timeout"`
		ConnectTimeout string  `yaml:"connect_timeout"`
		RateLimit      float64 `yaml:"rate_limit"`
		RateBurst      int     `yaml:"rate_burst"`
		ListenHost     string  `yaml:"listen_host"`
		EnableMetrics  bool    `yaml:"enable_metrics"`
	}{
		TaskTimeout:    r.TaskTimeout.String(),
		ResolveTimeout: r.ResolveTimeout.String(),
		ConnectTimeout: r.ConnectTimeout.String(),
		RateLimit:      r.RateLimit,
		RateBurst:      r.RateBurst,
		ListenHost:     r.ListenHost,
		EnableMetrics:  r.EnableMetrics,
	}, nil
}

// TLSConfig holds TLS settings for node-to-node connections
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	ServerName         string `mapstructure:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// DirectoryConfig holds the name directory settings
type DirectoryConfig struct {
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	Advertise string        `mapstructure:"advertise" yaml:"advertise"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Prefix    string        `mapstructure:"prefix" yaml:"prefix"`
}

// MarshalYAML writes the TTL in its readable form.
func (d DirectoryConfig) MarshalYAML() (any, error) {
	return struct {
		RedisAddr string `yaml:"redis_addr"`
		Advertise string `yaml:"advertise"`
		TTL       string `yaml:"ttl"`
		Prefix    string `yaml:"prefix"`
	}{d.RedisAddr, d.Advertise, d.TTL.String(), d.Prefix}, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 0)
	v.SetDefault("host", "localhost")
	v.SetDefault("server_mode", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.port", 0)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "calculator")
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("runtime.task_timeout", 10*time.Second)
	v.SetDefault("runtime.resolve_timeout", time.Duration(0))
	v.SetDefault("runtime.connect_timeout", 5*time.Second)
	v.SetDefault("runtime.rate_limit", 0.0)
	v.SetDefault("runtime.rate_burst", 100)
	v.SetDefault("runtime.listen_host", "")
	v.SetDefault("runtime.enable_metrics", true)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.server_name", "")
	v.SetDefault("tls.insecure_skip_verify", false)

	v.SetDefault("directory.redis_addr", "")
	v.SetDefault("directory.advertise", "")
	v.SetDefault("directory.ttl", 30*time.Second)
	v.SetDefault("directory.prefix", "calculator:endpoints:")
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"port":           "port",
	"host":           "host",
	"server-mode":    "server_mode",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"metrics-port":   "metrics.port",
	"trace-exporter": "tracing.exporter",
	"redis-addr":     "directory.redis_addr",
	"advertise":      "directory.advertise",
}

// RegisterFlags defines the calculator flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.IntP("port", "p", 0, "port to publish at (server) or connect to (client)")
	fs.StringP("host", "H", "localhost", "host of the server (client only)")
	fs.BoolP("server-mode", "s", false, "run in server mode")
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text, json")
	fs.Int("metrics-port", 0, "port for /metrics and /health, 0 disables")
	fs.String("trace-exporter", "none", "trace exporter: none, stdout, otlp")
	fs.String("redis-addr", "", "redis address of the endpoint directory")
	fs.String("advertise", "", "name to advertise the published server under (server only)")
}

// Load builds the configuration from defaults, the optional config file
// named by the --config flag, CALC_ environment variables, and flags that
// were set explicitly, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var path string
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes the configuration to a YAML file that Load can read back.
func Save(cfg *Config, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// HasServer reports whether the configuration names a server to connect to.
func (c *Config) HasServer() bool {
	return c.Host != "" && c.Port > 0
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [0, 65535]", c.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port %d out of range [0, 65535]", c.Metrics.Port)
	}
	if c.ServerMode && c.Metrics.Port != 0 && c.Metrics.Port == c.Port {
		return fmt.Errorf("metrics port %d collides with the publish port", c.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown trace exporter %q (want none, stdout or otlp)", c.Tracing.Exporter)
	}
	if c.Runtime.TaskTimeout <= 0 {
		return fmt.Errorf("runtime.task_timeout must be positive")
	}
	if c.Runtime.ResolveTimeout < 0 || c.Runtime.ConnectTimeout < 0 {
		return fmt.Errorf("runtime timeouts must not be negative")
	}
	if c.Runtime.RateLimit < 0 {
		return fmt.Errorf("runtime.rate_limit must not be negative")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.Directory.Advertise != "" {
		if !c.ServerMode {
			return fmt.Errorf("directory.advertise requires server mode")
		}
		if c.Directory.RedisAddr == "" {
			return fmt.Errorf("directory.advertise requires directory.redis_addr")
		}
		if c.Directory.TTL < 2*time.Second {
			return fmt.Errorf("directory.ttl must be at least 2s")
		}
	}
	return nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", cfg.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
