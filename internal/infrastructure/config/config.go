package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Detector DetectorConfig `mapstructure:"detector"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Models   ModelsConfig   `mapstructure:"models"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // 0 = none; SSE must not carry a write deadline
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig configures the backend the proxy forwards to.
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Dialect         string        `mapstructure:"dialect"` // openai, ollama
	UnaryTimeout    time.Duration `mapstructure:"unary_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	IdleReadTimeout time.Duration `mapstructure:"idle_read_timeout"` // 0 = none
	Retry           RetryConfig   `mapstructure:"retry"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// RetryConfig controls the upstream retry loop.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// BreakerConfig controls the upstream circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// ToolsConfig controls synthetic tool-calling.
type ToolsConfig struct {
	PassTools   bool              `mapstructure:"pass_tools"` // keep native tool fields alongside the injected prompt
	Reinjection ReinjectionConfig `mapstructure:"reinjection"`
}

// ReinjectionConfig controls mid-conversation instruction reminders.
type ReinjectionConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MessageThreshold int    `mapstructure:"message_threshold"`
	TokenThreshold   int    `mapstructure:"token_threshold"`
	Role             string `mapstructure:"role"` // auto, system, user
}

// DetectorConfig bounds the streaming tool-call detector.
type DetectorConfig struct {
	WindowSize    int `mapstructure:"window_size"`
	MaxBufferSize int `mapstructure:"max_buffer_size"`
}

// CatalogConfig controls the model-catalog cache.
type CatalogConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ModelsConfig points at the optional model-capability manifest.
type ModelsConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Load builds the configuration. Precedence (low to high): defaults,
// config file (TOOLBRIDGE_CONFIG path, else ./config.yaml), environment
// variables with the TOOLBRIDGE_ prefix (dots become underscores).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path := os.Getenv("TOOLBRIDGE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TOOLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 11435)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("upstream.base_url", "http://127.0.0.1:11434")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.dialect", "ollama")
	v.SetDefault("upstream.unary_timeout", 30*time.Second)
	v.SetDefault("upstream.connect_timeout", 30*time.Second)
	v.SetDefault("upstream.idle_read_timeout", 0)
	v.SetDefault("upstream.retry.max_retries", 2)
	v.SetDefault("upstream.retry.base_backoff", 500*time.Millisecond)
	v.SetDefault("upstream.retry.max_backoff", 3*time.Second)
	v.SetDefault("upstream.breaker.enabled", true)
	v.SetDefault("upstream.breaker.failure_threshold", 5)
	v.SetDefault("upstream.breaker.recovery_timeout", 30*time.Second)

	v.SetDefault("tools.pass_tools", false)
	v.SetDefault("tools.reinjection.enabled", false)
	v.SetDefault("tools.reinjection.message_threshold", 8)
	v.SetDefault("tools.reinjection.token_threshold", 2000)
	v.SetDefault("tools.reinjection.role", "auto")

	v.SetDefault("detector.window_size", 64)
	v.SetDefault("detector.max_buffer_size", 64*1024)

	v.SetDefault("catalog.ttl", 5*time.Minute)
	v.SetDefault("catalog.fetch_timeout", 10*time.Second)

	v.SetDefault("models.manifest_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url is not a valid URL: %q", c.Upstream.BaseURL)
	}
	switch c.Upstream.Dialect {
	case "openai", "ollama":
	default:
		return fmt.Errorf("upstream.dialect must be openai or ollama, got %q", c.Upstream.Dialect)
	}
	switch c.Tools.Reinjection.Role {
	case "auto", "system", "user":
	default:
		return fmt.Errorf("tools.reinjection.role must be auto, system or user, got %q", c.Tools.Reinjection.Role)
	}
	if c.Upstream.Retry.MaxRetries < 0 {
		return fmt.Errorf("upstream.retry.max_retries must be >= 0")
	}
	if c.Upstream.Retry.BaseBackoff <= 0 || c.Upstream.Retry.MaxBackoff < c.Upstream.Retry.BaseBackoff {
		return fmt.Errorf("upstream.retry backoff bounds are invalid")
	}
	if c.Detector.WindowSize <= 0 {
		return fmt.Errorf("detector.window_size must be > 0")
	}
	if c.Detector.MaxBufferSize < c.Detector.WindowSize {
		return fmt.Errorf("detector.max_buffer_size must be >= detector.window_size")
	}
	if c.Tools.Reinjection.MessageThreshold <= 0 || c.Tools.Reinjection.TokenThreshold <= 0 {
		return fmt.Errorf("tools.reinjection thresholds must be > 0")
	}
	return nil
}
