// Package config loads the triage configuration from an optional YAML file
// overlaid by TRIAGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nshruti113/traffic-triage/internal/detection"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TRIAGE"

// Config is the full process configuration
type Config struct {
	Listen     ListenConfig     `mapstructure:"listen"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Flood      FloodConfig      `mapstructure:"flood"`
	Whitelist  []string         `mapstructure:"whitelist"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Forward    ForwardConfig    `mapstructure:"forward"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Log        LogConfig        `mapstructure:"log"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
}

type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=0,max=65535"`
}

// Addr joins host and port for net.Listen
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

type BreakerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Failures uint32        `mapstructure:"failures" validate:"min=1"`
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

type ClassifierConfig struct {
	URL           string        `mapstructure:"url" validate:"required,url"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FailurePolicy string        `mapstructure:"failure_policy" validate:"oneof=open closed"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type RateLimitConfig struct {
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
	Limit  int           `mapstructure:"limit" validate:"gt=0"`
}

// FloodConfig holds the per-category thresholds
type FloodConfig struct {
	SYN      float64 `mapstructure:"syn" validate:"gt=0"`
	PortScan float64 `mapstructure:"port_scan" validate:"gt=0"`
	ICMP     float64 `mapstructure:"icmp" validate:"gt=0"`
	UDP      float64 `mapstructure:"udp" validate:"gt=0"`
}

type IdentityConfig struct {
	MaxEntries int           `mapstructure:"max_entries" validate:"gt=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Shards     int           `mapstructure:"shards" validate:"gt=0,lte=1024"`
}

type ForwardConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	DefaultHost string        `mapstructure:"default_host" validate:"required"`
}

type ProxyConfig struct {
	MaxInFlight int64 `mapstructure:"max_inflight" validate:"min=0"`
}

type LedgerConfig struct {
	Path       string `mapstructure:"path" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file"`
}

type GeoConfig struct {
	Provider       string        `mapstructure:"provider" validate:"oneof=static ipapi"`
	DefaultCountry string        `mapstructure:"default_country" validate:"required,len=2"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
}

type CaptureConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Interface   string `mapstructure:"interface" validate:"required_if=Enabled true"`
	Filter      string `mapstructure:"filter"`
	Snaplen     int32  `mapstructure:"snaplen" validate:"gt=0"`
	Promiscuous bool   `mapstructure:"promiscuous"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

type OutboxConfig struct {
	Size int `mapstructure:"size" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 8080)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8888")

	v.SetDefault("classifier.url", "http://127.0.0.1:5050/predict")
	v.SetDefault("classifier.timeout", 5*time.Second)
	v.SetDefault("classifier.failure_policy", "open")
	v.SetDefault("classifier.breaker.enabled", true)
	v.SetDefault("classifier.breaker.failures", 5)
	v.SetDefault("classifier.breaker.cooldown", 30*time.Second)

	v.SetDefault("rate_limit.window", 60*time.Second)
	v.SetDefault("rate_limit.limit", 100)

	flood := detection.DefaultThresholds()
	v.SetDefault("flood.syn", flood.SYN)
	v.SetDefault("flood.port_scan", flood.PortScan)
	v.SetDefault("flood.icmp", flood.ICMP)
	v.SetDefault("flood.udp", flood.UDP)

	v.SetDefault("whitelist", []string{"127.0.0.1", "::1", "localhost"})

	v.SetDefault("identity.max_entries", 100000)
	v.SetDefault("identity.ttl", 30*time.Minute)
	v.SetDefault("identity.shards", 32)

	v.SetDefault("forward.timeout", 30*time.Second)
	v.SetDefault("forward.default_host", "localhost:5050")

	v.SetDefault("proxy.max_inflight", 0)

	v.SetDefault("ledger.path", "blocked_requests.log")
	v.SetDefault("ledger.max_size_mb", 100)
	v.SetDefault("ledger.max_backups", 5)
	v.SetDefault("ledger.compress", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("geo.provider", "static")
	v.SetDefault("geo.default_country", "US")
	v.SetDefault("geo.timeout", 2*time.Second)
	v.SetDefault("geo.base_url", "")

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.interface", "eth0")
	v.SetDefault("capture.filter", "ip")
	v.SetDefault("capture.snaplen", 65535)
	v.SetDefault("capture.promiscuous", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "triage")

	v.SetDefault("outbox.size", 1024)
}

// Load reads path (or triage.yaml from the working directory or
// /etc/triage when path is empty), applies TRIAGE_* overrides and
// validates the result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("triage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/triage")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Whitelist = splitList(cfg.Whitelist)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitList flattens comma separated entries and drops blanks
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
