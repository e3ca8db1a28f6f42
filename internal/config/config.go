// Package config binds the runtime tunables from spec §6.3 through
// viper (env vars prefixed MESH_, an optional config file, and
// programmatic defaults), in the same default-constants-plus-struct
// shape abrahamVado-DriftPursuit/go-broker/internal/config/config.go
// uses for its broker tunables.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultMaxConcurrent                  = 10
	DefaultMaxPayloadForHighGranularity    = 65536
	DefaultCircuitBreakerThreshold         = 5
	DefaultCircuitBreakerCooldownSeconds   = 60
	DefaultRequestTimeoutSeconds           = 30
	DefaultEnableCompression               = true
	DefaultPersistCircuitBreakers          = true
	DefaultSyncSubscriptionCallbacks       = false
	DefaultCapabilitiesTTLHours            = 24
	DefaultProxyConnectTimeoutSeconds      = 5
	DefaultProxyReadTimeoutSeconds         = 20
	DefaultPendingQueueBound               = 100
	DefaultCompressionThresholdBytes       = 1024
	DefaultProto                           = "https://"
	DefaultFQDN                            = "localhost"
)

// Config is the fully resolved configuration for one actor-mesh node.
type Config struct {
	MaxConcurrent                 int           `mapstructure:"max_concurrent"`
	MaxPayloadForHighGranularity  int64         `mapstructure:"max_payload_for_high_granularity"`
	CircuitBreakerThreshold       int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerCooldown        time.Duration `mapstructure:"-"`
	CircuitBreakerCooldownSeconds int           `mapstructure:"circuit_breaker_cooldown_seconds"`
	RequestTimeout                time.Duration `mapstructure:"-"`
	RequestTimeoutSeconds         int           `mapstructure:"request_timeout_seconds"`
	EnableCompression             bool          `mapstructure:"enable_compression"`
	CompressionThresholdBytes     int           `mapstructure:"compression_threshold_bytes"`
	PersistCircuitBreakers        bool          `mapstructure:"persist_circuit_breakers"`
	SyncSubscriptionCallbacks     bool          `mapstructure:"sync_subscription_callbacks"`
	CapabilitiesTTLHours          int           `mapstructure:"capabilities_ttl_hours"`
	ProxyConnectTimeout           time.Duration `mapstructure:"-"`
	ProxyConnectTimeoutSeconds    int           `mapstructure:"proxy_connect_timeout"`
	ProxyReadTimeout               time.Duration `mapstructure:"-"`
	ProxyReadTimeoutSeconds        int           `mapstructure:"proxy_read_timeout"`
	PendingQueueBound              int          `mapstructure:"pending_queue_bound"`

	// Proto and FQDN together form this actor's own public-facing base
	// URL, used to build the fetchable resource URL a low-granularity or
	// downgraded callback envelope carries (spec §4.5 "Granularity
	// downgrade rule": "<proto><fqdn>/<actor_id>/<target>"). Neither one
	// is peer-specific — every actor hosted by this process shares the
	// same public address.
	Proto string `mapstructure:"proto"`
	FQDN  string `mapstructure:"fqdn"`
}

// PublicBaseURL returns this node's own proto+fqdn, with no trailing
// slash guarantee — callers join it with "/" themselves
// (envelope.ResourceURL does this).
func (c *Config) PublicBaseURL() string {
	return c.Proto + c.FQDN
}

// Load builds a Config from defaults, an optional config file at path
// (ignored if empty or missing), and MESH_-prefixed environment
// variables, in that precedence order (env wins).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.resolveDurations()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("max_payload_for_high_granularity", DefaultMaxPayloadForHighGranularity)
	v.SetDefault("circuit_breaker_threshold", DefaultCircuitBreakerThreshold)
	v.SetDefault("circuit_breaker_cooldown_seconds", DefaultCircuitBreakerCooldownSeconds)
	v.SetDefault("request_timeout_seconds", DefaultRequestTimeoutSeconds)
	v.SetDefault("enable_compression", DefaultEnableCompression)
	v.SetDefault("compression_threshold_bytes", DefaultCompressionThresholdBytes)
	v.SetDefault("persist_circuit_breakers", DefaultPersistCircuitBreakers)
	v.SetDefault("sync_subscription_callbacks", DefaultSyncSubscriptionCallbacks)
	v.SetDefault("capabilities_ttl_hours", DefaultCapabilitiesTTLHours)
	v.SetDefault("proxy_connect_timeout", DefaultProxyConnectTimeoutSeconds)
	v.SetDefault("proxy_read_timeout", DefaultProxyReadTimeoutSeconds)
	v.SetDefault("pending_queue_bound", DefaultPendingQueueBound)
	v.SetDefault("proto", DefaultProto)
	v.SetDefault("fqdn", DefaultFQDN)
}

func (c *Config) resolveDurations() {
	c.CircuitBreakerCooldown = time.Duration(c.CircuitBreakerCooldownSeconds) * time.Second
	c.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	c.ProxyConnectTimeout = time.Duration(c.ProxyConnectTimeoutSeconds) * time.Second
	c.ProxyReadTimeout = time.Duration(c.ProxyReadTimeoutSeconds) * time.Second
}
