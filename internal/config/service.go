package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvRadiusSecret = "RADIUS_SECRET"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvAMQPURL      = "AMQP_URL"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read-timeout"`
	WriteTimeout time.Duration `yaml:"write-timeout"`
}

// UAMConfig controls the captive-portal login handler.
type UAMConfig struct {
	Path          string `yaml:"path"`
	PublicURL     string `yaml:"public-url"`
	DefaultSecret string `yaml:"default-secret"`
	SuccessURL    string `yaml:"success-url"`

	LoopWindow         time.Duration `yaml:"loop-window"`
	LoopThreshold      int           `yaml:"loop-threshold"`
	LoopClearThreshold int           `yaml:"loop-clear-threshold"`

	LockoutThreshold int           `yaml:"lockout-threshold"`
	LockoutDuration  time.Duration `yaml:"lockout-duration"`
	LoginRateLimit   int           `yaml:"login-rate-limit"`
	LoginRateWindow  time.Duration `yaml:"login-rate-window"`

	StateTTL       time.Duration `yaml:"state-ttl"`
	StoreTimeout   time.Duration `yaml:"store-timeout"`
	CacheSweepSize int           `yaml:"cache-sweep-size"`
}

// RadiusConfig controls the RADIUS client and the accounting listener.
type RadiusConfig struct {
	Server     string        `yaml:"server"`
	Port       int           `yaml:"port"`
	Secret     string        `yaml:"secret"`
	NASIP      string        `yaml:"nas-ip"`
	Timeout    time.Duration `yaml:"timeout"`
	AcctAddr   string        `yaml:"acct-addr"`
	AcctSecret string        `yaml:"acct-secret"`
}

// EnforcementConfig controls the disconnect worker.
type EnforcementConfig struct {
	PollInterval time.Duration `yaml:"poll-interval"`
	MinEntryAge  time.Duration `yaml:"min-entry-age"`
	BatchSize    int           `yaml:"batch-size"`
	KickTimeout  time.Duration `yaml:"kick-timeout"`
	ClaimLease   time.Duration `yaml:"claim-lease"`
	Concurrency  int           `yaml:"concurrency"`
	KickRate     float64       `yaml:"kick-rate"`
}

// SweepConfig controls the plan expiry sweep.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// NotifyConfig selects the disconnect notification transport.
type NotifyConfig struct {
	Driver     string `yaml:"driver"`
	Channel    string `yaml:"channel"`
	AMQPURL    string `yaml:"amqp-url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing-key"`
	Queue      string `yaml:"queue"`
}

// CacheConfig selects the ephemeral state backend.
type CacheConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	RedisPrefix   string `yaml:"redis-prefix"`
}

// BridgeConfig controls the router command bridge.
type BridgeConfig struct {
	TokenSecret    string        `yaml:"token-secret"`
	PingInterval   time.Duration `yaml:"ping-interval"`
	DisconnectPort int           `yaml:"disconnect-port"`
	DMFallback     bool          `yaml:"dm-fallback"`
}

// LoggingConfig controls the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ServiceConfig is the full runtime configuration of the service.
type ServiceConfig struct {
	Server      ServerConfig      `yaml:"server"`
	UAM         UAMConfig         `yaml:"uam"`
	Radius      RadiusConfig      `yaml:"radius"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Notify      NotifyConfig      `yaml:"notify"`
	Cache       CacheConfig       `yaml:"cache"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Notify and cache driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverAMQP     = "amqp"
	DriverRedis    = "redis"
)

// DefaultServiceConfig returns a config populated with defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		UAM: UAMConfig{
			Path:               settings.DefaultUAMPath,
			LoopWindow:         settings.DefaultLoopWindow,
			LoopThreshold:      settings.DefaultLoopThreshold,
			LoopClearThreshold: settings.DefaultLoopClearThreshold,
			LockoutThreshold:   settings.DefaultLockoutThreshold,
			LockoutDuration:    settings.DefaultLockoutDuration,
			LoginRateLimit:     settings.DefaultLoginRateLimit,
			LoginRateWindow:    settings.DefaultLoginRateWindow,
			StateTTL:           settings.DefaultSessionStateTTL,
			StoreTimeout:       settings.DefaultStoreTimeout,
			CacheSweepSize:     settings.DefaultCacheSweepSize,
		},
		Radius: RadiusConfig{
			Server:   "127.0.0.1",
			Port:     settings.DefaultRadiusAuthPort,
			Timeout:  settings.DefaultRadiusTimeout,
			AcctAddr: settings.DefaultRadiusAcctAddr,
		},
		Enforcement: EnforcementConfig{
			PollInterval: settings.DefaultPollInterval,
			MinEntryAge:  settings.DefaultMinEntryAge,
			BatchSize:    settings.DefaultBatchSize,
			KickTimeout:  settings.DefaultKickTimeout,
			ClaimLease:   settings.DefaultClaimLease,
			Concurrency:  settings.DefaultWorkerConcurrency,
			KickRate:     settings.DefaultKickRate,
		},
		Sweep: SweepConfig{Schedule: settings.DefaultExpirySweepSpec},
		Notify: NotifyConfig{
			Driver:     DriverMemory,
			Channel:    settings.DefaultNotifyChannel,
			Exchange:   settings.DefaultNotifyExchange,
			RoutingKey: settings.DefaultNotifyRoutingKey,
			Queue:      settings.DefaultNotifyQueue,
		},
		Cache: CacheConfig{
			Driver:      DriverMemory,
			RedisPrefix: settings.DefaultCacheRedisPrefix,
		},
		Bridge: BridgeConfig{
			PingInterval:   30 * time.Second,
			DisconnectPort: settings.DefaultDisconnectPort,
			DMFallback:     true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadServiceConfig reads the service sections from the YAML config file. A missing
// file yields the defaults; environment variables override secrets and endpoints.
func LoadServiceConfig(configPath string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return cfg, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config file: %w", errRead)
	}

	if secret := strings.TrimSpace(os.Getenv(EnvRadiusSecret)); secret != "" {
		cfg.Radius.Secret = secret
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if url := strings.TrimSpace(os.Getenv(EnvAMQPURL)); url != "" {
		cfg.Notify.AMQPURL = url
	}

	cfg.normalize()
	if errValidate := cfg.Validate(); errValidate != nil {
		return cfg, errValidate
	}
	return cfg, nil
}

// normalize restores defaults for zero or invalid values left by the file.
func (c *ServiceConfig) normalize() {
	def := DefaultServiceConfig()
	c.UAM.Path = "/" + strings.Trim(strings.TrimSpace(c.UAM.Path), "/")
	if c.UAM.Path == "/" {
		c.UAM.Path = def.UAM.Path
	}
	c.UAM.PublicURL = strings.TrimRight(strings.TrimSpace(c.UAM.PublicURL), "/")
	if c.UAM.LoopWindow <= 0 {
		c.UAM.LoopWindow = def.UAM.LoopWindow
	}
	if c.UAM.LoopThreshold <= 0 {
		c.UAM.LoopThreshold = def.UAM.LoopThreshold
	}
	if c.UAM.LoopClearThreshold <= 0 {
		c.UAM.LoopClearThreshold = def.UAM.LoopClearThreshold
	}
	if c.UAM.StoreTimeout <= 0 {
		c.UAM.StoreTimeout = def.UAM.StoreTimeout
	}
	if c.UAM.LockoutThreshold <= 0 {
		c.UAM.LockoutThreshold = def.UAM.LockoutThreshold
	}
	if c.UAM.LockoutDuration <= 0 {
		c.UAM.LockoutDuration = def.UAM.LockoutDuration
	}
	if c.UAM.LoginRateWindow <= 0 {
		c.UAM.LoginRateWindow = def.UAM.LoginRateWindow
	}
	if c.UAM.StateTTL <= 0 {
		c.UAM.StateTTL = def.UAM.StateTTL
	}
	if c.UAM.CacheSweepSize <= 0 {
		c.UAM.CacheSweepSize = def.UAM.CacheSweepSize
	}
	if c.Radius.Port <= 0 {
		c.Radius.Port = def.Radius.Port
	}
	if c.Radius.Timeout <= 0 {
		c.Radius.Timeout = def.Radius.Timeout
	}
	if c.Radius.AcctSecret == "" {
		c.Radius.AcctSecret = c.Radius.Secret
	}
	if c.Enforcement.PollInterval <= 0 {
		c.Enforcement.PollInterval = def.Enforcement.PollInterval
	}
	if c.Enforcement.MinEntryAge < 0 {
		c.Enforcement.MinEntryAge = def.Enforcement.MinEntryAge
	}
	if c.Enforcement.BatchSize <= 0 {
		c.Enforcement.BatchSize = def.Enforcement.BatchSize
	}
	if c.Enforcement.KickTimeout <= 0 {
		c.Enforcement.KickTimeout = def.Enforcement.KickTimeout
	}
	if c.Enforcement.ClaimLease <= 0 {
		c.Enforcement.ClaimLease = def.Enforcement.ClaimLease
	}
	if c.Enforcement.Concurrency <= 0 {
		c.Enforcement.Concurrency = def.Enforcement.Concurrency
	}
	if c.Enforcement.KickRate <= 0 {
		c.Enforcement.KickRate = def.Enforcement.KickRate
	}
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		c.Sweep.Schedule = def.Sweep.Schedule
	}
	c.Notify.Driver = strings.ToLower(strings.TrimSpace(c.Notify.Driver))
	if c.Notify.Driver == "" {
		c.Notify.Driver = DriverMemory
	}
	c.Cache.Driver = strings.ToLower(strings.TrimSpace(c.Cache.Driver))
	if c.Cache.Driver == "" {
		c.Cache.Driver = DriverMemory
	}
	if c.Bridge.PingInterval <= 0 {
		c.Bridge.PingInterval = def.Bridge.PingInterval
	}
	if c.Bridge.DisconnectPort <= 0 {
		c.Bridge.DisconnectPort = def.Bridge.DisconnectPort
	}
}

// Validate reports configuration combinations that cannot work.
func (c ServiceConfig) Validate() error {
	switch c.Notify.Driver {
	case DriverMemory, DriverPostgres:
	case DriverAMQP:
		if strings.TrimSpace(c.Notify.AMQPURL) == "" {
			return fmt.Errorf("config: notify driver amqp requires amqp-url")
		}
	default:
		return fmt.Errorf("config: unsupported notify driver %q", c.Notify.Driver)
	}
	switch c.Cache.Driver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Cache.RedisAddr) == "" {
			return fmt.Errorf("config: cache driver redis requires redis-addr")
		}
	default:
		return fmt.Errorf("config: unsupported cache driver %q", c.Cache.Driver)
	}
	return nil
}
