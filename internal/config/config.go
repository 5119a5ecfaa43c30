package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "stream-gateway"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Gateway                 GatewayConfig             `mapstructure:"gateway"`
	Pool                    PoolConfig                `mapstructure:"pool"`
	Dispatch                DispatchConfig            `mapstructure:"dispatch"`
	Providers               map[string]ProviderConfig `mapstructure:"providers"`
	Admission               AdmissionConfig           `mapstructure:"admission"`
	FeatureFlags            FeatureFlagConfig         `mapstructure:"feature_flags"`
}

type APIKeyConfig struct {
	ID          string        `mapstructure:"id"`
	Name        string        `mapstructure:"name"`
	Key         string        `mapstructure:"key"`
	AccessToken string        `mapstructure:"access_token"`
	Permissions []string      `mapstructure:"permissions"`
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
	Active      bool          `mapstructure:"active"`
	ExpiredAt   any           `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type GatewayConfig struct {
	EnableLegacy    bool          `mapstructure:"enable_legacy"`
	EnableGateway   bool          `mapstructure:"enable_gateway"`
	LegacyPath      string        `mapstructure:"legacy_path"`
	GatewayPath     string        `mapstructure:"gateway_path"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type PoolConfig struct {
	MaxPerProvider      int           `mapstructure:"max_per_provider"`
	LeaseTimeout        time.Duration `mapstructure:"lease_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxFailures         int           `mapstructure:"max_failures"`
}

type DispatchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchMaxSize int           `mapstructure:"batch_max_size"`
}

type ProviderConfig struct {
	Type         string                     `mapstructure:"type"` // ws|rest
	URL          string                     `mapstructure:"url"`
	APIKey       string                     `mapstructure:"api_key"`
	Priority     int                        `mapstructure:"priority"`
	Timeout      time.Duration              `mapstructure:"timeout"`
	Capabilities []ProviderCapabilityConfig `mapstructure:"capabilities"`
}

type ProviderCapabilityConfig struct {
	Name          string   `mapstructure:"name"`
	Markets       []string `mapstructure:"markets"`
	SymbolFormats []string `mapstructure:"symbol_formats"`
}

type AdmissionConfig struct {
	IdentitySource      string          `mapstructure:"identity_source"` // config|postgres
	JWTSecret           string          `mapstructure:"jwt_secret"`
	RequiredPermissions []string        `mapstructure:"required_permissions"`
	QuotaCostKey        string          `mapstructure:"quota_cost_key"`
	DefaultRateLimit    RateLimitConfig `mapstructure:"default_rate_limit"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type FeatureFlagConfig struct {
	RedisKey              string                        `mapstructure:"redis_key"`
	GatewayOnlyMode       bool                          `mapstructure:"gateway_only_mode"`
	StrictMode            bool                          `mapstructure:"strict_mode"`
	LegacyFallbackAllowed bool                          `mapstructure:"legacy_fallback_allowed"`
	AutoRollback          entity.AutoRollbackThresholds `mapstructure:"auto_rollback"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 10*time.Second)
	viper.SetDefault("port.http", "8080")
	viper.SetDefault("port.grpc", "9090")

	viper.SetDefault("gateway.enable_legacy", true)
	viper.SetDefault("gateway.enable_gateway", true)
	viper.SetDefault("gateway.legacy_path", "/ws/legacy")
	viper.SetDefault("gateway.gateway_path", "/ws/stream")
	viper.SetDefault("gateway.write_timeout", 10*time.Second)
	viper.SetDefault("gateway.read_timeout", 60*time.Second)
	viper.SetDefault("gateway.ping_interval", 30*time.Second)
	viper.SetDefault("gateway.refresh_interval", 3*time.Second)
	viper.SetDefault("gateway.send_buffer", 256)

	viper.SetDefault("pool.max_per_provider", 8)
	viper.SetDefault("pool.lease_timeout", 2*time.Second)
	viper.SetDefault("pool.health_check_interval", 30*time.Second)
	viper.SetDefault("pool.max_failures", 3)

	viper.SetDefault("dispatch.timeout", 5*time.Second)
	viper.SetDefault("dispatch.batch_max_size", 50)

	viper.SetDefault("admission.identity_source", "config")
	viper.SetDefault("admission.required_permissions", []string{
		string(entity.PermissionStreamRead),
		string(entity.PermissionStreamSubscribe),
	})
	viper.SetDefault("admission.quota_cost_key", "stream")

	viper.SetDefault("feature_flags.redis_key", "stream_gateway:feature_flags")
	viper.SetDefault("feature_flags.legacy_fallback_allowed", true)
}
