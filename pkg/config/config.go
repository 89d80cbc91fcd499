package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"safekey-licensing/pkg/hashistack/secretmanager"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., safekey/<env>/<service_name>
	configType   = "yaml"
)

type PlanLimits struct {
	MaxLicenses     int64 `mapstructure:"MAX_LICENSES"`
	MaxUsers        int64 `mapstructure:"MAX_USERS"`
	MaxSoftwares    int64 `mapstructure:"MAX_SOFTWARES"`
	MaxLicenseTypes int64 `mapstructure:"MAX_LICENSE_TYPES"`
}

type Licensing struct {
	MissedHeartbeatThreshold        int           `mapstructure:"MISSED_HEARTBEAT_THRESHOLD"`
	FailedHeartbeatThreshold        int           `mapstructure:"FAILED_HEARTBEAT_THRESHOLD"`
	DefaultHeartbeatIntervalMinutes int           `mapstructure:"DEFAULT_HEARTBEAT_INTERVAL_MINUTES"`
	RetryMaxAttempts                int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialInterval            time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval                time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`
	StorageTimeout                  time.Duration `mapstructure:"STORAGE_TIMEOUT"`
	SweepInterval                   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	LivenessConcurrency             int           `mapstructure:"LIVENESS_CONCURRENCY"`
	OfflineTokenSeed                string        `mapstructure:"OFFLINE_TOKEN_SEED"`
	AuditBufferSize                 int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuditFailureWarnThreshold       int           `mapstructure:"AUDIT_FAILURE_WARN_THRESHOLD"`
	CatalogCacheTTL                 time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
}

type Config struct {
	AppEnv       string `mapstructure:"APP_ENV"`
	AppName      string `mapstructure:"APP_NAME"`
	AppVersion   string `mapstructure:"APP_VERSION"`
	AppNamespace string `mapstructure:"APP_NAMESPACE"`
	TLS          struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Log struct {
		Level         string        `mapstructure:"LEVEL"`
		SlowThreshold time.Duration `mapstructure:"SLOW_THRESHOLD"`
	} `mapstructure:"LOG"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr           string        `mapstructure:"ADDR"`
		ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout    time.Duration `mapstructure:"IDLE_TIMEOUT"`
		HeartbeatRPS   float64       `mapstructure:"HEARTBEAT_RPS"`
		HeartbeatBurst int           `mapstructure:"HEARTBEAT_BURST"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Concurrency     int           `mapstructure:"CONCURRENCY"`
		ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	} `mapstructure:"WORKER"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Consul struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"CONSUL"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Licensing Licensing             `mapstructure:"LICENSING"`
	Plans     map[string]PlanLimits `mapstructure:"PLANS"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// SetDefaults registers the values used when neither the config file nor the
// environment provide a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "safekey")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.HEARTBEAT_RPS", 20)
	v.SetDefault("HTTP_SERVER.HEARTBEAT_BURST", 40)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("LOG.LEVEL", "info")
	v.SetDefault("LOG.SLOW_THRESHOLD", 200*time.Millisecond)
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("WORKER.SHUTDOWN_TIMEOUT", 8*time.Second)
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)

	v.SetDefault("LICENSING.MISSED_HEARTBEAT_THRESHOLD", 3)
	v.SetDefault("LICENSING.FAILED_HEARTBEAT_THRESHOLD", 0)
	v.SetDefault("LICENSING.DEFAULT_HEARTBEAT_INTERVAL_MINUTES", 30)
	v.SetDefault("LICENSING.RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("LICENSING.RETRY_INITIAL_INTERVAL", 20*time.Millisecond)
	v.SetDefault("LICENSING.RETRY_MAX_INTERVAL", 500*time.Millisecond)
	v.SetDefault("LICENSING.STORAGE_TIMEOUT", 5*time.Second)
	v.SetDefault("LICENSING.SWEEP_INTERVAL", 5*time.Minute)
	v.SetDefault("LICENSING.LIVENESS_CONCURRENCY", 8)
	v.SetDefault("LICENSING.AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("LICENSING.AUDIT_FAILURE_WARN_THRESHOLD", 5)
	v.SetDefault("LICENSING.CATALOG_CACHE_TTL", time.Minute)

	v.SetDefault("PLANS", map[string]any{
		"free":       map[string]any{"MAX_LICENSES": 100, "MAX_USERS": 10, "MAX_SOFTWARES": 5, "MAX_LICENSE_TYPES": 10},
		"pro":        map[string]any{"MAX_LICENSES": 1000, "MAX_USERS": 50, "MAX_SOFTWARES": 25, "MAX_LICENSE_TYPES": 50},
		"enterprise": map[string]any{"MAX_LICENSES": 10000, "MAX_USERS": 500, "MAX_SOFTWARES": 100, "MAX_LICENSE_TYPES": 500},
	})
}

// Load reads config.yaml from the working directory when present and overlays
// environment variables.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(config)
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applyVaultSecrets(p.Vault, cfg)
	}

	return cfg
}

// RemoteEnabled reports whether the process should watch a remote key/value
// store instead of reading config.yaml.
func RemoteEnabled() bool {
	v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER")
	return ok && v != ""
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	SetDefaults(config)
	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := config.Unmarshal(&newcfg); err != nil {
				zap.L().Error("unable to unmarshal remote config", zap.Error(err))
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	applyVaultSecrets(p.Vault, &cfg)

	return &cfg
}

// Current returns the latest remotely watched configuration, nil when the
// process was started from a local file.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}

func applyVaultSecrets(client *vault.Client, cfg *Config) {
	zap.L().Info("reading secrets from vault", zap.String("path", cfg.AppEnv))
	secrets, err := secretmanager.Secrets(context.Background(), client, cfg.AppEnv)
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}

	overrides := map[string]*string{
		"postgres_user":      &cfg.Database.User,
		"postgres_password":  &cfg.Database.Password,
		"redis_password":     &cfg.Redis.Password,
		"flagsmith_api_key":  &cfg.Flagsmith.ApiKey,
		"offline_token_seed": &cfg.Licensing.OfflineTokenSeed,
	}
	for key, dst := range overrides {
		if v, ok := secrets[key]; ok && v != "" {
			*dst = v
		}
	}
}

// Limits returns the caps configured for plan, falling back to the free plan.
func (c *Config) Limits(plan string) PlanLimits {
	if l, ok := c.Plans[strings.ToLower(plan)]; ok {
		return l
	}
	return c.Plans["free"]
}
