package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxBodyBytes    int64
	CORSOrigins     []string
}

type GRPCConfig struct {
	Addr string
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DirectoryTTL time.Duration
}

type AuthConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	WriteTimeout    time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

type LogConfig struct {
	Level  string
	Format string
}

type JobsConfig struct {
	RefreshPurgeSchedule string
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Kafka       KafkaConfig
	Tracing     TracingConfig
	Log         LogConfig
	Jobs        JobsConfig
}

// Load reads config.yaml (if present) and MEDSHARE_* environment overrides.
// MEDSHARE_AUTH_SECRET maps to auth.secret, MEDSHARE_HTTP_ADDR to http.addr.
func Load(paths ...string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("MEDSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// never appear in a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "0s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.shutdowntimeout", "10s")
	v.SetDefault("http.ratelimitrps", 20.0)
	v.SetDefault("http.ratelimitburst", 40)
	v.SetDefault("http.maxbodybytes", 1<<20)
	v.SetDefault("http.corsorigins", []string{})

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 50)
	v.SetDefault("postgres.maxidle", 25)
	v.SetDefault("postgres.connmaxlifetime", "15m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.directoryttl", "5m")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "medshare")
	v.SetDefault("auth.accessttl", "15m")
	v.SetDefault("auth.refreshttl", "336h") // 14 days

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "medshare.grants")
	v.SetDefault("kafka.writetimeout", "5s")
	v.SetDefault("kafka.breakerfailures", 5)
	v.SetDefault("kafka.breakercooldown", "30s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.servicename", "medshare-api")
	v.SetDefault("tracing.samplerate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("jobs.refreshpurgeschedule", "0 */15 * * * *")
}

// Validate checks settings the service cannot start without.
func (c *AppConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required (MEDSHARE_AUTH_SECRET)"))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.accessttl must be positive"))
	}
	if c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.refreshttl must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.samplerate must be within [0,1]"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
