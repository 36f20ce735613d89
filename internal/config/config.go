// Package config resolves service configuration from flags, DISBURSEMENT_-prefixed
// environment variables and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. DISBURSEMENT_HTTP_PORT.
const EnvPrefix = "DISBURSEMENT"

// StorageType selects where flows, codes and logs are kept.
type StorageType string

const (
	StoragePostgres StorageType = "postgres"
	StorageMemory   StorageType = "memory"
)

// TimerType selects where escalation timers are kept.
type TimerType string

const (
	TimerRedis  TimerType = "redis"
	TimerMemory TimerType = "memory"
)

// Config is the fully resolved service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  database.Config
	Redis     repository.RedisConfig
	NATS      NATSConfig
	Storage   StorageType
	Timers    TimerType
	Engine    EngineConfig
	RateLimit RateLimitConfig
	Tracing   tracing.Config
	UserCache time.Duration
	// SeedFile preloads users and requests into memory storage.
	SeedFile string
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	HTTPPort        int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// NATSConfig addresses the notification broker. An empty URL selects the log-only notifier.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxRetries    uint64
}

type EngineConfig struct {
	// PettyCashCeiling is the largest petty cash amount, in minor units.
	PettyCashCeiling int64
	EscalationDelay  time.Duration
	RecapDueDays     int
	SweepInterval    time.Duration
}

// RateLimitConfig throttles verification code redemption.
type RateLimitConfig struct {
	RedeemPerSecond float64
	RedeemBurst     int
}

// BindFlags registers every setting on cmd and binds it into v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	f := cmd.Flags()
	f.String("config-file", "", "Path to config file.")

	f.String("service-name", "be-disbursement-flows", "service name reported in logs and traces")
	f.String("service-version", "dev", "service version reported in logs and traces")
	f.String("environment", "development", "deployment environment")
	f.String("log-level", "info", "log level")

	f.Int("http-port", 8086, "http port for rest endpoints")
	f.Int("grpc-port", 9086, "grpc port")
	f.Duration("read-timeout", 15*time.Second, "http read timeout")
	f.Duration("write-timeout", 15*time.Second, "http write timeout")
	f.Duration("idle-timeout", 60*time.Second, "http idle timeout")
	f.Duration("request-timeout", 30*time.Second, "per request handler timeout")
	f.Duration("shutdown-timeout", 20*time.Second, "graceful shutdown timeout")
	f.String("cors-origins", "*", "comma separated list of allowed origins")

	f.String("storage-impl", string(StoragePostgres), "storage implementation: postgres or memory")
	f.String("timer-impl", string(TimerRedis), "escalation timer implementation: redis or memory")

	f.String("db-host", "localhost", "postgres host")
	f.Int("db-port", 5432, "postgres port")
	f.String("db-user", "postgres", "postgres user")
	f.String("db-password", "", "postgres password")
	f.String("db-name", "disbursements", "postgres database")
	f.String("db-sslmode", "disable", "postgres sslmode")
	f.Int32("db-max-conns", 10, "max pooled connections")
	f.Int32("db-min-conns", 1, "min pooled connections")
	f.Duration("db-max-conn-time", time.Hour, "max connection lifetime")
	f.Duration("db-max-idle-time", 30*time.Minute, "max connection idle time")
	f.Duration("db-health-check", time.Minute, "pool health check period")

	f.String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	f.String("redis-password", "", "redis password")
	f.String("namespace", "disbursement", "namespace used in redis keys")

	f.String("nats-url", "", "nats url; empty logs notifications instead of publishing")
	f.String("nats-stream", "NOTIFICATIONS", "jetstream stream holding notification subjects")
	f.String("nats-subject-prefix", "notifications.disbursement", "subject prefix for notifications")
	f.Uint64("nats-max-retries", 3, "publish retries before a notification is dropped")

	f.Int64("petty-cash-ceiling", 1_000_000, "largest petty cash amount in minor units")
	f.Duration("escalation-delay", 5*24*time.Hour, "delay before a stalled recap triggers a reminder")
	f.Int("recap-due-days", 7, "days a requester has to submit a recap")
	f.Duration("sweep-interval", time.Minute, "how often due escalation timers are swept")

	f.Float64("redeem-rate", 5, "verification code redemptions per second")
	f.Int("redeem-burst", 10, "verification code redemption burst")

	f.Bool("tracing-enabled", false, "export spans with the stdout exporter")
	f.String("tracing-output", "", "file receiving exported spans; empty means stdout")

	f.Duration("user-cache-ttl", 5*time.Minute, "how long resolved users are cached")
	f.String("seed-file", "", "YAML users and requests loaded into memory storage")

	return v.BindPFlags(f)
}

// Load reads the optional config file, applies environment overrides and returns the
// validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config-file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service-name"),
			Version:     v.GetString("service-version"),
			Environment: v.GetString("environment"),
			LogLevel:    v.GetString("log-level"),
		},
		Server: ServerConfig{
			HTTPPort:        v.GetInt("http-port"),
			GRPCPort:        v.GetInt("grpc-port"),
			ReadTimeout:     v.GetDuration("read-timeout"),
			WriteTimeout:    v.GetDuration("write-timeout"),
			IdleTimeout:     v.GetDuration("idle-timeout"),
			RequestTimeout:  v.GetDuration("request-timeout"),
			ShutdownTimeout: v.GetDuration("shutdown-timeout"),
			CORSOrigins:     splitList(v.GetString("cors-origins")),
		},
		Database: database.Config{
			Host:        v.GetString("db-host"),
			Port:        v.GetInt("db-port"),
			User:        v.GetString("db-user"),
			Password:    v.GetString("db-password"),
			Database:    v.GetString("db-name"),
			SSLMode:     v.GetString("db-sslmode"),
			MaxConns:    v.GetInt32("db-max-conns"),
			MinConns:    v.GetInt32("db-min-conns"),
			MaxConnTime: v.GetDuration("db-max-conn-time"),
			MaxIdleTime: v.GetDuration("db-max-idle-time"),
			HealthCheck: v.GetDuration("db-health-check"),
		},
		Redis: repository.RedisConfig{
			Addrs:     splitList(v.GetString("redis-addr")),
			Password:  v.GetString("redis-password"),
			Namespace: v.GetString("namespace"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats-url"),
			Stream:        v.GetString("nats-stream"),
			SubjectPrefix: v.GetString("nats-subject-prefix"),
			MaxRetries:    v.GetUint64("nats-max-retries"),
		},
		Storage: StorageType(strings.ToLower(v.GetString("storage-impl"))),
		Timers:  TimerType(strings.ToLower(v.GetString("timer-impl"))),
		Engine: EngineConfig{
			PettyCashCeiling: v.GetInt64("petty-cash-ceiling"),
			EscalationDelay:  v.GetDuration("escalation-delay"),
			RecapDueDays:     v.GetInt("recap-due-days"),
			SweepInterval:    v.GetDuration("sweep-interval"),
		},
		RateLimit: RateLimitConfig{
			RedeemPerSecond: v.GetFloat64("redeem-rate"),
			RedeemBurst:     v.GetInt("redeem-burst"),
		},
		Tracing: tracing.Config{
			Enabled:        v.GetBool("tracing-enabled"),
			ServiceName:    v.GetString("service-name"),
			ServiceVersion: v.GetString("service-version"),
			OutputFile:     v.GetString("tracing-output"),
		},
		UserCache: v.GetDuration("user-cache-ttl"),
		SeedFile:  v.GetString("seed-file"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return errors.InvalidInput("storage-impl", fmt.Sprintf("unknown storage implementation %q", c.Storage))
	}
	switch c.Timers {
	case TimerRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.InvalidInput("redis-addr", "redis timers need at least one address")
		}
	case TimerMemory:
	default:
		return errors.InvalidInput("timer-impl", fmt.Sprintf("unknown timer implementation %q", c.Timers))
	}
	if c.Server.HTTPPort <= 0 || c.Server.GRPCPort <= 0 {
		return errors.InvalidInput("http-port", "ports must be positive")
	}
	if c.Server.HTTPPort == c.Server.GRPCPort {
		return errors.InvalidInput("grpc-port", "http and grpc ports must differ")
	}
	if c.Engine.PettyCashCeiling <= 0 {
		return errors.InvalidInput("petty-cash-ceiling", "ceiling must be positive")
	}
	if c.Engine.EscalationDelay <= 0 || c.Engine.SweepInterval <= 0 {
		return errors.InvalidInput("escalation-delay", "escalation durations must be positive")
	}
	if c.Engine.RecapDueDays <= 0 {
		return errors.InvalidInput("recap-due-days", "recap due days must be positive")
	}
	if c.RateLimit.RedeemPerSecond <= 0 || c.RateLimit.RedeemBurst <= 0 {
		return errors.InvalidInput("redeem-rate", "redeem rate limit must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
