// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for the dispatcher and notifier binaries.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	StoreBackend      string        `mapstructure:"store_backend" validate:"oneof=etcd redis memory"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints" validate:"required_unless=StoreBackend memory"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	EtcdPrefix        string        `mapstructure:"etcd_prefix"`
	RedisAddr         string        `mapstructure:"redis_addr" validate:"required_if=StoreBackend redis"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db" validate:"gte=0"`
	RedisPrefix       string        `mapstructure:"redis_prefix"`
	LedgerMaxAttempts int           `mapstructure:"ledger_max_attempts" validate:"gte=1"`

	HttpListenAddr    string        `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr    string        `mapstructure:"grpc_listen_addr" validate:"required"`
	GrpcAdvertiseAddr string        `mapstructure:"grpc_advertise_addr"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gte=1s"`
	RelayViaNotifiers bool          `mapstructure:"relay_via_notifiers"`

	RabbitmqURL    string `mapstructure:"rabbitmq_url" validate:"omitempty,url"`
	EventsExchange string `mapstructure:"events_exchange"`

	ExpoPushURL     string        `mapstructure:"expo_push_url" validate:"required,url"`
	ExpoAccessToken string        `mapstructure:"expo_access_token"`
	PushTimeout     time.Duration `mapstructure:"push_timeout" validate:"gt=0"`
	PushMaxRetries  int           `mapstructure:"push_max_retries" validate:"gte=0,lte=10"`
	PushBackoff     time.Duration `mapstructure:"push_backoff" validate:"gte=0"`

	TieBandMiles            float64       `mapstructure:"tie_band_miles" validate:"gte=0"`
	DefaultBatchSize        int           `mapstructure:"default_batch_size" validate:"gte=1"`
	DefaultMaxDistanceMiles float64       `mapstructure:"default_max_distance_miles" validate:"gt=0"`
	DefaultOfferTTL         time.Duration `mapstructure:"default_offer_ttl" validate:"gte=0"`
	SweepSchedule           string        `mapstructure:"sweep_schedule" validate:"required,cron"`
	ReassignSchedule        string        `mapstructure:"reassign_schedule" validate:"required,cron"`

	LogLevel      string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat     string `mapstructure:"log_format" validate:"oneof=json console"`
	TraceExporter string `mapstructure:"trace_exporter" validate:"oneof=stdout stderr none"`
}

var defaults = map[string]any{
	"store_backend":       BackendEtcd,
	"etcd_endpoints":      []string{"localhost:2379"},
	"etcd_timeout":        "5s",
	"etcd_prefix":         "/dispatch/kv/",
	"redis_addr":          "localhost:6379",
	"redis_password":      "",
	"redis_db":            0,
	"redis_prefix":        "dispatch:",
	"ledger_max_attempts": 8,

	"http_listen_addr":    ":8080",
	"grpc_listen_addr":    ":50052",
	"grpc_advertise_addr": "",
	"leader_election_ttl": "10s",
	"lock_ttl":            "10s",
	"relay_via_notifiers": true,

	"rabbitmq_url":    "",
	"events_exchange": "dispatch.events",

	"expo_push_url":     "https://exp.host/--/api/v2/push/send",
	"expo_access_token": "",
	"push_timeout":      "10s",
	"push_max_retries":  2,
	"push_backoff":      "500ms",

	"tie_band_miles":             5.0,
	"default_batch_size":         3,
	"default_max_distance_miles": 50.0,
	"default_offer_ttl":          "0s",
	"sweep_schedule":             "*/15 * * * * *",
	"reassign_schedule":          "*/30 * * * * *",

	"log_level":      "info",
	"log_format":     "json",
	"trace_exporter": "none",
}

// Load loads configuration from defaults, an optional configs/config.yaml and
// environment variables (upper-cased keys), then validates it.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, including that both schedules parse as
// six-field cron expressions.
func (c *Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		_, err := parser.Parse(fl.Field().String())
		return err == nil
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AdvertiseAddr is the relay address notifier nodes publish in the registry.
func (c *Config) AdvertiseAddr() string {
	if c.GrpcAdvertiseAddr != "" {
		return c.GrpcAdvertiseAddr
	}
	return c.GrpcListenAddr
}
