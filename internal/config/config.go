package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment, optionally layered over a file named by
// CONFIG_FILE, with defaults that let the binary run locally on the memory
// store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string
	KafkaAuditTopic    string

	WSSendTimeout       time.Duration
	EventBuffer         int
	SessionTTL          time.Duration
	RedispatchOnRelease bool
	StudentEmailDomain  string

	LogLevel string
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("METRICS_ADDR", ":9100")
	v.SetDefault("MIGRATE", false)
	v.SetDefault("REDIS_GEO_KEY", "drivers_geo")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_EVENT_TOPIC", "shuttle-events")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "shuttle-audit")
	v.SetDefault("KAFKA_GROUP", "location-cache")
	v.SetDefault("WS_SEND_TIMEOUT", 5*time.Second)
	v.SetDefault("EVENT_BUFFER", 1024)
	v.SetDefault("SESSION_TTL", 7*24*time.Hour)
	v.SetDefault("REDISPATCH_ON_RELEASE", true)
	v.SetDefault("STUDENT_EMAIL_DOMAIN", "student.uisi.ac.id")
	v.SetDefault("LOG_LEVEL", "info")
}

func load() (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if file := strings.TrimSpace(os.Getenv("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := load()
	if err != nil {
		return ServerConfig{}, err
	}
	var errs []error
	cfg := ServerConfig{
		HTTPAddr:            v.GetString("HTTP_ADDR"),
		ReadTimeout:         duration(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:        duration(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:         duration(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout:     duration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),
		PGDSN:               v.GetString("PG_DSN"),
		RunMigrations:       v.GetBool("MIGRATE"),
		RedisAddr:           strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:         v.GetString("REDIS_GEO_KEY"),
		KafkaBrokers:        splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic:  v.GetString("KAFKA_LOCATION_TOPIC"),
		KafkaEventTopic:     v.GetString("KAFKA_EVENT_TOPIC"),
		KafkaAuditTopic:     v.GetString("KAFKA_AUDIT_TOPIC"),
		WSSendTimeout:       duration(v, "WS_SEND_TIMEOUT", &errs),
		EventBuffer:         v.GetInt("EVENT_BUFFER"),
		SessionTTL:          duration(v, "SESSION_TTL", &errs),
		RedispatchOnRelease: v.GetBool("REDISPATCH_ON_RELEASE"),
		StudentEmailDomain:  strings.ToLower(strings.TrimSpace(v.GetString("STUDENT_EMAIL_DOMAIN"))),
		LogLevel:            strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if cfg.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be > 0"))
	}
	if cfg.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be > 0"))
	}
	if cfg.WSSendTimeout < 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_TIMEOUT must not be negative"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := load()
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := ConsumerConfig{
		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic: v.GetString("KAFKA_LOCATION_TOPIC"),
		KafkaGroup:         v.GetString("KAFKA_GROUP"),
		RedisAddr:          strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:        v.GetString("REDIS_GEO_KEY"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg, errors.Join(errs...)
}

// duration reads key as a Go duration string; viper's own cast silently
// yields zero on garbage, which would hide typos.
func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := v.Get(key)
	switch d := raw.(type) {
	case time.Duration:
		return d
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return 0
		}
		return parsed
	default:
		return v.GetDuration(key)
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
