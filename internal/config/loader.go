package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads the YAML file at path (optional when empty) and overlays
// environment variables, e.g. JWT_HS_SECRET overrides jwt.hs_secret.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.derive()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.shutdown_timeout_seconds", 10)
	v.SetDefault("app.request_timeout_seconds", 10)
	v.SetDefault("app.rate_limit_per_min", 600)

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("store.sqlite_path", "messaging.db")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "marketplace")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "messaging")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_events", "messaging.events")

	v.SetDefault("broadcast.driver", "redis")
	v.SetDefault("broadcast.publish_timeout_seconds", 10)

	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("realtime.grant_secret", "")
	v.SetDefault("realtime.grant_ttl_seconds", 300)
	v.SetDefault("realtime.ping_interval_seconds", 25)
	v.SetDefault("realtime.write_deadline_seconds", 10)
	v.SetDefault("realtime.max_message_size_bytes", 65536)

	v.SetDefault("billing.base_url", "")
	v.SetDefault("billing.timeout_seconds", 5)
	v.SetDefault("billing.default_tier", "free")

	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
	v.SetDefault("push.ttl_seconds", 3600)
	v.SetDefault("push.timeout_seconds", 10)

	v.SetDefault("typing.store", "memory")
	v.SetDefault("typing.window_ms", 1000)
	v.SetDefault("typing.max_entries", 5000)
	v.SetDefault("typing.max_age_seconds", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func (c *Config) derive() {
	c.ShutdownTimeout = time.Duration(c.App.ShutdownTimeoutSeconds) * time.Second
	c.RequestTimeout = time.Duration(c.App.RequestTimeoutSeconds) * time.Second
	c.PublishTimeout = time.Duration(c.Broadcast.PublishTimeoutSeconds) * time.Second
	c.GrantTTL = time.Duration(c.Realtime.GrantTTLSeconds) * time.Second
	c.PingInterval = time.Duration(c.Realtime.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.Realtime.WriteDeadlineSeconds) * time.Second
	c.BillingTimeout = time.Duration(c.Billing.TimeoutSeconds) * time.Second
	c.PushTTL = time.Duration(c.Push.TTLSeconds) * time.Second
	c.PushTimeout = time.Duration(c.Push.TimeoutSeconds) * time.Second
	c.TypingWindow = time.Duration(c.Typing.WindowMillis) * time.Millisecond
	c.TypingMaxAge = time.Duration(c.Typing.MaxAgeSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.App.Port <= 0 {
		return errors.New("app.port missing or invalid")
	}
	switch c.Store.Driver {
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return errors.New("mongo.uri and mongo.database required for store.driver=mongo")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path required for store.driver=sqlite")
		}
	default:
		return fmt.Errorf("invalid store.driver %q (use mongo or sqlite)", c.Store.Driver)
	}
	switch c.Broadcast.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr required for broadcast.driver=redis")
		}
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url required for broadcast.driver=nats")
		}
	default:
		return fmt.Errorf("invalid broadcast.driver %q (use redis or nats)", c.Broadcast.Driver)
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return errors.New("invalid jwt.algorithm (use RS256 or HS256)")
	}
	if c.Realtime.GrantSecret == "" {
		return errors.New("realtime.grant_secret missing")
	}
	switch c.Typing.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid typing.store %q (use memory or redis)", c.Typing.Store)
	}
	if c.TypingWindow <= 0 {
		return errors.New("typing.window_ms must be positive")
	}
	return nil
}
