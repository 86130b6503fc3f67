package config

import "time"

type AppConfig struct {
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	RateLimitPerMin        int    `mapstructure:"rate_limit_per_min"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicEvents string   `mapstructure:"topic_events"`
}

type BroadcastConfig struct {
	Driver                string `mapstructure:"driver"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type RealtimeConfig struct {
	GrantSecret          string `mapstructure:"grant_secret"`
	GrantTTLSeconds      int    `mapstructure:"grant_ttl_seconds"`
	PingIntervalSeconds  int    `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int    `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64  `mapstructure:"max_message_size_bytes"`
}

type BillingConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	DefaultTier    string `mapstructure:"default_tier"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
	TTLSeconds      int    `mapstructure:"ttl_seconds"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

type TypingConfig struct {
	Store         string `mapstructure:"store"`
	WindowMillis  int    `mapstructure:"window_ms"`
	MaxEntries    int    `mapstructure:"max_entries"`
	MaxAgeSeconds int    `mapstructure:"max_age_seconds"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Push      PushConfig      `mapstructure:"push"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Log       LogConfig       `mapstructure:"log"`

	// derived
	ShutdownTimeout time.Duration `mapstructure:"-"`
	RequestTimeout  time.Duration `mapstructure:"-"`
	PublishTimeout  time.Duration `mapstructure:"-"`
	GrantTTL        time.Duration `mapstructure:"-"`
	PingInterval    time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	BillingTimeout  time.Duration `mapstructure:"-"`
	PushTTL         time.Duration `mapstructure:"-"`
	PushTimeout     time.Duration `mapstructure:"-"`
	TypingWindow    time.Duration `mapstructure:"-"`
	TypingMaxAge    time.Duration `mapstructure:"-"`
}

func (c *Config) IsDevelopment() bool { return c.App.Env == "development" }
