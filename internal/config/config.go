package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	RateLimitPerSec int `env:"RATE_LIMIT_PER_SEC,default=100"`
	EventPrefetch   int `env:"EVENT_PREFETCH,default=16"`

	MaxDeliveryAttempts int `env:"MAX_DELIVERY_ATTEMPTS,default=3"`
	RetryBaseSec        int `env:"RETRY_BASE_SEC,default=5"`
	RetryCapSec         int `env:"RETRY_CAP_SEC,default=300"`
	DrainGraceSec       int `env:"DRAIN_GRACE_SEC,default=30"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSec) * time.Second
}

func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.RetryCapSec) * time.Second
}

func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSec) * time.Second
}
