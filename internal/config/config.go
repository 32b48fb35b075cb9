// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации магазина.
// Пустые адреса внешних систем отключают соответствующую интеграцию.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	BlockServiceAddress string        `env:"BLOCK_SERVICE_ADDRESS"`
	RedisAddress        string        `env:"REDIS_ADDRESS"`
	AMQPURL             string        `env:"AMQP_URL"`
	JWTSecret           string        `env:"JWT_SECRET"`
	PurchaseRateLimit   float64       `env:"PURCHASE_RATE_LIMIT"`
	ProductCacheTTL     time.Duration `env:"PRODUCT_CACHE_TTL" envDefault:"5m"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.BlockServiceAddress, "b", "", "external block service address")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis address for the product cache")
	flag.StringVar(&cfg.AMQPURL, "m", "", "AMQP broker URL for order events")
	flag.StringVar(&cfg.JWTSecret, "s", "", "HS256 secret for access tokens")
	flag.Float64Var(&cfg.PurchaseRateLimit, "l", 5, "purchases per second per user")

	flag.Parse()

	override(&cfg.RunAddress, envCfg.RunAddress)
	override(&cfg.DatabaseURI, envCfg.DatabaseURI)
	override(&cfg.BlockServiceAddress, envCfg.BlockServiceAddress)
	override(&cfg.RedisAddress, envCfg.RedisAddress)
	override(&cfg.AMQPURL, envCfg.AMQPURL)
	override(&cfg.JWTSecret, envCfg.JWTSecret)
	if envCfg.PurchaseRateLimit > 0 {
		cfg.PurchaseRateLimit = envCfg.PurchaseRateLimit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PurchaseRateLimit <= 0 {
		return nil, fmt.Errorf("purchase rate limit must be positive, got %v", cfg.PurchaseRateLimit)
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
