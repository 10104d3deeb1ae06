// Package config содержит логику чтения конфигурации сервиса синхронизации заказов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	OrderAPIAddress  string        `env:"ORDER_API_ADDRESS"`
	OrderAPIToken    string        `env:"ORDER_API_TOKEN"`
	PushSocketURL    string        `env:"PUSH_SOCKET_URL"`
	GatewayScriptURL string        `env:"GATEWAY_SCRIPT_URL"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"`
	PollTimeout      time.Duration `env:"POLL_TIMEOUT"`
	HTTPRetryMax     int           `env:"HTTP_RETRY_MAX"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string        `env:"KAFKA_TOPIC"`
	KafkaUsername    string        `env:"KAFKA_USERNAME"`
	KafkaPassword    string        `env:"KAFKA_PASSWORD"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	LogLevel         string        `env:"LOG_LEVEL"`
}

const (
	defaultRunAddress   = "localhost:8080"
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 60 * time.Second
	defaultRetryMax     = 2
	defaultKafkaTopic   = "order-views"
	defaultLogLevel     = "info"
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var brokers string

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for order view snapshots")
	flag.StringVar(&cfg.OrderAPIAddress, "o", "", "order API base address")
	flag.StringVar(&cfg.PushSocketURL, "s", "", "push socket URL")
	flag.StringVar(&cfg.GatewayScriptURL, "g", "", "payment gateway script URL")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "payment status poll interval")
	flag.DurationVar(&cfg.PollTimeout, "poll-timeout", defaultPollTimeout, "payment status poll timeout")
	flag.IntVar(&cfg.HTTPRetryMax, "retry-max", defaultRetryMax, "retries for idempotent order API calls")
	flag.StringVar(&brokers, "k", "", "comma separated Kafka brokers")
	flag.StringVar(&cfg.KafkaTopic, "t", defaultKafkaTopic, "Kafka topic for order views")
	flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")

	flag.Parse()

	if brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.OrderAPIAddress != "" {
		cfg.OrderAPIAddress = envCfg.OrderAPIAddress
	}
	if envCfg.PushSocketURL != "" {
		cfg.PushSocketURL = envCfg.PushSocketURL
	}
	if envCfg.GatewayScriptURL != "" {
		cfg.GatewayScriptURL = envCfg.GatewayScriptURL
	}
	if envCfg.PollInterval > 0 {
		cfg.PollInterval = envCfg.PollInterval
	}
	if envCfg.PollTimeout > 0 {
		cfg.PollTimeout = envCfg.PollTimeout
	}
	if envCfg.HTTPRetryMax > 0 {
		cfg.HTTPRetryMax = envCfg.HTTPRetryMax
	}
	if len(envCfg.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = envCfg.KafkaBrokers
	}
	if envCfg.KafkaTopic != "" {
		cfg.KafkaTopic = envCfg.KafkaTopic
	}
	if envCfg.LogLevel != "" {
		cfg.LogLevel = envCfg.LogLevel
	}

	// Секреты задаются только через окружение.
	cfg.OrderAPIToken = envCfg.OrderAPIToken
	cfg.KafkaUsername = envCfg.KafkaUsername
	cfg.KafkaPassword = envCfg.KafkaPassword
	cfg.AuthSecret = envCfg.AuthSecret

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.OrderAPIAddress == "" {
		return nil, fmt.Errorf("order API address is required (-o or ORDER_API_ADDRESS)")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
