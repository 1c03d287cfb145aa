// Package config содержит логику чтения конфигурации сервиса спонсорской поддержки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса спонсорской поддержки.
type Config struct {
	RunAddress              string        `env:"RUN_ADDRESS"`
	DatabaseURI             string        `env:"DATABASE_URI"`
	SponsorDirectoryAddress string        `env:"SPONSOR_DIRECTORY_ADDRESS"`
	ReservationTTL          time.Duration `env:"RESERVATION_TTL"`
	PlatformFeePercent      int           `env:"PLATFORM_FEE_PERCENT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDirectoryAddress := cfg.SponsorDirectoryAddress
	envReservationTTL := cfg.ReservationTTL
	envFeePercent := cfg.PlatformFeePercent

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SponsorDirectoryAddress, "s", "", "sponsor directory address")
	flag.DurationVar(&cfg.ReservationTTL, "t", 15*time.Minute, "reservation time to live")
	flag.IntVar(&cfg.PlatformFeePercent, "f", 20, "platform fee percent")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDirectoryAddress != "" {
		cfg.SponsorDirectoryAddress = envDirectoryAddress
	}
	if envReservationTTL != 0 {
		cfg.ReservationTTL = envReservationTTL
	}
	if envFeePercent != 0 {
		cfg.PlatformFeePercent = envFeePercent
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation TTL must be positive, got %s", cfg.ReservationTTL)
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > 100 {
		return nil, fmt.Errorf("platform fee percent must be in range [0, 100], got %d", cfg.PlatformFeePercent)
	}

	return cfg, nil
}
