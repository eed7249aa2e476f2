package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Bridge    Bridge    `envPrefix:"BRIDGE_"`
		Store     Store     `envPrefix:"STORE_"`
		Seed      Seed      `envPrefix:"SEED_"`
	}

	Logger struct {
		Level string `env:"LEVEL" envDefault:"info"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-bridge"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Bridge struct {
		PoolSize     int           `env:"POOL_SIZE" envDefault:"0"`
		RenderLimit  time.Duration `env:"RENDER_LIMIT" envDefault:"0s"`
		CloseTimeout time.Duration `env:"CLOSE_TIMEOUT" envDefault:"5s"`
		// Compressed vector tile size caps; zero disables.
		MaxVectorBytesCompressed int `env:"MAX_VTILE_BYTES_COMPRESSED" envDefault:"0"`
		LogVectorBytesCompressed int `env:"LOG_MAX_VTILE_BYTES_COMPRESSED" envDefault:"0"`
	}

	Store struct {
		Driver string `env:"DRIVER" envDefault:"sqlite"`
		Path   string `env:"PATH" envDefault:"tiles.mbtiles"`
		Redis  Redis  `envPrefix:"REDIS_"`
	}

	Seed struct {
		Concurrency int `env:"CONCURRENCY" envDefault:"4"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
