package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	RedisAddr string `yaml:"redisAddr"`

	StoreDriver     string `yaml:"storeDriver"`
	MongoURI        string `yaml:"mongoUri"`
	RoomsDBName     string `yaml:"roomsDbName"`
	RoomsCollection string `yaml:"roomsCollection"`
	DatabaseURL     string `yaml:"databaseUrl"`

	JWTSecret string `yaml:"jwtSecret"`

	SnapshotSchedule string        `yaml:"snapshotSchedule"`
	DirectoryTTL     time.Duration `yaml:"directoryTtl"`
	HydrateTimeout   time.Duration `yaml:"hydrateTimeout"`
	LockTTL          time.Duration `yaml:"lockTtl"`

	ExecBackend    string `yaml:"execBackend"`
	ExecEngineURL  string `yaml:"execEngineUrl"`
	AllowedOrigins string `yaml:"allowedOrigins"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		LogLevel:         "info",
		RedisAddr:        "localhost:6379",
		StoreDriver:      "mongo",
		RoomsDBName:      "codecollab",
		RoomsCollection:  "rooms",
		SnapshotSchedule: "@every 50s",
		DirectoryTTL:     24 * time.Hour,
		HydrateTimeout:   5 * time.Second,
		LockTTL:          5 * time.Second,
		ExecBackend:      "docker",
		AllowedOrigins:   "*",
	}
}

// LoadConfig loads configuration from CONFIG_FILE and environment variables.
func LoadConfig() (*Config, error) {
	config := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	config.Port = getEnvOrDefault("PORT", config.Port)
	config.LogLevel = getEnvOrDefault("LOG_LEVEL", config.LogLevel)
	config.RedisAddr = getEnvOrDefault("REDIS_ADDR", config.RedisAddr)
	config.StoreDriver = getEnvOrDefault("STORE_DRIVER", config.StoreDriver)
	config.MongoURI = getEnvOrDefault("MONGO_URI", config.MongoURI)
	config.RoomsDBName = getEnvOrDefault("ROOMS_DB_NAME", config.RoomsDBName)
	config.RoomsCollection = getEnvOrDefault("ROOMS_COLLECTION", config.RoomsCollection)
	config.DatabaseURL = getEnvOrDefault("DATABASE_URL", config.DatabaseURL)
	config.JWTSecret = getEnvOrDefault("JWT_SECRET", config.JWTSecret)
	config.SnapshotSchedule = getEnvOrDefault("SNAPSHOT_SCHEDULE", config.SnapshotSchedule)
	config.ExecBackend = getEnvOrDefault("EXEC_BACKEND", config.ExecBackend)
	config.ExecEngineURL = getEnvOrDefault("CODE_EXECUTION_ENGINE_API", config.ExecEngineURL)
	config.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", config.AllowedOrigins)

	var err error
	if config.DirectoryTTL, err = getDurationOrDefault("DIRECTORY_TTL", config.DirectoryTTL); err != nil {
		return nil, err
	}
	if config.HydrateTimeout, err = getDurationOrDefault("HYDRATE_TIMEOUT", config.HydrateTimeout); err != nil {
		return nil, err
	}
	if config.LockTTL, err = getDurationOrDefault("LOCK_TTL", config.LockTTL); err != nil {
		return nil, err
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	switch config.StoreDriver {
	case "mongo":
		if config.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	case "postgres", "sqlite":
		if config.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the " + config.StoreDriver + " store")
		}
	default:
		return errors.New("unsupported store driver: " + config.StoreDriver + ". Currently supported: mongo, postgres, sqlite")
	}

	switch config.ExecBackend {
	case "docker", "none":
	case "http":
		if config.ExecEngineURL == "" {
			return errors.New("CODE_EXECUTION_ENGINE_API is required for the http exec backend")
		}
	default:
		return errors.New("unsupported exec backend: " + config.ExecBackend)
	}

	if _, err := cron.ParseStandard(config.SnapshotSchedule); err != nil {
		return fmt.Errorf("invalid SNAPSHOT_SCHEDULE %q: %w", config.SnapshotSchedule, err)
	}
	if config.DirectoryTTL <= 0 || config.HydrateTimeout <= 0 || config.LockTTL <= 0 {
		return errors.New("DIRECTORY_TTL, HYDRATE_TIMEOUT and LOCK_TTL must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
