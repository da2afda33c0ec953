package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "LOG_LEVEL", "REDIS_ADDR", "STORE_DRIVER", "MONGO_URI",
		"ROOMS_DB_NAME", "ROOMS_COLLECTION", "DATABASE_URL", "JWT_SECRET",
		"SNAPSHOT_SCHEDULE", "DIRECTORY_TTL", "HYDRATE_TIMEOUT", "LOCK_TTL",
		"EXEC_BACKEND", "CODE_EXECUTION_ENGINE_API", "ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != "mongo" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SnapshotSchedule != "@every 50s" {
		t.Fatalf("expected 50s snapshot schedule, got %s", cfg.SnapshotSchedule)
	}
	if cfg.DirectoryTTL != 24*time.Hour || cfg.HydrateTimeout != 5*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "storeDriver: sqlite\ndatabaseUrl: rooms.db\nport: \"9000\"\nhydrateTimeout: 2s\nexecBackend: none\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.DatabaseURL != "rooms.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Port != "9100" {
		t.Fatalf("expected env to override file, got port %s", cfg.Port)
	}
	if cfg.HydrateTimeout != 2*time.Second {
		t.Fatalf("expected 2s hydrate timeout, got %v", cfg.HydrateTimeout)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"STORE_DRIVER": "cassandra"}},
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"postgres without dsn", map[string]string{"STORE_DRIVER": "postgres"}},
		{"bad schedule", map[string]string{"MONGO_URI": "mongodb://x", "SNAPSHOT_SCHEDULE": "whenever"}},
		{"bad duration", map[string]string{"MONGO_URI": "mongodb://x", "DIRECTORY_TTL": "forever"}},
		{"http exec without url", map[string]string{"MONGO_URI": "mongodb://x", "EXEC_BACKEND": "http"}},
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/config.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("UNIT_TEST_ENV", "value")
	if got := getEnvOrDefault("UNIT_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}

	t.Setenv("UNIT_TEST_ENV", "")
	if got := getEnvOrDefault("UNIT_TEST_ENV", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}
