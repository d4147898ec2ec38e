package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	DataDir      string
	DBPath       string
	RegistryPath string

	MaxConcurrentHandlers int
	HandlerTimeout        time.Duration

	// Cron specs for the three sweep cadences.
	ExpirySweepSpec    string
	StalenessSweepSpec string
	FullRebuildSpec    string

	StalenessWindow   time.Duration
	AccessCountFloor  int
	EpisodicRetention time.Duration
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("LOOM_DATA_DIR", "data")
	return Config{
		HTTPAddr:     getEnv("LOOM_HTTP_ADDR", ":8080"),
		DataDir:      dataDir,
		DBPath:       getEnv("LOOM_DB_PATH", filepath.Join(dataDir, "loom.db")),
		RegistryPath: getEnv("LOOM_REGISTRY_PATH", ""),

		MaxConcurrentHandlers: getEnvInt("LOOM_MAX_CONCURRENT_HANDLERS", 6),
		HandlerTimeout:        getEnvDuration("LOOM_HANDLER_TIMEOUT", 30*time.Second),

		ExpirySweepSpec:    getEnv("LOOM_EXPIRY_SWEEP_SPEC", "@every 15m"),
		StalenessSweepSpec: getEnv("LOOM_STALENESS_SWEEP_SPEC", "@every 6h"),
		FullRebuildSpec:    getEnv("LOOM_FULL_REBUILD_SPEC", "@every 168h"),

		StalenessWindow:   getEnvDuration("LOOM_STALENESS_WINDOW", 90*24*time.Hour),
		AccessCountFloor:  getEnvInt("LOOM_ACCESS_COUNT_FLOOR", 3),
		EpisodicRetention: getEnvDuration("LOOM_EPISODIC_RETENTION", 180*24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
