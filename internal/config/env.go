package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays environment variables onto cfg. Unparseable numeric
// values are ignored.
func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("STACKLINE_ADDR", cfg.Server.Addr)
	cfg.Server.PublicURL = getEnv("STACKLINE_PUBLIC_URL", cfg.Server.PublicURL)
	cfg.Auth.Secret = getEnv("STACKLINE_AUTH_SECRET", cfg.Auth.Secret)
	cfg.Paths.DatabasePath = getEnv("STACKLINE_DB", cfg.Paths.DatabasePath)
	cfg.Paths.BlobRoot = getEnv("STACKLINE_BLOB_ROOT", cfg.Paths.BlobRoot)
	cfg.Redis.Addr = getEnv("STACKLINE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Logging.Level = getEnv("STACKLINE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Client.ServerURL = getEnv("STACKLINE_SERVER", cfg.Client.ServerURL)
	cfg.Client.Token = getEnv("STACKLINE_TOKEN", cfg.Client.Token)

	cfg.Grouping.ThresholdSeconds = getEnvFloat("STACKLINE_GROUP_THRESHOLD_SECONDS", cfg.Grouping.ThresholdSeconds)
	cfg.Transfer.MultipartThresholdMB = getEnvInt("STACKLINE_MULTIPART_THRESHOLD_MB", cfg.Transfer.MultipartThresholdMB)
	cfg.Transfer.Concurrency.Min = getEnvInt("STACKLINE_MIN_CONCURRENCY", cfg.Transfer.Concurrency.Min)
	cfg.Transfer.Concurrency.Max = getEnvInt("STACKLINE_MAX_CONCURRENCY", cfg.Transfer.Concurrency.Max)
	cfg.Transfer.RetryAttempts = getEnvInt("STACKLINE_RETRY_ATTEMPTS", cfg.Transfer.RetryAttempts)
	cfg.Processing.Workers = getEnvInt("STACKLINE_WORKERS", cfg.Processing.Workers)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
