package runpipe

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv reads pipeline tunables, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = readEnvIntDefault("RUN_BATCH_SIZE", cfg.BatchSize)
	cfg.CacheTTL = readEnvDurationMSDefault("PRICE_CACHE_TTL_MS", cfg.CacheTTL)
	cfg.BackoffBase = readEnvDurationMSDefault("RUN_BACKOFF_BASE_MS", cfg.BackoffBase)
	cfg.MaxRetries = readEnvIntDefault("RUN_MAX_RETRIES", cfg.MaxRetries)
	cfg.BatchDelay = readEnvDurationMSDefault("RUN_BATCH_DELAY_MS", cfg.BatchDelay)
	cfg.IdleDelay = readEnvDurationMSDefault("RUN_IDLE_DELAY_MS", cfg.IdleDelay)
	return cfg
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvDurationMSDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Millisecond
}
