package comparepipe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv builds the engine configuration from environment variables,
// falling back to defaults for anything unset.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultEngineConfig()
	cfg.PerCredentialDelay = readEnvDurationMSDefault("COMPARE_CREDENTIAL_DELAY_MS", cfg.PerCredentialDelay)
	cfg.RetryCooldown = readEnvDurationMSDefault("COMPARE_RETRY_COOLDOWN_MS", cfg.RetryCooldown)
	cfg.MaxCandidates = readEnvIntDefault("COMPARE_MAX_CANDIDATES", cfg.MaxCandidates)
	cfg.QueryTokens = readEnvIntDefault("COMPARE_QUERY_TOKENS", cfg.QueryTokens)
	cfg.Match.CandidateFloor = readEnvFloatDefault("MATCH_CANDIDATE_FLOOR", cfg.Match.CandidateFloor)
	cfg.Match.Threshold = readEnvFloatDefault("MATCH_THRESHOLD", cfg.Match.Threshold)
	cfg.Fees.RateBasisPoints = int64(readEnvIntDefault("FEE_RATE_BP", int(cfg.Fees.RateBasisPoints)))
	if cfg.Match.CandidateFloor >= cfg.Match.Threshold {
		return Config{}, fmt.Errorf("MATCH_CANDIDATE_FLOOR %.2f must be below MATCH_THRESHOLD %.2f",
			cfg.Match.CandidateFloor, cfg.Match.Threshold)
	}
	return cfg, nil
}

// CredentialsFromEnv reads the comma-separated marketplace credential list.
func CredentialsFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("MARKET_CREDENTIALS"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	creds := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			creds = append(creds, p)
		}
	}
	return creds
}

func readEnvIntDefault(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func readEnvFloatDefault(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return def
}

func readEnvDurationMSDefault(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
