package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"resalearb/api"
	"resalearb/comparepipe"
	"resalearb/domain"
	"resalearb/marketsearch"
	"resalearb/obs"
	"resalearb/ossstore"
	"resalearb/pricecache"
	"resalearb/provider"
	"resalearb/runpipe"
	"resalearb/store"
	"resalearb/streamq"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	shutdownObs, logger := obs.Init("arb-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty: the stream queue mode requires Redis")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	sessionTTL := time.Duration(readEnvIntDefault("SESSION_TTL_HOURS", 0)) * time.Hour
	runStore := store.NewRedisRunStore(rdb, sessionTTL)
	compStore := store.NewRedisComparisonStore(rdb, sessionTTL)
	cache := pricecache.NewRedisCache(rdb, "")

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	maxLen := int64(readEnvIntDefault("STREAM_MAXLEN", 100000))
	runQueue := streamq.NewRedisStreamQueue(rdb,
		readEnvDefault("RUN_STREAM_KEY", "arb:runs:stream"),
		readEnvDefault("RUN_STREAM_GROUP", "arb-runs"), maxLen)
	cmpQueue := streamq.NewRedisStreamQueue(rdb,
		readEnvDefault("COMPARISON_STREAM_KEY", "arb:comparisons:stream"),
		readEnvDefault("COMPARISON_STREAM_GROUP", "arb-comparisons"), maxLen)

	providerClient := buildProviderClient(logger)
	runEngine := runpipe.NewEngine(runStore, cache, providerClient, runpipe.ConfigFromEnv(), logger)

	searchClient := buildSearchClient(logger)
	cmpCfg, err := comparepipe.ConfigFromEnv()
	if err != nil {
		log.Fatalf("comparison config: %v", err)
	}
	rotator := comparepipe.NewRotator(comparepipe.CredentialsFromEnv())
	cmpEngine := comparepipe.NewEngine(runStore, compStore, searchClient, rotator, cmpCfg, logger)

	// Sessions stopped through the API reach their terminal state here, not
	// in the worker, so this binary needs the snapshot hooks too.
	if ossSt != nil && ossSt.Enabled() {
		runEngine.OnTerminal = func(ctx context.Context, run *domain.RunSession) {
			if err := ossSt.PutJSON(ossSt.ObjectKeyForRun(run.ID), run); err != nil {
				logger.Warn("run snapshot upload failed", "runId", run.ID, "err", err)
			}
		}
		cmpEngine.OnTerminal = func(ctx context.Context, sess *domain.ComparisonSession) {
			if err := ossSt.PutJSON(ossSt.ObjectKeyForComparison(sess.ID), sess); err != nil {
				logger.Warn("comparison snapshot upload failed", "comparisonId", sess.ID, "err", err)
			}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	svc := api.NewService(runStore, compStore, runEngine, cmpEngine, runQueue, cmpQueue, ossSt, tmpRoot)
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	logger.Info("arb-api listening", "addr", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("arb-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildProviderClient returns the HTTP pricing client, or the deterministic
// mock when PROVIDER_BASE_URL is unset (local development).
func buildProviderClient(logger *slog.Logger) provider.Client {
	base := strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	if base == "" {
		logger.Warn("PROVIDER_BASE_URL unset, using mock pricing provider")
		return provider.NewMockClient("https://provider.example")
	}
	c, err := provider.NewHTTPClient(provider.HTTPClientOptions{
		BaseURL: base,
		APIKey:  os.Getenv("PROVIDER_API_KEY"),
	})
	if err != nil {
		log.Fatalf("init pricing provider failed: %v", err)
	}
	return c
}

func buildSearchClient(logger *slog.Logger) marketsearch.Client {
	base := strings.TrimSpace(os.Getenv("MARKET_BASE_URL"))
	if base == "" {
		logger.Warn("MARKET_BASE_URL unset, using mock marketplace search")
		return marketsearch.NewMockClient("https://market.example")
	}
	c, err := marketsearch.NewHTTPClient(marketsearch.HTTPClientOptions{
		BaseURL: base,
	})
	if err != nil {
		log.Fatalf("init marketplace search failed: %v", err)
	}
	return c
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
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

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
