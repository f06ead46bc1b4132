package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"resalearb/comparepipe"
	"resalearb/domain"
	"resalearb/marketsearch"
	"resalearb/obs"
	"resalearb/ossstore"
	"resalearb/pricecache"
	"resalearb/provider"
	"resalearb/redislock"
	"resalearb/runpipe"
	"resalearb/store"
	"resalearb/streamq"
)

func main() {
	shutdownObs, logger := obs.Init("arb-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty")
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

	ctx, cancel := signalContext()
	defer cancel()

	maxLen := int64(readEnvIntDefault("STREAM_MAXLEN", 100000))
	runStream := readEnvDefault("RUN_STREAM_KEY", "arb:runs:stream")
	runGroup := readEnvDefault("RUN_STREAM_GROUP", "arb-runs")
	cmpStream := readEnvDefault("COMPARISON_STREAM_KEY", "arb:comparisons:stream")
	cmpGroup := readEnvDefault("COMPARISON_STREAM_GROUP", "arb-comparisons")

	runQueue := streamq.NewRedisStreamQueue(rdb, runStream, runGroup, maxLen)
	cmpQueue := streamq.NewRedisStreamQueue(rdb, cmpStream, cmpGroup, maxLen)
	if err := runQueue.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure run stream group failed: %v", err)
	}
	if err := cmpQueue.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure comparison stream group failed: %v", err)
	}

	lock := redislock.New(rdb, readEnvDefault("SESSION_LOCK_PREFIX", "arb:lock:session:"))

	runEngine := buildRunEngine(runStore, cache, logger, ossSt)
	cmpEngine := buildComparisonEngine(runStore, compStore, logger, ossSt)

	// Optional watcher: a finished run with priced items immediately becomes
	// a comparison session.
	if strings.EqualFold(readEnvDefault("AUTO_COMPARE", "false"), "true") {
		runEngine.OnComplete = func(ctx context.Context, run *domain.RunSession) {
			sess, err := cmpEngine.CreateComparison(run.ID)
			if err != nil {
				logger.Warn("auto-compare skipped", "runId", run.ID, "err", err)
				return
			}
			if err := cmpQueue.Enqueue(ctx, sess.ID); err != nil {
				logger.Warn("auto-compare enqueue failed", "comparisonId", sess.ID, "err", err)
				_, _, _ = compStore.Update(sess.ID, func(c *domain.ComparisonSession) {
					c.IsRunning = false
					c.AppendLog("enqueue failed: " + err.Error())
				})
			}
		}
	}

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		cons := streamq.NewConsumer(rdb, runStream, runGroup, consumerName)
		cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
		log.Printf("arb-worker runs stream=%s group=%s consumer=%s", runStream, runGroup, consumerName)
		err := cons.ConsumeLoop(ctx, func(ctx context.Context, runID string) error {
			start := time.Now()
			err := withSessionLock(ctx, lock, runID, func(ctx context.Context) error {
				return runEngine.Drain(ctx, runID)
			})
			obs.RecordWorkerJob("run-worker", start, err)
			return err
		})
		if err != nil && err != context.Canceled {
			log.Printf("run consume loop exited: %v", err)
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		cons := streamq.NewConsumer(rdb, cmpStream, cmpGroup, consumerName)
		cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
		log.Printf("arb-worker comparisons stream=%s group=%s consumer=%s", cmpStream, cmpGroup, consumerName)
		err := cons.ConsumeLoop(ctx, func(ctx context.Context, compID string) error {
			start := time.Now()
			err := withSessionLock(ctx, lock, compID, func(ctx context.Context) error {
				return cmpEngine.Drain(ctx, compID)
			})
			obs.RecordWorkerJob("comparison-worker", start, err)
			return err
		})
		if err != nil && err != context.Canceled {
			log.Printf("comparison consume loop exited: %v", err)
			cancel()
		}
	}()

	wg.Wait()
}

func buildRunEngine(runStore store.RunStore, cache pricecache.Cache, logger *slog.Logger, ossSt *ossstore.Store) *runpipe.Engine {
	base := strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	var client provider.Client
	if base == "" {
		logger.Warn("PROVIDER_BASE_URL unset, using mock pricing provider")
		client = provider.NewMockClient("https://provider.example")
	} else {
		c, err := provider.NewHTTPClient(provider.HTTPClientOptions{
			BaseURL: base,
			APIKey:  os.Getenv("PROVIDER_API_KEY"),
		})
		if err != nil {
			log.Fatalf("init pricing provider failed: %v", err)
		}
		client = c
	}
	eng := runpipe.NewEngine(runStore, cache, client, runpipe.ConfigFromEnv(), logger)
	if ossSt != nil && ossSt.Enabled() {
		eng.OnTerminal = func(ctx context.Context, run *domain.RunSession) {
			key := ossSt.ObjectKeyForRun(run.ID)
			if err := ossSt.PutJSON(key, run); err != nil {
				logger.Warn("run snapshot upload failed", "runId", run.ID, "err", err)
			}
		}
	}
	return eng
}

func buildComparisonEngine(runStore store.RunStore, compStore store.ComparisonStore, logger *slog.Logger, ossSt *ossstore.Store) *comparepipe.Engine {
	base := strings.TrimSpace(os.Getenv("MARKET_BASE_URL"))
	var client marketsearch.Client
	if base == "" {
		logger.Warn("MARKET_BASE_URL unset, using mock marketplace search")
		client = marketsearch.NewMockClient("https://market.example")
	} else {
		c, err := marketsearch.NewHTTPClient(marketsearch.HTTPClientOptions{BaseURL: base})
		if err != nil {
			log.Fatalf("init marketplace search failed: %v", err)
		}
		client = c
	}
	cfg, err := comparepipe.ConfigFromEnv()
	if err != nil {
		log.Fatalf("comparison config: %v", err)
	}
	rotator := comparepipe.NewRotator(comparepipe.CredentialsFromEnv())
	eng := comparepipe.NewEngine(runStore, compStore, client, rotator, cfg, logger)
	if ossSt != nil && ossSt.Enabled() {
		eng.OnTerminal = func(ctx context.Context, sess *domain.ComparisonSession) {
			key := ossSt.ObjectKeyForComparison(sess.ID)
			if err := ossSt.PutJSON(key, sess); err != nil {
				logger.Warn("comparison snapshot upload failed", "comparisonId", sess.ID, "err", err)
			}
		}
	}
	return eng
}

// withSessionLock guards one session per worker fleet: a session being drained
// on another pod stays pending here and is retried after auto-claim.
func withSessionLock(ctx context.Context, lock *redislock.Client, sessionID string, fn func(ctx context.Context) error) error {
	token, err := redislock.Token()
	if err != nil {
		return err
	}
	key := lock.Key(sessionID)
	ttl := time.Duration(readEnvIntDefault("SESSION_LOCK_TTL_SECONDS", 1800)) * time.Second
	ok, err := lock.Acquire(ctx, key, token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is locked by another worker", sessionID)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = lock.Release(relCtx, key, token)
	}()

	// Refresh the lock while the drain is running.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = lock.Refresh(ctx, key, token, ttl)
			}
		}
	}()
	err = fn(ctx)
	close(stop)
	<-done
	return err
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("arb-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
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
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
