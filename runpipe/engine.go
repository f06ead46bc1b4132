// Package runpipe drains run sessions: it resolves queued identifiers against
// the pricing provider in bounded batches, consulting the identifier cache and
// classifying provider outcomes into retry, isolated failure, or fatal halt.
package runpipe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"resalearb/domain"
	"resalearb/obs"
	"resalearb/pricecache"
	"resalearb/provider"
	"resalearb/store"
	"resalearb/streamq"
)

var (
	ErrRunActive      = errors.New("runpipe: run is still running")
	ErrNothingToRetry = errors.New("runpipe: no failed items to retry")
	ErrRunNotFound    = errors.New("runpipe: run not found")
	ErrNoIdentifiers  = errors.New("runpipe: no identifiers")
)

type Config struct {
	BatchSize   int           // identifiers per provider call
	CacheTTL    time.Duration // staleness window of the identifier cache
	BackoffBase time.Duration // throttle backoff base; doubled per attempt
	MaxRetries  int           // throttle retry cap per batch
	BatchDelay  time.Duration // fixed pause between batches (implicit self-rate-limit)
	IdleDelay   time.Duration // short yield when a batch was served entirely from cache
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		CacheTTL:    time.Hour,
		BackoffBase: 2 * time.Second,
		MaxRetries:  3,
		BatchDelay:  1200 * time.Millisecond,
		IdleDelay:   50 * time.Millisecond,
	}
}

// Engine owns the run lifecycle operations. Drain is the explicit batch loop;
// there is no self-rescheduling timer chain, shutdown is observable through the
// context and the session's IsRunning flag.
type Engine struct {
	store  store.RunStore
	cache  pricecache.Cache
	client provider.Client
	cfg    Config
	logger *slog.Logger

	// OnTerminal fires once a run reaches a terminal state (completed, halted,
	// or stopped), for snapshot write-through.
	OnTerminal func(ctx context.Context, run *domain.RunSession)
	// OnComplete fires only on normal completion with at least one resolved
	// item; the automatic comparison watcher hangs off it.
	OnComplete func(ctx context.Context, run *domain.RunSession)

	// sleep is swappable so tests don't wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(st store.RunStore, cache pricecache.Cache, client provider.Client, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		cache:  cache,
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// CreateRun builds a new session with every identifier PENDING and the queue
// seeded in input order. Duplicate identifiers are dropped, first one wins.
func (e *Engine) CreateRun(identifiers []string) (*domain.RunSession, error) {
	ids := make([]string, 0, len(identifiers))
	seen := make(map[string]struct{}, len(identifiers))
	for _, raw := range identifiers {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNoIdentifiers
	}

	now := time.Now()
	run := &domain.RunSession{
		ID:        newSessionID("run"),
		CreatedAt: now,
		Items:     make([]domain.ResolvedItem, 0, len(ids)),
		IsRunning: true,
		Queue:     append([]string(nil), ids...),
		Stats: domain.RunStats{
			Total:     len(ids),
			StartTime: now,
		},
	}
	for _, id := range ids {
		run.Items = append(run.Items, domain.ResolvedItem{ID: id, Status: domain.ItemStatusPending})
	}
	run.AppendLog(fmt.Sprintf("run created with %d identifiers", len(ids)))

	if err := e.store.Create(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Drain processes the run's queue until it empties, the run is stopped, or a
// fatal provider condition halts it. Intended as a streamq handler: terminal
// returns are ACKed, others keep the message pending for re-claim.
func (e *Engine) Drain(ctx context.Context, runID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, ok, err := e.store.Get(runID)
		if err != nil {
			return err
		}
		if !ok {
			return streamq.Terminal(fmt.Errorf("run %s not found", runID))
		}
		if !run.IsRunning {
			// Stopped by the caller (or already terminal); Stop handled the hook.
			return streamq.Terminal(nil)
		}
		if len(run.Queue) == 0 {
			final, _, err := e.store.Update(runID, func(r *domain.RunSession) {
				if !r.IsRunning {
					return
				}
				r.IsRunning = false
				now := time.Now()
				r.Stats.EndTime = &now
				r.AppendLog("run completed")
			})
			if err != nil {
				return err
			}
			e.logger.Info("run completed", "runId", runID,
				"success", final.Stats.Success, "failed", final.Stats.Failed)
			e.fireTerminal(ctx, final, true)
			return streamq.Terminal(nil)
		}

		if err := e.step(ctx, runID); err != nil {
			if errors.Is(err, errHalted) {
				return streamq.Terminal(nil)
			}
			return err
		}
	}
}

// errHalted signals a fatal provider halt out of step; the run state is already
// terminal and consistent when it is returned.
var errHalted = errors.New("runpipe: run halted")

func (e *Engine) step(ctx context.Context, runID string) error {
	batchStart := time.Now()

	var batch []string
	_, ok, err := e.store.Update(runID, func(r *domain.RunSession) {
		n := e.cfg.BatchSize
		if n > len(r.Queue) {
			n = len(r.Queue)
		}
		batch = append([]string(nil), r.Queue[:n]...)
		r.Queue = r.Queue[n:]
	})
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(fmt.Errorf("run %s vanished mid-drain", runID))
	}

	// Partition into cache hits and identifiers that need the provider.
	hits := make([]domain.ResolvedItem, 0, len(batch))
	toFetch := make([]string, 0, len(batch))
	for _, id := range batch {
		if item, found := e.cache.Get(ctx, id); found {
			hits = append(hits, item)
		} else {
			toFetch = append(toFetch, id)
		}
	}
	if len(hits) > 0 {
		if _, _, err := e.store.Update(runID, func(r *domain.RunSession) {
			for _, item := range hits {
				it := r.ItemByID(item.ID)
				if it == nil || it.Status != domain.ItemStatusPending {
					continue
				}
				*it = item
				r.Stats.Processed++
				r.Stats.Success++
			}
			r.AppendLog(fmt.Sprintf("%d identifiers served from cache", len(hits)))
		}); err != nil {
			return err
		}
	}

	if len(toFetch) == 0 {
		// Cache-only batch: yield briefly instead of busy-looping the queue.
		return e.sleep(ctx, e.cfg.IdleDelay)
	}

	res := e.resolveWithBackoff(ctx, toFetch)
	obs.ObserveRunBatch(batchStart)

	switch res.Kind {
	case provider.OutcomeOK:
		if err := e.applyResolved(ctx, runID, toFetch, res); err != nil {
			return err
		}

	case provider.OutcomeRateLimited:
		// Backoff exhausted while still throttled: abandon this batch, keep
		// the rest of the queue for later batches.
		e.logger.Warn("provider throttled beyond retry cap", "runId", runID, "batch", len(toFetch))
		if err := e.failBatch(runID, toFetch, domain.ItemStatusThrottled,
			"provider rate limit persisted beyond retry cap"); err != nil {
			return err
		}

	case provider.OutcomeFatal:
		msg := res.Message
		if msg == "" {
			msg = "provider credential or quota exhausted"
		}
		final, _, err := e.store.Update(runID, func(r *domain.RunSession) {
			for _, id := range toFetch {
				it := r.ItemByID(id)
				if it == nil || it.Status != domain.ItemStatusPending {
					continue
				}
				it.Status = domain.ItemStatusAuthError
				it.ErrorMessage = msg
				r.Stats.Processed++
				r.Stats.Failed++
			}
			// Hard halt: the remaining queue stays as-is so retry-failed can
			// resume once the operator fixes the credential/quota.
			r.IsRunning = false
			now := time.Now()
			r.Stats.EndTime = &now
			r.AppendLog("run halted: " + msg)
		})
		if err != nil {
			return err
		}
		e.logger.Error("run halted by provider", "runId", runID, "reason", msg)
		e.fireTerminal(ctx, final, false)
		return errHalted

	default: // OutcomeFailed
		msg := res.Message
		if msg == "" {
			msg = "provider call failed"
		}
		if err := e.failBatch(runID, toFetch, domain.ItemStatusError, msg); err != nil {
			return err
		}
	}

	return e.sleep(ctx, e.cfg.BatchDelay)
}

func (e *Engine) resolveWithBackoff(ctx context.Context, ids []string) provider.Result {
	attempt := 0
	for {
		res := e.client.Resolve(ctx, ids)
		obs.RecordProviderCall(string(res.Kind))
		if res.Kind != provider.OutcomeRateLimited || attempt >= e.cfg.MaxRetries {
			return res
		}
		delay := e.cfg.BackoffBase << attempt
		attempt++
		e.logger.Warn("provider throttled, backing off", "attempt", attempt, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return res
		}
	}
}

func (e *Engine) applyResolved(ctx context.Context, runID string, requested []string, res provider.Result) error {
	byID := make(map[string]domain.ResolvedItem, len(res.Items))
	for _, item := range res.Items {
		byID[item.ID] = item
	}
	notFound := 0
	// The closure stays side-effect free: under the redis store it may re-run
	// on WATCH conflicts.
	_, _, err := e.store.Update(runID, func(r *domain.RunSession) {
		notFound = 0
		now := time.Now()
		for _, id := range requested {
			it := r.ItemByID(id)
			if it == nil || it.Status != domain.ItemStatusPending {
				continue
			}
			if got, ok := byID[id]; ok {
				*it = got
				if got.Status == domain.ItemStatusResolved || got.Status == domain.ItemStatusNoOffer {
					r.Stats.Success++
				} else {
					r.Stats.Failed++
				}
			} else {
				it.Status = domain.ItemStatusNotFound
				it.ResolvedAt = now
				notFound++
				r.Stats.Failed++
			}
			r.Stats.Processed++
		}
		r.AppendLog(fmt.Sprintf("batch resolved: %d returned, %d not found, quota %d",
			len(res.Items), notFound, res.QuotaRemaining))
	})
	if err != nil {
		return err
	}
	for _, item := range res.Items {
		e.cache.Put(ctx, item, e.cfg.CacheTTL)
		obs.RecordRunItem(string(item.Status))
	}
	return nil
}

func (e *Engine) failBatch(runID string, ids []string, status domain.ItemStatus, msg string) error {
	_, _, err := e.store.Update(runID, func(r *domain.RunSession) {
		for _, id := range ids {
			it := r.ItemByID(id)
			if it == nil || it.Status != domain.ItemStatusPending {
				continue
			}
			it.Status = status
			it.ErrorMessage = msg
			r.Stats.Processed++
			r.Stats.Failed++
		}
		r.AppendLog(fmt.Sprintf("batch failed (%s): %s", status, msg))
	})
	for range ids {
		obs.RecordRunItem(string(status))
	}
	return err
}

// StopRun forces early termination: the queue is cleared and already-resolved
// items are kept as a partial result. Idempotent.
func (e *Engine) StopRun(ctx context.Context, runID string) (*domain.RunSession, error) {
	stopped := false
	run, ok, err := e.store.Update(runID, func(r *domain.RunSession) {
		stopped = false
		if !r.IsRunning {
			return
		}
		r.Queue = nil
		r.IsRunning = false
		now := time.Now()
		r.Stats.EndTime = &now
		r.AppendLog("run stopped by caller")
		stopped = true
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunNotFound
	}
	if stopped {
		e.fireTerminal(ctx, run, false)
	}
	return run, nil
}

// RetryFailed resets every THROTTLED/ERROR/AUTH_ERROR item to PENDING,
// re-seeds the queue with those identifiers plus anything a fatal halt left
// queued, and marks the run running again. Rejected while the run is still
// draining; the caller re-enqueues the run afterwards.
func (e *Engine) RetryFailed(runID string) (*domain.RunSession, error) {
	active := false
	reset := 0
	run, ok, err := e.store.Update(runID, func(r *domain.RunSession) {
		active = false
		reset = 0
		if r.IsRunning {
			active = true
			return
		}
		ids := make([]string, 0)
		for i := range r.Items {
			switch r.Items[i].Status {
			case domain.ItemStatusThrottled, domain.ItemStatusError, domain.ItemStatusAuthError:
				r.Items[i].Status = domain.ItemStatusPending
				r.Items[i].ErrorMessage = ""
				ids = append(ids, r.Items[i].ID)
			}
		}
		if len(ids) == 0 {
			return
		}
		reset = len(ids)
		// A fatal halt leaves unprocessed identifiers queued; keep them
		// behind the reset ones so they drain too.
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		for _, id := range r.Queue {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		r.Queue = ids
		r.Stats.Processed -= reset
		r.Stats.Failed -= reset
		r.IsRunning = true
		r.Stats.EndTime = nil
		r.AppendLog(fmt.Sprintf("retrying %d failed identifiers", reset))
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunNotFound
	}
	if active {
		return nil, ErrRunActive
	}
	if reset == 0 {
		return nil, ErrNothingToRetry
	}
	return run, nil
}

func (e *Engine) fireTerminal(ctx context.Context, run *domain.RunSession, completed bool) {
	if run == nil {
		return
	}
	if e.OnTerminal != nil {
		e.OnTerminal(ctx, run)
	}
	if completed && e.OnComplete != nil && run.Stats.Success > 0 {
		e.OnComplete(ctx, run)
	}
}

func newSessionID(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return prefix + "_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
