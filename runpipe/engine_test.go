package runpipe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"resalearb/domain"
	"resalearb/pricecache"
	"resalearb/provider"
	"resalearb/store"
	"resalearb/streamq"
)

// scriptedClient replays one provider.Result per call, repeating the last
// entry when the script runs out.
type scriptedClient struct {
	script []provider.Result
	calls  int
	seen   [][]string
}

func (c *scriptedClient) Resolve(ctx context.Context, identifiers []string) provider.Result {
	c.seen = append(c.seen, append([]string(nil), identifiers...))
	idx := c.calls
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	c.calls++
	return c.script[idx]
}

func resolvedItems(ids ...string) []domain.ResolvedItem {
	out := make([]domain.ResolvedItem, 0, len(ids))
	for i, id := range ids {
		price := int64(1000 * (i + 1))
		out = append(out, domain.ResolvedItem{
			ID:          id,
			Title:       "Product " + id,
			PriceAmount: &price,
			Currency:    "JPY",
			Status:      domain.ItemStatusResolved,
			ResolvedAt:  time.Now(),
		})
	}
	return out
}

func newTestEngine(t *testing.T, client provider.Client, cfg Config) (*Engine, *store.InMemoryRunStore) {
	t.Helper()
	st := store.NewInMemoryRunStore(0)
	eng := NewEngine(st, pricecache.NewMemoryCache(), client, cfg, nil)
	eng.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return eng, st
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxRetries = 2
	return cfg
}

func TestCreateRunDedupesAndSeedsQueue(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())

	run, err := eng.CreateRun([]string{" a1 ", "a2", "a1", "", "a3"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Stats.Total != 3 || len(run.Items) != 3 || len(run.Queue) != 3 {
		t.Fatalf("unexpected run shape: total=%d items=%d queue=%d", run.Stats.Total, len(run.Items), len(run.Queue))
	}
	if run.Queue[0] != "a1" || run.Queue[1] != "a2" || run.Queue[2] != "a3" {
		t.Fatalf("queue order not preserved: %v", run.Queue)
	}
	if !run.IsRunning {
		t.Fatalf("new run should be running")
	}
	for _, it := range run.Items {
		if it.Status != domain.ItemStatusPending {
			t.Fatalf("item %s not pending: %s", it.ID, it.Status)
		}
	}
}

func TestCreateRunRejectsEmptyInput(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())
	if _, err := eng.CreateRun([]string{"", "  "}); err != ErrNoIdentifiers {
		t.Fatalf("want ErrNoIdentifiers, got %v", err)
	}
}

func TestDrainResolvesAllBatches(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1", "a2"), QuotaRemaining: 10},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a3"), QuotaRemaining: 9},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, err := eng.CreateRun([]string{"a1", "a2", "a3"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	completed := 0
	eng.OnComplete = func(ctx context.Context, r *domain.RunSession) { completed++ }

	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain should end terminal, got %v", err)
	}

	final, _, _ := st.Get(run.ID)
	if final.IsRunning {
		t.Fatalf("drained run still running")
	}
	if len(final.Queue) != 0 {
		t.Fatalf("queue not empty: %v", final.Queue)
	}
	if final.Stats.Processed != 3 || final.Stats.Success != 3 || final.Stats.Failed != 0 {
		t.Fatalf("stats: %+v", final.Stats)
	}
	if final.Stats.EndTime == nil {
		t.Fatalf("end time not set")
	}
	for _, it := range final.Items {
		if it.Status != domain.ItemStatusResolved {
			t.Fatalf("item %s: %s", it.ID, it.Status)
		}
	}
	if client.calls != 2 {
		t.Fatalf("want 2 provider calls, got %d", client.calls)
	}
	if completed != 1 {
		t.Fatalf("OnComplete fired %d times", completed)
	}
}

func TestDrainMarksMissingIdentifiersNotFound(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "ghost"})
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := st.Get(run.ID)
	it := final.ItemByID("ghost")
	if it == nil || it.Status != domain.ItemStatusNotFound {
		t.Fatalf("missing identifier not NOT_FOUND: %+v", it)
	}
	if final.Stats.Success != 1 || final.Stats.Failed != 1 || final.Stats.Processed != 2 {
		t.Fatalf("stats: %+v", final.Stats)
	}
}

func TestDrainServesRepeatRunFromCache(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1", "a2")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	first, _ := eng.CreateRun([]string{"a1", "a2"})
	if err := eng.Drain(context.Background(), first.ID); !streamq.IsTerminal(err) {
		t.Fatalf("first drain: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("first drain: want 1 call, got %d", client.calls)
	}

	second, _ := eng.CreateRun([]string{"a1", "a2"})
	if err := eng.Drain(context.Background(), second.ID); !streamq.IsTerminal(err) {
		t.Fatalf("second drain: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("second drain hit the provider: %d calls", client.calls)
	}

	final, _, _ := st.Get(second.ID)
	if final.Stats.Success != 2 || final.Stats.Processed != 2 {
		t.Fatalf("cache-served stats: %+v", final.Stats)
	}
}

func TestDrainThrottleExhaustionFailsBatchOnly(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeRateLimited, Message: "slow down"},
		{Kind: provider.OutcomeRateLimited, Message: "slow down"},
		{Kind: provider.OutcomeRateLimited, Message: "slow down"},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a3")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "a2", "a3"})
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := st.Get(run.ID)
	// First batch exhausted its retries and was marked THROTTLED; the second
	// batch still went through.
	for _, id := range []string{"a1", "a2"} {
		it := final.ItemByID(id)
		if it.Status != domain.ItemStatusThrottled {
			t.Fatalf("item %s: %s, want THROTTLED", id, it.Status)
		}
	}
	if it := final.ItemByID("a3"); it.Status != domain.ItemStatusResolved {
		t.Fatalf("a3: %s, want RESOLVED", it.Status)
	}
	if final.Stats.Failed != 2 || final.Stats.Success != 1 {
		t.Fatalf("stats: %+v", final.Stats)
	}
}

func TestDrainFatalHaltsAndPreservesQueue(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1", "a2")},
		{Kind: provider.OutcomeFatal, Message: "quota exhausted"},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "a2", "a3", "a4", "a5", "a6"})
	terminalFired := 0
	eng.OnTerminal = func(ctx context.Context, r *domain.RunSession) { terminalFired++ }
	eng.OnComplete = func(ctx context.Context, r *domain.RunSession) {
		t.Fatalf("OnComplete must not fire on a halted run")
	}

	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := st.Get(run.ID)
	if final.IsRunning {
		t.Fatalf("halted run still running")
	}
	// Batch 1 resolved, batch 2 AUTH_ERROR, batch 3 never fetched.
	for _, id := range []string{"a1", "a2"} {
		if it := final.ItemByID(id); it.Status != domain.ItemStatusResolved {
			t.Fatalf("item %s: %s", id, it.Status)
		}
	}
	for _, id := range []string{"a3", "a4"} {
		if it := final.ItemByID(id); it.Status != domain.ItemStatusAuthError {
			t.Fatalf("item %s: %s, want AUTH_ERROR", id, it.Status)
		}
	}
	for _, id := range []string{"a5", "a6"} {
		if it := final.ItemByID(id); it.Status != domain.ItemStatusPending {
			t.Fatalf("item %s: %s, want PENDING", id, it.Status)
		}
	}
	if len(final.Queue) != 2 {
		t.Fatalf("remaining queue: %v", final.Queue)
	}
	if terminalFired != 1 {
		t.Fatalf("OnTerminal fired %d times", terminalFired)
	}
}

func TestRetryFailedAfterFatalHaltDrainsWholeQueue(t *testing.T) {
	// A fatal halt leaves unfetched identifiers queued; retry-failed must
	// carry them along with the reset AUTH_ERROR ones.
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1", "a2")},
		{Kind: provider.OutcomeFatal, Message: "quota exhausted"},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a3", "a4")},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a5", "a6")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "a2", "a3", "a4", "a5", "a6"})
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("first drain: %v", err)
	}

	retried, err := eng.RetryFailed(run.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	wantQueue := []string{"a3", "a4", "a5", "a6"}
	if len(retried.Queue) != len(wantQueue) {
		t.Fatalf("retry queue: %v, want %v", retried.Queue, wantQueue)
	}
	for i, id := range wantQueue {
		if retried.Queue[i] != id {
			t.Fatalf("retry queue: %v, want %v", retried.Queue, wantQueue)
		}
	}
	// Only the two AUTH_ERROR items roll back; a5/a6 were never processed.
	if retried.Stats.Processed != 2 || retried.Stats.Failed != 0 {
		t.Fatalf("retry accounting: %+v", retried.Stats)
	}

	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("second drain: %v", err)
	}
	final, _, _ := st.Get(run.ID)
	for i := range final.Items {
		if final.Items[i].Status == domain.ItemStatusPending {
			t.Fatalf("item %s left pending after retry drain", final.Items[i].ID)
		}
	}
	if final.Stats.Processed != 6 || final.Stats.Success != 6 || len(final.Queue) != 0 {
		t.Fatalf("final state: stats=%+v queue=%v", final.Stats, final.Queue)
	}
	if final.IsRunning {
		t.Fatalf("run still running after retry drain")
	}
}

func TestStopRunClearsQueue(t *testing.T) {
	eng, st := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())
	run, _ := eng.CreateRun([]string{"a1", "a2"})

	stopped, err := eng.StopRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if stopped.IsRunning || len(stopped.Queue) != 0 {
		t.Fatalf("stop not applied: running=%v queue=%v", stopped.IsRunning, stopped.Queue)
	}

	// Idempotent.
	if _, err := eng.StopRun(context.Background(), run.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	final, _, _ := st.Get(run.ID)
	if final.Stats.EndTime == nil {
		t.Fatalf("end time not set on stop")
	}

	if _, err := eng.StopRun(context.Background(), "missing"); err != ErrRunNotFound {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}

func TestRetryFailedRejectedWhileRunning(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())
	run, _ := eng.CreateRun([]string{"a1"})
	if _, err := eng.RetryFailed(run.ID); err != ErrRunActive {
		t.Fatalf("want ErrRunActive, got %v", err)
	}
}

func TestRetryFailedResetsFailedItems(t *testing.T) {
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeFailed, Message: "boom"},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1", "a2")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "a2"})
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("first drain: %v", err)
	}
	afterFail, _, _ := st.Get(run.ID)
	if afterFail.Stats.Failed != 2 {
		t.Fatalf("setup: %+v", afterFail.Stats)
	}

	retried, err := eng.RetryFailed(run.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if !retried.IsRunning || len(retried.Queue) != 2 {
		t.Fatalf("retry state: running=%v queue=%v", retried.IsRunning, retried.Queue)
	}
	if retried.Stats.Processed != 0 || retried.Stats.Failed != 0 {
		t.Fatalf("retry accounting: %+v", retried.Stats)
	}
	if retried.Stats.EndTime != nil {
		t.Fatalf("end time not cleared")
	}

	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("second drain: %v", err)
	}
	final, _, _ := st.Get(run.ID)
	if final.Stats.Success != 2 || final.Stats.Failed != 0 || final.Stats.Processed != 2 {
		t.Fatalf("final stats: %+v", final.Stats)
	}

	if _, err := eng.RetryFailed(run.ID); err != ErrNothingToRetry {
		t.Fatalf("want ErrNothingToRetry, got %v", err)
	}
}

func TestDrainStatsConservation(t *testing.T) {
	// Mixed outcomes: success + failed must always equal processed.
	client := &scriptedClient{script: []provider.Result{
		{Kind: provider.OutcomeOK, Items: resolvedItems("a1")},
		{Kind: provider.OutcomeFailed, Message: "bad gateway"},
		{Kind: provider.OutcomeOK, Items: resolvedItems("a5")},
	}}
	eng, st := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun([]string{"a1", "a2", "a3", "a4", "a5", "a6"})
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}
	final, _, _ := st.Get(run.ID)
	if final.Stats.Processed != final.Stats.Success+final.Stats.Failed {
		t.Fatalf("conservation violated: %+v", final.Stats)
	}
	if final.Stats.Processed != 6 {
		t.Fatalf("not all items processed: %+v", final.Stats)
	}
}

func TestDrainCancelledContextKeepsMessagePending(t *testing.T) {
	eng, st := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())
	run, _ := eng.CreateRun([]string{"a1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eng.Drain(ctx, run.ID)
	if streamq.IsTerminal(err) {
		t.Fatalf("cancelled drain must not be terminal: %v", err)
	}
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	after, _, _ := st.Get(run.ID)
	if !after.IsRunning || len(after.Queue) != 1 {
		t.Fatalf("cancelled drain mutated the run: %+v", after)
	}
}

func TestDrainUnknownRunTerminal(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedClient{script: []provider.Result{{Kind: provider.OutcomeOK}}}, smallConfig())
	err := eng.Drain(context.Background(), "run_missing")
	if !streamq.IsTerminal(err) {
		t.Fatalf("missing run should ACK terminally, got %v", err)
	}
}

func TestBatchPartitioning(t *testing.T) {
	items := make([]string, 0, 5)
	script := []provider.Result{}
	for i := 0; i < 5; i++ {
		items = append(items, fmt.Sprintf("b%d", i))
	}
	script = append(script,
		provider.Result{Kind: provider.OutcomeOK, Items: resolvedItems("b0", "b1")},
		provider.Result{Kind: provider.OutcomeOK, Items: resolvedItems("b2", "b3")},
		provider.Result{Kind: provider.OutcomeOK, Items: resolvedItems("b4")},
	)
	client := &scriptedClient{script: script}
	eng, _ := newTestEngine(t, client, smallConfig())

	run, _ := eng.CreateRun(items)
	if err := eng.Drain(context.Background(), run.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}
	if len(client.seen) != 3 {
		t.Fatalf("want 3 batches, got %d", len(client.seen))
	}
	if len(client.seen[0]) != 2 || len(client.seen[1]) != 2 || len(client.seen[2]) != 1 {
		t.Fatalf("batch sizes: %v", client.seen)
	}
}
