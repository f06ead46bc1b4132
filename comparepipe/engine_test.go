package comparepipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"resalearb/domain"
	"resalearb/marketsearch"
	"resalearb/store"
	"resalearb/streamq"
)

// fakeSearch maps a query prefix (the item title's first token) to scripted
// hits, recording which credential served each call.
type fakeSearch struct {
	mu      sync.Mutex
	hits    map[string][]marketsearch.Hit
	errs    map[string][]error
	byCred  map[string]int
	queries []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		hits:   make(map[string][]marketsearch.Hit),
		errs:   make(map[string][]error),
		byCred: make(map[string]int),
	}
}

func (f *fakeSearch) Search(ctx context.Context, query, credential string) ([]marketsearch.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCred[credential]++
	f.queries = append(f.queries, query)
	if errs := f.errs[query]; len(errs) > 0 {
		err := errs[0]
		f.errs[query] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.hits[query], nil
}

func seededRunStore(t *testing.T, items ...domain.ResolvedItem) (store.RunStore, string) {
	t.Helper()
	st := store.NewInMemoryRunStore(0)
	run := &domain.RunSession{
		ID:        "run_src",
		CreatedAt: time.Now(),
		Items:     items,
		Stats:     domain.RunStats{Total: len(items)},
	}
	if err := st.Create(run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return st, run.ID
}

func pricedItem(id, title string, price int64) domain.ResolvedItem {
	return domain.ResolvedItem{
		ID:          id,
		Title:       title,
		PriceAmount: &price,
		Currency:    "JPY",
		DetailURL:   "https://primary.example/" + id,
		Status:      domain.ItemStatusResolved,
	}
}

func newTestEngine(t *testing.T, runs store.RunStore, search marketsearch.Client, creds ...string) (*Engine, *store.InMemoryComparisonStore) {
	t.Helper()
	comps := store.NewInMemoryComparisonStore(0)
	cfg := DefaultEngineConfig()
	cfg.PerCredentialDelay = 0
	cfg.RetryCooldown = 0
	if len(creds) == 0 {
		creds = []string{"cred-a"}
	}
	eng := NewEngine(runs, comps, search, NewRotator(creds), cfg, nil)
	eng.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return eng, comps
}

func TestCreateComparisonFromResolvedItems(t *testing.T) {
	runs, runID := seededRunStore(t,
		pricedItem("p1", "Sony WH-1000XM5", 30000),
		domain.ResolvedItem{ID: "p2", Status: domain.ItemStatusNotFound},
		domain.ResolvedItem{ID: "p3", Status: domain.ItemStatusNoOffer},
	)
	eng, _ := newTestEngine(t, runs, newFakeSearch())

	sess, err := eng.CreateComparison(runID)
	if err != nil {
		t.Fatalf("CreateComparison: %v", err)
	}
	if len(sess.Items) != 1 || sess.Stats.Total != 1 {
		t.Fatalf("only priced items should be carried over: %+v", sess.Items)
	}
	if sess.Items[0].ID != "p1" || sess.Items[0].PrimaryPrice != 30000 {
		t.Fatalf("item not copied: %+v", sess.Items[0])
	}
	if sess.RunID != runID || !sess.IsRunning {
		t.Fatalf("session shape: %+v", sess)
	}
}

func TestCreateComparisonRejectsUnpricedRun(t *testing.T) {
	runs, runID := seededRunStore(t, domain.ResolvedItem{ID: "p1", Status: domain.ItemStatusNotFound})
	eng, _ := newTestEngine(t, runs, newFakeSearch())

	if _, err := eng.CreateComparison(runID); err != ErrNoResolvedItems {
		t.Fatalf("want ErrNoResolvedItems, got %v", err)
	}
	if _, err := eng.CreateComparison("missing"); err != ErrRunNotFound {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}

func TestDrainMatchesCheaperIdenticalListing(t *testing.T) {
	title := "Sony WH-1000XM5 Wireless Headphones"
	runs, runID := seededRunStore(t, pricedItem("p1", title, 30000))
	search := newFakeSearch()
	query := "Sony WH-1000XM5 Wireless Headphones"
	search.hits[query] = []marketsearch.Hit{
		{Title: title, Price: 21000, URL: "https://sec.example/1", Shop: "shopA"},
		{Title: "Bose QC45", Price: 15000, URL: "https://sec.example/2", Shop: "shopB"},
	}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	it := final.ItemByID("p1")
	if it.Status != domain.MatchStatusMatched {
		t.Fatalf("status: %s, want MATCHED (score %v)", it.Status, it.SimilarityScore)
	}
	if it.SecondaryPrice == nil || *it.SecondaryPrice != 21000 {
		t.Fatalf("secondary price: %+v", it.SecondaryPrice)
	}
	if it.SecondaryShop != "shopA" {
		t.Fatalf("top candidate not surfaced: %+v", it)
	}

	// fee = 10% of 30000 + 700 handling (above the last tier).
	wantFee := int64(3700)
	if it.EstimatedFee != wantFee {
		t.Fatalf("fee: %d, want %d", it.EstimatedFee, wantFee)
	}
	wantProfit := int64(30000 - 21000 - 3700)
	if it.EstimatedProfit == nil || *it.EstimatedProfit != wantProfit {
		t.Fatalf("profit: %+v, want %d", it.EstimatedProfit, wantProfit)
	}
	if it.ProfitRate == nil || *it.ProfitRate != float64(wantProfit)/30000 {
		t.Fatalf("profit rate: %+v", it.ProfitRate)
	}

	if final.Stats.Processed != 1 || final.Stats.Matched != 1 || final.Stats.Profitable != 1 {
		t.Fatalf("stats: %+v", final.Stats)
	}
	if final.IsRunning {
		t.Fatalf("drained comparison still running")
	}
}

func TestDrainNoMatchStillSurfacesTopCandidate(t *testing.T) {
	// Same product but more expensive: fails the price condition, candidate
	// fields are still filled for manual review.
	title := "Sony WH-1000XM5 Wireless Headphones"
	runs, runID := seededRunStore(t, pricedItem("p1", title, 20000))
	search := newFakeSearch()
	search.hits[title] = []marketsearch.Hit{
		{Title: title, Price: 25000, URL: "https://sec.example/1", Shop: "shopA"},
	}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	it := final.ItemByID("p1")
	if it.Status != domain.MatchStatusNoMatch {
		t.Fatalf("status: %s, want NO_MATCH", it.Status)
	}
	if it.SecondaryTitle != title || it.SecondaryPrice == nil || *it.SecondaryPrice != 25000 {
		t.Fatalf("top candidate not surfaced: %+v", it)
	}
	if it.EstimatedProfit != nil {
		t.Fatalf("profit must stay unset on NO_MATCH")
	}
	if final.Stats.Matched != 0 || final.Stats.Processed != 1 {
		t.Fatalf("stats: %+v", final.Stats)
	}
}

func TestDrainDissimilarHitsYieldNoCandidates(t *testing.T) {
	runs, runID := seededRunStore(t, pricedItem("p1", "Sony WH-1000XM5 Wireless Headphones", 30000))
	search := newFakeSearch()
	search.hits["Sony WH-1000XM5 Wireless Headphones"] = []marketsearch.Hit{
		{Title: "ガーデニング用ホース 10m", Price: 1500, URL: "https://sec.example/x"},
	}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	it := final.ItemByID("p1")
	if it.Status != domain.MatchStatusNoMatch || len(it.MatchCandidates) != 0 {
		t.Fatalf("dissimilar hit kept: %+v", it)
	}
	if it.SecondaryTitle != "" || it.SecondaryPrice != nil {
		t.Fatalf("no candidate should be surfaced: %+v", it)
	}
}

func TestDrainRateLimitRetriesOnceThenErrors(t *testing.T) {
	title := "Nintendo Switch 有機ELモデル"
	runs, runID := seededRunStore(t, pricedItem("p1", title, 35000))
	search := newFakeSearch()
	search.errs[title] = []error{marketsearch.ErrRateLimited, marketsearch.ErrRateLimited}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	it := final.ItemByID("p1")
	if it.Status != domain.MatchStatusError {
		t.Fatalf("status: %s, want ERROR", it.Status)
	}
	if it.ErrorMessage == "" {
		t.Fatalf("error message not recorded")
	}
	// The item still counts as processed so the session can finish.
	if final.Stats.Processed != 1 {
		t.Fatalf("stats: %+v", final.Stats)
	}
}

func TestDrainRateLimitRecoversAfterRetry(t *testing.T) {
	title := "Nintendo Switch 有機ELモデル"
	runs, runID := seededRunStore(t, pricedItem("p1", title, 35000))
	search := newFakeSearch()
	search.errs[title] = []error{marketsearch.ErrRateLimited}
	search.hits[title] = []marketsearch.Hit{
		{Title: title, Price: 28000, URL: "https://sec.example/1"},
	}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	if it := final.ItemByID("p1"); it.Status != domain.MatchStatusMatched {
		t.Fatalf("status after retry: %s, want MATCHED", it.Status)
	}
}

func TestDrainPartitionsAcrossCredentials(t *testing.T) {
	items := make([]domain.ResolvedItem, 0, 6)
	search := newFakeSearch()
	for i := 0; i < 6; i++ {
		title := fmt.Sprintf("UniqueProduct%02d トレカ", i)
		items = append(items, pricedItem(fmt.Sprintf("p%d", i), title, 5000))
		search.hits[title] = []marketsearch.Hit{
			{Title: title, Price: 3000, URL: fmt.Sprintf("https://sec.example/%d", i)},
		}
	}
	runs, runID := seededRunStore(t, items...)
	eng, comps := newTestEngine(t, runs, search, "cred-a", "cred-b", "cred-c")

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	if final.Stats.Processed != 6 {
		t.Fatalf("every item must be processed exactly once: %+v", final.Stats)
	}
	for i := range final.Items {
		if final.Items[i].Status == domain.MatchStatusPending {
			t.Fatalf("item %s left pending", final.Items[i].ID)
		}
	}
	total := 0
	for cred, n := range search.byCred {
		if n != 2 {
			t.Fatalf("credential %s served %d calls, want 2", cred, n)
		}
		total += n
	}
	if total != 6 {
		t.Fatalf("total search calls: %d", total)
	}
}

func TestStopAndResume(t *testing.T) {
	runs, runID := seededRunStore(t,
		pricedItem("p1", "Product One", 5000),
		pricedItem("p2", "Product Two", 5000),
	)
	search := newFakeSearch()
	search.hits["Product One"] = []marketsearch.Hit{{Title: "Product One", Price: 3000, URL: "u1"}}
	search.hits["Product Two"] = []marketsearch.Hit{{Title: "Product Two", Price: 3000, URL: "u2"}}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)

	stopped, err := eng.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.IsRunning {
		t.Fatalf("stop not applied")
	}

	// Draining a stopped session is a no-op ACK.
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("drain of stopped session: %v", err)
	}
	mid, _, _ := comps.Get(sess.ID)
	if mid.Stats.Processed != 0 {
		t.Fatalf("stopped session processed items: %+v", mid.Stats)
	}

	resumed, err := eng.Resume(sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.IsRunning {
		t.Fatalf("resume not applied")
	}
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("drain after resume: %v", err)
	}

	final, _, _ := comps.Get(sess.ID)
	if final.Stats.Processed != 2 || final.Stats.Matched != 2 {
		t.Fatalf("final stats: %+v", final.Stats)
	}

	// Nothing pending anymore.
	if _, err := eng.Resume(sess.ID); err != ErrNothingPending {
		t.Fatalf("want ErrNothingPending, got %v", err)
	}
}

func TestResumeRejectedWhileRunning(t *testing.T) {
	runs, runID := seededRunStore(t, pricedItem("p1", "Product One", 5000))
	eng, _ := newTestEngine(t, runs, newFakeSearch())
	sess, _ := eng.CreateComparison(runID)

	if _, err := eng.Resume(sess.ID); err != ErrComparisonActive {
		t.Fatalf("want ErrComparisonActive, got %v", err)
	}
	if _, err := eng.Refresh(sess.ID); err != ErrComparisonActive {
		t.Fatalf("want ErrComparisonActive, got %v", err)
	}
}

func TestRefreshKeepsMemoAndFavorite(t *testing.T) {
	title := "Product One"
	runs, runID := seededRunStore(t, pricedItem("p1", title, 5000))
	search := newFakeSearch()
	search.hits[title] = []marketsearch.Hit{{Title: title, Price: 3000, URL: "u1"}}
	eng, comps := newTestEngine(t, runs, search)

	sess, _ := eng.CreateComparison(runID)
	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("Drain: %v", err)
	}
	if _, err := eng.SetItemMemo(sess.ID, "p1", "check shipping cost"); err != nil {
		t.Fatalf("SetItemMemo: %v", err)
	}
	if _, err := eng.ToggleFavorite(sess.ID, "p1"); err != nil {
		t.Fatalf("ToggleFavorite: %v", err)
	}

	refreshed, err := eng.Refresh(sess.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	it := refreshed.ItemByID("p1")
	if it.Status != domain.MatchStatusPending {
		t.Fatalf("refresh should reset status: %s", it.Status)
	}
	if it.SecondaryTitle != "" || it.SecondaryPrice != nil || it.SimilarityScore != 0 || it.EstimatedProfit != nil {
		t.Fatalf("match fields not cleared: %+v", it)
	}
	if it.Memo != "check shipping cost" || !it.Favorite {
		t.Fatalf("user data lost on refresh: memo=%q favorite=%v", it.Memo, it.Favorite)
	}
	if refreshed.Stats.Processed != 0 || refreshed.Stats.Matched != 0 || refreshed.Stats.Profitable != 0 {
		t.Fatalf("stats not reset: %+v", refreshed.Stats)
	}

	if err := eng.Drain(context.Background(), sess.ID); !streamq.IsTerminal(err) {
		t.Fatalf("drain after refresh: %v", err)
	}
	final, _, _ := comps.Get(sess.ID)
	if final.Stats.Processed != 1 || final.Stats.Matched != 1 {
		t.Fatalf("re-drain stats: %+v", final.Stats)
	}
}

func TestItemMutationsOnUnknownTargets(t *testing.T) {
	runs, runID := seededRunStore(t, pricedItem("p1", "Product One", 5000))
	eng, _ := newTestEngine(t, runs, newFakeSearch())
	sess, _ := eng.CreateComparison(runID)

	if _, err := eng.SetItemMemo("missing", "p1", "x"); err != ErrComparisonNotFound {
		t.Fatalf("want ErrComparisonNotFound, got %v", err)
	}
	if _, err := eng.ToggleFavorite(sess.ID, "missing"); err != ErrItemNotFound {
		t.Fatalf("want ErrItemNotFound, got %v", err)
	}
}

func TestToggleFavoriteFlips(t *testing.T) {
	runs, runID := seededRunStore(t, pricedItem("p1", "Product One", 5000))
	eng, _ := newTestEngine(t, runs, newFakeSearch())
	sess, _ := eng.CreateComparison(runID)

	on, err := eng.ToggleFavorite(sess.ID, "p1")
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !on.ItemByID("p1").Favorite {
		t.Fatalf("favorite not set")
	}
	off, err := eng.ToggleFavorite(sess.ID, "p1")
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if off.ItemByID("p1").Favorite {
		t.Fatalf("favorite not cleared")
	}
}

func TestDrainWithoutCredentialsHalts(t *testing.T) {
	runs, runID := seededRunStore(t, pricedItem("p1", "Product One", 5000))
	comps := store.NewInMemoryComparisonStore(0)
	cfg := DefaultEngineConfig()
	eng := NewEngine(runs, comps, newFakeSearch(), NewRotator(nil), cfg, nil)
	eng.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	sess, err := eng.CreateComparison(runID)
	if err != nil {
		t.Fatalf("CreateComparison: %v", err)
	}
	drainErr := eng.Drain(context.Background(), sess.ID)
	if !streamq.IsTerminal(drainErr) {
		t.Fatalf("credential-less drain should ACK terminally, got %v", drainErr)
	}
	if !errors.Is(drainErr, ErrNoCredentials) {
		t.Fatalf("want ErrNoCredentials, got %v", drainErr)
	}
	final, _, _ := comps.Get(sess.ID)
	if final.IsRunning {
		t.Fatalf("session left running with no credentials")
	}
}

func TestFeeScheduleTiers(t *testing.T) {
	f := DefaultFeeSchedule()
	cases := []struct {
		price int64
		want  int64
	}{
		{0, 0},
		{-50, 0},
		{1000, 100 + 200},   // below first tier ceiling
		{1999, 199 + 200},   // integer division on the rate
		{2000, 200 + 450},   // ceiling is exclusive
		{9999, 999 + 450},   //
		{10000, 1000 + 700}, // above the last tier
		{30000, 3000 + 700},
	}
	for _, c := range cases {
		if got := f.Estimate(c.price); got != c.want {
			t.Fatalf("Estimate(%d) = %d, want %d", c.price, got, c.want)
		}
	}
}

func TestRotatorRoundRobin(t *testing.T) {
	r := NewRotator([]string{"a", "", "b", "c"})
	if r.Len() != 3 {
		t.Fatalf("empty credentials must be dropped: %d", r.Len())
	}
	got := []string{r.Next(), r.Next(), r.Next(), r.Next()}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
