// Package comparepipe drains comparison sessions: for each priced primary item
// it searches the secondary marketplace, scores candidates with the composite
// similarity and computes profitability for accepted matches. Work is spread
// across one rate-limited worker per available credential.
package comparepipe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"resalearb/domain"
	"resalearb/marketsearch"
	"resalearb/match"
	"resalearb/obs"
	"resalearb/store"
	"resalearb/streamq"
)

var (
	ErrComparisonActive   = errors.New("comparepipe: comparison is still running")
	ErrComparisonNotFound = errors.New("comparepipe: comparison not found")
	ErrRunNotFound        = errors.New("comparepipe: run not found")
	ErrNoResolvedItems    = errors.New("comparepipe: run has no resolved priced items")
	ErrNothingPending     = errors.New("comparepipe: no pending items")
	ErrItemNotFound       = errors.New("comparepipe: item not found")
	ErrNoCredentials      = errors.New("comparepipe: no marketplace credentials configured")
)

type Config struct {
	PerCredentialDelay time.Duration // minimum gap between searches on one credential
	RetryCooldown      time.Duration // pause before the single rate-limit retry
	MaxCandidates      int           // candidates kept per item
	QueryTokens        int           // title tokens kept in the search query
	Match              match.Config
	Fees               FeeSchedule
}

func DefaultEngineConfig() Config {
	return Config{
		PerCredentialDelay: 2 * time.Second,
		RetryCooldown:      5 * time.Second,
		MaxCandidates:      3,
		QueryTokens:        match.DefaultQueryTokens,
		Match:              match.DefaultConfig(),
		Fees:               DefaultFeeSchedule(),
	}
}

type Engine struct {
	runs    store.RunStore
	comps   store.ComparisonStore
	search  marketsearch.Client
	rotator *Rotator
	cfg     Config
	logger  *slog.Logger

	// OnTerminal fires when a comparison reaches a terminal state, for
	// snapshot write-through.
	OnTerminal func(ctx context.Context, sess *domain.ComparisonSession)

	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(runs store.RunStore, comps store.ComparisonStore, search marketsearch.Client, rotator *Rotator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runs:    runs,
		comps:   comps,
		search:  search,
		rotator: rotator,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// CreateComparison builds a comparison session from a run's resolved, priced
// items. The run is lineage only: the new session owns its own item copies.
func (e *Engine) CreateComparison(runID string) (*domain.ComparisonSession, error) {
	run, ok, err := e.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunNotFound
	}

	items := make([]domain.ComparisonItem, 0, len(run.Items))
	for i := range run.Items {
		it := &run.Items[i]
		if !it.Resolved() {
			continue
		}
		items = append(items, domain.ComparisonItem{
			ID:           it.ID,
			PrimaryTitle: it.Title,
			PrimaryPrice: *it.PriceAmount,
			PrimaryURL:   it.DetailURL,
			Status:       domain.MatchStatusPending,
		})
	}
	if len(items) == 0 {
		return nil, ErrNoResolvedItems
	}

	sess := &domain.ComparisonSession{
		ID:        newSessionID("cmp"),
		RunID:     runID,
		CreatedAt: time.Now(),
		Items:     items,
		IsRunning: true,
		Stats:     domain.ComparisonStats{Total: len(items)},
	}
	sess.AppendLog(fmt.Sprintf("comparison created from run %s with %d items", runID, len(items)))
	if err := e.comps.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Drain processes every pending item, partitioned round-robin across
// min(credentials, pending) workers. Each item is owned by exactly one worker
// for the life of the session, so no two workers ever write the same item.
func (e *Engine) Drain(ctx context.Context, compID string) error {
	sess, ok, err := e.comps.Get(compID)
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(fmt.Errorf("comparison %s not found", compID))
	}
	if !sess.IsRunning {
		return streamq.Terminal(nil)
	}

	pending := make([]int, 0, len(sess.Items))
	for i := range sess.Items {
		if sess.Items[i].Status == domain.MatchStatusPending {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		e.finalize(ctx, compID)
		return streamq.Terminal(nil)
	}
	if e.rotator.Len() == 0 {
		_, _, _ = e.comps.Update(compID, func(c *domain.ComparisonSession) {
			c.IsRunning = false
			c.AppendLog("comparison halted: no marketplace credentials configured")
		})
		return streamq.Terminal(ErrNoCredentials)
	}

	workers := e.rotator.Len()
	if workers > len(pending) {
		workers = len(pending)
	}
	assigned := make([][]int, workers)
	for i, idx := range pending {
		w := i % workers
		assigned[w] = append(assigned[w], idx)
	}
	e.logger.Info("comparison draining", "comparisonId", compID,
		"pending", len(pending), "workers", workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		cred := e.rotator.Next()
		go func(cred string, items []int) {
			defer wg.Done()
			e.runWorker(ctx, compID, cred, items)
		}(cred, assigned[w])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Shutdown mid-drain: remaining PENDING items are picked up when the
		// message is re-claimed.
		return err
	}
	e.finalize(ctx, compID)
	return streamq.Terminal(nil)
}

func (e *Engine) runWorker(ctx context.Context, compID, cred string, items []int) {
	limiter := newRateLimiter(e.cfg.PerCredentialDelay, e.sleep)
	for _, idx := range items {
		if ctx.Err() != nil {
			return
		}
		sess, ok, err := e.comps.Get(compID)
		if err != nil || !ok || !sess.IsRunning {
			return
		}
		if idx >= len(sess.Items) || sess.Items[idx].Status != domain.MatchStatusPending {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		e.processItem(ctx, compID, idx, sess.Items[idx], cred)
	}
}

func (e *Engine) processItem(ctx context.Context, compID string, idx int, item domain.ComparisonItem, cred string) {
	query := match.CleanQuery(item.PrimaryTitle, e.cfg.QueryTokens)

	hits, err := e.search.Search(ctx, query, cred)
	if errors.Is(err, marketsearch.ErrRateLimited) {
		obs.RecordSearchCall("rate_limited")
		if e.sleep(ctx, e.cfg.RetryCooldown) == nil {
			hits, err = e.search.Search(ctx, query, cred)
		}
	}
	if err != nil {
		if errors.Is(err, marketsearch.ErrRateLimited) {
			obs.RecordSearchCall("rate_limited")
		} else {
			obs.RecordSearchCall("error")
		}
		msg := err.Error()
		_, _, _ = e.comps.Update(compID, func(c *domain.ComparisonSession) {
			it := &c.Items[idx]
			if it.Status != domain.MatchStatusPending {
				return
			}
			it.Status = domain.MatchStatusError
			it.ErrorMessage = msg
			c.Stats.Processed++
			c.AppendLog(fmt.Sprintf("item %s: search failed: %s", it.ID, msg))
		})
		obs.RecordComparisonItem(string(domain.MatchStatusError))
		return
	}
	obs.RecordSearchCall("ok")

	cands := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		score := match.Score(item.PrimaryTitle, h.Title, e.cfg.Match)
		if score < e.cfg.Match.CandidateFloor {
			continue
		}
		cands = append(cands, domain.Candidate{
			Title:           h.Title,
			Price:           h.Price,
			URL:             h.URL,
			Shop:            h.Shop,
			SimilarityScore: score,
		})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].SimilarityScore > cands[j].SimilarityScore
	})
	if len(cands) > e.cfg.MaxCandidates {
		cands = cands[:e.cfg.MaxCandidates]
	}

	matched := false
	if len(cands) > 0 {
		top := cands[0]
		matched = top.SimilarityScore >= e.cfg.Match.Threshold && top.Price < item.PrimaryPrice
	}

	status := domain.MatchStatusNoMatch
	if matched {
		status = domain.MatchStatusMatched
	}
	_, _, _ = e.comps.Update(compID, func(c *domain.ComparisonSession) {
		it := &c.Items[idx]
		if it.Status != domain.MatchStatusPending {
			return
		}
		it.MatchCandidates = cands
		if len(cands) > 0 {
			// The top candidate is surfaced even below the acceptance
			// threshold, for manual review.
			top := cands[0]
			it.SecondaryTitle = top.Title
			price := top.Price
			it.SecondaryPrice = &price
			it.SecondaryURL = top.URL
			it.SecondaryShop = top.Shop
			it.SimilarityScore = top.SimilarityScore
		}
		it.Status = status
		if matched {
			fee := e.cfg.Fees.Estimate(it.PrimaryPrice)
			it.EstimatedFee = fee
			profit := it.PrimaryPrice - cands[0].Price - fee
			it.EstimatedProfit = &profit
			rate := float64(profit) / float64(it.PrimaryPrice)
			it.ProfitRate = &rate
			c.Stats.Matched++
			if profit > 0 {
				c.Stats.Profitable++
			}
		}
		c.Stats.Processed++
	})
	obs.RecordComparisonItem(string(status))
}

func (e *Engine) finalize(ctx context.Context, compID string) {
	ended := false
	sess, _, _ := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		ended = false
		if !c.IsRunning {
			return
		}
		c.IsRunning = false
		c.AppendLog(fmt.Sprintf("comparison finished: %d/%d processed, %d matched, %d profitable",
			c.Stats.Processed, c.Stats.Total, c.Stats.Matched, c.Stats.Profitable))
		ended = true
	})
	if ended && sess != nil {
		e.logger.Info("comparison finished", "comparisonId", compID,
			"matched", sess.Stats.Matched, "profitable", sess.Stats.Profitable)
		if e.OnTerminal != nil {
			e.OnTerminal(ctx, sess)
		}
	}
}

// Stop flips the running flag; workers observe it before starting their next
// item, in-flight searches still complete.
func (e *Engine) Stop(ctx context.Context, compID string) (*domain.ComparisonSession, error) {
	stopped := false
	sess, ok, err := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		stopped = false
		if !c.IsRunning {
			return
		}
		c.IsRunning = false
		c.AppendLog("comparison stopped by caller")
		stopped = true
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrComparisonNotFound
	}
	if stopped && e.OnTerminal != nil {
		e.OnTerminal(ctx, sess)
	}
	return sess, nil
}

// Resume restarts processing for items still PENDING without disturbing
// finished ones. The caller re-enqueues the session afterwards.
func (e *Engine) Resume(compID string) (*domain.ComparisonSession, error) {
	active := false
	pending := 0
	sess, ok, err := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		active = false
		pending = 0
		if c.IsRunning {
			active = true
			return
		}
		for i := range c.Items {
			if c.Items[i].Status == domain.MatchStatusPending {
				pending++
			}
		}
		if pending == 0 {
			return
		}
		c.IsRunning = true
		c.AppendLog(fmt.Sprintf("resuming %d pending items", pending))
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrComparisonNotFound
	}
	if active {
		return nil, ErrComparisonActive
	}
	if pending == 0 {
		return nil, ErrNothingPending
	}
	return sess, nil
}

// Refresh resets every item to PENDING and clears all score/match fields,
// restarting the whole session. Memo and favorite flags are user data and
// survive the reset.
func (e *Engine) Refresh(compID string) (*domain.ComparisonSession, error) {
	active := false
	sess, ok, err := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		active = false
		if c.IsRunning {
			active = true
			return
		}
		for i := range c.Items {
			it := &c.Items[i]
			it.Status = domain.MatchStatusPending
			it.SecondaryTitle = ""
			it.SecondaryPrice = nil
			it.SecondaryURL = ""
			it.SecondaryShop = ""
			it.MatchCandidates = nil
			it.SimilarityScore = 0
			it.EstimatedFee = 0
			it.EstimatedProfit = nil
			it.ProfitRate = nil
			it.ErrorMessage = ""
		}
		c.Stats = domain.ComparisonStats{Total: len(c.Items)}
		c.IsRunning = true
		c.AppendLog("comparison refreshed")
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrComparisonNotFound
	}
	if active {
		return nil, ErrComparisonActive
	}
	return sess, nil
}

func (e *Engine) SetItemMemo(compID, itemID, memo string) (*domain.ComparisonSession, error) {
	found := false
	sess, ok, err := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		found = false
		if it := c.ItemByID(itemID); it != nil {
			it.Memo = memo
			found = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrComparisonNotFound
	}
	if !found {
		return nil, ErrItemNotFound
	}
	return sess, nil
}

func (e *Engine) ToggleFavorite(compID, itemID string) (*domain.ComparisonSession, error) {
	found := false
	sess, ok, err := e.comps.Update(compID, func(c *domain.ComparisonSession) {
		found = false
		if it := c.ItemByID(itemID); it != nil {
			it.Favorite = !it.Favorite
			found = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrComparisonNotFound
	}
	if !found {
		return nil, ErrItemNotFound
	}
	return sess, nil
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
