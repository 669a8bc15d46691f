// Package bulk fans a keyword list out over the credential pool with
// bounded concurrency, adaptive pacing between batches and bounded retry
// passes, all inside a wall-clock budget.
package bulk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
	"github.com/hsn0918/serptrack/internal/pool"
	"github.com/hsn0918/serptrack/internal/serp"
)

// Adaptive delay bounds in milliseconds.
const (
	delayGrowFactor   = 1.5
	delayShrinkFactor = 0.8
	maxDelayMS        = 10_000
	maxRetryDelayMS   = 5_000
)

// Pacing thresholds: the delay grows when a batch succeeds below
// lowSuccessRatio or the pool's daily usage climbs above highUsageRatio.
const (
	lowSuccessRatio = 0.8
	highUsageRatio  = 0.8
)

// Tracker executes one keyword lookup and reports pool pressure.
// Satisfied by the pool manager.
type Tracker interface {
	Track(ctx context.Context, keyword string, opts serp.Options) (*serp.RankingRecord, error)
	Stats() pool.Stats
}

// ItemResult is the outcome for one keyword of a bulk run. Failures carry
// when they happened and which credential served the last attempt.
type ItemResult struct {
	Keyword      string              `json:"keyword"`
	Record       *serp.RankingRecord `json:"record,omitempty"`
	Error        string              `json:"error,omitempty"`
	Kind         base.Kind           `json:"error_kind,omitempty"`
	Attempts     int                 `json:"attempts"`
	CredentialID string              `json:"credential_id,omitempty"`
	FailedAt     *time.Time          `json:"failed_at,omitempty"`

	// budgetExpired marks a failure caused by the run budget elapsing,
	// as opposed to a single request timing out upstream.
	budgetExpired bool
}

// Succeeded reports whether the keyword produced a record.
func (r ItemResult) Succeeded() bool { return r.Record != nil }

// Summary aggregates a bulk run.
type Summary struct {
	Total            int            `json:"total"`
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	DurationMS       int64          `json:"duration_ms"`
	BudgetExceeded   bool           `json:"budget_exceeded,omitempty"`
	AvgConfidence    float64        `json:"avg_confidence"`
	QualityHistogram map[string]int `json:"quality_histogram"`
	PoolStats        *pool.Stats    `json:"pool_stats,omitempty"`
}

// Result is the complete output of a bulk run, item order matching the
// deduplicated input order.
type Result struct {
	Items   []ItemResult `json:"items"`
	Summary Summary      `json:"summary"`
}

// Progress is one streamed progress event. Attempt is 0 on the first pass
// and the retry pass number afterwards.
type Progress struct {
	Completed      int         `json:"completed"`
	Total          int         `json:"total"`
	Keyword        string      `json:"keyword"`
	Succeeded      bool        `json:"succeeded"`
	SucceededCount int         `json:"succeeded_count"`
	FailedCount    int         `json:"failed_count"`
	Attempt        int         `json:"attempt"`
	PoolStats      *pool.Stats `json:"pool_stats,omitempty"`
}

// Executor 批量执行器。每次 Execute 调用独立，可并发使用。
type Executor struct {
	cfg     config.BulkConfig
	tracker Tracker
	log     *slog.Logger

	sleep func(context.Context, time.Duration)
}

func NewExecutor(cfg config.BulkConfig, tracker Tracker) *Executor {
	return &Executor{
		cfg:     cfg,
		tracker: tracker,
		log:     logger.Get().With("component", "bulk"),
		sleep:   sleepCtx,
	}
}

// Execute runs every keyword through the tracker. progress may be nil;
// when set it receives one event per completed keyword and is closed
// before Execute returns. The run stops early when the wall-clock budget
// elapses, marking untried keywords as timed out.
func (e *Executor) Execute(ctx context.Context, keywords []string, opts serp.Options, progress chan<- Progress) *Result {
	if progress != nil {
		defer close(progress)
	}

	keywords = trimKeywords(keywords)
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Budget() > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Budget())
		defer cancel()
	}

	results := make([]ItemResult, len(keywords))
	for i, kw := range keywords {
		results[i] = ItemResult{Keyword: kw}
	}

	emit := func(r ItemResult, attempt int) {
		if progress == nil {
			return
		}
		succeeded, failed := tally(results)
		stats := e.tracker.Stats()
		progress <- Progress{
			Completed:      succeeded + failed,
			Total:          len(keywords),
			Keyword:        r.Keyword,
			Succeeded:      r.Succeeded(),
			SucceededCount: succeeded,
			FailedCount:    failed,
			Attempt:        attempt,
			PoolStats:      &stats,
		}
	}

	pending := make([]int, len(keywords))
	for i := range keywords {
		pending[i] = i
	}

	e.runPass(runCtx, results, pending, opts, func(r ItemResult) { emit(r, 0) })

	// Retry passes pick up retryable failures with growing backoff.
	if e.cfg.RetryEnabled {
		for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
			retry := retryable(results)
			if len(retry) == 0 || runCtx.Err() != nil {
				break
			}
			delay := e.retryDelay(attempt, results)
			e.log.Info("bulk retry pass",
				"attempt", attempt,
				"remaining", len(retry),
				"delay_ms", delay.Milliseconds(),
			)
			e.sleep(runCtx, delay)
			pass := attempt
			e.runPass(runCtx, results, retry, opts, func(r ItemResult) { emit(r, pass) })
		}
	}

	return e.finish(results, start, runCtx.Err() != nil)
}

// runPass executes one pass over the given result indices in batches.
func (e *Executor) runPass(ctx context.Context, results []ItemResult, indices []int, opts serp.Options, emit func(ItemResult)) {
	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	maxConcurrent := int64(e.cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	baseline := e.cfg.InterBatchDelay()
	delay := baseline

	for batchStart := 0; batchStart < len(indices); batchStart += batchSize {
		if ctx.Err() != nil {
			e.markTimedOut(results, indices[batchStart:])
			return
		}

		end := batchStart + batchSize
		if end > len(indices) {
			end = len(indices)
		}
		batch := indices[batchStart:end]

		sem := semaphore.NewWeighted(maxConcurrent)
		var wg sync.WaitGroup
		for _, idx := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				e.markTimedOut(results, indices[batchStart:])
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				e.trackOne(ctx, &results[idx], opts)
			}(idx)
		}
		wg.Wait()

		for _, idx := range batch {
			emit(results[idx])
		}

		if end < len(indices) {
			delay = e.adaptDelay(delay, baseline, results, batch)
			e.sleep(ctx, delay)
		}
	}
}

func (e *Executor) trackOne(ctx context.Context, item *ItemResult, opts serp.Options) {
	item.Attempts++
	rec, err := e.tracker.Track(ctx, item.Keyword, opts)
	if err != nil {
		now := time.Now()
		item.Record = nil
		item.Error = err.Error()
		item.Kind = pool.KindOf(err)
		item.FailedAt = &now
		var te *pool.TrackError
		if errors.As(err, &te) {
			item.CredentialID = te.CredentialID
		}
		if ctx.Err() != nil {
			if item.Kind == base.KindUnknown {
				item.Kind = base.KindTimeout
			}
			item.budgetExpired = true
		}
		return
	}
	item.Record = rec
	item.Error = ""
	item.Kind = ""
	item.CredentialID = ""
	item.FailedAt = nil
	item.budgetExpired = false
}

// adaptDelay paces the next batch from two pressure signals: the success
// ratio of the batch just finished and the pool's daily usage ratio. Either
// signal grows the delay; a fully clean batch eases back toward baseline.
func (e *Executor) adaptDelay(current, baseline time.Duration, results []ItemResult, batch []int) time.Duration {
	if !e.cfg.AdaptiveDelay {
		return baseline
	}

	succeeded := 0
	for _, idx := range batch {
		if results[idx].Succeeded() {
			succeeded++
		}
	}
	successRatio := 1.0
	if len(batch) > 0 {
		successRatio = float64(succeeded) / float64(len(batch))
	}

	usageRatio := 0.0
	if stats := e.tracker.Stats(); stats.DailyCapacity > 0 {
		usageRatio = float64(stats.DailyUsed) / float64(stats.DailyCapacity)
	}

	switch {
	case successRatio < lowSuccessRatio || usageRatio > highUsageRatio:
		next := time.Duration(float64(current) * delayGrowFactor)
		if next > maxDelayMS*time.Millisecond {
			next = maxDelayMS * time.Millisecond
		}
		return next
	case successRatio == 1 && current > baseline:
		next := time.Duration(float64(current) * delayShrinkFactor)
		if next < baseline {
			next = baseline
		}
		return next
	default:
		return current
	}
}

// retryDelay scales the baseline by the attempt number, doubled when the
// previous pass saw rate limiting.
func (e *Executor) retryDelay(attempt int, results []ItemResult) time.Duration {
	delay := e.cfg.InterBatchDelay() * time.Duration(attempt)
	if delay > maxRetryDelayMS*time.Millisecond {
		delay = maxRetryDelayMS * time.Millisecond
	}
	for _, r := range results {
		if r.Kind == base.KindRateLimited {
			return delay * 2
		}
	}
	return delay
}

func (e *Executor) markTimedOut(results []ItemResult, indices []int) {
	now := time.Now()
	for _, idx := range indices {
		if results[idx].Succeeded() {
			continue
		}
		results[idx].Error = "bulk budget exceeded before keyword was tried"
		results[idx].Kind = base.KindTimeout
		results[idx].FailedAt = &now
		results[idx].budgetExpired = true
	}
}

func (e *Executor) finish(results []ItemResult, start time.Time, budgetHit bool) *Result {
	summary := Summary{
		Total:            len(results),
		DurationMS:       time.Since(start).Milliseconds(),
		BudgetExceeded:   budgetHit,
		QualityHistogram: make(map[string]int),
	}

	confidenceSum := 0
	for _, r := range results {
		if r.Succeeded() {
			summary.Succeeded++
			summary.QualityHistogram[string(r.Record.Reliability)]++
			confidenceSum += r.Record.Validation.Confidence
		} else {
			summary.Failed++
		}
	}
	if summary.Succeeded > 0 {
		summary.AvgConfidence = float64(confidenceSum) / float64(summary.Succeeded)
	}
	stats := e.tracker.Stats()
	summary.PoolStats = &stats

	e.log.Info("bulk run finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration_ms", summary.DurationMS,
	)
	return &Result{Items: results, Summary: summary}
}

// retryable returns indices of failures worth another pass. A request-level
// timeout is retryable; only run-budget expiry is final.
func retryable(results []ItemResult) []int {
	var out []int
	for i, r := range results {
		if r.Succeeded() || r.Error == "" || r.budgetExpired {
			continue
		}
		switch r.Kind {
		case base.KindInvalidRequest, base.KindAllExhausted:
			continue
		}
		out = append(out, i)
	}
	return out
}

// tally counts items that reached a terminal state.
func tally(results []ItemResult) (succeeded, failed int) {
	for _, r := range results {
		switch {
		case r.Succeeded():
			succeeded++
		case r.Error != "":
			failed++
		}
	}
	return succeeded, failed
}

// trimKeywords trims whitespace and drops empties. Duplicates are kept:
// re-checking the same keyword twice is a caller decision, not ours.
func trimKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
