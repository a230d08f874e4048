// Package pipeline implements the Pipeline Orchestrator (C9): it drives the
// Event Fetcher, Event Aggregator, Price Fetcher, Aligner, Feature Engineer,
// and Artifact Store for one target date, and runs ascending backfill loops
// over a date range.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oilsignal/oilsignal/internal/artifacts"
	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/aggregate"
	"github.com/oilsignal/oilsignal/internal/domain/align"
	"github.com/oilsignal/oilsignal/internal/domain/features"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
	"github.com/oilsignal/oilsignal/internal/errs"
	"github.com/oilsignal/oilsignal/internal/ingest/prices"
	"github.com/oilsignal/oilsignal/internal/obs"
)

// RunOpts configures a single Run invocation.
type RunOpts struct {
	DryRun bool
}

// EventFetcher is the narrow capability the orchestrator needs from C1,
// satisfied by *events.Fetcher.
type EventFetcher interface {
	FetchDay(ctx context.Context, date domain.Date) ([]domain.EventRecord, error)
}

// PriceFetcher is the narrow capability the orchestrator needs from C2,
// satisfied by *prices.Fetcher.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, endDate domain.Date, lookbackDays int) (prices.Result, error)
}

// RunOutcome is the result of one target date's pipeline run.
type RunOutcome struct {
	RunID        string
	TargetDate   domain.Date
	State        State
	ContentHash  string
	RowCount     int
	DroppedDates []domain.Date
	ColdStart    bool
	Err          error
}

// BackfillReport summarizes an ascending backfill loop over a date range.
type BackfillReport struct {
	Successes []domain.Date
	Failures  map[domain.Date]error
}

// RunLedger is the narrow capability the orchestrator needs to durably
// record a run's outcome, satisfied by *postgres.RunLedger.
type RunLedger interface {
	Upsert(ctx context.Context, date domain.Date, state string, contentHash string, startedAt, finishedAt time.Time, runErr error) error
}

// Orchestrator drives C1-C8 for a target date.
type Orchestrator struct {
	Events   EventFetcher
	Prices   PriceFetcher
	Store    *artifacts.Store
	Universe universe.Universe

	LookbackDays int
	Log          zerolog.Logger

	// DistLock, when set, arbitrates the per-date run guard across
	// multiple orchestrator processes instead of just within this one.
	DistLock DistLock

	// Metrics, when set, records per-stage counts and durations. A nil
	// Metrics is valid and simply skips instrumentation.
	Metrics *obs.Registry

	// Ledger, when set, records each run's terminal state for later
	// retrieval without touching the Artifact Store.
	Ledger RunLedger

	locksMu sync.Mutex
	locks   map[domain.Date]*sync.Mutex
}

// New constructs an Orchestrator.
func New(eventsFetcher EventFetcher, pricesFetcher PriceFetcher, store *artifacts.Store, u universe.Universe, lookbackDays int, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Events:       eventsFetcher,
		Prices:       pricesFetcher,
		Store:        store,
		Universe:     u,
		LookbackDays: lookbackDays,
		Log:          log,
		locks:        make(map[domain.Date]*sync.Mutex),
	}
}

// acquireLock returns the process-local advisory lock for date and whether
// this call acquired it (via TryLock); the caller unlocks it only if so.
func (o *Orchestrator) acquireLock(date domain.Date) (*sync.Mutex, bool) {
	o.locksMu.Lock()
	lock, ok := o.locks[date]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[date] = lock
	}
	o.locksMu.Unlock()
	return lock, lock.TryLock()
}

// Run drives the full pipeline for targetDate: Event Fetcher -> Event
// Aggregator; Price Fetcher; Aligner; Feature Engineer; Artifact Store
// publish (skipped when opts.DryRun). Every terminal state, including a
// lock-contention soft failure, is recorded to o.Ledger if one is set. A
// panic during the run ends it FAILED_HARD with a KindInternalInvariant error.
func (o *Orchestrator) Run(ctx context.Context, targetDate domain.Date, opts RunOpts) (outcome RunOutcome) {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	defer func() { o.recordRun(targetDate, outcome, startedAt) }()
	defer func() {
		if r := recover(); r != nil {
			outcome = RunOutcome{RunID: runID, TargetDate: targetDate, State: StateFailedHard,
				Err: errs.New(errs.KindInternalInvariant, "pipeline.Orchestrator", fmt.Errorf("panic during run: %v", r), nil)}
		}
	}()

	if o.DistLock != nil {
		release, ok, err := o.DistLock.TryAcquire(ctx, targetDate.String())
		if err != nil {
			o.Log.Warn().Str("run_id", runID).Err(err).Msg("distributed lock unavailable, falling back to process-local guard")
		} else if !ok {
			return RunOutcome{RunID: runID, TargetDate: targetDate, State: StateFailedSoft, Err: fmt.Errorf("a run for %s is already in flight on another host", targetDate)}
		} else {
			defer release(context.Background())
		}
	}

	lock, acquired := o.acquireLock(targetDate)
	if !acquired {
		return RunOutcome{RunID: runID, TargetDate: targetDate, State: StateFailedSoft, Err: fmt.Errorf("a run for %s is already in flight", targetDate)}
	}
	defer lock.Unlock()

	log := o.Log.With().Str("run_id", runID).Logger()

	state := StatePending
	fail := func(s State, err error) RunOutcome {
		log.Error().Str("target_date", targetDate.String()).Str("state", string(s)).Err(err).Msg("pipeline run failed")
		return RunOutcome{RunID: runID, TargetDate: targetDate, State: s, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(state, err)
	}

	start := targetDate.AddDays(-o.LookbackDays)

	state = StateFetchingEvents
	eventsByDate, err := o.fetchEventWindow(ctx, start, targetDate)
	if err != nil {
		return fail(classifyFailure(err), err)
	}
	if err := ctx.Err(); err != nil {
		return fail(state, err)
	}

	state = StateAggregating
	aggTimer := o.Metrics.StartStepTimer("aggregating")
	aggregated := make(map[domain.Date][]domain.AggregatedEvent, len(eventsByDate))
	for d, evs := range eventsByDate {
		aggregated[d] = aggregate.Aggregate(evs, d, o.Universe)
	}
	aggTimer.Stop()

	state = StateFetchingPrices
	priceResult, err := o.Prices.FetchPrices(ctx, targetDate, o.LookbackDays)
	if err != nil {
		return fail(classifyFailure(err), err)
	}
	if priceResult.Stale {
		log.Warn().Str("target_date", targetDate.String()).Msg("serving stale price snapshot")
	}
	if err := ctx.Err(); err != nil {
		return fail(state, err)
	}

	state = StateAligning
	alignTimer := o.Metrics.StartStepTimer("aligning")
	alignedRows, dropped := align.Align(align.Input{Events: aggregated, Prices: priceResult.Points}, o.Universe, start, targetDate)
	alignTimer.Stop()
	if o.Metrics != nil {
		o.Metrics.RowsAggregated.Set(float64(len(alignedRows)))
		o.Metrics.AlignmentGaps.Add(float64(len(dropped)))
	}
	if len(alignedRows) == 0 {
		return fail(StateFailedSoft, errs.New(errs.KindAlignmentGap, "pipeline.Orchestrator", fmt.Errorf("no rows survived alignment for %s", targetDate), nil))
	}
	if err := ctx.Err(); err != nil {
		return fail(state, err)
	}

	state = StateFeaturizing
	featTimer := o.Metrics.StartStepTimer("featurizing")
	engineered := features.Engineer(alignedRows)
	featTimer.Stop()
	if o.Metrics != nil {
		o.Metrics.FeatureClamps.Add(float64(engineered.ClampCount))
	}
	if err := ctx.Err(); err != nil {
		return fail(state, err)
	}

	dataset := domain.ProcessedDataset{
		Meta: domain.DatasetMeta{
			TargetDate:   targetDate,
			FeatureNames: engineered.FeatureNames,
			ColdStart:    engineered.ColdStart,
			GeneratedAt:  time.Now().UTC(),
		},
		Rows: engineered.Rows,
	}
	dataset.Meta.ContentHash = artifacts.ContentHash(dataset)

	state = StatePublishing
	if !opts.DryRun {
		if err := o.Store.Publish(targetDate, dataset); err != nil {
			return fail(StateFailedHard, err)
		}
	}

	state = StateDone
	log.Info().
		Str("target_date", targetDate.String()).
		Str("content_hash", dataset.Meta.ContentHash).
		Int("rows", len(dataset.Rows)).
		Bool("cold_start", dataset.Meta.ColdStart).
		Bool("dry_run", opts.DryRun).
		Msg("pipeline run complete")

	return RunOutcome{
		RunID:        runID,
		TargetDate:   targetDate,
		State:        state,
		ContentHash:  dataset.Meta.ContentHash,
		RowCount:     len(dataset.Rows),
		DroppedDates: dropped,
		ColdStart:    dataset.Meta.ColdStart,
	}
}

// fetchEventWindow fetches events for every calendar day in [start, end]
// sequentially, skipping (and warning on) days that fail the Event
// Fetcher's own per-day success floor rather than failing the whole run.
func (o *Orchestrator) fetchEventWindow(ctx context.Context, start, end domain.Date) (map[domain.Date][]domain.EventRecord, error) {
	out := make(map[domain.Date][]domain.EventRecord)
	for d := start; !end.Before(d); d = d.AddDays(1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := o.Events.FetchDay(ctx, d)
		if err != nil {
			o.Log.Warn().Str("date", d.String()).Err(err).Msg("event day skipped")
			continue
		}
		out[d] = recs
	}
	return out, nil
}

// recordRun writes outcome to o.Ledger (if set) and bumps the terminal-state
// counter on o.Metrics (if set). It uses a background context so a run that
// failed because its own context was cancelled still gets recorded.
func (o *Orchestrator) recordRun(targetDate domain.Date, outcome RunOutcome, startedAt time.Time) {
	if o.Metrics != nil {
		o.Metrics.PipelineRunTotal.WithLabelValues(string(outcome.State)).Inc()
	}
	if o.Ledger == nil {
		return
	}
	finishedAt := time.Now().UTC()
	if err := o.Ledger.Upsert(context.Background(), targetDate, string(outcome.State), outcome.ContentHash, startedAt, finishedAt, outcome.Err); err != nil {
		o.Log.Warn().Str("run_id", outcome.RunID).Err(err).Msg("run ledger upsert failed")
	}
}

// classifyFailure maps an error's Kind to the orchestrator's terminal state:
// fatal Kinds become FAILED_HARD, everything else FAILED_SOFT.
func classifyFailure(err error) State {
	if errs.Classify(err) == errs.SeverityFatal {
		return StateFailedHard
	}
	return StateFailedSoft
}

// Backfill runs Run for every day in [start, end] ascending. Individual day
// failures are recorded but never stop the loop.
func (o *Orchestrator) Backfill(ctx context.Context, start, end domain.Date, opts RunOpts) BackfillReport {
	report := BackfillReport{Failures: make(map[domain.Date]error)}
	for d := start; !end.Before(d); d = d.AddDays(1) {
		if err := ctx.Err(); err != nil {
			report.Failures[d] = err
			continue
		}
		outcome := o.Run(ctx, d, opts)
		if outcome.Err != nil {
			report.Failures[d] = outcome.Err
			continue
		}
		report.Successes = append(report.Successes, d)
	}
	return report
}
