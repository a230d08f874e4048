package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oilsignal/oilsignal/internal/artifacts"
	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
	"github.com/oilsignal/oilsignal/internal/ingest/prices"
)

type fakeEventFetcher struct {
	recordsByDate map[domain.Date][]domain.EventRecord
	failDates     map[domain.Date]bool
}

func (f *fakeEventFetcher) FetchDay(ctx context.Context, date domain.Date) ([]domain.EventRecord, error) {
	if f.failDates[date] {
		return nil, fmt.Errorf("simulated upstream failure for %s", date)
	}
	return f.recordsByDate[date], nil
}

type fakePriceFetcher struct {
	points []domain.PricePoint
}

func (f *fakePriceFetcher) FetchPrices(ctx context.Context, endDate domain.Date, lookbackDays int) (prices.Result, error) {
	return prices.Result{Points: f.points}, nil
}

func mkDate(y int, m time.Month, d int) domain.Date {
	return domain.Date{Year: y, Month: m, Day: d}
}

func buildOrchestrator(t *testing.T, ev *fakeEventFetcher, pf *fakePriceFetcher) *Orchestrator {
	t.Helper()
	store := artifacts.New(t.TempDir(), "processed_data")
	u := universe.New([]domain.CountryCode{"USA"})
	return New(ev, pf, store, u, 5, zerolog.Nop())
}

func TestRunPublishesDataset(t *testing.T) {
	target := mkDate(2025, 3, 10)
	ev := &fakeEventFetcher{recordsByDate: map[domain.Date][]domain.EventRecord{}}
	var points []domain.PricePoint
	for i := -5; i <= 0; i++ {
		points = append(points, domain.PricePoint{Date: target.AddDays(i), WTIClose: 80 + float64(i), BrentClose: 85 + float64(i)})
	}
	pf := &fakePriceFetcher{points: points}

	o := buildOrchestrator(t, ev, pf)
	outcome := o.Run(context.Background(), target, RunOpts{})
	if outcome.Err != nil {
		t.Fatalf("run failed: %v", outcome.Err)
	}
	if outcome.State != StateDone {
		t.Fatalf("expected StateDone, got %s", outcome.State)
	}
	if outcome.RowCount == 0 {
		t.Fatal("expected published rows")
	}

	loaded, err := o.Store.LoadFor(target)
	if err != nil {
		t.Fatalf("expected published dataset to load: %v", err)
	}
	if len(loaded.Rows) != outcome.RowCount {
		t.Fatalf("loaded row count mismatch: %d vs %d", len(loaded.Rows), outcome.RowCount)
	}
}

func TestRunDryRunSkipsPublish(t *testing.T) {
	target := mkDate(2025, 3, 10)
	ev := &fakeEventFetcher{recordsByDate: map[domain.Date][]domain.EventRecord{}}
	var points []domain.PricePoint
	for i := -5; i <= 0; i++ {
		points = append(points, domain.PricePoint{Date: target.AddDays(i), WTIClose: 80, BrentClose: 85})
	}
	pf := &fakePriceFetcher{points: points}

	o := buildOrchestrator(t, ev, pf)
	outcome := o.Run(context.Background(), target, RunOpts{DryRun: true})
	if outcome.Err != nil {
		t.Fatalf("run failed: %v", outcome.Err)
	}
	if _, err := o.Store.LoadFor(target); err != artifacts.ErrNotFound {
		t.Fatalf("expected dry run to skip publish, got err=%v", err)
	}
}

func TestBackfillRecordsFailuresWithoutStopping(t *testing.T) {
	start := mkDate(2025, 3, 8)
	end := mkDate(2025, 3, 10)

	ev := &fakeEventFetcher{recordsByDate: map[domain.Date][]domain.EventRecord{}}
	// Prices start on Mar 9, so Mar 8's window has no prior price and fails
	// soft; the loop must still run Mar 9 and Mar 10.
	var points []domain.PricePoint
	for i := -1; i <= 2; i++ {
		points = append(points, domain.PricePoint{Date: end.AddDays(i), WTIClose: 80, BrentClose: 85})
	}
	pf := &fakePriceFetcher{points: points}

	o := buildOrchestrator(t, ev, pf)
	report := o.Backfill(context.Background(), start, end, RunOpts{})
	if len(report.Successes) != 2 {
		t.Fatalf("expected 2 successful days, got %d: %+v", len(report.Successes), report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", report.Failures)
	}
}

func TestRunRejectsConcurrentSameDate(t *testing.T) {
	target := mkDate(2025, 3, 10)
	ev := &fakeEventFetcher{recordsByDate: map[domain.Date][]domain.EventRecord{}}
	pf := &fakePriceFetcher{}
	o := buildOrchestrator(t, ev, pf)

	lock, acquired := o.acquireLock(target)
	if !acquired {
		t.Fatal("expected first acquire to succeed")
	}
	defer lock.Unlock()

	outcome := o.Run(context.Background(), target, RunOpts{})
	if outcome.State != StateFailedSoft {
		t.Fatalf("expected FAILED_SOFT for concurrent run, got %s", outcome.State)
	}
}
