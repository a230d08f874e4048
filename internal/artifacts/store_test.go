package artifacts

import (
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
)

func sampleDataset(date domain.Date) domain.ProcessedDataset {
	names := []string{"wti_price", "avg_tone"}
	return domain.ProcessedDataset{
		Meta: domain.DatasetMeta{TargetDate: date, FeatureNames: names},
		Rows: []domain.FeatureRow{
			{Country: "USA", Date: date, Features: map[string]float64{"wti_price": 80.0, "avg_tone": 1.2}},
		},
	}
}

func TestPublishAndLoadFor(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "processed_data")
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}

	if err := store.Publish(date, sampleDataset(date)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got, err := store.LoadFor(date)
	if err != nil {
		t.Fatalf("load_for failed: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0].Country != "USA" {
		t.Fatalf("unexpected dataset: %+v", got)
	}
}

func TestLoadLatestPicksGreatestKey(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "processed_data")
	d1 := domain.Date{Year: 2025, Month: time.March, Day: 9}
	d2 := domain.Date{Year: 2025, Month: time.March, Day: 10}

	if err := store.Publish(d1, sampleDataset(d1)); err != nil {
		t.Fatalf("publish d1: %v", err)
	}
	if err := store.Publish(d2, sampleDataset(d2)); err != nil {
		t.Fatalf("publish d2: %v", err)
	}

	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load_latest failed: %v", err)
	}
	if got.Meta.TargetDate != d2 {
		t.Fatalf("expected latest to be d2, got %v", got.Meta.TargetDate)
	}
}

func TestLoadForMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "processed_data")
	_, err := store.LoadFor(domain.Date{Year: 2025, Month: time.March, Day: 10})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepublishOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "processed_data")
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}

	if err := store.Publish(date, sampleDataset(date)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	modified := sampleDataset(date)
	modified.Rows[0].Features["wti_price"] = 99.0
	if err := store.Publish(date, modified); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	got, err := store.LoadFor(date)
	if err != nil {
		t.Fatalf("load_for: %v", err)
	}
	if got.Rows[0].Features["wti_price"] != 99.0 {
		t.Fatalf("expected overwritten value 99.0, got %f", got.Rows[0].Features["wti_price"])
	}
}

func TestContentHashStableAcrossRuns(t *testing.T) {
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	h1 := ContentHash(sampleDataset(date))
	h2 := ContentHash(sampleDataset(date))
	if h1 != h2 || h1 == "" {
		t.Fatalf("expected stable non-empty content hash, got %q vs %q", h1, h2)
	}
}
