package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/errs"
)

func writeBundleFixture(t *testing.T, root, runID string, schemaVer int, countries []string) {
	t.Helper()
	base := filepath.Join(root, "trained_models", runID, "artifacts")
	if err := os.MkdirAll(filepath.Join(base, "regressors"), 0o755); err != nil {
		t.Fatal(err)
	}

	meta := Metadata{
		FeatureNames:  []string{"wti_price", "avg_tone"},
		ModelVersion:  "v1",
		Temperature:   0.25,
		Countries:     countries,
		SchemaVersion: schemaVer,
	}
	mb, _ := json.Marshal(meta)
	os.WriteFile(filepath.Join(base, "metadata.json"), mb, 0o644)

	scaler := Scaler{Mean: []float64{0, 0}, Scale: []float64{1, 1}}
	sb, _ := json.Marshal(scaler)
	os.WriteFile(filepath.Join(base, "scaler.json"), sb, 0o644)

	adj := [][]float64{{0, 1}, {1, 0}}
	ab, _ := json.Marshal(adj)
	os.WriteFile(filepath.Join(base, "adjacency.json"), ab, 0o644)

	reg := regressorDoc{Kind: "linear", Weights: []float64{1, 1}, Intercept: 0}
	rb, _ := json.Marshal(reg)
	for _, c := range countries {
		os.WriteFile(filepath.Join(base, "regressors", c+".json"), rb, 0o644)
	}
}

func TestLoadSucceedsAndMemoizes(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir, "v1", schemaVersion, []string{"USA", "ARE"})

	loader := NewLoader(dir, "trained_models", zerolog.Nop())
	countries := []domain.CountryCode{"USA", "ARE"}

	b1, err := loader.Load("v1", countries)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(b1.Regressors) != 2 {
		t.Fatalf("expected 2 regressors, got %d", len(b1.Regressors))
	}

	b2, err := loader.Load("v1", countries)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if b1 != b2 {
		t.Fatal("expected memoized bundle to be the same pointer across calls")
	}
}

func TestLoadMissingRegressorIsWarningNotError(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir, "v1", schemaVersion, []string{"USA"})

	loader := NewLoader(dir, "trained_models", zerolog.Nop())
	countries := []domain.CountryCode{"USA", "RUS"}

	b, err := loader.Load("v1", countries)
	if err != nil {
		t.Fatalf("expected no error for missing single regressor, got %v", err)
	}
	if len(b.MissingCountries) != 1 || b.MissingCountries[0] != "RUS" {
		t.Fatalf("expected RUS recorded as missing, got %v", b.MissingCountries)
	}
}

func TestLoadSchemaMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir, "v1", schemaVersion+1, []string{"USA"})

	loader := NewLoader(dir, "trained_models", zerolog.Nop())
	_, err := loader.Load("v1", []domain.CountryCode{"USA"})
	if err == nil {
		t.Fatal("expected schema mismatch error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindSchemaMismatch {
		t.Fatalf("expected KindSchemaMismatch, got %v (ok=%v)", kind, ok)
	}
}

func TestLoadMissingRunIDIsModelMissing(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, "trained_models", zerolog.Nop())
	_, err := loader.Load("absent", []domain.CountryCode{"USA"})
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindModelMissing {
		t.Fatalf("expected KindModelMissing, got %v (ok=%v)", kind, ok)
	}
}
