package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/errs"
)

// schemaVersion is the loader's own artifact-format version. A metadata.json
// declaring a different SchemaVersion is a fatal mismatch, distinct from the
// feature_names mismatch inference.Predict checks against a dataset.
const schemaVersion = 1

// Metadata is the bundle's trained-artifact description.
type Metadata struct {
	FeatureNames  []string `json:"feature_names"`
	ModelVersion  string   `json:"model_version"`
	Temperature   float64  `json:"temperature"`
	Countries     []string `json:"countries"`
	SchemaVersion int      `json:"schema_version"`
}

// Scaler applies a fitted affine per-feature transform: (x - Mean) / Scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Apply returns a new slice holding the transformed feature vector; x is not
// modified.
func (s Scaler) Apply(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) || len(x) != len(s.Scale) {
		return nil, fmt.Errorf("scaler: expected %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// Adjacency is a square matrix over the universe's canonical country order.
type Adjacency struct {
	Matrix [][]float64
}

// RowSum returns the sum of row i, a country's total graph centrality mass.
func (a Adjacency) RowSum(i int) float64 {
	var sum float64
	for _, v := range a.Matrix[i] {
		sum += v
	}
	return sum
}

// Bundle is the immutable, shared-read ModelBundle: per-country regressors,
// scaler, adjacency, and metadata.
type Bundle struct {
	RunID       string
	Regressors  map[domain.CountryCode]Regressor
	Scaler      Scaler
	Adjacency   Adjacency
	Metadata    Metadata
	MissingCountries []domain.CountryCode
}

// regressorDoc is the tagged-variant wire format for a serialized regressor.
type regressorDoc struct {
	Kind      string    `json:"kind"`
	Weights   []float64 `json:"weights,omitempty"`
	Intercept float64   `json:"intercept,omitempty"`
	Stumps    []Stump   `json:"stumps,omitempty"`
	Bias      float64   `json:"bias,omitempty"`
}

func decodeRegressor(raw []byte) (Regressor, error) {
	var doc regressorDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode regressor: %w", err)
	}
	switch doc.Kind {
	case "linear":
		return &LinearRegressor{Weights: doc.Weights, Intercept: doc.Intercept}, nil
	case "tree_ensemble":
		return &TreeEnsembleRegressor{Stumps: doc.Stumps, Bias: doc.Bias}, nil
	default:
		return nil, fmt.Errorf("unknown regressor kind %q", doc.Kind)
	}
}

// Loader loads ModelBundles from an artifacts root directory laid out under
// trained_models/<run_id>/artifacts/, memoizing one Bundle per run_id for
// the life of the process.
type Loader struct {
	root   string
	prefix string
	log    zerolog.Logger

	mu      sync.Mutex
	once    map[string]*sync.Once
	bundles map[string]*Bundle
	errs    map[string]error
}

// NewLoader constructs a Loader rooted at root, keying bundles under prefix
// (the configured models_prefix, e.g. "trained_models/").
func NewLoader(root, prefix string, log zerolog.Logger) *Loader {
	return &Loader{
		root:    root,
		prefix:  prefix,
		log:     log,
		once:    make(map[string]*sync.Once),
		bundles: make(map[string]*Bundle),
		errs:    make(map[string]error),
	}
}

// Load returns the Bundle for runID, loading and caching it on first call.
// Missing regressors for countries in universe are recorded as warnings in
// Bundle.MissingCountries, not errors; a schema-version mismatch is fatal.
func (l *Loader) Load(runID string, universeCountries []domain.CountryCode) (*Bundle, error) {
	l.mu.Lock()
	once, ok := l.once[runID]
	if !ok {
		once = &sync.Once{}
		l.once[runID] = once
	}
	l.mu.Unlock()

	once.Do(func() {
		bundle, err := l.loadUncached(runID, universeCountries)
		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.errs[runID] = err
			return
		}
		l.bundles[runID] = bundle
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.errs[runID]; ok {
		return nil, err
	}
	return l.bundles[runID], nil
}

func (l *Loader) loadUncached(runID string, universeCountries []domain.CountryCode) (*Bundle, error) {
	base := filepath.Join(l.root, l.prefix, runID, "artifacts")

	metaRaw, err := os.ReadFile(filepath.Join(base, "metadata.json"))
	if err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("read metadata: %w", err), map[string]any{"run_id": runID})
	}
	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("decode metadata: %w", err), map[string]any{"run_id": runID})
	}
	if meta.SchemaVersion != schemaVersion {
		return nil, errs.New(errs.KindSchemaMismatch, "model.Loader", fmt.Errorf("schema version %d != loader version %d", meta.SchemaVersion, schemaVersion), map[string]any{"run_id": runID})
	}

	scalerRaw, err := os.ReadFile(filepath.Join(base, "scaler.json"))
	if err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("read scaler: %w", err), map[string]any{"run_id": runID})
	}
	var scaler Scaler
	if err := json.Unmarshal(scalerRaw, &scaler); err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("decode scaler: %w", err), map[string]any{"run_id": runID})
	}

	adjRaw, err := os.ReadFile(filepath.Join(base, "adjacency.json"))
	if err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("read adjacency: %w", err), map[string]any{"run_id": runID})
	}
	var matrix [][]float64
	if err := json.Unmarshal(adjRaw, &matrix); err != nil {
		return nil, errs.New(errs.KindModelMissing, "model.Loader", fmt.Errorf("decode adjacency: %w", err), map[string]any{"run_id": runID})
	}

	regressors := make(map[domain.CountryCode]Regressor, len(universeCountries))
	var missing []domain.CountryCode
	for _, country := range universeCountries {
		path := filepath.Join(base, "regressors", string(country)+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			missing = append(missing, country)
			l.log.Warn().Str("run_id", runID).Str("country", string(country)).Msg("regressor missing, country skipped at inference")
			continue
		}
		reg, err := decodeRegressor(raw)
		if err != nil {
			missing = append(missing, country)
			l.log.Warn().Str("run_id", runID).Str("country", string(country)).Err(err).Msg("regressor failed to decode, country skipped")
			continue
		}
		regressors[country] = reg
	}

	return &Bundle{
		RunID:            runID,
		Regressors:       regressors,
		Scaler:           scaler,
		Adjacency:        Adjacency{Matrix: matrix},
		Metadata:         meta,
		MissingCountries: missing,
	}, nil
}
