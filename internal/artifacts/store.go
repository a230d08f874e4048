// Package artifacts implements the Artifact Store: publication and
// retrieval of ProcessedDatasets, addressed by target date under a
// configurable key prefix. Writes are atomic (temp file, fsync, rename);
// load_latest picks the lexicographically greatest key present.
package artifacts

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/errs"
)

// ErrNotFound is returned when no artifact exists for a requested key.
var ErrNotFound = fmt.Errorf("artifact not found")

// ErrCorrupt is returned when a stored artifact's feature_names vector does
// not match its own content, or the payload fails to decode.
var ErrCorrupt = fmt.Errorf("artifact corrupt")

// row is the wire representation of one FeatureRow: flattened features plus
// the date/country envelope fields, per the object-store contract's "field
// names are exactly those in feature_names plus date, country".
type row map[string]any

// Store publishes and retrieves gzip-compressed JSON ProcessedDataset
// artifacts under a root directory, emulating an object store's list/get/put
// semantics with a local filesystem backend.
type Store struct {
	root   string
	prefix string
}

// New constructs a Store rooted at root, keying artifacts under prefix (the
// configured processed_prefix, e.g. "processed_data/").
func New(root, prefix string) *Store {
	return &Store{root: root, prefix: strings.Trim(prefix, "/")}
}

// key returns the object-store key for a target date, per the contract's
// "processed_data/final_aligned_data_YYYYMMDD.json.gz" format.
func (s *Store) key(date domain.Date) string {
	return fmt.Sprintf("%s/final_aligned_data_%s.json.gz", s.prefix, date.YYYYMMDD())
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Publish writes dataset under target_date's key, atomically: encode to a
// temp file in the same directory, fsync, then rename over any existing
// artifact for that date. A second publish for the same date overwrites.
func (s *Store) Publish(date domain.Date, dataset domain.ProcessedDataset) error {
	payload, err := encode(dataset)
	if err != nil {
		return errs.New(errs.KindInternalInvariant, "artifacts.Store", fmt.Errorf("encode dataset: %w", err), nil)
	}

	finalPath := s.path(s.key(date))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("mkdir artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename artifact into place: %w", err)
	}
	return nil
}

// LoadLatest returns the dataset under the lexicographically greatest key
// present.
func (s *Store) LoadLatest() (domain.ProcessedDataset, error) {
	dir := s.path(s.prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ProcessedDataset{}, ErrNotFound
		}
		return domain.ProcessedDataset{}, fmt.Errorf("list artifacts: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json.gz") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return domain.ProcessedDataset{}, ErrNotFound
	}
	sort.Strings(names)
	latest := names[len(names)-1]
	return s.load(filepath.Join(dir, latest))
}

// LoadFor returns the dataset published for an exact target date.
func (s *Store) LoadFor(date domain.Date) (domain.ProcessedDataset, error) {
	path := s.path(s.key(date))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return domain.ProcessedDataset{}, ErrNotFound
		}
		return domain.ProcessedDataset{}, fmt.Errorf("stat artifact: %w", err)
	}
	return s.load(path)
}

func (s *Store) load(path string) (domain.ProcessedDataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ProcessedDataset{}, fmt.Errorf("read artifact: %w", err)
	}
	dataset, err := decode(raw)
	if err != nil {
		return domain.ProcessedDataset{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := verifySchema(dataset); err != nil {
		return domain.ProcessedDataset{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return dataset, nil
}

// verifySchema checks that every row's feature set exactly matches the
// dataset's declared feature_names.
func verifySchema(dataset domain.ProcessedDataset) error {
	want := make(map[string]struct{}, len(dataset.Meta.FeatureNames))
	for _, n := range dataset.Meta.FeatureNames {
		want[n] = struct{}{}
	}
	for _, r := range dataset.Rows {
		if len(r.Features) != len(want) {
			return fmt.Errorf("row %s/%s has %d features, dataset declares %d", r.Country, r.Date, len(r.Features), len(want))
		}
		for n := range want {
			if _, ok := r.Features[n]; !ok {
				return fmt.Errorf("row %s/%s missing declared feature %q", r.Country, r.Date, n)
			}
		}
	}
	return nil
}

func encode(dataset domain.ProcessedDataset) ([]byte, error) {
	rows := make([]row, 0, len(dataset.Rows))
	for _, r := range dataset.Rows {
		rr := make(row, len(r.Features)+2)
		rr["date"] = r.Date.String()
		rr["country"] = string(r.Country)
		for k, v := range r.Features {
			rr[k] = v
		}
		rows = append(rows, rr)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	envelope := struct {
		Meta domain.DatasetMeta `json:"meta"`
		Rows []row              `json:"rows"`
	}{Meta: dataset.Meta, Rows: rows}
	if err := enc.Encode(envelope); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (domain.ProcessedDataset, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return domain.ProcessedDataset{}, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var envelope struct {
		Meta domain.DatasetMeta `json:"meta"`
		Rows []row              `json:"rows"`
	}
	if err := json.NewDecoder(gz).Decode(&envelope); err != nil {
		return domain.ProcessedDataset{}, fmt.Errorf("decode json: %w", err)
	}

	rows := make([]domain.FeatureRow, 0, len(envelope.Rows))
	for _, rr := range envelope.Rows {
		dateStr, _ := rr["date"].(string)
		countryStr, _ := rr["country"].(string)
		features := make(map[string]float64, len(rr))
		for k, v := range rr {
			if k == "date" || k == "country" {
				continue
			}
			f, ok := v.(float64)
			if !ok {
				return domain.ProcessedDataset{}, fmt.Errorf("feature %q is not numeric", k)
			}
			features[k] = f
		}
		date, err := parseDate(dateStr)
		if err != nil {
			return domain.ProcessedDataset{}, err
		}
		rows = append(rows, domain.FeatureRow{
			Country:  domain.CountryCode(countryStr),
			Date:     date,
			Features: features,
		})
	}
	return domain.ProcessedDataset{Meta: envelope.Meta, Rows: rows}, nil
}

func parseDate(s string) (domain.Date, error) {
	var y, m, d int
	if _, err := fmt.Sscanf(s, "%04d-%02d-%02d", &y, &m, &d); err != nil {
		return domain.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return domain.Date{Year: y, Month: time.Month(m), Day: d}, nil
}

// ContentHash computes the dataset's content-addressing hash over its
// canonically ordered rows, used to detect idempotent re-publication.
func ContentHash(dataset domain.ProcessedDataset) string {
	payload, err := encode(domain.ProcessedDataset{Meta: domain.DatasetMeta{FeatureNames: dataset.Meta.FeatureNames}, Rows: dataset.Rows})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
