// Package events implements the Event Fetcher: it retrieves one day's worth
// of global-event bundles, parses each bundle's tab-delimited rows, and
// yields EventRecords. Per-bundle failures are recoverable; the day is only
// failed if too few bundles succeed.
package events

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/errs"
	"github.com/oilsignal/oilsignal/internal/netresil/circuit"
	"github.com/oilsignal/oilsignal/internal/netresil/ratelimit"
	"github.com/oilsignal/oilsignal/internal/obs"
)

// bundlesPerDay is the number of 15-minute bundles the upstream publishes
// each day.
const bundlesPerDay = 96

// Column positions within each bundle's tab-delimited row. The upstream's
// column layout is fixed; only the columns the fetcher needs are named.
const (
	colSourceID  = 3
	colTone      = 34
	colLocations = 23
	colThemes    = 21
)

// Fetcher retrieves and parses one day of global-event bundles.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuit.Breaker
	limiter    *ratelimit.Limiter
	log        zerolog.Logger
	metrics    *obs.Registry

	concurrency      int
	minFraction      float64
	bundleTimeout    time.Duration
	dayTimeout       time.Duration
}

// Config configures a Fetcher.
type Config struct {
	BaseURL       string
	Concurrency   int
	MinFraction   float64
	BundleTimeout time.Duration
	DayTimeout    time.Duration
	Breaker       *circuit.Breaker
	Limiter       *ratelimit.Limiter
	Logger        zerolog.Logger

	// Metrics, when set, records one BundleFetchTotal increment per bundle
	// fetch attempt, labeled "ok" or "failed". A nil Metrics skips it.
	Metrics *obs.Registry
}

// New builds a Fetcher, defaulting unset Config fields to the values spec'd
// for the event provider.
func New(cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MinFraction <= 0 {
		cfg.MinFraction = 0.5
	}
	if cfg.BundleTimeout <= 0 {
		cfg.BundleTimeout = 30 * time.Second
	}
	if cfg.DayTimeout <= 0 {
		cfg.DayTimeout = 540 * time.Second
	}
	return &Fetcher{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: cfg.BundleTimeout},
		breaker:       cfg.Breaker,
		limiter:       cfg.Limiter,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		concurrency:   cfg.Concurrency,
		minFraction:   cfg.MinFraction,
		bundleTimeout: cfg.BundleTimeout,
		dayTimeout:    cfg.DayTimeout,
	}
}

// bundleStamps returns the 96 YYYYMMDDhhmmss timestamps for date, one every
// 15 minutes starting at 00:00:00.
func bundleStamps(date domain.Date) []string {
	stamps := make([]string, 0, bundlesPerDay)
	base := date.Time()
	for i := 0; i < bundlesPerDay; i++ {
		t := base.Add(time.Duration(i) * 15 * time.Minute)
		stamps = append(stamps, t.Format("20060102150405"))
	}
	return stamps
}

// FetchDay retrieves and parses all bundles for date, returning the combined
// EventRecords. It returns *errs.PipelineError(KindUpstreamUnavailable) if
// fewer than MinFraction of the bundles succeeded.
func (f *Fetcher) FetchDay(ctx context.Context, date domain.Date) ([]domain.EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, f.dayTimeout)
	defer cancel()

	stamps := bundleStamps(date)
	sem := make(chan struct{}, f.concurrency)

	var (
		mu       sync.Mutex
		succeded int
		records  []domain.EventRecord
	)
	var wg sync.WaitGroup

	for _, stamp := range stamps {
		stamp := stamp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			recs, ok := f.fetchBundle(ctx, stamp)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				succeded++
				records = append(records, recs...)
			}
		}()
	}
	wg.Wait()

	fraction := float64(succeded) / float64(len(stamps))
	if fraction < f.minFraction {
		return nil, errs.New(errs.KindUpstreamUnavailable, "events.Fetcher", fmt.Errorf("only %d/%d bundles succeeded (%.2f < floor %.2f)", succeded, len(stamps), fraction, f.minFraction), map[string]any{
			"date": date.String(),
		})
	}
	return records, nil
}

// fetchBundle downloads and parses a single bundle. It returns ok=false for
// any recoverable failure (404, malformed zip, 5xx after retry), logging at
// warn level but never returning an error to the caller — per-bundle
// failures never fail the day on their own.
func (f *Fetcher) fetchBundle(ctx context.Context, stamp string) ([]domain.EventRecord, bool) {
	outcome := "ok"
	defer func() {
		if f.metrics != nil {
			f.metrics.BundleFetchTotal.WithLabelValues(outcome).Inc()
		}
	}()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.baseURL); err != nil {
			f.log.Warn().Str("bundle", stamp).Err(err).Msg("rate limiter wait failed")
			outcome = "failed"
			return nil, false
		}
	}

	url := fmt.Sprintf("%s/%s.gkg.csv.zip", f.baseURL, stamp)

	var body []byte
	fetch := func(ctx context.Context) error {
		b, err := f.doFetch(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	var err error
	if f.breaker != nil {
		err = f.breaker.Call(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		f.log.Warn().Str("bundle", stamp).Err(err).Msg("bundle fetch failed, skipping")
		outcome = "failed"
		return nil, false
	}

	records, err := parseBundle(body, stamp)
	if err != nil {
		f.log.Warn().Str("bundle", stamp).Err(err).Msg("bundle parse failed, skipping")
		outcome = "failed"
		return nil, false
	}
	return records, true
}

// doFetch performs the HTTP GET with a single retry on 5xx, skipping
// outright on 404.
func (f *Fetcher) doFetch(ctx context.Context, url string) ([]byte, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("bundle not found: %s", url)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream %d for %s", resp.StatusCode, url)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

// parseBundle unzips the single CSV entry expected inside the bundle and
// parses its tab-delimited rows.
func parseBundle(zipped []byte, stamp string) ([]domain.EventRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipped), int64(len(zipped)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("empty bundle archive")
	}

	ts, err := time.Parse("20060102150405", stamp)
	if err != nil {
		return nil, fmt.Errorf("parse bundle stamp: %w", err)
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open bundle entry: %w", err)
	}
	defer f.Close()

	var records []domain.EventRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		rec, ok := parseRow(scanner.Text(), ts)
		if !ok {
			continue // per-row parse errors are dropped silently
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan bundle: %w", err)
	}
	return records, nil
}

// parseRow extracts an EventRecord from one tab-delimited GKG row. It
// returns ok=false for any row that fails to parse (too few columns, an
// unparseable tone, or no recognised country); such rows are dropped and are
// not counted anywhere.
func parseRow(line string, ts time.Time) (domain.EventRecord, bool) {
	cols := strings.Split(line, "\t")
	maxCol := colTone
	if colLocations > maxCol {
		maxCol = colLocations
	}
	if colThemes > maxCol {
		maxCol = colThemes
	}
	if len(cols) <= maxCol {
		return domain.EventRecord{}, false
	}

	tone, ok := parseTone(cols[colTone])
	if !ok {
		return domain.EventRecord{}, false
	}

	rec := domain.EventRecord{
		Timestamp:  ts,
		SourceID:   strings.TrimSpace(cols[colSourceID]),
		ToneScore:  tone,
		CountrySet: parseLocations(cols[colLocations]),
		ThemeSet:   parseThemes(cols[colThemes]),
	}
	if len(rec.CountrySet) == 0 {
		return domain.EventRecord{}, false
	}
	return rec, true
}

// parseTone extracts the first numeric component of a comma-delimited tone
// field (e.g. "-3.2,1.1,2.2,..."); a semicolon is also accepted as the
// delimiter.
func parseTone(field string) (float64, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return 0, false
	}
	first := field
	if i := strings.IndexAny(field, ",;"); i >= 0 {
		first = field[:i]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLocations extracts the deduplicated set of 3-letter country codes
// from a semicolon-delimited list of entries of the form
// "<type>#<name>#<code2>#<code3>#...". code3 is retained when non-empty.
func parseLocations(field string) map[domain.CountryCode]struct{} {
	set := make(map[domain.CountryCode]struct{})
	for _, entry := range strings.Split(field, ";") {
		parts := strings.Split(entry, "#")
		if len(parts) < 4 {
			continue
		}
		code3 := strings.TrimSpace(parts[3])
		if len(code3) == 3 {
			set[domain.CountryCode(strings.ToUpper(code3))] = struct{}{}
		}
	}
	return set
}

// parseThemes extracts the deduplicated, prefix-trimmed theme tokens from a
// semicolon-delimited theme field (tokens of the form "PREFIX_TOKENNAME").
func parseThemes(field string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, entry := range strings.Split(field, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if i := strings.Index(entry, "_"); i >= 0 {
			entry = entry[i+1:]
		}
		set[strings.ToLower(entry)] = struct{}{}
	}
	return set
}

// sortedStamps is exposed for tests asserting bundle ordering is irrelevant
// to the final result but deterministic in generation.
func sortedStamps(stamps []string) []string {
	out := append([]string(nil), stamps...)
	sort.Strings(out)
	return out
}
