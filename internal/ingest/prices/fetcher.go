// Package prices implements the Price Fetcher: it retrieves trailing WTI and
// Brent daily-close series from an external provider, independently per
// instrument, and inner-joins them on date. It fails soft to a cached
// snapshot when an instrument call fails and a recent cache entry exists.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/oilsignal/oilsignal/internal/cache"
	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/errs"
	"github.com/oilsignal/oilsignal/internal/netresil/ratelimit"
)

// Instrument identifies one of the two tracked benchmarks.
type Instrument string

const (
	InstrumentWTI   Instrument = "WTI"
	InstrumentBrent Instrument = "BRENT"
)

// rateLimitMarker is the well-known field value the upstream uses to signal
// a rate-limited response; it must be treated as a soft failure, not a hard
// error.
const rateLimitMarker = "Thank you for using our API"

// staleCeiling bounds how old a cached snapshot may be and still be served
// on upstream failure.
const staleCeiling = 24 * time.Hour

// seriesEntry is one {date, value} pair as the upstream returns it.
type seriesEntry struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

type apiResponse struct {
	Data []seriesEntry `json:"data"`
	Note string        `json:"Note"`
}

// Fetcher retrieves aligned WTI/Brent daily closes.
type Fetcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *ratelimit.Limiter
	cache      *cache.TTLCache[Instrument, []domain.PricePoint]
	log        zerolog.Logger
}

// Config configures a Fetcher.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger
}

// New builds a Fetcher with its own gobreaker instance (one circuit covering
// both instrument calls, since both hit the same upstream host) and a
// two-entry TTL cache, one slot per instrument.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-fetcher",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Fetcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		limiter:    cfg.Limiter,
		cache:      cache.New[Instrument, []domain.PricePoint](2),
		log:        cfg.Logger,
	}
}

// Result is the Price Fetcher's output: the inner-joined series plus whether
// it was served from a stale cache entry.
type Result struct {
	Points []domain.PricePoint
	Stale  bool
}

// FetchPrices retrieves the trailing lookbackDays window ending at endDate
// for both instruments and inner-joins them on date.
func (f *Fetcher) FetchPrices(ctx context.Context, endDate domain.Date, lookbackDays int) (Result, error) {
	var wg sync.WaitGroup
	results := make(map[Instrument][]domain.PricePoint, 2)
	staleFlags := make(map[Instrument]bool, 2)
	errsOut := make(map[Instrument]error, 2)
	var mu sync.Mutex

	for _, inst := range []Instrument{InstrumentWTI, InstrumentBrent} {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			pts, stale, err := f.fetchInstrument(ctx, inst, endDate, lookbackDays)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errsOut[inst] = err
				return
			}
			results[inst] = pts
			staleFlags[inst] = stale
		}()
	}
	wg.Wait()

	if len(errsOut) > 0 {
		for inst, err := range errsOut {
			return Result{}, errs.New(errs.KindUpstreamUnavailable, "prices.Fetcher", err, map[string]any{
				"instrument": string(inst),
			})
		}
	}

	joined := innerJoin(results[InstrumentWTI], results[InstrumentBrent])
	stale := staleFlags[InstrumentWTI] || staleFlags[InstrumentBrent]
	return Result{Points: joined, Stale: stale}, nil
}

func (f *Fetcher) fetchInstrument(ctx context.Context, inst Instrument, endDate domain.Date, lookbackDays int) ([]domain.PricePoint, bool, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.baseURL); err != nil {
			return f.fallbackToCache(inst, err)
		}
	}

	result, err := f.breaker.Execute(func() (any, error) {
		return f.doFetch(ctx, inst)
	})
	if err != nil {
		return f.fallbackToCache(inst, err)
	}

	points := result.([]domain.PricePoint)
	trimmed := trimToWindow(points, endDate, lookbackDays)
	f.cache.Set(inst, points, 24*time.Hour)
	return trimmed, false, nil
}

func (f *Fetcher) fallbackToCache(inst Instrument, cause error) ([]domain.PricePoint, bool, error) {
	cached, age, found := f.cache.GetStale(inst)
	if !found || age > staleCeiling {
		return nil, false, fmt.Errorf("upstream failed and no fresh cache: %w", cause)
	}
	f.log.Warn().Str("instrument", string(inst)).Err(cause).Dur("age", age).Msg("serving stale price cache")
	return cached, true, nil
}

func (f *Fetcher) doFetch(ctx context.Context, inst Instrument) ([]domain.PricePoint, error) {
	url := fmt.Sprintf("%s/query?function=%s&interval=daily&apikey=%s", f.baseURL, inst, f.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if strings.Contains(parsed.Note, rateLimitMarker) {
		return nil, fmt.Errorf("rate limited: %s", parsed.Note)
	}

	points := make([]domain.PricePoint, 0, len(parsed.Data))
	for _, e := range parsed.Data {
		t, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			continue
		}
		dv, err := decimal.NewFromString(e.Value)
		if err != nil {
			continue
		}
		v, _ := dv.Round(4).Float64()
		pt := domain.PricePoint{Date: domain.DateFromTime(t)}
		switch inst {
		case InstrumentWTI:
			pt.WTIClose = v
		case InstrumentBrent:
			pt.BrentClose = v
		}
		points = append(points, pt)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

func trimToWindow(points []domain.PricePoint, endDate domain.Date, lookbackDays int) []domain.PricePoint {
	start := endDate.AddDays(-lookbackDays)
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if !p.Date.Before(start) && !endDate.Before(p.Date) {
			out = append(out, p)
		}
	}
	return out
}

// innerJoin merges two single-instrument series on date, keeping only dates
// present in both.
func innerJoin(wti, brent []domain.PricePoint) []domain.PricePoint {
	brentByDate := make(map[domain.Date]float64, len(brent))
	for _, p := range brent {
		brentByDate[p.Date] = p.BrentClose
	}
	out := make([]domain.PricePoint, 0, len(wti))
	for _, p := range wti {
		if b, ok := brentByDate[p.Date]; ok {
			out = append(out, domain.PricePoint{Date: p.Date, WTIClose: p.WTIClose, BrentClose: b})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
