package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oilsignal/oilsignal/internal/artifacts"
	"github.com/oilsignal/oilsignal/internal/config"
	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/inference"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
	"github.com/oilsignal/oilsignal/internal/ingest/events"
	"github.com/oilsignal/oilsignal/internal/ingest/prices"
	"github.com/oilsignal/oilsignal/internal/model"
	"github.com/oilsignal/oilsignal/internal/netresil/circuit"
	"github.com/oilsignal/oilsignal/internal/netresil/ratelimit"
	"github.com/oilsignal/oilsignal/internal/obs"
	"github.com/oilsignal/oilsignal/internal/persistence/postgres"
	"github.com/oilsignal/oilsignal/internal/pipeline"
)

const (
	appName = "oilsignal"
	version = "v1.0.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "oilsignal drives the oil-price data pipeline and hierarchical inference engine.",
		Version: version,
		Run:     runDefaultEntry,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to pipeline configuration")

	rootCmd.AddCommand(newRunCmd(), newBackfillCmd(), newPredictCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// runDefaultEntry prints usage when invoked with no subcommand; unlike an
// interactive scanner there is no menu to route into, so TTY detection only
// governs whether to colorize the hint.
func runDefaultEntry(cmd *cobra.Command, args []string) {
	isTTY := term.IsTerminal(int(os.Stdin.Fd()))
	hint := "run `oilsignal run`, `oilsignal backfill`, or `oilsignal predict`"
	if isTTY {
		hint = color.CyanString(hint)
	}
	fmt.Fprintln(os.Stderr, hint)
	cmd.Help()
}

func loadContext() (*config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return cfg, ctx, cancel, nil
}

// buildOrchestrator wires C1/C2/C6 into a pipeline.Orchestrator from cfg.
// It expects the universe to be declared by the active ModelBundle's
// metadata; callers without a model yet (e.g. a cold bootstrap run) should
// pass an explicit universe derived from configuration instead.
func buildOrchestrator(cfg *config.Config, u universe.Universe) (*pipeline.Orchestrator, error) {
	eventsProvider, _ := cfg.Providers.GetProvider("events")
	pricesProvider, _ := cfg.Providers.GetProvider("prices")

	limiterMgr := ratelimit.NewManager()
	if eventsProvider != nil {
		limiterMgr.AddProvider("events", float64(eventsProvider.RPS), eventsProvider.Burst)
	}
	if pricesProvider != nil {
		limiterMgr.AddProvider("prices", float64(pricesProvider.RPS), pricesProvider.Burst)
	}
	eventsLimiter, _ := limiterMgr.GetLimiter("events")
	pricesLimiter, _ := limiterMgr.GetLimiter("prices")

	eventsBreaker := circuit.NewBreaker("events", circuit.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RequestTimeout:   30 * time.Second,
	})

	metrics := obs.NewRegistry()

	eventsFetcher := events.New(events.Config{
		BaseURL:     providerBaseURL(eventsProvider),
		Concurrency: cfg.EventBundleConcurrency,
		MinFraction: cfg.MinEventBundlesFraction,
		Breaker:     eventsBreaker,
		Limiter:     eventsLimiter,
		Logger:      log.Logger,
		Metrics:     metrics,
	})

	pricesFetcher := prices.New(prices.Config{
		BaseURL: providerBaseURL(pricesProvider),
		APIKey:  cfg.PriceAPIKey(),
		Limiter: pricesLimiter,
		Logger:  log.Logger,
	})

	store := artifacts.New(cfg.BucketName, cfg.ProcessedPrefix)

	orch := pipeline.New(eventsFetcher, pricesFetcher, store, u, cfg.LookbackDays, log.Logger)
	orch.Metrics = metrics

	if cfg.DistLock.Enabled {
		ttl := time.Duration(cfg.DistLock.TTLSecs) * time.Second
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		orch.DistLock = pipeline.NewRedisLock(cfg.DistLock.Addr, cfg.DistLock.Password(), cfg.DistLock.DB, ttl)
	}

	if cfg.Database.Enabled {
		ledger, err := postgres.Open(cfg.DatabaseDSN(), 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("open run ledger: %w", err)
		}
		orch.Ledger = ledger
	}

	return orch, nil
}

func providerBaseURL(p *config.ProviderConfig) string {
	if p == nil {
		return ""
	}
	return p.BaseURL
}

func loadUniverse(cfg *config.Config) (universe.Universe, error) {
	loader := model.NewLoader(cfg.BucketName, cfg.ModelsPrefix, log.Logger)
	bundle, err := loader.Load(cfg.ModelRunID, nil)
	if err != nil {
		return universe.Universe{}, err
	}
	codes := make([]domain.CountryCode, 0, len(bundle.Metadata.Countries))
	for _, c := range bundle.Metadata.Countries {
		codes = append(codes, domain.CountryCode(c))
	}
	return universe.New(codes), nil
}

func newRunCmd() *cobra.Command {
	var targetDateStr string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a single target date (defaults to today-1 UTC).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := loadContext()
			if err != nil {
				return err
			}
			defer cancel()

			target, err := resolveTargetDate(targetDateStr)
			if err != nil {
				return err
			}

			u, err := loadUniverse(cfg)
			if err != nil {
				return fmt.Errorf("load universe from model bundle: %w", err)
			}
			orch, err := buildOrchestrator(cfg, u)
			if err != nil {
				return fmt.Errorf("build orchestrator: %w", err)
			}

			outcome := orch.Run(ctx, target, pipeline.RunOpts{DryRun: dryRun})
			if outcome.Err != nil {
				return fmt.Errorf("run failed in state %s: %w", outcome.State, outcome.Err)
			}
			log.Info().Str("target_date", target.String()).Str("state", string(outcome.State)).Msg("run complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&targetDateStr, "target-date", "", "target date YYYY-MM-DD (default: today-1 UTC)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip artifact publication")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var startStr, endStr string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run the pipeline for every day in an ascending date range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, cancel, err := loadContext()
			if err != nil {
				return err
			}
			defer cancel()

			start, err := parseDateFlag(startStr)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			end, err := parseDateFlag(endStr)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			u, err := loadUniverse(cfg)
			if err != nil {
				return fmt.Errorf("load universe from model bundle: %w", err)
			}
			orch, err := buildOrchestrator(cfg, u)
			if err != nil {
				return fmt.Errorf("build orchestrator: %w", err)
			}

			report := orch.Backfill(ctx, start, end, pipeline.RunOpts{DryRun: dryRun})
			log.Info().Int("succeeded", len(report.Successes)).Int("failed", len(report.Failures)).Msg("backfill complete")
			for date, err := range report.Failures {
				log.Warn().Str("date", date.String()).Err(err).Msg("backfill day failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "start date YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&endStr, "end", "", "end date YYYY-MM-DD (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip artifact publication")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Load the latest published dataset and print a PredictionReport.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store := artifacts.New(cfg.BucketName, cfg.ProcessedPrefix)
			dataset, err := store.LoadLatest()
			if err != nil {
				return fmt.Errorf("load latest dataset: %w", err)
			}

			u, err := loadUniverse(cfg)
			if err != nil {
				return fmt.Errorf("load universe from model bundle: %w", err)
			}
			loader := model.NewLoader(cfg.BucketName, cfg.ModelsPrefix, log.Logger)
			codes := u.Codes()
			bundle, err := loader.Load(cfg.ModelRunID, codes)
			if err != nil {
				return fmt.Errorf("load model bundle: %w", err)
			}

			report, err := inference.Predict(dataset, bundle, u, obs.NewRegistry(), cfg.PredictionTemperature)
			if err != nil {
				return fmt.Errorf("predict: %w", err)
			}
			printReport(report, cfg.TopCountriesCount)
			return nil
		},
	}
	return cmd
}

func printReport(report domain.PredictionReport, topN int) {
	sign := color.GreenString("+%.4f", report.PredictedDelta)
	if report.PredictedDelta < 0 {
		sign = color.RedString("%.4f", report.PredictedDelta)
	}
	fmt.Printf("%s  target=%s  reference=%.2f  predicted=%.2f  delta=%s\n",
		color.New(color.Bold).Sprint(appName), report.TargetDate, report.ReferenceClose, report.PredictedClose, sign)

	if report.ColdStart {
		fmt.Println(color.YellowString("cold-start: fewer than 30 rows of history for at least one country"))
	}
	if len(report.SkippedCountries) > 0 {
		fmt.Printf("skipped: %v\n", report.SkippedCountries)
	}
	for _, row := range topCountryRows(report.PerCountry, topN) {
		fmt.Printf("  %-4s  raw=%+.4f  attn=%.4f  contrib=%+.4f  pct=%.1f%%\n",
			row.country, row.pc.RawDelta, row.pc.AttentionWeight, row.pc.Contribution, row.pc.Percentage)
	}
}

type countryRow struct {
	country domain.CountryCode
	pc      domain.PerCountryPrediction
}

// topCountryRows orders perCountry by descending |Contribution| (the
// countries that moved the prediction the most, winners and losers alike)
// and truncates to topN. topN <= 0 means no truncation.
func topCountryRows(perCountry map[domain.CountryCode]domain.PerCountryPrediction, topN int) []countryRow {
	rows := make([]countryRow, 0, len(perCountry))
	for country, pc := range perCountry {
		rows = append(rows, countryRow{country: country, pc: pc})
	}
	sort.Slice(rows, func(i, j int) bool {
		return math.Abs(rows[i].pc.Contribution) > math.Abs(rows[j].pc.Contribution)
	})
	if topN > 0 && len(rows) > topN {
		rows = rows[:topN]
	}
	return rows
}

func resolveTargetDate(s string) (domain.Date, error) {
	if s == "" {
		return domain.DateFromTime(time.Now().UTC().AddDate(0, 0, -1)), nil
	}
	return parseDateFlag(s)
}

func parseDateFlag(s string) (domain.Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return domain.Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return domain.DateFromTime(t), nil
}
