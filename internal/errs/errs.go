// Package errs defines the typed error taxonomy shared across the pipeline.
// Every stage classifies its failures into one of these kinds so the
// orchestrator and the logging layer can react uniformly: soft errors are
// absorbed and counted, fatal ones stop the run.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which of the fixed failure categories an error belongs to.
type Kind string

const (
	// KindUpstreamUnavailable marks a transient failure talking to an
	// external provider (timeout, 5xx, connection refused). Soft: the
	// caller retries or falls back to cache.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindParseError marks a single record that failed to parse. Soft and
	// counted; the run continues without the record.
	KindParseError Kind = "parse_error"
	// KindAlignmentGap marks a gap left by alignment; the orchestrator uses
	// it when no row survives alignment for a target date. Soft: the run
	// ends FAILED_SOFT.
	KindAlignmentGap Kind = "alignment_gap"
	// KindSchemaMismatch marks a structural incompatibility between a
	// dataset's feature_names and what a consumer expects. Fatal.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindModelMissing marks an absent or unloadable model artifact. Fatal.
	KindModelMissing Kind = "model_missing"
	// KindInternalInvariant marks a violated internal invariant (NaN/Inf
	// surviving a clamp, an impossible state transition). Fatal and always
	// indicates a bug, not bad input.
	KindInternalInvariant Kind = "internal_invariant_violation"
)

// Severity is how the orchestrator should react to an error of a given Kind.
type Severity int

const (
	// SeveritySoft errors are absorbed: logged, counted, the run continues.
	SeveritySoft Severity = iota
	// SeverityRecoverable errors are counted against a tolerance budget; the
	// run continues unless the budget is exceeded.
	SeverityRecoverable
	// SeverityFatal errors stop the current run immediately.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeveritySoft:
		return "soft"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// severityByKind is the fixed classification table.
var severityByKind = map[Kind]Severity{
	KindUpstreamUnavailable: SeveritySoft,
	KindParseError:          SeverityRecoverable,
	KindAlignmentGap:        SeveritySoft,
	KindSchemaMismatch:      SeverityFatal,
	KindModelMissing:        SeverityFatal,
	KindInternalInvariant:   SeverityFatal,
}

// PipelineError wraps an underlying error with a Kind, a component tag, and
// arbitrary structured context for logging.
type PipelineError struct {
	Kind      Kind
	Component string
	Context   map[string]any
	Err       error
}

func (e *PipelineError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v %v", e.Component, e.Kind, e.Err, e.Context)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Severity returns the reaction severity for e's Kind.
func (e *PipelineError) Severity() Severity {
	return severityByKind[e.Kind]
}

// New builds a PipelineError.
func New(kind Kind, component string, err error, context map[string]any) *PipelineError {
	return &PipelineError{Kind: kind, Component: component, Context: context, Err: err}
}

// Classify returns the Severity of err if it is (or wraps) a *PipelineError,
// otherwise SeverityFatal — an unclassified error is treated as the worst
// case rather than silently swallowed.
func Classify(err error) Severity {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity()
	}
	return SeverityFatal
}

// KindOf returns the Kind of err if it is (or wraps) a *PipelineError, and
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Sentinel base errors for use with errors.Is against the Err field, or
// directly when no extra context is needed.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrParse               = errors.New("parse error")
	ErrAlignmentGap        = errors.New("alignment gap")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrModelMissing        = errors.New("model missing")
	ErrInternalInvariant   = errors.New("internal invariant violation")
)
