// Package budget tracks each upstream provider's daily request allowance: a
// UTC-hour reset boundary, a warn threshold logged at most once per reset
// window, and a hard limit that rejects further calls until the next reset.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrBudgetExhausted is returned when the daily limit has been reached.
	ErrBudgetExhausted = errors.New("daily budget exhausted")
	// ErrBudgetWarning is returned when usage has crossed the warn threshold.
	ErrBudgetWarning = errors.New("budget warning threshold exceeded")
)

// BudgetExhaustedError reports which provider exhausted its budget and when
// it will reset.
type BudgetExhaustedError struct {
	Provider string
	Used     int64
	Limit    int64
	ETA      time.Time
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d requests used, resets at %s",
		e.Provider, e.Used, e.Limit, e.ETA.Format("15:04 UTC"))
}

// BudgetWarningError reports a provider's usage crossing its warn threshold.
type BudgetWarningError struct {
	Provider  string
	Used      int64
	Limit     int64
	Threshold float64
}

func (e *BudgetWarningError) Error() string {
	utilization := float64(e.Used) / float64(e.Limit) * 100
	return fmt.Sprintf("budget warning for %s: %.1f%% used (%d/%d), threshold %.1f%%",
		e.Provider, utilization, e.Used, e.Limit, e.Threshold*100)
}

// Tracker tracks one provider's daily request usage against its limit.
type Tracker struct {
	name          string
	limit         int64
	used          int64 // atomic
	resetHour     int
	warnThreshold float64
	lastReset     time.Time
	warnLogged    bool // true once this reset window has logged its warn crossing
	mu            sync.RWMutex
}

// NewTracker creates a Tracker for the named provider. name is attached to
// threshold-crossing log lines so operators can tell providers apart.
func NewTracker(name string, limit int64, resetHour int, warnThreshold float64) *Tracker {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.8
	}

	now := time.Now().UTC()
	return &Tracker{
		name:          name,
		limit:         limit,
		resetHour:     resetHour,
		warnThreshold: warnThreshold,
		lastReset:     getLastResetTime(now, resetHour),
	}
}

// Name returns the provider name this tracker was constructed for.
func (t *Tracker) Name() string {
	return t.name
}

func getLastResetTime(now time.Time, resetHour int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Hour() >= resetHour {
		return today
	}
	return today.AddDate(0, 0, -1)
}

func (t *Tracker) getNextResetTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lastReset.Add(24 * time.Hour)
}

// checkAndResetIfNeeded rolls the counter over to a fresh window once the
// reset boundary has passed, and re-arms the once-per-window warn log.
func (t *Tracker) checkAndResetIfNeeded() {
	now := time.Now().UTC()
	nextReset := t.getNextResetTime()

	if now.After(nextReset) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if now.After(t.lastReset.Add(24 * time.Hour)) {
			atomic.StoreInt64(&t.used, 0)
			t.lastReset = getLastResetTime(now, t.resetHour)
			t.warnLogged = false
		}
	}
}

// logWarnOnce logs a budget-warning line at most once per reset window.
func (t *Tracker) logWarnOnce(used int64, rate float64) {
	t.mu.Lock()
	already := t.warnLogged
	t.warnLogged = true
	t.mu.Unlock()

	if !already {
		log.Warn().Str("provider", t.name).Int64("used", used).Int64("limit", t.limit).
			Float64("utilization", rate).Msg("provider budget warn threshold crossed")
	}
}

// Allow reports whether a request is currently within budget, without
// consuming any of it.
func (t *Tracker) Allow() error {
	t.checkAndResetIfNeeded()

	currentUsed := atomic.LoadInt64(&t.used)

	if currentUsed >= t.limit {
		return &BudgetExhaustedError{Provider: t.name, Used: currentUsed, Limit: t.limit, ETA: t.getNextResetTime()}
	}

	utilizationRate := float64(currentUsed) / float64(t.limit)
	if utilizationRate >= t.warnThreshold {
		t.logWarnOnce(currentUsed, utilizationRate)
		return &BudgetWarningError{Provider: t.name, Used: currentUsed, Limit: t.limit, Threshold: t.warnThreshold}
	}

	return nil
}

// Consume records one request against the budget and returns an error if
// that pushed usage past the hard limit or the warn threshold.
func (t *Tracker) Consume() error {
	t.checkAndResetIfNeeded()

	newUsed := atomic.AddInt64(&t.used, 1)

	if newUsed > t.limit {
		atomic.AddInt64(&t.used, -1)
		log.Error().Str("provider", t.name).Int64("limit", t.limit).Msg("provider budget exhausted, request rejected")
		return &BudgetExhaustedError{Provider: t.name, Used: newUsed - 1, Limit: t.limit, ETA: t.getNextResetTime()}
	}

	utilizationRate := float64(newUsed) / float64(t.limit)
	if utilizationRate >= t.warnThreshold {
		t.logWarnOnce(newUsed, utilizationRate)
		return &BudgetWarningError{Provider: t.name, Used: newUsed, Limit: t.limit, Threshold: t.warnThreshold}
	}

	return nil
}

// Stats returns a snapshot of the tracker's current usage.
func (t *Tracker) Stats() Stats {
	t.checkAndResetIfNeeded()

	t.mu.RLock()
	defer t.mu.RUnlock()

	currentUsed := atomic.LoadInt64(&t.used)
	utilizationRate := float64(currentUsed) / float64(t.limit)

	return Stats{
		Provider:        t.name,
		Limit:           t.limit,
		Used:            currentUsed,
		Remaining:       t.limit - currentUsed,
		UtilizationRate: utilizationRate,
		WarnThreshold:   t.warnThreshold,
		ResetHour:       t.resetHour,
		LastReset:       t.lastReset,
		NextReset:       t.getNextResetTime(),
		IsWarning:       utilizationRate >= t.warnThreshold,
		IsExhausted:     currentUsed >= t.limit,
	}
}

// Reset clears the usage counter and re-arms the warn log immediately,
// rather than waiting for the next scheduled boundary.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	atomic.StoreInt64(&t.used, 0)
	t.lastReset = time.Now().UTC()
	t.warnLogged = false
}

// SetLimit updates the daily budget limit.
func (t *Tracker) SetLimit(limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.limit = limit
}

// SetWarnThreshold updates the warning threshold; out-of-range values are
// ignored.
func (t *Tracker) SetWarnThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.warnThreshold = threshold
}

// Stats is a point-in-time snapshot of one Tracker.
type Stats struct {
	Provider        string    `json:"provider"`
	Limit           int64     `json:"limit"`
	Used            int64     `json:"used"`
	Remaining       int64     `json:"remaining"`
	UtilizationRate float64   `json:"utilization_rate"`
	WarnThreshold   float64   `json:"warn_threshold"`
	ResetHour       int       `json:"reset_hour"`
	LastReset       time.Time `json:"last_reset"`
	NextReset       time.Time `json:"next_reset"`
	IsWarning       bool      `json:"is_warning"`
	IsExhausted     bool      `json:"is_exhausted"`
}

// TimeToReset returns the duration until the next scheduled reset.
func (s *Stats) TimeToReset() time.Duration {
	return time.Until(s.NextReset)
}

// Manager owns one Tracker per upstream provider name.
type Manager struct {
	trackers map[string]*Tracker
	mu       sync.RWMutex
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		trackers: make(map[string]*Tracker),
	}
}

// AddProvider registers a Tracker for name.
func (m *Manager) AddProvider(name string, limit int64, resetHour int, warnThreshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackers[name] = NewTracker(name, limit, resetHour, warnThreshold)
}

// GetTracker returns the Tracker registered for provider, if any.
func (m *Manager) GetTracker(provider string) (*Tracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracker, exists := m.trackers[provider]
	return tracker, exists
}

// Allow checks provider's budget without consuming it. Providers with no
// tracker registered are always allowed.
func (m *Manager) Allow(provider string) error {
	tracker, exists := m.GetTracker(provider)
	if !exists {
		return nil
	}
	return tracker.Allow()
}

// Consume records one request against provider's budget. Providers with no
// tracker registered are never limited.
func (m *Manager) Consume(provider string) error {
	tracker, exists := m.GetTracker(provider)
	if !exists {
		return nil
	}
	return tracker.Consume()
}

// Stats returns every registered provider's Stats.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats)
	for provider, tracker := range m.trackers {
		stats[provider] = tracker.Stats()
	}
	return stats
}

// GetWarnings returns a human-readable line per provider over its warn
// threshold.
func (m *Manager) GetWarnings() []string {
	var warnings []string
	for provider, stat := range m.Stats() {
		if stat.IsWarning {
			warnings = append(warnings, fmt.Sprintf("%s (%.1f%% used)", provider, stat.UtilizationRate*100))
		}
	}
	return warnings
}

// GetExhausted returns a human-readable line per provider whose budget is
// exhausted.
func (m *Manager) GetExhausted() []string {
	var exhausted []string
	for provider, stat := range m.Stats() {
		if stat.IsExhausted {
			exhausted = append(exhausted, fmt.Sprintf("%s (%d/%d used, resets in %v)",
				provider, stat.Used, stat.Limit, stat.TimeToReset().Round(time.Minute)))
		}
	}
	return exhausted
}

// Reset resets every registered tracker.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tracker := range m.trackers {
		tracker.Reset()
	}
}
