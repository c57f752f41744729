// Package monitor selects the interesting events of each catalogue refresh
// and evaluates every live watch condition against them.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/oddsapi"
)

// Fetcher returns the current raw catalogue.
type Fetcher interface {
	FetchEvents(ctx context.Context) ([]models.Event, error)
}

// ConditionStore is the subset of the condition store the loop needs.
type ConditionStore interface {
	Snapshot() map[int64][]models.WatchCondition
	RemoveOne(cond models.WatchCondition) (bool, error)
	Subscribers() []int64
}

// Notifier delivers messages to subscribers.
type Notifier interface {
	SendAlert(subscriber int64, cond models.WatchCondition, match models.MatchResult) error
	SendDegraded(subscriber int64, cause error) error
	SendRecovery(subscriber int64, failures int) error
}

type Config struct {
	PollInterval    time.Duration
	BackoffInterval time.Duration
	Window          time.Duration
	TopN            int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		BackoffInterval: 60 * time.Second,
		Window:          72 * time.Hour,
		TopN:            7,
	}
}

// State is the scheduler state.
type State int32

const (
	Idle State = iota
	Evaluating
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrFetch wraps catalogue failures returned by RunCycle, TopEvents and CheckCondition.
var ErrFetch = errors.New("catalogue fetch failed")

type Monitor struct {
	fetcher  Fetcher
	store    ConditionStore
	notifier Notifier
	metrics  *metrics.Registry
	config   Config
	clock    Clock
	match    func([]models.Event, models.WatchCondition) (models.MatchResult, bool)

	state atomic.Int32

	// cycleMu serializes whole cycles; failures is only touched under it.
	cycleMu  sync.Mutex
	failures int
}

// New creates a Monitor. notifier and m may be nil.
func New(fetcher Fetcher, store ConditionStore, notifier Notifier, m *metrics.Registry, config Config) *Monitor {
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		notifier: notifier,
		metrics:  m,
		config:   config,
		clock:    RealClock(),
		match:    Match,
	}
}

// SetClock replaces the scheduler clock.
func (m *Monitor) SetClock(c Clock) {
	m.clock = c
}

// State returns the current scheduler state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately; afterwards the loop waits PollInterval, or BackoffInterval
// after a cycle whose fetch failed. Cancellation is only observed between
// cycles: a running cycle always completes.
func (m *Monitor) Run(ctx context.Context) {
	defer m.state.Store(int32(Stopped))

	logger.Info("Starting watch loop (interval: %v, backoff: %v, window: %v, top_n: %d)",
		m.config.PollInterval, m.config.BackoffInterval, m.config.Window, m.config.TopN)

	var wait time.Duration
	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				logger.Info("Watch loop stopped")
				return
			case <-m.clock.After(wait):
			}
		}
		if ctx.Err() != nil {
			logger.Info("Watch loop stopped")
			return
		}

		wait = m.config.PollInterval
		if err := m.RunCycle(context.WithoutCancel(ctx)); err != nil {
			wait = m.config.BackoffInterval
			logger.Info("Backing off for %v after failed cycle", wait)
		}
	}
}

// RunCycle performs one fetch, select and evaluate pass. It returns an error
// only when the catalogue could not be fetched, in which case no condition
// is evaluated and every subscriber with live conditions gets one degraded notice.
func (m *Monitor) RunCycle(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.state.Store(int32(Evaluating))
	defer m.state.Store(int32(Idle))

	startTime := time.Now()
	logger.Debug("Starting watch cycle")

	events, err := m.selectEvents(ctx)
	if err != nil {
		m.failures++
		logger.Error("Watch cycle failed: %v", err)
		m.broadcastDegraded(err)
		m.metrics.CycleCompleted("fetch_failed", time.Since(startTime))
		return err
	}

	if m.failures > 0 {
		m.broadcastRecovery(m.failures)
		m.failures = 0
	}

	snapshot := m.store.Snapshot()
	subscribers := make([]int64, 0, len(snapshot))
	for sub := range snapshot {
		subscribers = append(subscribers, sub)
	}
	sort.Slice(subscribers, func(i, j int) bool { return subscribers[i] < subscribers[j] })

	evaluated, fired := 0, 0
	for _, sub := range subscribers {
		for _, cond := range snapshot[sub] {
			evaluated++
			if m.evaluate(events, cond) {
				fired++
			}
		}
	}

	m.metrics.CycleCompleted("ok", time.Since(startTime))
	logger.Info("Watch cycle completed in %v: %d events, %d conditions evaluated, %d alerts fired",
		time.Since(startTime), len(events), evaluated, fired)
	return nil
}

// TopEvents fetches the catalogue and returns the current selection.
func (m *Monitor) TopEvents(ctx context.Context) ([]models.Event, error) {
	return m.selectEvents(ctx)
}

// CheckCondition evaluates a single condition against a fresh selection,
// firing and removing it on a match. It reports whether the condition fired.
func (m *Monitor) CheckCondition(ctx context.Context, cond models.WatchCondition) (bool, error) {
	events, err := m.selectEvents(ctx)
	if err != nil {
		return false, err
	}
	return m.evaluate(events, cond), nil
}

func (m *Monitor) selectEvents(ctx context.Context) ([]models.Event, error) {
	raw, err := m.fetcher.FetchEvents(ctx)
	if err != nil {
		m.metrics.FetchFailed(oddsapi.Kind(err))
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	now := m.clock.Now().UTC()
	selected := Select(raw, now, m.config.Window, m.config.TopN)
	logger.Debug("Selected %d of %d catalogue events", len(selected), len(raw))
	return selected, nil
}

// evaluate matches one condition and fires it. The condition is claimed by
// removing it from the store before delivery, so concurrent evaluators of the
// same instance cannot both alert, and delivery failure does not resurrect it.
func (m *Monitor) evaluate(events []models.Event, cond models.WatchCondition) bool {
	match, ok, err := m.safeMatch(events, cond)
	if err != nil {
		logger.Error("Failed to evaluate condition %s (%s ≤ %v) for %d: %v",
			cond.ID, cond.Surname, cond.Threshold, cond.Subscriber, err)
		return false
	}
	if !ok {
		return false
	}

	removed, err := m.store.RemoveOne(cond)
	if err != nil {
		logger.Warn("Condition %s removed from memory but not persisted: %v", cond.ID, err)
	}
	if !removed {
		logger.Debug("Condition %s already removed, skipping alert", cond.ID)
		return false
	}

	m.metrics.AlertFired()
	logger.Info("Condition %s fired for %d: %s at %v (≤ %v) from %s",
		cond.ID, cond.Subscriber, match.Participant, match.Price, cond.Threshold, match.Source)

	if m.notifier == nil {
		return true
	}
	if err := m.notifier.SendAlert(cond.Subscriber, cond, match); err != nil {
		m.metrics.DeliveryFailed()
		logger.Error("Failed to deliver alert for condition %s to %d: %v", cond.ID, cond.Subscriber, err)
	}
	return true
}

func (m *Monitor) safeMatch(events []models.Event, cond models.WatchCondition) (res models.MatchResult, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher panic: %v", r)
		}
	}()
	res, ok = m.match(events, cond)
	return res, ok, nil
}

func (m *Monitor) broadcastDegraded(cause error) {
	if m.notifier == nil {
		return
	}
	for _, sub := range m.store.Subscribers() {
		if err := m.notifier.SendDegraded(sub, cause); err != nil {
			m.metrics.DeliveryFailed()
			logger.Warn("Failed to send degraded notice to %d: %v", sub, err)
		}
	}
}

func (m *Monitor) broadcastRecovery(failures int) {
	if m.notifier == nil {
		return
	}
	for _, sub := range m.store.Subscribers() {
		if err := m.notifier.SendRecovery(sub, failures); err != nil {
			m.metrics.DeliveryFailed()
			logger.Warn("Failed to send recovery notice to %d: %v", sub, err)
		}
	}
}
