package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/oddsapi"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]models.Event, error)
}

func (f *fakeFetcher) FetchEvents(ctx context.Context) ([]models.Event, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func staticFetcher(events ...models.Event) *fakeFetcher {
	return &fakeFetcher{fn: func(int) ([]models.Event, error) { return events, nil }}
}

type sentAlert struct {
	subscriber int64
	cond       models.WatchCondition
	match      models.MatchResult
}

type fakeNotifier struct {
	mu        sync.Mutex
	alerts    []sentAlert
	degraded  []int64
	recovered []int64
	failAll   bool
}

func (n *fakeNotifier) SendAlert(sub int64, c models.WatchCondition, m models.MatchResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, sentAlert{sub, c, m})
	if n.failAll {
		return errors.New("telegram unreachable")
	}
	return nil
}

func (n *fakeNotifier) SendDegraded(sub int64, cause error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.degraded = append(n.degraded, sub)
	if n.failAll {
		return errors.New("telegram unreachable")
	}
	return nil
}

func (n *fakeNotifier) SendRecovery(sub int64, failures int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered = append(n.recovered, sub)
	return nil
}

func (n *fakeNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fakeClock struct {
	now   time.Time
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testNow, waits: make(chan time.Duration), fire: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits <- d
	return c.fire
}

func newStore(t *testing.T) *storage.ConditionStore {
	t.Helper()
	b, err := storage.NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	s := storage.NewConditionStore(b, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMonitor(t *testing.T, f Fetcher, n Notifier) (*Monitor, *storage.ConditionStore) {
	t.Helper()
	s := newStore(t)
	m := New(f, s, n, metrics.New(), DefaultConfig())
	m.SetClock(&fakeClock{now: testNow})
	return m, s
}

func alcarazSinner(sinnerPrice float64) models.Event {
	e := ev("alcaraz-sinner", testNow.Add(time.Hour), 500)
	e.Home, e.Away = "Carlos Alcaraz", "Jannik Sinner"
	e.Sources = []models.Source{src("Betfair", q("Carlos Alcaraz", 1.50), q("Jannik Sinner", sinnerPrice))}
	return e
}

// ─── cycle semantics ─────────────────────────────────────────────────────────

func TestRunCycle_FiresAndRemoves(t *testing.T) {
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(2.60)), n)

	c, err := s.Add(100, "Sinner", 3.00)
	require.NoError(t, err)

	require.NoError(t, m.RunCycle(context.Background()))

	require.Len(t, n.alerts, 1)
	assert.Equal(t, int64(100), n.alerts[0].subscriber)
	assert.Equal(t, c.ID, n.alerts[0].cond.ID)
	assert.Equal(t, 2.60, n.alerts[0].match.Price)
	assert.Equal(t, "Jannik Sinner", n.alerts[0].match.Participant)
	assert.Empty(t, s.List(100))
	assert.Equal(t, Idle, m.State())
}

func TestRunCycle_AtMostOnce(t *testing.T) {
	prices := []float64{3.40, 3.20, 2.90, 2.70, 2.50}
	f := &fakeFetcher{fn: func(call int) ([]models.Event, error) {
		i := call - 1
		if i >= len(prices) {
			i = len(prices) - 1
		}
		return []models.Event{alcarazSinner(prices[i])}, nil
	}}
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, f, n)

	_, err := s.Add(1, "sinner", 3.00)
	require.NoError(t, err)

	for cycle := 1; cycle <= 6; cycle++ {
		require.NoError(t, m.RunCycle(context.Background()))
		if cycle < 3 {
			assert.Equal(t, 0, n.alertCount(), "cycle %d fired early", cycle)
			assert.Len(t, s.List(1), 1)
		} else {
			assert.Equal(t, 1, n.alertCount(), "cycle %d", cycle)
			assert.Empty(t, s.List(1), "cycle %d", cycle)
		}
	}
	assert.Equal(t, 2.90, n.alerts[0].match.Price)
}

func TestRunCycle_DuplicatesAreIndependent(t *testing.T) {
	e := ev("fritz-ruud", testNow.Add(2*time.Hour), 300)
	e.Sources = []models.Source{src("Betfair", q("Taylor Fritz", 2.80), q("Casper Ruud", 1.45))}
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(e), n)

	loose, err := s.Add(1, "Fritz", 3.10)
	require.NoError(t, err)
	tight, err := s.Add(1, "Fritz", 2.50)
	require.NoError(t, err)

	require.NoError(t, m.RunCycle(context.Background()))

	require.Len(t, n.alerts, 1)
	assert.Equal(t, loose.ID, n.alerts[0].cond.ID, "2.80 satisfies only the 3.10 threshold")
	left := s.List(1)
	require.Len(t, left, 1)
	assert.Equal(t, tight.ID, left[0].ID, "sibling duplicate stays live")

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Len(t, n.alerts, 1)
	assert.Len(t, s.List(1), 1)
}

func TestRunCycle_DeliveryFailureStillRemoves(t *testing.T) {
	n := &fakeNotifier{failAll: true}
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(2.60)), n)
	_, _ = s.Add(1, "Sinner", 3.00)

	require.NoError(t, m.RunCycle(context.Background()))
	require.NoError(t, m.RunCycle(context.Background()))

	assert.Equal(t, 1, n.alertCount(), "no re-notification after a failed push")
	assert.Empty(t, s.List(1))
}

func TestRunCycle_OutsideSelectionDoesNotMatch(t *testing.T) {
	far := alcarazSinner(1.01)
	far.Start = testNow.Add(4 * 24 * time.Hour)
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(far), n)
	_, _ = s.Add(1, "Sinner", 3.00)

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Equal(t, 0, n.alertCount())
	assert.Len(t, s.List(1), 1)
}

func TestRunCycle_MatcherPanicIsIsolated(t *testing.T) {
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(2.60)), n)
	m.match = func(events []models.Event, c models.WatchCondition) (models.MatchResult, bool) {
		if c.Surname == "Boom" {
			panic("malformed event")
		}
		return Match(events, c)
	}

	_, _ = s.Add(1, "Boom", 3.00)
	_, _ = s.Add(2, "Sinner", 3.00)

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Equal(t, 1, n.alertCount())
	assert.Len(t, s.List(1), 1, "condition whose evaluation failed stays live")
	assert.Empty(t, s.List(2))
}

func TestRunCycle_FetchFailureSendsDegradedOnce(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([]models.Event, error) {
		return nil, fmt.Errorf("%w: timeout", oddsapi.ErrUpstreamUnavailable)
	}}
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, f, n)
	_, _ = s.Add(1, "Sinner", 3.00)
	_, _ = s.Add(1, "Fritz", 3.00)
	_, _ = s.Add(2, "Ruud", 3.00)

	err := m.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.True(t, errors.Is(err, oddsapi.ErrUpstreamUnavailable))

	assert.Equal(t, []int64{1, 2}, n.degraded, "one notice per affected subscriber")
	assert.Equal(t, 3, s.Count(), "conditions untouched")
	assert.Equal(t, 1, f.calls, "no retry within a cycle")
}

func TestRunCycle_RecoveryAfterFailures(t *testing.T) {
	f := &fakeFetcher{fn: func(call int) ([]models.Event, error) {
		if call <= 2 {
			return nil, oddsapi.ErrUpstreamUnavailable
		}
		return []models.Event{alcarazSinner(3.50)}, nil
	}}
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, f, n)
	_, _ = s.Add(7, "Sinner", 3.00)

	assert.Error(t, m.RunCycle(context.Background()))
	assert.Error(t, m.RunCycle(context.Background()))
	assert.NoError(t, m.RunCycle(context.Background()))
	assert.NoError(t, m.RunCycle(context.Background()))

	assert.Equal(t, []int64{7, 7}, n.degraded)
	assert.Equal(t, []int64{7}, n.recovered, "recovery is announced once")
}

func TestRunCycle_NilNotifier(t *testing.T) {
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(2.60)), nil)
	_, _ = s.Add(1, "Sinner", 3.00)

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Empty(t, s.List(1))
}

// ─── single checks ───────────────────────────────────────────────────────────

func TestCheckCondition(t *testing.T) {
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(2.60)), n)

	c, _ := s.Add(1, "Sinner", 3.00)
	sibling, _ := s.Add(1, "Sinner", 3.00)

	fired, err := m.CheckCondition(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = m.CheckCondition(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, fired, "an instance can only fire once")

	assert.Equal(t, 1, n.alertCount())
	left := s.List(1)
	require.Len(t, left, 1)
	assert.Equal(t, sibling.ID, left[0].ID)
}

func TestCheckCondition_NoMatch(t *testing.T) {
	n := &fakeNotifier{}
	m, s := newTestMonitor(t, staticFetcher(alcarazSinner(3.60)), n)
	c, _ := s.Add(1, "Sinner", 3.00)

	fired, err := m.CheckCondition(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Len(t, s.List(1), 1)
}

func TestTopEvents(t *testing.T) {
	late := alcarazSinner(2.0)
	late.ID, late.Score = "late", 100
	m, _ := newTestMonitor(t, staticFetcher(late, alcarazSinner(2.6)), nil)

	events, err := m.TopEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alcaraz-sinner", "late"}, ids(events))
}

// ─── scheduler ───────────────────────────────────────────────────────────────

func TestRun_BacksOffAfterFailures(t *testing.T) {
	f := &fakeFetcher{fn: func(int) ([]models.Event, error) {
		return nil, oddsapi.ErrUpstreamUnavailable
	}}
	n := &fakeNotifier{}
	s := newStore(t)
	_, _ = s.Add(1, "Sinner", 3.00)
	_, _ = s.Add(2, "Fritz", 3.00)

	clock := newFakeClock()
	m := New(f, s, n, nil, DefaultConfig())
	m.SetClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		wait := <-clock.waits
		assert.Equal(t, 60*time.Second, wait, "cycle %d", i+1)
		if i < 2 {
			clock.fire <- testNow
		}
	}
	cancel()
	<-done

	assert.Equal(t, 3, f.calls)
	assert.Equal(t, []int64{1, 2, 1, 2, 1, 2}, n.degraded, "exactly one notice per subscriber per failed cycle")
	assert.Equal(t, Stopped, m.State())
}

func TestRun_PollsAtIntervalAfterSuccess(t *testing.T) {
	f := &fakeFetcher{fn: func(call int) ([]models.Event, error) {
		if call == 2 {
			return nil, oddsapi.ErrUpstreamRejected
		}
		return nil, nil
	}}
	clock := newFakeClock()
	m := New(f, newStore(t), nil, nil, DefaultConfig())
	m.SetClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Equal(t, 10*time.Second, <-clock.waits)
	clock.fire <- testNow
	assert.Equal(t, 60*time.Second, <-clock.waits)
	clock.fire <- testNow
	assert.Equal(t, 10*time.Second, <-clock.waits)
	cancel()
	<-done
}

func TestRun_FinishesCycleInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(int) ([]models.Event, error) {
		close(started)
		<-release
		return []models.Event{alcarazSinner(2.60)}, nil
	}}
	n := &fakeNotifier{}
	s := newStore(t)
	_, _ = s.Add(1, "Sinner", 3.00)

	clock := newFakeClock()
	clock.waits = make(chan time.Duration, 1)
	m := New(f, s, n, nil, DefaultConfig())
	m.SetClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	<-started
	assert.Equal(t, Evaluating, m.State())
	cancel()
	close(release)
	<-done

	assert.Equal(t, 1, n.alertCount(), "cancelled loop still completes the running cycle")
	assert.Empty(t, s.List(1))
	assert.Equal(t, 1, f.calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "evaluating", Evaluating.String())
	assert.Equal(t, "stopped", Stopped.String())
}
