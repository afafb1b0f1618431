package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	syncengine "github.com/tildaslashalef/recipebox/internal/sync"
)

// fakeClock hands control of both timers to the test
type fakeClock struct {
	ticks     chan time.Time
	scheduled chan time.Duration

	mu        sync.Mutex
	callbacks []func()
	stopped   int
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		ticks:     make(chan time.Time),
		scheduled: make(chan time.Duration, 16),
	}
}

func (c *fakeClock) Every(time.Duration) (<-chan time.Time, func()) {
	return c.ticks, func() {}
}

func (c *fakeClock) After(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, f)
	c.mu.Unlock()
	c.scheduled <- d
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped++
		return true
	}
}

// fire runs the most recently scheduled callback
func (c *fakeClock) fire() {
	c.mu.Lock()
	f := c.callbacks[len(c.callbacks)-1]
	c.mu.Unlock()
	f()
}

func (c *fakeClock) tick() {
	c.ticks <- time.Now()
}

// fakeConn lets the test push connectivity values
type fakeConn struct {
	updates chan bool
}

func (c *fakeConn) Subscribe(ctx context.Context) <-chan bool {
	return c.updates
}

type fakeBattery struct {
	mu       sync.Mutex
	critical bool
}

func (b *fakeBattery) Critical() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.critical
}

// scriptedRunner fails the runs whose index is in fail
type scriptedRunner struct {
	mu      sync.Mutex
	calls   chan syncengine.Trigger
	n       int
	fail    map[int]bool
	skipped map[int]bool
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		calls:   make(chan syncengine.Trigger, 32),
		fail:    map[int]bool{},
		skipped: map[int]bool{},
	}
}

func (r *scriptedRunner) RunOnce(ctx context.Context) (*syncengine.Result, error) {
	r.mu.Lock()
	r.n++
	n := r.n
	fail, skipped := r.fail[n], r.skipped[n]
	r.mu.Unlock()

	trigger := syncengine.TriggerFrom(ctx)
	r.calls <- trigger

	result := &syncengine.Result{Trigger: trigger, Skipped: skipped}
	if fail {
		result.KindsFailed = []outbox.Kind{outbox.KindPost}
	}
	return result, nil
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:          30 * time.Minute,
		BackoffSeed:       30 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        30 * time.Minute,
		RunTimeout:        time.Minute,
	}
}

type harness struct {
	sched   *Scheduler
	clock   *fakeClock
	conn    *fakeConn
	battery *fakeBattery
	runner  *scriptedRunner
	cancel  context.CancelFunc
	done    chan error
}

func startScheduler(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		conn:    &fakeConn{updates: make(chan bool)},
		battery: &fakeBattery{},
		runner:  newScriptedRunner(),
		done:    make(chan error, 1),
	}
	h.sched = New(h.runner, h.conn, h.battery, h.clock, testSyncConfig(), loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) setOnline(v bool) {
	h.conn.updates <- v
}

func (h *harness) expectRun(t *testing.T, want syncengine.Trigger) {
	t.Helper()
	select {
	case got := <-h.runner.calls:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a %s run", want)
	}
}

func (h *harness) expectNoRun(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.runner.calls:
		t.Fatalf("unexpected %s run", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) expectRetry(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-h.clock.scheduled:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("expected a retry to be scheduled")
		return 0
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sched.Status().State == want }, 2*time.Second, time.Millisecond,
		"state never became %s", want)
}

func TestScheduler_PeriodicRunWhenOnline(t *testing.T) {
	h := startScheduler(t)
	h.setOnline(true)

	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	h.waitState(t, StateIdle)

	st := h.sched.Status()
	assert.True(t, st.Online)
	assert.Zero(t, st.ConsecutiveFailures)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, syncengine.TriggerPeriodic, st.LastResult.Trigger)
}

func TestScheduler_PeriodicRunIsGated(t *testing.T) {
	h := startScheduler(t)

	h.setOnline(false)
	h.clock.tick()
	h.expectNoRun(t)

	h.battery.mu.Lock()
	h.battery.critical = true
	h.battery.mu.Unlock()

	h.conn.updates <- true
	h.clock.tick()
	h.expectNoRun(t)
	assert.Equal(t, StateIdle, h.sched.Status().State)
}

func TestScheduler_ReconnectTriggersExactlyOneRun(t *testing.T) {
	h := startScheduler(t)

	h.setOnline(false)
	h.expectNoRun(t)

	h.setOnline(true)
	h.expectRun(t, syncengine.TriggerReconnect)
	h.expectNoRun(t)

	// Staying online is not an edge
	h.setOnline(true)
	h.expectNoRun(t)
}

func TestScheduler_InitialOnlineIsNotAnEdge(t *testing.T) {
	h := startScheduler(t)
	h.setOnline(true)
	h.expectNoRun(t)
}

func TestScheduler_BackoffGrowsAndResets(t *testing.T) {
	h := startScheduler(t)
	h.runner.fail[1] = true
	h.runner.fail[2] = true
	h.runner.fail[3] = true
	h.runner.fail[5] = true

	h.setOnline(true)
	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)

	var delays []time.Duration
	delays = append(delays, h.expectRetry(t))
	assert.Equal(t, StateBackoff, h.sched.Status().State)

	for i := 0; i < 2; i++ {
		h.clock.fire()
		h.expectRun(t, syncengine.TriggerRetry)
		delays = append(delays, h.expectRetry(t))
	}
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}, delays)
	assert.Equal(t, 3, h.sched.Status().ConsecutiveFailures)
	assert.Equal(t, 2*time.Minute, h.sched.Status().NextRetry)

	// Fourth run succeeds and resets the policy
	h.clock.fire()
	h.expectRun(t, syncengine.TriggerRetry)
	h.waitState(t, StateIdle)
	assert.Zero(t, h.sched.Status().ConsecutiveFailures)
	assert.Zero(t, h.sched.Status().NextRetry)

	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	assert.Equal(t, 30*time.Second, h.expectRetry(t), "delay starts from the seed again")
}

func TestScheduler_BackoffIsCapped(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BackoffCap = 90 * time.Second
	b := newBackOff(cfg)

	assert.Equal(t, 30*time.Second, b.NextBackOff())
	assert.Equal(t, 60*time.Second, b.NextBackOff())
	assert.Equal(t, 90*time.Second, b.NextBackOff())
	assert.Equal(t, 90*time.Second, b.NextBackOff())
}

func TestScheduler_OfflineAbandonsRetry(t *testing.T) {
	h := startScheduler(t)
	h.runner.fail[1] = true

	h.setOnline(true)
	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	h.expectRetry(t)

	h.setOnline(false)
	h.waitState(t, StateIdle)

	// A timer that fires after cancellation must not start a run
	h.clock.fire()
	h.expectNoRun(t)

	h.setOnline(true)
	h.expectRun(t, syncengine.TriggerReconnect)
	h.waitState(t, StateIdle)
}

func TestScheduler_PeriodicRunSupersedesRetry(t *testing.T) {
	h := startScheduler(t)
	h.runner.fail[1] = true

	h.setOnline(true)
	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	h.expectRetry(t)

	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	h.waitState(t, StateIdle)

	h.clock.fire()
	h.expectNoRun(t)
}

func TestScheduler_SkippedRunLeavesStateAlone(t *testing.T) {
	h := startScheduler(t)
	h.runner.skipped[1] = true

	h.setOnline(true)
	h.clock.tick()
	h.expectRun(t, syncengine.TriggerPeriodic)
	h.expectNoRun(t)

	st := h.sched.Status()
	assert.Nil(t, st.LastResult, "absorbed trigger is not a completed run")
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestScheduler_TriggerNowIgnoresGates(t *testing.T) {
	h := startScheduler(t)
	h.setOnline(false)

	result, err := h.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncengine.TriggerManual, result.Trigger)
	h.expectRun(t, syncengine.TriggerManual)
	assert.Equal(t, StateIdle, h.sched.Status().State)
}

func TestScheduler_RunTwice(t *testing.T) {
	h := startScheduler(t)
	h.setOnline(true)
	assert.ErrorIs(t, h.sched.Run(context.Background()), ErrAlreadyStarted)
}

type errRunner struct{}

func (errRunner) RunOnce(ctx context.Context) (*syncengine.Result, error) {
	return &syncengine.Result{Trigger: syncengine.TriggerFrom(ctx)}, errors.New("syncing post: not found")
}

func TestScheduler_FatalErrorBacksOff(t *testing.T) {
	clock := newFakeClock()
	conn := &fakeConn{updates: make(chan bool)}
	sched := New(errRunner{}, conn, nil, clock, testSyncConfig(), loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn.updates <- true
	_, err := sched.TriggerNow(context.Background())
	require.Error(t, err)

	select {
	case d := <-clock.scheduled:
		assert.Equal(t, 30*time.Second, d)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a retry")
	}
	st := sched.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.EqualError(t, st.LastError, "syncing post: not found")
}
