// Package scheduler decides when the sync engine runs: on a fixed interval,
// right after the device reconnects, and with exponential backoff after a
// failed run.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/device"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	syncengine "github.com/tildaslashalef/recipebox/internal/sync"
)

// ErrAlreadyStarted is returned when Run is called twice
var ErrAlreadyStarted = errors.New("scheduler already started")

// State is the scheduler's position in its state machine
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateBackoff   State = "backoff"
)

// Runner executes one sync pass
type Runner interface {
	RunOnce(ctx context.Context) (*syncengine.Result, error)
}

// Connectivity publishes online/offline edges
type Connectivity interface {
	Subscribe(ctx context.Context) <-chan bool
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State               State
	Online              bool
	LastResult          *syncengine.Result
	LastError           error
	LastRunAt           time.Time
	ConsecutiveFailures int
	NextRetry           time.Duration // zero unless in backoff
}

// Scheduler drives a Runner from timers and connectivity changes
type Scheduler struct {
	runner  Runner
	conn    Connectivity
	battery device.Battery
	clock   Clock
	cfg     config.SyncConfig
	logger  *loggy.Logger

	mu          sync.Mutex
	started     bool
	base        context.Context
	state       State
	online      bool
	seenOnline  bool
	backoff     *backoff.ExponentialBackOff
	retryDelay  time.Duration
	cancelRetry func() bool
	retryGen    uint64
	failures    int
	lastResult  *syncengine.Result
	lastErr     error
	lastRunAt   time.Time

	runs sync.WaitGroup
}

// New creates a scheduler. battery and clock may be nil.
func New(runner Runner, conn Connectivity, battery device.Battery, clock Clock, cfg config.SyncConfig, logger *loggy.Logger) *Scheduler {
	if battery == nil {
		battery = device.AlwaysPowered{}
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		runner:  runner,
		conn:    conn,
		battery: battery,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
		backoff: newBackOff(cfg),
	}
}

// newBackOff builds a deterministic exponential policy: no jitter, no
// overall deadline
func newBackOff(cfg config.SyncConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffSeed
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.BackoffCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run arms the periodic trigger and follows connectivity until ctx is done.
// It then waits for any run in progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.base = context.WithoutCancel(ctx)
	s.mu.Unlock()

	ticks, stop := s.clock.Every(s.cfg.Interval)
	defer stop()
	updates := s.conn.Subscribe(ctx)

	s.logger.Info("Scheduler started", "interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelRetryLocked()
			s.mu.Unlock()
			s.runs.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticks:
			s.trigger(syncengine.TriggerPeriodic)
		case online, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.setOnline(online)
		}
	}
}

// TriggerNow runs the engine immediately in the calling goroutine, ignoring
// the connectivity and battery gates
func (s *Scheduler) TriggerNow(ctx context.Context) (*syncengine.Result, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.state = StateScheduled
	}
	s.mu.Unlock()

	s.runs.Add(1)
	return s.execute(context.WithoutCancel(ctx), syncengine.TriggerManual)
}

// Status returns a snapshot of the scheduler
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:               s.state,
		Online:              s.online,
		LastResult:          s.lastResult,
		LastError:           s.lastErr,
		LastRunAt:           s.lastRunAt,
		ConsecutiveFailures: s.failures,
	}
	if s.state == StateBackoff {
		st.NextRetry = s.retryDelay
	}
	return st
}

func (s *Scheduler) setOnline(online bool) {
	s.mu.Lock()
	reconnected := s.seenOnline && !s.online && online
	s.online = online
	s.seenOnline = true

	if !online && s.cancelRetry != nil {
		s.cancelRetryLocked()
		if s.state == StateBackoff {
			s.state = StateIdle
		}
		s.logger.Info("Offline, pending retry abandoned until reconnect")
	}
	s.mu.Unlock()

	if reconnected {
		s.logger.Info("Reconnected, starting sync")
		s.trigger(syncengine.TriggerReconnect)
	}
}

// trigger starts a gated background run and reports whether it started
func (s *Scheduler) trigger(t syncengine.Trigger) bool {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		s.logger.Debug("Sync trigger ignored while offline", "trigger", t)
		return false
	}
	if s.battery.Critical() {
		s.mu.Unlock()
		s.logger.Info("Sync trigger ignored, battery critical", "trigger", t)
		return false
	}
	if s.state != StateRunning {
		s.state = StateScheduled
	}
	base := s.base
	s.mu.Unlock()

	if base == nil {
		base = context.Background()
	}
	s.runs.Add(1)
	go s.execute(base, t)
	return true
}

// execute runs the engine once and applies the outcome. The caller must have
// called s.runs.Add(1).
func (s *Scheduler) execute(base context.Context, t syncengine.Trigger) (*syncengine.Result, error) {
	defer s.runs.Done()

	s.mu.Lock()
	s.cancelRetryLocked()
	s.state = StateRunning
	s.mu.Unlock()

	ctx := syncengine.WithTrigger(base, t)
	var cancel context.CancelFunc = func() {}
	if s.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
	}
	result, err := s.runner.RunOnce(ctx)
	cancel()

	s.finish(t, result, err)
	return result, err
}

func (s *Scheduler) finish(t syncengine.Trigger, result *syncengine.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && result != nil && result.Skipped {
		// The run that absorbed this trigger owns the state
		s.logger.Debug("Sync trigger absorbed by run in progress", "trigger", t)
		return
	}

	s.lastResult = result
	s.lastErr = err
	s.lastRunAt = time.Now()

	if err == nil && !result.HasFailures() {
		s.failures = 0
		s.backoff.Reset()
		s.retryDelay = 0
		s.state = StateIdle
		return
	}

	s.failures++
	if !s.online {
		s.state = StateIdle
		s.logger.Warn("Sync run failed while offline, waiting for reconnect", "trigger", t, "failures", s.failures, "error", err)
		return
	}

	delay := s.backoff.NextBackOff()
	s.retryDelay = delay
	s.state = StateBackoff
	s.retryGen++
	gen := s.retryGen
	s.cancelRetry = s.clock.After(delay, func() { s.onRetry(gen) })
	s.logger.Warn("Sync run failed, retry scheduled", "trigger", t, "failures", s.failures, "delay", delay, "error", err)
}

func (s *Scheduler) onRetry(gen uint64) {
	s.mu.Lock()
	if gen != s.retryGen || s.state != StateBackoff {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	s.mu.Unlock()

	if !s.trigger(syncengine.TriggerRetry) {
		s.mu.Lock()
		if s.state == StateBackoff {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}
}

// cancelRetryLocked drops any pending retry. s.mu must be held.
func (s *Scheduler) cancelRetryLocked() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.retryGen++
}
