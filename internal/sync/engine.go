package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/ulid"
)

var (
	// ErrDependencyPending means the referenced post has not synced yet
	ErrDependencyPending = errors.New("referenced post is not synced yet")
	// ErrDependencyFailed means the referenced post was dead-lettered or is gone
	ErrDependencyFailed = errors.New("referenced post cannot be synced")
)

// Store is the part of the outbox the engine drains
type Store interface {
	Get(ctx context.Context, localID int64) (*outbox.Operation, error)
	ListPending(ctx context.Context, kind outbox.Kind) ([]*outbox.Operation, error)
	MarkSynced(ctx context.Context, localID int64, remoteID string) error
	IncrementAttempts(ctx context.Context, localID int64, lastErr string) (int, error)
	MarkFailed(ctx context.Context, localID int64, reason string) error
}

// Gateway delivers one operation and returns the server-assigned id
type Gateway interface {
	Send(ctx context.Context, op *outbox.Operation) (string, error)
}

// RunRecorder persists finished runs
type RunRecorder interface {
	CreateRun(ctx context.Context, result *Result, runErr error) error
}

// EngineConfig tunes the engine
type EngineConfig struct {
	// MaxAttempts dead-letters an operation after this many failed
	// deliveries. Zero retries forever.
	MaxAttempts int

	// Lease, when set, is held for the duration of every run so that other
	// processes on the same database skip instead of sending twice
	Lease    Lease
	LeaseTTL time.Duration
}

const defaultLeaseTTL = 10 * time.Minute

// Engine drains pending operations kind by kind
type Engine struct {
	store       Store
	gateway     Gateway
	runs        RunRecorder
	maxAttempts int
	lease       Lease
	leaseTTL    time.Duration
	logger      *loggy.Logger
	running     atomic.Bool
	now         func() time.Time
}

// NewEngine creates a sync engine. runs may be nil.
func NewEngine(store Store, gateway Gateway, runs RunRecorder, cfg EngineConfig, logger *loggy.Logger) *Engine {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Engine{
		store:       store,
		gateway:     gateway,
		runs:        runs,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		leaseTTL:    ttl,
		logger:      logger,
		now:         time.Now,
	}
}

// IsRunning reports whether a run is in progress
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// RunOnce processes every kind in dependency order. A call made while
// another run is in progress, in this process or in another one holding the
// lease, returns immediately with Skipped set.
//
// Within a kind, items go out oldest first and the first failure stops the
// kind for this run. Store errors abort the kind and are joined into the
// returned error; delivery failures are only reflected in the Result.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	trigger := TriggerFrom(ctx)
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("Sync run skipped, another run is in progress", "trigger", trigger)
		return &Result{Trigger: trigger, Skipped: true, StartedAt: e.now()}, nil
	}
	defer e.running.Store(false)

	result := &Result{
		RunID:     ulid.RunID(),
		Trigger:   trigger,
		StartedAt: e.now(),
	}
	ctx = loggy.WithRunID(ctx, e.logger, result.RunID.String())
	logger := loggy.FromContext(ctx)

	if e.lease != nil {
		holder := result.RunID.String()
		held, err := e.lease.Acquire(ctx, holder, e.leaseTTL)
		if err != nil {
			return &Result{Trigger: trigger, StartedAt: result.StartedAt}, fmt.Errorf("acquiring sync lease: %w", err)
		}
		if !held {
			logger.Info("Sync run skipped, another process is syncing", "trigger", trigger)
			return &Result{Trigger: trigger, Skipped: true, StartedAt: result.StartedAt}, nil
		}
		defer e.releaseLease(ctx, holder)
	}

	logger.Info("Sync run started", "trigger", trigger)

	var errs []error
	for _, kind := range outbox.Kinds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result.KindsAttempted = append(result.KindsAttempted, kind)
		drained, err := e.syncKind(ctx, kind, result)
		if err != nil {
			logger.Error("Sync aborted for kind", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("syncing %s: %w", kind, err))
		}
		if drained && err == nil {
			result.KindsSynced = append(result.KindsSynced, kind)
		} else {
			result.KindsFailed = append(result.KindsFailed, kind)
		}
	}

	result.Duration = e.now().Sub(result.StartedAt)
	runErr := errors.Join(errs...)
	e.record(ctx, result, runErr)

	logger.Info("Sync run finished",
		"items_synced", result.ItemsSynced,
		"items_failed", result.ItemsFailed,
		"dead_lettered", result.DeadLettered,
		"kinds_failed", len(result.KindsFailed),
		"duration", result.Duration)

	return result, runErr
}

// syncKind returns true when every pending item of kind was delivered
func (e *Engine) syncKind(ctx context.Context, kind outbox.Kind, result *Result) (bool, error) {
	logger := loggy.FromContext(ctx)

	ops, err := e.store.ListPending(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("listing pending: %w", err)
	}
	if len(ops) == 0 {
		return true, nil
	}
	logger.Debug("Syncing kind", "kind", kind, "pending", len(ops))

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		remoteID, sendErr := e.deliver(ctx, op)
		if sendErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			if err := e.fail(ctx, op, sendErr, result); err != nil {
				return false, err
			}
			return false, nil
		}

		if err := e.store.MarkSynced(ctx, op.LocalID, remoteID); err != nil {
			return false, fmt.Errorf("marking %d synced: %w", op.LocalID, err)
		}
		result.ItemsSynced++
		logger.Debug("Operation synced", "kind", kind, "local_id", op.LocalID, "remote_id", remoteID)
	}
	return true, nil
}

func (e *Engine) deliver(ctx context.Context, op *outbox.Operation) (string, error) {
	target, err := e.resolve(ctx, op)
	if err != nil {
		return "", err
	}
	remoteID, err := e.gateway.Send(ctx, target)
	if err != nil {
		return "", err
	}
	if remoteID == "" {
		return "", ErrEmptyRemoteID
	}
	return remoteID, nil
}

// resolve swaps a queued post reference for the post's server id
func (e *Engine) resolve(ctx context.Context, op *outbox.Operation) (*outbox.Operation, error) {
	ref, ok := op.PostRef()
	if !ok || !ref.IsQueued() {
		return op, nil
	}

	parent, err := e.store.Get(ctx, ref.PostLocalID)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			return nil, fmt.Errorf("%w: post %d does not exist", ErrDependencyFailed, ref.PostLocalID)
		}
		return nil, fmt.Errorf("loading post %d: %w", ref.PostLocalID, err)
	}

	switch parent.Status {
	case outbox.StatusSynced:
		return op.WithPostID(parent.RemoteID), nil
	case outbox.StatusFailed:
		return nil, fmt.Errorf("%w: post %d was dead-lettered", ErrDependencyFailed, ref.PostLocalID)
	default:
		return nil, fmt.Errorf("%w: post %d", ErrDependencyPending, ref.PostLocalID)
	}
}

// fail records a delivery failure and dead-letters the operation when the
// failure is permanent or the attempt budget is spent. Only store errors are
// returned.
func (e *Engine) fail(ctx context.Context, op *outbox.Operation, cause error, result *Result) error {
	logger := loggy.FromContext(ctx).With("kind", op.Kind, "local_id", op.LocalID)
	result.ItemsFailed++

	attempts, err := e.store.IncrementAttempts(ctx, op.LocalID, cause.Error())
	if err != nil {
		return fmt.Errorf("recording attempt for %d: %w", op.LocalID, err)
	}

	permanent := IsPermanent(cause)
	exhausted := e.maxAttempts > 0 && attempts >= e.maxAttempts
	if !permanent && !exhausted {
		logger.Warn("Delivery failed, will retry", "attempts", attempts, "error", cause)
		return nil
	}

	reason := cause.Error()
	if !permanent {
		reason = fmt.Sprintf("gave up after %d attempts: %v", attempts, cause)
	}
	if err := e.store.MarkFailed(ctx, op.LocalID, reason); err != nil {
		return fmt.Errorf("dead-lettering %d: %w", op.LocalID, err)
	}
	result.DeadLettered++
	logger.Warn("Operation dead-lettered", "attempts", attempts, "reason", reason)
	return nil
}

func (e *Engine) releaseLease(ctx context.Context, holder string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.lease.Release(ctx, holder); err != nil {
		loggy.FromContext(ctx).Warn("Failed to release sync lease", "error", err)
	}
}

func (e *Engine) record(ctx context.Context, result *Result, runErr error) {
	if e.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.CreateRun(ctx, result, runErr); err != nil {
		loggy.FromContext(ctx).Warn("Failed to record sync run", "error", err)
	}
}
