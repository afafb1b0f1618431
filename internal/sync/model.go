// Package sync drains the outbox against the recipe service
package sync

import (
	"context"
	"strings"
	"time"

	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/ulid"
)

// Trigger records what started a sync run
type Trigger string

const (
	// TriggerManual is a run requested by the user
	TriggerManual Trigger = "manual"
	// TriggerPeriodic is a run started by the periodic timer
	TriggerPeriodic Trigger = "periodic"
	// TriggerReconnect is a run started by an offline to online transition
	TriggerReconnect Trigger = "reconnect"
	// TriggerRetry is a backoff retry after a failed run
	TriggerRetry Trigger = "retry"
)

type triggerKey struct{}

// WithTrigger tags ctx with the trigger of the run it starts
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerFrom returns the trigger stored in ctx, defaulting to manual
func TriggerFrom(ctx context.Context) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok {
		return t
	}
	return TriggerManual
}

// Result summarises one RunOnce call
type Result struct {
	RunID          ulid.ULID
	Trigger        Trigger
	Skipped        bool // another run was already in progress
	KindsAttempted []outbox.Kind
	KindsSynced    []outbox.Kind // drained without a failure, including empty kinds
	KindsFailed    []outbox.Kind
	ItemsSynced    int
	ItemsFailed    int
	DeadLettered   int
	StartedAt      time.Time
	Duration       time.Duration
}

// HasFailures reports whether any kind failed during the run
func (r *Result) HasFailures() bool {
	return r != nil && len(r.KindsFailed) > 0
}

// RunRecord is a persisted sync run
type RunRecord struct {
	Result
	Error string
}

// Success reports whether the run completed without failures or errors
func (r *RunRecord) Success() bool {
	return !r.Skipped && !r.HasFailures() && r.Error == ""
}

func joinKinds(kinds []outbox.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitKinds(s string) []outbox.Kind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kinds := make([]outbox.Kind, len(parts))
	for i, p := range parts {
		kinds[i] = outbox.Kind(p)
	}
	return kinds
}
