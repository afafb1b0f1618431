package sync

import (
	"context"
	"fmt"

	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/outbox"
)

// Service is what the CLI talks to: manual runs, status and dead-letter
// handling on top of the engine.
type Service struct {
	engine   *Engine
	store    outbox.Repository
	runs     Repository
	client   *Client
	settings *config.SettingsService
	logger   *loggy.Logger
}

// NewService creates a new sync service
func NewService(engine *Engine, store outbox.Repository, runs Repository, client *Client, settings *config.SettingsService, logger *loggy.Logger) *Service {
	return &Service{
		engine:   engine,
		store:    store,
		runs:     runs,
		client:   client,
		settings: settings,
		logger:   logger,
	}
}

// Engine returns the engine shared with the scheduler
func (s *Service) Engine() *Engine {
	return s.engine
}

// SyncNow runs the engine once as a manual trigger
func (s *Service) SyncNow(ctx context.Context) (*Result, error) {
	return s.engine.RunOnce(WithTrigger(ctx, TriggerManual))
}

// Status is a snapshot of the queue and the latest runs
type Status struct {
	Counts     map[outbox.Kind]map[outbox.Status]int
	RecentRuns []*RunRecord
	Running    bool
}

// Pending returns the number of pending operations across kinds
func (s *Status) Pending() int {
	total := 0
	for _, byStatus := range s.Counts {
		total += byStatus[outbox.StatusPending]
	}
	return total
}

// Failed returns the number of dead-lettered operations across kinds
func (s *Status) Failed() int {
	total := 0
	for _, byStatus := range s.Counts {
		total += byStatus[outbox.StatusFailed]
	}
	return total
}

// GetStatus returns queue counts and the last runs, newest first
func (s *Service) GetStatus(ctx context.Context, recent int) (*Status, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting operations: %w", err)
	}

	runs, err := s.runs.ListRuns(ctx, recent)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return &Status{
		Counts:     counts,
		RecentRuns: runs,
		Running:    s.engine.IsRunning(),
	}, nil
}

// Retry moves dead-lettered operations of kind back to pending. An empty
// kind requeues every kind.
func (s *Service) Retry(ctx context.Context, kind outbox.Kind) (int, error) {
	moved, err := s.store.Requeue(ctx, kind)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Requeued dead-lettered operations", "kind", kind, "count", moved)
	return moved, nil
}

// SetToken stores a new bearer token and uses it for subsequent requests
func (s *Service) SetToken(ctx context.Context, token string) error {
	if err := s.settings.SetToken(ctx, token); err != nil {
		return err
	}
	s.client.SetToken(token)
	return nil
}

// VerifyToken checks the configured token against the server
func (s *Service) VerifyToken(ctx context.Context) (bool, error) {
	return s.client.VerifyToken(ctx)
}
