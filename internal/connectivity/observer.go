// Package connectivity turns platform network signals into an edge-triggered
// stream of online/offline states.
package connectivity

import (
	"context"
	"time"

	"github.com/tildaslashalef/recipebox/internal/loggy"
)

// Source reports whether the network is usable right now
type Source interface {
	Online(ctx context.Context) bool
}

// Notifier is implemented by sources that can hint that their state may
// have changed. The observer re-checks the source on every hint; polling
// remains the fallback.
type Notifier interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Observer polls a Source and publishes state changes
type Observer struct {
	source   Source
	interval time.Duration
	logger   *loggy.Logger
}

// NewObserver creates an observer that re-checks source every interval
func NewObserver(source Source, interval time.Duration, logger *loggy.Logger) *Observer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Observer{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Subscribe starts watching and returns a channel that receives the current
// state first and then every change. Nothing runs until Subscribe is called,
// each call is independent, and the channel is closed once ctx is done.
func (o *Observer) Subscribe(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go o.run(ctx, out)
	return out
}

func (o *Observer) run(ctx context.Context, out chan<- bool) {
	defer close(out)

	var hints <-chan struct{}
	if n, ok := o.source.(Notifier); ok {
		ch, err := n.Watch(ctx)
		if err != nil {
			o.logger.Warn("Connectivity hints unavailable, polling only", "error", err)
		} else {
			hints = ch
		}
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	state := o.source.Online(ctx)
	if !o.emit(ctx, out, state) {
		return
	}
	o.logger.Debug("Connectivity observed", "online", state)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
		}

		current := o.source.Online(ctx)
		if current == state {
			continue
		}
		state = current
		o.logger.Info("Connectivity changed", "online", state)
		if !o.emit(ctx, out, state) {
			return
		}
	}
}

func (o *Observer) emit(ctx context.Context, out chan<- bool, online bool) bool {
	select {
	case out <- online:
		return true
	case <-ctx.Done():
		return false
	}
}
