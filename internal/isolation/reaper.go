package isolation

import (
	"context"
	"time"

	"github.com/agentdiff/agentdiff/internal/logging"
)

// Reaper periodically tears down expired environments. It implements
// lifecycle.Component and depends on the store pool being started.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	logger   *logging.Logger
}

// NewReaper creates a reaper over the isolation engine.
func NewReaper(engine *Engine, interval time.Duration) *Reaper {
	return &Reaper{
		engine:   engine,
		interval: interval,
		logger:   logging.GetLogger("isolation"),
	}
}

// Start launches the reap loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.pass()
			}
		}
	}()

	r.logger.Info("Environment reaper started (interval %s)", r.interval)
	return nil
}

func (r *Reaper) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	reaped, err := r.engine.ExpirePass(ctx)
	if err != nil {
		r.logger.Error("Reaper pass failed: %v", err)
		return
	}
	if reaped > 0 {
		r.logger.Info("Reaped %d expired environments", reaped)
	}
}

// Stop terminates the reap loop.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.stop == nil {
		return nil
	}
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("Environment reaper stopped")
	return nil
}

// Name implements lifecycle.Component.
func (r *Reaper) Name() string {
	return "Environment Reaper"
}
