package app

import (
	"context"
	"sync"

	logx "voicetray/pkg/logx"
)

// loopRunner owns one restartable background loop (session watcher, tray
// poller). Restart stops the previous instance before launching the next, so
// at most one runs at a time.
type loopRunner struct {
	name string
	log  logx.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoopRunner(name string, log logx.Logger) *loopRunner {
	return &loopRunner{name: name, log: log}
}

func (r *loopRunner) Restart(parent context.Context, fn func(ctx context.Context) error) {
	r.Stop(parent)

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("loop panicked", logx.String("name", r.name), logx.Any("panic", rec))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("loop exited", logx.String("name", r.name), logx.Err(err))
		}
	}()
}

// Stop cancels the running loop and waits for it, bounded by ctx.
func (r *loopRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *loopRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
