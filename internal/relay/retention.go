package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "voicetray/pkg/logx"
)

// Retention periodically removes terminal entries older than MaxAge.
// MaxAge <= 0 makes sweeps no-ops; the count cap still applies on append.
type Retention struct {
	svc    *Service
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	spec   string
	maxAge time.Duration
}

func NewRetention(svc *Service, log logx.Logger) *Retention {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retention{
		svc:    svc,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply (re)schedules the sweep. Safe to call before or after Start.
func (r *Retention) Apply(spec string, maxAge time.Duration) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@every 1m"
	}
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := spec != r.spec
	r.spec = spec
	r.maxAge = maxAge
	if r.c != nil && changed {
		r.restartLocked()
	}
	return nil
}

func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	if r.spec == "" {
		r.spec = "@every 1m"
	}
	r.restartLocked()
}

func (r *Retention) restartLocked() {
	if r.c != nil {
		r.c.Stop()
	}
	c := cron.New(
		cron.WithParser(r.parser),
		cron.WithLogger(cronLogger{log: r.log}),
		cron.WithChain(cron.Recover(cronLogger{log: r.log}), cron.SkipIfStillRunning(cronLogger{log: r.log})),
	)
	if _, err := c.AddFunc(r.spec, func() { r.Sweep() }); err != nil {
		// Apply already parsed this schedule.
		r.log.Error("retention schedule rejected", logx.String("spec", r.spec), logx.Err(err))
	}
	c.Start()
	r.c = c
	r.log.Debug("retention scheduled", logx.String("spec", r.spec), logx.Duration("max_age", r.maxAge))
}

// Stop waits for a running sweep to finish or ctx to expire.
func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep removes expired terminal entries now and returns how many were removed.
func (r *Retention) Sweep() int {
	r.mu.Lock()
	maxAge := r.maxAge
	r.mu.Unlock()
	if maxAge <= 0 {
		return 0
	}
	n := r.svc.timeline.Prune(r.svc.now().Add(-maxAge))
	if n > 0 {
		r.log.Debug("timeline pruned", logx.Int("removed", n), logx.Duration("max_age", maxAge))
	}
	return n
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
