package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Logger is a value type; copies share sinks. A Logger from a Service
// follows every Service.Apply. The zero value discards everything.
type Logger struct {
	svc   *Service
	fixed *zerolog.Logger

	fields []Field

	limiter    *rate.Limiter
	suppressed *atomic.Uint64
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewWriter logs JSON lines to w without a Service. Used by tests.
func NewWriter(w io.Writer, level string) Logger {
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return *l.fixed
	default:
		return zerolog.Nop()
	}
}

func (l Logger) Enabled(level Level) bool {
	zl := l.sink()
	return level >= zl.GetLevel()
}

// With returns a child logger carrying fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) > 0 {
		l.fields = append(append([]Field(nil), l.fields...), fields...)
	}
	return l
}

// Limited caps the child at perSec lines per second. Dropped lines are
// counted and reported as "suppressed" on the next line written.
func (l Logger) Limited(perSec int) Logger {
	perSec = max(perSec, 1)
	l.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	l.suppressed = new(atomic.Uint64)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// emit must be called directly by the level methods; the caller skip depends on it.
func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	if level < zl.GetLevel() {
		return
	}
	var dropped uint64
	if l.limiter != nil {
		if !l.limiter.Allow() {
			l.suppressed.Add(1)
			return
		}
		dropped = l.suppressed.Swap(0)
	}

	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	if dropped > 0 {
		e.Uint64("suppressed", dropped)
	}
	e.Msg(msg)
}
