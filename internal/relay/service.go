package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"voicetray/internal/eventbus"
	"voicetray/internal/storage"
	logx "voicetray/pkg/logx"
)

// HistorySink receives every entry that reaches a terminal status.
type HistorySink interface {
	AppendHistory(ctx context.Context, e storage.HistoryEntry) error
}

type Options struct {
	Engine     Engine
	Defaults   Defaults
	MaxEntries int

	Log     logx.Logger
	Bus     eventbus.Bus
	History HistorySink
	// Session tags history rows; ids restart with every process.
	Session string

	Now func() time.Time
}

// Service is the single owner of queue, timeline and worker state.
type Service struct {
	engine  Engine
	log     logx.Logger
	bus     eventbus.Bus
	history atomic.Pointer[historyRef]
	session string
	now     func() time.Time

	defaults atomic.Pointer[Defaults]

	// admitMu makes id assignment, timeline append and queue push one step,
	// so queue order equals id order across all producers.
	admitMu sync.Mutex
	nextID  uint64
	closed  bool

	queue    *queue
	timeline *Timeline

	// current is the id being spoken by the worker, 0 when idle.
	current atomic.Uint64

	conn       atomic.Pointer[ConnStateFunc]
	serverPort atomic.Int64
}

type historyRef struct{ sink HistorySink }

func New(opts Options) *Service {
	if opts.Engine == nil {
		opts.Engine = EngineFunc(func(context.Context, string, string, int) error {
			return errors.New("no speech engine configured")
		})
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	s := &Service{
		engine:   opts.Engine,
		log:      opts.Log,
		bus:      opts.Bus,
		session:  opts.Session,
		now:      opts.Now,
		queue:    newQueue(),
		timeline: NewTimeline(opts.MaxEntries),
	}
	d := opts.Defaults
	s.defaults.Store(&d)
	s.SetHistory(opts.History)
	return s
}

// Timeline exposes read access and clearing.
func (s *Service) Timeline() *Timeline { return s.timeline }

func (s *Service) Defaults() Defaults { return *s.defaults.Load() }

// SetDefaults applies to requests admitted after the call.
func (s *Service) SetDefaults(d Defaults) { s.defaults.Store(&d) }

func (s *Service) SetHistory(h HistorySink) { s.history.Store(&historyRef{sink: h}) }

func (s *Service) SetConnState(fn ConnStateFunc) {
	if fn == nil {
		s.conn.Store(nil)
		return
	}
	s.conn.Store(&fn)
}

func (s *Service) SetServerPort(port int) { s.serverPort.Store(int64(port)) }

// Submit validates in, assigns the next id and queues it. It never waits for playback.
func (s *Service) Submit(in Input, src Source) (Request, error) {
	r, err := Normalize(in, src, s.Defaults())
	if err != nil {
		return Request{}, err
	}
	return s.admit(r)
}

func (s *Service) admit(r Request) (Request, error) {
	s.admitMu.Lock()
	if s.closed {
		s.admitMu.Unlock()
		return Request{}, ErrClosed
	}
	s.nextID++
	r.ID = s.nextID
	r.ReceivedAt = s.now()
	e := s.timeline.append(r)
	// Published before the push so subscribers never see speaking before queued.
	s.bus.Publish(eventbus.Event{Type: eventbus.SpeechQueued, Data: e})
	s.queue.push(r)
	s.admitMu.Unlock()

	s.log.Debug("speech queued",
		logx.Uint64("id", r.ID),
		logx.String("source", string(r.Source)),
		logx.String("agent", r.Agent),
		logx.Int("pending", s.queue.len()),
	)
	return r, nil
}

// Run is the playback worker. Exactly one Run may be active at a time.
// It returns nil when ctx is canceled or the service is closed.
func (s *Service) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.queue.wake)
	defer stop()

	// A panic outside the engine call would leave the entry speaking forever.
	defer func() {
		if r := recover(); r != nil {
			s.finishCurrent(fmt.Errorf("worker panic: %v", r))
			panic(r)
		}
	}()

	for {
		r, ok := s.queue.pop(ctx)
		if !ok {
			return nil
		}
		s.play(ctx, r)
	}
}

func (s *Service) play(ctx context.Context, r Request) {
	started := s.now()
	e, ok := s.timeline.transition(r.ID, StateSpeaking, "", started)
	if !ok {
		// Evicted or already terminal; nothing to speak.
		return
	}
	s.current.Store(r.ID)
	s.bus.Publish(eventbus.Event{Type: eventbus.SpeechSpeaking, Data: e})
	s.log.Info("speaking",
		logx.Uint64("id", r.ID),
		logx.String("voice", r.Voice),
		logx.Int("rate", r.Rate),
		logx.String("agent", r.Agent),
		logx.String("source", string(r.Source)),
	)

	err := s.speak(ctx, r)
	s.finish(r.ID, err, started)
}

// speak calls the engine, converting a panic into a playback error.
func (s *Service) speak(ctx context.Context, r Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("speech engine panicked", logx.Uint64("id", r.ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("engine panic: %v", p)
		}
	}()
	return s.engine.Speak(ctx, r.Text, r.Voice, r.Rate)
}

func (s *Service) finishCurrent(err error) {
	if id := s.current.Load(); id != 0 {
		s.finish(id, err, time.Time{})
	}
}

func (s *Service) finish(id uint64, err error, started time.Time) {
	s.current.Store(0)
	to, typ, errText := StateDone, eventbus.SpeechDone, ""
	if err != nil {
		to, typ, errText = StateFailed, eventbus.SpeechFailed, err.Error()
	}
	finished := s.now()
	e, ok := s.timeline.transition(id, to, errText, finished)
	if !ok {
		return
	}
	fields := []logx.Field{logx.Uint64("id", id)}
	if !started.IsZero() {
		fields = append(fields, logx.Duration("took", finished.Sub(started)))
	}
	if err != nil {
		s.log.Warn("speech failed", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("speech done", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: e})
	s.record(e)
}

func (s *Service) record(e Entry) {
	ref := s.history.Load()
	if ref == nil || ref.sink == nil {
		return
	}
	h := storage.HistoryEntry{
		Session:    s.session,
		ID:         e.ID,
		Text:       e.Text,
		Voice:      e.Voice,
		Rate:       e.Rate,
		Agent:      e.Agent,
		Source:     string(e.Source),
		Status:     string(e.Status),
		Error:      e.Error,
		ReceivedAt: e.ReceivedAt,
	}
	if e.StartedAt != nil {
		h.StartedAt = *e.StartedAt
	}
	if e.FinishedAt != nil {
		h.FinishedAt = *e.FinishedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ref.sink.AppendHistory(ctx, h); err != nil {
		s.log.Warn("history append failed", logx.Uint64("id", e.ID), logx.Err(err))
	}
}

// Entries returns the timeline oldest first.
func (s *Service) Entries() []Entry { return s.timeline.Entries() }

// Clear removes terminal timeline entries.
func (s *Service) Clear() int {
	n := s.timeline.Clear()
	s.bus.Publish(eventbus.Event{Type: eventbus.TimelineCleared, Data: map[string]int{"removed": n}})
	return n
}

// Pending returns the number of requests waiting behind the current one.
func (s *Service) Pending() int { return s.queue.len() }

// Close stops admission and releases the worker. Requests still queued are
// marked failed so they never linger as queued.
func (s *Service) Close() {
	s.admitMu.Lock()
	if s.closed {
		s.admitMu.Unlock()
		return
	}
	s.closed = true
	s.admitMu.Unlock()

	s.queue.close()
	now := s.now()
	for _, e := range s.timeline.Entries() {
		if e.Status == StateQueued {
			s.timeline.transition(e.ID, StateFailed, ErrClosed.Error(), now)
		}
	}
}
