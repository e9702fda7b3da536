package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicetray/internal/eventbus"
	"voicetray/internal/relay"
	logx "voicetray/pkg/logx"
)

// Snapshot is the externally visible connection state. Credentials are never included.
type Snapshot struct {
	Status      Status `json:"status"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	TopicSpeak  string `json:"topic_speak"`
	TopicStatus string `json:"topic_status"`
	Failures    int    `json:"failures,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type Options struct {
	Dialer   Dialer
	Settings Settings
	// Policy defaults to DefaultSessionPolicy.
	Policy  *SessionPolicy
	Handler Handler

	Log     logx.Logger
	Bus     eventbus.Bus
	Version string

	// Rand returns values in [0,1) for backoff jitter.
	Rand func() float64
}

type lostEvent struct {
	seq uint64
	err error
}

type Manager struct {
	dialer  Dialer
	policy  SessionPolicy
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus
	version string
	rand    func() float64
	autoID  string

	mu            sync.Mutex
	settings      Settings
	snap          Snapshot
	conn          Conn
	cancelAttempt context.CancelFunc

	// seq numbers connections; active is the one whose deliveries are accepted.
	seq    atomic.Uint64
	active atomic.Uint64

	reconfig chan struct{}
	lost     chan lostEvent
	running  atomic.Bool

	droppedRetained atomic.Uint64
	droppedStale    atomic.Uint64
}

func New(opts Options) (*Manager, error) {
	policy := DefaultSessionPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		return nil, errors.New("mqtt: dialer is required")
	}
	if opts.Handler == nil {
		opts.Handler = func(Message) {}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		opts.Rand = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}
	}
	m := &Manager{
		dialer:   opts.Dialer,
		policy:   policy,
		handler:  opts.Handler,
		log:      opts.Log,
		bus:      opts.Bus,
		version:  opts.Version,
		rand:     opts.Rand,
		autoID:   "voicetray-" + uuid.NewString()[:8],
		reconfig: make(chan struct{}, 1),
		lost:     make(chan lostEvent, 4),
	}
	s := opts.Settings.withDefaults(m.autoID)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m.settings = s
	m.snap = snapshotOf(s, StatusDisconnected)
	if !s.Enabled {
		m.snap.Status = StatusDisabled
	}
	return m, nil
}

func snapshotOf(s Settings, st Status) Snapshot {
	return Snapshot{
		Status:      st,
		Broker:      s.Broker,
		Port:        s.Port,
		TopicSpeak:  s.TopicSpeak,
		TopicStatus: s.TopicStatus,
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// ConnInfo adapts the snapshot for relay status views.
func (m *Manager) ConnInfo() relay.ConnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := relay.ConnInfo{Status: string(m.snap.Status)}
	if m.snap.Status != StatusDisabled {
		info.Broker = m.settings.Endpoint()
	}
	return info
}

// Settings returns the settings the next attempt will use.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Reconfigure swaps settings and forces a reconnect. An in-flight attempt is
// abandoned; a live connection is closed. Invalid settings are rejected and
// the current ones stay in effect.
func (m *Manager) Reconfigure(s Settings) error {
	s = s.withDefaults(m.autoID)
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if s == m.settings {
		m.mu.Unlock()
		return nil
	}
	m.settings = s
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	select {
	case m.reconfig <- struct{}{}:
	default:
	}
	m.mu.Unlock()

	m.log.Info("mqtt reconfigured", logx.String("broker", s.Endpoint()), logx.String("topic", s.TopicSpeak), logx.Bool("enabled", s.Enabled))
	return nil
}

// Publish sends on the live connection, or returns ErrNotConnected.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Publish(ctx, topic, 1, retained, payload)
}

// Dropped reports deliveries discarded by the session policy or from a superseded connection.
func (m *Manager) Dropped() (retained, stale uint64) {
	return m.droppedRetained.Load(), m.droppedStale.Load()
}

// stableConnection is how long a connection must last before a drop
// restarts the backoff from Initial.
const stableConnection = 30 * time.Second

type wakeReason int

const (
	wakeShutdown wakeReason = iota
	wakeReconfig
	wakeLost
	wakeElapsed
)

// Run owns the connection until ctx is canceled. Only one Run may be active.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("mqtt: manager already running")
	}
	defer m.running.Store(false)

	// failures counts consecutive failed dials; drops counts connections
	// lost before they were up for stableConnection.
	failures, drops := 0, 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s, actx, cancel := m.beginAttempt(ctx)

		if !s.Enabled {
			cancel()
			m.setStatus(s, StatusDisabled, 0, nil)
			if m.wait(ctx, 0, 0) == wakeShutdown {
				return nil
			}
			failures, drops = 0, 0
			continue
		}

		m.setStatus(s, StatusConnecting, failures, nil)
		conn, seq, err := m.connect(actx, s)
		m.endAttempt()
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(s, StatusDisconnected, failures, nil)
				return nil
			}
			failures++
			m.setStatus(s, StatusDisconnected, failures, err)
			if m.reconfigPending() {
				failures = 0
				continue
			}
			delay := s.Backoff.Delay(failures, m.rand())
			m.log.Warn("mqtt connect failed",
				logx.String("broker", s.Endpoint()),
				logx.Int("failures", failures),
				logx.Duration("retry_in", delay),
				logx.Err(err),
			)
			switch m.wait(ctx, delay, 0) {
			case wakeShutdown:
				return nil
			case wakeReconfig:
				failures = 0
			}
			continue
		}

		failures = 0
		m.setStatus(s, StatusConnected, 0, nil)
		up := time.Now()

		reason := m.wait(ctx, -1, seq)
		m.teardown(conn, s, reason != wakeLost)
		switch reason {
		case wakeShutdown:
			m.setStatus(s, StatusDisconnected, 0, nil)
			return nil
		case wakeReconfig:
			drops = 0
			m.setStatus(s, StatusDisconnected, 0, nil)
			continue
		}

		// Drops back off like failed dials until a connection proves stable.
		if time.Since(up) >= stableConnection {
			drops = 0
		}
		drops++
		delay := s.Backoff.Delay(drops, m.rand())
		m.setStatus(s, StatusDisconnected, drops, ErrConnectionLost)
		m.log.Info("mqtt reconnect scheduled", logx.Int("drops", drops), logx.Duration("retry_in", delay))
		switch m.wait(ctx, delay, 0) {
		case wakeShutdown:
			return nil
		case wakeReconfig:
			drops = 0
		}
	}
}

func (m *Manager) beginAttempt(ctx context.Context) (Settings, context.Context, context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Anything signaled before this point is reflected in the settings read below.
	select {
	case <-m.reconfig:
	default:
	}
	for len(m.lost) > 0 {
		<-m.lost
	}
	s := m.settings
	actx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
	m.cancelAttempt = cancel
	return s, actx, cancel
}

func (m *Manager) endAttempt() {
	m.mu.Lock()
	m.cancelAttempt = nil
	m.mu.Unlock()
}

func (m *Manager) reconfigPending() bool { return len(m.reconfig) > 0 }

// connect dials, subscribes and announces presence. Deliveries are accepted
// from the moment the subscription exists.
func (m *Manager) connect(ctx context.Context, s Settings) (Conn, uint64, error) {
	seq := m.seq.Add(1)
	// Active before dialing so a loss reported during the handshake is not ignored.
	m.active.Store(seq)
	conn, err := m.dialer.Dial(ctx, Attempt{
		Settings: s,
		Policy:   m.policy,
		Will:     Will{Topic: s.TopicStatus, Payload: m.statusPayload("offline", false), QoS: 1, Retained: true},
		OnLost:   func(err error) { m.connectionLost(seq, err) },
	})
	if err != nil {
		m.active.Store(0)
		if errors.Is(err, ErrConnect) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	if err := conn.Subscribe(ctx, s.TopicSpeak, 1, m.deliver(seq)); err != nil {
		m.active.Store(0)
		conn.Close(0)
		if errors.Is(err, ErrSubscribe) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrSubscribe, s.TopicSpeak, err)
	}

	if err := conn.Publish(ctx, s.TopicStatus, 1, true, m.statusPayload("online", true)); err != nil {
		m.log.Warn("mqtt status publish failed", logx.String("topic", s.TopicStatus), logx.Err(err))
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.log.Info("mqtt subscribed", logx.String("broker", s.Endpoint()), logx.String("topic", s.TopicSpeak))
	return conn, seq, nil
}

func (m *Manager) deliver(seq uint64) Handler {
	return func(msg Message) {
		if m.active.Load() != seq {
			m.droppedStale.Add(1)
			return
		}
		if msg.Retained && m.policy.IgnoreRetained {
			m.droppedRetained.Add(1)
			m.log.Debug("mqtt retained message ignored", logx.String("topic", msg.Topic), logx.Int("bytes", len(msg.Payload)))
			return
		}
		m.handler(msg)
	}
}

func (m *Manager) connectionLost(seq uint64, err error) {
	if m.active.Load() != seq {
		return
	}
	select {
	case m.lost <- lostEvent{seq: seq, err: err}:
	default:
	}
}

// wait blocks until shutdown, a reconfigure, loss of connection seq (when
// non-zero) or d elapses. d <= 0 means no timer.
func (m *Manager) wait(ctx context.Context, d time.Duration, seq uint64) wakeReason {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return wakeShutdown
		case <-m.reconfig:
			return wakeReconfig
		case ev := <-m.lost:
			if seq != 0 && ev.seq == seq {
				m.log.Warn("mqtt connection lost", logx.Err(ev.err))
				return wakeLost
			}
		case <-timer:
			return wakeElapsed
		}
	}
}

func (m *Manager) teardown(conn Conn, s Settings, graceful bool) {
	m.active.Store(0)
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()

	if graceful {
		// A clean disconnect suppresses the will, so announce offline ourselves.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := conn.Publish(ctx, s.TopicStatus, 1, true, m.statusPayload("offline", true)); err != nil {
			m.log.Debug("mqtt offline publish failed", logx.Err(err))
		}
		cancel()
	}
	conn.Close(250 * time.Millisecond)
}

func (m *Manager) setStatus(s Settings, st Status, failures int, err error) {
	snap := snapshotOf(s, st)
	snap.Failures = failures
	if err != nil {
		snap.LastError = err.Error()
	}

	m.mu.Lock()
	prev := m.snap
	m.snap = snap
	m.mu.Unlock()

	if prev.Status == snap.Status && prev.LastError == snap.LastError {
		return
	}
	m.log.Debug("mqtt state", logx.String("from", string(prev.Status)), logx.String("to", string(st)))
	m.bus.Publish(eventbus.Event{Type: eventbus.MQTTState, Data: snap})
}

type statusMessage struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (m *Manager) statusPayload(status string, stamped bool) []byte {
	msg := statusMessage{Status: status, Version: m.version}
	if stamped {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(msg)
	return b
}
