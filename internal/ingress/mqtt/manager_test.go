package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"voicetray/internal/eventbus"
	logx "voicetray/pkg/logx"
)

func testSettings() Settings {
	return Settings{
		Enabled:        true,
		Broker:         "broker-a",
		Port:           1883,
		TopicSpeak:     "voice/speak",
		TopicStatus:    "voice/status",
		ClientID:       "test",
		ConnectTimeout: time.Second,
		Backoff:        Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []Status
}

func (l *stateLog) seq() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.states...)
}

func startManager(t *testing.T, b *fakeBroker, s Settings, h Handler) (*Manager, *stateLog) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	states := &stateLog{}
	go func() {
		for ev := range events {
			if snap, ok := ev.Data.(Snapshot); ok && ev.Type == eventbus.MQTTState {
				states.mu.Lock()
				states.states = append(states.states, snap.Status)
				states.mu.Unlock()
			}
		}
	}()

	m, err := New(Options{Dialer: b, Settings: s, Handler: h, Bus: bus, Log: logx.Nop(), Version: "test", Rand: func() float64 { return 0 }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return")
		}
		unsub()
	})
	return m, states
}

func connected(m *Manager) func() bool {
	return func() bool { return m.Snapshot().Status == StatusConnected }
}

func TestManagerConnectAnnouncesAndSubscribes(t *testing.T) {
	b := newFakeBroker()
	got := &collector{}
	m, _ := startManager(t, b, testSettings(), got.handle)
	waitFor(t, "connected", connected(m))

	a := b.lastAttempt()
	if a.Policy != DefaultSessionPolicy() {
		t.Fatalf("policy=%+v", a.Policy)
	}
	if a.Will.Topic != "voice/status" || !a.Will.Retained || !strings.Contains(string(a.Will.Payload), `"offline"`) {
		t.Fatalf("will=%+v", a.Will)
	}

	var online statusMessage
	if err := json.Unmarshal([]byte(b.retainedPayload("voice/status")), &online); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if online.Status != "online" || online.Version != "test" || online.Timestamp == "" {
		t.Fatalf("online=%+v", online)
	}

	b.publish("voice/speak", []byte(`{"text":"hi"}`), false)
	if msgs := got.got(); len(msgs) != 1 || msgs[0] != `{"text":"hi"}` {
		t.Fatalf("msgs=%v", msgs)
	}
	if ci := m.ConnInfo(); ci.Status != "connected" || ci.Broker != "broker-a:1883" {
		t.Fatalf("conninfo=%+v", ci)
	}
}

func TestManagerReconnectDoesNotReplay(t *testing.T) {
	b := newFakeBroker()
	// A retained speak request left over from some earlier publisher.
	b.retained["voice/speak"] = []byte(`{"text":"stale"}`)

	got := &collector{}
	m, states := startManager(t, b, testSettings(), got.handle)
	waitFor(t, "connected", connected(m))

	b.publish("voice/speak", []byte("one"), false)
	b.drop()

	waitFor(t, "reconnect", func() bool { return b.attemptCount() >= 2 && m.Snapshot().Status == StatusConnected })
	b.publish("voice/speak", []byte("two"), false)

	if msgs := got.got(); !reflect.DeepEqual(msgs, []string{"one", "two"}) {
		t.Fatalf("msgs=%v (retained or redelivered messages must not be handled)", msgs)
	}
	retained, _ := m.Dropped()
	if retained < 2 {
		t.Fatalf("retained drops=%d", retained)
	}
	if !strings.Contains(b.retainedPayload("voice/status"), "online") {
		t.Fatalf("status after reconnect=%q", b.retainedPayload("voice/status"))
	}

	waitFor(t, "state sequence", func() bool {
		return containsInOrder(states.seq(), StatusConnected, StatusDisconnected, StatusConnecting, StatusConnected)
	})
}

func containsInOrder(have []Status, want ...Status) bool {
	i := 0
	for _, s := range have {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestManagerPersistentSessionWouldReplay(t *testing.T) {
	// Shows what the clean session protects against.
	b := newFakeBroker()
	got := &collector{}
	policy := SessionPolicy{CleanSession: false, IgnoreRetained: true}
	m, err := New(Options{Dialer: b, Settings: testSettings(), Handler: got.handle, Policy: &policy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = m.Run(ctx) }()
	defer func() { cancel(); <-done }()

	waitFor(t, "connected", connected(m))
	b.publish("voice/speak", []byte("one"), false)
	b.drop()
	waitFor(t, "reconnect", func() bool { return b.attemptCount() >= 2 && m.Snapshot().Status == StatusConnected })
	if msgs := got.got(); len(msgs) != 2 {
		t.Fatalf("expected replay with persistent session, got %v", msgs)
	}
}

func TestManagerTopicChange(t *testing.T) {
	b := newFakeBroker()
	got := &collector{}
	m, _ := startManager(t, b, testSettings(), got.handle)
	waitFor(t, "connected", connected(m))

	s := testSettings()
	s.TopicSpeak = "voice/speak2"
	s.TopicStatus = "voice/status2"
	if err := m.Reconfigure(s); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitFor(t, "new topic", func() bool {
		snap := m.Snapshot()
		return snap.Status == StatusConnected && snap.TopicSpeak == "voice/speak2"
	})

	b.publish("voice/speak", []byte("old"), false)
	b.publish("voice/speak2", []byte("new"), false)
	if msgs := got.got(); !reflect.DeepEqual(msgs, []string{"new"}) {
		t.Fatalf("msgs=%v", msgs)
	}
	if len(b.openConns()) != 1 {
		t.Fatalf("previous connection left open")
	}
	if !strings.Contains(b.retainedPayload("voice/status"), "offline") {
		t.Fatalf("old status topic=%q", b.retainedPayload("voice/status"))
	}
}

func TestManagerBackoffThenConnect(t *testing.T) {
	b := newFakeBroker()
	b.failDials = 3
	m, states := startManager(t, b, testSettings(), nil)
	waitFor(t, "connected", connected(m))

	if n := b.attemptCount(); n != 4 {
		t.Fatalf("attempts=%d", n)
	}
	if snap := m.Snapshot(); snap.Failures != 0 || snap.LastError != "" {
		t.Fatalf("snapshot after success=%+v", snap)
	}
	if !containsInOrder(states.seq(), StatusConnecting, StatusDisconnected, StatusConnecting, StatusConnected) {
		t.Fatalf("states=%v", states.seq())
	}
}

// kickingDialer accepts every connection and then loses it shortly after,
// like a broker evicting a duplicate client id.
type kickingDialer struct {
	*fakeBroker
	after time.Duration

	mu    sync.Mutex
	dials []time.Time
}

func (d *kickingDialer) Dial(ctx context.Context, a Attempt) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	d.mu.Unlock()
	c, err := d.fakeBroker.Dial(ctx, a)
	if err != nil {
		return nil, err
	}
	time.AfterFunc(d.after, func() { a.OnLost(errors.New("kicked")) })
	return c, nil
}

func (d *kickingDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func TestManagerBacksOffAfterRepeatedDrops(t *testing.T) {
	d := &kickingDialer{fakeBroker: newFakeBroker(), after: 2 * time.Millisecond}
	s := testSettings()
	s.Backoff = Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	m, err := New(Options{Dialer: d, Settings: s, Log: logx.Nop(), Rand: func() float64 { return 0 }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = m.Run(ctx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()
	<-done

	dials := d.dialTimes()
	if len(dials) < 2 || len(dials) > 5 {
		t.Fatalf("dials in 500ms with 100ms initial backoff: %d", len(dials))
	}
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < 90*time.Millisecond {
			t.Fatalf("dial %d followed the previous after %v", i, gap)
		}
	}
	if gap := dials[1].Sub(dials[0]); len(dials) > 2 && dials[2].Sub(dials[1]) <= gap {
		t.Fatalf("backoff did not grow: %v then %v", gap, dials[2].Sub(dials[1]))
	}
}

func TestReconfigureAbandonsHangingAttempt(t *testing.T) {
	b := newFakeBroker()
	b.hang["broker-a"] = true
	s := testSettings()
	s.ConnectTimeout = time.Minute
	m, _ := startManager(t, b, s, nil)
	waitFor(t, "connecting", func() bool { return m.Snapshot().Status == StatusConnecting && b.attemptCount() == 1 })

	s.Broker = "broker-b"
	if err := m.Reconfigure(s); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitFor(t, "connected to b", connected(m))
	if got := b.lastAttempt().Settings.Broker; got != "broker-b" {
		t.Fatalf("broker=%s", got)
	}
}

func TestReconfigureRejectsInvalid(t *testing.T) {
	b := newFakeBroker()
	m, _ := startManager(t, b, testSettings(), nil)
	waitFor(t, "connected", connected(m))

	bad := testSettings()
	bad.Port = 0
	if err := m.Reconfigure(bad); err == nil {
		t.Fatalf("expected error")
	}
	if m.Settings().Port != 1883 {
		t.Fatalf("settings changed: %+v", m.Settings())
	}
	if b.attemptCount() != 1 {
		t.Fatalf("reconnected on invalid settings")
	}
}

func TestManagerDisabledThenEnabled(t *testing.T) {
	b := newFakeBroker()
	s := testSettings()
	s.Enabled = false
	m, _ := startManager(t, b, s, nil)
	waitFor(t, "disabled", func() bool { return m.Snapshot().Status == StatusDisabled })
	if ci := m.ConnInfo(); ci.Status != "disabled" || ci.Broker != "" {
		t.Fatalf("conninfo=%+v", ci)
	}
	if b.attemptCount() != 0 {
		t.Fatalf("dialed while disabled")
	}

	s.Enabled = true
	if err := m.Reconfigure(s); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitFor(t, "connected", connected(m))
}

func TestShutdownPublishesOffline(t *testing.T) {
	b := newFakeBroker()
	m, err := New(Options{Dialer: b, Settings: testSettings()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	waitFor(t, "connected", connected(m))

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(b.retainedPayload("voice/status"), "offline") {
		t.Fatalf("status=%q", b.retainedPayload("voice/status"))
	}
	if m.Snapshot().Status != StatusDisconnected {
		t.Fatalf("status=%s", m.Snapshot().Status)
	}
	if err := m.Publish(context.Background(), "x", nil, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish after shutdown: %v", err)
	}
}

func TestSessionPolicyValidate(t *testing.T) {
	t.Parallel()
	if err := DefaultSessionPolicy().Validate(); err != nil {
		t.Fatalf("default: %v", err)
	}
	if err := (SessionPolicy{}).Validate(); err == nil {
		t.Fatalf("persistent session with retained delivery must be rejected")
	}
	if _, err := New(Options{Dialer: newFakeBroker(), Settings: testSettings(), Policy: &SessionPolicy{}}); err == nil {
		t.Fatalf("New accepted an unsafe policy")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Delay(i+1, 0); got != w {
			t.Fatalf("attempt %d: %v want %v", i+1, got, w)
		}
	}
	if got := b.Delay(100, 0.999); got > 30*time.Second || got < 24*time.Second {
		t.Fatalf("jittered cap=%v", got)
	}
	if got := (Backoff{}).Delay(1, 0); got != time.Second {
		t.Fatalf("zero backoff first delay=%v", got)
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()
	if err := (Settings{}).Validate(); err != nil {
		t.Fatalf("disabled settings need no fields: %v", err)
	}
	s := testSettings()
	s.TopicStatus = "voice/#"
	s.Broker = ""
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "broker") || !strings.Contains(err.Error(), "topic_status") {
		t.Fatalf("err=%v", err)
	}
}
