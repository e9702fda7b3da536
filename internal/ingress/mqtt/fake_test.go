package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBroker is an in-memory broker. It keeps retained messages and, for
// attempts without a clean session, replays every earlier delivery on
// subscribe the way a persistent session redelivers unacknowledged messages.
type fakeBroker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	delivered []Message
	conns     []*fakeConn
	attempts  []Attempt
	failDials int
	hang      map[string]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: map[string][]byte{}, hang: map[string]bool{}}
}

func (b *fakeBroker) Dial(ctx context.Context, a Attempt) (Conn, error) {
	b.mu.Lock()
	b.attempts = append(b.attempts, a)
	if b.hang[a.Settings.Broker] {
		b.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.failDials > 0 {
		b.failDials--
		b.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{b: b, attempt: a, subs: map[string]Handler{}}
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBroker) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

func (b *fakeBroker) lastAttempt() Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[len(b.attempts)-1]
}

func (b *fakeBroker) retainedPayload(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.retained[topic])
}

func (b *fakeBroker) openConns() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeConn
	for _, c := range b.conns {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBroker) publish(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	if retained {
		b.retained[topic] = payload
	}
	conns := append([]*fakeConn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		if h := c.handler(topic); h != nil {
			msg := Message{Topic: topic, Payload: payload}
			b.mu.Lock()
			b.delivered = append(b.delivered, msg)
			b.mu.Unlock()
			h(msg)
		}
	}
}

// drop severs every open connection and fires their wills.
func (b *fakeBroker) drop() {
	for _, c := range b.openConns() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if w := c.attempt.Will; w.Topic != "" {
			b.publish(w.Topic, w.Payload, w.Retained)
		}
		if c.attempt.OnLost != nil {
			c.attempt.OnLost(errors.New("EOF"))
		}
	}
}

type fakeConn struct {
	b       *fakeBroker
	attempt Attempt

	mu     sync.Mutex
	subs   map[string]Handler
	closed bool
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) handler(topic string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.subs[topic]
}

func (c *fakeConn) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	c.b.mu.Lock()
	payload, hasRetained := c.b.retained[topic]
	var replay []Message
	if !c.attempt.Policy.CleanSession {
		replay = append(replay, c.b.delivered...)
	}
	c.b.mu.Unlock()

	if hasRetained {
		h(Message{Topic: topic, Payload: payload, Retained: true})
	}
	for _, m := range replay {
		if m.Topic == topic {
			m.Duplicate = true
			h(m)
		}
	}
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	c.b.publish(topic, payload, retained)
	return nil
}

func (c *fakeConn) Close(time.Duration) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(m.Payload))
	c.mu.Unlock()
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
