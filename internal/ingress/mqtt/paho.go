package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	logx "voicetray/pkg/logx"
)

// PahoDialer connects with the Eclipse Paho client. Reconnection is left to
// Manager, so paho's own auto-reconnect and session resume are disabled.
type PahoDialer struct{}

func (PahoDialer) Dial(ctx context.Context, a Attempt) (Conn, error) {
	c := paho.NewClient(pahoOptions(a))
	if err := waitToken(ctx, c.Connect()); err != nil {
		c.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, a.Settings.Endpoint(), err)
	}
	return &pahoConn{c: c}, nil
}

// pahoOptions keeps deliveries on one goroutine in arrival order so ids
// assigned by the relay follow broker order.
func pahoOptions(a Attempt) *paho.ClientOptions {
	s := a.Settings
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + s.Endpoint()).
		SetClientID(s.ClientID).
		SetCleanSession(a.Policy.CleanSession).
		SetKeepAlive(s.KeepAlive).
		SetConnectTimeout(s.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetResumeSubs(false).
		SetOrderMatters(true)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	if a.Will.Topic != "" {
		opts.SetBinaryWill(a.Will.Topic, a.Will.Payload, a.Will.QoS, a.Will.Retained)
	}
	if a.OnLost != nil {
		var once sync.Once
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			once.Do(func() { a.OnLost(err) })
		})
	}
	return opts
}

type pahoConn struct {
	c paho.Client
}

func (p *pahoConn) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	tok := p.c.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained(), Duplicate: m.Duplicate()})
	})
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribe, topic, err)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		for t, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("%w: broker refused %s", ErrSubscribe, t)
			}
		}
	}
	return nil
}

func (p *pahoConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !p.c.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(ctx, p.c.Publish(topic, qos, retained, payload))
}

func (p *pahoConn) Close(quiesce time.Duration) {
	p.c.Disconnect(uint(quiesce / time.Millisecond))
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pahoLogger routes the client library's package-level loggers into logx.
type pahoLogger struct {
	log   logx.Logger
	level string
}

func (l pahoLogger) Println(v ...interface{}) {
	l.emit(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.emit(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l pahoLogger) emit(msg string) {
	switch l.level {
	case "error":
		l.log.Error(msg)
	case "warn":
		l.log.Warn(msg)
	default:
		l.log.Trace(msg)
	}
}

var pahoLogOnce sync.Once

// RouteLibraryLogs installs log as paho's error and warning sink. Debug output
// goes to trace level. It takes effect once per process.
func RouteLibraryLogs(log logx.Logger) {
	pahoLogOnce.Do(func() {
		log = log.Limited(5)
		paho.ERROR = pahoLogger{log: log, level: "error"}
		paho.CRITICAL = pahoLogger{log: log, level: "error"}
		paho.WARN = pahoLogger{log: log, level: "warn"}
		if log.Enabled(logx.LevelTrace) {
			paho.DEBUG = pahoLogger{log: log, level: "debug"}
		}
	})
}
