package mqtt

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConnect        = errors.New("mqtt connect failed")
	ErrSubscribe      = errors.New("mqtt subscribe failed")
	ErrConnectionLost = errors.New("mqtt connection lost")
	ErrNotConnected   = errors.New("mqtt not connected")
)

// Message is one delivery from the broker.
type Message struct {
	Topic     string
	Payload   []byte
	Retained  bool
	Duplicate bool
}

// Handler must not block for long. Deliveries run one at a time, in arrival order.
type Handler func(Message)

// Will is the last-will message the broker publishes if the link drops uncleanly.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Attempt carries everything a single connection attempt needs.
type Attempt struct {
	Settings Settings
	Policy   SessionPolicy
	Will     Will
	// OnLost is called at most once when an established connection drops.
	OnLost func(error)
}

// Dialer opens one broker connection per call. Dial must honor ctx so an
// attempt can be abandoned when settings change.
type Dialer interface {
	Dial(ctx context.Context, a Attempt) (Conn, error)
}

// Conn is an established broker session.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	// Close disconnects gracefully, waiting up to quiesce for in-flight work.
	Close(quiesce time.Duration)
}
