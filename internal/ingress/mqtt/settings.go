// Package mqtt feeds the relay from a publish/subscribe topic.
//
// Manager owns the broker link. One goroutine (Run) performs every state
// transition, so disconnected → connecting → connected never interleave.
// Adapter turns deliveries into relay submissions, and AgentStatus mirrors
// accepted per-agent messages back onto the broker.
package mqtt

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Status is the connection state reported in snapshots.
type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// SessionPolicy decides what the broker may replay to us. It is handed to the
// dialer on every attempt instead of living as ambient client state.
type SessionPolicy struct {
	// CleanSession discards any broker-side session, so QoS 1 messages queued
	// while we were offline are not redelivered after a reconnect.
	CleanSession bool
	// IgnoreRetained drops deliveries flagged retained. A retained speak
	// request would otherwise be spoken again on every subscribe.
	IgnoreRetained bool
}

func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{CleanSession: true, IgnoreRetained: true}
}

func (p SessionPolicy) Validate() error {
	if !p.CleanSession && !p.IgnoreRetained {
		return errors.New("mqtt: persistent session with retained delivery would replay old requests")
	}
	return nil
}

// Settings is a parsed, ready-to-dial view of the mqtt config section.
type Settings struct {
	Enabled     bool
	Broker      string
	Port        int
	TopicSpeak  string
	TopicStatus string

	Username string
	Password string
	ClientID string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Backoff        Backoff
}

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Endpoint is host:port, or "" when the link is disabled.
func (s Settings) Endpoint() string {
	if !s.Enabled || s.Broker == "" {
		return ""
	}
	return net.JoinHostPort(s.Broker, strconv.Itoa(s.Port))
}

func (s Settings) withDefaults(clientID string) Settings {
	s.Broker = strings.TrimSpace(s.Broker)
	if strings.TrimSpace(s.ClientID) == "" {
		s.ClientID = clientID
	}
	if s.KeepAlive <= 0 {
		s.KeepAlive = defaultKeepAlive
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	s.Backoff = s.Backoff.normalized()
	return s
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	var errs []error
	if strings.TrimSpace(s.Broker) == "" {
		errs = append(errs, errors.New("broker is required"))
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if strings.TrimSpace(s.TopicSpeak) == "" {
		errs = append(errs, errors.New("topic_speak is required"))
	}
	if s.TopicStatus == "" || strings.ContainsAny(s.TopicStatus, "+#") {
		errs = append(errs, fmt.Errorf("topic_status %q must be a concrete topic", s.TopicStatus))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mqtt settings: %w", err)
	}
	return nil
}
