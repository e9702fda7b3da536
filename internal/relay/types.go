// Package relay serializes speech requests from every ingress channel into one
// FIFO queue and plays them back one at a time.
//
// The Service owns all relay state:
//   - admission assigns ids, appends to the timeline and pushes to the queue atomically
//   - a single worker (Run) is the only writer of speaking/done/failed transitions
//   - Status reads the timeline under one lock, so snapshots are never torn
package relay

import (
	"context"
	"time"
)

// Source identifies the ingress channel a request arrived on.
type Source string

const (
	SourceRequest      Source = "request"
	SourceSubscription Source = "subscription"
	SourceWatcher      Source = "watcher"
)

// State is the lifecycle of a timeline entry: queued → speaking → done|failed.
type State string

const (
	StateQueued   State = "queued"
	StateSpeaking State = "speaking"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateSpeaking:
		return 1
	case StateDone, StateFailed:
		return 2
	default:
		return -1
	}
}

// Request is an accepted, normalized speak request. Immutable once admitted.
type Request struct {
	ID         uint64    `json:"id"`
	Text       string    `json:"text"`
	Voice      string    `json:"voice"`
	Rate       int       `json:"rate"`
	Agent      string    `json:"agent,omitempty"`
	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"timestamp"`
}

// Entry is the timeline view of a request.
type Entry struct {
	Request
	Status     State      `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Engine speaks one utterance and returns when playback has finished or failed.
type Engine interface {
	Speak(ctx context.Context, text, voice string, rate int) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, text, voice string, rate int) error

func (f EngineFunc) Speak(ctx context.Context, text, voice string, rate int) error {
	return f(ctx, text, voice, rate)
}

// ConnInfo is the pub/sub connection view shown in status snapshots.
type ConnInfo struct {
	Status string
	Broker string
}

// ConnStateFunc reports the current connection state. It must not block.
type ConnStateFunc func() ConnInfo
