package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// HistoryEntry is a terminal timeline entry. Keep it compact and schema-stable.
//
// IDs restart at 1 with every process; Session tells runs apart.
type HistoryEntry struct {
	Session    string    `json:"session"`
	ID         uint64    `json:"id"`
	Text       string    `json:"text"`
	Voice      string    `json:"voice"`
	Rate       int       `json:"rate"`
	Agent      string    `json:"agent,omitempty"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
